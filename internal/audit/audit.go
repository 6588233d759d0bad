// Package audit wraps the update lifecycle (C5, spec.md §4.2): open,
// append, finalize, persist. It is the only path by which an Update's
// history is mutated — dispatch calls these functions rather than touching
// domain.Update or the repository's updates collection directly.
package audit

import (
	"context"
	"time"

	"github.com/chis/corectl/internal/apperr"
	"github.com/chis/corectl/internal/domain"
	"github.com/chis/corectl/internal/storage"
)

// Open constructs and persists an InProgress update, returning it with its
// assigned id.
func Open(ctx context.Context, repo storage.Repository, target domain.Target, operation, operator string) (*domain.Update, error) {
	u := &domain.Update{
		Target:    target,
		Operation: operation,
		Operator:  operator,
		Start:     time.Now(),
		Status:    domain.UpdateInProgress,
	}
	id, err := repo.InsertUpdate(ctx, u)
	if err != nil {
		return nil, apperr.WrapStore(err)
	}
	u.ID = id
	return u, nil
}

// Append records one log entry on the in-memory update. It does not persist
// — callers batch log entries and call Finalize once the action completes.
func Append(u *domain.Update, entry domain.LogEntry) {
	u.AppendLog(entry)
}

// Finalize closes the update (success = AND of every log entry) and
// persists the final state.
func Finalize(ctx context.Context, repo storage.Repository, u *domain.Update) error {
	u.Finalize(time.Now())
	if err := repo.SaveUpdate(ctx, u); err != nil {
		return apperr.WrapStore(err)
	}
	return nil
}

// Orphan counts every InProgress update left behind by an unclean shutdown
// — called once at startup to surface them (spec.md §7: "an update left
// InProgress after coordinator shutdown is considered orphaned.
// Implementations should surface but not auto-finalize these; operators
// manually reconcile"). It does not mutate or finalize the records: status
// stays InProgress until an operator reconciles them.
func Orphan(ctx context.Context, repo storage.Repository) (int, error) {
	inProgress, err := repo.FindInProgressUpdates(ctx)
	if err != nil {
		return 0, apperr.WrapStore(err)
	}
	return len(inProgress), nil
}
