package dispatch

import (
	"context"
	"strconv"
	"time"

	"github.com/chis/corectl/internal/apperr"
	"github.com/chis/corectl/internal/audit"
	"github.com/chis/corectl/internal/domain"
	"github.com/chis/corectl/internal/logging"
	"github.com/chis/corectl/internal/permission"
	"github.com/chis/corectl/internal/storage"
)

// UpdateProcedureRequest carries the fields a write overwrites on an
// existing procedure; id/permissions are preserved from the stored record
// (spec.md §9's update_procedure open question).
type UpdateProcedureRequest struct {
	ProcedureID     string
	Name            string
	Stages          []domain.ProcedureStage
	ContinueOnError bool
}

// UpdateProcedure overwrites a procedure's stages/name/continue_on_error in
// place, preserving id and permissions, and records the change as an Update
// with a single log entry reporting how many stages changed.
func (d *Dispatcher) UpdateProcedure(ctx context.Context, req UpdateProcedureRequest, caller Caller) (*domain.Update, error) {
	proc, err := d.Repo.FindProcedure(ctx, req.ProcedureID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperr.NotFound("procedure %s not found", req.ProcedureID)
		}
		return nil, apperr.WrapStore(err)
	}
	if err := permission.CheckUser(proc.Permissions, caller.UserID, caller.IsAdmin, domain.PermissionWrite); err != nil {
		return nil, err
	}

	diff := stageDiffCount(proc.Stages, req.Stages)
	proc.Name = req.Name
	proc.Stages = req.Stages
	proc.ContinueOnError = req.ContinueOnError

	if err := d.Repo.UpdateProcedure(ctx, proc); err != nil {
		return nil, apperr.WrapStore(err)
	}

	target := domain.Target{Kind: domain.TargetProcedure, ID: proc.ID}
	ctx = logging.WithCaller(ctx, caller.UserID, caller.IsAdmin)
	ctx = logging.WithOperation(ctx, target, "UpdateProcedure")

	u, err := audit.Open(ctx, d.Repo, target, "UpdateProcedure", caller.UserID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	audit.Append(u, domain.LogEntry{
		Stage:   "update_procedure",
		Success: true,
		Stdout:  stageDiffSummary(diff),
		Start:   now,
		End:     now,
	})
	if err := audit.Finalize(ctx, d.Repo, u); err != nil {
		logging.ErrorContext(ctx, "dispatch: finalize UpdateProcedure %s: %v", u.ID, err)
	}
	return u, nil
}

// stageDiffCount counts how many stage positions differ between the old
// and new stage lists, treating a length mismatch as a difference at every
// position beyond the shorter list.
func stageDiffCount(old, new_ []domain.ProcedureStage) int {
	max := len(old)
	if len(new_) > max {
		max = len(new_)
	}
	diff := 0
	for i := 0; i < max; i++ {
		switch {
		case i >= len(old) || i >= len(new_):
			diff++
		case old[i] != new_[i]:
			diff++
		}
	}
	return diff
}

func stageDiffSummary(diff int) string {
	if diff == 1 {
		return "1 stage changed"
	}
	return strconv.Itoa(diff) + " stages changed"
}
