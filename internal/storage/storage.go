// Package storage defines the typed repository (C2, spec.md §4) the
// dispatcher and read handlers use to persist and query every resource
// kind, plus the append-mostly updates and stats collections. It is
// grounded on the teacher's internal/storage.Storage interface: one
// context-taking method per operation, a single interface implemented by a
// SQLite-backed store, domain structs marshaled as the "document" payload.
package storage

import (
	"context"
	"time"

	"github.com/chis/corectl/internal/domain"
)

// ErrNotFound is returned by Find* methods when no document matches.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

// Repository is the document-store interface every resource kind and the
// updates/stats collections are exposed through. Implementations must be
// safe for concurrent use (spec.md §5: "external concurrency-safe system").
type Repository interface {
	// Servers
	FindServer(ctx context.Context, id string) (*domain.Server, error)
	FindServerByName(ctx context.Context, name string) (*domain.Server, error)
	FindServers(ctx context.Context) ([]*domain.Server, error)
	InsertServer(ctx context.Context, s *domain.Server) error
	UpdateServer(ctx context.Context, s *domain.Server) error
	DeleteServer(ctx context.Context, id string) error

	// Deployments
	FindDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	FindDeploymentByName(ctx context.Context, name string) (*domain.Deployment, error)
	FindDeployments(ctx context.Context) ([]*domain.Deployment, error)
	FindDeploymentsByServer(ctx context.Context, serverID string) ([]*domain.Deployment, error)
	InsertDeployment(ctx context.Context, d *domain.Deployment) error
	UpdateDeployment(ctx context.Context, d *domain.Deployment) error
	DeleteDeployment(ctx context.Context, id string) error

	// Builds
	FindBuild(ctx context.Context, id string) (*domain.Build, error)
	FindBuilds(ctx context.Context) ([]*domain.Build, error)
	InsertBuild(ctx context.Context, b *domain.Build) error
	UpdateBuild(ctx context.Context, b *domain.Build) error
	DeleteBuild(ctx context.Context, id string) error

	// Procedures
	FindProcedure(ctx context.Context, id string) (*domain.Procedure, error)
	FindProcedures(ctx context.Context) ([]*domain.Procedure, error)
	InsertProcedure(ctx context.Context, p *domain.Procedure) error
	UpdateProcedure(ctx context.Context, p *domain.Procedure) error
	DeleteProcedure(ctx context.Context, id string) error

	// Alerters
	FindAlerters(ctx context.Context) ([]*domain.Alerter, error)
	InsertAlerter(ctx context.Context, a *domain.Alerter) error
	UpdateAlerter(ctx context.Context, a *domain.Alerter) error
	DeleteAlerter(ctx context.Context, id string) error

	// Tags
	FindTags(ctx context.Context) ([]*domain.Tag, error)
	InsertTag(ctx context.Context, t *domain.Tag) error
	DeleteTag(ctx context.Context, id string) error

	// Secrets
	FindSecret(ctx context.Context, name string) (*domain.Secret, error)
	FindSecrets(ctx context.Context) ([]*domain.Secret, error)
	InsertSecret(ctx context.Context, s *domain.Secret) error
	DeleteSecret(ctx context.Context, id string) error

	// Users / api keys
	FindUser(ctx context.Context, id string) (*domain.User, error)
	FindUserByUsername(ctx context.Context, username string) (*domain.User, error)
	InsertUser(ctx context.Context, u *domain.User) error
	FindApiKeyByKey(ctx context.Context, key string) (*domain.ApiKey, error)
	InsertApiKey(ctx context.Context, k *domain.ApiKey) error
	DeleteApiKey(ctx context.Context, id string) error

	// Updates (audit log, append-mostly; full replace by id on finalize).
	InsertUpdate(ctx context.Context, u *domain.Update) (string, error)
	SaveUpdate(ctx context.Context, u *domain.Update) error
	FindUpdate(ctx context.Context, id string) (*domain.Update, error)
	FindUpdatesByTarget(ctx context.Context, target domain.Target, limit int) ([]*domain.Update, error)
	FindInProgressUpdates(ctx context.Context) ([]*domain.Update, error)

	// Stats (time series keyed by {sid, ts}).
	InsertStatsRecord(ctx context.Context, r *domain.SystemStatsRecord) error
	FindStatsPage(ctx context.Context, serverID string, interval time.Duration, page int, perPage int) (records []*domain.SystemStatsRecord, nextPage *int, err error)

	Close() error
}
