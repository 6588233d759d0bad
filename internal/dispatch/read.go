package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chis/corectl/internal/apperr"
	"github.com/chis/corectl/internal/domain"
	"github.com/chis/corectl/internal/permission"
	"github.com/chis/corectl/internal/storage"
)

// ServersSummary tallies server health across the user-visible list
// (spec.md §4.8).
type ServersSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Disabled  int `json:"disabled"`
}

// GetServersSummary computes the tally over every server the caller can
// read.
func (d *Dispatcher) GetServersSummary(ctx context.Context, caller Caller) (*ServersSummary, error) {
	servers, err := d.Repo.FindServers(ctx)
	if err != nil {
		return nil, apperr.WrapStore(err)
	}
	summary := &ServersSummary{}
	for _, s := range servers {
		if !permission.Granted(s.Permissions, caller.UserID, caller.IsAdmin, domain.PermissionRead) {
			continue
		}
		summary.Total++
		rec := d.Cache.Get(s.ID)
		switch {
		case rec == nil:
			summary.Unhealthy++
		case rec.Status == domain.HealthOk:
			summary.Healthy++
		case rec.Status == domain.HealthDisabled:
			summary.Disabled++
		default:
			summary.Unhealthy++
		}
	}
	return summary, nil
}

// GetServer returns one server the caller may read.
func (d *Dispatcher) GetServer(ctx context.Context, id string, caller Caller) (*domain.Server, error) {
	s, err := d.Repo.FindServer(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperr.NotFound("server %s not found", id)
		}
		return nil, apperr.WrapStore(err)
	}
	if err := permission.CheckUser(s.Permissions, caller.UserID, caller.IsAdmin, domain.PermissionRead); err != nil {
		return nil, err
	}
	return s, nil
}

// ListServers returns every server the caller may read.
func (d *Dispatcher) ListServers(ctx context.Context, caller Caller) ([]*domain.Server, error) {
	servers, err := d.Repo.FindServers(ctx)
	if err != nil {
		return nil, apperr.WrapStore(err)
	}
	out := servers[:0]
	for _, s := range servers {
		if permission.Granted(s.Permissions, caller.UserID, caller.IsAdmin, domain.PermissionRead) {
			out = append(out, s)
		}
	}
	return out, nil
}

// GetServerStatus returns the cached live status for a server.
func (d *Dispatcher) GetServerStatus(ctx context.Context, id string, caller Caller) (*domain.ServerStatusRecord, error) {
	if _, err := d.GetServer(ctx, id, caller); err != nil {
		return nil, err
	}
	return d.Cache.Get(id), nil
}

// GetCpuUsage and GetDiskUsage serialize stat sub-fields directly from the
// cached stats, bypassing a redundant parse/reserialize of the full stats
// document (spec.md §4.8).
func (d *Dispatcher) GetCpuUsage(ctx context.Context, serverID string, caller Caller) (json.RawMessage, error) {
	if _, err := d.GetServer(ctx, serverID, caller); err != nil {
		return nil, err
	}
	rec := d.Cache.Get(serverID)
	if rec == nil || rec.Stats == nil {
		return json.RawMessage(`null`), nil
	}
	return json.Marshal(rec.Stats.CPUPercent)
}

func (d *Dispatcher) GetDiskUsage(ctx context.Context, serverID string, caller Caller) (json.RawMessage, error) {
	if _, err := d.GetServer(ctx, serverID, caller); err != nil {
		return nil, err
	}
	rec := d.Cache.Get(serverID)
	if rec == nil || rec.Stats == nil {
		return json.RawMessage(`[]`), nil
	}
	return json.Marshal(rec.Stats.Disks)
}

// GetHistoricalServerStats exposes the paged stats history read.
func (d *Dispatcher) GetHistoricalServerStats(ctx context.Context, serverID string, interval time.Duration, page int, caller Caller) ([]*domain.SystemStatsRecord, *int, error) {
	if _, err := d.GetServer(ctx, serverID, caller); err != nil {
		return nil, nil, err
	}
	return d.Cache.GetHistoricalServerStats(ctx, serverID, interval, page)
}

// GetDeployment returns one deployment the caller may read.
func (d *Dispatcher) GetDeployment(ctx context.Context, id string, caller Caller) (*domain.Deployment, error) {
	dep, err := d.Repo.FindDeployment(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperr.NotFound("deployment %s not found", id)
		}
		return nil, apperr.WrapStore(err)
	}
	if err := permission.CheckUser(dep.Permissions, caller.UserID, caller.IsAdmin, domain.PermissionRead); err != nil {
		return nil, err
	}
	return dep, nil
}

// ListDeployments returns every deployment the caller may read, optionally
// filtered to those carrying the given tag. An empty tag returns every
// readable deployment (spec.md §6).
func (d *Dispatcher) ListDeployments(ctx context.Context, tag string, caller Caller) ([]*domain.Deployment, error) {
	deployments, err := d.Repo.FindDeployments(ctx)
	if err != nil {
		return nil, apperr.WrapStore(err)
	}
	out := deployments[:0]
	for _, dep := range deployments {
		if !permission.Granted(dep.Permissions, caller.UserID, caller.IsAdmin, domain.PermissionRead) {
			continue
		}
		if tag != "" && !hasTag(dep.Tags, tag) {
			continue
		}
		out = append(out, dep)
	}
	return out, nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// GetUpdate returns a single audit record.
func (d *Dispatcher) GetUpdate(ctx context.Context, id string) (*domain.Update, error) {
	u, err := d.Repo.FindUpdate(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperr.NotFound("update %s not found", id)
		}
		return nil, apperr.WrapStore(err)
	}
	return u, nil
}

// ListUpdatesForTarget returns the most recent updates for a target,
// newest first.
func (d *Dispatcher) ListUpdatesForTarget(ctx context.Context, target domain.Target, limit int) ([]*domain.Update, error) {
	updates, err := d.Repo.FindUpdatesByTarget(ctx, target, limit)
	if err != nil {
		return nil, apperr.WrapStore(err)
	}
	return updates, nil
}
