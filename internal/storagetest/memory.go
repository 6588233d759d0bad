// Package storagetest provides a shared in-memory storage.Repository for
// tests across the coordinator's packages — adapted from the teacher's
// internal/testutil package (which held shared test fixtures/mocks for its
// own storage types) into a fake covering the new Repository interface, so
// internal/audit, internal/dispatch and internal/statuscache can each be
// tested without a real SQLite file.
package storagetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chis/corectl/internal/domain"
	"github.com/chis/corectl/internal/storage"
	"github.com/google/uuid"
)

// Memory is a minimal, concurrency-safe in-memory storage.Repository.
type Memory struct {
	mu sync.Mutex

	servers     map[string]*domain.Server
	deployments map[string]*domain.Deployment
	builds      map[string]*domain.Build
	procedures  map[string]*domain.Procedure
	alerters    map[string]*domain.Alerter
	tags        map[string]*domain.Tag
	secrets     map[string]*domain.Secret
	users       map[string]*domain.User
	apiKeys     map[string]*domain.ApiKey
	updates     map[string]*domain.Update
	stats       []*domain.SystemStatsRecord
}

// New returns an empty Memory repository.
func New() *Memory {
	return &Memory{
		servers:     make(map[string]*domain.Server),
		deployments: make(map[string]*domain.Deployment),
		builds:      make(map[string]*domain.Build),
		procedures:  make(map[string]*domain.Procedure),
		alerters:    make(map[string]*domain.Alerter),
		tags:        make(map[string]*domain.Tag),
		secrets:     make(map[string]*domain.Secret),
		users:       make(map[string]*domain.User),
		apiKeys:     make(map[string]*domain.ApiKey),
		updates:     make(map[string]*domain.Update),
	}
}

var _ storage.Repository = (*Memory)(nil)

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

// --- servers -------------------------------------------------------------

func (m *Memory) FindServer(_ context.Context, id string) (*domain.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(s), nil
}

func (m *Memory) FindServerByName(_ context.Context, name string) (*domain.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.servers {
		if s.Name == name {
			return clone(s), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *Memory) FindServers(_ context.Context) ([]*domain.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Server, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, clone(s))
	}
	return out, nil
}

func (m *Memory) InsertServer(_ context.Context, s *domain.Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	m.servers[s.ID] = clone(s)
	return nil
}

func (m *Memory) UpdateServer(_ context.Context, s *domain.Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[s.ID]; !ok {
		return storage.ErrNotFound
	}
	m.servers[s.ID] = clone(s)
	return nil
}

func (m *Memory) DeleteServer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, id)
	return nil
}

// --- deployments -----------------------------------------------------------

func (m *Memory) FindDeployment(_ context.Context, id string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(d), nil
}

func (m *Memory) FindDeploymentByName(_ context.Context, name string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deployments {
		if d.Name == name {
			return clone(d), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *Memory) FindDeployments(_ context.Context) ([]*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Deployment, 0, len(m.deployments))
	for _, d := range m.deployments {
		out = append(out, clone(d))
	}
	return out, nil
}

func (m *Memory) FindDeploymentsByServer(_ context.Context, serverID string) ([]*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Deployment
	for _, d := range m.deployments {
		if d.ServerID == serverID {
			out = append(out, clone(d))
		}
	}
	return out, nil
}

func (m *Memory) InsertDeployment(_ context.Context, d *domain.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	m.deployments[d.ID] = clone(d)
	return nil
}

func (m *Memory) UpdateDeployment(_ context.Context, d *domain.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[d.ID]; !ok {
		return storage.ErrNotFound
	}
	m.deployments[d.ID] = clone(d)
	return nil
}

func (m *Memory) DeleteDeployment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deployments, id)
	return nil
}

// --- builds ----------------------------------------------------------------

func (m *Memory) FindBuild(_ context.Context, id string) (*domain.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(b), nil
}

func (m *Memory) FindBuilds(_ context.Context) ([]*domain.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Build, 0, len(m.builds))
	for _, b := range m.builds {
		out = append(out, clone(b))
	}
	return out, nil
}

func (m *Memory) InsertBuild(_ context.Context, b *domain.Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	m.builds[b.ID] = clone(b)
	return nil
}

func (m *Memory) UpdateBuild(_ context.Context, b *domain.Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.builds[b.ID]; !ok {
		return storage.ErrNotFound
	}
	m.builds[b.ID] = clone(b)
	return nil
}

func (m *Memory) DeleteBuild(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.builds, id)
	return nil
}

// --- procedures --------------------------------------------------------------

func (m *Memory) FindProcedure(_ context.Context, id string) (*domain.Procedure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procedures[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(p), nil
}

func (m *Memory) FindProcedures(_ context.Context) ([]*domain.Procedure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Procedure, 0, len(m.procedures))
	for _, p := range m.procedures {
		out = append(out, clone(p))
	}
	return out, nil
}

func (m *Memory) InsertProcedure(_ context.Context, p *domain.Procedure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	m.procedures[p.ID] = clone(p)
	return nil
}

func (m *Memory) UpdateProcedure(_ context.Context, p *domain.Procedure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.procedures[p.ID]; !ok {
		return storage.ErrNotFound
	}
	m.procedures[p.ID] = clone(p)
	return nil
}

func (m *Memory) DeleteProcedure(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.procedures, id)
	return nil
}

// --- alerters ----------------------------------------------------------------

func (m *Memory) FindAlerters(_ context.Context) ([]*domain.Alerter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Alerter, 0, len(m.alerters))
	for _, a := range m.alerters {
		out = append(out, clone(a))
	}
	return out, nil
}

func (m *Memory) InsertAlerter(_ context.Context, a *domain.Alerter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	m.alerters[a.ID] = clone(a)
	return nil
}

func (m *Memory) UpdateAlerter(_ context.Context, a *domain.Alerter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerters[a.ID]; !ok {
		return storage.ErrNotFound
	}
	m.alerters[a.ID] = clone(a)
	return nil
}

func (m *Memory) DeleteAlerter(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alerters, id)
	return nil
}

// --- tags ----------------------------------------------------------------

func (m *Memory) FindTags(_ context.Context) ([]*domain.Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Tag, 0, len(m.tags))
	for _, t := range m.tags {
		out = append(out, clone(t))
	}
	return out, nil
}

func (m *Memory) InsertTag(_ context.Context, t *domain.Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	m.tags[t.ID] = clone(t)
	return nil
}

func (m *Memory) DeleteTag(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tags, id)
	return nil
}

// --- secrets ----------------------------------------------------------------

func (m *Memory) FindSecret(_ context.Context, name string) (*domain.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.secrets {
		if s.Name == name {
			return clone(s), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *Memory) FindSecrets(_ context.Context) ([]*domain.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Secret, 0, len(m.secrets))
	for _, s := range m.secrets {
		out = append(out, clone(s))
	}
	return out, nil
}

func (m *Memory) InsertSecret(_ context.Context, s *domain.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	m.secrets[s.ID] = clone(s)
	return nil
}

func (m *Memory) DeleteSecret(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, id)
	return nil
}

// --- users / api keys --------------------------------------------------------

func (m *Memory) FindUser(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(u), nil
}

func (m *Memory) FindUserByUsername(_ context.Context, username string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return clone(u), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *Memory) InsertUser(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	m.users[u.ID] = clone(u)
	return nil
}

func (m *Memory) FindApiKeyByKey(_ context.Context, key string) (*domain.ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.apiKeys {
		if k.Key == key {
			return clone(k), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *Memory) InsertApiKey(_ context.Context, k *domain.ApiKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	m.apiKeys[k.ID] = clone(k)
	return nil
}

func (m *Memory) DeleteApiKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.apiKeys, id)
	return nil
}

// --- updates ----------------------------------------------------------------

func (m *Memory) InsertUpdate(_ context.Context, u *domain.Update) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	m.updates[u.ID] = clone(u)
	return u.ID, nil
}

func (m *Memory) SaveUpdate(_ context.Context, u *domain.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.updates[u.ID]; !ok {
		return storage.ErrNotFound
	}
	m.updates[u.ID] = clone(u)
	return nil
}

func (m *Memory) FindUpdate(_ context.Context, id string) (*domain.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.updates[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(u), nil
}

func (m *Memory) FindUpdatesByTarget(_ context.Context, target domain.Target, limit int) ([]*domain.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Update
	for _, u := range m.updates {
		if u.Target == target {
			out = append(out, clone(u))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) FindInProgressUpdates(_ context.Context) ([]*domain.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Update
	for _, u := range m.updates {
		if u.Status == domain.UpdateInProgress {
			out = append(out, clone(u))
		}
	}
	return out, nil
}

// --- stats ----------------------------------------------------------------

func (m *Memory) InsertStatsRecord(_ context.Context, r *domain.SystemStatsRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = append(m.stats, clone(r))
	return nil
}

// FindStatsPage mirrors the SQLite implementation's paging rule (spec.md
// §4.4): page 0 starts at now (floored to interval), each subsequent page
// walks one interval*perPage further into the past; nextPage is set only
// when the page came back full.
func (m *Memory) FindStatsPage(_ context.Context, serverID string, interval time.Duration, page int, perPage int) ([]*domain.SystemStatsRecord, *int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	floored := time.Now().Truncate(interval)
	upperBound := floored.Add(-interval * time.Duration(perPage*page))
	lowerBound := upperBound.Add(-interval * time.Duration(perPage-1))

	var matching []*domain.SystemStatsRecord
	for _, r := range m.stats {
		if r.ServerID == serverID && !r.Ts.After(upperBound) && !r.Ts.Before(lowerBound) && upperBound.Sub(r.Ts)%interval == 0 {
			matching = append(matching, r)
		}
	}
	// Most-recent-first, matching the SQLite query's ORDER BY ts DESC.
	sort.Slice(matching, func(i, j int) bool { return matching[i].Ts.After(matching[j].Ts) })

	if len(matching) > perPage {
		matching = matching[:perPage]
	}
	out := make([]*domain.SystemStatsRecord, len(matching))
	for i, r := range matching {
		out[i] = clone(r)
	}

	var nextPage *int
	if len(out) == perPage {
		next := page + 1
		nextPage = &next
	}
	return out, nextPage, nil
}

func (m *Memory) Close() error { return nil }
