// Package statuscache implements the poller and live-status cache (C6,
// spec.md §4.4): one background task loops at a fixed period, polling every
// enabled server concurrently and replacing its cache entry atomically.
// Grounded on the teacher's internal/update.BackgroundChecker: a ticker
// loop and a mutex-guarded cache keyed by id, retargeted from single-host
// container checks to multi-server health/stats/containers/version
// polling. Run keeps no running-guard flag, and PollOnce is a synchronous
// manual refresh with no debounce.
package statuscache

import (
	"context"
	"sync"
	"time"

	"github.com/chis/corectl/internal/domain"
	"github.com/chis/corectl/internal/events"
	"github.com/chis/corectl/internal/logging"
	"github.com/chis/corectl/internal/periphery"
	"github.com/chis/corectl/internal/storage"
)

// Thresholds configure the severity step function per resource (spec.md §6:
// "per-variant alert thresholds (cpu/mem/disk % for Warning and Critical)").
type Thresholds struct {
	CPUWarning, CPUCritical   float64
	MemWarning, MemCritical   float64
	DiskWarning, DiskCritical float64
}

func severity(pct, warn, crit float64) domain.Severity {
	switch {
	case pct >= crit:
		return domain.SeverityCritical
	case pct >= warn:
		return domain.SeverityWarning
	default:
		return domain.SeverityOk
	}
}

// ClientFactory builds a periphery client for a server; injected so tests
// can substitute a fake transport.
type ClientFactory func(s *domain.Server) *periphery.Client

// Cache is the poller plus its in-memory snapshot store.
type Cache struct {
	repo       storage.Repository
	newClient  ClientFactory
	bus        *events.Bus
	thresholds Thresholds
	interval   time.Duration
	callTimeout time.Duration

	mu      sync.RWMutex
	entries map[string]*domain.ServerStatusRecord

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(repo storage.Repository, newClient ClientFactory, bus *events.Bus, thresholds Thresholds, interval, callTimeout time.Duration) *Cache {
	return &Cache{
		repo:        repo,
		newClient:   newClient,
		bus:         bus,
		thresholds:  thresholds,
		interval:    interval,
		callTimeout: callTimeout,
		entries:     make(map[string]*domain.ServerStatusRecord),
		stopCh:      make(chan struct{}),
	}
}

// Get returns a defensive copy of the cached record for serverID, or nil if
// nothing has been polled yet.
func (c *Cache) Get(serverID string) *domain.ServerStatusRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.entries[serverID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// All returns a defensive copy of every cached record.
func (c *Cache) All() []*domain.ServerStatusRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*domain.ServerStatusRecord, 0, len(c.entries))
	for _, rec := range c.entries {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// Run loops until ctx is canceled, polling every server once per interval.
func (c *Cache) Run(ctx context.Context) {
	c.tick(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// Stop ends a running Run loop.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// PollOnce runs a single synchronous poll of every server, blocking until
// every server has been checked. Exposed for manual-refresh callers and
// tests that need a deterministic poll rather than waiting on the ticker.
func (c *Cache) PollOnce(ctx context.Context) {
	c.tick(ctx)
}

func (c *Cache) tick(ctx context.Context) {
	servers, err := c.repo.FindServers(ctx)
	if err != nil {
		logging.Error("statuscache: load servers: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s *domain.Server) {
			defer wg.Done()
			c.pollOne(ctx, s)
		}(s)
	}
	wg.Wait()
}

func (c *Cache) pollOne(ctx context.Context, s *domain.Server) {
	prior := c.Get(s.ID)

	if !s.Enabled {
		rec := &domain.ServerStatusRecord{ServerID: s.ID, Status: domain.HealthDisabled, LastPolled: time.Now()}
		c.replace(s.ID, rec)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	client := c.newClient(s)
	healthErr := client.Health(callCtx)
	if healthErr != nil {
		rec := &domain.ServerStatusRecord{ServerID: s.ID, Status: domain.HealthNotOk, LastPolled: time.Now()}
		c.replace(s.ID, rec)
		c.emitReachabilityTransition(s, prior, rec)
		return
	}

	stats, statsErr := client.Stats(callCtx)
	containers, containersErr := client.ListContainers(callCtx)
	version, _ := client.Version(callCtx)

	if statsErr != nil {
		rec := &domain.ServerStatusRecord{ServerID: s.ID, Status: domain.HealthNotOk, Version: version, LastPolled: time.Now()}
		c.replace(s.ID, rec)
		c.emitReachabilityTransition(s, prior, rec)
		return
	}

	stats.CPUSeverity = severity(stats.CPUPercent, c.thresholds.CPUWarning, c.thresholds.CPUCritical)
	stats.MemSeverity = severity(pct(stats.MemUsedGB, stats.MemTotalGB), c.thresholds.MemWarning, c.thresholds.MemCritical)
	for i := range stats.Disks {
		stats.Disks[i].Severity = severity(pct(stats.Disks[i].UsedGB, stats.Disks[i].TotalGB), c.thresholds.DiskWarning, c.thresholds.DiskCritical)
	}

	rec := &domain.ServerStatusRecord{
		ServerID:   s.ID,
		Status:     domain.HealthOk,
		Version:    version,
		Stats:      &stats,
		LastPolled: time.Now(),
	}
	if containersErr == nil {
		rec.Containers = containers
	}

	c.replace(s.ID, rec)
	c.emitReachabilityTransition(s, prior, rec)
	c.emitSeverityTransitions(s, prior, rec)
	c.emitContainerTransitions(s, prior, rec)

	if err := c.repo.InsertStatsRecord(ctx, &domain.SystemStatsRecord{
		ServerID: s.ID,
		Ts:       time.Now().Truncate(c.interval),
		Stats:    stats,
	}); err != nil {
		logging.Error("statuscache: persist stats for %s: %v", s.Name, err)
	}
}

func pct(used, total float64) float64 {
	if total == 0 {
		return 0
	}
	return 100 * used / total
}

func (c *Cache) replace(id string, rec *domain.ServerStatusRecord) {
	c.mu.Lock()
	c.entries[id] = rec
	c.mu.Unlock()
}

// ServerReachabilityEvent is published on server.reachability transitions.
type ServerReachabilityEvent struct {
	Server *domain.Server
	Status domain.ServerHealth
}

func (c *Cache) emitReachabilityTransition(s *domain.Server, prior, next *domain.ServerStatusRecord) {
	if prior == nil || prior.Status == next.Status {
		return
	}
	wasReachable := prior.Status == domain.HealthOk
	isReachable := next.Status == domain.HealthOk
	if wasReachable == isReachable {
		return
	}
	c.bus.Publish(events.Event{Topic: "server.reachability", Data: ServerReachabilityEvent{Server: s, Status: next.Status}})
}

// ServerSeverityEvent is published on server.cpu.severity / server.mem.severity
// transitions — enough context for the alert bridge to format a
// ServerResourceAlert without looking the server back up.
type ServerSeverityEvent struct {
	Server   *domain.Server
	Severity domain.Severity
	UsedGB   float64
	TotalGB  float64
	Percent  float64
}

// ServerDiskSeverityEvent is the disk-specific analogue, since a server has
// many disks rather than one.
type ServerDiskSeverityEvent struct {
	Server   *domain.Server
	Disk     domain.DiskUsage
}

func (c *Cache) emitSeverityTransitions(s *domain.Server, prior, next *domain.ServerStatusRecord) {
	if next.Stats == nil {
		return
	}
	var priorStats *domain.SystemStats
	if prior != nil {
		priorStats = prior.Stats
	}

	priorCPU, priorMem := domain.SeverityOk, domain.SeverityOk
	if priorStats != nil {
		priorCPU, priorMem = priorStats.CPUSeverity, priorStats.MemSeverity
	}
	if worse(next.Stats.CPUSeverity, priorCPU) {
		c.bus.Publish(events.Event{Topic: "server.cpu.severity", Data: ServerSeverityEvent{
			Server: s, Severity: next.Stats.CPUSeverity, Percent: next.Stats.CPUPercent,
		}})
	}
	if worse(next.Stats.MemSeverity, priorMem) {
		c.bus.Publish(events.Event{Topic: "server.mem.severity", Data: ServerSeverityEvent{
			Server: s, Severity: next.Stats.MemSeverity, UsedGB: next.Stats.MemUsedGB, TotalGB: next.Stats.MemTotalGB,
		}})
	}

	for i, disk := range next.Stats.Disks {
		var priorSev domain.Severity = domain.SeverityOk
		if priorStats != nil && i < len(priorStats.Disks) {
			priorSev = priorStats.Disks[i].Severity
		}
		if worse(disk.Severity, priorSev) {
			c.bus.Publish(events.Event{Topic: "server.disk.severity", Data: ServerDiskSeverityEvent{Server: s, Disk: disk}})
		}
	}
}

func worse(next, prior domain.Severity) bool {
	rank := map[domain.Severity]int{domain.SeverityOk: 0, domain.SeverityWarning: 1, domain.SeverityCritical: 2}
	return rank[next] > rank[prior]
}

// ContainerStateEvent is published on container.state transitions.
type ContainerStateEvent struct {
	ServerName string
	Name       string
	From       domain.ContainerState
	To         domain.ContainerState
}

func (c *Cache) emitContainerTransitions(s *domain.Server, prior, next *domain.ServerStatusRecord) {
	if prior == nil {
		return
	}
	priorByName := make(map[string]domain.ContainerState, len(prior.Containers))
	for _, cs := range prior.Containers {
		priorByName[cs.Name] = cs.State
	}
	for _, cs := range next.Containers {
		if old, ok := priorByName[cs.Name]; ok && old != cs.State {
			c.bus.Publish(events.Event{Topic: "container.state", Data: ContainerStateEvent{
				ServerName: s.Name, Name: cs.Name, From: old, To: cs.State,
			}})
		}
	}
}

// GetHistoricalServerStats implements the paged history read (spec.md
// §4.4): STATS_PER_PAGE=500 samples per page, descending from
// floor(now, interval) - interval*500*page.
const StatsPerPage = 500

func (c *Cache) GetHistoricalServerStats(ctx context.Context, serverID string, interval time.Duration, page int) ([]*domain.SystemStatsRecord, *int, error) {
	return c.repo.FindStatsPage(ctx, serverID, interval, page, StatsPerPage)
}
