package alert

import (
	"context"

	"github.com/chis/corectl/internal/domain"
	"github.com/chis/corectl/internal/events"
	"github.com/chis/corectl/internal/logging"
	"github.com/chis/corectl/internal/statuscache"
)

// Bridge subscribes to every statuscache transition topic on the event bus
// and translates each one into the matching alert Variant, dispatching it
// through d. This is the piece that makes the statuscache's transition
// events (spec.md §4.4) actually reach the configured alerters (spec.md
// §4.6) rather than being published into the void.
type Bridge struct {
	bus *events.Bus
	d   *Dispatcher
}

// NewBridge wires bus to d. Call Run in its own goroutine.
func NewBridge(bus *events.Bus, d *Dispatcher) *Bridge {
	return &Bridge{bus: bus, d: d}
}

// Run drains transition events until ctx is canceled.
func (b *Bridge) Run(ctx context.Context) {
	ch, unsubscribe := b.bus.Subscribe("*")
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if v, ok := translate(evt); ok {
				b.d.SendAlerts(ctx, []Variant{v})
			}
		}
	}
}

func translate(evt events.Event) (Variant, bool) {
	switch data := evt.Data.(type) {
	case statuscache.ServerReachabilityEvent:
		level := "unreachable"
		if data.Status == domain.HealthOk {
			level = "reachable"
		}
		return Variant{ServerUnreachable: &ServerUnreachable{
			Name: data.Server.Name, Region: data.Server.Region, Level: level,
		}}, true

	case statuscache.ServerSeverityEvent:
		switch evt.Topic {
		case "server.cpu.severity":
			return Variant{ServerCpu: &ServerResourceAlert{
				Name: data.Server.Name, Region: data.Server.Region, Percentage: data.Percent,
			}}, true
		case "server.mem.severity":
			return Variant{ServerMem: &ServerResourceAlert{
				Name: data.Server.Name, Region: data.Server.Region, UsedGB: data.UsedGB, TotalGB: data.TotalGB,
			}}, true
		}
		logging.Warn("alert bridge: unexpected topic %q for ServerSeverityEvent", evt.Topic)
		return Variant{}, false

	case statuscache.ServerDiskSeverityEvent:
		return Variant{ServerDisk: &ServerDiskAlert{
			Name: data.Server.Name, Region: data.Server.Region,
			Path: data.Disk.Path, UsedGB: data.Disk.UsedGB, TotalGB: data.Disk.TotalGB,
		}}, true

	case statuscache.ContainerStateEvent:
		return Variant{ContainerStateChange: &ContainerStateChange{
			Name: data.Name, ServerName: data.ServerName,
			From: string(data.From), To: string(data.To),
		}}, true
	}
	return Variant{}, false
}
