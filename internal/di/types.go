// Package di provides dependency injection wiring and initialization.
package di

import (
	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/capital"
	"github.com/titanlabs/titan/internal/chaos"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/journal"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/mode"
	"github.com/titanlabs/titan/internal/registry"
	"github.com/titanlabs/titan/internal/reports"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/schedule"
	"github.com/titanlabs/titan/internal/server"
	"github.com/titanlabs/titan/internal/system"
)

// Container holds every long-lived dependency of the core process.
//
// It is the single source of truth for service instances: Wire builds it once
// at startup, main drives the lifecycle pieces (supervisor, scheduler, server,
// watcher), and Close releases the leaf resources in reverse order.
type Container struct {
	// Transport. Bus is the handle everything else uses: the failover
	// wrapper when a secondary is configured, the primary otherwise.
	Primary   bus.Bus
	Secondary bus.Bus // nil without REDIS_SECONDARY_HOST
	Bus       bus.Bus

	// Durable storage for trades, positions, and session accounting.
	Journal *journal.Journal

	// Observability. One registry, shared by every worker and served
	// by the ops endpoint.
	Metrics *metrics.Metrics

	// Shared state services over the bus.
	Registry    *registry.Registry // module catalog and heartbeats
	Books       *capital.Store     // per-tenant allocation books
	Modes       *mode.Store        // tenant mode and persona snapshots
	ConfigStore *config.Store      // versioned configuration document
	ChaosGate   *chaos.Gate        // failure injection, inert unless CHAOS_MODE=on
	Archiver    *reports.Archiver  // S3 report archive, inert unless configured
	Reporter    *system.Reporter   // degradation report writer

	// Execution plane.
	Supervisor *runtime.Supervisor
	Scheduler  *schedule.Scheduler
	Server     *server.Server
	Watcher    *config.Watcher
}

// Close releases the container's leaf resources. Lifecycle components
// (supervisor, scheduler, server) are stopped by main before this runs.
func (c *Container) Close() {
	if c.Journal != nil {
		_ = c.Journal.Close()
	}
	if c.Secondary != nil {
		c.Secondary.Close()
	}
	if c.Primary != nil {
		c.Primary.Close()
	}
}
