package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

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
	"github.com/titanlabs/titan/internal/server"
	"github.com/titanlabs/titan/internal/system"
)

// Wire initializes all dependencies and returns a fully configured container.
// This is the main entry point for dependency injection.
// Order of operations:
// 1. Connect the bus (primary, optional secondary, failover wrapper)
// 2. Open the journal
// 3. Build shared state services
// 4. Register worker modules with the supervisor
// 5. Register scheduled jobs
// 6. Build the ops server
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{}

	// Step 1: transport. Metrics come first so the buses can count drops.
	initTransport(c, cfg, log)

	// Step 2: durable journal
	j, err := journal.Open(cfg.DatabaseURL, log)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	c.Journal = j

	// Step 3: shared state services
	if err := initServices(ctx, c, cfg, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Step 4: worker modules
	if err := registerModules(c, cfg, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to register modules: %w", err)
	}

	// Step 5: scheduled jobs
	if err := registerJobs(c, cfg, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	// Step 6: ops server
	c.Server = server.New(server.Config{
		Addr:     cfg.OpsAddr,
		Bus:      c.Bus,
		Registry: c.Registry,
		Books:    c.Books,
		Metrics:  c.Metrics,
		Tenants:  cfg.Tenants,
		Log:      log,
	})

	log.Info().
		Int("modules", len(c.Supervisor.Names())).
		Str("ops_addr", cfg.OpsAddr).
		Bool("failover", c.Secondary != nil).
		Msg("dependency wiring completed")

	return c, nil
}

// initTransport connects the primary bus and, when a secondary host is
// configured, the secondary plus the failover wrapper around both.
func initTransport(c *Container, cfg *config.Config, log zerolog.Logger) {
	c.Metrics = metrics.New()
	onDrop := func(channel string) {
		c.Metrics.BackpressureDrop.WithLabelValues(channel).Inc()
	}

	c.Primary = bus.NewRedis(bus.Options{
		Addr:      cfg.RedisAddr(),
		QueueSize: cfg.Runtime.SubscriptionBuffer,
		OnDrop:    onDrop,
		Log:       log,
	})
	c.Bus = c.Primary

	if addr := cfg.RedisSecondaryAddr(); addr != "" {
		c.Secondary = bus.NewRedis(bus.Options{
			Addr:      addr,
			QueueSize: cfg.Runtime.SubscriptionBuffer,
			OnDrop:    onDrop,
			Log:       log,
		})
		c.Bus = bus.NewFailover(c.Primary, c.Secondary, cfg.Runtime.SubscriptionBuffer, onDrop, log)
	}
}

// initServices builds the bus-backed state services and the report sinks.
func initServices(ctx context.Context, c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Registry = registry.New(c.Bus, log)
	c.Books = capital.NewStore(c.Bus)
	c.Modes = mode.NewStore(c.Bus)
	c.ConfigStore = config.NewStore(cfg.Document())
	c.ChaosGate = chaos.NewGate(cfg.ChaosMode, cfg.Chaos.ArmProbability, time.Now().UnixNano())
	c.Reporter = system.NewReporter(cfg.ReportPath, log)
	c.Watcher = config.NewWatcher(".env", c.ConfigStore, log, nil)

	arch, err := reports.NewArchiver(ctx, cfg.Archive, log)
	if err != nil {
		return fmt.Errorf("report archiver: %w", err)
	}
	c.Archiver = arch
	return nil
}

// wrap puts a module under runtime supervision with the shared options.
func wrap(c *Container, opts runtime.Options, m runtime.Module) error {
	rt, err := runtime.New(m, opts)
	if err != nil {
		return fmt.Errorf("module %s: %w", m.Manifest().Name, err)
	}
	c.Supervisor.Add(rt)
	return nil
}
