package di

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/capital"
	"github.com/titanlabs/titan/internal/chaos"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/execution"
	"github.com/titanlabs/titan/internal/failover"
	"github.com/titanlabs/titan/internal/guards"
	"github.com/titanlabs/titan/internal/health"
	"github.com/titanlabs/titan/internal/heatmap"
	"github.com/titanlabs/titan/internal/indicators"
	"github.com/titanlabs/titan/internal/kyc"
	"github.com/titanlabs/titan/internal/mode"
	"github.com/titanlabs/titan/internal/pipeline"
	"github.com/titanlabs/titan/internal/position"
	"github.com/titanlabs/titan/internal/ratelimit"
	"github.com/titanlabs/titan/internal/registry"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/session"
	"github.com/titanlabs/titan/internal/system"
)

// heatmapFlushInterval bounds how much latency data a restart can lose.
const heatmapFlushInterval = 15 * time.Second

// personaSampleInterval is how often the shifter re-reads tenant equity.
const personaSampleInterval = 30 * time.Second

// registerModules builds every worker module and hands it to the supervisor.
// Modules are isolated: they share nothing but the bus, so construction order
// only matters for readability and mirrors the signal path.
func registerModules(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Supervisor = runtime.NewSupervisor(log)

	opts := runtime.Options{
		Bus:             c.Bus,
		Log:             log,
		Metrics:         c.Metrics,
		Mode:            c.Modes,
		Chaos:           c.ChaosGate,
		Registrar:       c.Registry,
		MaxTickDuration: cfg.Runtime.MaxTickDuration,
		RestartBackoff:  cfg.Runtime.RestartBackoff,
		QueueSize:       cfg.Runtime.SubscriptionBuffer,
		HeartbeatEvery:  cfg.Health.HeartbeatInterval,
	}

	// The router's gate and limiter are plain collaborators, not modules.
	// The compliance filter only reads client keys, so it takes the raw bus.
	gate := kyc.NewFilter(cfg.Kyc, c.Bus, log)
	limiter := ratelimit.New(cfg.RateLimit, log)

	modules := []runtime.Module{
		// Signal pipeline, stages 1-10 in path order.
		pipeline.NewIntegrity(cfg.Tenants, c.Metrics, log),
		pipeline.NewNoise(cfg.Pipeline, c.Metrics, log),
		pipeline.NewAlignment(cfg.Pipeline, c.Metrics, log),
		pipeline.NewTrust(cfg.Pipeline, c.Journal, c.Metrics, log),
		pipeline.NewCollision(cfg.Pipeline, c.Metrics, log),
		pipeline.NewOverlap(cfg.Pipeline, c.Metrics, log),
		pipeline.NewEscalation(cfg.Pipeline, c.Metrics, log),
		pipeline.NewAdapter(c.Metrics, log),
		pipeline.NewWindow(cfg.Pipeline, c.Metrics, log),
		pipeline.NewRouter(cfg.Capital, cfg.Execution.PhantomLookback, cfg.Tenants, limiter, gate, c.Metrics, log),

		// Execution boundary.
		execution.NewThrottle(cfg.Execution, c.Metrics, log),
		execution.NewSlippage(cfg.Execution, c.Metrics, log),
		execution.NewPhantom(c.Metrics, log),
		execution.NewAccountant(c.Journal, c.Metrics, log),

		// Capital control.
		capital.NewKeeper(cfg.Tenants, c.Journal, c.Metrics, log),
		capital.NewRedirector(cfg.Capital, cfg.Tenants, c.Journal, c.Metrics, log),
		capital.NewTrigger(cfg.Capital, cfg.Tenants, c.Metrics, log),

		// Market guards.
		guards.NewCrashTrigger(cfg.Guards, cfg.Tenants, cfg.Symbol, c.Metrics, log),
		guards.NewNewsBlocker(cfg.Guards, cfg.Tenants, c.Metrics, log),
		guards.NewHibernator(cfg.Guards, cfg.Tenants, cfg.Symbol, c.Metrics, log),

		// Tenant modes and personas.
		mode.NewGovernor(cfg.Tenants, nil, c.Metrics, log),
		mode.NewShifter(cfg.Tenants, cfg.Capital.InitialEquity, personaSampleInterval, log),

		// Positions and sessions.
		position.NewTracker(cfg.Pipeline.MaxPositionSize, c.Metrics, log),
		position.NewRestorer(c.Journal, cfg.Tenants, c.Metrics, log),
		session.NewTracker(c.Journal, cfg.Capital.InitialEquity, log),

		// Platform health and lifecycle.
		health.NewHeartbeat(cfg.Health.HeartbeatInterval, log),
		health.NewMonitor(cfg.Health, c.Supervisor, cfg.Runtime.SubscriptionBuffer, c.Metrics, log),
		health.NewRestartQueue(cfg.Health, c.Supervisor, c.Metrics, log),
		health.NewSweeper(cfg.Health, cfg.Tenants, c.Metrics, log),
		system.NewMachine(cfg.Health, cfg.Tenants, c.Reporter, c.Metrics, log),
		registry.NewResolver(cfg.Health.MonitorInterval, log),
		chaos.NewMonitor(cfg.Chaos, cfg.Tenants, time.Now().UnixNano(), log),

		// Data products.
		indicators.NewProducer(cfg.Indicator, log),
		heatmap.NewProducer(heatmapFlushInterval, c.Metrics, log),
		config.NewClientPublisher(c.ConfigStore, seededClients(cfg), log),
	}

	// The failover manager drives the shared wrapper, so it only exists
	// alongside a configured secondary.
	if fb, ok := c.Bus.(*bus.FailoverBus); ok {
		modules = append(modules, failover.NewManager(fb, cfg.Failover, cfg.Health.HeartbeatInterval, c.Metrics, log))
	}

	for _, m := range modules {
		if err := wrap(c, opts, m); err != nil {
			return err
		}
	}
	return nil
}

// seededClients lists the clients that get a merged config document even
// before any override key exists.
func seededClients(cfg *config.Config) []string {
	if cfg.ClientID == "" {
		return nil
	}
	return []string{cfg.ClientID}
}
