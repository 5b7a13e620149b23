package capital

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/journal"
	"github.com/titanlabs/titan/internal/signal"
)

// Optimizer re-runs the allocator over the trailing journal window and
// proposes the result to the keeper. It never writes the book itself, so a
// concurrent manual adjustment cannot be half-overwritten.
type Optimizer struct {
	bus     bus.Bus
	journal *journal.Journal
	cfg     config.CapitalConfig
	tenants []string
	log     zerolog.Logger
}

// NewOptimizer builds the hourly reallocation job.
func NewOptimizer(b bus.Bus, j *journal.Journal, cfg config.CapitalConfig, tenants []string, log zerolog.Logger) *Optimizer {
	return &Optimizer{
		bus:     b,
		journal: j,
		cfg:     cfg,
		tenants: tenants,
		log:     log.With().Str("component", "capital-optimizer").Logger(),
	}
}

func (o *Optimizer) Name() string { return "capital-loop-optimizer" }

// Run proposes one reallocation per tenant with journaled trades in the
// window. Tenants without trades keep their current book.
func (o *Optimizer) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if config.ReadonlyActive(ctx, o.bus) {
		o.log.Warn().Msg("config drift readonly active, reallocation skipped")
		return nil
	}

	since := time.Now().Add(-o.cfg.OptimizerWindow)
	for _, tenant := range o.tenants {
		stats, err := o.journal.StrategyWindow(ctx, tenant, since)
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			continue
		}

		alloc := Allocate(stats, o.cfg)
		blob, err := json.Marshal(alloc)
		if err != nil {
			return err
		}
		cmd := signal.NewControl(signal.ActionAdjustCapital, map[string]string{
			"tenant":      tenant,
			"allocations": string(blob),
			"requester":   o.Name(),
		})
		raw, err := cmd.Encode()
		if err != nil {
			return err
		}
		if err := o.bus.Publish(ctx, events.ChannelControlManual, raw); err != nil {
			return err
		}
		o.log.Info().Str("tenant", tenant).Int("strategies", len(alloc)).
			Msg("reallocation proposed")
	}
	return nil
}
