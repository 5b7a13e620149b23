package guards

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/mode"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/runtime"
)

type pricePoint struct {
	at    time.Time
	price float64
}

// CrashTrigger watches the reference instrument's price indicator per tenant
// and keeps a rolling window of samples. When the price falls from the window
// high by more than the configured percentage it proposes capital
// preservation mode for the tenant. The proposal fires once per crash and
// re-arms when the drop recovers inside the window.
type CrashTrigger struct {
	bus bus.Bus
	m   *metrics.Metrics
	log zerolog.Logger

	tenants     []string
	symbol      string
	dropPercent float64
	window      time.Duration

	samples map[string][]pricePoint
	tripped map[string]bool
}

// NewCrashTrigger builds the crash watcher.
func NewCrashTrigger(cfg config.GuardsConfig, tenants []string, symbol string, m *metrics.Metrics, log zerolog.Logger) *CrashTrigger {
	return &CrashTrigger{
		m:           m,
		log:         log.With().Str("component", "market-crash-trigger").Logger(),
		tenants:     tenants,
		symbol:      symbol,
		dropPercent: cfg.CrashDropPercent,
		window:      cfg.CrashWindow,
		samples:     make(map[string][]pricePoint),
		tripped:     make(map[string]bool),
	}
}

func (c *CrashTrigger) BindBus(b bus.Bus) { c.bus = b }

func (c *CrashTrigger) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:         "market-crash-trigger",
		Version:      "1.0.0",
		Creator:      "core",
		Type:         runtime.TypeMonitor,
		TickInterval: 10 * time.Second,
		DeclaredChannels: []string{
			events.ChannelControlManual,
			events.ChannelAlert,
		},
	}
}

// Tick samples every tenant's price and evaluates the drop.
func (c *CrashTrigger) Tick(ctx context.Context, info runtime.TickInfo) error {
	for _, tenant := range c.tenants {
		if err := c.check(ctx, tenant, info.Now); err != nil {
			return err
		}
	}
	return nil
}

func (c *CrashTrigger) check(ctx context.Context, tenant string, now time.Time) error {
	price, ok, err := readFloat(ctx, c.bus, c.log, namespace.Compose(tenant, namespace.DomainIndicator, "price", c.symbol))
	if err != nil || !ok {
		return err
	}

	high := c.record(tenant, now, price)
	if high <= 0 {
		return nil
	}
	drop := (high - price) / high
	if drop < c.dropPercent {
		c.tripped[tenant] = false
		return nil
	}
	if c.tripped[tenant] {
		return nil
	}
	c.tripped[tenant] = true

	reason := fmt.Sprintf("%s fell %.2f%% from the %s high of %.4f", c.symbol, drop*100, c.window, high)
	if err := proposeMode(ctx, c.bus, tenant, mode.CapitalPreservation, "market-crash-trigger", reason); err != nil {
		return err
	}
	c.m.GuardTrips.WithLabelValues("market-crash-trigger", tenant).Inc()
	c.m.CountError("market-crash-trigger", string(errkind.DrawdownBreach))

	if err := raiseAlert(ctx, c.bus, "market-crash-trigger", "critical",
		"capital preservation proposed for "+tenant+": "+reason, string(errkind.DrawdownBreach)); err != nil {
		return err
	}

	c.log.Error().Str("tenant", tenant).Float64("price", price).Float64("high", high).
		Float64("drop", drop).Msg("market crash detected")
	return nil
}

// record appends the sample, prunes everything older than the window and
// returns the remaining high.
func (c *CrashTrigger) record(tenant string, now time.Time, price float64) float64 {
	kept := c.samples[tenant][:0]
	cutoff := now.Add(-c.window)
	for _, p := range c.samples[tenant] {
		if p.at.After(cutoff) {
			kept = append(kept, p)
		}
	}
	kept = append(kept, pricePoint{at: now, price: price})
	c.samples[tenant] = kept

	high := 0.0
	for _, p := range kept {
		if p.price > high {
			high = p.price
		}
	}
	return high
}

// OnMessage is unused; the trigger polls the price indicator.
func (c *CrashTrigger) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	return nil
}
