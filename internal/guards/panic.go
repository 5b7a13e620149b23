package guards

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/capital"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

// Hibernator is the panic session kill-switch. When a tenant's reference
// volatility and its signed session drawdown both breach their thresholds, it
// broadcasts hibernate on the tenant's control channel. Waking back up is an
// explicit admin resume; the hibernator never sends one.
type Hibernator struct {
	bus bus.Bus
	m   *metrics.Metrics
	log zerolog.Logger

	tenants       []string
	symbol        string
	maxVolatility float64
	maxDrawdown   float64 // signed, breach means at or below

	tripped map[string]bool
}

// NewHibernator builds the panic watcher for the given tenants. symbol names
// the reference instrument whose volatility indicator is consulted.
func NewHibernator(cfg config.GuardsConfig, tenants []string, symbol string, m *metrics.Metrics, log zerolog.Logger) *Hibernator {
	return &Hibernator{
		m:             m,
		log:           log.With().Str("component", "panic-hibernator").Logger(),
		tenants:       tenants,
		symbol:        symbol,
		maxVolatility: cfg.PanicVolatility,
		maxDrawdown:   cfg.PanicDrawdown,
		tripped:       make(map[string]bool),
	}
}

func (h *Hibernator) BindBus(b bus.Bus) { h.bus = b }

func (h *Hibernator) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:         "panic-hibernator",
		Version:      "1.0.0",
		Creator:      "core",
		Type:         runtime.TypeMonitor,
		TickInterval: 15 * time.Second,
		DeclaredChannels: []string{
			"titan:prod:*:control",
			events.ChannelAlert,
		},
	}
}

// Tick checks every tenant's panic condition.
func (h *Hibernator) Tick(ctx context.Context, info runtime.TickInfo) error {
	for _, tenant := range h.tenants {
		if err := h.check(ctx, tenant); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hibernator) check(ctx context.Context, tenant string) error {
	vol, ok, err := readFloat(ctx, h.bus, h.log, namespace.Compose(tenant, namespace.DomainIndicator, "volatility", h.symbol))
	if err != nil || !ok {
		return err
	}
	drawdown, ok, err := readFloat(ctx, h.bus, h.log, capital.SessionDrawdownKey(tenant))
	if err != nil || !ok {
		return err
	}

	if vol < h.maxVolatility || drawdown > h.maxDrawdown {
		h.tripped[tenant] = false
		return nil
	}
	if h.tripped[tenant] {
		return nil
	}
	h.tripped[tenant] = true

	reason := fmt.Sprintf("volatility %.4f at or above %.4f with session drawdown %.4f at or below %.4f",
		vol, h.maxVolatility, drawdown, h.maxDrawdown)
	cmd := signal.NewControl(signal.ActionHibernate, map[string]string{
		"tenant": tenant,
		"reason": reason,
	})
	raw, err := cmd.Encode()
	if err != nil {
		return err
	}
	if err := h.bus.Publish(ctx, events.TenantControlChannel(tenant), raw); err != nil {
		return err
	}
	h.m.GuardTrips.WithLabelValues("panic-hibernator", tenant).Inc()
	h.m.CountError("panic-hibernator", string(errkind.DrawdownBreach))

	if err := raiseAlert(ctx, h.bus, "panic-hibernator", "critical",
		"hibernate broadcast for "+tenant+": "+reason, string(errkind.DrawdownBreach)); err != nil {
		return err
	}

	h.log.Error().Str("tenant", tenant).Float64("volatility", vol).
		Float64("drawdown", drawdown).Msg("panic hibernate broadcast")
	return nil
}

// OnMessage is unused; the hibernator polls indicators.
func (h *Hibernator) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	return nil
}
