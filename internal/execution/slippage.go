package execution

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/runtime"
)

// Slippage audits every fill against the routed signal's expected price and
// flags deviations beyond the threshold. Flagging is observational: the fill
// already happened, so the detector counts, alerts, and moves on.
type Slippage struct {
	bus bus.Bus
	m   *metrics.Metrics
	log zerolog.Logger

	threshold float64
}

// NewSlippage builds the detector from the execution thresholds.
func NewSlippage(cfg config.ExecutionConfig, m *metrics.Metrics, log zerolog.Logger) *Slippage {
	return &Slippage{
		m:         m,
		log:       log.With().Str("module", ModuleSlippage).Logger(),
		threshold: cfg.SlippageThreshold,
	}
}

// BindBus receives the namespace-guarded bus view from the runtime.
func (d *Slippage) BindBus(b bus.Bus) { d.bus = b }

func (d *Slippage) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:             ModuleSlippage,
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeMonitor,
		Subscriptions:    []string{events.ChannelExecutionResults},
		DeclaredChannels: []string{events.ChannelAlert},
	}
}

func (d *Slippage) Tick(ctx context.Context, info runtime.TickInfo) error { return nil }

func (d *Slippage) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	e, ok := decodeFill(msg.Payload)
	if !ok || e.Expected <= 0 {
		// Unpriced signals carry no expectation to deviate from.
		return nil
	}

	deviation := math.Abs(e.Price-e.Expected) / e.Expected
	if deviation <= d.threshold {
		return nil
	}

	tenant := tenantLabel(e.TenantID)
	d.m.SlippageFlags.WithLabelValues(tenant).Inc()
	d.log.Warn().
		Str("signal_id", e.SignalID).
		Str("symbol", e.Symbol).
		Float64("expected", e.Expected).
		Float64("executed", e.Price).
		Float64("deviation", deviation).
		Msg("slippage flagged")
	raiseAlert(ctx, d.bus, d.log, ModuleSlippage, "warning",
		fmt.Sprintf("fill %s slipped %.4f beyond threshold %.4f (expected %.4f, executed %.4f)",
			e.SignalID, deviation, d.threshold, e.Expected, e.Price),
		"slippage", e.SignalID)
	return nil
}
