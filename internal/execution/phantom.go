package execution

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/pipeline"
	"github.com/titanlabs/titan/internal/runtime"
)

// Phantom matches every fill against the router's routed marker. A fill whose
// signal id was never routed inside the lookback window is a phantom: either
// the executor is replaying stale state or something upstream is forging
// fills. The routed markers outlive the signal TTL by the lookback exactly so
// this check stays meaningful for slow fills.
type Phantom struct {
	bus bus.Bus
	m   *metrics.Metrics
	log zerolog.Logger
}

// NewPhantom builds the detector.
func NewPhantom(m *metrics.Metrics, log zerolog.Logger) *Phantom {
	return &Phantom{
		m:   m,
		log: log.With().Str("module", ModulePhantom).Logger(),
	}
}

// BindBus receives the namespace-guarded bus view from the runtime.
func (d *Phantom) BindBus(b bus.Bus) { d.bus = b }

func (d *Phantom) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:             ModulePhantom,
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeMonitor,
		Subscriptions:    []string{events.ChannelExecutionResults},
		DeclaredChannels: []string{events.ChannelAlert},
	}
}

func (d *Phantom) Tick(ctx context.Context, info runtime.TickInfo) error { return nil }

func (d *Phantom) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	e, ok := decodeFill(msg.Payload)
	if !ok {
		return nil
	}

	if e.TenantID != "" {
		_, err := d.bus.Get(ctx, pipeline.RoutedKey(e.TenantID, e.Symbol, e.SignalID))
		if err == nil {
			return nil
		}
		if !errors.Is(err, bus.ErrNotFound) {
			return err
		}
	}

	tenant := tenantLabel(e.TenantID)
	d.m.PhantomFills.WithLabelValues(tenant).Inc()
	d.log.Error().
		Str("signal_id", e.SignalID).
		Str("symbol", e.Symbol).
		Str("tenant", tenant).
		Float64("quantity", e.Quantity).
		Msg("phantom fill: no routed signal matches")
	raiseAlert(ctx, d.bus, d.log, ModulePhantom, "critical",
		"fill "+e.SignalID+" on "+e.Symbol+" matches no recently routed signal",
		"phantom_fill", e.SignalID)
	return nil
}
