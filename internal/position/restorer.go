package position

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/journal"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

const (
	// ModuleRestorer names the restorer in manifests and provenance.
	ModuleRestorer = "position-restorer"
	// StrategyRestore marks restore intents so downstream accounting can
	// tell them from strategy-originated orders.
	StrategyRestore = "position-restore"

	restoreTTL = 5 * time.Minute
)

// Restorer replays journaled open positions to the execution boundary once,
// before the loops begin. Each open position becomes one restore intent; a
// position whose restore is already acked in the journal is skipped, so a
// crash between boot and ack replays at most the unacked remainder.
type Restorer struct {
	bus     bus.Bus
	j       *journal.Journal
	tenants []string
	m       *metrics.Metrics
	log     zerolog.Logger
}

// NewRestorer builds the startup restorer for the given tenants.
func NewRestorer(j *journal.Journal, tenants []string, m *metrics.Metrics, log zerolog.Logger) *Restorer {
	return &Restorer{
		j:       j,
		tenants: tenants,
		m:       m,
		log:     log.With().Str("module", ModuleRestorer).Logger(),
	}
}

// BindBus receives the namespace-guarded bus view from the runtime.
func (r *Restorer) BindBus(b bus.Bus) { r.bus = b }

func (r *Restorer) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:             ModuleRestorer,
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeExecutor,
		DeclaredChannels: []string{events.ChannelExecutionOrders},
	}
}

// Start runs the replay. Emission order is the journal's symbol order, which
// keeps the restore deterministic across boots.
func (r *Restorer) Start(ctx context.Context) error {
	for _, tenant := range r.tenants {
		positions, err := r.j.OpenPositions(ctx, tenant)
		if err != nil {
			return err
		}
		for _, p := range positions {
			acked, err := r.j.RestoreAcked(ctx, p.Tenant, p.Symbol)
			if err != nil {
				return err
			}
			if acked {
				r.log.Debug().Str("tenant", p.Tenant).Str("symbol", p.Symbol).Msg("restore already acked")
				continue
			}
			if err := r.emit(ctx, p); err != nil {
				return err
			}
			if err := r.j.AckRestore(ctx, p.Tenant, p.Symbol); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Restorer) Tick(ctx context.Context, info runtime.TickInfo) error { return nil }

func (r *Restorer) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	return nil
}

func (r *Restorer) emit(ctx context.Context, p journal.Position) error {
	side := signal.Buy
	qty := p.Quantity
	if qty < 0 {
		side = signal.Sell
		qty = -qty
	}
	s := signal.New(p.Tenant, StrategyRestore, p.Symbol, side, qty, 1.0, restoreTTL)
	s.Price = p.EntryPrice
	s.Flags.DirectOverride = true
	s = s.WithVerdict(ModuleRestorer, signal.VerdictDerived, "journal restore")

	raw, err := s.Encode()
	if err != nil {
		return err
	}
	if err := r.bus.Publish(ctx, events.ChannelExecutionOrders, raw); err != nil {
		return err
	}
	r.m.PositionsRestored.WithLabelValues(p.Tenant).Inc()
	r.log.Info().
		Str("tenant", p.Tenant).
		Str("symbol", p.Symbol).
		Float64("quantity", p.Quantity).
		Float64("entry", p.EntryPrice).
		Msg("restore intent emitted")
	return nil
}
