package execution

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/journal"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

// outcomeTTL bounds the per-trade outcome history keys.
const outcomeTTL = 30 * 24 * time.Hour

// Accountant folds every fill into the journal exactly once: the trade row
// and the updated net position commit in one transaction keyed on signal id,
// so replays from the at-least-once bus apply nothing. Applied fills are
// announced on titan:trade:accounted; the session tracker and everything
// downstream key off that announcement, never off the raw executor stream.
type Accountant struct {
	bus bus.Bus
	j   *journal.Journal
	m   *metrics.Metrics
	log zerolog.Logger
}

// NewAccountant builds the accountant over the journal.
func NewAccountant(j *journal.Journal, m *metrics.Metrics, log zerolog.Logger) *Accountant {
	return &Accountant{
		j:   j,
		m:   m,
		log: log.With().Str("module", ModuleAccountant).Logger(),
	}
}

// BindBus receives the namespace-guarded bus view from the runtime.
func (a *Accountant) BindBus(b bus.Bus) { a.bus = b }

func (a *Accountant) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:          ModuleAccountant,
		Version:       "1.0.0",
		Creator:       "core",
		Type:          runtime.TypeExecutor,
		Subscriptions: []string{events.ChannelExecutionResults},
		DeclaredKeys:  []string{"titan:*:trade"},
		DeclaredChannels: []string{
			events.ChannelTradeAccounted,
			events.ChannelAlert,
		},
	}
}

func (a *Accountant) Tick(ctx context.Context, info runtime.TickInfo) error { return nil }

func (a *Accountant) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	e, ok := decodeFill(msg.Payload)
	if !ok {
		return nil
	}
	if e.TenantID == "" {
		a.m.CountError(ModuleAccountant, string(errkind.InvalidSignal))
		a.log.Warn().Str("signal_id", e.SignalID).Msg("fill without tenant cannot be accounted")
		return nil
	}

	prev, err := a.j.GetPosition(ctx, e.TenantID, e.Symbol)
	if err != nil {
		return errkind.Wrap(errkind.TransientUnavailable, "accountant.position", err)
	}

	newQty, newEntry, gross, closed := fold(prev.Quantity, prev.EntryPrice, e.Side, e.Quantity, e.Price)
	realized := gross - e.Fee
	outcome := journal.OutcomeFlat
	if closed > 0 {
		switch {
		case realized > 1e-9:
			outcome = journal.OutcomeWin
		case realized < -1e-9:
			outcome = journal.OutcomeLoss
		}
	}

	strategy := e.Strategy
	if strategy == "" {
		strategy = "unknown"
	}
	rec := journal.TradeRecord{
		SignalID:    e.SignalID,
		Tenant:      e.TenantID,
		Strategy:    strategy,
		Symbol:      e.Symbol,
		Side:        string(e.Side),
		Price:       e.Price,
		Quantity:    e.Quantity,
		Fee:         e.Fee,
		PnL:         realized,
		Outcome:     outcome,
		SessionDate: journal.SessionDate(time.UnixMilli(e.Ts)),
		Ts:          e.Ts,
	}
	applied, err := a.j.ApplyFill(ctx, rec, journal.Position{
		Tenant:     e.TenantID,
		Symbol:     e.Symbol,
		Quantity:   newQty,
		EntryPrice: newEntry,
	})
	if err != nil {
		return errkind.Wrap(errkind.TransientUnavailable, "accountant.apply", err)
	}
	if !applied {
		a.log.Debug().Str("signal_id", e.SignalID).Msg("replayed fill ignored")
		return nil
	}

	a.m.TradesTotal.WithLabelValues(e.TenantID, outcome).Inc()
	a.writeOutcome(ctx, e.TenantID, strategy, outcome)

	data := &events.TradeAccountedData{
		SignalID: e.SignalID,
		Tenant:   e.TenantID,
		Strategy: strategy,
		Symbol:   e.Symbol,
		Side:     string(e.Side),
		Price:    e.Price,
		Quantity: e.Quantity,
		Fee:      e.Fee,
		Realized: realized,
		Outcome:  outcome,
		Position: newQty,
		Entry:    newEntry,
		Ts:       e.Ts,
	}
	evt := events.Event{
		Type:      events.TradeAccounted,
		Timestamp: time.Now().UTC(),
		Module:    ModuleAccountant,
		Data:      data,
	}
	raw, err := json.Marshal(&evt)
	if err != nil {
		return err
	}
	if err := a.bus.Publish(ctx, events.ChannelTradeAccounted, raw); err != nil {
		return err
	}

	a.log.Info().
		Str("signal_id", e.SignalID).
		Str("tenant", e.TenantID).
		Str("symbol", e.Symbol).
		Str("outcome", outcome).
		Float64("realized", realized).
		Float64("position", newQty).
		Msg("trade accounted")
	return nil
}

// writeOutcome appends to the rolling outcome history the trust stage and the
// drawdown redirector read. History writes are best effort; the journal is
// the authority.
func (a *Accountant) writeOutcome(ctx context.Context, tenant, strategy, outcome string) {
	seq, err := a.bus.Incr(ctx, namespace.Compose(tenant, namespace.DomainTrade, strategy, "outcome_seq"))
	if err != nil {
		a.log.Warn().Err(err).Msg("outcome sequence bump failed")
		return
	}
	key := namespace.Compose(tenant, namespace.DomainTrade, strategy, "outcome:"+strconv.FormatInt(seq, 10))
	if err := a.bus.Set(ctx, key, outcome, outcomeTTL); err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("outcome history write failed")
	}
}

// fold applies one fill to the running position under average-cost
// accounting. realized is gross of fees and nonzero only when the fill closes
// part of the existing position; closed reports how much quantity it closed.
func fold(posQty, entry float64, side signal.Side, qty, price float64) (newQty, newEntry, realized, closed float64) {
	fill := qty
	if side == signal.Sell {
		fill = -qty
	}

	// Same direction, or opening from flat: the entry price averages in.
	if posQty == 0 || (posQty > 0) == (fill > 0) {
		held := math.Abs(posQty)
		newQty = posQty + fill
		newEntry = (entry*held + price*qty) / (held + qty)
		return newQty, newEntry, 0, 0
	}

	dir := 1.0
	if posQty < 0 {
		dir = -1.0
	}
	closed = math.Min(math.Abs(posQty), qty)
	realized = closed * (price - entry) * dir
	newQty = posQty + fill
	switch {
	case newQty == 0:
		newEntry = 0
	case (newQty > 0) == (posQty > 0):
		// Partially closed; the remainder keeps its entry.
		newEntry = entry
	default:
		// Crossed through flat; the excess opens at the fill price.
		newEntry = price
	}
	return newQty, newEntry, realized, closed
}
