// Package session keeps the per-tenant trading session ledger: the tracker
// folds accounted trades into the journal's session row and maintains the
// equity, drawdown, and performance keys other workers read; the profit
// router closes each session on schedule and distributes net realized profit
// into the configured buckets.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/capital"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/journal"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/runtime"
)

// baseline anchors drawdown arithmetic to the equity at session open.
type baseline struct {
	date   string
	equity float64
}

// Tracker consumes titan:trade:accounted and maintains, per tenant: the
// journal's session PnL row, the running equity key the drawdown trigger
// polls, the signed intra-session return the panic hibernator reads, and the
// per-strategy success-rate key the trust stage prefers over a journal scan.
// It is the only writer of the equity and drawdown keys.
type Tracker struct {
	bus bus.Bus
	j   *journal.Journal
	log zerolog.Logger

	initialEquity float64

	mu        sync.Mutex
	baselines map[string]baseline
}

// NewTracker builds the session tracker.
func NewTracker(j *journal.Journal, initialEquity float64, log zerolog.Logger) *Tracker {
	return &Tracker{
		j:             j,
		log:           log.With().Str("module", "session-tracker").Logger(),
		initialEquity: initialEquity,
		baselines:     make(map[string]baseline),
	}
}

// BindBus receives the namespace-guarded bus view from the runtime.
func (t *Tracker) BindBus(b bus.Bus) { t.bus = b }

func (t *Tracker) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:          "session-tracker",
		Version:       "1.0.0",
		Creator:       "core",
		Type:          runtime.TypeMonitor,
		Subscriptions: []string{events.ChannelTradeAccounted},
		DeclaredKeys: []string{
			"titan:*:capital:equity",
			"titan:*:capital:session_drawdown",
			"titan:*:performance",
		},
	}
}

func (t *Tracker) Tick(ctx context.Context, info runtime.TickInfo) error { return nil }

func (t *Tracker) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	var evt events.Event
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		t.log.Warn().Err(err).Msg("undecodable accounted-trade event")
		return nil
	}
	data, ok := evt.Data.(*events.TradeAccountedData)
	if !ok {
		return nil
	}

	sessionDate := journal.SessionDate(time.UnixMilli(data.Ts))
	if err := t.j.AddSessionPnL(ctx, data.Tenant, sessionDate, data.Realized); err != nil {
		return errkind.Wrap(errkind.TransientUnavailable, "session.ledger", err)
	}

	equity, err := t.bumpEquity(ctx, data.Tenant, data.Realized)
	if err != nil {
		return err
	}
	if err := t.writeDrawdown(ctx, data.Tenant, sessionDate, equity, data.Realized); err != nil {
		return err
	}
	t.writeSuccessRate(ctx, data.Tenant, data.Strategy)

	t.log.Debug().
		Str("tenant", data.Tenant).
		Str("session", sessionDate).
		Float64("realized", data.Realized).
		Float64("equity", equity).
		Msg("session ledger updated")
	return nil
}

// bumpEquity folds the realized delta into the tenant's running equity. A
// missing key starts at the configured initial equity.
func (t *Tracker) bumpEquity(ctx context.Context, tenant string, delta float64) (float64, error) {
	equity := t.initialEquity
	raw, err := t.bus.Get(ctx, capital.EquityKey(tenant))
	switch {
	case errors.Is(err, bus.ErrNotFound):
	case err != nil:
		return 0, err
	default:
		if v, parseErr := strconv.ParseFloat(raw, 64); parseErr == nil {
			equity = v
		}
	}
	equity += delta
	if err := t.bus.SetDurable(ctx, capital.EquityKey(tenant), formatFloat(equity)); err != nil {
		return 0, err
	}
	return equity, nil
}

// writeDrawdown publishes the signed intra-session return against the equity
// the session opened with. The baseline rolls when the session date does.
func (t *Tracker) writeDrawdown(ctx context.Context, tenant, sessionDate string, equity, delta float64) error {
	t.mu.Lock()
	bl, ok := t.baselines[tenant]
	if !ok || bl.date != sessionDate {
		bl = baseline{date: sessionDate, equity: equity - delta}
		t.baselines[tenant] = bl
	}
	t.mu.Unlock()

	var ret float64
	if bl.equity != 0 {
		ret = (equity - bl.equity) / bl.equity
	}
	return t.bus.SetDurable(ctx, capital.SessionDrawdownKey(tenant), formatFloat(ret))
}

// writeSuccessRate rolls up the strategy's historical success so the trust
// stage reads one key instead of scanning the journal per signal.
func (t *Tracker) writeSuccessRate(ctx context.Context, tenant, strategy string) {
	if strategy == "" {
		return
	}
	rate, err := t.j.HistoricalSuccess(ctx, tenant, strategy)
	if err != nil {
		t.log.Warn().Err(err).Str("strategy", strategy).Msg("success rate rollup failed")
		return
	}
	key := namespace.Compose(tenant, namespace.DomainPerformance, strategy, "success_rate")
	if err := t.bus.SetDurable(ctx, key, formatFloat(rate)); err != nil {
		t.log.Warn().Err(err).Str("key", key).Msg("success rate write failed")
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
