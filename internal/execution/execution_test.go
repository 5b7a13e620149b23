package execution

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/journal"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/pipeline"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

func newExecBus(t *testing.T) bus.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	b := bus.NewRedis(bus.Options{Addr: mr.Addr(), QueueSize: 64, Log: zerolog.Nop()})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func openExecJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "titan.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func execCfg() config.ExecutionConfig {
	return config.ExecutionConfig{
		MaxRetriesPerOrder: 2,
		RetryDelay:         time.Second,
		SlippageThreshold:  0.01,
		PhantomLookback:    5 * time.Minute,
	}
}

func tick(now time.Time) runtime.TickInfo { return runtime.TickInfo{Now: now} }

func fillMsg(t *testing.T, e signal.TradeEvent) bus.Message {
	t.Helper()
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	return bus.Message{Channel: events.ChannelExecutionResults, Payload: raw}
}

func failureMsg(t *testing.T, f signal.FailureEvent) bus.Message {
	t.Helper()
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	return bus.Message{Channel: events.ChannelExecutionResults, Payload: raw}
}

func orderMsg(t *testing.T, s *signal.Signal) bus.Message {
	t.Helper()
	raw, err := s.Encode()
	require.NoError(t, err)
	return bus.Message{Channel: events.ChannelExecutionOrders, Payload: raw}
}

func waitMessage(t *testing.T, sub *bus.Subscription) bus.Message {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting on %v", sub.Channels())
		return bus.Message{}
	}
}

func expectQuiet(t *testing.T, sub *bus.Subscription) {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message on %v: %s", sub.Channels(), msg.Payload)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestFoldAverageCostAccounting(t *testing.T) {
	// Opening from flat carries no realized pnl.
	qty, entry, realized, closed := fold(0, 0, signal.Buy, 1, 100)
	assert.InDelta(t, 1.0, qty, 1e-9)
	assert.InDelta(t, 100.0, entry, 1e-9)
	assert.Zero(t, realized)
	assert.Zero(t, closed)

	// Adding averages the entry.
	qty, entry, realized, _ = fold(1, 100, signal.Buy, 1, 110)
	assert.InDelta(t, 2.0, qty, 1e-9)
	assert.InDelta(t, 105.0, entry, 1e-9)
	assert.Zero(t, realized)

	// Partial close realizes on the closed slice only.
	qty, entry, realized, closed = fold(2, 105, signal.Sell, 1, 120)
	assert.InDelta(t, 1.0, qty, 1e-9)
	assert.InDelta(t, 105.0, entry, 1e-9)
	assert.InDelta(t, 15.0, realized, 1e-9)
	assert.InDelta(t, 1.0, closed, 1e-9)

	// Full close flattens the entry.
	qty, entry, realized, _ = fold(1, 105, signal.Sell, 1, 100)
	assert.Zero(t, qty)
	assert.Zero(t, entry)
	assert.InDelta(t, -5.0, realized, 1e-9)

	// Crossing through flat opens the excess at the fill price.
	qty, entry, realized, closed = fold(1, 100, signal.Sell, 3, 110)
	assert.InDelta(t, -2.0, qty, 1e-9)
	assert.InDelta(t, 110.0, entry, 1e-9)
	assert.InDelta(t, 10.0, realized, 1e-9)
	assert.InDelta(t, 1.0, closed, 1e-9)

	// Short positions realize inverted.
	qty, entry, realized, _ = fold(-2, 110, signal.Buy, 2, 100)
	assert.Zero(t, qty)
	assert.Zero(t, entry)
	assert.InDelta(t, 20.0, realized, 1e-9)
}

func TestAccountantAppliesFillExactlyOnce(t *testing.T) {
	b := newExecBus(t)
	j := openExecJournal(t)
	m := metrics.New()
	ctx := context.Background()
	now := time.Now()

	a := NewAccountant(j, m, zerolog.Nop())
	a.BindBus(b)

	accounted, err := b.Subscribe(ctx, events.ChannelTradeAccounted)
	require.NoError(t, err)
	defer accounted.Close()
	time.Sleep(50 * time.Millisecond)

	fill := signal.TradeEvent{
		SignalID: "sig-1",
		Symbol:   "BTCUSDT",
		Side:     signal.Buy,
		Price:    50000,
		Quantity: 0.1,
		Fee:      2.5,
		Ts:       now.UnixMilli(),
		TenantID: "prod",
		Strategy: "momo",
	}
	require.NoError(t, a.OnMessage(ctx, tick(now), fillMsg(t, fill)))

	var evt events.Event
	require.NoError(t, json.Unmarshal(waitMessage(t, accounted).Payload, &evt))
	data, ok := evt.Data.(*events.TradeAccountedData)
	require.True(t, ok)
	assert.Equal(t, "sig-1", data.SignalID)
	assert.Equal(t, journal.OutcomeFlat, data.Outcome) // opening fill closes nothing
	assert.InDelta(t, -2.5, data.Realized, 1e-9)       // fee only
	assert.InDelta(t, 0.1, data.Position, 1e-9)

	pos, err := j.GetPosition(ctx, "prod", "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, pos.Quantity, 1e-9)
	assert.InDelta(t, 50000, pos.EntryPrice, 1e-9)

	// Outcome history landed under the trade domain.
	outcome, err := b.Get(ctx, "titan:prod:trade:momo:outcome:1")
	require.NoError(t, err)
	assert.Equal(t, journal.OutcomeFlat, outcome)

	// Replay applies nothing and announces nothing.
	require.NoError(t, a.OnMessage(ctx, tick(now), fillMsg(t, fill)))
	expectQuiet(t, accounted)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TradesTotal.WithLabelValues("prod", journal.OutcomeFlat)))
}

func TestAccountantRealizesOnClose(t *testing.T) {
	b := newExecBus(t)
	j := openExecJournal(t)
	m := metrics.New()
	ctx := context.Background()
	now := time.Now()

	a := NewAccountant(j, m, zerolog.Nop())
	a.BindBus(b)
	time.Sleep(50 * time.Millisecond)

	open := signal.TradeEvent{
		SignalID: "sig-open", Symbol: "ETHUSDT", Side: signal.Buy,
		Price: 2000, Quantity: 1, Ts: now.UnixMilli(), TenantID: "prod", Strategy: "momo",
	}
	require.NoError(t, a.OnMessage(ctx, tick(now), fillMsg(t, open)))

	closeFill := signal.TradeEvent{
		SignalID: "sig-close", Symbol: "ETHUSDT", Side: signal.Sell,
		Price: 2100, Quantity: 1, Fee: 1, Ts: now.UnixMilli(), TenantID: "prod", Strategy: "momo",
	}
	require.NoError(t, a.OnMessage(ctx, tick(now), fillMsg(t, closeFill)))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TradesTotal.WithLabelValues("prod", journal.OutcomeWin)))

	pos, err := j.GetPosition(ctx, "prod", "ETHUSDT")
	require.NoError(t, err)
	assert.Zero(t, pos.Quantity)

	pnl, err := j.SessionPnL(ctx, "prod", journal.SessionDate(now))
	require.NoError(t, err)
	// The journal ledger is written by the session tracker, not here.
	assert.Zero(t, pnl)

	losses, err := j.ConsecutiveLosses(ctx, "prod", "momo")
	require.NoError(t, err)
	assert.Zero(t, losses)
}

func TestAccountantIgnoresFailuresAndTenantlessFills(t *testing.T) {
	b := newExecBus(t)
	j := openExecJournal(t)
	m := metrics.New()
	ctx := context.Background()
	now := time.Now()

	a := NewAccountant(j, m, zerolog.Nop())
	a.BindBus(b)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, a.OnMessage(ctx, tick(now), failureMsg(t, signal.FailureEvent{
		SignalID: "sig-f", Reason: "venue rejected", Ts: now.UnixMilli(),
	})))

	orphan := signal.TradeEvent{SignalID: "sig-o", Symbol: "BTCUSDT", Side: signal.Buy,
		Price: 100, Quantity: 1, Ts: now.UnixMilli()}
	require.NoError(t, a.OnMessage(ctx, tick(now), fillMsg(t, orphan)))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorTotal.WithLabelValues(ModuleAccountant, string(errkind.InvalidSignal))))
	assert.Equal(t, 0, testutil.CollectAndCount(m.TradesTotal))
}

func TestThrottleRetriesWithDelayThenGivesUp(t *testing.T) {
	b := newExecBus(t)
	m := metrics.New()
	ctx := context.Background()
	now := time.Now()

	th := NewThrottle(execCfg(), m, zerolog.Nop())
	th.BindBus(b)

	reinjected, err := b.Subscribe(ctx, events.ChannelReinjected)
	require.NoError(t, err)
	defer reinjected.Close()
	alerts, err := b.Subscribe(ctx, events.ChannelAlert)
	require.NoError(t, err)
	defer alerts.Close()
	time.Sleep(50 * time.Millisecond)

	s := signal.New("prod", "momo", "BTCUSDT", signal.Buy, 0.1, 0.9, time.Minute)
	require.NoError(t, th.OnMessage(ctx, tick(now), orderMsg(t, s)))

	fail := signal.FailureEvent{SignalID: s.ID, Reason: "venue timeout", Ts: now.UnixMilli()}
	require.NoError(t, th.OnMessage(ctx, tick(now), failureMsg(t, fail)))

	// Before the delay elapses nothing moves.
	require.NoError(t, th.Tick(ctx, tick(now.Add(500*time.Millisecond))))
	expectQuiet(t, reinjected)

	require.NoError(t, th.Tick(ctx, tick(now.Add(1100*time.Millisecond))))
	retry, err := signal.Decode(waitMessage(t, reinjected).Payload)
	require.NoError(t, err)
	assert.Equal(t, s.ID, retry.ID)
	assert.True(t, retry.Flags.Reinjected)
	last := retry.Provenance[len(retry.Provenance)-1]
	assert.Equal(t, ModuleThrottle, last.Stage)

	// Second failure consumes the last retry.
	require.NoError(t, th.OnMessage(ctx, tick(now.Add(2*time.Second)), failureMsg(t, fail)))
	require.NoError(t, th.Tick(ctx, tick(now.Add(3200*time.Millisecond))))
	waitMessage(t, reinjected)

	// Third failure exhausts the budget: alert, no reinjection.
	require.NoError(t, th.OnMessage(ctx, tick(now.Add(4*time.Second)), failureMsg(t, fail)))
	require.NoError(t, th.Tick(ctx, tick(now.Add(6*time.Second))))
	expectQuiet(t, reinjected)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SignalsDropped.WithLabelValues(ModuleThrottle, "retries_exhausted")))

	sawAbandon := false
	for i := 0; i < 3 && !sawAbandon; i++ {
		var evt events.Event
		require.NoError(t, json.Unmarshal(waitMessage(t, alerts).Payload, &evt))
		if data, ok := evt.Data.(*events.AlertData); ok && data.Kind == "retries_exhausted" {
			assert.Equal(t, s.ID, data.SignalID)
			sawAbandon = true
		}
	}
	assert.True(t, sawAbandon, "no retries_exhausted alert seen")
}

func TestThrottleNeverRetriesTerminalFailures(t *testing.T) {
	b := newExecBus(t)
	m := metrics.New()
	ctx := context.Background()
	now := time.Now()

	th := NewThrottle(execCfg(), m, zerolog.Nop())
	th.BindBus(b)

	reinjected, err := b.Subscribe(ctx, events.ChannelReinjected)
	require.NoError(t, err)
	defer reinjected.Close()
	time.Sleep(50 * time.Millisecond)

	s := signal.New("prod", "momo", "BTCUSDT", signal.Buy, 0.1, 0.9, time.Minute)
	require.NoError(t, th.OnMessage(ctx, tick(now), orderMsg(t, s)))
	require.NoError(t, th.OnMessage(ctx, tick(now), failureMsg(t, signal.FailureEvent{
		SignalID: s.ID, Reason: "client below tier", Kind: string(errkind.KycDenied), Ts: now.UnixMilli(),
	})))

	require.NoError(t, th.Tick(ctx, tick(now.Add(2*time.Second))))
	expectQuiet(t, reinjected)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SignalsDropped.WithLabelValues(ModuleThrottle, "terminal")))
}

func TestThrottleStopsRetryingAfterFill(t *testing.T) {
	b := newExecBus(t)
	m := metrics.New()
	ctx := context.Background()
	now := time.Now()

	th := NewThrottle(execCfg(), m, zerolog.Nop())
	th.BindBus(b)

	reinjected, err := b.Subscribe(ctx, events.ChannelReinjected)
	require.NoError(t, err)
	defer reinjected.Close()
	time.Sleep(50 * time.Millisecond)

	s := signal.New("prod", "momo", "BTCUSDT", signal.Buy, 0.1, 0.9, time.Minute)
	require.NoError(t, th.OnMessage(ctx, tick(now), orderMsg(t, s)))
	require.NoError(t, th.OnMessage(ctx, tick(now), failureMsg(t, signal.FailureEvent{
		SignalID: s.ID, Reason: "venue timeout", Ts: now.UnixMilli(),
	})))

	// The fill lands before the retry fires.
	require.NoError(t, th.OnMessage(ctx, tick(now), fillMsg(t, signal.TradeEvent{
		SignalID: s.ID, Symbol: "BTCUSDT", Side: signal.Buy, Price: 100, Quantity: 0.1,
		Ts: now.UnixMilli(), TenantID: "prod",
	})))

	require.NoError(t, th.Tick(ctx, tick(now.Add(2*time.Second))))
	expectQuiet(t, reinjected)
}

func TestThrottleDropsExpiredRetries(t *testing.T) {
	b := newExecBus(t)
	m := metrics.New()
	ctx := context.Background()
	now := time.Now()

	th := NewThrottle(execCfg(), m, zerolog.Nop())
	th.BindBus(b)

	reinjected, err := b.Subscribe(ctx, events.ChannelReinjected)
	require.NoError(t, err)
	defer reinjected.Close()
	time.Sleep(50 * time.Millisecond)

	s := signal.New("prod", "momo", "BTCUSDT", signal.Buy, 0.1, 0.9, 500*time.Millisecond)
	require.NoError(t, th.OnMessage(ctx, tick(now), orderMsg(t, s)))
	require.NoError(t, th.OnMessage(ctx, tick(now), failureMsg(t, signal.FailureEvent{
		SignalID: s.ID, Reason: "venue timeout", Ts: now.UnixMilli(),
	})))

	// By the time the retry is due the signal's ttl has lapsed.
	require.NoError(t, th.Tick(ctx, tick(now.Add(2*time.Second))))
	expectQuiet(t, reinjected)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SignalsDropped.WithLabelValues(ModuleThrottle, "expired")))
}

func TestThrottleFlushDiscardsPendingRetries(t *testing.T) {
	b := newExecBus(t)
	m := metrics.New()
	ctx := context.Background()
	now := time.Now()

	th := NewThrottle(execCfg(), m, zerolog.Nop())
	th.BindBus(b)

	reinjected, err := b.Subscribe(ctx, events.ChannelReinjected)
	require.NoError(t, err)
	defer reinjected.Close()
	time.Sleep(50 * time.Millisecond)

	s := signal.New("prod", "momo", "BTCUSDT", signal.Buy, 0.1, 0.9, time.Minute)
	require.NoError(t, th.OnMessage(ctx, tick(now), orderMsg(t, s)))
	require.NoError(t, th.OnMessage(ctx, tick(now), failureMsg(t, signal.FailureEvent{
		SignalID: s.ID, Reason: "venue timeout", Ts: now.UnixMilli(),
	})))

	flush, err := signal.NewControl(signal.ActionFlush, nil).Encode()
	require.NoError(t, err)
	require.NoError(t, th.OnMessage(ctx, tick(now), bus.Message{
		Channel: events.ChannelControlManual, Payload: flush,
	}))

	// The scheduled retry never fires.
	require.NoError(t, th.Tick(ctx, tick(now.Add(2*time.Second))))
	expectQuiet(t, reinjected)
}

func TestSlippageFlagsDeviationBeyondThreshold(t *testing.T) {
	b := newExecBus(t)
	m := metrics.New()
	ctx := context.Background()
	now := time.Now()

	d := NewSlippage(execCfg(), m, zerolog.Nop())
	d.BindBus(b)

	alerts, err := b.Subscribe(ctx, events.ChannelAlert)
	require.NoError(t, err)
	defer alerts.Close()
	time.Sleep(50 * time.Millisecond)

	// 2% against a 1% threshold.
	require.NoError(t, d.OnMessage(ctx, tick(now), fillMsg(t, signal.TradeEvent{
		SignalID: "sig-1", Symbol: "BTCUSDT", Side: signal.Buy,
		Price: 102, Expected: 100, Quantity: 1, Ts: now.UnixMilli(), TenantID: "prod",
	})))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlippageFlags.WithLabelValues("prod")))

	var evt events.Event
	require.NoError(t, json.Unmarshal(waitMessage(t, alerts).Payload, &evt))
	data, ok := evt.Data.(*events.AlertData)
	require.True(t, ok)
	assert.Equal(t, "slippage", data.Kind)
	assert.Equal(t, "sig-1", data.SignalID)

	// Within threshold, and unpriced fills, pass silently.
	require.NoError(t, d.OnMessage(ctx, tick(now), fillMsg(t, signal.TradeEvent{
		SignalID: "sig-2", Symbol: "BTCUSDT", Side: signal.Buy,
		Price: 100.5, Expected: 100, Quantity: 1, Ts: now.UnixMilli(), TenantID: "prod",
	})))
	require.NoError(t, d.OnMessage(ctx, tick(now), fillMsg(t, signal.TradeEvent{
		SignalID: "sig-3", Symbol: "BTCUSDT", Side: signal.Buy,
		Price: 100, Quantity: 1, Ts: now.UnixMilli(), TenantID: "prod",
	})))
	expectQuiet(t, alerts)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlippageFlags.WithLabelValues("prod")))
}

func TestPhantomFlagsFillWithoutRoutedMarker(t *testing.T) {
	b := newExecBus(t)
	m := metrics.New()
	ctx := context.Background()
	now := time.Now()

	d := NewPhantom(m, zerolog.Nop())
	d.BindBus(b)

	alerts, err := b.Subscribe(ctx, events.ChannelAlert)
	require.NoError(t, err)
	defer alerts.Close()
	time.Sleep(50 * time.Millisecond)

	ghost := signal.TradeEvent{
		SignalID: "never-routed", Symbol: "BTCUSDT", Side: signal.Buy,
		Price: 100, Quantity: 1, Ts: now.UnixMilli(), TenantID: "prod",
	}
	require.NoError(t, d.OnMessage(ctx, tick(now), fillMsg(t, ghost)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PhantomFills.WithLabelValues("prod")))

	var evt events.Event
	require.NoError(t, json.Unmarshal(waitMessage(t, alerts).Payload, &evt))
	data, ok := evt.Data.(*events.AlertData)
	require.True(t, ok)
	assert.Equal(t, "phantom_fill", data.Kind)

	// A fill whose routed marker exists is clean.
	require.NoError(t, b.Set(ctx, pipeline.RoutedKey("prod", "BTCUSDT", "routed-1"), "routed-1", 5*time.Minute))
	require.NoError(t, d.OnMessage(ctx, tick(now), fillMsg(t, signal.TradeEvent{
		SignalID: "routed-1", Symbol: "BTCUSDT", Side: signal.Buy,
		Price: 100, Quantity: 1, Ts: now.UnixMilli(), TenantID: "prod",
	})))
	expectQuiet(t, alerts)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PhantomFills.WithLabelValues("prod")))
}
