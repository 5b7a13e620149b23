package capital

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
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/journal"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

func newCapitalBus(t *testing.T) bus.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	b := bus.NewRedis(bus.Options{Addr: mr.Addr(), QueueSize: 32, Log: zerolog.Nop()})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func openTestJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "titan.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func capitalCfg() config.CapitalConfig {
	return config.CapitalConfig{
		MinFraction:           0.05,
		MaxFraction:           0.30,
		MaxLeverage:           5,
		VolatilityK:           0.5,
		LossCountThreshold:    3,
		CapitalRemovalPercent: 0.70,
		MaxDrawdown:           0.25,
		LiquidationProtection: true,
		InitialEquity:         100000,
		OptimizerWindow:       24 * time.Hour,
	}
}

func adjustMsg(t *testing.T, args map[string]string) bus.Message {
	t.Helper()
	raw, err := signal.NewControl(signal.ActionAdjustCapital, args).Encode()
	require.NoError(t, err)
	return bus.Message{Channel: events.ChannelControlManual, Payload: raw}
}

func recvControl(t *testing.T, sub *bus.Subscription) signal.ControlMessage {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		cmd, err := signal.DecodeControl(msg.Payload)
		require.NoError(t, err)
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a control message")
		return signal.ControlMessage{}
	}
}

func TestAllocateClampsAndNormalizes(t *testing.T) {
	cfg := capitalCfg()

	stats := []journal.StrategyStats{
		{Strategy: "momo", Trades: 10, Wins: 8, PnL: 500, PnLVariance: 100},
		{Strategy: "meanrev", Trades: 10, Wins: 5, PnL: 50, PnLVariance: 400},
		{Strategy: "breakout", Trades: 10, Wins: 2, PnL: -200, PnLVariance: 900},
	}
	alloc := Allocate(stats, cfg)
	require.Len(t, alloc, 3)

	var sum float64
	for strategy, fraction := range alloc {
		assert.GreaterOrEqual(t, fraction, cfg.MinFraction, strategy)
		assert.LessOrEqual(t, fraction, cfg.MaxFraction, strategy)
		sum += fraction
	}
	assert.LessOrEqual(t, sum, 1.0)

	// The dominant strategy hits the band ceiling.
	assert.InDelta(t, cfg.MaxFraction, alloc["momo"], 1e-9)
	assert.Greater(t, alloc["momo"], alloc["breakout"])

	assert.Nil(t, Allocate(nil, cfg))
}

func TestKeeperAppliesAndRejectsAdjustments(t *testing.T) {
	b := newCapitalBus(t)
	j := openTestJournal(t)
	m := metrics.New()
	ctx := context.Background()
	info := runtime.TickInfo{Now: time.Now()}

	k := NewKeeper([]string{"prod"}, j, m, zerolog.Nop())
	k.BindBus(b)

	updates, err := b.Subscribe(ctx, events.CapitalChannel("prod"))
	require.NoError(t, err)
	defer updates.Close()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, k.OnMessage(ctx, info, adjustMsg(t, map[string]string{
		"tenant": "prod", "strategy": "momo", "fraction": "0.25", "requester": "ops",
	})))

	book, err := NewStore(b).Load(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), book.Version)
	assert.InDelta(t, 0.25, book.Fractions["momo"], 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BookVersion.WithLabelValues("prod")))

	var evt events.Event
	select {
	case msg := <-updates.Messages():
		require.NoError(t, json.Unmarshal(msg.Payload, &evt))
	case <-time.After(2 * time.Second):
		t.Fatal("no book update event")
	}
	data, ok := evt.Data.(*events.CapitalBookData)
	require.True(t, ok)
	assert.Equal(t, uint64(1), data.Version)

	// A proposal that would oversubscribe the book is rejected whole.
	require.NoError(t, k.OnMessage(ctx, info, adjustMsg(t, map[string]string{
		"tenant": "prod", "strategy": "meanrev", "fraction": "0.80", "requester": "ops",
	})))
	book, err = NewStore(b).Load(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), book.Version)
	assert.NotContains(t, book.Fractions, "meanrev")

	// Unknown tenants never touch a book.
	require.NoError(t, k.OnMessage(ctx, info, adjustMsg(t, map[string]string{
		"tenant": "staging", "strategy": "momo", "fraction": "0.10", "requester": "ops",
	})))
	_, err = b.Get(ctx, BookKey("staging"))
	assert.ErrorIs(t, err, bus.ErrNotFound)
}

func TestKeeperRedirectMovesToNeutralHedge(t *testing.T) {
	b := newCapitalBus(t)
	j := openTestJournal(t)
	m := metrics.New()
	ctx := context.Background()
	info := runtime.TickInfo{Now: time.Now()}

	k := NewKeeper([]string{"prod"}, j, m, zerolog.Nop())
	k.BindBus(b)

	require.NoError(t, k.OnMessage(ctx, info, adjustMsg(t, map[string]string{
		"tenant": "prod", "strategy": "momo", "fraction": "0.20", "requester": "ops",
	})))

	require.NoError(t, k.OnMessage(ctx, info, adjustMsg(t, map[string]string{
		"tenant": "prod", "strategy": "momo", "redirect": "0.7", "requester": "drawdown-redirector",
	})))

	book, err := NewStore(b).Load(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), book.Version)
	assert.InDelta(t, 0.06, book.Fractions["momo"], 1e-9)
	assert.InDelta(t, 0.07, book.Fractions["neutral"], 1e-9)
	assert.InDelta(t, 0.07, book.Fractions["hedge"], 1e-9)
	assert.InDelta(t, 0.20, book.Allocated(), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CapitalRedirects.WithLabelValues("prod")))
}

func TestRedirectorProposesOncePerStreak(t *testing.T) {
	b := newCapitalBus(t)
	j := openTestJournal(t)
	m := metrics.New()
	ctx := context.Background()
	now := time.Now()
	info := runtime.TickInfo{Now: now}

	// Seed the book and three consecutive losses for momo.
	k := NewKeeper([]string{"prod"}, j, m, zerolog.Nop())
	k.BindBus(b)
	require.NoError(t, k.OnMessage(ctx, info, adjustMsg(t, map[string]string{
		"tenant": "prod", "strategy": "momo", "fraction": "0.20", "requester": "ops",
	})))
	for i, pnl := range []float64{-10, -20, -15} {
		require.NoError(t, j.RecordTrade(ctx, journal.TradeRecord{
			SignalID: string(rune('a' + i)), Tenant: "prod", Strategy: "momo",
			Symbol: "BTCUSDT", Side: "buy", Price: 50000, Quantity: 0.1,
			PnL: pnl, Outcome: journal.OutcomeLoss,
			SessionDate: journal.SessionDate(now), Ts: now.Add(time.Duration(i) * time.Second).UnixMilli(),
		}))
	}

	r := NewRedirector(capitalCfg(), []string{"prod"}, j, m, zerolog.Nop())
	r.BindBus(b)

	proposals, err := b.Subscribe(ctx, events.ChannelControlManual)
	require.NoError(t, err)
	defer proposals.Close()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, r.Tick(ctx, info))
	cmd := recvControl(t, proposals)
	assert.Equal(t, signal.ActionAdjustCapital, cmd.Action)
	assert.Equal(t, "momo", cmd.Args["strategy"])
	assert.Equal(t, "0.7", cmd.Args["redirect"])

	// Applying the proposal closes the loop: version bumps, counter fires.
	raw, err := cmd.Encode()
	require.NoError(t, err)
	require.NoError(t, k.OnMessage(ctx, info, bus.Message{Channel: events.ChannelControlManual, Payload: raw}))
	book, err := NewStore(b).Load(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), book.Version)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CapitalRedirects.WithLabelValues("prod")))

	// The same streak must not trigger twice.
	require.NoError(t, r.Tick(ctx, info))
	select {
	case msg := <-proposals.Messages():
		t.Fatalf("unexpected second proposal: %s", msg.Payload)
	case <-time.After(150 * time.Millisecond):
	}

	// A win resets the latch; three fresh losses re-arm the redirect.
	require.NoError(t, j.RecordTrade(ctx, journal.TradeRecord{
		SignalID: "w1", Tenant: "prod", Strategy: "momo", Symbol: "BTCUSDT",
		Side: "buy", Price: 50000, Quantity: 0.1, PnL: 30, Outcome: journal.OutcomeWin,
		SessionDate: journal.SessionDate(now), Ts: now.Add(10 * time.Second).UnixMilli(),
	}))
	require.NoError(t, r.Tick(ctx, info))
	for i, pnl := range []float64{-5, -5, -5} {
		require.NoError(t, j.RecordTrade(ctx, journal.TradeRecord{
			SignalID: string(rune('x' + i)), Tenant: "prod", Strategy: "momo",
			Symbol: "BTCUSDT", Side: "buy", Price: 50000, Quantity: 0.1,
			PnL: pnl, Outcome: journal.OutcomeLoss,
			SessionDate: journal.SessionDate(now), Ts: now.Add(time.Duration(20+i) * time.Second).UnixMilli(),
		}))
	}
	require.NoError(t, r.Tick(ctx, info))
	cmd = recvControl(t, proposals)
	assert.Equal(t, "momo", cmd.Args["strategy"])
}

func TestTriggerBroadcastsLiquidateAllOncePerBreach(t *testing.T) {
	b := newCapitalBus(t)
	m := metrics.New()
	ctx := context.Background()
	info := runtime.TickInfo{Now: time.Now()}

	tr := NewTrigger(capitalCfg(), []string{"prod"}, m, zerolog.Nop())
	tr.BindBus(b)

	control, err := b.Subscribe(ctx, events.TenantControlChannel("prod"))
	require.NoError(t, err)
	defer control.Close()
	time.Sleep(50 * time.Millisecond)

	// No equity written yet: nothing to judge.
	require.NoError(t, tr.Tick(ctx, info))

	// 30% drawdown breaches the 25% ceiling.
	require.NoError(t, b.SetDurable(ctx, EquityKey("prod"), "70000"))
	require.NoError(t, tr.Tick(ctx, info))
	cmd := recvControl(t, control)
	assert.Equal(t, signal.ActionLiquidateAll, cmd.Action)
	assert.Equal(t, "prod", cmd.Args["tenant"])

	// Latched until recovery.
	require.NoError(t, tr.Tick(ctx, info))
	select {
	case msg := <-control.Messages():
		t.Fatalf("unexpected repeat broadcast: %s", msg.Payload)
	case <-time.After(150 * time.Millisecond):
	}

	// Recovery re-arms; a fresh breach fires again.
	require.NoError(t, b.SetDurable(ctx, EquityKey("prod"), "90000"))
	require.NoError(t, tr.Tick(ctx, info))
	require.NoError(t, b.SetDurable(ctx, EquityKey("prod"), "60000"))
	require.NoError(t, tr.Tick(ctx, info))
	cmd = recvControl(t, control)
	assert.Equal(t, signal.ActionLiquidateAll, cmd.Action)
}

func TestTriggerRespectsProtectionFlag(t *testing.T) {
	b := newCapitalBus(t)
	m := metrics.New()
	ctx := context.Background()
	info := runtime.TickInfo{Now: time.Now()}

	cfg := capitalCfg()
	cfg.LiquidationProtection = false
	tr := NewTrigger(cfg, []string{"prod"}, m, zerolog.Nop())
	tr.BindBus(b)

	control, err := b.Subscribe(ctx, events.TenantControlChannel("prod"))
	require.NoError(t, err)
	defer control.Close()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.SetDurable(ctx, EquityKey("prod"), "50000"))
	require.NoError(t, tr.Tick(ctx, info))
	select {
	case msg := <-control.Messages():
		t.Fatalf("broadcast despite disabled protection: %s", msg.Payload)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestOptimizerProposesFromJournalWindow(t *testing.T) {
	b := newCapitalBus(t)
	j := openTestJournal(t)
	m := metrics.New()
	ctx := context.Background()
	now := time.Now()

	trades := []struct {
		id       string
		strategy string
		pnl      float64
		outcome  string
	}{
		{"t1", "momo", 120, journal.OutcomeWin},
		{"t2", "momo", 80, journal.OutcomeWin},
		{"t3", "meanrev", -40, journal.OutcomeLoss},
		{"t4", "meanrev", 60, journal.OutcomeWin},
	}
	for i, tr := range trades {
		require.NoError(t, j.RecordTrade(ctx, journal.TradeRecord{
			SignalID: tr.id, Tenant: "prod", Strategy: tr.strategy,
			Symbol: "BTCUSDT", Side: "buy", Price: 50000, Quantity: 0.1,
			PnL: tr.pnl, Outcome: tr.outcome,
			SessionDate: journal.SessionDate(now), Ts: now.Add(time.Duration(i) * time.Minute).UnixMilli(),
		}))
	}

	proposals, err := b.Subscribe(ctx, events.ChannelControlManual)
	require.NoError(t, err)
	defer proposals.Close()
	time.Sleep(50 * time.Millisecond)

	o := NewOptimizer(b, j, capitalCfg(), []string{"prod"}, zerolog.Nop())
	require.NoError(t, o.Run())

	cmd := recvControl(t, proposals)
	require.Equal(t, signal.ActionAdjustCapital, cmd.Action)
	assert.Equal(t, "prod", cmd.Args["tenant"])
	assert.Equal(t, "capital-loop-optimizer", cmd.Args["requester"])

	var alloc map[string]float64
	require.NoError(t, json.Unmarshal([]byte(cmd.Args["allocations"]), &alloc))
	require.Len(t, alloc, 2)
	assert.Greater(t, alloc["momo"], 0.0)

	// Closing the loop through the keeper lands the reallocation.
	k := NewKeeper([]string{"prod"}, j, m, zerolog.Nop())
	k.BindBus(b)
	raw, err := cmd.Encode()
	require.NoError(t, err)
	require.NoError(t, k.OnMessage(ctx, runtime.TickInfo{Now: now},
		bus.Message{Channel: events.ChannelControlManual, Payload: raw}))

	book, err := NewStore(b).Load(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), book.Version)
	assert.Len(t, book.Fractions, 2)
}
