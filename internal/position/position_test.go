package position

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
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/journal"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

func newPositionBus(t *testing.T) bus.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	b := bus.NewRedis(bus.Options{Addr: mr.Addr(), QueueSize: 64, Log: zerolog.Nop()})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func openPositionJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "titan.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func accountedEvent(t *testing.T, d events.TradeAccountedData) bus.Message {
	t.Helper()
	evt := events.Event{
		Type:      events.TradeAccounted,
		Timestamp: time.Now().UTC(),
		Module:    "trade-accountant",
		Data:      &d,
	}
	raw, err := json.Marshal(&evt)
	require.NoError(t, err)
	return bus.Message{Channel: events.ChannelTradeAccounted, Payload: raw}
}

func TestTrackerMirrorsAccountedPosition(t *testing.T) {
	ctx := context.Background()
	b := newPositionBus(t)
	m := metrics.New()

	tr := NewTracker(10, m, zerolog.Nop())
	tr.BindBus(b)

	ts := time.Now().UnixMilli()
	require.NoError(t, tr.OnMessage(ctx, runtime.TickInfo{Now: time.Now()}, accountedEvent(t, events.TradeAccountedData{
		SignalID: "sig-1",
		Tenant:   "prod",
		Symbol:   "AAPL",
		Side:     "buy",
		Position: 3,
		Entry:    187.5,
		Ts:       ts,
	})))

	doc, err := LoadDoc(ctx, b, "prod", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", doc.Symbol)
	assert.InDelta(t, 3.0, doc.Quantity, 1e-9)
	assert.InDelta(t, 187.5, doc.Entry, 1e-9)
	assert.Equal(t, ts, doc.UpdatedAt)
	assert.InDelta(t, 3.0, testutil.ToFloat64(m.OpenPositions.WithLabelValues("prod", "AAPL")), 1e-9)
}

func TestTrackerAlertsBeyondCap(t *testing.T) {
	ctx := context.Background()
	b := newPositionBus(t)
	m := metrics.New()

	tr := NewTracker(2, m, zerolog.Nop())
	tr.BindBus(b)

	alerts, err := b.Subscribe(ctx, events.ChannelAlert)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, tr.OnMessage(ctx, runtime.TickInfo{Now: time.Now()}, accountedEvent(t, events.TradeAccountedData{
		SignalID: "sig-1", Tenant: "prod", Symbol: "AAPL", Side: "sell",
		Position: -2.5, Entry: 180, Ts: time.Now().UnixMilli(),
	})))

	select {
	case msg := <-alerts.Messages():
		var evt events.Event
		require.NoError(t, json.Unmarshal(msg.Payload, &evt))
		data, ok := evt.Data.(*events.AlertData)
		require.True(t, ok)
		assert.Equal(t, "critical", data.Severity)
		assert.Equal(t, ModuleTracker, data.Module)
	case <-time.After(2 * time.Second):
		t.Fatal("no cap breach alert")
	}
}

func TestLoadDocMissingKeyIsZeroPosition(t *testing.T) {
	b := newPositionBus(t)
	doc, err := LoadDoc(context.Background(), b, "prod", "AAPL")
	require.NoError(t, err)
	assert.Zero(t, doc.Quantity)
	assert.Equal(t, "AAPL", doc.Symbol)
}

func TestRestorerReplaysOpenPositionsOnce(t *testing.T) {
	ctx := context.Background()
	b := newPositionBus(t)
	j := openPositionJournal(t)
	m := metrics.New()

	require.NoError(t, j.UpsertPosition(ctx, journal.Position{Tenant: "prod", Symbol: "AAPL", Quantity: 3, EntryPrice: 180}))
	require.NoError(t, j.UpsertPosition(ctx, journal.Position{Tenant: "prod", Symbol: "TSLA", Quantity: -2, EntryPrice: 250}))
	// A flattened position never restores.
	require.NoError(t, j.UpsertPosition(ctx, journal.Position{Tenant: "prod", Symbol: "MSFT", Quantity: 0, EntryPrice: 400}))

	orders, err := b.Subscribe(ctx, events.ChannelExecutionOrders)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	r := NewRestorer(j, []string{"prod"}, m, zerolog.Nop())
	r.BindBus(b)
	require.NoError(t, r.Start(ctx))

	seen := map[string]*signal.Signal{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-orders.Messages():
			s, err := signal.Decode(msg.Payload)
			require.NoError(t, err)
			seen[s.Symbol] = s
		case <-time.After(2 * time.Second):
			t.Fatal("missing restore intent")
		}
	}

	long := seen["AAPL"]
	require.NotNil(t, long)
	assert.Equal(t, signal.Buy, long.Side)
	assert.InDelta(t, 3.0, long.Quantity, 1e-9)
	assert.InDelta(t, 180.0, long.Price, 1e-9)
	assert.Equal(t, StrategyRestore, long.Strategy)
	assert.True(t, long.Flags.DirectOverride)
	require.Len(t, long.Provenance, 1)
	assert.Equal(t, ModuleRestorer, long.Provenance[0].Stage)
	assert.Equal(t, signal.VerdictDerived, long.Provenance[0].Outcome)

	short := seen["TSLA"]
	require.NotNil(t, short)
	assert.Equal(t, signal.Sell, short.Side)
	assert.InDelta(t, 2.0, short.Quantity, 1e-9)

	assert.InDelta(t, 2.0, testutil.ToFloat64(m.PositionsRestored.WithLabelValues("prod")), 1e-9)

	// Acked restores stay acked: a second boot replays nothing.
	require.NoError(t, r.Start(ctx))
	select {
	case msg := <-orders.Messages():
		t.Fatalf("unexpected replay: %s", msg.Payload)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRestorerSkipsAckedPositions(t *testing.T) {
	ctx := context.Background()
	b := newPositionBus(t)
	j := openPositionJournal(t)
	m := metrics.New()

	require.NoError(t, j.UpsertPosition(ctx, journal.Position{Tenant: "prod", Symbol: "AAPL", Quantity: 3, EntryPrice: 180}))
	require.NoError(t, j.AckRestore(ctx, "prod", "AAPL"))

	orders, err := b.Subscribe(ctx, events.ChannelExecutionOrders)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	r := NewRestorer(j, []string{"prod"}, m, zerolog.Nop())
	r.BindBus(b)
	require.NoError(t, r.Start(ctx))

	select {
	case msg := <-orders.Messages():
		t.Fatalf("acked position replayed: %s", msg.Payload)
	case <-time.After(150 * time.Millisecond):
	}
}
