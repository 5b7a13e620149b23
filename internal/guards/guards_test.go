package guards

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/capital"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/mode"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

func newGuardBus(t *testing.T) bus.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	b := bus.NewRedis(bus.Options{Addr: mr.Addr(), QueueSize: 32, Log: zerolog.Nop()})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func guardsCfg() config.GuardsConfig {
	return config.GuardsConfig{
		PanicVolatility:  0.10,
		PanicDrawdown:    -0.50,
		CrashDropPercent: 0.15,
		CrashWindow:      10 * time.Minute,
		NewsBlockWindow:  15 * time.Minute,
	}
}

func tickAt(now time.Time) runtime.TickInfo {
	return runtime.TickInfo{Now: now}
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

func noControl(t *testing.T, sub *bus.Subscription) {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message on %v: %s", sub.Channels(), msg.Payload)
	case <-time.After(150 * time.Millisecond):
	}
}

func newsMsg(t *testing.T, impact, headline string) bus.Message {
	t.Helper()
	evt := events.Event{
		Type:      events.MacroNews,
		Timestamp: time.Now().UTC(),
		Module:    "news-feed",
		Data:      &events.MacroNewsData{Headline: headline, Impact: impact},
	}
	raw, err := json.Marshal(&evt)
	require.NoError(t, err)
	return bus.Message{Channel: events.ChannelNews, Payload: raw}
}

func TestHibernatorBroadcastsOncePerPanic(t *testing.T) {
	ctx := context.Background()
	b := newGuardBus(t)
	m := metrics.New()

	h := NewHibernator(guardsCfg(), []string{"prod"}, "BTCUSDT", m, zerolog.Nop())
	h.BindBus(b)

	sub, err := b.Subscribe(ctx, events.TenantControlChannel("prod"))
	require.NoError(t, err)
	defer sub.Close()

	volKey := namespace.Compose("prod", namespace.DomainIndicator, "volatility", "BTCUSDT")
	ddKey := capital.SessionDrawdownKey("prod")

	// Nothing written yet: the producer may not have started.
	require.NoError(t, h.Tick(ctx, tickAt(time.Now())))
	noControl(t, sub)

	// Volatility alone does not trip.
	require.NoError(t, b.Set(ctx, volKey, "0.12", time.Minute))
	require.NoError(t, b.SetDurable(ctx, ddKey, "-0.10"))
	require.NoError(t, h.Tick(ctx, tickAt(time.Now())))
	noControl(t, sub)

	// Both thresholds breached.
	require.NoError(t, b.SetDurable(ctx, ddKey, "-0.60"))
	require.NoError(t, h.Tick(ctx, tickAt(time.Now())))
	cmd := recvControl(t, sub)
	assert.Equal(t, signal.ActionHibernate, cmd.Action)
	assert.Equal(t, "prod", cmd.Args["tenant"])
	assert.NotEmpty(t, cmd.Args["reason"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GuardTrips.WithLabelValues("panic-hibernator", "prod")))

	// Latched while the condition holds.
	require.NoError(t, h.Tick(ctx, tickAt(time.Now())))
	noControl(t, sub)

	// Recovery re-arms; the next breach fires again.
	require.NoError(t, b.Set(ctx, volKey, "0.03", time.Minute))
	require.NoError(t, h.Tick(ctx, tickAt(time.Now())))
	noControl(t, sub)
	require.NoError(t, b.Set(ctx, volKey, "0.15", time.Minute))
	require.NoError(t, h.Tick(ctx, tickAt(time.Now())))
	cmd = recvControl(t, sub)
	assert.Equal(t, signal.ActionHibernate, cmd.Action)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GuardTrips.WithLabelValues("panic-hibernator", "prod")))
}

func TestCrashTriggerProposesOnWindowDrop(t *testing.T) {
	ctx := context.Background()
	b := newGuardBus(t)
	m := metrics.New()

	ct := NewCrashTrigger(guardsCfg(), []string{"prod"}, "BTCUSDT", m, zerolog.Nop())
	ct.BindBus(b)

	sub, err := b.Subscribe(ctx, events.ChannelControlManual)
	require.NoError(t, err)
	defer sub.Close()
	alerts, err := b.Subscribe(ctx, events.ChannelAlert)
	require.NoError(t, err)
	defer alerts.Close()

	priceKey := namespace.Compose("prod", namespace.DomainIndicator, "price", "BTCUSDT")
	t0 := time.Now()

	require.NoError(t, b.Set(ctx, priceKey, "100", time.Minute))
	require.NoError(t, ct.Tick(ctx, tickAt(t0)))
	noControl(t, sub)

	// A 12% slide stays inside tolerance.
	require.NoError(t, b.Set(ctx, priceKey, "88", time.Minute))
	require.NoError(t, ct.Tick(ctx, tickAt(t0.Add(10*time.Second))))
	noControl(t, sub)

	// 16% off the window high trips capital preservation.
	require.NoError(t, b.Set(ctx, priceKey, "84", time.Minute))
	require.NoError(t, ct.Tick(ctx, tickAt(t0.Add(20*time.Second))))
	cmd := recvControl(t, sub)
	assert.Equal(t, signal.ActionSetMorphicMode, cmd.Action)
	assert.Equal(t, mode.CapitalPreservation, cmd.Args["mode"])
	assert.Equal(t, "prod", cmd.Args["tenant"])
	assert.Equal(t, "market-crash-trigger", cmd.Args["requester"])

	select {
	case msg := <-alerts.Messages():
		var evt events.Event
		require.NoError(t, json.Unmarshal(msg.Payload, &evt))
		require.Equal(t, events.AlertRaised, evt.Type)
		data, ok := evt.Data.(*events.AlertData)
		require.True(t, ok)
		assert.Equal(t, "critical", data.Severity)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the crash alert")
	}

	// Latched while the drop persists.
	require.NoError(t, ct.Tick(ctx, tickAt(t0.Add(30*time.Second))))
	noControl(t, sub)

	// Once the pre-crash samples age out the trigger re-arms at the new level.
	require.NoError(t, ct.Tick(ctx, tickAt(t0.Add(11*time.Minute))))
	noControl(t, sub)
	require.NoError(t, b.Set(ctx, priceKey, "70", time.Minute))
	require.NoError(t, ct.Tick(ctx, tickAt(t0.Add(11*time.Minute+10*time.Second))))
	cmd = recvControl(t, sub)
	assert.Equal(t, mode.CapitalPreservation, cmd.Args["mode"])
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GuardTrips.WithLabelValues("market-crash-trigger", "prod")))
}

func TestNewsBlockerShiftsAndRestores(t *testing.T) {
	ctx := context.Background()
	b := newGuardBus(t)
	m := metrics.New()

	nb := NewNewsBlocker(guardsCfg(), []string{"prod"}, m, zerolog.Nop())
	nb.BindBus(b)

	store := mode.NewStore(b)
	_, err := store.Apply(ctx, "prod", mode.AlphaPush, "")
	require.NoError(t, err)

	sub, err := b.Subscribe(ctx, events.ChannelControlManual)
	require.NoError(t, err)
	defer sub.Close()

	t0 := time.Now()

	// Medium impact passes without effect.
	require.NoError(t, nb.OnMessage(ctx, tickAt(t0), newsMsg(t, "medium", "jobs report")))
	noControl(t, sub)

	// High impact blocks and proposes the buffer mode.
	require.NoError(t, nb.OnMessage(ctx, tickAt(t0), newsMsg(t, "high", "surprise rate decision")))
	cmd := recvControl(t, sub)
	assert.Equal(t, signal.ActionSetMorphicMode, cmd.Action)
	assert.Equal(t, mode.ConservativeBuffer, cmd.Args["mode"])
	assert.Equal(t, "macro-news-blocker", cmd.Args["requester"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GuardTrips.WithLabelValues("macro-news-blocker", "prod")))

	// The governor would apply the shift; do so by hand.
	_, err = store.Apply(ctx, "prod", mode.ConservativeBuffer, "")
	require.NoError(t, err)

	// A follow-up event extends the window without re-proposing.
	require.NoError(t, nb.OnMessage(ctx, tickAt(t0.Add(5*time.Minute)), newsMsg(t, "high", "follow-up")))
	noControl(t, sub)

	// Mid-window ticks keep the block.
	require.NoError(t, nb.Tick(ctx, tickAt(t0.Add(12*time.Minute))))
	noControl(t, sub)

	// Past the extended window the remembered mode is proposed back.
	require.NoError(t, nb.Tick(ctx, tickAt(t0.Add(21*time.Minute))))
	cmd = recvControl(t, sub)
	assert.Equal(t, signal.ActionSetMorphicMode, cmd.Action)
	assert.Equal(t, mode.AlphaPush, cmd.Args["mode"])
}

func TestNewsBlockerConcurrentExpiryAndNewsIntake(t *testing.T) {
	ctx := context.Background()
	b := newGuardBus(t)
	m := metrics.New()

	cfg := guardsCfg()
	cfg.NewsBlockWindow = time.Millisecond

	nb := NewNewsBlocker(cfg, []string{"prod", "acme"}, m, zerolog.Nop())
	nb.BindBus(b)

	store := mode.NewStore(b)
	for _, tenant := range []string{"prod", "acme"} {
		_, err := store.Apply(ctx, tenant, mode.AlphaPush, "")
		require.NoError(t, err)
	}

	msg := newsMsg(t, "high", "surprise rate decision")

	// The runtime delivers news on the subscription goroutine while expiry
	// sweeps on the tick goroutine; the tiny window keeps both sides
	// contending on the block table.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			assert.NoError(t, nb.OnMessage(ctx, tickAt(time.Now()), msg))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			assert.NoError(t, nb.Tick(ctx, tickAt(time.Now().Add(time.Second))))
		}
	}()
	wg.Wait()
}

func TestNewsBlockerLeavesOperatorOverridesAlone(t *testing.T) {
	ctx := context.Background()
	b := newGuardBus(t)
	m := metrics.New()

	nb := NewNewsBlocker(guardsCfg(), []string{"prod"}, m, zerolog.Nop())
	nb.BindBus(b)
	store := mode.NewStore(b)

	sub, err := b.Subscribe(ctx, events.ChannelControlManual)
	require.NoError(t, err)
	defer sub.Close()

	t0 := time.Now()
	require.NoError(t, nb.OnMessage(ctx, tickAt(t0), newsMsg(t, "high", "flash crash headline")))
	cmd := recvControl(t, sub)
	assert.Equal(t, mode.ConservativeBuffer, cmd.Args["mode"])
	_, err = store.Apply(ctx, "prod", mode.ConservativeBuffer, "")
	require.NoError(t, err)

	// An operator steers the tenant during the window.
	_, err = store.Apply(ctx, "prod", mode.AggressiveSniper, "")
	require.NoError(t, err)

	// The lapsed block leaves the operator's choice in place.
	require.NoError(t, nb.Tick(ctx, tickAt(t0.Add(16*time.Minute))))
	noControl(t, sub)
}
