package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
)

type testModule struct {
	mf        Manifest
	ticks     atomic.Int64
	messages  atomic.Int64
	tickErr   error
	onMessage func(ctx context.Context, info TickInfo, msg bus.Message) error
}

func (m *testModule) Manifest() Manifest { return m.mf }

func (m *testModule) Tick(ctx context.Context, info TickInfo) error {
	m.ticks.Add(1)
	return m.tickErr
}

func (m *testModule) OnMessage(ctx context.Context, info TickInfo, msg bus.Message) error {
	m.messages.Add(1)
	if m.onMessage != nil {
		return m.onMessage(ctx, info, msg)
	}
	return nil
}

type staticMode struct{ snap ModeSnapshot }

func (s staticMode) Snapshot(ctx context.Context, tenant string) (ModeSnapshot, error) {
	return s.snap, nil
}

type trippedGate struct{ armed atomic.Bool }

func (g *trippedGate) Check(module string) error {
	if g.armed.Load() {
		return errkind.New(errkind.SimulatedFailure, "chaos armed for "+module)
	}
	return nil
}

func newRuntimeBus(t *testing.T) bus.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	b := bus.NewRedis(bus.Options{Addr: mr.Addr(), QueueSize: 32, Log: zerolog.Nop()})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRuntimeTicksAndStops(t *testing.T) {
	b := newRuntimeBus(t)
	mod := &testModule{mf: Manifest{
		Name:         "ticker",
		Version:      "1.0.0",
		Type:         TypeMonitor,
		TickInterval: 10 * time.Millisecond,
		DeclaredKeys: []string{"titan:prod:signal"},
	}}

	rt, err := New(mod, Options{Bus: b, Log: zerolog.Nop(), Metrics: metrics.New()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	require.Eventually(t, func() bool { return mod.ticks.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRuntimeDeliversMessagesWithMode(t *testing.T) {
	b := newRuntimeBus(t)

	var gotMode atomic.Value
	mod := &testModule{
		mf: Manifest{
			Name:          "consumer",
			Version:       "1.0.0",
			Type:          TypeFilter,
			Tenant:        "prod",
			Subscriptions: []string{"titan:core:signal"},
		},
		onMessage: func(ctx context.Context, info TickInfo, msg bus.Message) error {
			gotMode.Store(info.Mode.Mode)
			return nil
		},
	}

	rt, err := New(mod, Options{
		Bus:     b,
		Log:     zerolog.Nop(),
		Metrics: metrics.New(),
		Mode:    staticMode{snap: ModeSnapshot{Tenant: "prod", Mode: "alpha_push"}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	// Allow the subscription to come up before publishing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, b.Publish(ctx, "titan:core:signal", []byte(`{}`)))

	require.Eventually(t, func() bool { return mod.messages.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "alpha_push", gotMode.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestChaosGateFailsIterationDeterministically(t *testing.T) {
	b := newRuntimeBus(t)
	gate := &trippedGate{}
	gate.armed.Store(true)

	mod := &testModule{mf: Manifest{
		Name:         "chaotic",
		Version:      "1.0.0",
		Type:         TypeMonitor,
		TickInterval: 10 * time.Millisecond,
	}}
	m := metrics.New()
	rt, err := New(mod, Options{Bus: b, Log: zerolog.Nop(), Metrics: m, Chaos: gate})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	// The gate fires before the module body; no tick may run, and each
	// suppressed iteration is recorded as a ChaosTrip.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(0), mod.ticks.Load())
	assert.GreaterOrEqual(t, rt.Stats().Errors, uint64(1))
	assert.GreaterOrEqual(t,
		testutil.ToFloat64(m.ErrorTotal.WithLabelValues("chaotic", string(errkind.ChaosTrip))), 1.0)

	cancel()
	require.NoError(t, <-done)
}

func TestTickDeadlineSurfacesTimeout(t *testing.T) {
	b := newRuntimeBus(t)
	mod := &testModule{mf: Manifest{
		Name:            "slowpoke",
		Version:         "1.0.0",
		Type:            TypeMonitor,
		TickInterval:    10 * time.Millisecond,
		MaxTickDuration: 20 * time.Millisecond,
	}}
	blocker := make(chan struct{})
	mod.tickErr = nil
	slow := &slowModule{inner: mod, block: blocker}

	rt, err := New(slow, Options{Bus: b, Log: zerolog.Nop(), Metrics: metrics.New(), MaxRetries: 1, RetryBackoff: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	require.Eventually(t, func() bool { return rt.Stats().Errors >= 1 }, 2*time.Second, 10*time.Millisecond)
	close(blocker)
	cancel()
	require.NoError(t, <-done)
}

type slowModule struct {
	inner *testModule
	block chan struct{}
}

func (s *slowModule) Manifest() Manifest { return s.inner.mf }

func (s *slowModule) Tick(ctx context.Context, info TickInfo) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.block:
		return nil
	}
}

func (s *slowModule) OnMessage(ctx context.Context, info TickInfo, msg bus.Message) error {
	return nil
}

func TestFatalPublishesRestartRequest(t *testing.T) {
	b := newRuntimeBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, events.ChannelRestartQueue)
	require.NoError(t, err)
	defer sub.Close()

	mod := &testModule{
		mf: Manifest{
			Name:         "doomed",
			Version:      "1.0.0",
			Type:         TypeMonitor,
			TickInterval: 10 * time.Millisecond,
		},
		tickErr: errkind.Wrap(errkind.Fatal, "doomed.tick", errors.New("broken state")),
	}

	rt, err := New(mod, Options{Bus: b, Log: zerolog.Nop(), Metrics: metrics.New(), RestartBackoff: 10 * time.Millisecond})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	select {
	case msg := <-sub.Messages():
		var evt events.Event
		require.NoError(t, json.Unmarshal(msg.Payload, &evt))
		assert.Equal(t, events.RestartRequested, evt.Type)
		data, ok := evt.Data.(*events.RestartRequestData)
		require.True(t, ok)
		assert.Equal(t, "doomed", data.Module)
	case <-time.After(3 * time.Second):
		t.Fatal("no restart request observed")
	}

	err = <-done
	require.Error(t, err)
	assert.Equal(t, errkind.Fatal, errkind.KindOf(err))
}

func TestSupervisorKeepsOthersAliveAndRestarts(t *testing.T) {
	b := newRuntimeBus(t)

	healthy := &testModule{mf: Manifest{
		Name: "healthy", Version: "1.0.0", Type: TypeMonitor, TickInterval: 10 * time.Millisecond,
	}}
	doomed := &testModule{
		mf: Manifest{
			Name: "doomed", Version: "1.0.0", Type: TypeMonitor, TickInterval: 5 * time.Millisecond,
		},
		tickErr: errkind.New(errkind.Fatal, "always fails"),
	}

	sup := NewSupervisor(zerolog.Nop())
	rtHealthy, err := New(healthy, Options{Bus: b, Log: zerolog.Nop(), Metrics: metrics.New()})
	require.NoError(t, err)
	rtDoomed, err := New(doomed, Options{Bus: b, Log: zerolog.Nop(), Metrics: metrics.New(), RestartBackoff: time.Millisecond})
	require.NoError(t, err)
	sup.Add(rtHealthy)
	sup.Add(rtDoomed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return !sup.IsRunning("doomed") && sup.IsRunning("healthy")
	}, 3*time.Second, 10*time.Millisecond)

	// The healthy worker keeps ticking after its sibling died.
	before := healthy.ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Greater(t, healthy.ticks.Load(), before)

	// A dead worker can be relaunched by name.
	doomed.tickErr = nil
	require.NoError(t, sup.Restart("doomed"))
	require.Eventually(t, func() bool { return sup.IsRunning("doomed") }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
