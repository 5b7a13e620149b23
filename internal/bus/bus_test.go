package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanlabs/titan/internal/errkind"
)

func newTestBus(t *testing.T) (*miniredis.Miniredis, *RedisBus) {
	t.Helper()
	mr := miniredis.RunT(t)
	b := NewRedis(Options{Addr: mr.Addr(), QueueSize: 16, Log: zerolog.Nop()})
	t.Cleanup(func() { _ = b.Close() })
	return mr, b
}

func TestSetGetRoundTrip(t *testing.T) {
	_, b := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "titan:prod:signal:raw:BTCUSDT", `{"id":"s1"}`, time.Minute))

	val, err := b.Get(ctx, "titan:prod:signal:raw:BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"s1"}`, val)
}

func TestSetRejectsNonpositiveTTL(t *testing.T) {
	_, b := newTestBus(t)
	ctx := context.Background()

	err := b.Set(ctx, "titan:prod:signal:raw:BTCUSDT", "x", 0)
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidTTL, errkind.KindOf(err))

	err = b.Set(ctx, "titan:prod:signal:raw:BTCUSDT", "x", -time.Second)
	assert.Equal(t, errkind.InvalidTTL, errkind.KindOf(err))
}

func TestGetMissingKey(t *testing.T) {
	_, b := newTestBus(t)

	_, err := b.Get(context.Background(), "titan:prod:signal:raw:missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTTLReporting(t *testing.T) {
	_, b := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "transient", "v", 30*time.Second))
	require.NoError(t, b.SetDurable(ctx, "durable", "v"))

	d, err := b.TTL(ctx, "transient")
	require.NoError(t, err)
	assert.Greater(t, d, time.Duration(0))

	d, err = b.TTL(ctx, "durable")
	require.NoError(t, err)
	assert.Equal(t, NoTTL, d)

	_, err = b.TTL(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeyExpiry(t *testing.T) {
	mr, b := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "short", "v", time.Second))
	mr.FastForward(2 * time.Second)

	_, err := b.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncr(t *testing.T) {
	_, b := newTestBus(t)
	ctx := context.Background()

	n, err := b.Incr(ctx, "titan:prod:infra:counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = b.Incr(ctx, "titan:prod:infra:counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestScanPrefix(t *testing.T) {
	_, b := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "titan:prod:indicator:rsi:BTCUSDT", "55", time.Minute))
	require.NoError(t, b.Set(ctx, "titan:prod:indicator:atr:BTCUSDT", "120", time.Minute))
	require.NoError(t, b.Set(ctx, "titan:prod:capital:lock", "1", time.Minute))

	keys, err := b.Scan(ctx, "titan:prod:indicator:")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestPubSubDeliversInOrder(t *testing.T) {
	_, b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, "titan:core:signal")
	require.NoError(t, err)
	defer sub.Close()

	for _, payload := range []string{"one", "two", "three"} {
		require.NoError(t, b.Publish(ctx, "titan:core:signal", []byte(payload)))
	}

	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case msg := <-sub.Messages():
			got = append(got, string(msg.Payload))
		case <-deadline:
			t.Fatalf("timed out, received %v", got)
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestSubscriptionBackpressureDropsOldest(t *testing.T) {
	mr := miniredis.RunT(t)
	var drops atomic.Int64
	b := NewRedis(Options{
		Addr:      mr.Addr(),
		QueueSize: 2,
		OnDrop:    func(string) { drops.Add(1) },
		Log:       zerolog.Nop(),
	})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, "titan:alert")
	require.NoError(t, err)
	defer sub.Close()

	for _, payload := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, b.Publish(ctx, "titan:alert", []byte(payload)))
	}

	// Let the pump process everything before draining, so the bounded
	// queue is forced to evict.
	time.Sleep(200 * time.Millisecond)

	var got []string
	for {
		select {
		case msg := <-sub.Messages():
			got = append(got, string(msg.Payload))
			continue
		default:
		}
		break
	}

	assert.Equal(t, int64(3), drops.Load())
	assert.Equal(t, []string{"d", "e"}, got)
}

func TestSubscriptionCloseEndsStream(t *testing.T) {
	_, b := newTestBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "titan:core:signal")
	require.NoError(t, err)
	sub.Close()

	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok, "stream should be closed")
	case <-time.After(time.Second):
		t.Fatal("stream did not close")
	}
}

func TestFailoverRedirectsAndResubscribes(t *testing.T) {
	primary := miniredis.RunT(t)
	secondary := miniredis.RunT(t)

	p := NewRedis(Options{Addr: primary.Addr(), QueueSize: 16, Log: zerolog.Nop()})
	s := NewRedis(Options{Addr: secondary.Addr(), QueueSize: 16, Log: zerolog.Nop()})
	fb := NewFailover(p, s, 16, nil, zerolog.Nop())
	defer fb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := fb.Subscribe(ctx, "titan:core:signal")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, fb.Publish(ctx, "titan:core:signal", []byte("before")))

	msg := <-sub.Messages()
	assert.Equal(t, "before", string(msg.Payload))

	require.NoError(t, fb.ActivateSecondary(ctx))
	assert.True(t, fb.OnSecondary())

	// Publications now land on the secondary and the same stream keeps
	// delivering.
	require.NoError(t, fb.Publish(ctx, "titan:core:signal", []byte("after")))

	select {
	case msg = <-sub.Messages():
		assert.Equal(t, "after", string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery after failover")
	}

	// Key traffic redirected too.
	require.NoError(t, fb.SetDurable(ctx, "titan:infra:failover_active", "true"))
	val, err := s.Get(ctx, "titan:infra:failover_active")
	require.NoError(t, err)
	assert.Equal(t, "true", val)
}

func TestBreakerShedsDeadPrimary(t *testing.T) {
	primary := miniredis.RunT(t)
	p := NewRedis(Options{Addr: primary.Addr(), QueueSize: 16, Log: zerolog.Nop()})
	fb := NewFailover(p, nil, 16, nil, zerolog.Nop())
	defer fb.Close()

	ctx := context.Background()
	require.NoError(t, fb.SetDurable(ctx, "k", "v"))

	primary.Close()

	// Three consecutive transport failures trip the breaker; after that,
	// calls fail fast instead of dialing a dead endpoint.
	for i := 0; i < 3; i++ {
		err := fb.SetDurable(ctx, "k", "v")
		require.Error(t, err)
		assert.Equal(t, errkind.TransientUnavailable, errkind.KindOf(err))
	}

	err := fb.SetDurable(ctx, "k", "v")
	require.Error(t, err)
	assert.Equal(t, errkind.TransientUnavailable, errkind.KindOf(err))
}
