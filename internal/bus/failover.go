package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/titanlabs/titan/internal/errkind"
)

// FailoverBus routes through a primary backend and redirects to a secondary
// when the region failover manager activates it. Live subscriptions are
// resubscribed on the new backend transparently: consumers keep reading the
// same stream. While the circuit breaker is open, publishers and key writers
// observe TransientUnavailable instead of hanging on a dead primary.
type FailoverBus struct {
	primary   Bus
	secondary Bus
	breaker   atomic.Pointer[gobreaker.CircuitBreaker]
	queueSize int
	onDrop    func(channel string)
	log       zerolog.Logger

	onSecondary atomic.Bool

	mu   sync.Mutex
	subs map[*failoverSub]struct{}
}

type failoverSub struct {
	channels []string
	outer    *Subscription
	inner    atomic.Pointer[Subscription]
	swapped  chan struct{}
}

// NewFailover wraps primary with an optional secondary. A nil secondary
// still buys the circuit-breaker behavior.
func NewFailover(primary, secondary Bus, queueSize int, onDrop func(string), log zerolog.Logger) *FailoverBus {
	fb := &FailoverBus{
		primary:   primary,
		secondary: secondary,
		queueSize: queueSize,
		onDrop:    onDrop,
		log:       log.With().Str("component", "failover_bus").Logger(),
		subs:      make(map[*failoverSub]struct{}),
	}
	fb.breaker.Store(fb.newBreaker())
	return fb
}

func (fb *FailoverBus) newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bus",
		MaxRequests: 3,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// Only backend unavailability trips the breaker. Contract errors
		// (missing key, invalid ttl) are the caller's problem.
		IsSuccessful: func(err error) bool {
			return err == nil || !errkind.IsKind(err, errkind.TransientUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			fb.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("bus breaker state change")
		},
	})
}

func (fb *FailoverBus) active() Bus {
	if fb.onSecondary.Load() && fb.secondary != nil {
		return fb.secondary
	}
	return fb.primary
}

// OnSecondary reports whether the secondary backend is currently active.
func (fb *FailoverBus) OnSecondary() bool {
	return fb.onSecondary.Load()
}

// PingPrimary probes the primary backend directly, bypassing the breaker.
func (fb *FailoverBus) PingPrimary(ctx context.Context) error {
	return fb.primary.Ping(ctx)
}

// PingSecondary probes the secondary backend; an unconfigured secondary
// reports unavailable.
func (fb *FailoverBus) PingSecondary(ctx context.Context) error {
	if fb.secondary == nil {
		return errkind.New(errkind.TransientUnavailable, "no secondary configured")
	}
	return fb.secondary.Ping(ctx)
}

// ActivateSecondary redirects all traffic to the secondary and resubscribes
// every live subscription there. Idempotent.
func (fb *FailoverBus) ActivateSecondary(ctx context.Context) error {
	if fb.secondary == nil {
		return errkind.New(errkind.TransientUnavailable, "no secondary configured")
	}
	if !fb.onSecondary.CompareAndSwap(false, true) {
		return nil
	}
	fb.log.Warn().Msg("redirecting bus traffic to secondary")
	// The new backend starts with a clean breaker.
	fb.breaker.Store(fb.newBreaker())
	return fb.resubscribeAll(ctx, fb.secondary)
}

// ActivatePrimary returns traffic to the primary once it is healthy again.
func (fb *FailoverBus) ActivatePrimary(ctx context.Context) error {
	if !fb.onSecondary.CompareAndSwap(true, false) {
		return nil
	}
	fb.log.Info().Msg("returning bus traffic to primary")
	fb.breaker.Store(fb.newBreaker())
	return fb.resubscribeAll(ctx, fb.primary)
}

func (fb *FailoverBus) resubscribeAll(ctx context.Context, backend Bus) error {
	fb.mu.Lock()
	subs := make([]*failoverSub, 0, len(fb.subs))
	for fs := range fb.subs {
		subs = append(subs, fs)
	}
	fb.mu.Unlock()

	var firstErr error
	for _, fs := range subs {
		inner, err := backend.Subscribe(ctx, fs.channels...)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			fb.log.Error().Err(err).Strs("channels", fs.channels).Msg("resubscribe failed")
			continue
		}
		old := fs.inner.Swap(inner)
		if old != nil {
			old.Close()
		}
		select {
		case fs.swapped <- struct{}{}:
		default:
		}
	}
	return firstErr
}

func (fb *FailoverBus) do(op func(Bus) error) error {
	backend := fb.active()
	_, err := fb.breaker.Load().Execute(func() (any, error) {
		return nil, op(backend)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errkind.Wrap(errkind.TransientUnavailable, "bus.breaker", err)
	}
	return err
}

func (fb *FailoverBus) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return fb.do(func(b Bus) error { return b.Set(ctx, key, value, ttl) })
}

func (fb *FailoverBus) SetDurable(ctx context.Context, key, value string) error {
	return fb.do(func(b Bus) error { return b.SetDurable(ctx, key, value) })
}

func (fb *FailoverBus) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := fb.do(func(b Bus) error {
		var innerErr error
		val, innerErr = b.Get(ctx, key)
		return innerErr
	})
	return val, err
}

func (fb *FailoverBus) Del(ctx context.Context, key string) error {
	return fb.do(func(b Bus) error { return b.Del(ctx, key) })
}

func (fb *FailoverBus) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := fb.do(func(b Bus) error {
		var innerErr error
		n, innerErr = b.Incr(ctx, key)
		return innerErr
	})
	return n, err
}

func (fb *FailoverBus) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := fb.do(func(b Bus) error {
		var innerErr error
		keys, innerErr = b.Scan(ctx, prefix)
		return innerErr
	})
	return keys, err
}

func (fb *FailoverBus) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := fb.do(func(b Bus) error {
		var innerErr error
		d, innerErr = b.TTL(ctx, key)
		return innerErr
	})
	return d, err
}

func (fb *FailoverBus) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return fb.do(func(b Bus) error { return b.Expire(ctx, key, ttl) })
}

func (fb *FailoverBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return fb.do(func(b Bus) error { return b.Publish(ctx, channel, payload) })
}

func (fb *FailoverBus) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	inner, err := fb.active().Subscribe(ctx, channels...)
	if err != nil {
		return nil, err
	}

	fs := &failoverSub{
		channels: channels,
		swapped:  make(chan struct{}, 1),
	}
	fs.inner.Store(inner)
	fs.outer = newSubscription(channels, fb.queueSize, func() {
		fb.mu.Lock()
		delete(fb.subs, fs)
		fb.mu.Unlock()
		if cur := fs.inner.Load(); cur != nil {
			cur.Close()
		}
	})

	fb.mu.Lock()
	fb.subs[fs] = struct{}{}
	fb.mu.Unlock()

	go fb.pumpSub(ctx, fs)
	return fs.outer, nil
}

// pumpSub forwards from the current inner subscription to the consumer's
// stream; when the inner closes during a failover swap it picks up the
// replacement and keeps going.
func (fb *FailoverBus) pumpSub(ctx context.Context, fs *failoverSub) {
	defer close(fs.outer.out)
	for {
		inner := fs.inner.Load()
		if inner == nil {
			return
		}
	drain:
		for {
			select {
			case <-ctx.Done():
				fs.outer.Close()
				return
			case <-fs.outer.done:
				return
			case msg, ok := <-inner.Messages():
				if !ok {
					break drain
				}
				if fs.outer.push(msg) && fb.onDrop != nil {
					fb.onDrop(msg.Channel)
				}
			}
		}
		// Inner stream ended. If a swap is pending, continue on the new
		// backend; otherwise the subscription is finished.
		select {
		case <-ctx.Done():
			return
		case <-fs.outer.done:
			return
		case <-fs.swapped:
		}
	}
}

func (fb *FailoverBus) Ping(ctx context.Context) error {
	return fb.do(func(b Bus) error { return b.Ping(ctx) })
}

func (fb *FailoverBus) Close() error {
	err := fb.primary.Close()
	if fb.secondary != nil {
		if serr := fb.secondary.Close(); err == nil {
			err = serr
		}
	}
	return err
}
