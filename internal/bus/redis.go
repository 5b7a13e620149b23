package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/errkind"
)

// Options configures a Redis-backed bus.
type Options struct {
	Addr      string
	DB        int
	QueueSize int // bounded depth per subscription
	// OnDrop is invoked with the channel name whenever a subscription
	// evicts its oldest message under back-pressure.
	OnDrop func(channel string)
	Log    zerolog.Logger
}

// RedisBus implements Bus over a single Redis endpoint.
type RedisBus struct {
	client *redis.Client
	opts   Options
	log    zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewRedis connects a bus to the given endpoint. The connection is verified
// lazily; call Ping to probe eagerly.
func NewRedis(opts Options) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
		DB:   opts.DB,
	})
	return &RedisBus{
		client: client,
		opts:   opts,
		log:    opts.Log.With().Str("component", "bus").Str("addr", opts.Addr).Logger(),
	}
}

func (b *RedisBus) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return errkind.Newf(errkind.InvalidTTL, "transient key %q requires positive ttl, got %v", key, ttl)
	}
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrapTransient("set", err)
	}
	return nil
}

func (b *RedisBus) SetDurable(ctx context.Context, key, value string) error {
	if err := b.client.Set(ctx, key, value, 0).Err(); err != nil {
		return wrapTransient("set_durable", err)
	}
	return nil
}

func (b *RedisBus) Get(ctx context.Context, key string) (string, error) {
	val, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrapTransient("get", err)
	}
	return val, nil
}

func (b *RedisBus) Del(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return wrapTransient("del", err)
	}
	return nil
}

func (b *RedisBus) Incr(ctx context.Context, key string) (int64, error) {
	n, err := b.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrapTransient("incr", err)
	}
	return n, nil
}

func (b *RedisBus) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrapTransient("scan", err)
	}
	return keys, nil
}

func (b *RedisBus) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := b.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, wrapTransient("ttl", err)
	}
	if d < 0 {
		// Redis reports -1 for no expiry and -2 for a missing key; the
		// client library's encoding of those differs by version, so
		// disambiguate with an existence probe.
		n, err := b.client.Exists(ctx, key).Result()
		if err != nil {
			return 0, wrapTransient("ttl", err)
		}
		if n == 0 {
			return 0, ErrNotFound
		}
		return NoTTL, nil
	}
	return d, nil
}

func (b *RedisBus) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return errkind.Newf(errkind.InvalidTTL, "expire on %q requires positive ttl, got %v", key, ttl)
	}
	ok, err := b.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return wrapTransient("expire", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return wrapTransient("publish", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("subscribe requires at least one channel")
	}
	pubsub := b.client.Subscribe(ctx, channels...)
	// Force the subscription onto the wire before returning, so callers
	// observe ordered delivery from this point on.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, wrapTransient("subscribe", err)
	}

	sub := newSubscription(channels, b.opts.QueueSize, func() { _ = pubsub.Close() })
	go b.pump(ctx, pubsub, sub)
	return sub, nil
}

// pump moves deliveries from the Redis consumer into the bounded queue.
func (b *RedisBus) pump(ctx context.Context, pubsub *redis.PubSub, sub *Subscription) {
	defer close(sub.out)
	in := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			sub.Close()
			return
		case <-sub.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if sub.push(Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}) {
				if b.opts.OnDrop != nil {
					b.opts.OnDrop(msg.Channel)
				}
				b.log.Warn().Str("channel", msg.Channel).
					Str("error_kind", string(errkind.BackpressureDrop)).
					Msg("subscription queue overflow, oldest dropped")
			}
		}
	}
}

func (b *RedisBus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return wrapTransient("ping", err)
	}
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

// wrapTransient classifies backend errors as TransientUnavailable so workers
// retry them uniformly.
func wrapTransient(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errkind.Wrap(errkind.Timeout, "bus."+op, err)
	}
	return errkind.Wrap(errkind.TransientUnavailable, "bus."+op, err)
}
