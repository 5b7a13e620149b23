// Package bus provides the shared key/value + pub/sub + TTL fabric every
// worker coordinates through. Workers never open their own connections; a
// single Bus handle is created at wire time and passed into the runtime.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and TTL for missing keys.
var ErrNotFound = errors.New("bus: key not found")

// ErrClosed is returned once the bus has been shut down.
var ErrClosed = errors.New("bus: closed")

// NoTTL marks a key that deliberately has no expiry. Only durable writes may
// carry it; Set rejects nonpositive TTLs.
const NoTTL = time.Duration(-1)

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Bus is the uniform coordination interface. Per-channel FIFO is preserved;
// there is no cross-channel ordering guarantee. Publish is fire-and-forget
// at-most-once.
type Bus interface {
	// Set writes a transient key. A nonpositive ttl is an InvalidTTL error.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetDurable writes a key with no expiry (capital book, mode state,
	// config digest and similar long-lived state).
	SetDurable(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	// Scan returns all keys under prefix. Intended for audits and sweeps,
	// not hot paths.
	Scan(ctx context.Context, prefix string) ([]string, error)
	// TTL reports the remaining lifetime of key; NoTTL for keys without
	// expiry, ErrNotFound for missing keys.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Expire applies ttl to an existing key. A nonpositive ttl is an
	// InvalidTTL error; a missing key is ErrNotFound.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (*Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Subscription is a cancellable, bounded stream of payloads. When the queue
// overflows the oldest entry is dropped and the drop hook fires; publishers
// are never blocked by slow consumers.
type Subscription struct {
	channels []string
	out      chan Message
	done     chan struct{}
	cancel   func()
}

func newSubscription(channels []string, buffer int, cancel func()) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscription{
		channels: channels,
		out:      make(chan Message, buffer),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
}

// Messages returns the delivery stream. The channel closes when the
// subscription is closed or the context used at Subscribe time ends.
func (s *Subscription) Messages() <-chan Message {
	return s.out
}

// Channels returns the subscribed channel names.
func (s *Subscription) Channels() []string {
	out := make([]string, len(s.channels))
	copy(out, s.channels)
	return out
}

// Close cancels the subscription and releases the underlying consumer.
// Safe to call more than once.
func (s *Subscription) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	if s.cancel != nil {
		s.cancel()
	}
}

// push enqueues a message, dropping the oldest entry on overflow. Returns
// true when an old message was evicted.
func (s *Subscription) push(msg Message) bool {
	select {
	case s.out <- msg:
		return false
	default:
	}
	// Queue full: evict one, then enqueue. A concurrent consumer may have
	// drained in between, so the second send can still succeed cleanly.
	select {
	case <-s.out:
	default:
	}
	select {
	case s.out <- msg:
	default:
	}
	return true
}
