package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

// retryState tracks one routed order awaiting execution. dueAt is zero while
// no retry is scheduled; keepUntil bounds how long a quiet entry is cached.
type retryState struct {
	sig       *signal.Signal
	attempts  int
	dueAt     time.Time
	keepUntil time.Time
}

// Throttle caches every routed order and, when the executor reports a
// placement failure, re-injects it on titan:signal:reinjected after the
// configured delay, up to the per-order retry budget. Reinjected signals
// re-enter at the router, never at the upstream stages, so their provenance
// and idempotence markers stay intact. Terminal failure kinds are never
// retried.
type Throttle struct {
	bus bus.Bus
	m   *metrics.Metrics
	log zerolog.Logger

	maxRetries int
	delay      time.Duration

	mu      sync.Mutex
	pending map[string]*retryState
}

// NewThrottle builds the retry throttle from the execution thresholds.
func NewThrottle(cfg config.ExecutionConfig, m *metrics.Metrics, log zerolog.Logger) *Throttle {
	return &Throttle{
		m:          m,
		log:        log.With().Str("module", ModuleThrottle).Logger(),
		maxRetries: cfg.MaxRetriesPerOrder,
		delay:      cfg.RetryDelay,
		pending:    make(map[string]*retryState),
	}
}

// BindBus receives the namespace-guarded bus view from the runtime.
func (t *Throttle) BindBus(b bus.Bus) { t.bus = b }

func (t *Throttle) Manifest() runtime.Manifest {
	tick := t.delay / 4
	if tick < 250*time.Millisecond {
		tick = 250 * time.Millisecond
	}
	return runtime.Manifest{
		Name:         ModuleThrottle,
		Version:      "1.0.0",
		Creator:      "core",
		Type:         runtime.TypeExecutor,
		TickInterval: tick,
		Subscriptions: []string{
			events.ChannelExecutionOrders,
			events.ChannelExecutionResults,
			events.ChannelControlManual,
		},
		DeclaredChannels: []string{events.ChannelReinjected, events.ChannelAlert},
	}
}

func (t *Throttle) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	switch msg.Channel {
	case events.ChannelExecutionOrders:
		t.remember(info.Now, msg.Payload)
	case events.ChannelExecutionResults:
		if f, failed := decodeFailure(msg.Payload); failed {
			t.onFailure(ctx, info.Now, f)
			return nil
		}
		if e, ok := decodeFill(msg.Payload); ok {
			t.forget(e.SignalID)
		}
	case events.ChannelControlManual:
		t.onManual(msg.Payload)
	}
	return nil
}

// onManual handles the operator flush: every cached order and scheduled
// retry is discarded. Orders already at the executor are unaffected.
func (t *Throttle) onManual(payload []byte) {
	cmd, err := signal.DecodeControl(payload)
	if err != nil || cmd.Action != signal.ActionFlush {
		return
	}
	t.mu.Lock()
	n := len(t.pending)
	t.pending = make(map[string]*retryState)
	t.mu.Unlock()
	t.log.Warn().Int("discarded", n).Msg("retry queue flushed by operator")
}

// Tick publishes due retries and evicts entries past their keep window.
func (t *Throttle) Tick(ctx context.Context, info runtime.TickInfo) error {
	for _, st := range t.due(info.Now) {
		if err := t.reinject(ctx, info.Now, st); err != nil {
			return err
		}
	}
	t.sweep(info.Now)
	return nil
}

// remember caches a routed order so a later failure can be replayed.
func (t *Throttle) remember(now time.Time, payload []byte) {
	s, err := signal.Decode(payload)
	if err != nil {
		t.log.Warn().Err(err).Msg("undecodable order payload")
		return
	}
	keep := s.ExpiresAt().Add(time.Duration(t.maxRetries+1) * t.delay)
	t.mu.Lock()
	if st, ok := t.pending[s.ID]; ok {
		// A reinjected copy came back through the router; keep the attempt
		// count, refresh the document.
		st.sig = s
		st.keepUntil = keep
	} else {
		t.pending[s.ID] = &retryState{sig: s, keepUntil: keep}
	}
	t.mu.Unlock()
}

func (t *Throttle) forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *Throttle) onFailure(ctx context.Context, now time.Time, f signal.FailureEvent) {
	t.mu.Lock()
	st, ok := t.pending[f.SignalID]
	t.mu.Unlock()
	if !ok {
		t.log.Warn().Str("signal_id", f.SignalID).Str("reason", f.Reason).
			Msg("failure for an order this throttle never saw")
		return
	}

	if kind := errkind.Kind(f.Kind); f.Kind != "" && kind.TerminalForSignal() {
		t.giveUp(ctx, st, "terminal", fmt.Sprintf("executor failure %s: %s", f.Kind, f.Reason))
		return
	}

	t.mu.Lock()
	st.attempts++
	attempts := st.attempts
	if attempts <= t.maxRetries {
		st.dueAt = now.Add(t.delay)
	}
	t.mu.Unlock()

	if attempts > t.maxRetries {
		t.giveUp(ctx, st, "retries_exhausted",
			fmt.Sprintf("%d attempts failed, last: %s", attempts, f.Reason))
		return
	}
	t.log.Info().
		Str("signal_id", f.SignalID).
		Int("attempt", attempts).
		Dur("delay", t.delay).
		Str("reason", f.Reason).
		Msg("retry scheduled")
}

func (t *Throttle) due(now time.Time) []*retryState {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*retryState
	for _, st := range t.pending {
		if !st.dueAt.IsZero() && !now.Before(st.dueAt) {
			st.dueAt = time.Time{}
			out = append(out, st)
		}
	}
	return out
}

func (t *Throttle) reinject(ctx context.Context, now time.Time, st *retryState) error {
	if st.sig.Expired(now) {
		t.giveUp(ctx, st, "expired", "ttl elapsed before retry")
		return nil
	}
	retry := st.sig.Clone()
	retry.Flags.Reinjected = true
	retry = retry.WithVerdict(ModuleThrottle, signal.VerdictAdjusted,
		fmt.Sprintf("attempt %d", st.attempts))
	raw, err := retry.Encode()
	if err != nil {
		return err
	}
	if err := t.bus.Publish(ctx, events.ChannelReinjected, raw); err != nil {
		return err
	}
	t.m.SignalsPublished.WithLabelValues(ModuleThrottle).Inc()
	t.log.Info().
		Str("signal_id", retry.ID).
		Int("attempt", st.attempts).
		Msg("order reinjected")
	return nil
}

// giveUp drops the order from the retry set and raises an alert; the signal
// is terminal, the worker keeps going.
func (t *Throttle) giveUp(ctx context.Context, st *retryState, reason, detail string) {
	t.forget(st.sig.ID)
	t.m.SignalsDropped.WithLabelValues(ModuleThrottle, reason).Inc()
	t.log.Warn().
		Str("action", "give_up").
		Str("status", "dropped").
		Str("signal_id", st.sig.ID).
		Str("reason", reason).
		Str("detail", detail).
		Msg("order abandoned")
	raiseAlert(ctx, t.bus, t.log, ModuleThrottle, "warning",
		"order "+st.sig.ID+" abandoned: "+detail, reason, st.sig.ID)
}

func (t *Throttle) sweep(now time.Time) {
	t.mu.Lock()
	for id, st := range t.pending {
		if st.dueAt.IsZero() && now.After(st.keepUntil) {
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()
}
