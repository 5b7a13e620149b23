package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/namespace"
)

// Options configures one worker runtime.
type Options struct {
	Bus     bus.Bus
	Log     zerolog.Logger
	Metrics *metrics.Metrics
	Mode    ModeReader
	Chaos   ChaosGate
	// Registrar may be nil for unmanaged helpers (tests).
	Registrar Registrar

	MaxTickDuration time.Duration // default 10s, overridden by the manifest
	RestartBackoff  time.Duration // wait before a fatal exit, default 5s
	RetryBackoff    time.Duration // base backoff for transient retries
	MaxRetries      int           // transient retry budget per iteration
	QueueSize       int           // bounded subscription depth
	HeartbeatEvery  time.Duration // registry lease refresh cadence
}

// Runtime drives one module: registration, the periodic tick loop, one
// subscription loop per declared channel, and the shutdown drain. Workers are
// isolated units of parallelism; everything they share goes through the bus.
type Runtime struct {
	module Module
	mf     Manifest
	opts   Options
	bus    bus.Bus // namespace-guarded view
	log    zerolog.Logger

	seq      atomic.Uint64
	errs     atomic.Uint64
	lastTick atomic.Int64
	pending  atomic.Int64
}

// New wraps module in a runtime. The bus handle is wrapped with the module's
// declared-prefix policy, so undeclared writes fail NamespaceViolation before
// reaching the backend.
func New(module Module, opts Options) (*Runtime, error) {
	mf := module.Manifest()
	if mf.Name == "" {
		return nil, fmt.Errorf("module manifest has no name")
	}
	if opts.MaxTickDuration <= 0 {
		opts.MaxTickDuration = 10 * time.Second
	}
	if mf.MaxTickDuration > 0 {
		opts.MaxTickDuration = mf.MaxTickDuration
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = 5 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = time.Minute
	}

	policy, err := namespace.CompilePolicy(mf.DeclaredKeys, mf.DeclaredChannels)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", mf.Name, err)
	}
	guarded := namespace.NewGuarded(opts.Bus, mf.Name, policy, nil)
	if binder, ok := module.(BusBinder); ok {
		binder.BindBus(guarded)
	}

	return &Runtime{
		module: module,
		mf:     mf,
		opts:   opts,
		bus:    guarded,
		log:    opts.Log.With().Str("module", mf.Name).Logger(),
	}, nil
}

// Name returns the module name.
func (r *Runtime) Name() string { return r.mf.Name }

// Manifest returns the module's declaration.
func (r *Runtime) Manifest() Manifest { return r.mf }

// Bus exposes the guarded bus view, for modules wired outside the loops
// (for example the ops server reading state on behalf of a module).
func (r *Runtime) Bus() bus.Bus { return r.bus }

// Stats reports the runtime's current load for the health monitor.
func (r *Runtime) Stats() Stats {
	return Stats{
		Module:   r.mf.Name,
		Pending:  int(r.pending.Load()),
		Ticks:    r.seq.Load(),
		Errors:   r.errs.Load(),
		LastTick: time.UnixMilli(r.lastTick.Load()),
	}
}

// Run executes the module until ctx is cancelled or a fatal error exits the
// worker. The fatal path publishes failed, enqueues a restart request, waits
// the restart backoff, and returns the error; the supervisor keeps the other
// workers alive.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		return err
	}
	r.emitLifecycle(ctx, "started", "")
	r.log.Info().Str("version", r.mf.Version).Msg("module started")

	if starter, ok := r.module.(Starter); ok {
		if err := r.runBounded(ctx, "start", func(c context.Context) error {
			return starter.Start(c)
		}); err != nil {
			return r.fail(ctx, err)
		}
	}

	fatal := make(chan error, 1)
	var wg sync.WaitGroup

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.mf.TickInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.tickLoop(loopCtx, fatal)
		}()
	}
	for _, channel := range r.mf.Subscriptions {
		sub, err := r.bus.Subscribe(loopCtx, channel)
		if err != nil {
			cancel()
			wg.Wait()
			return r.fail(ctx, errkind.Wrap(errkind.Fatal, "subscribe "+channel, err))
		}
		wg.Add(1)
		go func(sub *bus.Subscription) {
			defer wg.Done()
			defer sub.Close()
			r.subscriptionLoop(loopCtx, sub, fatal)
		}(sub)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(loopCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-fatal:
		cancel()
	}

	// Drain: loops observe cancellation, finish in-flight work, and exit.
	wg.Wait()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	if closer, ok := r.module.(Closer); ok {
		if err := closer.Close(drainCtx); err != nil {
			r.log.Warn().Err(err).Msg("module close failed")
		}
	}

	if runErr != nil {
		return r.fail(drainCtx, runErr)
	}
	r.emitLifecycle(drainCtx, "stopped", "")
	r.deregister(drainCtx)
	r.log.Info().Msg("module stopped")
	return nil
}

func (r *Runtime) tickLoop(ctx context.Context, fatal chan<- error) {
	ticker := time.NewTicker(r.mf.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			info, err := r.beginIteration(ctx, now)
			if err != nil {
				r.recordError("tick", err, "")
				continue
			}
			err = r.withRetry(ctx, func(c context.Context) error {
				return r.runBounded(c, "tick", func(cc context.Context) error {
					return r.module.Tick(cc, info)
				})
			})
			r.finishIteration("tick", err, "")
			if err != nil && errkind.KindOf(err).FatalForWorker() {
				select {
				case fatal <- err:
				default:
				}
				return
			}
		}
	}
}

func (r *Runtime) subscriptionLoop(ctx context.Context, sub *bus.Subscription, fatal chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			r.pending.Store(int64(len(sub.Messages())))
			info, err := r.beginIteration(ctx, time.Now())
			if err != nil {
				r.recordError("on_message", err, msg.Channel)
				continue
			}
			err = r.withRetry(ctx, func(c context.Context) error {
				return r.runBounded(c, "on_message", func(cc context.Context) error {
					return r.module.OnMessage(cc, info, msg)
				})
			})
			if r.opts.Metrics != nil {
				r.opts.Metrics.MessageTotal.WithLabelValues(r.mf.Name, msg.Channel).Inc()
			}
			r.finishIteration("on_message", err, msg.Channel)
			if err != nil && errkind.KindOf(err).FatalForWorker() {
				select {
				case fatal <- err:
				default:
				}
				return
			}
		}
	}
}

// beginIteration runs the shared per-iteration preamble: chaos gate, then the
// tenant's current morphic mode.
func (r *Runtime) beginIteration(ctx context.Context, now time.Time) (TickInfo, error) {
	info := TickInfo{Now: now, Seq: r.seq.Add(1)}
	if r.opts.Chaos != nil {
		if err := r.opts.Chaos.Check(r.mf.Name); err != nil {
			// The injected failure stays in the chain; the recorded kind is
			// the trip itself.
			return info, errkind.Wrap(errkind.ChaosTrip, r.mf.Name+".iteration", err)
		}
	}
	if r.opts.Mode != nil && r.mf.Tenant != "" {
		snap, err := r.opts.Mode.Snapshot(ctx, r.mf.Tenant)
		if err != nil {
			// A missing mode record means defaults, not a dead iteration.
			r.log.Debug().Err(err).Msg("mode read failed, using defaults")
		} else {
			info.Mode = snap
		}
	}
	return info, nil
}

// runBounded applies the module deadline and converts expiry and panics into
// classified errors.
func (r *Runtime) runBounded(ctx context.Context, action string, fn func(context.Context) error) (err error) {
	bounded, cancel := context.WithTimeout(ctx, r.opts.MaxTickDuration)
	defer cancel()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = errkind.Newf(errkind.Fatal, "panic in %s: %v", action, p)
		}
		if r.opts.Metrics != nil {
			r.opts.Metrics.ObserveTick(r.mf.Name, time.Since(start))
		}
		r.lastTick.Store(time.Now().UnixMilli())
	}()

	err = fn(bounded)
	if bounded.Err() == context.DeadlineExceeded {
		return errkind.Wrap(errkind.Timeout, r.mf.Name+"."+action, bounded.Err())
	}
	return err
}

// withRetry retries transient failures with exponential backoff up to the
// configured budget. Terminal and fatal kinds pass through untouched.
func (r *Runtime) withRetry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	backoff := r.opts.RetryBackoff
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err = fn(ctx)
		if err == nil || !errkind.KindOf(err).Transient() {
			return err
		}
		r.log.Warn().Err(err).Int("attempt", attempt+1).Msg("transient failure, retrying")
	}
	return err
}

func (r *Runtime) finishIteration(action string, err error, channel string) {
	if err == nil {
		return
	}
	r.recordError(action, err, channel)
}

func (r *Runtime) recordError(action string, err error, channel string) {
	r.errs.Add(1)
	kind := errkind.KindOf(err)
	if r.opts.Metrics != nil {
		r.opts.Metrics.CountError(r.mf.Name, string(kind))
	}
	evt := r.log.Warn()
	if kind.FatalForWorker() {
		evt = r.log.Error()
	}
	evt.Str("action", action).
		Str("status", "error").
		Str("error_kind", string(kind)).
		Str("channel", channel).
		Err(err).
		Msg("iteration failed")
}

// fail runs the fatal protocol: failed event, restart request, backoff, exit.
func (r *Runtime) fail(ctx context.Context, err error) error {
	r.emitLifecycle(ctx, "failed", err.Error())
	r.requestRestart(ctx, err.Error())
	r.log.Error().Err(err).Dur("backoff", r.opts.RestartBackoff).Msg("module failed, exiting after backoff")
	time.Sleep(r.opts.RestartBackoff)
	return err
}

func (r *Runtime) emitLifecycle(ctx context.Context, status, reason string) {
	evt := events.Event{
		Type:      (&events.LifecycleData{Status: status}).EventType(),
		Timestamp: time.Now().UTC(),
		Module:    r.mf.Name,
		Data: &events.LifecycleData{
			Module:  r.mf.Name,
			Version: r.mf.Version,
			Status:  status,
			Reason:  reason,
		},
	}
	r.publishEvent(ctx, events.ChannelLifecycle, &evt)
}

func (r *Runtime) requestRestart(ctx context.Context, reason string) {
	evt := events.Event{
		Type:      events.RestartRequested,
		Timestamp: time.Now().UTC(),
		Module:    r.mf.Name,
		Data: &events.RestartRequestData{
			Module: r.mf.Name,
			Reason: reason,
		},
	}
	r.publishEvent(ctx, events.ChannelRestartQueue, &evt)
}

// publishEvent bypasses the namespace guard: lifecycle channels belong to the
// runtime itself, not to the module's declared set.
func (r *Runtime) publishEvent(ctx context.Context, channel string, evt *events.Event) {
	raw, err := json.Marshal(evt)
	if err != nil {
		r.log.Error().Err(err).Msg("event encode failed")
		return
	}
	if err := r.opts.Bus.Publish(ctx, channel, raw); err != nil {
		r.log.Warn().Err(err).Str("channel", channel).Msg("event publish failed")
	}
}

func (r *Runtime) register(ctx context.Context) error {
	if r.opts.Registrar == nil {
		return nil
	}
	if err := r.opts.Registrar.Register(ctx, r.mf); err != nil {
		return errkind.Wrap(errkind.Fatal, "register "+r.mf.Name, err)
	}
	return nil
}

func (r *Runtime) deregister(ctx context.Context) {
	if r.opts.Registrar == nil {
		return
	}
	if err := r.opts.Registrar.Deregister(ctx, r.mf.Name); err != nil {
		r.log.Warn().Err(err).Msg("deregister failed")
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	if r.opts.Registrar == nil {
		return
	}
	ticker := time.NewTicker(r.opts.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.opts.Registrar.Heartbeat(ctx, r.mf.Name); err != nil {
				r.log.Warn().Err(err).Msg("registry heartbeat failed")
			}
		}
	}
}
