package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

// Restarter relaunches exited runtimes by name; the supervisor implements it.
type Restarter interface {
	Restart(name string) error
	IsRunning(name string) bool
}

// RestartQueue consumes restart requests, delays each by RESTART_DELAY, and
// enforces the MAX_RETRIES budget. Exhausted modules are dropped with an
// alert and never restarted again.
type RestartQueue struct {
	bus       bus.Bus
	log       zerolog.Logger
	metrics   *metrics.Metrics
	cfg       config.HealthConfig
	restarter Restarter

	// mu guards the three maps below; the sweep runs on the tick goroutine
	// while requests arrive on the subscription goroutines.
	mu       sync.Mutex
	attempts map[string]int
	due      map[string]time.Time
	dropped  map[string]bool
}

// NewRestartQueue builds the queue over the given restarter.
func NewRestartQueue(cfg config.HealthConfig, restarter Restarter, m *metrics.Metrics, log zerolog.Logger) *RestartQueue {
	return &RestartQueue{
		log:       log.With().Str("component", "restart-queue").Logger(),
		metrics:   m,
		cfg:       cfg,
		restarter: restarter,
		attempts:  make(map[string]int),
		due:       make(map[string]time.Time),
		dropped:   make(map[string]bool),
	}
}

// BindBus receives the guarded bus view.
func (q *RestartQueue) BindBus(b bus.Bus) { q.bus = b }

// Manifest declares the intake subscription and the sweep cadence.
func (q *RestartQueue) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:         "restart-queue",
		Version:      "1.0.0",
		Creator:      "core",
		Type:         runtime.TypeMonitor,
		TickInterval: time.Second,
		Subscriptions: []string{
			events.ChannelRestartQueue,
			events.ChannelLifecycle,
			events.ChannelControlManual,
		},
		DeclaredChannels: []string{events.ChannelAlert},
	}
}

// OnMessage enqueues restart requests and resets budgets on clean starts.
// Operator restarts arrive on the manual channel and reset the budget, so a
// dropped module can be brought back deliberately.
func (q *RestartQueue) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	if msg.Channel == events.ChannelControlManual {
		q.onManual(msg.Payload)
		return nil
	}

	var evt events.Event
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		q.log.Warn().Err(err).Str("channel", msg.Channel).Msg("undecodable event")
		return nil
	}

	switch data := evt.Data.(type) {
	case *events.RestartRequestData:
		q.enqueue(ctx, data.Module, data.Reason)
	case *events.LifecycleData:
		// A clean start means the last restart took; the budget resets.
		if data.Status == "started" {
			q.mu.Lock()
			delete(q.attempts, data.Module)
			q.mu.Unlock()
		}
	}
	return nil
}

// Tick executes every due restart. The due set is drained under the lock;
// the restarts themselves run outside it so a slow relaunch never stalls
// message intake.
func (q *RestartQueue) Tick(ctx context.Context, info runtime.TickInfo) error {
	q.mu.Lock()
	ready := make(map[string]int)
	for module, at := range q.due {
		if info.Now.Before(at) {
			continue
		}
		delete(q.due, module)
		q.attempts[module]++
		ready[module] = q.attempts[module]
	}
	q.mu.Unlock()

	for module, attempt := range ready {
		if q.restarter != nil && q.restarter.IsRunning(module) {
			q.log.Debug().Str("module", module).Msg("module already running, restart skipped")
			continue
		}
		if q.metrics != nil {
			q.metrics.RestartsTotal.WithLabelValues(module).Inc()
		}
		q.log.Info().Str("module", module).Int("attempt", attempt).Msg("restarting module")
		if q.restarter != nil {
			if err := q.restarter.Restart(module); err != nil {
				q.log.Error().Str("module", module).Err(err).Msg("restart failed")
			}
		}
	}
	return nil
}

func (q *RestartQueue) onManual(payload []byte) {
	cmd, err := signal.DecodeControl(payload)
	if err != nil || cmd.Action != signal.ActionRestart {
		return
	}
	module := cmd.Args["module"]
	if module == "" {
		q.log.Warn().Msg("manual restart without a module name ignored")
		return
	}
	q.mu.Lock()
	delete(q.dropped, module)
	delete(q.attempts, module)
	q.due[module] = time.Now().Add(q.cfg.RestartDelay)
	q.mu.Unlock()
	q.log.Info().Str("module", module).Msg("operator restart queued, budget reset")
}

func (q *RestartQueue) enqueue(ctx context.Context, module, reason string) {
	q.mu.Lock()
	if q.dropped[module] {
		q.mu.Unlock()
		return
	}
	if q.attempts[module] >= q.cfg.MaxRetries {
		q.mu.Unlock()
		q.drop(ctx, module)
		return
	}
	if _, pending := q.due[module]; pending {
		q.mu.Unlock()
		return
	}
	q.due[module] = time.Now().Add(q.cfg.RestartDelay)
	q.mu.Unlock()
	q.log.Info().Str("module", module).Str("reason", reason).
		Dur("delay", q.cfg.RestartDelay).Msg("restart queued")
}

// drop retires the module from the restart pipeline and raises the alert.
func (q *RestartQueue) drop(ctx context.Context, module string) {
	q.mu.Lock()
	q.dropped[module] = true
	delete(q.due, module)
	attempts := q.attempts[module]
	q.mu.Unlock()
	if q.metrics != nil {
		q.metrics.ModulesDropped.WithLabelValues(module).Inc()
	}
	q.log.Error().Str("module", module).Int("attempts", attempts).
		Msg("restart budget exhausted, module dropped")

	for _, evt := range []events.Event{
		{
			Type:      events.ModuleDropped,
			Timestamp: time.Now().UTC(),
			Module:    "restart-queue",
			Data:      &events.ModuleDroppedData{Module: module, Attempts: attempts},
		},
		{
			Type:      events.AlertRaised,
			Timestamp: time.Now().UTC(),
			Module:    "restart-queue",
			Data: &events.AlertData{
				Severity: "critical",
				Module:   module,
				Message:  fmt.Sprintf("module dropped after %d restart attempts", attempts),
			},
		},
	} {
		raw, err := json.Marshal(&evt)
		if err != nil {
			continue
		}
		if err := q.bus.Publish(ctx, events.ChannelAlert, raw); err != nil {
			q.log.Warn().Err(err).Msg("drop alert publish failed")
		}
	}
}

// Dropped reports whether the module exhausted its budget.
func (q *RestartQueue) Dropped(module string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped[module]
}
