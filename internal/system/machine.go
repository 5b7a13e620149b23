// Package system runs the process-wide state machine: Normal, Degraded,
// Hibernating, Recovered. Degradation is inferred from the event streams
// (health violations across modules, region failover, rate-limit storms);
// hibernation follows any kill-switch broadcast and only an explicit admin
// resume leaves it, passing through Recovered with a written recovery report.
package system

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

// ModuleMachine names the state machine in manifests and events.
const ModuleMachine = "system-state"

// StateKey holds the current state name; the ops API and the control CLI
// read it.
var StateKey = namespace.Infra("system_state")

// State is one machine position.
type State string

const (
	StateNormal      State = "normal"
	StateDegraded    State = "degraded"
	StateHibernating State = "hibernating"
	StateRecovered   State = "recovered"
)

// States lists every position for gauge resets and validation.
var States = []State{StateNormal, StateDegraded, StateHibernating, StateRecovered}

const (
	dropRateLimited = "rate_limited"
	// violationWindow is how long one module's violation keeps counting
	// toward the degradation threshold.
	violationWindow = 5 * time.Minute
)

// Machine is the state machine module. All transitions are serialized under
// one mutex; the bus writes and event publishes happen outside it.
type Machine struct {
	bus      bus.Bus
	reporter *Reporter
	m        *metrics.Metrics
	log      zerolog.Logger

	tenants         []string
	degradedModules int // distinct violating modules that mean Degraded

	// Rate-limit storm knobs. Exceeding stormThreshold gated signals
	// within stormWindow degrades the system.
	stormThreshold int
	stormWindow    time.Duration

	mu           sync.Mutex
	state        State
	failover     bool
	violators    map[string]time.Time
	rateDrops    []time.Time
	hibernatedAt time.Time
	steps        []string
}

// NewMachine builds the state machine. The degradation threshold comes from
// the health config; storm knobs default to 20 gated signals a minute.
func NewMachine(cfg config.HealthConfig, tenants []string, reporter *Reporter, m *metrics.Metrics, log zerolog.Logger) *Machine {
	k := cfg.DegradedModules
	if k <= 0 {
		k = 3
	}
	return &Machine{
		reporter:        reporter,
		m:               m,
		log:             log.With().Str("module", ModuleMachine).Logger(),
		tenants:         tenants,
		degradedModules: k,
		stormThreshold:  20,
		stormWindow:     time.Minute,
		state:           StateNormal,
		violators:       make(map[string]time.Time),
	}
}

// BindBus receives the namespace-guarded bus view from the runtime.
func (sm *Machine) BindBus(b bus.Bus) { sm.bus = b }

func (sm *Machine) Manifest() runtime.Manifest {
	subs := []string{
		events.ChannelAlert,
		events.ChannelLifecycle,
		events.ChannelViolations,
		events.ChannelRestartQueue,
		events.ChannelControlManual,
	}
	for _, t := range sm.tenants {
		subs = append(subs, events.TenantControlChannel(t))
	}
	return runtime.Manifest{
		Name:             ModuleMachine,
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeMonitor,
		TickInterval:     10 * time.Second,
		DeclaredKeys:     []string{StateKey},
		DeclaredChannels: []string{events.ChannelLifecycle},
		Subscriptions:    subs,
	}
}

// Start stamps the initial state so readers never see a missing key.
func (sm *Machine) Start(ctx context.Context) error {
	sm.setGauge(StateNormal)
	return sm.bus.SetDurable(ctx, StateKey, string(StateNormal))
}

// State reports the current machine position.
func (sm *Machine) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Tick expires stale evidence and re-evaluates. This is what brings the
// machine back to Normal when a degradation cause drains away.
func (sm *Machine) Tick(ctx context.Context, info runtime.TickInfo) error {
	sm.evaluate(ctx, info.Now)
	return nil
}

func (sm *Machine) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	switch {
	case msg.Channel == events.ChannelControlManual:
		sm.onManual(ctx, info.Now, msg.Payload)
		return nil
	case strings.HasSuffix(msg.Channel, ":control"):
		sm.onKillSwitch(ctx, info.Now, msg.Payload)
		return nil
	}

	var evt events.Event
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return nil
	}
	switch data := evt.Data.(type) {
	case *events.FailoverData:
		sm.mu.Lock()
		sm.failover = data.Active
		sm.note("region failover active: " + data.Reason)
		sm.mu.Unlock()
	case *events.SignalDropData:
		if data.Kind != dropRateLimited {
			return nil
		}
		sm.mu.Lock()
		sm.rateDrops = append(sm.rateDrops, info.Now)
		sm.mu.Unlock()
	case *events.RestartRequestData:
		sm.noteViolation(info.Now, data.Module)
	case *events.ViolationData:
		sm.noteViolation(info.Now, data.Module)
	case *events.LifecycleData:
		if evt.Type == events.ModuleFailed {
			sm.noteViolation(info.Now, data.Module)
		}
	default:
		return nil
	}
	sm.evaluate(ctx, info.Now)
	return nil
}

func (sm *Machine) noteViolation(now time.Time, module string) {
	if module == "" {
		return
	}
	sm.mu.Lock()
	sm.violators[module] = now
	sm.mu.Unlock()
}

// onKillSwitch reacts to hibernate broadcasts on the tenant control channels.
func (sm *Machine) onKillSwitch(ctx context.Context, now time.Time, payload []byte) {
	cmd, err := signal.DecodeControl(payload)
	if err != nil || cmd.Action != signal.ActionHibernate {
		return
	}
	cause := "kill-switch: " + cmd.Args["reason"]
	if cmd.Args["reason"] == "" {
		cause = "kill-switch broadcast"
	}
	sm.hibernate(ctx, now, cause)
}

// onManual handles operator commands. halt hibernates everything; resume is
// the only way out.
func (sm *Machine) onManual(ctx context.Context, now time.Time, payload []byte) {
	cmd, err := signal.DecodeControl(payload)
	if err != nil {
		return
	}
	switch cmd.Action {
	case signal.ActionHalt:
		sm.hibernate(ctx, now, "admin halt")
	case signal.ActionResume:
		sm.resume(ctx, now)
	}
}

func (sm *Machine) hibernate(ctx context.Context, now time.Time, cause string) {
	sm.mu.Lock()
	if sm.state == StateHibernating {
		sm.note("further kill-switch while hibernating: " + cause)
		sm.mu.Unlock()
		return
	}
	from := sm.state
	sm.state = StateHibernating
	sm.hibernatedAt = now
	sm.steps = []string{"hibernation entered: " + cause}
	sm.mu.Unlock()

	sm.commit(ctx, from, StateHibernating, cause)
}

// resume leaves Hibernating, writes the recovery report, and passes through
// Recovered back to a cause-derived steady state.
func (sm *Machine) resume(ctx context.Context, now time.Time) {
	sm.mu.Lock()
	if sm.state != StateHibernating {
		sm.mu.Unlock()
		return
	}
	sm.state = StateRecovered
	started := sm.hibernatedAt
	steps := append(sm.steps, "admin resume received", "modules released from hibernation")
	sm.steps = nil
	sm.mu.Unlock()

	sm.commit(ctx, StateHibernating, StateRecovered, "admin resume")

	outcome := "resumed"
	duration := now.Sub(started)
	if err := sm.reporter.Write(steps, outcome, started, now); err != nil {
		sm.log.Error().Err(err).Msg("recovery report not written")
	}
	sm.publish(ctx, events.Event{
		Type:      events.RecoveryCompleted,
		Timestamp: now.UTC(),
		Module:    ModuleMachine,
		Data: &events.RecoveryData{
			Steps:      steps,
			Outcome:    outcome,
			DurationMs: duration.Milliseconds(),
		},
	})

	sm.evaluate(ctx, now)
}

// evaluate recomputes the steady state from current evidence. Hibernation is
// sticky and never left here.
func (sm *Machine) evaluate(ctx context.Context, now time.Time) {
	sm.mu.Lock()
	if sm.state == StateHibernating {
		sm.mu.Unlock()
		return
	}

	for module, at := range sm.violators {
		if now.Sub(at) > violationWindow {
			delete(sm.violators, module)
		}
	}
	kept := sm.rateDrops[:0]
	for _, at := range sm.rateDrops {
		if now.Sub(at) <= sm.stormWindow {
			kept = append(kept, at)
		}
	}
	sm.rateDrops = kept

	target, cause := StateNormal, ""
	switch {
	case sm.failover:
		target, cause = StateDegraded, "region failover"
	case len(sm.violators) >= sm.degradedModules:
		target, cause = StateDegraded, "health violations across modules"
	case len(sm.rateDrops) >= sm.stormThreshold:
		target, cause = StateDegraded, "rate-limit storm"
	}

	if target == sm.state {
		sm.mu.Unlock()
		return
	}
	from := sm.state
	sm.state = target
	sm.mu.Unlock()

	sm.commit(ctx, from, target, cause)
}

// note appends a hibernation step. Caller holds sm.mu.
func (sm *Machine) note(step string) {
	if sm.state == StateHibernating {
		sm.steps = append(sm.steps, step)
	}
}

// commit makes a transition visible: gauge, durable key, event, log.
func (sm *Machine) commit(ctx context.Context, from, to State, cause string) {
	sm.setGauge(to)
	if err := sm.bus.SetDurable(ctx, StateKey, string(to)); err != nil {
		sm.log.Warn().Err(err).Msg("state key write failed")
	}
	sm.publish(ctx, events.Event{
		Type:      events.SystemStateChanged,
		Timestamp: time.Now().UTC(),
		Module:    ModuleMachine,
		Data:      &events.SystemStateData{From: string(from), To: string(to), Cause: cause},
	})
	sm.log.Warn().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("cause", cause).
		Msg("system state changed")
}

func (sm *Machine) setGauge(active State) {
	for _, s := range States {
		v := 0.0
		if s == active {
			v = 1
		}
		sm.m.SystemState.WithLabelValues(string(s)).Set(v)
	}
}

func (sm *Machine) publish(ctx context.Context, evt events.Event) {
	raw, err := json.Marshal(&evt)
	if err != nil {
		return
	}
	if err := sm.bus.Publish(ctx, events.ChannelLifecycle, raw); err != nil {
		sm.log.Warn().Err(err).Msg("state event not published")
	}
}
