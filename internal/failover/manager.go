// Package failover decides when bus traffic leaves the primary region. The
// manager probes the primary backend and an optional external region health
// endpoint; when the primary is unreachable past the heartbeat window and the
// secondary answers, it flips the bus adapter and marks
// titan:infra:failover_active so every process observes the redirect.
package failover

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/health"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/runtime"
)

// ModuleManager names the manager in manifests, events, and alerts.
const ModuleManager = "failover-manager"

// ActiveKey marks redirected traffic. The ops API and the system state
// machine read it; only this manager writes it.
var ActiveKey = namespace.Infra("failover_active")

// recoveryStableTicks is how many consecutive healthy primary probes must
// pass before traffic returns. One blip resets the count.
const recoveryStableTicks = 3

// Manager is the region failover module. It needs the concrete adapter for
// the probe and activation calls; ordinary reads and writes go through the
// guarded view like any other module.
type Manager struct {
	fb  *bus.FailoverBus
	bus bus.Bus

	cfg       config.FailoverConfig
	deadAfter time.Duration // heartbeat age past which the primary is dead
	client    *http.Client
	m         *metrics.Metrics
	log       zerolog.Logger

	upTicks int // consecutive healthy primary probes while on secondary
}

// NewManager builds the failover manager. heartbeatInterval is the redis
// heartbeat cadence; the primary counts as dead once the stamp is older than
// twice that.
func NewManager(fb *bus.FailoverBus, cfg config.FailoverConfig, heartbeatInterval time.Duration, m *metrics.Metrics, log zerolog.Logger) *Manager {
	return &Manager{
		fb:        fb,
		cfg:       cfg,
		deadAfter: 2 * heartbeatInterval,
		client:    &http.Client{Timeout: 5 * time.Second},
		m:         m,
		log:       log.With().Str("module", ModuleManager).Logger(),
	}
}

// BindBus receives the namespace-guarded bus view from the runtime.
func (f *Manager) BindBus(b bus.Bus) { f.bus = b }

func (f *Manager) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:             ModuleManager,
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeMonitor,
		TickInterval:     f.cfg.CheckInterval,
		DeclaredKeys:     []string{ActiveKey},
		DeclaredChannels: []string{events.ChannelLifecycle, events.ChannelAlert},
	}
}

func (f *Manager) Tick(ctx context.Context, info runtime.TickInfo) error {
	if f.fb.OnSecondary() {
		return f.tickRecovery(ctx)
	}
	return f.tickWatch(ctx, info.Now)
}

func (f *Manager) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	return nil
}

// tickWatch runs while traffic is on the primary. The flip needs three facts:
// the primary does not answer, the heartbeat stamp is past the dead window,
// and the secondary answers. A region endpoint failing while the bus is
// healthy only alerts; redirecting bus traffic cannot fix it.
func (f *Manager) tickWatch(ctx context.Context, now time.Time) error {
	if err := f.fb.PingPrimary(ctx); err == nil {
		if !f.externalHealthy(ctx) {
			f.log.Warn().Str("url", f.cfg.ExternalHealthURL).Msg("region health endpoint failing while bus is healthy")
			f.alert(ctx, "warning", "region health endpoint failing while bus is healthy")
		}
		return nil
	}

	age := health.Age(ctx, f.bus, now)
	if age <= f.deadAfter {
		f.log.Warn().Dur("heartbeat_age", age).Msg("primary not answering, heartbeat still within window")
		return nil
	}

	if err := f.fb.PingSecondary(ctx); err != nil {
		f.log.Error().Err(err).Msg("primary dead and secondary unreachable")
		f.alert(ctx, "critical", "primary dead and secondary unreachable")
		return errkind.Wrap(errkind.TransientUnavailable, "failover.secondary", err)
	}

	reason := "primary unreachable beyond heartbeat window"
	if !f.externalHealthy(ctx) {
		reason = "region down: bus and health endpoint unreachable"
	}
	if err := f.fb.ActivateSecondary(ctx); err != nil {
		return errkind.Wrap(errkind.TransientUnavailable, "failover.activate", err)
	}
	// The write lands on the secondary, which is where readers are now.
	if err := f.bus.SetDurable(ctx, ActiveKey, "true"); err != nil {
		return err
	}
	f.m.FailoverActive.Set(1)
	f.announce(ctx, true, reason)
	f.log.Error().Str("reason", reason).Msg("bus traffic redirected to secondary region")
	return nil
}

// tickRecovery runs while traffic is on the secondary. The primary must
// answer recoveryStableTicks probes in a row before traffic returns.
func (f *Manager) tickRecovery(ctx context.Context) error {
	if err := f.fb.PingPrimary(ctx); err != nil {
		f.upTicks = 0
		return nil
	}
	f.upTicks++
	if f.upTicks < recoveryStableTicks {
		return nil
	}
	f.upTicks = 0

	if err := f.fb.ActivatePrimary(ctx); err != nil {
		return errkind.Wrap(errkind.TransientUnavailable, "failover.restore", err)
	}
	if err := f.bus.SetDurable(ctx, ActiveKey, "false"); err != nil {
		return err
	}
	f.m.FailoverActive.Set(0)
	f.announce(ctx, false, "primary stable")
	f.log.Info().Msg("bus traffic returned to primary region")
	return nil
}

// externalHealthy probes the configured region endpoint. No endpoint means
// no opinion, which reads as healthy.
func (f *Manager) externalHealthy(ctx context.Context) bool {
	if f.cfg.ExternalHealthURL == "" {
		return true
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.ExternalHealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (f *Manager) announce(ctx context.Context, active bool, reason string) {
	evt := events.Event{
		Type:      events.FailoverChanged,
		Timestamp: time.Now().UTC(),
		Module:    ModuleManager,
		Data:      &events.FailoverData{Active: active, Reason: reason},
	}
	raw, err := json.Marshal(&evt)
	if err != nil {
		return
	}
	if err := f.bus.Publish(ctx, events.ChannelLifecycle, raw); err != nil {
		f.log.Warn().Err(err).Msg("failover event not published")
	}
}

func (f *Manager) alert(ctx context.Context, severity, message string) {
	evt := events.Event{
		Type:      events.AlertRaised,
		Timestamp: time.Now().UTC(),
		Module:    ModuleManager,
		Data:      &events.AlertData{Severity: severity, Module: ModuleManager, Message: message},
	}
	raw, err := json.Marshal(&evt)
	if err != nil {
		return
	}
	if err := f.bus.Publish(ctx, events.ChannelAlert, raw); err != nil {
		f.log.Warn().Err(err).Msg("alert not published")
	}
}
