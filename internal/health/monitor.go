// Package health scores every registered module from four indicators and
// drives the restart pipeline: low scores request restarts, repeated triggers
// escalate to canary and retired, and the restart queue enforces the retry
// budget. The package also owns the bus heartbeat the failover manager
// watches and the TTL sweeper that keeps transient domains from growing
// without bound.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/registry"
	"github.com/titanlabs/titan/internal/runtime"
)

// Indicator names under titan:health:{module}:{indicator}.
const (
	IndicatorTTLDecay = "ttl_decay"
	IndicatorPending  = "pending_leak"
	IndicatorMemory   = "memory"
	IndicatorCPU      = "cpu"
	IndicatorScore    = "score"
)

// indicatorWeight gives the four indicators equal say in the overall score.
const indicatorWeight = 0.25

// StatsSource exposes per-runtime load; the supervisor implements it.
type StatsSource interface {
	Stats() []runtime.Stats
}

// Sampler reads process resource usage. The default wraps gopsutil; tests
// substitute fixed values.
type Sampler interface {
	MemoryMB() (float64, error)
	CPUPercent() (float64, error)
}

type processSampler struct {
	proc *process.Process
}

func newProcessSampler() (*processSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &processSampler{proc: p}, nil
}

func (s *processSampler) MemoryMB() (float64, error) {
	info, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return float64(info.RSS) / (1024 * 1024), nil
}

func (s *processSampler) CPUPercent() (float64, error) {
	// Percent(0) reports usage since the previous call, so the first tick
	// reads low and the series settles by the second.
	return s.proc.Percent(0)
}

// Monitor scores every active module each interval and requests restarts for
// the unhealthy ones.
type Monitor struct {
	bus     bus.Bus
	reg     *registry.Registry
	log     zerolog.Logger
	metrics *metrics.Metrics
	cfg     config.HealthConfig

	source   StatsSource
	sampler  Sampler
	queueCap int

	consecutive map[string]int
	escalations map[string]int
	retired     map[string]bool
}

// NewMonitor builds the health monitor. queueCap is the subscription buffer
// size the pending-leak indicator normalizes against.
func NewMonitor(cfg config.HealthConfig, source StatsSource, queueCap int, m *metrics.Metrics, log zerolog.Logger) *Monitor {
	mon := &Monitor{
		log:         log.With().Str("component", "health-monitor").Logger(),
		metrics:     m,
		cfg:         cfg,
		source:      source,
		queueCap:    queueCap,
		consecutive: make(map[string]int),
		escalations: make(map[string]int),
		retired:     make(map[string]bool),
	}
	if sampler, err := newProcessSampler(); err == nil {
		mon.sampler = sampler
	}
	return mon
}

// SetSampler replaces the resource sampler.
func (m *Monitor) SetSampler(s Sampler) { m.sampler = s }

// BindBus receives the guarded bus view.
func (m *Monitor) BindBus(b bus.Bus) {
	m.bus = b
	m.reg = registry.New(b, m.log)
}

// Manifest declares the scoring loop.
func (m *Monitor) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:         "health-monitor",
		Version:      "1.0.0",
		Creator:      "core",
		Type:         runtime.TypeMonitor,
		TickInterval: m.cfg.MonitorInterval,
		DeclaredKeys: []string{"titan:health:*", "titan:registry:status:*"},
		DeclaredChannels: []string{
			events.ChannelRestartQueue,
			events.ChannelAlert,
		},
	}
}

// Tick scores every active module.
func (m *Monitor) Tick(ctx context.Context, info runtime.TickInfo) error {
	statuses, err := m.reg.Statuses(ctx)
	if err != nil {
		return err
	}

	stats := make(map[string]runtime.Stats)
	if m.source != nil {
		for _, s := range m.source.Stats() {
			stats[s.Module] = s
		}
	}

	memScore, cpuScore := m.resourceScores()

	for name, st := range statuses {
		if name == "health-monitor" || st.State == registry.StateStopped || m.retired[name] {
			continue
		}
		ttlScore := m.heartbeatScore(info.Now, st)
		pendingScore := m.pendingScore(stats[name])

		score := indicatorWeight*ttlScore + indicatorWeight*pendingScore +
			indicatorWeight*memScore + indicatorWeight*cpuScore

		if err := m.writeIndicators(ctx, name, map[string]float64{
			IndicatorTTLDecay: ttlScore,
			IndicatorPending:  pendingScore,
			IndicatorMemory:   memScore,
			IndicatorCPU:      cpuScore,
			IndicatorScore:    score,
		}); err != nil {
			return err
		}
		if m.metrics != nil {
			m.metrics.HealthScore.WithLabelValues(name).Set(score)
		}

		if score >= m.cfg.ScoreThreshold {
			m.consecutive[name] = 0
			continue
		}
		if err := m.trigger(ctx, name, score); err != nil {
			return err
		}
	}
	return nil
}

// OnMessage is unused; the monitor only observes.
func (m *Monitor) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	return nil
}

// heartbeatScore decays from 1 to 0 as the status heartbeat ages past four
// intervals, mirroring a TTL running out.
func (m *Monitor) heartbeatScore(now time.Time, st registry.Status) float64 {
	if st.HeartbeatAt == 0 {
		return 0
	}
	age := now.Sub(time.UnixMilli(st.HeartbeatAt))
	horizon := 4 * m.cfg.HeartbeatInterval
	if horizon <= 0 {
		return 1
	}
	return clamp01(1 - age.Seconds()/horizon.Seconds())
}

// pendingScore degrades as the module's subscription backlog approaches the
// queue capacity.
func (m *Monitor) pendingScore(st runtime.Stats) float64 {
	if m.queueCap <= 0 || st.Module == "" {
		return 1
	}
	return clamp01(1 - float64(st.Pending)/float64(m.queueCap))
}

func (m *Monitor) resourceScores() (memScore, cpuScore float64) {
	memScore, cpuScore = 1, 1
	if m.sampler == nil {
		return
	}
	if rss, err := m.sampler.MemoryMB(); err == nil && m.cfg.MemoryLimitMB > 0 {
		memScore = clamp01(1 - rss/m.cfg.MemoryLimitMB)
	}
	if pct, err := m.sampler.CPUPercent(); err == nil && m.cfg.CPULimitPercent > 0 {
		cpuScore = clamp01(1 - pct/m.cfg.CPULimitPercent)
	}
	return
}

func (m *Monitor) writeIndicators(ctx context.Context, module string, values map[string]float64) error {
	ttl := 2 * m.cfg.MonitorInterval
	for indicator, value := range values {
		key := namespace.Health(module, indicator)
		if err := m.bus.Set(ctx, key, fmt.Sprintf("%.4f", value), ttl); err != nil {
			return err
		}
	}
	return nil
}

// trigger requests one restart and walks the canary/retired escalation.
func (m *Monitor) trigger(ctx context.Context, module string, score float64) error {
	m.consecutive[module]++
	m.escalations[module]++

	m.log.Warn().Str("module", module).Float64("score", score).
		Int("consecutive", m.consecutive[module]).Int("escalations", m.escalations[module]).
		Msg("module unhealthy")

	if m.escalations[module] >= m.cfg.RetireAfter {
		m.retired[module] = true
		if err := m.reg.MarkState(ctx, module, registry.StateRetired); err != nil {
			return err
		}
		return m.alert(ctx, "critical", module,
			fmt.Sprintf("module retired after %d health escalations", m.escalations[module]))
	}
	if m.consecutive[module] == m.cfg.CanaryAfter {
		if err := m.reg.MarkState(ctx, module, registry.StateCanary); err != nil {
			return err
		}
		if err := m.alert(ctx, "warning", module,
			fmt.Sprintf("module in canary after %d consecutive triggers", m.consecutive[module])); err != nil {
			return err
		}
	}

	evt := events.Event{
		Type:      events.RestartRequested,
		Timestamp: time.Now().UTC(),
		Module:    "health-monitor",
		Data: &events.RestartRequestData{
			Module: module,
			Reason: fmt.Sprintf("health score %.2f below %.2f", score, m.cfg.ScoreThreshold),
		},
	}
	raw, err := json.Marshal(&evt)
	if err != nil {
		return err
	}
	return m.bus.Publish(ctx, events.ChannelRestartQueue, raw)
}

func (m *Monitor) alert(ctx context.Context, severity, module, message string) error {
	evt := events.Event{
		Type:      events.AlertRaised,
		Timestamp: time.Now().UTC(),
		Module:    "health-monitor",
		Data: &events.AlertData{
			Severity: severity,
			Module:   module,
			Message:  message,
		},
	}
	raw, err := json.Marshal(&evt)
	if err != nil {
		return err
	}
	return m.bus.Publish(ctx, events.ChannelAlert, raw)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
