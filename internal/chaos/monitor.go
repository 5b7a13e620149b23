package chaos

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/runtime"
)

// scoreKey holds the last sampled chaos score for the ops surface.
const scoreKey = "titan:infra:chaos:score"

// Monitor samples a synthetic market-stress score every interval. Above the
// threshold it tells every tenant to shrink trade size; workers that route
// orders subscribe to the directives channel and apply the factor themselves.
type Monitor struct {
	bus     bus.Bus
	log     zerolog.Logger
	tenants []string
	cfg     config.ChaosConfig

	// sample is swappable for tests; the default is a bounded random walk
	// so consecutive scores correlate like real volatility regimes.
	sample func() float64
	level  float64
	rng    *rand.Rand
}

// NewMonitor builds the chaos monitor for the given tenants.
func NewMonitor(cfg config.ChaosConfig, tenants []string, seed int64, log zerolog.Logger) *Monitor {
	m := &Monitor{
		log:     log.With().Str("component", "chaos-monitor").Logger(),
		tenants: tenants,
		cfg:     cfg,
		level:   0.2,
		rng:     rand.New(rand.NewSource(seed)),
	}
	m.sample = m.walk
	return m
}

// BindBus receives the namespace-guarded bus view from the runtime.
func (m *Monitor) BindBus(b bus.Bus) { m.bus = b }

// Manifest declares the monitor's cadence and its single publish channel.
func (m *Monitor) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:             "chaos-monitor",
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeMonitor,
		TickInterval:     m.cfg.SampleInterval,
		DeclaredKeys:     []string{"titan:infra:chaos:*"},
		DeclaredChannels: []string{events.ChannelChaosDirectives},
	}
}

// Tick samples one score and publishes a reduce_size directive per tenant
// when the score crosses the threshold.
func (m *Monitor) Tick(ctx context.Context, info runtime.TickInfo) error {
	score := m.sample()
	if err := m.bus.Set(ctx, scoreKey, fmt.Sprintf("%.4f", score), 2*m.cfg.SampleInterval); err != nil {
		return err
	}
	if score < m.cfg.ScoreThreshold {
		return nil
	}

	m.log.Warn().Float64("score", score).Float64("size_factor", m.cfg.SizeReduction).
		Msg("chaos score above threshold, shedding load")
	for _, tenant := range m.tenants {
		evt := events.Event{
			Type:      events.ChaosDirective,
			Timestamp: info.Now.UTC(),
			Module:    "chaos-monitor",
			Data: &events.ChaosDirectiveData{
				Tenant:     tenant,
				Directive:  "reduce_size",
				SizeFactor: m.cfg.SizeReduction,
				Score:      score,
			},
		}
		raw, err := json.Marshal(&evt)
		if err != nil {
			return err
		}
		if err := m.bus.Publish(ctx, events.ChannelChaosDirectives, raw); err != nil {
			return err
		}
	}
	return nil
}

// OnMessage is unused; the monitor only publishes.
func (m *Monitor) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	return nil
}

// walk advances the bounded random walk one step.
func (m *Monitor) walk() float64 {
	m.level += (m.rng.Float64() - 0.5) * 0.4
	if m.level < 0 {
		m.level = 0
	}
	if m.level > 1 {
		m.level = 1
	}
	return m.level
}

// DecodeDirective parses a directives-channel payload. Consumers apply
// reduce_size factors until the next directive or their own expiry.
func DecodeDirective(payload []byte) (*events.ChaosDirectiveData, error) {
	var evt events.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, err
	}
	data, ok := evt.Data.(*events.ChaosDirectiveData)
	if !ok {
		return nil, fmt.Errorf("not a chaos directive: %s", evt.Type)
	}
	return data, nil
}

// Directive timestamps are compared against this horizon by consumers that
// want stale directives to age out rather than stick forever.
const DirectiveMaxAge = 5 * time.Minute
