// Package heatmap samples stage-to-stage signal latency. Every signal that
// reaches the execution boundary carries its provenance trail; the producer
// turns consecutive verdict timestamps into latency observations, feeds the
// shared histogram, and keeps a bucketed matrix per stage pair. The matrix is
// msgpack-encoded on the bus so the ops API and the report job read one
// snapshot instead of re-deriving it.
package heatmap

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

const (
	// ModuleProducer names the producer in manifests and the registry.
	ModuleProducer = "latency-heatmap"
	// StageEmit labels the span between signal creation and the first
	// verdict.
	StageEmit = "emitter"
	// KeyPrefix is where bucket state lives, one key per stage pair.
	KeyPrefix = "titan:infra:latency"
)

// BoundsMs are the bucket upper bounds in milliseconds; observations beyond
// the last bound land in the overflow bucket.
var BoundsMs = []int64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}

// Cell is one stage pair's bucket state.
type Cell struct {
	From     string   `msgpack:"from"`
	To       string   `msgpack:"to"`
	BoundsMs []int64  `msgpack:"bounds_ms"`
	Counts   []uint64 `msgpack:"counts"` // len(BoundsMs)+1, last is overflow
	Samples  uint64   `msgpack:"samples"`
	SumMs    int64    `msgpack:"sum_ms"`
}

func newCell(from, to string) *Cell {
	return &Cell{
		From:     from,
		To:       to,
		BoundsMs: BoundsMs,
		Counts:   make([]uint64, len(BoundsMs)+1),
	}
}

func (c *Cell) observe(ms int64) {
	i := 0
	for ; i < len(c.BoundsMs); i++ {
		if ms <= c.BoundsMs[i] {
			break
		}
	}
	c.Counts[i]++
	c.Samples++
	c.SumMs += ms
}

// MeanMs is the average observed latency for the pair.
func (c *Cell) MeanMs() float64 {
	if c.Samples == 0 {
		return 0
	}
	return float64(c.SumMs) / float64(c.Samples)
}

// Key returns the bus key holding one pair's state.
func Key(from, to string) string {
	return KeyPrefix + ":" + from + ":" + to
}

type pairID struct{ from, to string }

// Producer is the sampling module. Observation happens on the message path;
// persistence happens on the tick so the bus sees one write per dirty pair
// per interval regardless of signal volume.
type Producer struct {
	bus      bus.Bus
	m        *metrics.Metrics
	log      zerolog.Logger
	interval time.Duration

	mu    sync.Mutex
	cells map[pairID]*Cell
	dirty map[pairID]struct{}
}

// NewProducer builds the heatmap producer persisting every interval.
func NewProducer(interval time.Duration, m *metrics.Metrics, log zerolog.Logger) *Producer {
	return &Producer{
		m:        m,
		log:      log.With().Str("module", ModuleProducer).Logger(),
		interval: interval,
		cells:    make(map[pairID]*Cell),
		dirty:    make(map[pairID]struct{}),
	}
}

// BindBus receives the namespace-guarded bus view from the runtime.
func (p *Producer) BindBus(b bus.Bus) { p.bus = b }

func (p *Producer) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:         ModuleProducer,
		Version:      "1.0.0",
		Creator:      "core",
		Type:         runtime.TypeMonitor,
		TickInterval: p.interval,
		DeclaredKeys: []string{KeyPrefix},
		Subscriptions: []string{
			events.ChannelExecutionOrders,
			events.ChannelReinjected,
		},
	}
}

// OnMessage walks the signal's provenance and records one observation per
// consecutive stage pair, plus the span from creation to the first verdict.
func (p *Producer) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	s, err := signal.Decode(msg.Payload)
	if err != nil || len(s.Provenance) == 0 {
		return nil
	}

	from, at := StageEmit, s.Timestamp
	p.mu.Lock()
	for _, v := range s.Provenance {
		delta := v.At - at
		if delta >= 0 {
			p.record(from, v.Stage, delta)
		}
		from, at = v.Stage, v.At
	}
	p.mu.Unlock()
	return nil
}

// record assumes p.mu is held.
func (p *Producer) record(from, to string, ms int64) {
	p.m.StageLatency.WithLabelValues(from, to).Observe(float64(ms) / 1000)
	id := pairID{from, to}
	c, ok := p.cells[id]
	if !ok {
		c = newCell(from, to)
		p.cells[id] = c
	}
	c.observe(ms)
	p.dirty[id] = struct{}{}
}

// Tick persists every pair touched since the last flush.
func (p *Producer) Tick(ctx context.Context, info runtime.TickInfo) error {
	p.mu.Lock()
	pending := make([]*Cell, 0, len(p.dirty))
	for id := range p.dirty {
		snap := *p.cells[id]
		snap.Counts = append([]uint64(nil), p.cells[id].Counts...)
		pending = append(pending, &snap)
		delete(p.dirty, id)
	}
	p.mu.Unlock()

	for _, c := range pending {
		raw, err := msgpack.Marshal(c)
		if err != nil {
			return err
		}
		if err := p.bus.SetDurable(ctx, Key(c.From, c.To), string(raw)); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		p.log.Debug().Int("pairs", len(pending)).Msg("heatmap state persisted")
	}
	return nil
}

// Load reads every persisted pair. Undecodable entries are skipped, not
// fatal: a half-written cell must not take the ops endpoint down.
func Load(ctx context.Context, b bus.Bus) ([]Cell, error) {
	keys, err := b.Scan(ctx, KeyPrefix+":")
	if err != nil {
		return nil, err
	}
	out := make([]Cell, 0, len(keys))
	for _, key := range keys {
		raw, err := b.Get(ctx, key)
		if err != nil {
			continue
		}
		var c Cell
		if err := msgpack.Unmarshal([]byte(raw), &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
