package pipeline

import (
	"context"
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

// Noise is stage 2: it debounces identical (strategy, symbol, side) emissions
// inside the noise window. The first of a burst passes, the rest are dropped
// as duplicates.
type Noise struct {
	stage
	window time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewNoise builds the noise reducer.
func NewNoise(cfg config.PipelineConfig, m *metrics.Metrics, log zerolog.Logger) *Noise {
	return &Noise{
		stage:    newStage(StageNoise, m, log),
		window:   cfg.NoiseWindow,
		lastSeen: make(map[string]time.Time),
	}
}

func (n *Noise) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:             StageNoise,
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeFilter,
		Subscriptions:    []string{events.PipelineChannel(StageIntegrity)},
		DeclaredKeys:     []string{"titan:*:signal:" + StageNoise},
		DeclaredChannels: []string{n.downstream, events.ChannelAlert},
	}
}

func (n *Noise) Tick(ctx context.Context, info runtime.TickInfo) error { return nil }

func (n *Noise) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	s, ok := n.decode(ctx, msg.Payload)
	if !ok {
		return nil
	}
	if n.seen(ctx, s) {
		return nil
	}

	key := s.TenantID + "|" + s.Strategy + "|" + s.Symbol + "|" + string(s.Side)

	n.mu.Lock()
	last, dup := n.lastSeen[key]
	if dup && info.Now.Sub(last) < n.window {
		n.mu.Unlock()
		n.drop(ctx, s, dropDuplicate, "within noise window of "+last.UTC().Format(time.RFC3339Nano))
		return nil
	}
	n.lastSeen[key] = info.Now
	n.prune(info.Now)
	n.mu.Unlock()

	return n.forward(ctx, info.Now, s.WithVerdict(StageNoise, signal.VerdictPass, ""))
}

// prune drops stale debounce entries once the map grows past a few thousand
// keys. Called with the mutex held.
func (n *Noise) prune(now time.Time) {
	if len(n.lastSeen) < 4096 {
		return
	}
	for key, at := range n.lastSeen {
		if now.Sub(at) >= n.window {
			delete(n.lastSeen, key)
		}
	}
}
