package pipeline

import (
	"context"
	"fmt"
	"math"
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

type exposureEntry struct {
	id      string
	signed  float64
	expires time.Time
}

// Overlap is stage 6: it tracks the net intended position per
// (tenant, symbol) across in-flight signals. A signal that would push the net
// past the cap is zeroed and marked blocked but still flows downstream, so
// audits see it; the router drops blocked signals before publication.
type Overlap struct {
	stage
	maxPosition float64

	mu       sync.Mutex
	exposure map[string][]exposureEntry
}

// NewOverlap builds the overlap resolver.
func NewOverlap(cfg config.PipelineConfig, m *metrics.Metrics, log zerolog.Logger) *Overlap {
	return &Overlap{
		stage:       newStage(StageOverlap, m, log),
		maxPosition: cfg.MaxPositionSize,
		exposure:    make(map[string][]exposureEntry),
	}
}

func (o *Overlap) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:             StageOverlap,
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeFilter,
		Subscriptions:    []string{events.PipelineChannel(StageCollision)},
		DeclaredKeys:     []string{"titan:*:signal:" + StageOverlap},
		DeclaredChannels: []string{o.downstream, events.ChannelAlert},
	}
}

func (o *Overlap) Tick(ctx context.Context, info runtime.TickInfo) error { return nil }

func (o *Overlap) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	s, ok := o.decode(ctx, msg.Payload)
	if !ok {
		return nil
	}
	if o.seen(ctx, s) {
		return nil
	}

	signed := s.Quantity
	if s.Side == signal.Sell {
		signed = -signed
	}

	key := s.TenantID + "|" + s.Symbol
	o.mu.Lock()
	net := o.pruneLocked(key, info.Now)
	candidate := net + signed
	within := math.Abs(candidate) <= o.maxPosition
	if within {
		o.exposure[key] = append(o.exposure[key], exposureEntry{
			id:      s.ID,
			signed:  signed,
			expires: s.ExpiresAt(),
		})
	}
	o.mu.Unlock()

	if !within {
		o.m.SignalsDropped.WithLabelValues(o.name, dropPositionCap).Inc()
		blocked := s.WithVerdict(StageOverlap, signal.VerdictBlocked,
			fmt.Sprintf("net position %.4f would exceed cap %.4f", candidate, o.maxPosition))
		blocked.Quantity = 0
		blocked.Flags.Blocked = true
		o.log.Warn().
			Str("signal_id", s.ID).
			Str("symbol", s.Symbol).
			Float64("net", candidate).
			Float64("cap", o.maxPosition).
			Msg("signal zeroed at position cap")
		return o.forward(ctx, info.Now, blocked)
	}
	return o.forward(ctx, info.Now, s.WithVerdict(StageOverlap, signal.VerdictPass, ""))
}

// pruneLocked expires stale exposure entries and returns the live net.
// Called with the mutex held.
func (o *Overlap) pruneLocked(key string, now time.Time) float64 {
	kept := o.exposure[key][:0]
	var net float64
	for _, e := range o.exposure[key] {
		if now.Before(e.expires) {
			kept = append(kept, e)
			net += e.signed
		}
	}
	if len(kept) == 0 {
		delete(o.exposure, key)
	} else {
		o.exposure[key] = kept
	}
	return net
}
