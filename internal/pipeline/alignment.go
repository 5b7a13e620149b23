package pipeline

import (
	"context"
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

// AlignedStrategy names derived signals so downstream stages can tell them
// from single-strategy emissions.
const AlignedStrategy = "aligned"

type alignmentEntry struct {
	strategy string
	at       time.Time
}

// Alignment is stage 3: originals pass through untouched while a sliding
// window counts distinct strategies agreeing on (symbol, side). At the
// threshold it emits one derived signal with boosted quantity and clears the
// cohort, so each agreement fires once.
type Alignment struct {
	stage
	window     time.Duration
	minAligned int
	multiplier float64

	mu      sync.Mutex
	cohorts map[string][]alignmentEntry
}

// NewAlignment builds the alignment front-loader.
func NewAlignment(cfg config.PipelineConfig, m *metrics.Metrics, log zerolog.Logger) *Alignment {
	mult := cfg.CapitalMultiplier
	if cfg.CapitalMultiplierCap > 0 && mult > cfg.CapitalMultiplierCap {
		mult = cfg.CapitalMultiplierCap
	}
	return &Alignment{
		stage:      newStage(StageAlignment, m, log),
		window:     cfg.AlignmentWindow,
		minAligned: cfg.MinSignalsAligned,
		multiplier: mult,
		cohorts:    make(map[string][]alignmentEntry),
	}
}

func (a *Alignment) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:             StageAlignment,
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeFilter,
		Subscriptions:    []string{events.PipelineChannel(StageNoise)},
		DeclaredKeys:     []string{"titan:*:signal:" + StageAlignment},
		DeclaredChannels: []string{a.downstream, events.ChannelAlert},
	}
}

func (a *Alignment) Tick(ctx context.Context, info runtime.TickInfo) error { return nil }

func (a *Alignment) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	s, ok := a.decode(ctx, msg.Payload)
	if !ok {
		return nil
	}
	if a.seen(ctx, s) {
		return nil
	}

	// Originals are forwarded as-is; alignment only ever adds signals.
	if err := a.forward(ctx, info.Now, s); err != nil {
		return err
	}
	if s.Strategy == AlignedStrategy {
		// Derived signals do not feed the window, or agreement would compound.
		return nil
	}

	aligned := a.record(info.Now, s)
	if aligned == 0 {
		return nil
	}

	d := s.Derive(AlignedStrategy)
	d.Quantity = s.Quantity * a.multiplier
	d = d.WithVerdict(StageAlignment, signal.VerdictDerived,
		fmt.Sprintf("%d strategies aligned on %s %s", aligned, s.Symbol, s.Side))
	a.log.Info().
		Str("signal_id", d.ID).
		Str("parent_id", s.ID).
		Str("symbol", s.Symbol).
		Str("side", string(s.Side)).
		Int("aligned", aligned).
		Msg("alignment derived signal")
	return a.forward(ctx, info.Now, d)
}

// record slides the cohort window and returns the distinct-strategy count
// when it crosses the threshold, zero otherwise. A firing cohort resets.
func (a *Alignment) record(now time.Time, s *signal.Signal) int {
	key := s.TenantID + "|" + s.Symbol + "|" + string(s.Side)

	a.mu.Lock()
	defer a.mu.Unlock()

	kept := a.cohorts[key][:0]
	for _, e := range a.cohorts[key] {
		if now.Sub(e.at) < a.window && e.strategy != s.Strategy {
			kept = append(kept, e)
		}
	}
	kept = append(kept, alignmentEntry{strategy: s.Strategy, at: now})
	if len(kept) >= a.minAligned {
		delete(a.cohorts, key)
		return len(kept)
	}
	a.cohorts[key] = kept
	return 0
}
