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

type heldSignal struct {
	sig      *signal.Signal
	deadline time.Time
}

// Escalation is stage 7: contested pairs from the collision detector are
// paired up and resolved by trust score; the winner continues, the loser is
// dropped. A trust tie blocks both and hands them to the commander override
// channel. Uncontested signals pass through untouched.
//
// Pairing comes from the contested marker in provenance, so it never depends
// on cross-channel ordering with titan:conflicts.
type Escalation struct {
	stage
	holdFor time.Duration

	mu   sync.Mutex
	held map[string]heldSignal // contested signals waiting for a counterpart
}

// NewEscalation builds the conflict escalation manager. The hold window
// reuses the collision window: past it a lone contested signal is released,
// its counterpart having died upstream.
func NewEscalation(cfg config.PipelineConfig, m *metrics.Metrics, log zerolog.Logger) *Escalation {
	return &Escalation{
		stage:   newStage(StageEscalation, m, log),
		holdFor: cfg.CollisionWindow,
		held:    make(map[string]heldSignal),
	}
}

func (e *Escalation) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:             StageEscalation,
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeFilter,
		TickInterval:     100 * time.Millisecond,
		Subscriptions:    []string{events.PipelineChannel(StageOverlap), events.ChannelConflicts},
		DeclaredKeys:     []string{"titan:*:signal:" + StageEscalation},
		DeclaredChannels: []string{e.downstream, events.ChannelCommanderOverride, events.ChannelAlert},
	}
}

func (e *Escalation) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	if msg.Channel == events.ChannelConflicts {
		// The pair is already carried in provenance; the conflicts feed is
		// informational here.
		return nil
	}

	s, ok := e.decode(ctx, msg.Payload)
	if !ok {
		return nil
	}
	if e.seen(ctx, s) {
		return nil
	}

	counterpart, contested := contestedWith(s)
	if !contested {
		return e.forward(ctx, info.Now, s)
	}

	e.mu.Lock()
	other, waiting := e.held[counterpart]
	if waiting {
		delete(e.held, counterpart)
	} else {
		e.held[s.ID] = heldSignal{sig: s, deadline: info.Now.Add(e.holdFor)}
	}
	e.mu.Unlock()

	if !waiting {
		return nil
	}
	return e.resolve(ctx, info.Now, s, other.sig)
}

// Tick releases contested signals whose counterpart never arrived; the
// conflict died upstream, so they continue alone.
func (e *Escalation) Tick(ctx context.Context, info runtime.TickInfo) error {
	e.mu.Lock()
	var due []*signal.Signal
	for id, h := range e.held {
		if !info.Now.Before(h.deadline) {
			due = append(due, h.sig)
			delete(e.held, id)
		}
	}
	e.mu.Unlock()

	for _, s := range due {
		if err := e.forward(ctx, info.Now,
			s.WithVerdict(StageEscalation, signal.VerdictPass, "counterpart withdrawn")); err != nil {
			return err
		}
	}
	return nil
}

func (e *Escalation) resolve(ctx context.Context, now time.Time, a, b *signal.Signal) error {
	ta := scoreOf(a)
	tb := scoreOf(b)

	if ta == tb {
		return e.blockBoth(ctx, a, b, ta)
	}
	winner, loser := a, b
	if tb > ta {
		winner, loser = b, a
	}
	e.drop(ctx, loser, dropEscalation, fmt.Sprintf("lost escalation to %s", winner.ID))
	e.log.Info().
		Str("winner", winner.ID).
		Str("loser", loser.ID).
		Str("symbol", winner.Symbol).
		Msg("conflict resolved by trust")
	return e.forward(ctx, now,
		winner.WithVerdict(StageEscalation, signal.VerdictPass, "beat "+loser.ID))
}

// blockBoth ends a tied conflict: both signals are dropped from the pipeline
// and published raw on the commander override channel for manual judgment.
func (e *Escalation) blockBoth(ctx context.Context, a, b *signal.Signal, score float64) error {
	e.log.Warn().
		Str("buy_or_a", a.ID).
		Str("sell_or_b", b.ID).
		Str("symbol", a.Symbol).
		Float64("trust", score).
		Msg("trust tie, both blocked for commander override")
	for _, s := range []*signal.Signal{a, b} {
		e.drop(ctx, s, dropTrustTie, "trust tie with counterpart")
		blocked := s.WithVerdict(StageEscalation, signal.VerdictBlocked, "trust tie")
		blocked.Flags.Blocked = true
		raw, err := blocked.Encode()
		if err != nil {
			return err
		}
		if err := e.bus.Publish(ctx, events.ChannelCommanderOverride, raw); err != nil {
			return err
		}
	}
	return nil
}

// scoreOf ranks a contested signal: the trust stage's recorded score, or raw
// confidence for signals that somehow skipped it.
func scoreOf(s *signal.Signal) float64 {
	if score, ok := trustOf(s); ok {
		return score
	}
	return s.Confidence
}
