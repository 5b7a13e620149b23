package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/mode"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

// Adapter is stage 8, the morphic adapter: it reads the signal tenant's
// active mode and scales confidence, TTL, and leverage by the mode's policy.
// Signals that land under the mode's confidence floor are dropped with
// PolicyViolation semantics. Applying the adapter twice equals applying it
// once; a signal already carrying the adapter verdict passes unchanged.
type Adapter struct {
	stage
	modes *mode.Store
}

// NewAdapter builds the morphic adapter. The mode store attaches with the
// bus at bind time.
func NewAdapter(m *metrics.Metrics, log zerolog.Logger) *Adapter {
	return &Adapter{stage: newStage(StageAdapter, m, log)}
}

// BindBus hooks up the guarded view and the mode store reading through it.
func (a *Adapter) BindBus(b bus.Bus) {
	a.stage.BindBus(b)
	a.modes = mode.NewStore(b)
}

func (a *Adapter) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:             StageAdapter,
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeFilter,
		Subscriptions:    []string{events.PipelineChannel(StageEscalation)},
		DeclaredKeys:     []string{"titan:*:signal:" + StageAdapter},
		DeclaredChannels: []string{a.downstream, events.ChannelAlert},
	}
}

func (a *Adapter) Tick(ctx context.Context, info runtime.TickInfo) error { return nil }

func (a *Adapter) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	s, ok := a.decode(ctx, msg.Payload)
	if !ok {
		return nil
	}
	if a.seen(ctx, s) {
		return nil
	}
	if s.SeenStage(StageAdapter) {
		return a.forward(ctx, info.Now, s)
	}

	st, err := a.modes.Load(ctx, s.TenantID)
	if err != nil {
		return err
	}
	policy := mode.PolicyFor(st.Mode)

	adjusted := s.WithVerdict(StageAdapter, signal.VerdictAdjusted, "mode "+policy.Name)
	adjusted.MorphicMode = policy.Name
	adjusted.Confidence = s.Confidence * policy.ConfidenceMultiplier
	if adjusted.Confidence > 1 {
		adjusted.Confidence = 1
	}
	// The floor applies to both the emitted confidence and the scaled one, so
	// a generous multiplier cannot smuggle weak signals past the mode and a
	// strict one cannot emit output under the floor.
	if s.Confidence < policy.MinConfidence || adjusted.Confidence < policy.MinConfidence {
		a.m.PolicyDrops.WithLabelValues(s.TenantID, policy.Name).Inc()
		a.drop(ctx, s, dropPolicy,
			fmt.Sprintf("confidence %.4f below %s floor %.2f", s.Confidence, policy.Name, policy.MinConfidence))
		return nil
	}
	if adjusted.Leverage > policy.MaxLeverage {
		adjusted.Leverage = policy.MaxLeverage
	}
	adjusted.TTLMs = int64(float64(s.TTLMs) * policy.TTLMultiplier)
	if adjusted.TTLMs < 1 {
		adjusted.TTLMs = 1
	}
	return a.forward(ctx, info.Now, adjusted)
}
