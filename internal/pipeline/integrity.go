package pipeline

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

// Integrity is stage 1: it admits raw signals into the pipeline, dropping
// duplicate ids and anything with missing or out-of-range fields.
type Integrity struct {
	stage
	tenants []string
}

// NewIntegrity builds the integrity checker for the given tenants' raw
// channels plus the shared core channel.
func NewIntegrity(tenants []string, m *metrics.Metrics, log zerolog.Logger) *Integrity {
	return &Integrity{stage: newStage(StageIntegrity, m, log), tenants: tenants}
}

func (g *Integrity) Manifest() runtime.Manifest {
	subs := []string{events.ChannelCoreSignal}
	for _, t := range g.tenants {
		subs = append(subs, events.RawSignalChannel(t))
	}
	return runtime.Manifest{
		Name:             StageIntegrity,
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeFilter,
		Subscriptions:    subs,
		DeclaredKeys:     []string{"titan:*:signal:" + StageIntegrity},
		DeclaredChannels: []string{g.downstream, events.ChannelAlert},
	}
}

func (g *Integrity) Tick(ctx context.Context, info runtime.TickInfo) error { return nil }

func (g *Integrity) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	s, ok := g.decode(ctx, msg.Payload)
	if !ok {
		return nil
	}
	if g.seen(ctx, s) {
		// Pub/sub never redelivers, so a second arrival of an id at the
		// admission stage is an emitter fault, not transport noise.
		err := errkind.Newf(errkind.DuplicateSignal, "id %s already admitted", s.ID)
		g.m.CountError(g.name, string(errkind.KindOf(err)))
		g.drop(ctx, s, dropDuplicate, err.Error())
		return nil
	}
	if err := s.Validate(); err != nil {
		g.drop(ctx, s, dropInvalid, err.Error())
		return nil
	}
	return g.forward(ctx, info.Now, s.WithVerdict(StageIntegrity, signal.VerdictPass, ""))
}
