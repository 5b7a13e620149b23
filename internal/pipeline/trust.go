package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/journal"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

// Trust is stage 4: it scores each signal as
// w_history*historical_success + w_model*confidence and drops anything under
// the threshold. The score rides in the verdict reason so the escalation
// stage can resolve conflicts without recomputing it.
type Trust struct {
	stage
	wHistory  float64
	wModel    float64
	threshold float64
	journal   *journal.Journal
}

// NewTrust builds the quality analyzer. The journal supplies each strategy's
// historical success rate when no rolled-up performance key is present.
func NewTrust(cfg config.PipelineConfig, j *journal.Journal, m *metrics.Metrics, log zerolog.Logger) *Trust {
	return &Trust{
		stage:     newStage(StageTrust, m, log),
		wHistory:  cfg.WHistory,
		wModel:    cfg.WModel,
		threshold: cfg.TrustThreshold,
		journal:   j,
	}
}

func (t *Trust) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:             StageTrust,
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeFilter,
		Subscriptions:    []string{events.PipelineChannel(StageAlignment)},
		DeclaredKeys:     []string{"titan:*:signal:" + StageTrust},
		DeclaredChannels: []string{t.downstream, events.ChannelAlert},
	}
}

func (t *Trust) Tick(ctx context.Context, info runtime.TickInfo) error { return nil }

func (t *Trust) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	s, ok := t.decode(ctx, msg.Payload)
	if !ok {
		return nil
	}
	if t.seen(ctx, s) {
		return nil
	}

	history, err := t.historicalSuccess(ctx, s.TenantID, s.Strategy)
	if err != nil {
		return err
	}
	score := t.wHistory*history + t.wModel*s.Confidence
	if score < t.threshold {
		t.drop(ctx, s, dropLowTrust,
			fmt.Sprintf("trust %.4f below threshold %.4f", score, t.threshold))
		return nil
	}
	return t.forward(ctx, info.Now, s.WithVerdict(StageTrust, signal.VerdictPass, trustReason(score)))
}

// historicalSuccess prefers the rolled-up performance key and falls back to
// the trade journal. Strategies with no record score a coin flip.
func (t *Trust) historicalSuccess(ctx context.Context, tenant, strategy string) (float64, error) {
	key := namespace.Compose(tenant, namespace.DomainPerformance, strategy, "success_rate")
	if raw, err := t.bus.Get(ctx, key); err == nil {
		if rate, perr := strconv.ParseFloat(raw, 64); perr == nil && rate >= 0 && rate <= 1 {
			return rate, nil
		}
		t.log.Warn().Str("key", key).Str("value", raw).Msg("unusable success_rate key")
	}
	if t.journal == nil {
		return 0.5, nil
	}
	return t.journal.HistoricalSuccess(ctx, tenant, strategy)
}
