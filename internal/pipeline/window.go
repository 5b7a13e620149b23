package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

// Window is stage 9, the optional context-window filter: when enabled it
// drops signals arriving outside the configured trading hours. Disabled, it
// forwards untouched without a verdict.
type Window struct {
	stage
	enabled bool
	start   int
	end     int
	loc     *time.Location
}

// NewWindow builds the context-window filter. An unknown timezone falls back
// to UTC rather than refusing to start.
func NewWindow(cfg config.PipelineConfig, m *metrics.Metrics, log zerolog.Logger) *Window {
	loc, err := time.LoadLocation(cfg.TradingTimezone)
	if err != nil {
		log.Warn().Str("timezone", cfg.TradingTimezone).Err(err).Msg("unknown trading timezone, using UTC")
		loc = time.UTC
	}
	return &Window{
		stage:   newStage(StageWindow, m, log),
		enabled: cfg.WindowEnabled,
		start:   cfg.TradingHoursStart,
		end:     cfg.TradingHoursEnd,
		loc:     loc,
	}
}

func (w *Window) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:             StageWindow,
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeFilter,
		Subscriptions:    []string{events.PipelineChannel(StageAdapter)},
		DeclaredKeys:     []string{"titan:*:signal:" + StageWindow},
		DeclaredChannels: []string{w.downstream, events.ChannelAlert},
	}
}

func (w *Window) Tick(ctx context.Context, info runtime.TickInfo) error { return nil }

func (w *Window) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	s, ok := w.decode(ctx, msg.Payload)
	if !ok {
		return nil
	}
	if w.seen(ctx, s) {
		return nil
	}
	if !w.enabled {
		return w.forward(ctx, info.Now, s)
	}

	hour := info.Now.In(w.loc).Hour()
	if !w.inHours(hour) {
		w.drop(ctx, s, dropOffHours,
			fmt.Sprintf("hour %d outside trading window %d-%d", hour, w.start, w.end))
		return nil
	}
	return w.forward(ctx, info.Now, s.WithVerdict(StageWindow, signal.VerdictPass, ""))
}

// inHours handles both same-day windows (9-17) and overnight ones (22-4).
func (w *Window) inHours(hour int) bool {
	if w.start <= w.end {
		return hour >= w.start && hour < w.end
	}
	return hour >= w.start || hour < w.end
}
