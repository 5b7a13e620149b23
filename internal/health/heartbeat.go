package health

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/runtime"
)

// HeartbeatKey holds the last successful bus round-trip as epoch ms. The
// region failover manager treats an age over twice the interval as a dead
// primary.
var HeartbeatKey = namespace.Infra("heartbeat")

// Heartbeat pings the bus every interval and records the timestamp. A failed
// ping raises an alert and surfaces as TransientUnavailable so the runtime
// retries.
type Heartbeat struct {
	bus      bus.Bus
	log      zerolog.Logger
	interval time.Duration
}

// NewHeartbeat builds the heartbeat with the configured interval.
func NewHeartbeat(interval time.Duration, log zerolog.Logger) *Heartbeat {
	return &Heartbeat{
		log:      log.With().Str("component", "redis-heartbeat").Logger(),
		interval: interval,
	}
}

// BindBus receives the guarded bus view.
func (h *Heartbeat) BindBus(b bus.Bus) { h.bus = b }

// Manifest declares the beat cadence.
func (h *Heartbeat) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:             "redis-heartbeat",
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeMonitor,
		TickInterval:     h.interval,
		DeclaredKeys:     []string{HeartbeatKey},
		DeclaredChannels: []string{events.ChannelAlert},
	}
}

// Tick pings and stamps.
func (h *Heartbeat) Tick(ctx context.Context, info runtime.TickInfo) error {
	if err := h.bus.Ping(ctx); err != nil {
		h.alert(ctx, err)
		return errkind.Wrap(errkind.TransientUnavailable, "heartbeat.ping", err)
	}
	return h.bus.SetDurable(ctx, HeartbeatKey, strconv.FormatInt(info.Now.UnixMilli(), 10))
}

// OnMessage is unused.
func (h *Heartbeat) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	return nil
}

func (h *Heartbeat) alert(ctx context.Context, cause error) {
	evt := events.Event{
		Type:      events.AlertRaised,
		Timestamp: time.Now().UTC(),
		Module:    "redis-heartbeat",
		Data: &events.AlertData{
			Severity: "critical",
			Module:   "redis-heartbeat",
			Message:  "bus ping failed: " + cause.Error(),
			Kind:     string(errkind.TransientUnavailable),
		},
	}
	raw, err := json.Marshal(&evt)
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, events.ChannelAlert, raw); err != nil {
		h.log.Warn().Err(err).Msg("heartbeat alert publish failed")
	}
}

// Age reads the heartbeat's age at now. Missing stamps report a very large
// age so callers treat a never-beaten bus as dead.
func Age(ctx context.Context, b bus.Bus, now time.Time) time.Duration {
	raw, err := b.Get(ctx, HeartbeatKey)
	if err != nil {
		return time.Duration(1<<62 - 1)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Duration(1<<62 - 1)
	}
	return now.Sub(time.UnixMilli(ms))
}
