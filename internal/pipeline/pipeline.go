// Package pipeline implements the ten ordered signal stages, integrity
// through router. Each stage is its own runtime module: it consumes the
// previous stage's channel, applies one verdict, and publishes survivors on
// titan:signal:pipeline:{stage}. The router is the final gate and publishes
// to the execution channel instead.
//
// Stages are idempotent on signal.id: after a downstream publish the stage
// writes a marker key bounded by the signal's TTL, and a redelivery that
// finds the marker is ignored. The marker is written after the publish, so a
// crash between the two re-publishes rather than losing the signal.
package pipeline

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/signal"
)

// Stage names, in pipeline order. They double as module names, provenance
// stage labels, and the {stage} segment of channels and marker keys.
const (
	StageIntegrity  = "integrity"
	StageNoise      = "noise"
	StageAlignment  = "alignment"
	StageTrust      = "trust"
	StageCollision  = "collision"
	StageOverlap    = "overlap"
	StageEscalation = "escalation"
	StageAdapter    = "adapter"
	StageWindow     = "window"
	StageRouter     = "router"
)

// Order lists the stages upstream to downstream.
var Order = []string{
	StageIntegrity, StageNoise, StageAlignment, StageTrust, StageCollision,
	StageOverlap, StageEscalation, StageAdapter, StageWindow, StageRouter,
}

// Drop reasons used as the metrics label and the audit event kind.
const (
	dropInvalid     = "invalid"
	dropDuplicate   = "duplicate"
	dropLowTrust    = "low_trust"
	dropCollision   = "collision"
	dropPositionCap = "position_cap"
	dropEscalation  = "escalation"
	dropTrustTie    = "trust_tie"
	dropPolicy      = "policy"
	dropOffHours    = "off_hours"
	dropBlocked     = "blocked"
	dropExpired     = "expired"
	dropHibernating = "hibernating"
	dropKyc         = "kyc"
	dropRateLimited = "rate_limited"
)

// markerKey is a stage's idempotence record for one signal.
func markerKey(stage string, s *signal.Signal) string {
	return namespace.Compose(s.TenantID, namespace.DomainSignal, stage, s.Symbol+":"+s.ID)
}

// markerTTL bounds the marker by the signal's remaining life, floored at one
// second so the transient write never carries a nonpositive TTL.
func markerTTL(s *signal.Signal, now time.Time) time.Duration {
	d := s.ExpiresAt().Sub(now)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// stage carries what every pipeline module shares: its name, the downstream
// channel, the guarded bus view, metrics, and the logger.
type stage struct {
	name       string
	downstream string
	bus        bus.Bus
	m          *metrics.Metrics
	log        zerolog.Logger
}

func newStage(name string, m *metrics.Metrics, log zerolog.Logger) stage {
	return stage{
		name:       name,
		downstream: events.PipelineChannel(name),
		m:          m,
		log:        log.With().Str("module", name).Logger(),
	}
}

// BindBus receives the namespace-guarded bus view from the runtime.
func (st *stage) BindBus(b bus.Bus) { st.bus = b }

// seen reports whether this stage already forwarded the signal.
func (st *stage) seen(ctx context.Context, s *signal.Signal) bool {
	_, err := st.bus.Get(ctx, markerKey(st.name, s))
	return err == nil
}

// forward publishes the signal downstream, counts it, and records the
// idempotence marker.
func (st *stage) forward(ctx context.Context, now time.Time, s *signal.Signal) error {
	raw, err := s.Encode()
	if err != nil {
		return err
	}
	if err := st.bus.Publish(ctx, st.downstream, raw); err != nil {
		return err
	}
	st.m.SignalsPublished.WithLabelValues(st.name).Inc()
	if err := st.bus.Set(ctx, markerKey(st.name, s), s.ID, markerTTL(s, now)); err != nil {
		st.log.Warn().Err(err).Str("signal", s.ID).Msg("stage marker write failed")
	}
	return nil
}

// drop discards the signal from the pipeline: counter, structured log, and an
// audit event on the alert channel. Drops are terminal for the signal only.
func (st *stage) drop(ctx context.Context, s *signal.Signal, kind, reason string) {
	st.m.SignalsDropped.WithLabelValues(st.name, kind).Inc()
	st.log.Debug().
		Str("action", "drop").
		Str("status", "dropped").
		Str("signal_id", s.ID).
		Str("kind", kind).
		Str("reason", reason).
		Msg("signal dropped")
	st.emitDrop(ctx, s.ID, kind, reason)
}

func (st *stage) emitDrop(ctx context.Context, signalID, kind, reason string) {
	data := &events.SignalDropData{SignalID: signalID, Stage: st.name, Kind: kind, Reason: reason}
	evt := events.Event{
		Type:      data.EventType(),
		Timestamp: time.Now().UTC(),
		Module:    st.name,
		Data:      data,
	}
	raw, err := json.Marshal(&evt)
	if err != nil {
		return
	}
	if err := st.bus.Publish(ctx, events.ChannelAlert, raw); err != nil {
		st.log.Warn().Err(err).Msg("drop event publish failed")
	}
}

// publishEvent sends a typed event on the given channel.
func (st *stage) publishEvent(ctx context.Context, channel string, evt *events.Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return st.bus.Publish(ctx, channel, raw)
}

// decode parses an inbound signal document. Undecodable payloads are counted
// and swallowed; the sender is the problem, not this worker.
func (st *stage) decode(ctx context.Context, payload []byte) (*signal.Signal, bool) {
	s, err := signal.Decode(payload)
	if err != nil {
		st.m.SignalsDropped.WithLabelValues(st.name, dropInvalid).Inc()
		st.log.Warn().Err(err).Msg("undecodable signal payload")
		st.emitDrop(ctx, "", dropInvalid, "undecodable payload")
		return nil, false
	}
	return s, true
}

// Trust verdicts carry the computed score in the reason so the escalation
// stage can resolve conflicts without recomputing it.
const trustReasonPrefix = "trust="

func trustReason(score float64) string {
	return trustReasonPrefix + strconv.FormatFloat(score, 'f', 4, 64)
}

// trustOf extracts the trust stage's recorded score from provenance. The
// second return is false when the signal never passed the trust stage.
func trustOf(s *signal.Signal) (float64, bool) {
	for _, v := range s.Provenance {
		if v.Stage != StageTrust || !strings.HasPrefix(v.Reason, trustReasonPrefix) {
			continue
		}
		score, err := strconv.ParseFloat(strings.TrimPrefix(v.Reason, trustReasonPrefix), 64)
		if err != nil {
			return 0, false
		}
		return score, true
	}
	return 0, false
}

// Collision verdicts on contested survivors name the counterpart so the
// escalation stage can pair them without relying on cross-channel ordering.
const contestedReasonPrefix = "contested:"

func contestedWith(s *signal.Signal) (string, bool) {
	for _, v := range s.Provenance {
		if v.Stage == StageCollision && strings.HasPrefix(v.Reason, contestedReasonPrefix) {
			return strings.TrimPrefix(v.Reason, contestedReasonPrefix), true
		}
	}
	return "", false
}
