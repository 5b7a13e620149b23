// Package signal defines the trading signal and the wire shapes that travel
// with it through the pipeline. A signal is immutable once emitted: every
// transformer appends its verdict to the provenance and otherwise leaves the
// document alone; real mutations produce a new signal referencing the parent.
package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/titanlabs/titan/internal/errkind"
)

// Side is the trade direction.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Verdict outcomes recorded in provenance.
const (
	VerdictPass     = "pass"
	VerdictDrop     = "drop"
	VerdictDerived  = "derived"
	VerdictAdjusted = "adjusted"
	VerdictBlocked  = "blocked"
)

// Flags is the signal's boolean bag.
type Flags struct {
	DirectOverride bool `json:"direct_override,omitempty"`
	Chaos          bool `json:"chaos,omitempty"`
	Reinjected     bool `json:"reinjected,omitempty"`
	Blocked        bool `json:"blocked,omitempty"`
}

// Verdict is one transformer's provenance entry.
type Verdict struct {
	Stage   string `json:"stage"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
	At      int64  `json:"at"` // epoch ms
}

// Signal is the unit the pipeline coordinates on.
type Signal struct {
	ID          string    `json:"id"`
	Timestamp   int64     `json:"timestamp"` // epoch ms, monotonic per emitter
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price,omitempty"`
	Leverage    float64   `json:"leverage,omitempty"`
	Confidence  float64   `json:"confidence"`
	Strategy    string    `json:"strategy"`
	TTLMs       int64     `json:"ttl_ms"`
	TenantID    string    `json:"tenant_id"`
	ClientID    string    `json:"client_id,omitempty"`
	MorphicMode string    `json:"morphic_mode,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	Flags       Flags     `json:"flags,omitempty"`
	Provenance  []Verdict `json:"provenance,omitempty"`
}

// New builds a fresh signal with a generated id and the current timestamp.
func New(tenant, strategy, symbol string, side Side, quantity, confidence float64, ttl time.Duration) *Signal {
	return &Signal{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UnixMilli(),
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		Confidence: confidence,
		Strategy:   strategy,
		TTLMs:      ttl.Milliseconds(),
		TenantID:   tenant,
	}
}

// Validate enforces the field invariants. The reason string is stable enough
// to surface in logs and invalid events.
func (s *Signal) Validate() error {
	switch {
	case s.ID == "":
		return errkind.New(errkind.InvalidSignal, "missing id")
	case s.Symbol == "":
		return errkind.New(errkind.InvalidSignal, "missing symbol")
	case s.Side != Buy && s.Side != Sell:
		return errkind.Newf(errkind.InvalidSignal, "side %q is not buy or sell", s.Side)
	case s.Quantity <= 0:
		return errkind.Newf(errkind.InvalidSignal, "quantity %v is not positive", s.Quantity)
	case s.Confidence < 0 || s.Confidence > 1:
		return errkind.Newf(errkind.InvalidSignal, "confidence %v outside [0,1]", s.Confidence)
	case s.Strategy == "":
		return errkind.New(errkind.InvalidSignal, "missing strategy")
	case s.TTLMs <= 0:
		return errkind.Newf(errkind.InvalidSignal, "ttl_ms %d is not positive", s.TTLMs)
	case s.TenantID == "":
		return errkind.New(errkind.InvalidSignal, "missing tenant_id")
	case s.Leverage != 0 && s.Leverage < 1:
		return errkind.Newf(errkind.InvalidSignal, "leverage %v below 1", s.Leverage)
	}
	return nil
}

// Clone returns a deep copy. Provenance is copied, never shared, so verdict
// appends on the copy cannot leak into the original.
func (s *Signal) Clone() *Signal {
	out := *s
	out.Provenance = make([]Verdict, len(s.Provenance))
	copy(out.Provenance, s.Provenance)
	return &out
}

// WithVerdict returns a copy with the stage's verdict appended.
func (s *Signal) WithVerdict(stage, outcome, reason string) *Signal {
	out := s.Clone()
	out.Provenance = append(out.Provenance, Verdict{
		Stage:   stage,
		Outcome: outcome,
		Reason:  reason,
		At:      time.Now().UnixMilli(),
	})
	return out
}

// Derive creates a child signal referencing this one as parent. The child
// gets its own id and timestamp; everything else starts from the parent.
func (s *Signal) Derive(strategy string) *Signal {
	out := s.Clone()
	out.ID = uuid.NewString()
	out.Timestamp = time.Now().UnixMilli()
	out.ParentID = s.ID
	if strategy != "" {
		out.Strategy = strategy
	}
	return out
}

// SeenStage reports whether a stage already recorded a verdict, which is how
// stages stay idempotent on redelivery.
func (s *Signal) SeenStage(stage string) bool {
	for _, v := range s.Provenance {
		if v.Stage == stage {
			return true
		}
	}
	return false
}

// TTL returns the signal's lifetime as a duration.
func (s *Signal) TTL() time.Duration {
	return time.Duration(s.TTLMs) * time.Millisecond
}

// ExpiresAt returns the instant the signal stops being actionable.
func (s *Signal) ExpiresAt() time.Time {
	return time.UnixMilli(s.Timestamp).Add(s.TTL())
}

// Expired reports whether the signal is past its TTL at the given instant.
// A signal arriving at exactly now+ttl is expired.
func (s *Signal) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt())
}

// Encode renders the signal as its canonical JSON document.
func (s *Signal) Encode() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding signal %s: %w", s.ID, err)
	}
	return raw, nil
}

// Decode parses a signal document.
func Decode(raw []byte) (*Signal, error) {
	var s Signal
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errkind.Wrap(errkind.InvalidSignal, "decode", err)
	}
	return &s, nil
}
