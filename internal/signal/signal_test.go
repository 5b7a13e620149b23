package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanlabs/titan/internal/errkind"
)

func TestValidate(t *testing.T) {
	s := New("prod", "MomentumStrategy", "BTCUSDT", Buy, 0.1, 0.9, time.Minute)
	require.NoError(t, s.Validate())

	// Boundary confidences are legal.
	s.Confidence = 0
	assert.NoError(t, s.Validate())
	s.Confidence = 1
	assert.NoError(t, s.Validate())

	cases := []struct {
		name   string
		mutate func(*Signal)
	}{
		{"missing id", func(s *Signal) { s.ID = "" }},
		{"missing symbol", func(s *Signal) { s.Symbol = "" }},
		{"bad side", func(s *Signal) { s.Side = "hold" }},
		{"zero quantity", func(s *Signal) { s.Quantity = 0 }},
		{"confidence above one", func(s *Signal) { s.Confidence = 1.01 }},
		{"negative confidence", func(s *Signal) { s.Confidence = -0.1 }},
		{"missing strategy", func(s *Signal) { s.Strategy = "" }},
		{"zero ttl", func(s *Signal) { s.TTLMs = 0 }},
		{"missing tenant", func(s *Signal) { s.TenantID = "" }},
		{"sub-unit leverage", func(s *Signal) { s.Leverage = 0.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := New("prod", "MomentumStrategy", "BTCUSDT", Buy, 0.1, 0.9, time.Minute)
			tc.mutate(bad)
			err := bad.Validate()
			require.Error(t, err)
			assert.Equal(t, errkind.InvalidSignal, errkind.KindOf(err))
		})
	}
}

func TestWithVerdictDoesNotMutateOriginal(t *testing.T) {
	s := New("prod", "MomentumStrategy", "BTCUSDT", Buy, 0.1, 0.9, time.Minute)
	annotated := s.WithVerdict("integrity", VerdictPass, "")

	assert.Empty(t, s.Provenance)
	require.Len(t, annotated.Provenance, 1)
	assert.Equal(t, "integrity", annotated.Provenance[0].Stage)
	assert.Equal(t, VerdictPass, annotated.Provenance[0].Outcome)
	assert.True(t, annotated.SeenStage("integrity"))
	assert.False(t, annotated.SeenStage("noise"))
}

func TestDeriveReferencesParent(t *testing.T) {
	s := New("prod", "MomentumStrategy", "BTCUSDT", Buy, 0.1, 0.9, time.Minute)
	child := s.Derive("alignment")

	assert.NotEqual(t, s.ID, child.ID)
	assert.Equal(t, s.ID, child.ParentID)
	assert.Equal(t, "alignment", child.Strategy)
	assert.Equal(t, s.Symbol, child.Symbol)
}

func TestExpiry(t *testing.T) {
	s := New("prod", "MomentumStrategy", "BTCUSDT", Buy, 0.1, 0.9, time.Minute)
	emitted := time.UnixMilli(s.Timestamp)

	assert.False(t, s.Expired(emitted))
	assert.False(t, s.Expired(emitted.Add(59*time.Second)))
	// Arrival at exactly now+ttl counts as expired.
	assert.True(t, s.Expired(emitted.Add(time.Minute)))
}

func TestEncodeDecode(t *testing.T) {
	s := New("prod", "MomentumStrategy", "BTCUSDT", Sell, 0.25, 0.8, 30*time.Second)
	s.Price = 64250.5
	s.Flags.Reinjected = true
	s = s.WithVerdict("integrity", VerdictPass, "")

	raw, err := s.Encode()
	require.NoError(t, err)

	back, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, s, back)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidSignal, errkind.KindOf(err))
}
