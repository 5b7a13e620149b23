// Package mode implements morphic mode control: the per-tenant mode store,
// the governor that validates and applies mode-change requests, and the
// persona shifter that proposes them from equity swings. The pipeline's
// adapter stage reads the resulting policy every iteration.
package mode

import (
	"sort"

	"github.com/titanlabs/titan/internal/errkind"
)

// Canonical mode names.
const (
	Default               = "default"
	AlphaPush             = "alpha_push"
	Conservative          = "conservative"
	AggressiveSniper      = "aggressive_sniper"
	CapitalPreservation   = "capital_preservation"
	HighVolatilityDefense = "high_volatility_defense"
	ConservativeBuffer    = "conservative_buffer"
)

// Policy is the cap set one mode imposes on every signal that passes the
// adapter while the mode is active.
type Policy struct {
	Name                 string
	MaxLeverage          float64
	MinConfidence        float64
	ConfidenceMultiplier float64
	TTLMultiplier        float64
}

// policies is the built-in cap table. Values are starting points; env
// overrides arrive through the adapter's config, not by mutating this table.
var policies = map[string]Policy{
	Default:               {Name: Default, MaxLeverage: 3, MinConfidence: 0.5, ConfidenceMultiplier: 1.0, TTLMultiplier: 1.0},
	AlphaPush:             {Name: AlphaPush, MaxLeverage: 5, MinConfidence: 0.7, ConfidenceMultiplier: 1.1, TTLMultiplier: 0.8},
	Conservative:          {Name: Conservative, MaxLeverage: 2, MinConfidence: 0.6, ConfidenceMultiplier: 0.9, TTLMultiplier: 1.2},
	AggressiveSniper:      {Name: AggressiveSniper, MaxLeverage: 4, MinConfidence: 0.75, ConfidenceMultiplier: 1.2, TTLMultiplier: 0.5},
	CapitalPreservation:   {Name: CapitalPreservation, MaxLeverage: 1, MinConfidence: 0.8, ConfidenceMultiplier: 0.8, TTLMultiplier: 1.5},
	HighVolatilityDefense: {Name: HighVolatilityDefense, MaxLeverage: 2, MinConfidence: 0.7, ConfidenceMultiplier: 0.85, TTLMultiplier: 0.7},
	ConservativeBuffer:    {Name: ConservativeBuffer, MaxLeverage: 2, MinConfidence: 0.65, ConfidenceMultiplier: 0.9, TTLMultiplier: 1.3},
}

// PolicyFor resolves a mode name to its cap set. Unknown names resolve to the
// default policy so a torn read never loosens caps below the floor.
func PolicyFor(name string) Policy {
	if p, ok := policies[name]; ok {
		return p
	}
	return policies[Default]
}

// Known reports whether name is a canonical mode.
func Known(name string) bool {
	_, ok := policies[name]
	return ok
}

// Names returns the canonical mode names in stable order.
func Names() []string {
	out := make([]string, 0, len(policies))
	for name := range policies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate rejects unknown mode names with PolicyViolation.
func Validate(name string) error {
	if !Known(name) {
		return errkind.New(errkind.PolicyViolation, "unknown mode "+name)
	}
	return nil
}
