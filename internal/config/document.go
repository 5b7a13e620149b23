package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

// Document is the canonical configuration document. It only ever holds
// JSON-representable values (numbers, strings, booleans, nested maps) so that
// its encoding, and therefore its digest, is deterministic: encoding/json
// writes map keys in sorted order.
type Document map[string]any

// Digest returns the stable SHA-256 of the document's sorted-keys JSON
// encoding, hex encoded.
func (d Document) Digest() (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encoding config document: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Merge returns a new document: base with override applied on top. Nested
// maps merge recursively; scalar collisions are won by the override.
func Merge(base, override Document) Document {
	out := make(Document, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		ov, ovIsMap := v.(map[string]any)
		bv, bvIsMap := out[k].(map[string]any)
		if ovIsMap && bvIsMap {
			out[k] = map[string]any(Merge(Document(bv), Document(ov)))
			continue
		}
		out[k] = v
	}
	return out
}

// Document flattens the loaded config into the canonical document that the
// drift guard hashes. Secrets never enter the document.
func (c *Config) Document() Document {
	return Document{
		"symbol":       c.Symbol,
		"morphic_mode": c.MorphicMode,
		"chaos_mode":   c.ChaosMode,
		"tenant_id":    c.TenantID,
		"pipeline": map[string]any{
			"noise_window_ms":      c.Pipeline.NoiseWindow.Milliseconds(),
			"min_signals_aligned":  c.Pipeline.MinSignalsAligned,
			"capital_multiplier":   c.Pipeline.CapitalMultiplier,
			"trust_threshold":      c.Pipeline.TrustThreshold,
			"w_history":            c.Pipeline.WHistory,
			"w_model":              c.Pipeline.WModel,
			"collision_window_ms":  c.Pipeline.CollisionWindow.Milliseconds(),
			"max_position_size":    c.Pipeline.MaxPositionSize,
			"context_window":       c.Pipeline.WindowEnabled,
			"trading_hours_start":  c.Pipeline.TradingHoursStart,
			"trading_hours_end":    c.Pipeline.TradingHoursEnd,
		},
		"capital": map[string]any{
			"min_fraction":            c.Capital.MinFraction,
			"max_fraction":            c.Capital.MaxFraction,
			"max_leverage":            c.Capital.MaxLeverage,
			"volatility_k":            c.Capital.VolatilityK,
			"loss_count_threshold":    c.Capital.LossCountThreshold,
			"capital_removal_percent": c.Capital.CapitalRemovalPercent,
			"max_drawdown":            c.Capital.MaxDrawdown,
			"liquidation_protection":  c.Capital.LiquidationProtection,
		},
		"execution": map[string]any{
			"max_retries_per_order": c.Execution.MaxRetriesPerOrder,
			"retry_delay_ms":        c.Execution.RetryDelay.Milliseconds(),
			"slippage_threshold":    c.Execution.SlippageThreshold,
		},
		"session": map[string]any{
			"reserve_buffer_pct": c.Session.ReserveBufferPct,
			"commander_pool_pct": c.Session.CommanderPoolPct,
			"overnight_base_pct": c.Session.OvernightBasePct,
		},
		"health": map[string]any{
			"heartbeat_interval_ms": c.Health.HeartbeatInterval.Milliseconds(),
			"score_threshold":       c.Health.ScoreThreshold,
			"max_retries":           c.Health.MaxRetries,
		},
	}
}

// Store holds the current document behind an atomic versioned swap, so
// consumers can detect stale reads by version.
type Store struct {
	mu      sync.RWMutex
	doc     Document
	version uint64
}

// NewStore seeds the store with the initial document at version 1.
func NewStore(doc Document) *Store {
	return &Store{doc: doc, version: 1}
}

// Current returns the live document and its version.
func (s *Store) Current() (Document, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc, s.version
}

// Swap replaces the document atomically and returns the new version.
func (s *Store) Swap(doc Document) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc
	s.version++
	return s.version
}
