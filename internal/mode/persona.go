package mode

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

// Persona names and their mode mapping.
const (
	PersonaHunter   = "hunter"
	PersonaSteady   = "steady"
	PersonaGuardian = "guardian"
)

// PersonaMode maps a persona to the mode it requests.
func PersonaMode(persona string) string {
	switch persona {
	case PersonaHunter:
		return AlphaPush
	case PersonaGuardian:
		return CapitalPreservation
	default:
		return Default
	}
}

// Shifter watches each tenant's session PnL against equity and posts a
// mode-change request when the persona crosses a band edge. It never applies
// modes itself; the governor owns the record.
type Shifter struct {
	bus     bus.Bus
	log     zerolog.Logger
	tenants []string

	interval      time.Duration
	initialEquity float64
	// UpPct and DownPct bound the steady band as sessionPnL/equity ratios.
	UpPct   float64
	DownPct float64

	last map[string]string // tenant -> last posted persona
}

// NewShifter builds the persona shifter over all tenants.
func NewShifter(tenants []string, initialEquity float64, interval time.Duration, log zerolog.Logger) *Shifter {
	return &Shifter{
		log:           log.With().Str("component", "persona-shifter").Logger(),
		tenants:       tenants,
		interval:      interval,
		initialEquity: initialEquity,
		UpPct:         0.02,
		DownPct:       -0.02,
		last:          make(map[string]string),
	}
}

// BindBus receives the guarded bus view.
func (s *Shifter) BindBus(b bus.Bus) { s.bus = b }

// Manifest declares the shifter as a read-mostly monitor that only publishes
// control requests.
func (s *Shifter) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:             "persona-shifter",
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeMonitor,
		TickInterval:     s.interval,
		DeclaredChannels: []string{events.ChannelControlManual},
	}
}

// Tick classifies every tenant and posts a request on crossover.
func (s *Shifter) Tick(ctx context.Context, info runtime.TickInfo) error {
	for _, tenant := range s.tenants {
		persona, err := s.classify(ctx, tenant)
		if err != nil {
			return err
		}
		if s.last[tenant] == persona {
			continue
		}
		cmd := signal.NewControl(signal.ActionSetMorphicMode, map[string]string{
			"tenant":    tenant,
			"mode":      PersonaMode(persona),
			"persona":   persona,
			"requester": "persona-shifter",
		})
		raw, err := cmd.Encode()
		if err != nil {
			return err
		}
		if err := s.bus.Publish(ctx, events.ChannelControlManual, raw); err != nil {
			return err
		}
		s.last[tenant] = persona
		s.log.Info().Str("tenant", tenant).Str("persona", persona).
			Str("mode", PersonaMode(persona)).Msg("persona crossover, mode change requested")
	}
	return nil
}

// OnMessage is unused.
func (s *Shifter) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	return nil
}

// classify derives the tenant's persona from session PnL over equity.
func (s *Shifter) classify(ctx context.Context, tenant string) (string, error) {
	equity := s.readFloat(ctx, namespace.Compose(tenant, namespace.DomainCapital, "equity", ""), s.initialEquity)
	if equity <= 0 {
		equity = s.initialEquity
	}
	pnl := s.readFloat(ctx, namespace.Compose(tenant, namespace.DomainCapital, "session_pnl", ""), 0)

	ratio := pnl / equity
	switch {
	case ratio >= s.UpPct:
		return PersonaHunter, nil
	case ratio <= s.DownPct:
		return PersonaGuardian, nil
	default:
		return PersonaSteady, nil
	}
}

func (s *Shifter) readFloat(ctx context.Context, key string, fallback float64) float64 {
	raw, err := s.bus.Get(ctx, key)
	if errors.Is(err, bus.ErrNotFound) {
		return fallback
	}
	if err != nil {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}
