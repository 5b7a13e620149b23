package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/runtime"
)

// Sweeper enforces the transient-key contract: every key in a transient
// domain carries a TTL. The namespace guard already rejects TTL-less writes
// on the module path, so anything the sweeper finds arrived out of band
// (operator redis-cli, an external peer). Such keys get the clamp TTL
// applied, are reported on the violations channel, and raise one warning
// alert per sweep; without the clamp they would live forever and the
// keyspace would only ever grow.
type Sweeper struct {
	bus     bus.Bus
	tenants []string
	clamp   time.Duration
	every   time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewSweeper builds the sweeper from the health config.
func NewSweeper(cfg config.HealthConfig, tenants []string, m *metrics.Metrics, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		tenants: tenants,
		clamp:   cfg.SweepClamp,
		every:   cfg.SweepInterval,
		metrics: m,
		log:     log.With().Str("component", "ttl-sweeper").Logger(),
	}
}

// BindBus receives the guarded bus view.
func (s *Sweeper) BindBus(b bus.Bus) { s.bus = b }

// Manifest declares every transient domain as writable: applying a TTL is a
// mutation and the namespace guard checks it like any other write.
func (s *Sweeper) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:         "ttl-sweeper",
		Version:      "1.0.0",
		Creator:      "core",
		Type:         runtime.TypeMonitor,
		TickInterval: s.every,
		DeclaredKeys: []string{
			"titan:*:signal",
			"titan:*:indicator",
			"titan:health",
		},
		DeclaredChannels: []string{
			events.ChannelAlert,
			events.ChannelViolations,
		},
	}
}

// Tick walks the transient domains and clamps every key found without an
// expiry. Keys vanishing between scan and probe are normal churn, not
// errors.
func (s *Sweeper) Tick(ctx context.Context, info runtime.TickInfo) error {
	swept := 0
	for _, prefix := range s.prefixes() {
		keys, err := s.bus.Scan(ctx, prefix)
		if err != nil {
			return err
		}
		for _, key := range keys {
			clamped, err := s.clampKey(ctx, key)
			if err != nil {
				return err
			}
			if clamped {
				swept++
			}
		}
	}
	if swept > 0 {
		s.alert(ctx, swept)
	}
	return nil
}

// OnMessage is unused.
func (s *Sweeper) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	return nil
}

func (s *Sweeper) prefixes() []string {
	out := make([]string, 0, len(s.tenants)*len(namespace.TransientDomains)+1)
	for _, domain := range namespace.TransientDomains {
		if domain == namespace.DomainHealth {
			// Health keys are tenant-less.
			out = append(out, namespace.Root+":"+string(domain)+":")
			continue
		}
		for _, tenant := range s.tenants {
			out = append(out, namespace.Compose(tenant, domain, "", "")+":")
		}
	}
	return out
}

func (s *Sweeper) clampKey(ctx context.Context, key string) (bool, error) {
	ttl, err := s.bus.TTL(ctx, key)
	if errors.Is(err, bus.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if ttl != bus.NoTTL {
		return false, nil
	}
	if err := s.bus.Expire(ctx, key, s.clamp); err != nil {
		if errors.Is(err, bus.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	s.metrics.KeysSwept.WithLabelValues(s.domainOf(key)).Inc()
	s.log.Warn().Str("key", key).Dur("clamp", s.clamp).
		Msg("transient key had no expiry, clamp applied")
	return true, s.violation(ctx, key)
}

// violation feeds the audit trail the dependency resolver watches. The
// writer of the key is unknown, so the module field stays empty.
func (s *Sweeper) violation(ctx context.Context, key string) error {
	evt := events.Event{
		Type:      events.ViolationDetected,
		Timestamp: time.Now().UTC(),
		Module:    "ttl-sweeper",
		Data: &events.ViolationData{
			Target: key,
			Kind:   "missing_ttl",
			Detail: fmt.Sprintf("clamped to %s", s.clamp),
		},
	}
	raw, err := json.Marshal(&evt)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, events.ChannelViolations, raw)
}

func (s *Sweeper) domainOf(key string) string {
	parsed, err := namespace.Parse(key)
	if err != nil {
		return "unknown"
	}
	return string(parsed.Domain)
}

func (s *Sweeper) alert(ctx context.Context, swept int) {
	evt := events.Event{
		Type:      events.AlertRaised,
		Timestamp: time.Now().UTC(),
		Module:    "ttl-sweeper",
		Data: &events.AlertData{
			Severity: "warning",
			Module:   "ttl-sweeper",
			Message:  fmt.Sprintf("%d transient keys had no expiry, clamped to %s", swept, s.clamp),
			Kind:     string(errkind.InvalidTTL),
		},
	}
	payload, err := json.Marshal(&evt)
	if err != nil {
		s.log.Error().Err(err).Msg("encoding sweep alert")
		return
	}
	if err := s.bus.Publish(ctx, events.ChannelAlert, payload); err != nil {
		s.log.Error().Err(err).Msg("publishing sweep alert")
	}
}
