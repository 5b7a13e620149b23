package config

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/signal"
)

// Drift policies. Pause broadcasts tenant hibernation and trading stops until
// an operator resumes; readonly keeps signals flowing but stops the jobs that
// mutate durable capital state.
const (
	PolicyPause    = "pause"
	PolicyReadonly = "readonly"
)

// DigestKey holds the reference digest the guard compares against. Operators
// rewrite it after a deliberate configuration change.
var DigestKey = namespace.Infra("config_hash")

// ReadonlyKey marks the readonly degradation. Mutating jobs consult it before
// touching durable state; the guard clears it once the digests match again.
var ReadonlyKey = namespace.Infra("config_readonly")

// DriftGuard compares the live document's digest against the stored reference
// on schedule. The first run adopts the live digest as the reference.
type DriftGuard struct {
	bus     bus.Bus
	store   *Store
	policy  string
	tenants []string
	log     zerolog.Logger
}

// NewDriftGuard builds the hourly drift check over the given tenant set.
func NewDriftGuard(b bus.Bus, store *Store, cfg DriftConfig, tenants []string, log zerolog.Logger) *DriftGuard {
	return &DriftGuard{
		bus:     b,
		store:   store,
		policy:  cfg.Policy,
		tenants: tenants,
		log:     log.With().Str("job", "config-drift-guard").Logger(),
	}
}

func (g *DriftGuard) Name() string { return "config-drift-guard" }

func (g *DriftGuard) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doc, version := g.store.Current()
	digest, err := doc.Digest()
	if err != nil {
		return err
	}

	stored, err := g.bus.Get(ctx, DigestKey)
	if errors.Is(err, bus.ErrNotFound) {
		g.log.Info().Str("digest", digest).Uint64("version", version).Msg("reference digest adopted")
		return g.bus.SetDurable(ctx, DigestKey, digest)
	}
	if err != nil {
		return err
	}

	if stored == digest {
		return g.clearReadonly(ctx)
	}

	g.log.Error().Str("expected", stored).Str("actual", digest).
		Str("policy", g.policy).Msg("configuration drift detected")
	g.publish(ctx, events.ChannelViolations, events.ConfigDriftFound, &events.ConfigDriftData{
		Expected: stored,
		Actual:   digest,
		Policy:   g.policy,
	})
	g.publish(ctx, events.ChannelAlert, events.AlertRaised, &events.AlertData{
		Severity: "critical",
		Module:   g.Name(),
		Message:  "configuration drift detected, policy " + g.policy,
		Kind:     string(errkind.ConfigDrift),
	})

	switch g.policy {
	case PolicyPause:
		g.pauseTenants(ctx)
	case PolicyReadonly:
		if err := g.bus.SetDurable(ctx, ReadonlyKey, "true"); err != nil {
			return err
		}
	}
	return nil
}

// clearReadonly lifts the degradation once the reference matches again,
// typically after an operator updates the stored digest.
func (g *DriftGuard) clearReadonly(ctx context.Context) error {
	v, err := g.bus.Get(ctx, ReadonlyKey)
	if errors.Is(err, bus.ErrNotFound) || (err == nil && v != "true") {
		return nil
	}
	if err != nil {
		return err
	}
	if err := g.bus.Del(ctx, ReadonlyKey); err != nil {
		return err
	}
	g.log.Info().Msg("configuration matches reference again, readonly lifted")
	return nil
}

func (g *DriftGuard) pauseTenants(ctx context.Context) {
	cmd := signal.NewControl(signal.ActionHibernate, map[string]string{"reason": "config drift"})
	raw, err := cmd.Encode()
	if err != nil {
		g.log.Error().Err(err).Msg("control encode failed")
		return
	}
	for _, tenant := range g.tenants {
		if err := g.bus.Publish(ctx, events.TenantControlChannel(tenant), raw); err != nil {
			g.log.Warn().Err(err).Str("tenant", tenant).Msg("pause broadcast failed")
		}
	}
}

func (g *DriftGuard) publish(ctx context.Context, channel string, typ events.EventType, data events.EventData) {
	evt := events.Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Module:    g.Name(),
		Data:      data,
	}
	raw, err := json.Marshal(&evt)
	if err != nil {
		g.log.Error().Err(err).Msg("event encode failed")
		return
	}
	if err := g.bus.Publish(ctx, channel, raw); err != nil {
		g.log.Warn().Err(err).Str("channel", channel).Msg("event publish failed")
	}
}

// ReadonlyActive reports whether the drift guard has degraded mutating jobs.
func ReadonlyActive(ctx context.Context, b bus.Bus) bool {
	v, err := b.Get(ctx, ReadonlyKey)
	return err == nil && v == "true"
}
