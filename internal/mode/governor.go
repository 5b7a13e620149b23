package mode

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

// Governor owns every tenant's mode record. Change requests arrive on the
// manual control channel; authorized ones are audited and applied through the
// store, with request and outcome both broadcast on titan:mode:{tenant}.
// Invalid ones are rejected with PolicyViolation and an alert.
type Governor struct {
	bus     bus.Bus
	store   *Store
	log     zerolog.Logger
	metrics *metrics.Metrics

	tenants map[string]bool
	// scopes restricts a requester to specific tenants. Requesters not
	// listed may steer any tenant; an empty requester is always rejected.
	scopes map[string][]string
}

// NewGovernor builds the governor for the given tenant set.
func NewGovernor(tenants []string, scopes map[string][]string, m *metrics.Metrics, log zerolog.Logger) *Governor {
	set := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		set[t] = true
	}
	return &Governor{
		log:     log.With().Str("component", "mode-governor").Logger(),
		metrics: m,
		tenants: set,
		scopes:  scopes,
	}
}

// BindBus receives the guarded bus view and hooks up the store.
func (g *Governor) BindBus(b bus.Bus) {
	g.bus = b
	g.store = NewStore(b)
}

// Manifest declares the governor: subscription-only, writing mode records and
// broadcasting on the per-tenant mode channels.
func (g *Governor) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:             "mode-governor",
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeConfig,
		Subscriptions:    []string{events.ChannelControlManual},
		DeclaredKeys:     []string{"titan:mode:*"},
		DeclaredChannels: []string{"titan:mode:*", events.ChannelAlert},
	}
}

// Tick is unused; the governor is purely reactive.
func (g *Governor) Tick(ctx context.Context, info runtime.TickInfo) error { return nil }

// request is one parsed mode-control command.
type request struct {
	tenant, mode, persona, requester, reason string
}

// OnMessage handles one control command. Actions outside mode control are
// ignored; other consumers of the channel own those.
func (g *Governor) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	cmd, err := signal.DecodeControl(msg.Payload)
	if err != nil {
		g.log.Warn().Err(err).Msg("undecodable control message")
		return nil
	}

	req := request{
		tenant:    cmd.Args["tenant"],
		persona:   cmd.Args["persona"],
		requester: cmd.Args["requester"],
		reason:    cmd.Args["reason"],
	}
	switch cmd.Action {
	case signal.ActionSetMorphicMode:
		// A persona may ride along so one request bumps the version once.
		req.mode = cmd.Args["mode"]
		return g.handle(ctx, req)
	case signal.ActionSetPersona:
		return g.handle(ctx, req)
	default:
		return nil
	}
}

func (g *Governor) handle(ctx context.Context, req request) error {
	if err := g.authorize(req.tenant, req.mode, req.requester); err != nil {
		g.reject(ctx, req.tenant, req.mode, req.requester, err)
		return nil
	}
	g.audit(ctx, req)

	prev, err := g.store.Load(ctx, req.tenant)
	if err != nil {
		return err
	}
	st, err := g.store.Apply(ctx, req.tenant, req.mode, req.persona)
	if err != nil {
		if errkind.IsKind(err, errkind.PolicyViolation) {
			g.reject(ctx, req.tenant, req.mode, req.requester, err)
			return nil
		}
		return err
	}

	evt := events.Event{
		Type:      events.ModeChanged,
		Timestamp: time.Now().UTC(),
		Module:    "mode-governor",
		Data: &events.ModeChangeData{
			Tenant:  req.tenant,
			From:    prev.Mode,
			To:      st.Mode,
			Persona: st.Persona,
			Version: st.Version,
		},
	}
	raw, err := json.Marshal(&evt)
	if err != nil {
		return err
	}
	if err := g.bus.Publish(ctx, events.ModeChannel(req.tenant), raw); err != nil {
		return err
	}

	g.log.Info().Str("tenant", req.tenant).Str("from", prev.Mode).Str("to", st.Mode).
		Str("persona", st.Persona).Uint64("version", st.Version).
		Str("requester", req.requester).Msg("mode applied")
	return nil
}

// audit precedes the outcome broadcast on the tenant's mode channel; the
// ModeChanged event carries the result but not who asked.
func (g *Governor) audit(ctx context.Context, req request) {
	evt := events.Event{
		Type:      events.ModeChangeRequested,
		Timestamp: time.Now().UTC(),
		Module:    "mode-governor",
		Data: &events.ModeChangeRequestData{
			Tenant:    req.tenant,
			Mode:      req.mode,
			Persona:   req.persona,
			Requester: req.requester,
			Reason:    req.reason,
		},
	}
	raw, err := json.Marshal(&evt)
	if err != nil {
		return
	}
	if err := g.bus.Publish(ctx, events.ModeChannel(req.tenant), raw); err != nil {
		g.log.Warn().Err(err).Msg("request audit publish failed")
	}
}

func (g *Governor) authorize(tenant, newMode, requester string) error {
	if requester == "" {
		return errkind.New(errkind.PolicyViolation, "mode change without requester")
	}
	if !g.tenants[tenant] {
		return errkind.New(errkind.PolicyViolation, "unknown tenant "+tenant)
	}
	if newMode != "" {
		if err := Validate(newMode); err != nil {
			return err
		}
	}
	if allowed, restricted := g.scopes[requester]; restricted {
		for _, t := range allowed {
			if t == tenant {
				return nil
			}
		}
		return errkind.New(errkind.PolicyViolation, requester+" is out of scope for tenant "+tenant)
	}
	return nil
}

func (g *Governor) reject(ctx context.Context, tenant, newMode, requester string, cause error) {
	if g.metrics != nil {
		g.metrics.CountError("mode-governor", string(errkind.PolicyViolation))
	}
	g.log.Warn().Str("tenant", tenant).Str("mode", newMode).Str("requester", requester).
		Str("error_kind", string(errkind.PolicyViolation)).Err(cause).
		Msg("mode change rejected")

	evt := events.Event{
		Type:      events.AlertRaised,
		Timestamp: time.Now().UTC(),
		Module:    "mode-governor",
		Data: &events.AlertData{
			Severity: "warning",
			Module:   "mode-governor",
			Message:  "mode change rejected: " + cause.Error(),
			Kind:     string(errkind.PolicyViolation),
		},
	}
	raw, err := json.Marshal(&evt)
	if err != nil {
		return
	}
	if err := g.bus.Publish(ctx, events.ChannelAlert, raw); err != nil {
		g.log.Warn().Err(err).Msg("alert publish failed")
	}
}
