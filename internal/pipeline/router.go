package pipeline

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/chaos"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

// Limiter gates per-tenant outbound order flow. Implemented by the tenant
// rate limiter; a nil limiter admits everything.
type Limiter interface {
	Allow(tenant string, now time.Time) bool
}

// Gate is the compliance check consulted at routing time, never earlier, so
// filtered signals still carry their full pipeline history in audits.
// Implemented by the KYC/jurisdiction filter; a nil gate admits everything.
type Gate interface {
	Check(ctx context.Context, s *signal.Signal) error
}

type sizeDirective struct {
	factor  float64
	expires time.Time
}

// Router is stage 10, the final gate before the execution boundary. It drops
// blocked, expired, hibernated, non-compliant, and rate-limited signals,
// applies the volatility scaler and contextual leverage limiter, applies any
// live chaos size directive, and publishes survivors to the execution
// channel. Reinjected retries enter here directly, never through the
// upstream stages.
type Router struct {
	stage
	maxLeverage float64
	volK        float64
	lookback    time.Duration // routed markers outlive phantom-fill checks
	tenants     []string
	limiter     Limiter
	gate        Gate

	mu         sync.Mutex
	hibernated map[string]bool
	sizes      map[string]sizeDirective
}

// NewRouter builds the router. The lookback stretches routed markers so the
// phantom-fill detector can still match fills after the signal TTL lapses.
func NewRouter(cfg config.CapitalConfig, lookback time.Duration, tenants []string, lim Limiter, gate Gate, m *metrics.Metrics, log zerolog.Logger) *Router {
	r := &Router{
		stage:       newStage(StageRouter, m, log),
		maxLeverage: cfg.MaxLeverage,
		volK:        cfg.VolatilityK,
		lookback:    lookback,
		tenants:     tenants,
		limiter:     lim,
		gate:        gate,
		hibernated:  make(map[string]bool),
		sizes:       make(map[string]sizeDirective),
	}
	r.downstream = events.ChannelExecutionOrders
	return r
}

func (r *Router) Manifest() runtime.Manifest {
	subs := []string{
		events.PipelineChannel(StageWindow),
		events.ChannelReinjected,
		events.ChannelChaosDirectives,
	}
	for _, t := range r.tenants {
		subs = append(subs, events.TenantControlChannel(t))
	}
	return runtime.Manifest{
		Name:             StageRouter,
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeRouter,
		Subscriptions:    subs,
		DeclaredKeys:     []string{"titan:*:signal:" + StageRouter},
		DeclaredChannels: []string{events.ChannelExecutionOrders, events.ChannelAlert},
	}
}

func (r *Router) Tick(ctx context.Context, info runtime.TickInfo) error { return nil }

func (r *Router) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	switch {
	case msg.Channel == events.ChannelChaosDirectives:
		r.onDirective(info.Now, msg.Payload)
		return nil
	case strings.HasSuffix(msg.Channel, ":control"):
		r.onControl(msg)
		return nil
	}

	s, ok := r.decode(ctx, msg.Payload)
	if !ok {
		return nil
	}
	return r.route(ctx, info.Now, s)
}

func (r *Router) route(ctx context.Context, now time.Time, s *signal.Signal) error {
	if r.seen(ctx, s) {
		return nil
	}
	if s.Flags.Blocked || s.Quantity <= 0 {
		r.drop(ctx, s, dropBlocked, "blocked upstream")
		return nil
	}
	if s.Expired(now) {
		r.drop(ctx, s, dropExpired, "ttl elapsed before routing")
		return nil
	}
	if r.isHibernated(s.TenantID) {
		r.drop(ctx, s, dropHibernating, "tenant is hibernating")
		return nil
	}
	if r.gate != nil {
		if err := r.gate.Check(ctx, s); err != nil {
			kind := dropKyc
			if errkind.IsKind(err, errkind.JurisdictionDenied) {
				kind = "jurisdiction"
			}
			r.m.CountError(r.name, string(errkind.KindOf(err)))
			r.drop(ctx, s, kind, err.Error())
			return nil
		}
	}
	if r.limiter != nil && !r.limiter.Allow(s.TenantID, now) {
		r.m.RateLimited.WithLabelValues(s.TenantID).Inc()
		r.m.CountError(r.name, string(errkind.RateLimited))
		r.drop(ctx, s, dropRateLimited, "tenant rate limit")
		return nil
	}

	// quantity *= (1 - vol*k); leverage = min(leverage, maxLeverage*(1 - vol*k)).
	// At volatility zero the scaler is a no-op but the leverage ceiling still
	// binds.
	routed := s.Clone()
	vol := r.volatility(ctx, s.TenantID, s.Symbol)
	scale := 1 - vol*r.volK
	if scale < 0 {
		scale = 0
	}
	routed.Quantity *= scale
	if levCap := r.maxLeverage * scale; routed.Leverage > levCap {
		routed.Leverage = levCap
	}
	if factor, live := r.sizeFactor(s.TenantID, now); live {
		routed.Quantity *= factor
	}
	if routed.Quantity <= 0 {
		r.drop(ctx, s, dropBlocked, "quantity scaled to zero")
		return nil
	}

	routed = routed.WithVerdict(StageRouter, signal.VerdictPass, "")
	raw, err := routed.Encode()
	if err != nil {
		return err
	}
	if err := r.bus.Publish(ctx, events.ChannelExecutionOrders, raw); err != nil {
		return err
	}
	r.m.SignalsPublished.WithLabelValues(r.name).Inc()

	// The routed marker doubles as the phantom-fill reference, so it lives
	// at least the lookback window.
	ttl := markerTTL(routed, now)
	if ttl < r.lookback {
		ttl = r.lookback
	}
	if err := r.bus.Set(ctx, RoutedKey(routed.TenantID, routed.Symbol, routed.ID), routed.ID, ttl); err != nil {
		r.log.Warn().Err(err).Str("signal_id", routed.ID).Msg("routed marker write failed")
	}
	r.log.Info().
		Str("signal_id", routed.ID).
		Str("symbol", routed.Symbol).
		Str("side", string(routed.Side)).
		Float64("quantity", routed.Quantity).
		Float64("volatility", vol).
		Msg("signal routed to execution")
	return nil
}

// onDirective records a load-shedding factor for the tenant (or all tenants
// when the directive is unscoped).
func (r *Router) onDirective(now time.Time, payload []byte) {
	d, err := chaos.DecodeDirective(payload)
	if err != nil || d.Directive != "reduce_size" || d.SizeFactor <= 0 {
		return
	}
	r.mu.Lock()
	r.sizes[d.Tenant] = sizeDirective{factor: d.SizeFactor, expires: now.Add(chaos.DirectiveMaxAge)}
	r.mu.Unlock()
	r.log.Warn().
		Str("tenant", d.Tenant).
		Float64("size_factor", d.SizeFactor).
		Float64("score", d.Score).
		Msg("chaos directive applied to routing")
}

// onControl toggles per-tenant hibernation from the kill-switch broadcasts.
func (r *Router) onControl(msg bus.Message) {
	cmd, err := signal.DecodeControl(msg.Payload)
	if err != nil {
		return
	}
	tenant := tenantFromControlChannel(msg.Channel)
	if tenant == "" {
		tenant = cmd.Args["tenant"]
	}
	if tenant == "" {
		return
	}
	switch cmd.Action {
	case signal.ActionHibernate:
		r.setHibernated(tenant, true)
		r.log.Warn().Str("tenant", tenant).Str("reason", cmd.Args["reason"]).Msg("routing hibernated")
	case signal.ActionResume:
		r.setHibernated(tenant, false)
		r.log.Info().Str("tenant", tenant).Msg("routing resumed")
	}
}

func (r *Router) setHibernated(tenant string, v bool) {
	r.mu.Lock()
	r.hibernated[tenant] = v
	r.mu.Unlock()
}

func (r *Router) isHibernated(tenant string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hibernated[tenant]
}

func (r *Router) sizeFactor(tenant string, now time.Time) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range []string{tenant, ""} {
		if d, ok := r.sizes[key]; ok {
			if now.Before(d.expires) {
				return d.factor, true
			}
			delete(r.sizes, key)
		}
	}
	return 1, false
}

// volatility reads the tenant's volatility indicator for the symbol; missing
// or malformed keys read as calm.
func (r *Router) volatility(ctx context.Context, tenant, symbol string) float64 {
	key := namespace.Compose(tenant, namespace.DomainIndicator, "volatility", symbol)
	raw, err := r.bus.Get(ctx, key)
	if err != nil {
		return 0
	}
	vol, err := strconv.ParseFloat(raw, 64)
	if err != nil || vol < 0 {
		return 0
	}
	if vol > 1 {
		vol = 1
	}
	return vol
}

// RoutedKey is the router's idempotence marker for one published order. The
// phantom-fill detector checks it to match fills against recent routings.
func RoutedKey(tenant, symbol, id string) string {
	return namespace.Compose(tenant, namespace.DomainSignal, StageRouter, symbol+":"+id)
}

// tenantFromControlChannel extracts {tenant} from titan:prod:{tenant}:control.
func tenantFromControlChannel(channel string) string {
	parts := strings.Split(channel, ":")
	if len(parts) == 4 && parts[0] == "titan" && parts[3] == "control" {
		return parts[2]
	}
	return ""
}
