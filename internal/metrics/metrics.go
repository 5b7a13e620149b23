// Package metrics holds the single injected Prometheus registry shared by
// every worker. All counter families are declared exactly once at wire time;
// modules receive this handle from the runtime and never register their own
// collectors. Re-declaring a family anywhere else is a bug.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the declare-once family set.
type Metrics struct {
	registry *prometheus.Registry

	TickTotal        *prometheus.CounterVec // module
	ErrorTotal       *prometheus.CounterVec // module, kind
	TickDuration     *prometheus.HistogramVec
	MessageTotal     *prometheus.CounterVec // module, channel
	BackpressureDrop *prometheus.CounterVec // channel

	SignalsPublished *prometheus.CounterVec // stage
	SignalsDropped   *prometheus.CounterVec // stage, reason
	PolicyDrops      *prometheus.CounterVec // tenant, mode

	CapitalRedirects  *prometheus.CounterVec   // tenant
	BookVersion       *prometheus.GaugeVec     // tenant
	RestartsTotal     *prometheus.CounterVec   // module
	ModulesDropped    *prometheus.CounterVec   // module
	HealthScore       *prometheus.GaugeVec     // module
	FailoverActive    prometheus.Gauge
	SystemState       *prometheus.GaugeVec     // state (1 on the active one)
	RateLimited       *prometheus.CounterVec   // tenant
	TradesTotal       *prometheus.CounterVec   // tenant, outcome
	SlippageFlags     *prometheus.CounterVec   // tenant
	PhantomFills      *prometheus.CounterVec   // tenant
	OpenPositions     *prometheus.GaugeVec     // tenant, symbol
	PositionsRestored *prometheus.CounterVec   // tenant
	StageLatency      *prometheus.HistogramVec // from, to
	GuardTrips        *prometheus.CounterVec   // guard, tenant
	KeysSwept         *prometheus.CounterVec   // domain
}

// New builds the family set against a fresh registry.
func New() *Metrics {
	return NewWith(prometheus.NewRegistry())
}

// NewWith declares every family on the given registry.
func NewWith(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		TickTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_tick_total",
			Help: "Completed tick iterations per module.",
		}, []string{"module"}),
		ErrorTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_error_total",
			Help: "Errors per module by stable error kind.",
		}, []string{"module", "kind"}),
		TickDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "titan_tick_duration_seconds",
			Help:    "Tick and message handler latency per module.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"module"}),
		MessageTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_message_total",
			Help: "Messages handled per module and channel.",
		}, []string{"module", "channel"}),
		BackpressureDrop: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_backpressure_drop_total",
			Help: "Oldest-entry evictions from bounded subscription queues.",
		}, []string{"channel"}),
		SignalsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_signals_published_total",
			Help: "Signals forwarded downstream per pipeline stage.",
		}, []string{"stage"}),
		SignalsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_signals_dropped_total",
			Help: "Signals dropped per pipeline stage and reason.",
		}, []string{"stage", "reason"}),
		PolicyDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_policy_drop_total",
			Help: "Signals rejected by morphic mode policy caps.",
		}, []string{"tenant", "mode"}),
		CapitalRedirects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_capital_redirections_total",
			Help: "Drawdown-triggered capital moves to the neutral/hedge set.",
		}, []string{"tenant"}),
		BookVersion: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "titan_capital_book_version",
			Help: "Current capital book version per tenant.",
		}, []string{"tenant"}),
		RestartsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_restarts_total",
			Help: "Restart requests issued per module.",
		}, []string{"module"}),
		ModulesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_modules_dropped_total",
			Help: "Modules dropped after exhausting their restart budget.",
		}, []string{"module"}),
		HealthScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "titan_health_score",
			Help: "Latest composite health score per module.",
		}, []string{"module"}),
		FailoverActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "titan_failover_active",
			Help: "1 while bus traffic is redirected to the secondary region.",
		}),
		SystemState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "titan_system_state",
			Help: "System state machine position (1 on the active state).",
		}, []string{"state"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_rate_limited_total",
			Help: "Signals gated by the per-tenant rate limiter.",
		}, []string{"tenant"}),
		TradesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_trades_total",
			Help: "Trade events accounted per tenant and outcome.",
		}, []string{"tenant", "outcome"}),
		SlippageFlags: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_slippage_flags_total",
			Help: "Fills whose executed price deviated beyond the threshold.",
		}, []string{"tenant"}),
		PhantomFills: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_phantom_fills_total",
			Help: "Fills with no matching routed signal in the lookback window.",
		}, []string{"tenant"}),
		OpenPositions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "titan_open_position_quantity",
			Help: "Net position quantity per tenant and symbol after accounting.",
		}, []string{"tenant", "symbol"}),
		PositionsRestored: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_positions_restored_total",
			Help: "Restore intents replayed to the execution boundary at boot.",
		}, []string{"tenant"}),
		StageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "titan_stage_latency_seconds",
			Help:    "Stage-to-stage signal latency sampled from provenance.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"from", "to"}),
		GuardTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_guard_trips_total",
			Help: "Kill-switch activations per guard and tenant.",
		}, []string{"guard", "tenant"}),
		KeysSwept: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_keys_swept_total",
			Help: "Transient keys found without expiry and clamped by the sweeper.",
		}, []string{"domain"}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTick records one completed tick or message handling pass.
func (m *Metrics) ObserveTick(module string, d time.Duration) {
	m.TickTotal.WithLabelValues(module).Inc()
	m.TickDuration.WithLabelValues(module).Observe(d.Seconds())
}

// CountError records an error under its stable kind name.
func (m *Metrics) CountError(module, kind string) {
	m.ErrorTotal.WithLabelValues(module, kind).Inc()
}
