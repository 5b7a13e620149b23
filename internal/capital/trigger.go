package capital

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

// Trigger compares each tenant's running equity against its initial equity
// and broadcasts liquidate-all on the tenant's control channel when the
// drawdown breaches the ceiling. The broadcast fires once per breach and
// re-arms when the drawdown recovers; it fires at all only while liquidation
// protection is enabled.
type Trigger struct {
	bus bus.Bus
	m   *metrics.Metrics
	log zerolog.Logger

	tenants     []string
	initial     float64
	maxDrawdown float64
	protect     bool

	tripped map[string]bool
}

// NewTrigger builds the forced drawdown watcher.
func NewTrigger(cfg config.CapitalConfig, tenants []string, m *metrics.Metrics, log zerolog.Logger) *Trigger {
	return &Trigger{
		m:           m,
		log:         log.With().Str("component", "drawdown-trigger").Logger(),
		tenants:     tenants,
		initial:     cfg.InitialEquity,
		maxDrawdown: cfg.MaxDrawdown,
		protect:     cfg.LiquidationProtection,
		tripped:     make(map[string]bool),
	}
}

func (t *Trigger) BindBus(b bus.Bus) { t.bus = b }

func (t *Trigger) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:         "drawdown-trigger",
		Version:      "1.0.0",
		Creator:      "core",
		Type:         runtime.TypeMonitor,
		TickInterval: 30 * time.Second,
		DeclaredChannels: []string{
			"titan:prod:*:control",
			events.ChannelAlert,
		},
	}
}

// Tick checks every tenant's drawdown.
func (t *Trigger) Tick(ctx context.Context, info runtime.TickInfo) error {
	for _, tenant := range t.tenants {
		if err := t.check(ctx, tenant); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trigger) check(ctx context.Context, tenant string) error {
	equity, ok, err := t.equity(ctx, tenant)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	drawdown := (t.initial - equity) / t.initial
	if drawdown < t.maxDrawdown {
		t.tripped[tenant] = false
		return nil
	}
	if t.tripped[tenant] {
		return nil
	}
	t.tripped[tenant] = true

	if !t.protect {
		t.log.Warn().Str("tenant", tenant).Float64("drawdown", drawdown).
			Msg("drawdown ceiling breached, liquidation protection disabled")
		return nil
	}

	reason := fmt.Sprintf("drawdown %.4f breached ceiling %.4f", drawdown, t.maxDrawdown)
	cmd := signal.NewControl(signal.ActionLiquidateAll, map[string]string{
		"tenant": tenant,
		"reason": reason,
	})
	raw, err := cmd.Encode()
	if err != nil {
		return err
	}
	if err := t.bus.Publish(ctx, events.TenantControlChannel(tenant), raw); err != nil {
		return err
	}
	t.m.CountError("drawdown-trigger", string(errkind.DrawdownBreach))

	evt := events.Event{
		Type:      events.AlertRaised,
		Timestamp: time.Now().UTC(),
		Module:    "drawdown-trigger",
		Data: &events.AlertData{
			Severity: "critical",
			Module:   "drawdown-trigger",
			Message:  "liquidate-all broadcast for " + tenant + ": " + reason,
			Kind:     string(errkind.DrawdownBreach),
		},
	}
	rawEvt, err := json.Marshal(&evt)
	if err != nil {
		return err
	}
	if err := t.bus.Publish(ctx, events.ChannelAlert, rawEvt); err != nil {
		return err
	}

	t.log.Error().Str("tenant", tenant).Float64("equity", equity).
		Float64("drawdown", drawdown).Msg("liquidate-all broadcast")
	return nil
}

// equity reads the tenant's running equity; ok is false when the session
// tracker has not written it yet.
func (t *Trigger) equity(ctx context.Context, tenant string) (float64, bool, error) {
	raw, err := t.bus.Get(ctx, EquityKey(tenant))
	if errors.Is(err, bus.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	equity, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		t.log.Warn().Str("tenant", tenant).Str("raw", raw).Msg("unparseable equity key")
		return 0, false, nil
	}
	return equity, true, nil
}

// OnMessage is unused; the trigger polls equity.
func (t *Trigger) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	return nil
}
