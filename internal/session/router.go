package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/capital"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/journal"
	"github.com/titanlabs/titan/internal/namespace"
)

// Profit buckets. Positive session PnL is split across these at close.
const (
	BucketReserve   = "reserve_buffer"
	BucketCommander = "commander_pool"
	BucketOvernight = "overnight_base"
)

// ProfitRouter closes the session that just ended and routes its net profit.
// It runs on the session-close cron spec, so "the session that just ended" is
// the date one minute before the tick. Losing or flat sessions are closed and
// announced but route nothing. CloseSession fires at most once per session
// row, which makes the whole job safe to re-run.
type ProfitRouter struct {
	bus     bus.Bus
	j       *journal.Journal
	cfg     config.SessionConfig
	tenants []string
	log     zerolog.Logger
	now     func() time.Time
}

// NewProfitRouter builds the session-close job. It takes the raw bus: cron
// jobs are operator-level and not namespace-guarded.
func NewProfitRouter(b bus.Bus, j *journal.Journal, cfg config.SessionConfig, tenants []string, log zerolog.Logger) *ProfitRouter {
	return &ProfitRouter{
		bus:     b,
		j:       j,
		cfg:     cfg,
		tenants: tenants,
		log:     log.With().Str("job", "profit-router").Logger(),
		now:     time.Now,
	}
}

func (r *ProfitRouter) Name() string { return "profit-router" }

func (r *ProfitRouter) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if config.ReadonlyActive(ctx, r.bus) {
		r.log.Warn().Msg("config drift readonly active, session close skipped")
		return nil
	}

	sessionDate := journal.SessionDate(r.now().Add(-time.Minute))
	var firstErr error
	for _, tenant := range r.tenants {
		if err := r.closeTenant(ctx, tenant, sessionDate); err != nil {
			r.log.Error().Err(err).Str("tenant", tenant).Msg("session close failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *ProfitRouter) closeTenant(ctx context.Context, tenant, sessionDate string) error {
	pnl, ok, err := r.j.CloseSession(ctx, tenant, sessionDate)
	if err != nil {
		return err
	}
	if !ok {
		r.log.Debug().Str("tenant", tenant).Str("session", sessionDate).Msg("nothing to close")
		return nil
	}

	if err := r.announceClose(ctx, tenant, sessionDate, pnl); err != nil {
		return err
	}

	// The next session starts from a clean slate: restore acks are only
	// meaningful within one session, and drawdown is measured from open.
	if err := r.j.ClearRestoreAcks(ctx, tenant); err != nil {
		return err
	}
	if err := r.bus.SetDurable(ctx, capital.SessionDrawdownKey(tenant), "0"); err != nil {
		return err
	}

	if pnl <= 0 {
		r.log.Info().Str("tenant", tenant).Str("session", sessionDate).Float64("pnl", pnl).Msg("session closed, no profit to route")
		return nil
	}
	return r.route(ctx, tenant, sessionDate, pnl)
}

func (r *ProfitRouter) route(ctx context.Context, tenant, sessionDate string, pnl float64) error {
	splits := []struct {
		bucket string
		pct    float64
	}{
		{BucketReserve, r.cfg.ReserveBufferPct},
		{BucketCommander, r.cfg.CommanderPoolPct},
		{BucketOvernight, r.cfg.OvernightBasePct},
	}
	for _, s := range splits {
		amount := pnl * s.pct
		if err := r.accumulate(ctx, namespace.Compose(tenant, namespace.DomainCapital, s.bucket, ""), amount); err != nil {
			return err
		}
		if err := r.publish(ctx, events.ProfitChannel(s.bucket), events.ProfitRouted, &events.ProfitRoutedData{
			Tenant:      tenant,
			SessionDate: sessionDate,
			Bucket:      s.bucket,
			Amount:      amount,
		}); err != nil {
			return err
		}
		r.log.Info().
			Str("tenant", tenant).
			Str("bucket", s.bucket).
			Float64("amount", amount).
			Msg("profit routed")
	}
	return r.accumulate(ctx, capital.ProfitPoolKey(tenant), pnl)
}

func (r *ProfitRouter) announceClose(ctx context.Context, tenant, sessionDate string, pnl float64) error {
	return r.publish(ctx, events.CapitalChannel(tenant), events.SessionClosed, &events.SessionClosedData{
		Tenant:      tenant,
		SessionDate: sessionDate,
		RealizedPnL: pnl,
	})
}

func (r *ProfitRouter) publish(ctx context.Context, channel string, typ events.EventType, data events.EventData) error {
	evt := events.Event{
		Type:      typ,
		Timestamp: r.now().UTC(),
		Module:    "profit-router",
		Data:      data,
	}
	raw, err := json.Marshal(&evt)
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, channel, raw)
}

// accumulate read-modify-writes a durable float key. The router is the only
// writer of the bucket keys, so the sequence needs no lock.
func (r *ProfitRouter) accumulate(ctx context.Context, key string, delta float64) error {
	total := delta
	raw, err := r.bus.Get(ctx, key)
	switch {
	case errors.Is(err, bus.ErrNotFound):
	case err != nil:
		return err
	default:
		if v, parseErr := strconv.ParseFloat(raw, 64); parseErr == nil {
			total += v
		}
	}
	return r.bus.SetDurable(ctx, key, formatFloat(total))
}
