package capital

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/journal"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

// Redirector watches each allocated strategy's trailing loss streak and, at
// the configured threshold, proposes moving part of its book to the
// neutral/hedge set. One breach yields one proposal: the streak must fall
// below the threshold (a win) before the same strategy can trigger again.
type Redirector struct {
	bus     bus.Bus
	store   *Store
	journal *journal.Journal
	m       *metrics.Metrics
	log     zerolog.Logger

	tenants   []string
	threshold int
	percent   float64

	// proposed tracks tenant|strategy pairs already redirected for the
	// current streak.
	proposed map[string]bool
}

// NewRedirector builds the loss-streak watcher.
func NewRedirector(cfg config.CapitalConfig, tenants []string, j *journal.Journal, m *metrics.Metrics, log zerolog.Logger) *Redirector {
	return &Redirector{
		journal:   j,
		m:         m,
		log:       log.With().Str("component", "drawdown-redirector").Logger(),
		tenants:   tenants,
		threshold: cfg.LossCountThreshold,
		percent:   cfg.CapitalRemovalPercent,
		proposed:  make(map[string]bool),
	}
}

func (r *Redirector) BindBus(b bus.Bus) {
	r.bus = b
	r.store = NewStore(b)
}

func (r *Redirector) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:         "drawdown-redirector",
		Version:      "1.0.0",
		Creator:      "core",
		Type:         runtime.TypeMonitor,
		TickInterval: time.Minute,
		DeclaredChannels: []string{
			events.ChannelControlManual,
		},
	}
}

// Tick scans every tenant's allocated strategies for threshold breaches.
func (r *Redirector) Tick(ctx context.Context, info runtime.TickInfo) error {
	for _, tenant := range r.tenants {
		book, err := r.store.Load(ctx, tenant)
		if err != nil {
			return err
		}
		strategies := make([]string, 0, len(book.Fractions))
		for strategy, fraction := range book.Fractions {
			if fraction > 0 && !isNeutralHedge(strategy) {
				strategies = append(strategies, strategy)
			}
		}
		sort.Strings(strategies)

		for _, strategy := range strategies {
			if err := r.check(ctx, tenant, strategy); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Redirector) check(ctx context.Context, tenant, strategy string) error {
	streak, err := r.journal.ConsecutiveLosses(ctx, tenant, strategy)
	if err != nil {
		return err
	}
	key := tenant + "|" + strategy

	if streak < r.threshold {
		delete(r.proposed, key)
		return nil
	}
	if r.proposed[key] {
		return nil
	}

	cmd := signal.NewControl(signal.ActionAdjustCapital, map[string]string{
		"tenant":    tenant,
		"strategy":  strategy,
		"redirect":  strconv.FormatFloat(r.percent, 'f', -1, 64),
		"requester": "drawdown-redirector",
	})
	raw, err := cmd.Encode()
	if err != nil {
		return err
	}
	if err := r.bus.Publish(ctx, events.ChannelControlManual, raw); err != nil {
		return err
	}
	r.proposed[key] = true
	r.log.Warn().Str("tenant", tenant).Str("strategy", strategy).Int("streak", streak).
		Float64("percent", r.percent).Msg("loss streak breached, redirect proposed")
	return nil
}

// OnMessage is unused; the redirector polls the journal.
func (r *Redirector) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	return nil
}

func isNeutralHedge(strategy string) bool {
	for _, s := range NeutralHedgeSet {
		if s == strategy {
			return true
		}
	}
	return false
}
