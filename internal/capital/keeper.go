package capital

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/journal"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

// Keeper is the single writer for every tenant's capital book. Mutations
// arrive as adjust_capital proposals on the manual control channel and are
// applied in arrival order: a bare fraction sets one strategy, a redirect
// argument moves part of a strategy's book to the neutral/hedge set, and an
// allocations document replaces the whole per-strategy map. Every applied
// mutation bumps the version, lands in the journal, and is broadcast on the
// tenant's capital channel.
type Keeper struct {
	bus     bus.Bus
	store   *Store
	journal *journal.Journal
	m       *metrics.Metrics
	log     zerolog.Logger

	tenants map[string]bool
	// sumCap is the hard ceiling on allocated fractions per tenant.
	sumCap float64
}

// NewKeeper builds the keeper for the given tenant set.
func NewKeeper(tenants []string, j *journal.Journal, m *metrics.Metrics, log zerolog.Logger) *Keeper {
	set := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		set[t] = true
	}
	return &Keeper{
		journal: j,
		m:       m,
		log:     log.With().Str("component", "capital-keeper").Logger(),
		tenants: set,
		sumCap:  1.0,
	}
}

func (k *Keeper) BindBus(b bus.Bus) {
	k.bus = b
	k.store = NewStore(b)
}

func (k *Keeper) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:          "capital-keeper",
		Version:       "1.0.0",
		Creator:       "core",
		Type:          runtime.TypeConfig,
		Subscriptions: []string{events.ChannelControlManual},
		DeclaredKeys:  []string{"titan:*:capital"},
		DeclaredChannels: []string{
			"titan:*:capital:book",
			events.ChannelAlert,
		},
	}
}

// Tick is unused; the keeper is purely reactive.
func (k *Keeper) Tick(ctx context.Context, info runtime.TickInfo) error { return nil }

// OnMessage applies one proposal. Actions other than adjust_capital belong to
// other consumers of the channel and are ignored.
func (k *Keeper) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	cmd, err := signal.DecodeControl(msg.Payload)
	if err != nil {
		k.log.Warn().Err(err).Msg("undecodable control message")
		return nil
	}
	if cmd.Action != signal.ActionAdjustCapital {
		return nil
	}

	tenant := cmd.Args["tenant"]
	requester := cmd.Args["requester"]
	if !k.tenants[tenant] {
		k.reject(ctx, tenant, requester, errkind.New(errkind.PolicyViolation, "unknown tenant "+tenant))
		return nil
	}

	switch {
	case cmd.Args["allocations"] != "":
		var alloc map[string]float64
		if err := json.Unmarshal([]byte(cmd.Args["allocations"]), &alloc); err != nil {
			k.reject(ctx, tenant, requester, errkind.Newf(errkind.InvalidSignal, "undecodable allocations: %v", err))
			return nil
		}
		return k.applyAllocations(ctx, tenant, alloc, requester)
	case cmd.Args["redirect"] != "":
		percent, err := strconv.ParseFloat(cmd.Args["redirect"], 64)
		if err != nil || percent <= 0 || percent > 1 {
			k.reject(ctx, tenant, requester, errkind.New(errkind.PolicyViolation, "redirect percent outside (0,1]"))
			return nil
		}
		return k.applyRedirect(ctx, tenant, cmd.Args["strategy"], percent, requester)
	default:
		fraction, err := strconv.ParseFloat(cmd.Args["fraction"], 64)
		if err != nil {
			k.reject(ctx, tenant, requester, errkind.Newf(errkind.InvalidSignal, "unparseable fraction %q", cmd.Args["fraction"]))
			return nil
		}
		return k.applyAdjust(ctx, tenant, cmd.Args["strategy"], fraction, requester)
	}
}

// applyAdjust sets one strategy's fraction. Manual proposals may override the
// allocator's per-strategy band, but never the tenant sum cap.
func (k *Keeper) applyAdjust(ctx context.Context, tenant, strategy string, fraction float64, requester string) error {
	if strategy == "" {
		k.reject(ctx, tenant, requester, errkind.New(errkind.PolicyViolation, "adjust without strategy"))
		return nil
	}
	if fraction < 0 || fraction > k.sumCap {
		k.reject(ctx, tenant, requester, errkind.Newf(errkind.PolicyViolation, "fraction %.4f outside [0, %.2f]", fraction, k.sumCap))
		return nil
	}

	book, err := k.store.Load(ctx, tenant)
	if err != nil {
		return err
	}
	next := book.Allocated() - book.Fractions[strategy] + fraction
	if next > k.sumCap+1e-9 {
		k.reject(ctx, tenant, requester, errkind.Newf(errkind.PolicyViolation,
			"allocation sum %.4f would exceed %.2f", next, k.sumCap))
		return nil
	}
	if fraction == 0 {
		delete(book.Fractions, strategy)
	} else {
		book.Fractions[strategy] = fraction
	}

	detail := fmt.Sprintf("strategy %s set to %.4f by %s", strategy, fraction, requester)
	return k.commit(ctx, book, "adjust", strategy, detail, nil)
}

// applyRedirect moves percent of the strategy's fraction to the neutral/hedge
// set. The allocation sum is unchanged.
func (k *Keeper) applyRedirect(ctx context.Context, tenant, strategy string, percent float64, requester string) error {
	book, err := k.store.Load(ctx, tenant)
	if err != nil {
		return err
	}
	current, ok := book.Fractions[strategy]
	if !ok || current <= 0 {
		k.log.Debug().Str("tenant", tenant).Str("strategy", strategy).
			Msg("redirect proposed for an unallocated strategy, nothing to move")
		return nil
	}

	moved := current * percent
	book.Fractions[strategy] = current - moved
	share := moved / float64(len(NeutralHedgeSet))
	for _, target := range NeutralHedgeSet {
		book.Fractions[target] += share
	}

	k.m.CapitalRedirects.WithLabelValues(tenant).Inc()
	detail := fmt.Sprintf("moved %.4f (%.0f%%) from %s to neutral/hedge, proposed by %s",
		moved, percent*100, strategy, requester)
	redirect := &events.CapitalRedirectData{
		Tenant:       tenant,
		Strategy:     strategy,
		MovedPercent: percent,
		Targets:      NeutralHedgeSet,
	}
	return k.commit(ctx, book, "redirect", strategy, detail, redirect)
}

// applyAllocations replaces the whole per-strategy map in one version bump.
// Allocator output is already clamped; the keeper re-checks the sum cap as
// the final guard.
func (k *Keeper) applyAllocations(ctx context.Context, tenant string, alloc map[string]float64, requester string) error {
	var sum float64
	for strategy, fraction := range alloc {
		if fraction < 0 {
			k.reject(ctx, tenant, requester, errkind.Newf(errkind.PolicyViolation,
				"negative fraction for %s", strategy))
			return nil
		}
		sum += fraction
	}
	if sum > k.sumCap+1e-9 {
		k.reject(ctx, tenant, requester, errkind.Newf(errkind.PolicyViolation,
			"allocation sum %.4f would exceed %.2f", sum, k.sumCap))
		return nil
	}

	book, err := k.store.Load(ctx, tenant)
	if err != nil {
		return err
	}
	book.Fractions = alloc

	detail := fmt.Sprintf("%d strategies reallocated (sum %.4f) by %s", len(alloc), sum, requester)
	return k.commit(ctx, book, "reallocate", "", detail, nil)
}

// commit bumps the version, journals the mutation, saves the book, and
// broadcasts the update (plus the redirect event when the mutation was one).
func (k *Keeper) commit(ctx context.Context, book Book, kind, strategy, detail string, redirect *events.CapitalRedirectData) error {
	book.Version++
	if err := k.journal.RecordCapitalEvent(ctx, book.Tenant, kind, strategy, detail, book.Version); err != nil {
		return err
	}
	if err := k.store.Save(ctx, book); err != nil {
		return err
	}
	k.m.BookVersion.WithLabelValues(book.Tenant).Set(float64(book.Version))

	evt := events.Event{
		Type:      events.CapitalBookUpdated,
		Timestamp: time.Now().UTC(),
		Module:    "capital-keeper",
		Data: &events.CapitalBookData{
			Tenant:      book.Tenant,
			Version:     book.Version,
			Allocations: book.Fractions,
		},
	}
	if err := k.publish(ctx, events.CapitalChannel(book.Tenant), &evt); err != nil {
		return err
	}
	if redirect != nil {
		redirect.Version = book.Version
		evt := events.Event{
			Type:      events.CapitalRedirected,
			Timestamp: time.Now().UTC(),
			Module:    "capital-keeper",
			Data:      redirect,
		}
		if err := k.publish(ctx, events.CapitalChannel(book.Tenant), &evt); err != nil {
			return err
		}
	}

	k.log.Info().Str("tenant", book.Tenant).Str("kind", kind).Str("detail", detail).
		Uint64("version", book.Version).Msg("capital book updated")
	return nil
}

func (k *Keeper) publish(ctx context.Context, channel string, evt *events.Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return k.bus.Publish(ctx, channel, raw)
}

func (k *Keeper) reject(ctx context.Context, tenant, requester string, cause error) {
	k.m.CountError("capital-keeper", string(errkind.KindOf(cause)))
	k.log.Warn().Str("tenant", tenant).Str("requester", requester).Err(cause).
		Msg("capital proposal rejected")

	evt := events.Event{
		Type:      events.AlertRaised,
		Timestamp: time.Now().UTC(),
		Module:    "capital-keeper",
		Data: &events.AlertData{
			Severity: "warning",
			Module:   "capital-keeper",
			Message:  "capital proposal rejected: " + cause.Error(),
			Kind:     string(errkind.KindOf(cause)),
		},
	}
	if err := k.publish(ctx, events.ChannelAlert, &evt); err != nil {
		k.log.Warn().Err(err).Msg("alert publish failed")
	}
}
