// Package kyc implements the jurisdiction and tier compliance filter. The
// Router consults it at routing time, never earlier, so a filtered signal
// still carries its full pipeline history into the audit trail. Lookups fail
// closed: a bus error propagates and the Router drops the signal.
package kyc

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/signal"
)

// Filter holds the restricted lists and resolves client records on the bus.
type Filter struct {
	bus bus.Bus
	log zerolog.Logger

	pairs map[string]map[string]bool // symbol -> blocked jurisdictions
	tiers map[string]int             // symbol -> minimum tier

	defaultJurisdiction string
	defaultTier         int
}

// NewFilter parses the configured lists. Malformed entries are logged and
// skipped rather than taking the filter down.
func NewFilter(cfg config.KycConfig, b bus.Bus, log zerolog.Logger) *Filter {
	f := &Filter{
		bus:                 b,
		log:                 log.With().Str("component", "kyc-filter").Logger(),
		pairs:               make(map[string]map[string]bool),
		tiers:               make(map[string]int),
		defaultJurisdiction: strings.ToUpper(cfg.DefaultJurisdiction),
		defaultTier:         cfg.DefaultTier,
	}
	for _, entry := range cfg.RestrictedPairs {
		symbol, jurisdiction, ok := splitEntry(entry)
		if !ok {
			f.log.Warn().Str("entry", entry).Msg("malformed restricted pair")
			continue
		}
		if f.pairs[symbol] == nil {
			f.pairs[symbol] = make(map[string]bool)
		}
		f.pairs[symbol][jurisdiction] = true
	}
	for _, entry := range cfg.RestrictedAssets {
		symbol, tierRaw, ok := splitEntry(entry)
		if !ok {
			f.log.Warn().Str("entry", entry).Msg("malformed restricted asset")
			continue
		}
		tier, err := strconv.Atoi(tierRaw)
		if err != nil {
			f.log.Warn().Str("entry", entry).Msg("restricted asset tier is not a number")
			continue
		}
		f.tiers[symbol] = tier
	}
	return f
}

func splitEntry(entry string) (string, string, bool) {
	parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), true
}

// Check denies the signal when its symbol is blocked for the client's
// jurisdiction or requires a KYC tier the client does not hold.
func (f *Filter) Check(ctx context.Context, s *signal.Signal) error {
	symbol := strings.ToUpper(s.Symbol)

	if blocked := f.pairs[symbol]; len(blocked) > 0 {
		jurisdiction, err := f.jurisdiction(ctx, s.ClientID)
		if err != nil {
			return err
		}
		if jurisdiction != "" && blocked[jurisdiction] {
			return errkind.Newf(errkind.JurisdictionDenied,
				"%s is restricted in %s", symbol, jurisdiction)
		}
	}

	if minTier, restricted := f.tiers[symbol]; restricted {
		tier, err := f.tier(ctx, s.ClientID)
		if err != nil {
			return err
		}
		if tier < minTier {
			return errkind.Newf(errkind.KycDenied,
				"kyc tier %d below required %d for %s", tier, minTier, symbol)
		}
	}
	return nil
}

// jurisdiction resolves the client's jurisdiction record, falling back to the
// configured default for unknown clients.
func (f *Filter) jurisdiction(ctx context.Context, clientID string) (string, error) {
	if clientID == "" {
		return f.defaultJurisdiction, nil
	}
	raw, err := f.bus.Get(ctx, namespace.Client(clientID, "jurisdiction"))
	if errors.Is(err, bus.ErrNotFound) {
		return f.defaultJurisdiction, nil
	}
	if err != nil {
		return "", errkind.Wrap(errkind.TransientUnavailable, "jurisdiction lookup", err)
	}
	return strings.ToUpper(raw), nil
}

// tier resolves the client's KYC tier, falling back to the configured default
// for unknown clients or unreadable records.
func (f *Filter) tier(ctx context.Context, clientID string) (int, error) {
	if clientID == "" {
		return f.defaultTier, nil
	}
	raw, err := f.bus.Get(ctx, namespace.Kyc(clientID))
	if errors.Is(err, bus.ErrNotFound) {
		return f.defaultTier, nil
	}
	if err != nil {
		return 0, errkind.Wrap(errkind.TransientUnavailable, "tier lookup", err)
	}
	tier, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		f.log.Warn().Str("client_id", clientID).Str("raw", raw).Msg("unparseable kyc tier record")
		return f.defaultTier, nil
	}
	return tier, nil
}
