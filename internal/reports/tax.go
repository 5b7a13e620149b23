package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/journal"
	"github.com/titanlabs/titan/internal/namespace"
)

// estimatedTaxRate is a flat placeholder applied to positive net PnL. The
// real per-jurisdiction estimator lives downstream of the report.
const estimatedTaxRate = 0.25

// TaxLot is one reportable fill inside a monthly report.
type TaxLot struct {
	SignalID    string  `json:"signal_id"`
	Strategy    string  `json:"strategy,omitempty"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Price       float64 `json:"price"`
	Quantity    float64 `json:"quantity"`
	Fee         float64 `json:"fee"`
	RealizedPnL float64 `json:"realized_pnl"`
	SessionDate string  `json:"session_date"`
	Ts          int64   `json:"ts"`
}

// TenantTax is one tenant's section of the monthly report.
type TenantTax struct {
	Trades       int      `json:"trades"`
	RealizedPnL  float64  `json:"realized_pnl"`
	Fees         float64  `json:"fees"`
	EstimatedTax float64  `json:"estimated_tax"`
	Lots         []TaxLot `json:"lots"`
}

// TaxReport is the monthly filing artifact. Tenants render as a map so the
// key order is stable across runs.
type TaxReport struct {
	Month       string               `json:"month"`
	GeneratedAt time.Time            `json:"generated_at"`
	Tenants     map[string]TenantTax `json:"tenants"`
}

// TaxIndexEntry is one line of the month's bus-side report index,
// titan:report:tax:{YYYY-MM}. The index is append-only: a tenant already
// listed is never reported again for that month.
type TaxIndexEntry struct {
	Tenant      string    `json:"tenant"`
	Trades      int       `json:"trades"`
	RealizedPnL float64   `json:"realized_pnl"`
	Fees        float64   `json:"fees"`
	File        string    `json:"file"`
	GeneratedAt time.Time `json:"generated_at"`
}

// TaxReporter renders the month that just ended into one JSON report and
// mirrors per-tenant summaries onto the bus index. It runs on a monthly cron
// spec; the index makes re-runs idempotent.
type TaxReporter struct {
	bus     bus.Bus
	j       *journal.Journal
	arch    *Archiver
	tenants []string
	path    string
	log     zerolog.Logger
	now     func() time.Time
}

// NewTaxReporter builds the monthly report job. It takes the raw bus: cron
// jobs are operator-level and not namespace-guarded.
func NewTaxReporter(b bus.Bus, j *journal.Journal, arch *Archiver, tenants []string, reportPath string, log zerolog.Logger) *TaxReporter {
	return &TaxReporter{
		bus:     b,
		j:       j,
		arch:    arch,
		tenants: tenants,
		path:    reportPath,
		log:     log.With().Str("job", "tax-reporter").Logger(),
		now:     time.Now,
	}
}

func (r *TaxReporter) Name() string { return "tax-reporter" }

// Run reports the month containing yesterday, so the first-of-month firing
// covers the month that just closed.
func (r *TaxReporter) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return r.report(ctx, journal.MonthOf(r.now().AddDate(0, 0, -1)))
}

func (r *TaxReporter) report(ctx context.Context, month string) error {
	indexKey := namespace.Report("tax", month)
	index, err := r.loadIndex(ctx, indexKey)
	if err != nil {
		return err
	}
	reported := make(map[string]bool, len(index))
	for _, entry := range index {
		reported[entry.Tenant] = true
	}

	report := TaxReport{
		Month:       month,
		GeneratedAt: r.now().UTC(),
		Tenants:     make(map[string]TenantTax),
	}
	filename := fmt.Sprintf("tax_report_%s.json", month)
	var added []TaxIndexEntry
	for _, tenant := range r.tenants {
		if reported[tenant] {
			r.log.Debug().Str("tenant", tenant).Str("month", month).Msg("already reported")
			continue
		}
		trades, err := r.j.TradesForMonth(ctx, tenant, month)
		if err != nil {
			return err
		}
		if len(trades) == 0 {
			r.log.Debug().Str("tenant", tenant).Str("month", month).Msg("no fills to report")
			continue
		}
		section := buildTenantTax(trades)
		report.Tenants[tenant] = section
		added = append(added, TaxIndexEntry{
			Tenant:      tenant,
			Trades:      section.Trades,
			RealizedPnL: section.RealizedPnL,
			Fees:        section.Fees,
			File:        filename,
			GeneratedAt: report.GeneratedAt,
		})
	}
	if len(added) == 0 {
		return nil
	}

	raw, err := EncodeJSON(report)
	if err != nil {
		return fmt.Errorf("encoding tax report %s: %w", month, err)
	}
	file := filepath.Join(r.path, filename)
	if err := WriteBytes(file, raw); err != nil {
		return err
	}
	if err := r.appendIndex(ctx, indexKey, index, added); err != nil {
		return err
	}
	if err := r.arch.Store(ctx, filename, raw); err != nil {
		r.log.Warn().Err(err).Msg("archive upload failed")
	}

	r.log.Info().
		Str("month", month).
		Int("tenants", len(added)).
		Str("path", file).
		Msg("tax report written")
	return nil
}

func buildTenantTax(trades []journal.TradeRecord) TenantTax {
	section := TenantTax{Lots: make([]TaxLot, 0, len(trades))}
	for _, t := range trades {
		section.Trades++
		section.RealizedPnL += t.PnL
		section.Fees += t.Fee
		section.Lots = append(section.Lots, TaxLot{
			SignalID:    t.SignalID,
			Strategy:    t.Strategy,
			Symbol:      t.Symbol,
			Side:        t.Side,
			Price:       t.Price,
			Quantity:    t.Quantity,
			Fee:         t.Fee,
			RealizedPnL: t.PnL,
			SessionDate: t.SessionDate,
			Ts:          t.Ts,
		})
	}
	if section.RealizedPnL > 0 {
		section.EstimatedTax = section.RealizedPnL * estimatedTaxRate
	}
	return section
}

func (r *TaxReporter) loadIndex(ctx context.Context, key string) ([]TaxIndexEntry, error) {
	raw, err := r.bus.Get(ctx, key)
	if errors.Is(err, bus.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var index []TaxIndexEntry
	if err := json.Unmarshal([]byte(raw), &index); err != nil {
		return nil, fmt.Errorf("tax index %s is corrupt: %w", key, err)
	}
	return index, nil
}

// appendIndex extends the month's index. The reporter is the only writer of
// report keys, so read-append-write needs no lock.
func (r *TaxReporter) appendIndex(ctx context.Context, key string, index, added []TaxIndexEntry) error {
	raw, err := json.Marshal(append(index, added...))
	if err != nil {
		return err
	}
	return r.bus.SetDurable(ctx, key, string(raw))
}
