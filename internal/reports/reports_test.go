package reports

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/journal"
	"github.com/titanlabs/titan/internal/namespace"
)

func TestWriteJSONIsStableAndAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.json")
	doc := map[string]interface{}{"zeta": 1, "alpha": "x"}

	require.NoError(t, WriteJSON(path, doc))
	first, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, json.Valid(first))

	require.NoError(t, WriteJSON(path, doc))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, first, second)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not survive the rename")
}

func newTaxReporter(t *testing.T) (*TaxReporter, bus.Bus, *journal.Journal, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	b := bus.NewRedis(bus.Options{Addr: mr.Addr(), QueueSize: 64, Log: zerolog.Nop()})
	t.Cleanup(func() { b.Close() })

	j, err := journal.Open(filepath.Join(t.TempDir(), "titan.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	dir := t.TempDir()
	r := NewTaxReporter(b, j, &Archiver{}, []string{"acme", "globex"}, dir, zerolog.Nop())
	return r, b, j, dir
}

func seedTrade(t *testing.T, j *journal.Journal, tenant, signalID, sessionDate string, pnl, fee float64) {
	t.Helper()
	outcome := journal.OutcomeWin
	if pnl < 0 {
		outcome = journal.OutcomeLoss
	}
	require.NoError(t, j.RecordTrade(context.Background(), journal.TradeRecord{
		SignalID:    signalID,
		Tenant:      tenant,
		Strategy:    "momentum-v2",
		Symbol:      "AAPL",
		Side:        "buy",
		Price:       187.5,
		Quantity:    10,
		Fee:         fee,
		PnL:         pnl,
		Outcome:     outcome,
		SessionDate: sessionDate,
		Ts:          time.Now().UnixMilli(),
	}))
}

func TestTaxReporterWritesMonthlyReportOnce(t *testing.T) {
	r, b, j, dir := newTaxReporter(t)
	ctx := context.Background()

	seedTrade(t, j, "acme", "s1", "2025-05-02", 120, 1.2)
	seedTrade(t, j, "acme", "s2", "2025-05-20", -20, 0.8)
	seedTrade(t, j, "acme", "s3", "2025-06-01", 999, 1.0) // outside the month

	require.NoError(t, r.report(ctx, "2025-05"))

	raw, err := os.ReadFile(filepath.Join(dir, "tax_report_2025-05.json"))
	require.NoError(t, err)
	var report TaxReport
	require.NoError(t, json.Unmarshal(raw, &report))
	require.Equal(t, "2025-05", report.Month)
	require.Len(t, report.Tenants, 1, "tenants without fills stay out of the report")

	acme := report.Tenants["acme"]
	require.Equal(t, 2, acme.Trades)
	require.InDelta(t, 100.0, acme.RealizedPnL, 1e-9)
	require.InDelta(t, 2.0, acme.Fees, 1e-9)
	require.InDelta(t, 25.0, acme.EstimatedTax, 1e-9)
	require.Len(t, acme.Lots, 2)
	require.Equal(t, "s1", acme.Lots[0].SignalID, "lots are ordered oldest first")

	idx, err := b.Get(ctx, namespace.Report("tax", "2025-05"))
	require.NoError(t, err)
	var index []TaxIndexEntry
	require.NoError(t, json.Unmarshal([]byte(idx), &index))
	require.Len(t, index, 1)
	require.Equal(t, "acme", index[0].Tenant)
	require.Equal(t, "tax_report_2025-05.json", index[0].File)

	// A second run finds every tenant already indexed and leaves the
	// artifacts untouched.
	require.NoError(t, r.report(ctx, "2025-05"))
	rerun, err := os.ReadFile(filepath.Join(dir, "tax_report_2025-05.json"))
	require.NoError(t, err)
	require.Equal(t, raw, rerun)
	idx2, err := b.Get(ctx, namespace.Report("tax", "2025-05"))
	require.NoError(t, err)
	require.Equal(t, idx, idx2)
}

func TestTaxReporterSkipsEstimateOnNetLoss(t *testing.T) {
	r, _, j, dir := newTaxReporter(t)
	seedTrade(t, j, "acme", "s1", "2025-05-02", -80, 1.0)

	require.NoError(t, r.report(context.Background(), "2025-05"))

	raw, err := os.ReadFile(filepath.Join(dir, "tax_report_2025-05.json"))
	require.NoError(t, err)
	var report TaxReport
	require.NoError(t, json.Unmarshal(raw, &report))
	require.Zero(t, report.Tenants["acme"].EstimatedTax)
}

func TestTaxReporterReportsNothingWithoutFills(t *testing.T) {
	r, b, _, dir := newTaxReporter(t)
	ctx := context.Background()

	require.NoError(t, r.report(ctx, "2025-05"))

	_, err := os.Stat(filepath.Join(dir, "tax_report_2025-05.json"))
	require.True(t, os.IsNotExist(err))
	_, err = b.Get(ctx, namespace.Report("tax", "2025-05"))
	require.ErrorIs(t, err, bus.ErrNotFound)
}

type captureUploader struct {
	bucket string
	keys   []string
	bodies [][]byte
}

func (c *captureUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	c.bucket = aws.ToString(input.Bucket)
	c.keys = append(c.keys, aws.ToString(input.Key))
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	c.bodies = append(c.bodies, body)
	return &manager.UploadOutput{}, nil
}

func TestArchiverStoresUnderPrefix(t *testing.T) {
	up := &captureUploader{}
	a := &Archiver{
		cfg:      config.ArchiveConfig{Enabled: true, Bucket: "titan-reports", Prefix: "prod"},
		uploader: up,
		log:      zerolog.Nop(),
	}

	require.NoError(t, a.Store(context.Background(), "tax_report_2025-05.json", []byte(`{"month":"2025-05"}`)))
	require.Equal(t, "titan-reports", up.bucket)
	require.Equal(t, []string{"prod/tax_report_2025-05.json"}, up.keys)
	require.JSONEq(t, `{"month":"2025-05"}`, string(up.bodies[0]))
}

func TestArchiverDisabledIsInert(t *testing.T) {
	a, err := NewArchiver(context.Background(), config.ArchiveConfig{}, zerolog.Nop())
	require.NoError(t, err)
	require.False(t, a.Enabled())
	require.NoError(t, a.Store(context.Background(), "anything.json", []byte("{}")))
}

func TestTaxReporterMirrorsRenderedBytesToArchive(t *testing.T) {
	r, _, j, dir := newTaxReporter(t)
	up := &captureUploader{}
	r.arch = &Archiver{
		cfg:      config.ArchiveConfig{Enabled: true, Bucket: "titan-reports"},
		uploader: up,
		log:      zerolog.Nop(),
	}
	seedTrade(t, j, "acme", "s1", "2025-05-02", 10, 0.5)

	require.NoError(t, r.report(context.Background(), "2025-05"))

	raw, err := os.ReadFile(filepath.Join(dir, "tax_report_2025-05.json"))
	require.NoError(t, err)
	require.Equal(t, []string{"tax_report_2025-05.json"}, up.keys)
	require.Equal(t, raw, up.bodies[0])
}
