package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/capital"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/heatmap"
	"github.com/titanlabs/titan/internal/reliability"
	"github.com/titanlabs/titan/internal/reports"
	"github.com/titanlabs/titan/internal/schedule"
	"github.com/titanlabs/titan/internal/session"
)

const (
	// optimizerSpec re-runs the allocation optimizer over its trailing window.
	optimizerSpec = "0 * * * *"
	// heatmapReportSpec renders the latency report at half past, offset from
	// the optimizer so the hourly jobs do not pile up.
	heatmapReportSpec = "30 * * * *"
	// taxReportSpec renders the monthly tax summary on the 1st, 06:00 UTC.
	taxReportSpec = "0 6 1 * *"
	// maintenanceSpec runs journal maintenance nightly at 02:00, away from
	// the session close.
	maintenanceSpec = "0 2 * * *"
)

// registerJobs builds the cron scheduler. The session close and drift check
// specs come from configuration; the rest are fixed.
func registerJobs(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Scheduler = schedule.New(log)

	jobs := []struct {
		spec string
		job  schedule.Job
	}{
		{cfg.Session.CloseSpec, session.NewProfitRouter(c.Bus, c.Journal, cfg.Session, cfg.Tenants, log)},
		{optimizerSpec, capital.NewOptimizer(c.Bus, c.Journal, cfg.Capital, cfg.Tenants, log)},
		{cfg.Drift.CheckSpec, config.NewDriftGuard(c.Bus, c.ConfigStore, cfg.Drift, cfg.Tenants, log)},
		{heatmapReportSpec, heatmap.NewReportJob(c.Bus, cfg.ReportPath, log)},
		{taxReportSpec, reports.NewTaxReporter(c.Bus, c.Journal, c.Archiver, cfg.Tenants, cfg.ReportPath, log)},
		{maintenanceSpec, reliability.NewMaintenanceJob(c.Journal, c.Archiver, c.Bus, cfg.ReportPath, log)},
	}

	for _, j := range jobs {
		if err := c.Scheduler.AddJob(j.spec, j.job); err != nil {
			return fmt.Errorf("job %s: %w", j.job.Name(), err)
		}
	}
	return nil
}
