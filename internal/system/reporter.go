package system

import (
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/reports"
)

// RecoveryReport is the post-mortem artifact written when the platform
// leaves hibernation. Ops tooling ingests it, so field names are stable.
type RecoveryReport struct {
	GeneratedAt time.Time `json:"generated_at"`
	Outcome     string    `json:"outcome"`
	DurationMs  int64     `json:"duration_ms"`
	Steps       []string  `json:"recovery_steps"`
}

// Reporter writes recovery reports under the report directory.
type Reporter struct {
	path string
	log  zerolog.Logger
}

// NewReporter builds a reporter rooted at reportPath.
func NewReporter(reportPath string, log zerolog.Logger) *Reporter {
	return &Reporter{
		path: filepath.Join(reportPath, "recovery_report.json"),
		log:  log.With().Str("component", "recovery-reporter").Logger(),
	}
}

// Write renders the report. Steps must not be empty; a report with no
// timeline is useless to whoever reads it at 3am.
func (r *Reporter) Write(steps []string, outcome string, started, ended time.Time) error {
	if len(steps) == 0 {
		steps = []string{"no steps recorded"}
	}
	report := RecoveryReport{
		GeneratedAt: ended.UTC(),
		Outcome:     outcome,
		DurationMs:  ended.Sub(started).Milliseconds(),
		Steps:       steps,
	}
	if err := reports.WriteJSON(r.path, report); err != nil {
		return err
	}
	r.log.Info().Str("path", r.path).Int("steps", len(steps)).Msg("recovery report written")
	return nil
}

// Path reports where the report lands, for the ops API.
func (r *Reporter) Path() string { return r.path }
