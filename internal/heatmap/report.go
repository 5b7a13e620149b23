package heatmap

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/reports"
)

// ReportCell is one stage pair's rollup in the written report.
type ReportCell struct {
	Samples uint64   `json:"samples"`
	MeanMs  float64  `json:"mean_ms"`
	Counts  []uint64 `json:"counts"`
}

// Report is the latency_heatmap.json document. Pair keys are "from->to";
// encoding/json sorts them, so the file is byte-stable for identical state.
type Report struct {
	GeneratedAt time.Time             `json:"generated_at"`
	BoundsMs    []int64               `json:"bounds_ms"`
	Pairs       map[string]ReportCell `json:"pairs"`
}

// ReportJob renders the persisted heatmap state to disk on schedule.
type ReportJob struct {
	bus  bus.Bus
	path string
	log  zerolog.Logger
	now  func() time.Time
}

// NewReportJob builds the report job writing under reportPath.
func NewReportJob(b bus.Bus, reportPath string, log zerolog.Logger) *ReportJob {
	return &ReportJob{
		bus:  b,
		path: filepath.Join(reportPath, "latency_heatmap.json"),
		log:  log.With().Str("job", "latency-heatmap-report").Logger(),
		now:  time.Now,
	}
}

func (r *ReportJob) Name() string { return "latency-heatmap-report" }

func (r *ReportJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cells, err := Load(ctx, r.bus)
	if err != nil {
		return err
	}
	rep := BuildReport(cells, r.now())
	if err := reports.WriteJSON(r.path, rep); err != nil {
		return err
	}
	r.log.Info().Str("path", r.path).Int("pairs", len(rep.Pairs)).Msg("latency heatmap written")
	return nil
}

// BuildReport rolls persisted cells into the report document shape. The
// scheduled job writes it to disk and the ops API serves it live.
func BuildReport(cells []Cell, at time.Time) Report {
	rep := Report{
		GeneratedAt: at.UTC(),
		BoundsMs:    BoundsMs,
		Pairs:       make(map[string]ReportCell, len(cells)),
	}
	for _, c := range cells {
		rep.Pairs[c.From+"->"+c.To] = ReportCell{
			Samples: c.Samples,
			MeanMs:  c.MeanMs(),
			Counts:  c.Counts,
		}
	}
	return rep
}
