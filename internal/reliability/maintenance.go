// Package reliability keeps the durable journal healthy. A nightly
// maintenance job runs the integrity check, truncates the WAL, watches disk
// headroom where the journal lives, writes a checksummed compressed snapshot,
// mirrors it to the report archive, and rotates old snapshots out.
package reliability

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/journal"
	"github.com/titanlabs/titan/internal/reports"
)

// ModuleMaintenance names the job in logs and alerts.
const ModuleMaintenance = "journal-maintenance"

const (
	// retentionDays bounds how many daily snapshots stay on local disk.
	// The archive mirror keeps its own lifecycle rules.
	retentionDays = 14

	// Disk headroom tiers in GB. Below critical the run fails and alerts;
	// the journal must never fill the volume it shares with the reports.
	diskCriticalGB = 0.5
	diskLowGB      = 5.0
	diskWarnGB     = 10.0

	snapshotPrefix = "journal-"
	snapshotStamp  = "2006-01-02-150405"
)

// snapshotMeta is the sidecar document written next to each snapshot.
type snapshotMeta struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	SizeBytes int64     `json:"size_bytes"` // uncompressed journal size
	Checksum  string    `json:"checksum"`   // sha256 of the compressed snapshot
}

// MaintenanceJob is the scheduled unit; it satisfies schedule.Job.
type MaintenanceJob struct {
	bus  bus.Bus
	j    *journal.Journal
	arch *reports.Archiver
	dir  string
	log  zerolog.Logger

	// freeGB is swapped by tests to simulate disk pressure.
	freeGB func(path string) (float64, error)
}

// NewMaintenanceJob builds the job. Snapshots land under
// {reportPath}/backups next to the reports they protect.
func NewMaintenanceJob(j *journal.Journal, arch *reports.Archiver, b bus.Bus, reportPath string, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		bus:    b,
		j:      j,
		arch:   arch,
		dir:    filepath.Join(reportPath, "backups"),
		log:    log.With().Str("job", ModuleMaintenance).Logger(),
		freeGB: freeDiskGB,
	}
}

// Name returns the job name for the scheduler.
func (m *MaintenanceJob) Name() string { return ModuleMaintenance }

// Run executes one maintenance pass. Integrity comes first: a corrupt
// journal must never be snapshotted over a good copy.
func (m *MaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	started := time.Now()

	if err := m.j.HealthCheck(ctx); err != nil {
		m.alert(ctx, "critical", "journal integrity check failed: "+err.Error())
		return err
	}

	if err := m.j.WALCheckpoint(); err != nil {
		// Checkpoint pressure is recoverable; the next pass retries.
		m.log.Warn().Err(err).Msg("wal checkpoint failed")
	}

	if err := m.checkDisk(ctx); err != nil {
		return err
	}

	if err := m.verifyLatest(); err != nil {
		m.log.Error().Err(err).Msg("latest snapshot failed verification, writing a fresh one")
	}

	name, compressed, err := m.snapshot(started)
	if err != nil {
		m.alert(ctx, "critical", "journal snapshot failed: "+err.Error())
		return err
	}

	// The local pair is the system of record; the archive is a mirror.
	if err := m.arch.StoreBlob(ctx, "backups/"+name, "application/gzip", compressed); err != nil {
		m.log.Warn().Err(err).Msg("snapshot archive upload failed")
	}

	m.rotate(started)

	m.log.Info().
		Str("snapshot", name).
		Int("bytes", len(compressed)).
		Dur("took", time.Since(started)).
		Msg("journal maintenance completed")
	return nil
}

// snapshot copies the journal with VACUUM INTO, compresses the copy, and
// writes the snapshot plus its metadata sidecar.
func (m *MaintenanceJob) snapshot(now time.Time) (string, []byte, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return "", nil, fmt.Errorf("snapshot dir: %w", err)
	}

	stamp := now.UTC().Format(snapshotStamp)
	staging := filepath.Join(m.dir, ".staging-"+stamp+".db")
	defer os.Remove(staging)

	// VACUUM INTO produces a consistent copy even while writers are live.
	if _, err := m.j.Conn().Exec(fmt.Sprintf("VACUUM INTO '%s'", staging)); err != nil {
		return "", nil, fmt.Errorf("vacuum into staging: %w", err)
	}

	raw, err := os.ReadFile(staging)
	if err != nil {
		return "", nil, fmt.Errorf("read staging copy: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", nil, fmt.Errorf("compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", nil, fmt.Errorf("compress snapshot: %w", err)
	}
	compressed := buf.Bytes()

	sum := sha256.Sum256(compressed)
	meta := snapshotMeta{
		Timestamp: now.UTC(),
		Source:    m.j.Path(),
		SizeBytes: int64(len(raw)),
		Checksum:  hex.EncodeToString(sum[:]),
	}

	name := snapshotPrefix + stamp + ".db.gz"
	if err := os.WriteFile(filepath.Join(m.dir, name), compressed, 0644); err != nil {
		return "", nil, fmt.Errorf("write snapshot: %w", err)
	}
	metaRaw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", nil, err
	}
	if err := os.WriteFile(filepath.Join(m.dir, snapshotPrefix+stamp+".json"), metaRaw, 0644); err != nil {
		return "", nil, fmt.Errorf("write snapshot metadata: %w", err)
	}
	return name, compressed, nil
}

// verifyLatest recomputes the newest snapshot's checksum against its sidecar.
// No snapshots yet is not an error.
func (m *MaintenanceJob) verifyLatest() error {
	names, err := m.snapshotNames()
	if err != nil || len(names) == 0 {
		return err
	}
	latest := names[len(names)-1]

	metaRaw, err := os.ReadFile(filepath.Join(m.dir, strings.TrimSuffix(latest, ".db.gz")+".json"))
	if err != nil {
		return fmt.Errorf("snapshot %s has no metadata: %w", latest, err)
	}
	var meta snapshotMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return fmt.Errorf("snapshot %s metadata unreadable: %w", latest, err)
	}

	compressed, err := os.ReadFile(filepath.Join(m.dir, latest))
	if err != nil {
		return fmt.Errorf("snapshot %s unreadable: %w", latest, err)
	}
	sum := sha256.Sum256(compressed)
	if got := hex.EncodeToString(sum[:]); got != meta.Checksum {
		return fmt.Errorf("snapshot %s checksum mismatch", latest)
	}
	m.log.Debug().Str("snapshot", latest).Msg("snapshot verified")
	return nil
}

// rotate removes snapshot pairs older than the retention window.
func (m *MaintenanceJob) rotate(now time.Time) {
	names, err := m.snapshotNames()
	if err != nil {
		return
	}
	cutoff := now.AddDate(0, 0, -retentionDays)
	for _, name := range names {
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), ".db.gz")
		at, err := time.Parse(snapshotStamp, stamp)
		if err != nil {
			continue
		}
		if at.After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(m.dir, name))
		_ = os.Remove(filepath.Join(m.dir, snapshotPrefix+stamp+".json"))
		m.log.Info().Str("snapshot", name).Msg("expired snapshot removed")
	}
}

// snapshotNames lists snapshots oldest first. The stamp format makes
// lexical order chronological.
func (m *MaintenanceJob) snapshotNames() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), snapshotPrefix) && strings.HasSuffix(e.Name(), ".db.gz") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// checkDisk enforces the headroom tiers on the volume holding the journal.
func (m *MaintenanceJob) checkDisk(ctx context.Context) error {
	free, err := m.freeGB(filepath.Dir(m.j.Path()))
	if err != nil {
		m.log.Warn().Err(err).Msg("disk usage unreadable")
		return nil
	}
	switch {
	case free < diskCriticalGB:
		m.alert(ctx, "critical", fmt.Sprintf("only %.2f GB free on journal volume", free))
		return fmt.Errorf("insufficient disk space: %.2f GB free", free)
	case free < diskLowGB:
		m.log.Error().Float64("free_gb", free).Msg("low disk space on journal volume")
	case free < diskWarnGB:
		m.log.Warn().Float64("free_gb", free).Msg("disk space running low")
	}
	return nil
}

func (m *MaintenanceJob) alert(ctx context.Context, severity, message string) {
	evt := events.Event{
		Type:      events.AlertRaised,
		Timestamp: time.Now().UTC(),
		Module:    ModuleMaintenance,
		Data:      &events.AlertData{Severity: severity, Module: ModuleMaintenance, Message: message},
	}
	raw, err := json.Marshal(&evt)
	if err != nil {
		m.log.Error().Err(err).Msg("alert encode failed")
		return
	}
	if err := m.bus.Publish(ctx, events.ChannelAlert, raw); err != nil {
		m.log.Warn().Err(err).Msg("alert publish failed")
	}
}

func freeDiskGB(path string) (float64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return float64(usage.Free) / 1e9, nil
}
