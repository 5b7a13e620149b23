package reliability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/journal"
	"github.com/titanlabs/titan/internal/reports"
)

func newMaintenanceJob(t *testing.T) (*MaintenanceJob, string, bus.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	b := bus.NewRedis(bus.Options{Addr: mr.Addr(), QueueSize: 16, Log: zerolog.Nop()})
	t.Cleanup(func() { _ = b.Close() })

	j, err := journal.Open(filepath.Join(t.TempDir(), "titan.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	arch, err := reports.NewArchiver(context.Background(), config.ArchiveConfig{}, zerolog.Nop())
	require.NoError(t, err)

	reportPath := t.TempDir()
	job := NewMaintenanceJob(j, arch, b, reportPath, zerolog.Nop())
	return job, filepath.Join(reportPath, "backups"), b
}

func waitAlert(t *testing.T, sub *bus.Subscription, severity string) *events.AlertData {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-sub.Messages():
			var evt events.Event
			require.NoError(t, json.Unmarshal(m.Payload, &evt))
			if data, ok := evt.Data.(*events.AlertData); ok && data.Severity == severity {
				return data
			}
		case <-deadline:
			t.Fatalf("no %s alert seen", severity)
		}
	}
}

func TestMaintenanceWritesVerifiedSnapshot(t *testing.T) {
	job, dir, _ := newMaintenanceJob(t)

	require.NoError(t, job.Run())

	names, err := job.snapshotNames()
	require.NoError(t, err)
	require.Len(t, names, 1)

	compressed, err := os.ReadFile(filepath.Join(dir, names[0]))
	require.NoError(t, err)
	metaRaw, err := os.ReadFile(filepath.Join(dir, strings.TrimSuffix(names[0], ".db.gz")+".json"))
	require.NoError(t, err)

	var meta snapshotMeta
	require.NoError(t, json.Unmarshal(metaRaw, &meta))
	sum := sha256.Sum256(compressed)
	assert.Equal(t, hex.EncodeToString(sum[:]), meta.Checksum)
	assert.Positive(t, meta.SizeBytes)

	// The second pass verifies the first snapshot and writes another.
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, job.Run())
	names, err = job.snapshotNames()
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestMaintenanceRotatesExpiredSnapshots(t *testing.T) {
	job, dir, _ := newMaintenanceJob(t)
	require.NoError(t, os.MkdirAll(dir, 0755))

	old := "journal-2020-01-01-000000"
	require.NoError(t, os.WriteFile(filepath.Join(dir, old+".db.gz"), []byte("stale"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, old+".json"), []byte("{}"), 0644))

	require.NoError(t, job.Run())

	names, err := job.snapshotNames()
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.NotEqual(t, old+".db.gz", names[0])
	_, err = os.Stat(filepath.Join(dir, old+".json"))
	assert.True(t, os.IsNotExist(err), "expired sidecar still present")
}

func TestMaintenanceFailsOnCriticalDiskPressure(t *testing.T) {
	job, _, b := newMaintenanceJob(t)
	ctx := context.Background()

	alerts, err := b.Subscribe(ctx, events.ChannelAlert)
	require.NoError(t, err)
	defer alerts.Close()
	time.Sleep(50 * time.Millisecond)

	job.freeGB = func(string) (float64, error) { return 0.1, nil }

	require.Error(t, job.Run())
	data := waitAlert(t, alerts, "critical")
	assert.Equal(t, ModuleMaintenance, data.Module)
	assert.Contains(t, data.Message, "GB free")
}

func TestMaintenanceAlertsWhenJournalUnhealthy(t *testing.T) {
	job, _, b := newMaintenanceJob(t)
	ctx := context.Background()

	alerts, err := b.Subscribe(ctx, events.ChannelAlert)
	require.NoError(t, err)
	defer alerts.Close()
	time.Sleep(50 * time.Millisecond)

	// A closed journal fails the health check before any snapshot happens.
	require.NoError(t, job.j.Close())

	require.Error(t, job.Run())
	data := waitAlert(t, alerts, "critical")
	assert.Contains(t, data.Message, "integrity check failed")
}
