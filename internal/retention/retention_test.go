package retention

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEventDir(t *testing.T, root, id string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000000.jpg"), []byte("jpeg"), 0o644))
}

func TestParseEventTimestampRoundTrip(t *testing.T) {
	ts, err := ParseEventTimestamp("20260304_050607_890")
	require.NoError(t, err)
	assert.Equal(t, 2026, ts.Year())
	assert.Equal(t, time.March, ts.Month())
	assert.Equal(t, 4, ts.Day())
	assert.Equal(t, 890_000_000, ts.Nanosecond())
}

func TestParseEventTimestampRejectsMalformed(t *testing.T) {
	_, err := ParseEventTimestamp("not-an-event")
	assert.Error(t, err)
}

func TestStartRebuildsIndexFromDisk(t *testing.T) {
	root := t.TempDir()
	makeEventDir(t, root, "20200101_000000_000")
	makeEventDir(t, root, "ignored-garbage-name")

	m := New(Config{CapturePath: root, RetentionDays: 30}, zerolog.Nop())
	require.NoError(t, m.Start())
	defer m.Stop()

	assert.Equal(t, 1, m.IndexSize())
}

func TestSweepDeletesOldEventsOnly(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	oldID := now.Add(-48 * time.Hour).UTC().Format("20060102_150405_000")
	newID := now.Add(-time.Minute).UTC().Format("20060102_150405_000")
	makeEventDir(t, root, oldID)
	makeEventDir(t, root, newID)

	m := New(Config{CapturePath: root, RetentionDays: 1}, zerolog.Nop())
	require.NoError(t, m.Start())
	defer m.Stop()

	result := m.Sweep(now)
	assert.Equal(t, 1, result.Deleted)
	assert.Empty(t, result.Errors)

	_, err := os.Stat(filepath.Join(root, oldID))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, newID))
	assert.NoError(t, err)
}

func TestSweepRespectsOneHourSafetyFloor(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	// Old enough per retention_days=0 but inside the 1-hour floor.
	recentID := now.Add(-30 * time.Minute).UTC().Format("20060102_150405_000")
	makeEventDir(t, root, recentID)

	m := New(Config{CapturePath: root, RetentionDays: 0}, zerolog.Nop())
	require.NoError(t, m.Start())
	defer m.Stop()

	result := m.Sweep(now)
	assert.Equal(t, 0, result.Deleted)

	_, err := os.Stat(filepath.Join(root, recentID))
	assert.NoError(t, err)
}

func TestDeleteEntryRefusesPathOutsideRoot(t *testing.T) {
	root := t.TempDir()
	m := New(Config{CapturePath: root, RetentionDays: 0}, zerolog.Nop())

	err := m.deleteEntry(Entry{
		EventID: "20200101_000000_000",
		Path:    filepath.Join(root, "..", "escaped"),
	})
	assert.Error(t, err)
}

func TestRegisterAddsEventWithoutWaitingForSweep(t *testing.T) {
	root := t.TempDir()
	id := time.Now().UTC().Format("20060102_150405_000")
	makeEventDir(t, root, id)

	m := New(Config{CapturePath: root}, zerolog.Nop())
	m.Register(id)
	assert.Equal(t, 1, m.IndexSize())
}
