// Package retention implements storage retention: a cron-scheduled sweep
// that deletes event directories older than the configured retention
// window, backed by a minimal in-memory index of known events rebuilt at
// startup so each sweep avoids re-statting the whole capture tree.
package retention

import (
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// eventDirPattern matches the event_id directory name format
// YYYYMMDD_HHMMSS_mmm.
var eventDirPattern = regexp.MustCompile(`^\d{8}_\d{6}_\d{3}$`)

const safetyFloor = time.Hour

// Config carries the system.{trim_old, retention_days} settings plus the
// capture path the sweep scans.
type Config struct {
	CapturePath   string
	RetentionDays int
	TrimOld       bool
	SweepSchedule string // cron expression; default hourly
}

func (c Config) schedule() string {
	if c.SweepSchedule == "" {
		return "0 * * * *" // hourly
	}
	return c.SweepSchedule
}

// Entry is a known event directory tracked by the in-memory index.
type Entry struct {
	EventID   string
	Path      string
	SizeBytes int64
	CreatedAt time.Time
}

// Manager owns the event index and the cron-driven sweep.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu    sync.Mutex
	index map[string]Entry

	cronRunner *cron.Cron
}

// New constructs a Manager. Call Start to scan the capture path and, if
// cfg.TrimOld, begin the scheduled sweep.
func New(cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:   cfg,
		log:   log.With().Str("component", "retention").Logger(),
		index: make(map[string]Entry),
	}
}

// Start rebuilds the in-memory index from disk and, if enabled, schedules
// the periodic sweep.
func (m *Manager) Start() error {
	if err := os.MkdirAll(m.cfg.CapturePath, 0o755); err != nil {
		return errors.Wrap(err, "retention: creating capture path")
	}
	if err := m.rebuildIndex(); err != nil {
		return errors.Wrap(err, "retention: rebuilding index")
	}

	if !m.cfg.TrimOld {
		return nil
	}

	m.cronRunner = cron.New()
	if _, err := m.cronRunner.AddFunc(m.cfg.schedule(), m.sweepAndLog); err != nil {
		return errors.Wrap(err, "retention: scheduling sweep")
	}
	m.cronRunner.Start()
	return nil
}

// Stop halts the scheduled sweep, if running.
func (m *Manager) Stop() {
	if m.cronRunner != nil {
		ctx := m.cronRunner.Stop()
		<-ctx.Done()
	}
}

// IndexSize returns the number of events currently tracked.
func (m *Manager) IndexSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

func (m *Manager) rebuildIndex() error {
	entries, err := os.ReadDir(m.cfg.CapturePath)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range entries {
		if !entry.IsDir() || !eventDirPattern.MatchString(entry.Name()) {
			continue
		}
		ts, err := ParseEventTimestamp(entry.Name())
		if err != nil {
			continue
		}
		path := filepath.Join(m.cfg.CapturePath, entry.Name())
		size := directorySize(path)
		m.index[entry.Name()] = Entry{EventID: entry.Name(), Path: path, SizeBytes: size, CreatedAt: ts}
	}
	return nil
}

func directorySize(dir string) int64 {
	var total int64
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
		}
	}
	return total
}

// ParseEventTimestamp parses an event_id in the YYYYMMDD_HHMMSS_mmm format
// back to a UTC time, the inverse of capture.FormatEventID.
func ParseEventTimestamp(name string) (time.Time, error) {
	if !eventDirPattern.MatchString(name) {
		return time.Time{}, errors.Errorf("retention: %q does not match event directory pattern", name)
	}
	// Go layouts only recognise fractional seconds after '.' or ',', so the
	// underscore before the milliseconds is swapped for a '.' first.
	t, err := time.Parse("20060102_150405.000", name[:15]+"."+name[16:])
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "retention: parsing timestamp from %q", name)
	}
	return t.UTC(), nil
}

// Register records a newly completed capture in the index without waiting
// for the next sweep's directory scan.
func (m *Manager) Register(eventID string) {
	path := filepath.Join(m.cfg.CapturePath, eventID)
	ts, err := ParseEventTimestamp(eventID)
	if err != nil {
		return
	}
	size := directorySize(path)

	m.mu.Lock()
	m.index[eventID] = Entry{EventID: eventID, Path: path, SizeBytes: size, CreatedAt: ts}
	m.mu.Unlock()
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Deleted int
	Errors  []error
}

func (m *Manager) sweepAndLog() {
	result := m.Sweep(time.Now())
	m.log.Info().Int("deleted", result.Deleted).Int("errors", len(result.Errors)).Msg("retention sweep complete")
	for _, err := range result.Errors {
		m.log.Warn().Err(err).Msg("retention sweep entry failed")
	}
}

// Sweep deletes every indexed event directory whose recorded timestamp is
// older than both cfg.RetentionDays and the 1-hour safety floor. now is
// the reference time, accepted as a parameter so tests can drive it
// deterministically.
func (m *Manager) Sweep(now time.Time) SweepResult {
	cutoff := now.AddDate(0, 0, -m.cfg.RetentionDays)
	floorCutoff := now.Add(-safetyFloor)

	m.mu.Lock()
	candidates := make([]Entry, 0, len(m.index))
	for _, e := range m.index {
		candidates = append(candidates, e)
	}
	m.mu.Unlock()

	result := SweepResult{}
	for _, e := range candidates {
		if !e.CreatedAt.Before(cutoff) || !e.CreatedAt.Before(floorCutoff) {
			continue
		}
		if err := m.deleteEntry(e); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Deleted++
	}
	return result
}

func (m *Manager) deleteEntry(e Entry) error {
	if err := validateWithinRoot(m.cfg.CapturePath, e.Path); err != nil {
		return err
	}
	if !eventDirPattern.MatchString(e.EventID) {
		return errors.Errorf("retention: refusing to delete %q: name does not match event pattern", e.EventID)
	}

	if err := os.RemoveAll(e.Path); err != nil {
		return errors.Wrapf(err, "retention: deleting %s", e.Path)
	}

	m.mu.Lock()
	delete(m.index, e.EventID)
	m.mu.Unlock()
	return nil
}

func validateWithinRoot(root, path string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == ".." || len(rel) >= 2 && rel[:2] == ".." {
		return errors.Errorf("retention: %s resolves outside capture root %s", path, root)
	}
	return nil
}
