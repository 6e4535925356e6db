// Package camera implements the camera source: it pulls JPEG frames from
// the configured upstream video device over HTTP, stamps each with a
// monotonically increasing id and wall-clock timestamp, and pushes into the
// shared ring buffer. A watchdog supervises the fetch loop and re-tests the
// device when it stops producing samples.
package camera

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/retrontology/doorcam/internal/client"
	"github.com/retrontology/doorcam/internal/model"
	"github.com/retrontology/doorcam/internal/ring"
	"github.com/retrontology/doorcam/internal/utils"
)

// Format is the upstream device's source encoding.
type Format int

const (
	// FormatMJPEG pulls an independently-decodable JPEG per request.
	FormatMJPEG Format = iota
)

// Config describes device selection and capture cadence. The source
// reaches the camera over HTTP at DeviceURL; Index is carried from
// configuration but is not used to select the device.
type Config struct {
	Index      int
	DeviceURL  string
	Width      int
	Height     int
	FPS        int
	Format     Format
	Auth       client.Auth
	GraceAfter time.Duration // watchdog grace before rebuild; default 5s
}

func (c Config) interval() time.Duration {
	if c.FPS <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(c.FPS)
}

// StatusEvent reports camera connectivity transitions and errors through
// the publisher function supplied to New. Using a plain callback keeps the
// source free of a bus dependency and easy to unit test with a stub sink.
type StatusEvent struct {
	Connected bool
	Err       error
}

// Publisher receives camera status transitions and errors.
type Publisher func(StatusEvent)

// Source owns the fetch and watchdog loops. Start/Stop bound its lifetime;
// IsCapturing, FrameCount, and TestConnection expose its live state.
type Source struct {
	cfg     Config
	client  *client.Client
	publish Publisher
	log     zerolog.Logger

	mu        sync.Mutex
	ring      *ring.Buffer
	cancel    context.CancelFunc
	running   atomic.Bool
	nextID    atomic.Uint64
	frames    atomic.Uint64
	lastFrame atomic.Int64 // unix nano of last successful sample
	connected atomic.Bool
}

// New builds a Source from configuration.
func New(cfg Config, publish Publisher, log zerolog.Logger) *Source {
	if cfg.GraceAfter <= 0 {
		cfg.GraceAfter = 5 * time.Second
	}

	s := &Source{
		cfg:     cfg,
		client:  client.New(cfg.Auth),
		publish: publish,
		log:     log.With().Str("component", "camera").Logger(),
	}
	s.nextID.Store(1)
	return s
}

// Start begins pulling frames into ring and supervising them with the
// watchdog. Start is idempotent: calling it while already running is a
// no-op.
func (s *Source) Start(rb *ring.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return nil
	}

	if err := s.testConnectionLocked(); err != nil {
		return errors.Wrap(err, "camera: initial connection test failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ring = rb
	s.running.Store(true)
	s.connected.Store(true)
	s.lastFrame.Store(time.Now().UnixNano())

	go s.fetchLoop(ctx)
	go s.watchdogLoop(ctx)
	return nil
}

// Stop halts the fetch and watchdog loops.
func (s *Source) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.running.Store(false)
}

// IsCapturing reports whether the fetch loop is currently active.
func (s *Source) IsCapturing() bool { return s.running.Load() }

// FrameCount returns the total number of frames successfully pushed.
func (s *Source) FrameCount() uint64 { return s.frames.Load() }

// TestConnection performs a single synchronous fetch to validate
// reachability without altering capture state.
func (s *Source) TestConnection() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.testConnectionLocked()
}

func (s *Source) testConnectionLocked() error {
	_, err := s.client.FetchFrame(s.cfg.DeviceURL)
	return err
}

func (s *Source) fetchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Source) sample() {
	body, err := s.client.FetchFrame(s.cfg.DeviceURL)
	if err != nil {
		s.log.Warn().Err(err).Msg("frame fetch failed")
		s.reportError(err)
		return
	}
	if len(body) == 0 {
		return
	}
	if !utils.IsValidJPEG(body) {
		s.log.Warn().Msg("discarding invalid JPEG frame")
		return
	}

	id := s.nextID.Add(1) - 1
	frame := model.New(id, time.Now(), s.cfg.Width, s.cfg.Height, model.MJPEG, body)

	s.mu.Lock()
	rb := s.ring
	s.mu.Unlock()
	if rb != nil {
		rb.Push(frame)
	}

	s.frames.Add(1)
	s.lastFrame.Store(time.Now().UnixNano())
}

// watchdogLoop calls rebuild if no sample has arrived within
// cfg.GraceAfter. A rebuild marks the source disconnected and performs one
// test fetch; the fetch loop and its HTTP client are not torn down or
// restarted, they keep polling. Failed rebuild attempts are spaced out
// with capped exponential backoff so a dead device is not hammered every
// tick; the schedule resets as soon as a rebuild succeeds.
func (s *Source) watchdogLoop(ctx context.Context) {
	interval := s.cfg.GraceAfter / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	bo := newBackoff()
	var nextAttempt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastFrame.Load())
			if time.Since(last) <= s.cfg.GraceAfter {
				continue
			}
			now := time.Now()
			if now.Before(nextAttempt) {
				continue
			}
			if s.rebuild() {
				bo.reset()
				nextAttempt = time.Time{}
				continue
			}
			delay := bo.next()
			nextAttempt = now.Add(delay)
			s.log.Warn().Dur("retry_in", delay).Msg("camera watchdog: backing off before next rebuild attempt")
		}
	}
}

// rebuild reports whether the connection came back.
func (s *Source) rebuild() bool {
	if s.connected.CompareAndSwap(true, false) {
		s.log.Warn().Dur("grace", s.cfg.GraceAfter).Msg("camera watchdog: no sample within grace, rebuilding")
		s.publishStatus(false, nil)
	}

	if err := s.TestConnection(); err != nil {
		s.log.Error().Err(err).Msg("camera watchdog: rebuild attempt failed")
		s.reportError(err)
		return false
	}

	s.lastFrame.Store(time.Now().UnixNano())
	if s.connected.CompareAndSwap(false, true) {
		s.publishStatus(true, nil)
	}
	return true
}

func (s *Source) publishStatus(connected bool, err error) {
	if s.publish == nil {
		return
	}
	s.publish(StatusEvent{Connected: connected, Err: err})
}

func (s *Source) reportError(err error) {
	if s.publish == nil {
		return
	}
	s.publish(StatusEvent{Connected: s.connected.Load(), Err: err})
}
