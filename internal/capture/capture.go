// Package capture implements the capture engine: on each motion trigger it
// assembles a pre-roll + post-roll clip from the ring buffer and persists
// it to disk, one directory per event, with optional per-frame rotation and
// a burned-in timestamp overlay. The metadata sidecar is written last; its
// presence marks the event as successfully captured.
package capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"

	"github.com/retrontology/doorcam/internal/model"
	"github.com/retrontology/doorcam/internal/ring"
)

// Config carries the capture.* / event.* settings.
type Config struct {
	Path              string
	PrerollSeconds    float64
	PostrollSeconds   float64
	TimestampOverlay  bool
	TimestampFontPath string
	TimestampFontSize float64
	TimestampTimezone *time.Location
	OverlayDimFactor  float64 // brightness multiplier for the text band; default 1/3
	KeepImages        bool
	SaveMetadata      bool
	Rotation          *model.Rotation // nil means no rotation
	PollInterval      time.Duration   // camera cadence used to poll for new frames
	JPEGQuality       int
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return 100 * time.Millisecond
	}
	return c.PollInterval
}

func (c Config) jpegQuality() int {
	if c.JPEGQuality <= 0 {
		return 90
	}
	return c.JPEGQuality
}

func (c Config) dimFactor() float64 {
	if c.OverlayDimFactor <= 0 || c.OverlayDimFactor >= 1 {
		return 1.0 / 3
	}
	return c.OverlayDimFactor
}

func (c Config) timezone() *time.Location {
	if c.TimestampTimezone == nil {
		return time.UTC
	}
	return c.TimestampTimezone
}

// Metadata is the sidecar schema written to each event directory.
type Metadata struct {
	EventID            string    `json:"event_id"`
	StartTime          time.Time `json:"start_time"`
	MotionDetectedTime time.Time `json:"motion_detected_time"`
	PrerollFrameCount  int       `json:"preroll_frame_count"`
	PostrollFrameCount int       `json:"postroll_frame_count"`
	TotalFrameCount    int       `json:"total_frame_count"`
	MotionArea         float64   `json:"motion_area"`
	Config             Config    `json:"config"`
}

// MarshalJSON renders the configuration copy embedded in the sidecar
// without the non-serializable *time.Location / *model.Rotation pointers.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias struct {
		Path              string  `json:"path"`
		PrerollSeconds    float64 `json:"preroll_seconds"`
		PostrollSeconds   float64 `json:"postroll_seconds"`
		TimestampOverlay  bool    `json:"timestamp_overlay"`
		TimestampFontPath string  `json:"timestamp_font_path"`
		TimestampFontSize float64 `json:"timestamp_font_size"`
		TimestampTimezone string  `json:"timestamp_timezone"`
		OverlayDimFactor  float64 `json:"overlay_dim_factor"`
		KeepImages        bool    `json:"keep_images"`
		SaveMetadata      bool    `json:"save_metadata"`
		Rotation          *int    `json:"rotation"`
	}
	a := alias{
		Path:              c.Path,
		PrerollSeconds:    c.PrerollSeconds,
		PostrollSeconds:   c.PostrollSeconds,
		TimestampOverlay:  c.TimestampOverlay,
		TimestampFontPath: c.TimestampFontPath,
		TimestampFontSize: c.TimestampFontSize,
		TimestampTimezone: c.timezone().String(),
		OverlayDimFactor:  c.dimFactor(),
		KeepImages:        c.KeepImages,
		SaveMetadata:      c.SaveMetadata,
	}
	if c.Rotation != nil {
		d := c.Rotation.Degrees()
		a.Rotation = &d
	}
	return json.Marshal(a)
}

// ErrorPublisher reports a disk or encoding error on the event bus as
// SystemError{component: "capture"}.
type ErrorPublisher func(err error)

// StartedPublisher and CompletedPublisher report CaptureStarted and
// CaptureCompleted respectively.
type StartedPublisher func(eventID string)
type CompletedPublisher func(eventID string, fileCount uint32)

// Engine runs the trigger-to-disk pipeline. One Engine serves every
// concurrently active session; sessions are independent and keyed by
// event_id.
type Engine struct {
	cfg       Config
	log       zerolog.Logger
	onError   ErrorPublisher
	onStarted StartedPublisher
	onDone    CompletedPublisher

	font *truetype.Font

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs a capture Engine. Font loading is best-effort: a missing
// or unparsable font disables the timestamp overlay for the process
// lifetime rather than failing startup.
func New(cfg Config, onError ErrorPublisher, onStarted StartedPublisher, onDone CompletedPublisher, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:       cfg,
		log:       log.With().Str("component", "capture").Logger(),
		onError:   onError,
		onStarted: onStarted,
		onDone:    onDone,
		sessions:  make(map[string]*session),
	}
	if cfg.TimestampOverlay && cfg.TimestampFontPath != "" {
		if data, err := os.ReadFile(cfg.TimestampFontPath); err == nil {
			if f, err := freetype.ParseFont(data); err == nil {
				e.font = f
			} else {
				e.log.Warn().Err(err).Msg("failed to parse timestamp overlay font, overlay disabled")
			}
		} else {
			e.log.Warn().Err(err).Msg("failed to read timestamp overlay font, overlay disabled")
		}
	}
	return e
}

// OnMotionDetected starts a new capture session for a motion trigger
// observed at time t with the given contour area.
func (e *Engine) OnMotionDetected(rb *ring.Buffer, t time.Time, motionArea float64) {
	eventID := FormatEventID(t)
	dir := filepath.Join(e.cfg.Path, eventID)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.reportError(errors.Wrapf(err, "capture: creating event directory %s", dir))
		return
	}

	s := newSession(e, eventID, dir, t, motionArea)

	e.mu.Lock()
	e.sessions[eventID] = s
	e.mu.Unlock()

	if e.onStarted != nil {
		e.onStarted(eventID)
	}

	go s.run(rb)

	go func() {
		<-s.done
		e.mu.Lock()
		delete(e.sessions, eventID)
		e.mu.Unlock()
	}()
}

// ActiveSessions returns the number of capture sessions currently running.
func (e *Engine) ActiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *Engine) reportError(err error) {
	e.log.Error().Err(err).Msg("capture error")
	if e.onError != nil {
		e.onError(err)
	}
}

// FormatEventID renders t as the lexicographically sortable UTC event id
// YYYYMMDD_HHMMSS_mmm that names both the event directory and the domain
// event.
func FormatEventID(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%s_%03d", u.Format("20060102_150405"), u.Nanosecond()/1_000_000)
}

// session owns one event's append buffer and disk writer.
type session struct {
	engine     *Engine
	eventID    string
	dir        string
	startTime  time.Time
	motionTime time.Time
	motionArea float64

	mu        sync.Mutex
	lastID    uint64
	written   int
	prerollN  int
	postrollN int

	done chan struct{}
}

func newSession(e *Engine, eventID, dir string, motionTime time.Time, motionArea float64) *session {
	return &session{
		engine:     e,
		eventID:    eventID,
		dir:        dir,
		startTime:  time.Now(),
		motionTime: motionTime,
		motionArea: motionArea,
		done:       make(chan struct{}),
	}
}

func (s *session) run(rb *ring.Buffer) {
	defer close(s.done)

	preroll := rb.Preroll()
	for _, f := range preroll {
		s.writeFrame(f)
		s.prerollN++
	}
	if len(preroll) > 0 {
		s.lastID = preroll[len(preroll)-1].ID
	}

	deadline := time.Now().Add(time.Duration(s.engine.cfg.PostrollSeconds * float64(time.Second)))
	ticker := time.NewTicker(s.engine.cfg.pollInterval())
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		<-ticker.C
		frame, ok := rb.Latest()
		if !ok || frame.ID <= s.lastID {
			continue
		}
		s.writeFrame(frame)
		s.lastID = frame.ID
		s.postrollN++
	}

	s.finalize()
}

// writeFrame transforms and, if cfg.KeepImages is set, persists one frame
// to disk as NNNNNN.jpg. When KeepImages is false the frame is still
// counted toward the session's totals but no file is written, so a session
// with keep_images=false produces only a metadata.json sidecar.
func (s *session) writeFrame(f model.Frame) {
	s.mu.Lock()
	idx := s.written
	s.written++
	s.mu.Unlock()

	if !s.engine.cfg.KeepImages {
		return
	}

	data, err := s.engine.transform(f)
	if err != nil {
		s.engine.reportError(errors.Wrapf(err, "capture[%s]: frame transform failed", s.eventID))
		return
	}

	name := filepath.Join(s.dir, fmt.Sprintf("%06d.jpg", idx))
	if err := os.WriteFile(name, data, 0o644); err != nil {
		s.engine.reportError(errors.Wrapf(err, "capture[%s]: writing frame %s", s.eventID, name))
	}
}

func (s *session) finalize() {
	meta := Metadata{
		EventID:            s.eventID,
		StartTime:          s.startTime,
		MotionDetectedTime: s.motionTime,
		PrerollFrameCount:  s.prerollN,
		PostrollFrameCount: s.postrollN,
		TotalFrameCount:    s.written,
		MotionArea:         s.motionArea,
		Config:             s.engine.cfg,
	}

	if s.engine.cfg.SaveMetadata {
		data, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			s.engine.reportError(errors.Wrapf(err, "capture[%s]: marshal metadata", s.eventID))
		} else {
			path := filepath.Join(s.dir, "metadata.json")
			if err := os.WriteFile(path, data, 0o644); err != nil {
				s.engine.reportError(errors.Wrapf(err, "capture[%s]: writing metadata", s.eventID))
			}
		}
	}

	if s.engine.onDone != nil {
		s.engine.onDone(s.eventID, uint32(s.written))
	}
}

// transform applies optional rotation and timestamp overlay, re-encoding
// only when at least one of them is enabled.
func (e *Engine) transform(f model.Frame) ([]byte, error) {
	if !e.cfg.TimestampOverlay && e.cfg.Rotation == nil {
		return f.Data, nil
	}

	img, err := jpeg.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, errors.Wrap(err, "decode frame for transform")
	}

	if e.cfg.Rotation != nil {
		img = rotate(img, *e.cfg.Rotation)
	}
	if e.cfg.TimestampOverlay && e.font != nil {
		img = e.overlayTimestamp(img, f.Timestamp)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.cfg.jpegQuality()}); err != nil {
		return nil, errors.Wrap(err, "re-encode transformed frame")
	}
	return buf.Bytes(), nil
}

func rotate(img image.Image, r model.Rotation) image.Image {
	switch r {
	case model.Rotate90:
		return imaging.Rotate90(img)
	case model.Rotate180:
		return imaging.Rotate180(img)
	case model.Rotate270:
		return imaging.Rotate270(img)
	default:
		return img
	}
}

// overlayTimestamp composites a dimmed rectangle and white timestamp text
// into the lower-left corner.
func (e *Engine) overlayTimestamp(img image.Image, ts time.Time) image.Image {
	b := img.Bounds()
	rgba := image.NewRGBA(b)
	draw.Draw(rgba, b, img, b.Min, draw.Src)

	text := ts.In(e.cfg.timezone()).Format("2006-01-02 15:04:05 MST")

	size := e.cfg.TimestampFontSize
	if size <= 0 {
		size = 16
	}

	// Dim a band across the bottom-left third of the frame width so the
	// text reads clearly against busy backgrounds.
	bandHeight := int(size * 1.8)
	bandWidth := b.Dx() / 3
	bandRect := image.Rect(b.Min.X, b.Max.Y-bandHeight, b.Min.X+bandWidth, b.Max.Y)
	dimOverlay(rgba, bandRect, e.cfg.dimFactor())

	ctx := freetype.NewContext()
	ctx.SetDPI(72)
	ctx.SetFont(e.font)
	ctx.SetFontSize(size)
	ctx.SetClip(rgba.Bounds())
	ctx.SetDst(rgba)
	ctx.SetSrc(image.NewUniform(image.White))
	ctx.SetHinting(font.HintingNone)

	pt := fixed.Point26_6{
		X: fixed.I(b.Min.X + 6),
		Y: fixed.I(b.Max.Y - bandHeight/3),
	}
	_, _ = ctx.DrawString(text, pt)

	return rgba
}

func dimOverlay(img *image.RGBA, rect image.Rectangle, factor float64) {
	rect = rect.Intersect(img.Bounds())
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			c := img.RGBAAt(x, y)
			c.R = uint8(float64(c.R) * factor)
			c.G = uint8(float64(c.G) * factor)
			c.B = uint8(float64(c.B) * factor)
			img.SetRGBA(x, y, c)
		}
	}
}
