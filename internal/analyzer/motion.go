// Package analyzer implements the motion analyzer: a background-model
// based detector that pulls frames from the ring buffer at a slow cadence
// and publishes motion triggers. The pipeline is grayscale convert,
// Gaussian blur, background diff against an exponential moving average,
// threshold, morphological open, and 8-connected component labeling; the
// largest component's pixel count is the reported contour area.
package analyzer

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/retrontology/doorcam/internal/model"
	"github.com/retrontology/doorcam/internal/ring"
)

// State is the analyzer's background-model lifecycle, monotonic within an
// instance and reset only by explicit reconfiguration.
type State int

const (
	NoBackground State = iota
	BackgroundReady
)

func (s State) String() string {
	if s == BackgroundReady {
		return "background_ready"
	}
	return "no_background"
}

// Config carries the analyzer.{fps, delta_threshold, contour_minimum_area,
// jpeg_decode_scale} tuning knobs.
type Config struct {
	FPS                int
	DeltaThreshold     uint8
	ContourMinimumArea float64
	JPEGDecodeScale    int // one of 1, 2, 4, 8
	FrameDeadline      time.Duration
}

func (c Config) interval() time.Duration {
	if c.FPS <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(c.FPS)
}

func (c Config) deadline() time.Duration {
	if c.FrameDeadline <= 0 {
		return 2 * time.Second
	}
	return c.FrameDeadline
}

func (c Config) scale() int {
	switch c.JPEGDecodeScale {
	case 2, 4, 8:
		return c.JPEGDecodeScale
	default:
		return 1
	}
}

// MotionPublisher receives a detected contour area.
type MotionPublisher func(contourArea float64)

// Analyzer runs the background-subtraction motion detection loop.
type Analyzer struct {
	cfg     Config
	publish MotionPublisher
	log     zerolog.Logger

	// inFlight guards the background image against overlapping analyses:
	// an analysis that blew its deadline may still be running after tick
	// abandons it, so no new one starts until it has actually finished.
	inFlight atomic.Bool

	mu         sync.Mutex
	background *image.Gray
	state      State
	lastSeenID uint64
	frameCount uint64
}

// New constructs an Analyzer in the NoBackground state.
func New(cfg Config, publish MotionPublisher, log zerolog.Logger) *Analyzer {
	return &Analyzer{
		cfg:     cfg,
		publish: publish,
		log:     log.With().Str("component", "analyzer").Logger(),
		state:   NoBackground,
	}
}

// State returns the current background-model lifecycle state.
func (a *Analyzer) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// FrameCount returns the number of frames the analyzer has processed.
func (a *Analyzer) FrameCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frameCount
}

// Reset clears the background model, returning the analyzer to
// NoBackground; used on explicit reconfiguration or a detected ring reset.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.background = nil
	a.state = NoBackground
	a.lastSeenID = 0
}

// Run polls rb at cfg.FPS until ctx is cancelled, analyzing each new frame
// and publishing MotionDetected when contour area exceeds the configured
// minimum. It never blocks the ring buffer's writer: it only reads.
func (a *Analyzer) Run(ctx context.Context, rb *ring.Buffer) {
	ticker := time.NewTicker(a.cfg.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx, rb)
		}
	}
}

func (a *Analyzer) tick(ctx context.Context, rb *ring.Buffer) {
	frame, ok := rb.Latest()
	if !ok {
		return
	}

	if !a.inFlight.CompareAndSwap(false, true) {
		// A previously abandoned analysis is still winding down; the frame
		// stays unmarked and is retried on the next tick.
		return
	}

	a.mu.Lock()
	if frame.ID < a.lastSeenID {
		// Process restart or ring reset: start the background model over.
		a.background = nil
		a.state = NoBackground
	}
	if frame.ID == a.lastSeenID && a.lastSeenID != 0 {
		a.mu.Unlock()
		a.inFlight.Store(false)
		return
	}
	a.lastSeenID = frame.ID
	a.mu.Unlock()

	deadlineCtx, cancel := context.WithTimeout(ctx, a.cfg.deadline())
	defer cancel()

	done := make(chan struct{})
	var area float64
	var detected bool
	var err error
	go func() {
		defer a.inFlight.Store(false)
		defer close(done)
		area, detected, err = a.analyze(deadlineCtx, frame)
	}()

	select {
	case <-done:
	case <-deadlineCtx.Done():
		// The deferred cancel aborts the abandoned goroutine at its next
		// pipeline-stage check, before it can touch the background image.
		a.log.Warn().Uint64("frame_id", frame.ID).Msg("motion analysis deadline exceeded, abandoning frame")
		return
	}

	if err != nil {
		a.log.Warn().Err(err).Uint64("frame_id", frame.ID).Msg("motion analysis failed")
		return
	}

	a.mu.Lock()
	a.frameCount++
	a.mu.Unlock()

	if detected && area > a.cfg.ContourMinimumArea && a.publish != nil {
		a.publish(area)
	}
}

// analyze runs the full detection pipeline for a single frame: grayscale
// convert, blur, background diff, threshold, morphological open, connected
// component labeling. The returned bool reports whether a background model
// was already established (false on the first frame after reset). ctx is
// checked between pipeline stages — always before the background image is
// read or written — so an analysis abandoned on deadline stops without
// touching shared state.
func (a *Analyzer) analyze(ctx context.Context, frame model.Frame) (float64, bool, error) {
	gray, err := a.toGray(frame)
	if err != nil {
		return 0, false, err
	}
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	blurred := blurGray(gray, 2.0)
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	a.mu.Lock()
	if a.background == nil {
		a.background = blurred
		a.state = BackgroundReady
		a.mu.Unlock()
		return 0, false, nil
	}
	background := a.background
	a.mu.Unlock()

	diff := diffGray(background, blurred)
	mask := thresholdGray(diff, a.cfg.DeltaThreshold)
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	cleaned := dilateMask(erodeMask(mask, 3), 3)
	area := largestComponentArea(cleaned)

	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	updateBackground(background, blurred, 0.05)

	return area, true, nil
}

func (a *Analyzer) toGray(frame model.Frame) (*image.Gray, error) {
	switch frame.Format {
	case model.MJPEG:
		img, err := jpeg.Decode(bytes.NewReader(frame.Data))
		if err != nil {
			return nil, errors.Wrap(err, "analyzer: MJPEG decode failed")
		}
		scale := a.cfg.scale()
		if scale > 1 {
			w := evenAlign(img.Bounds().Dx() / scale)
			h := evenAlign(img.Bounds().Dy() / scale)
			img = imaging.Resize(img, w, h, imaging.Lanczos)
		}
		return toGrayImage(img), nil
	case model.YUYV:
		return yuyvToGray(frame.Data, frame.Width, frame.Height), nil
	case model.RGB24:
		return rgb24ToGray(frame.Data, frame.Width, frame.Height), nil
	default:
		return nil, errors.Errorf("analyzer: unsupported frame format %s", frame.Format)
	}
}

func evenAlign(n int) int {
	if n < 1 {
		return 1
	}
	if n%2 != 0 && n > 1 {
		return n - 1
	}
	return n
}

func toGrayImage(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.Set(x, y, img.At(x, y))
		}
	}
	return gray
}

// yuyvToGray extracts the luma plane directly: YUYV packs Y0 U Y1 V per
// pixel pair, so every even byte is a luma sample.
func yuyvToGray(data []byte, width, height int) *image.Gray {
	gray := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width/2; x++ {
			base := (y*width/2 + x) * 4
			if base+3 >= len(data) {
				continue
			}
			gray.SetGray(x*2, y, color.Gray{Y: data[base]})
			if x*2+1 < width {
				gray.SetGray(x*2+1, y, color.Gray{Y: data[base+2]})
			}
		}
	}
	return gray
}

func rgb24ToGray(data []byte, width, height int) *image.Gray {
	gray := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := (y*width + x) * 3
			if idx+2 >= len(data) {
				continue
			}
			r, g, b := float32(data[idx]), float32(data[idx+1]), float32(data[idx+2])
			v := uint8(0.299*r + 0.587*g + 0.114*b)
			gray.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return gray
}
