package orchestrator

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/retrontology/doorcam/internal/analyzer"
	"github.com/retrontology/doorcam/internal/camera"
	"github.com/retrontology/doorcam/internal/capture"
	"github.com/retrontology/doorcam/internal/client"
	"github.com/retrontology/doorcam/internal/config"
	"github.com/retrontology/doorcam/internal/display"
	"github.com/retrontology/doorcam/internal/events"
	"github.com/retrontology/doorcam/internal/keyboard"
	"github.com/retrontology/doorcam/internal/model"
	"github.com/retrontology/doorcam/internal/retention"
	"github.com/retrontology/doorcam/internal/ring"
	"github.com/retrontology/doorcam/internal/stream"
	"github.com/retrontology/doorcam/internal/touch"
)

// per-component stop deadlines
const (
	cameraStopTimeout   = 10 * time.Second
	analyzerStopTimeout = 10 * time.Second
	defaultStopTimeout  = 5 * time.Second
	keyboardStopTimeout = 2 * time.Second

	firstFrameWait = 5 * time.Second
)

// Orchestrator owns every component, brings them up in dependency order,
// runs until a shutdown signal arrives, and tears them down in reverse
// order under bounded per-component timeouts.
type Orchestrator struct {
	cfg *config.Config
	log zerolog.Logger

	ring *ring.Buffer
	bus  *events.Bus

	camera     *camera.Source
	streamSrv  *stream.Server
	analyzer   *analyzer.Analyzer
	displayC   *display.Controller
	touchW     *touch.Watcher
	captureE   *capture.Engine
	retentionM *retention.Manager
	keyboardH  *keyboard.Handler

	states *stateTable

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	analyzerDone chan struct{}
	touchDone    chan struct{}
	keyboardDone chan struct{}

	shutdownOnce sync.Once
	shutdownCh   chan string // reason
	stopFailed   bool
}

// New constructs every component from cfg without starting any of them.
// The ring buffer and event bus are essential: any failure constructing
// them is fatal and returned as an error rather than recorded in the state
// table.
func New(cfg *config.Config, log zerolog.Logger) (*Orchestrator, error) {
	if cfg.System.RingBufferCapacity < 1 {
		return nil, errors.New("orchestrator: ring buffer capacity must be >= 1")
	}
	rb := ring.New(cfg.System.RingBufferCapacity, cfg.PrerollDuration())
	bus := events.NewBusSize(cfg.System.EventBusCapacity)

	o := &Orchestrator{
		cfg:        cfg,
		log:        log,
		ring:       rb,
		bus:        bus,
		states:     newStateTable(),
		shutdownCh: make(chan string, 1),
	}

	o.camera = camera.New(camera.Config{
		Index:      cfg.Camera.Index,
		DeviceURL:  cfg.Camera.DeviceURL,
		Width:      cfg.Camera.Width,
		Height:     cfg.Camera.Height,
		FPS:        cfg.Camera.FPS,
		Format:     camera.FormatMJPEG,
		Auth:       client.Auth{Cookie: cfg.Authorization.Cookie, Token: cfg.Authorization.Token},
		GraceAfter: 5 * time.Second,
	}, o.onCameraStatus, log)

	streamRotation, err := config.ParseRotation(cfg.Stream.Rotation)
	if err != nil {
		return nil, err
	}
	o.streamSrv = stream.New(stream.Config{
		IP:          cfg.Stream.IP,
		Port:        cfg.Stream.Port,
		Rotation:    derefRotation(streamRotation),
		HasRotation: streamRotation != nil,
		TargetFPS:   cfg.Stream.TargetFPS,
	}, rb, o.onStreamError, log)

	o.analyzer = analyzer.New(analyzer.Config{
		FPS:                cfg.Analyzer.FPS,
		DeltaThreshold:     uint8(cfg.Analyzer.DeltaThreshold),
		ContourMinimumArea: cfg.Analyzer.ContourMinimumArea,
		JPEGDecodeScale:    cfg.Analyzer.JPEGDecodeScale,
	}, o.onMotionDetected, log)

	o.displayC = display.New(display.Config{
		ActivationPeriod: time.Duration(cfg.Display.ActivationPeriodSeconds) * time.Second,
	}, display.NewLoggingSink(log), rb, log)

	o.touchW = touch.New(touch.NullSource{}, o.onTouchDetected, log)

	captureRotation, err := config.ParseRotation(cfg.Capture.Rotation)
	if err != nil {
		return nil, err
	}
	o.captureE = capture.New(capture.Config{
		Path:              cfg.Capture.Path,
		PrerollSeconds:    cfg.Event.PrerollSeconds,
		PostrollSeconds:   cfg.Event.PostrollSeconds,
		TimestampOverlay:  cfg.Capture.TimestampOverlay,
		TimestampFontPath: cfg.Capture.TimestampFontPath,
		TimestampFontSize: cfg.Capture.TimestampFontSize,
		TimestampTimezone: loadLocation(cfg.Capture.TimestampTimezone),
		OverlayDimFactor:  cfg.Capture.OverlayDimFactor,
		KeepImages:        cfg.Capture.KeepImages,
		SaveMetadata:      cfg.Capture.SaveMetadata,
		Rotation:          captureRotation,
		PollInterval:      cameraPollInterval(cfg.Camera.FPS),
	}, o.onCaptureError, o.onCaptureStarted, o.onCaptureCompleted, log)

	o.retentionM = retention.New(retention.Config{
		CapturePath:   cfg.Capture.Path,
		RetentionDays: cfg.System.RetentionDays,
		TrimOld:       cfg.System.TrimOld,
	}, log)

	o.keyboardH = keyboard.New(os.Stdin, o.onKeyboardMotion, o.onKeyboardShutdown, log)

	return o, nil
}

// Initialize registers every component's state as Stopped. New already
// does this via newStateTable, so Initialize is an explicit, idempotent
// re-assertion a caller can invoke before Start.
func (o *Orchestrator) Initialize() {
	for _, name := range allComponents {
		o.states.set(name, Stopped)
	}
}

// GetComponentState returns the current state of a named component.
func (o *Orchestrator) GetComponentState(name string) (ComponentState, bool) {
	return o.states.get(name)
}

// GetAllComponentStates returns a snapshot of the full state table.
func (o *Orchestrator) GetAllComponentStates() map[string]ComponentState {
	return o.states.all()
}

// Start brings every component up in dependency order: camera (waiting up
// to 5s for a first frame) -> MJPEG server -> motion analyzer -> display
// controller -> capture engine -> storage retention -> keyboard-debug
// handler. On any failure the failing component is marked Failed, logged,
// and the remaining starts are aborted; the caller typically invokes
// Shutdown in response. Calling Start while already running is a no-op.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.mu.Unlock()

	go o.runEventLoop(ctx)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{ComponentCamera, o.startCamera},
		{ComponentStream, o.startStream},
		{ComponentAnalyzer, o.startAnalyzer},
		{ComponentDisplay, o.startDisplay},
		{ComponentCapture, o.startCapture},
		{ComponentRetention, o.startRetention},
		{ComponentKeyboard, o.startKeyboard},
	}

	for _, step := range steps {
		o.states.set(step.name, Starting)
		if err := step.fn(ctx); err != nil {
			o.states.set(step.name, Failed)
			o.log.Error().Err(err).Str("component", step.name).Msg("component failed to start, aborting remaining starts")
			return errors.Wrapf(err, "orchestrator: starting %s", step.name)
		}
		o.states.set(step.name, Running)
	}

	o.mu.Lock()
	o.running = true
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) startCamera(ctx context.Context) error {
	if err := o.camera.Start(o.ring); err != nil {
		return err
	}
	deadline := time.After(firstFrameWait)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if _, ok := o.ring.Latest(); ok {
			return nil
		}
		select {
		case <-deadline:
			o.log.Warn().Dur("wait", firstFrameWait).Msg("camera: no first frame within grace period, continuing anyway")
			return nil
		case <-tick.C:
		}
	}
}

func (o *Orchestrator) startStream(ctx context.Context) error {
	go func() {
		if err := o.streamSrv.ListenAndServe(); err != nil {
			o.log.Error().Err(err).Msg("stream server exited")
			o.bus.Publish(events.Event{Kind: events.SystemError, Component: "stream", Err: err.Error()})
		}
	}()
	return nil
}

func (o *Orchestrator) startAnalyzer(ctx context.Context) error {
	o.analyzerDone = make(chan struct{})
	go func() {
		defer close(o.analyzerDone)
		o.analyzer.Run(ctx, o.ring)
	}()
	return nil
}

func (o *Orchestrator) startDisplay(ctx context.Context) error {
	o.states.set(ComponentTouch, Starting)
	o.touchDone = make(chan struct{})
	go func() {
		defer close(o.touchDone)
		o.touchW.Run(ctx)
	}()
	o.states.set(ComponentTouch, Running)
	return nil
}

func (o *Orchestrator) startCapture(ctx context.Context) error {
	return nil // capture engine is reactive: it has no standing loop to start
}

func (o *Orchestrator) startRetention(ctx context.Context) error {
	return o.retentionM.Start()
}

func (o *Orchestrator) startKeyboard(ctx context.Context) error {
	o.keyboardDone = make(chan struct{})
	go func() {
		defer close(o.keyboardDone)
		o.keyboardH.Run(ctx)
	}()
	return nil
}

// Run installs SIGTERM/SIGINT handlers and blocks until a shutdown is
// requested, either by an OS signal or a ShutdownRequested domain event
// (e.g. from the keyboard-debug handler). It then calls Shutdown and
// returns an exit code: 0 for clean shutdown, 1 if any component reported
// a stop error.
func (o *Orchestrator) Run() int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, os.Interrupt)
	defer signal.Stop(sigCh)

	var reason string
	select {
	case sig := <-sigCh:
		reason = signalName(sig)
	case reason = <-o.shutdownCh:
	}

	o.log.Info().Str("reason", reason).Msg("shutdown requested")
	o.bus.Publish(events.Event{Kind: events.ShutdownRequested, Reason: reason})
	o.Shutdown()

	if o.stopFailed {
		return 1
	}
	return 0
}

func signalName(sig os.Signal) string {
	switch sig {
	case syscall.SIGTERM:
		return "SIGTERM"
	case os.Interrupt:
		return "SIGINT"
	default:
		return sig.String()
	}
}

// Shutdown cancels the global cancellation token and stops every component
// in reverse start order, each under its own timeout. A component that
// exceeds its timeout is marked Failed but does not block subsequent
// stops. Components not currently Running are skipped, which makes
// Shutdown idempotent and also usable after a partially failed Start.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	o.stopComponent(ComponentKeyboard, keyboardStopTimeout, func() { <-waitOrClosed(o.keyboardDone) })
	o.stopComponent(ComponentRetention, defaultStopTimeout, o.retentionM.Stop)
	o.stopComponent(ComponentCapture, defaultStopTimeout, func() {}) // reactive sessions drain on their own
	o.stopComponent(ComponentTouch, defaultStopTimeout, func() { <-waitOrClosed(o.touchDone) })
	o.stopComponent(ComponentDisplay, defaultStopTimeout, o.displayC.Deactivate)
	o.stopComponent(ComponentAnalyzer, analyzerStopTimeout, func() { <-waitOrClosed(o.analyzerDone) })
	o.stopComponent(ComponentStream, defaultStopTimeout, func() {
		if err := o.streamSrv.Shutdown(); err != nil {
			o.log.Warn().Err(err).Msg("stream server shutdown error")
		}
	})
	o.stopComponent(ComponentCamera, cameraStopTimeout, o.camera.Stop)

}

func waitOrClosed(ch chan struct{}) chan struct{} {
	if ch == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return ch
}

// stopComponent runs fn in a goroutine and waits up to timeout. A
// component that does not finish in time is marked Failed but does not
// prevent subsequent stops from running.
func (o *Orchestrator) stopComponent(name string, timeout time.Duration, fn func()) {
	if st, ok := o.states.get(name); !ok || st != Running {
		return
	}
	o.states.set(name, Stopping)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()

	select {
	case <-done:
		o.states.set(name, Stopped)
	case <-time.After(timeout):
		o.log.Warn().Str("component", name).Dur("timeout", timeout).Msg("stop timed out")
		o.states.set(name, Failed)
		o.stopFailed = true
	}
}

// runEventLoop is the single bus subscriber that wires producers to
// consumers without a direct dependency between them; the analyzer never
// sees the capture engine, only the bus.
func (o *Orchestrator) runEventLoop(ctx context.Context) {
	r := o.bus.Subscribe()
	defer r.Unsubscribe()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()

	for {
		ev, lagged, ok := r.Recv(done)
		if !ok {
			return
		}
		if lagged > 0 {
			o.log.Warn().Uint64("dropped", lagged).Msg("event bus subscriber lagged")
		}
		o.dispatch(ev)
	}
}

func (o *Orchestrator) dispatch(ev events.Event) {
	switch ev.Kind {
	case events.MotionDetected:
		o.captureE.OnMotionDetected(o.ring, ev.Timestamp, ev.ContourArea)
		o.displayC.Activate(0)
	case events.TouchDetected:
		o.displayC.Activate(0)
	case events.DisplayActivate:
		o.displayC.Activate(time.Duration(ev.DurationSeconds) * time.Second)
	case events.DisplayDeactivate:
		o.displayC.Deactivate()
	case events.CameraStatusChanged:
		if ev.Connected {
			o.log.Info().Msg("camera connected")
		} else {
			o.log.Warn().Msg("camera disconnected")
		}
	case events.SystemError:
		o.log.Error().Str("component", ev.Component).Str("error", ev.Err).Msg("system error")
	case events.CaptureStarted:
		o.log.Info().Str("event_id", ev.EventID).Msg("capture started")
	case events.CaptureCompleted:
		o.log.Info().Str("event_id", ev.EventID).Uint32("file_count", ev.FileCount).Msg("capture completed")
		o.retentionM.Register(ev.EventID)
	case events.ShutdownRequested:
		o.requestShutdown(ev.Reason)
	}
}

// requestShutdown signals Run's select loop; it is safe to call more than
// once or concurrently with an OS signal (whichever arrives first wins).
func (o *Orchestrator) requestShutdown(reason string) {
	o.shutdownOnce.Do(func() {
		select {
		case o.shutdownCh <- reason:
		default:
		}
	})
}

// --- component callbacks, wiring producers onto the shared event bus ---

func (o *Orchestrator) onCameraStatus(e camera.StatusEvent) {
	if e.Err != nil {
		o.bus.Publish(events.Event{Kind: events.SystemError, Component: "camera", Err: e.Err.Error()})
		return
	}
	o.bus.Publish(events.Event{Kind: events.CameraStatusChanged, Connected: e.Connected})
}

func (o *Orchestrator) onStreamError(err error) {
	o.bus.Publish(events.Event{Kind: events.SystemError, Component: "stream", Err: err.Error()})
}

func (o *Orchestrator) onMotionDetected(area float64) {
	o.bus.Publish(events.Event{Kind: events.MotionDetected, ContourArea: area})
}

func (o *Orchestrator) onTouchDetected() {
	o.bus.Publish(events.Event{Kind: events.TouchDetected})
}

func (o *Orchestrator) onCaptureError(err error) {
	o.bus.Publish(events.Event{Kind: events.SystemError, Component: "capture", Err: err.Error()})
}

func (o *Orchestrator) onCaptureStarted(eventID string) {
	o.bus.Publish(events.Event{Kind: events.CaptureStarted, EventID: eventID})
}

func (o *Orchestrator) onCaptureCompleted(eventID string, fileCount uint32) {
	o.bus.Publish(events.Event{Kind: events.CaptureCompleted, EventID: eventID, FileCount: fileCount})
}

func (o *Orchestrator) onKeyboardMotion(area float64) {
	o.bus.Publish(events.Event{Kind: events.MotionDetected, ContourArea: area})
}

func (o *Orchestrator) onKeyboardShutdown(reason string) {
	o.bus.Publish(events.Event{Kind: events.ShutdownRequested, Reason: reason})
}

func derefRotation(r *model.Rotation) model.Rotation {
	if r == nil {
		return 0
	}
	return *r
}

// cameraPollInterval gives the capture engine's post-roll poller the same
// cadence as the camera source, so no arriving frame is missed.
func cameraPollInterval(fps int) time.Duration {
	if fps <= 0 {
		return 100 * time.Millisecond
	}
	return time.Second / time.Duration(fps)
}

func loadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
