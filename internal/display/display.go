// Package display implements the display controller: an Off/On state
// machine that activates the screen for a bounded window on motion or
// touch and runs a render loop pushing the ring buffer's latest frame to a
// display sink until it times out or is explicitly deactivated.
package display

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/retrontology/doorcam/internal/model"
	"github.com/retrontology/doorcam/internal/ring"
)

// State is the controller's lifecycle state.
type State int

const (
	Off State = iota
	On
)

func (s State) String() string {
	if s == On {
		return "on"
	}
	return "off"
}

// Sink is the boundary collaborator for the physical display: whatever
// renders a frame and toggles backlight power.
type Sink interface {
	SetBacklight(on bool)
	Render(frame model.Frame)
}

// Config carries the display controller's timing settings.
type Config struct {
	ActivationPeriod time.Duration
	RenderInterval   time.Duration // defaults to ~60Hz
}

func (c Config) renderInterval() time.Duration {
	if c.RenderInterval <= 0 {
		return time.Second / 60
	}
	return c.RenderInterval
}

// Controller runs the Off/On state machine and render loop.
type Controller struct {
	cfg  Config
	sink Sink
	ring *ring.Buffer
	log  zerolog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

// New constructs a Controller in the Off state.
func New(cfg Config, sink Sink, rb *ring.Buffer, log zerolog.Logger) *Controller {
	return &Controller{
		cfg:   cfg,
		sink:  sink,
		ring:  rb,
		log:   log.With().Str("component", "display").Logger(),
		state: Off,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Activate transitions Off->On (or re-arms the timer if already On), for
// the given duration. A zero duration uses the configured activation
// period.
func (c *Controller) Activate(duration time.Duration) {
	if duration <= 0 {
		duration = c.cfg.ActivationPeriod
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == On {
		c.cancel() // cancel current timer/render loop, re-arm below
	} else {
		c.state = On
		c.sink.SetBacklight(true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.runWindow(ctx, duration)
}

// Deactivate transitions On->Off immediately.
func (c *Controller) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != On {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.state = Off
	c.sink.SetBacklight(false)
}

func (c *Controller) runWindow(ctx context.Context, duration time.Duration) {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	ticker := time.NewTicker(c.cfg.renderInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.timerExpired(ctx)
			return
		case <-ticker.C:
			if frame, ok := c.ring.Latest(); ok {
				c.sink.Render(frame)
			}
		}
	}
}

func (c *Controller) timerExpired(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Only deactivate if this call's context is still the active one
	// (Activate may have re-armed and replaced c.cancel concurrently).
	select {
	case <-ctx.Done():
	default:
		c.state = Off
		c.sink.SetBacklight(false)
	}
}
