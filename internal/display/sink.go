package display

import (
	"github.com/rs/zerolog"

	"github.com/retrontology/doorcam/internal/model"
)

// LoggingSink stands in for the real framebuffer/backlight device
// (display.{framebuffer_device, backlight_device}). It gives the
// Orchestrator a concrete Sink to wire the Controller to while still
// exercising every transition the state machine makes; a hardware sink
// implementing the same interface slots in without touching the
// controller.
type LoggingSink struct {
	log zerolog.Logger
}

// NewLoggingSink builds a Sink that logs backlight toggles and render
// calls instead of writing to a device.
func NewLoggingSink(log zerolog.Logger) *LoggingSink {
	return &LoggingSink{log: log.With().Str("component", "display.sink").Logger()}
}

func (s *LoggingSink) SetBacklight(on bool) {
	s.log.Debug().Bool("on", on).Msg("backlight")
}

func (s *LoggingSink) Render(frame model.Frame) {
	s.log.Trace().Uint64("frame_id", frame.ID).Msg("render")
}
