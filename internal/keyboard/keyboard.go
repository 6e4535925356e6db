// Package keyboard implements the optional keyboard-debug handler, the
// last component in the Orchestrator's start order: a stdin listener that
// maps a couple of commands to synthetic domain events so motion and
// shutdown can be exercised on a dev machine with no camera or touch panel
// attached. Commands are newline-delimited rather than raw key events, so
// it works over any pipe or terminal without claiming raw mode.
package keyboard

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// MotionPublisher simulates a motion trigger with a fixed, generously
// sized contour area.
type MotionPublisher func(contourArea float64)

// ShutdownPublisher requests an orderly shutdown with the given reason.
type ShutdownPublisher func(reason string)

const simulatedContourArea = 5000.0

// Handler reads commands from an input stream and republishes them as
// domain events. It is a debug aid: a nil input makes Run block until ctx
// is cancelled, and an input that closes ends Run.
type Handler struct {
	in         io.Reader
	onMotion   MotionPublisher
	onShutdown ShutdownPublisher
	log        zerolog.Logger
}

// New constructs a Handler reading from in (typically os.Stdin).
func New(in io.Reader, onMotion MotionPublisher, onShutdown ShutdownPublisher, log zerolog.Logger) *Handler {
	return &Handler{
		in:         in,
		onMotion:   onMotion,
		onShutdown: onShutdown,
		log:        log.With().Str("component", "keyboard").Logger(),
	}
}

// Run blocks, reading one command per line until ctx is cancelled or the
// input stream closes. Recognized commands: "m"/"space"/"motion" simulates motion,
// "q"/"quit"/"exit" requests shutdown. Unrecognized lines are ignored.
func (h *Handler) Run(ctx context.Context) {
	if h.in == nil {
		<-ctx.Done()
		return
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(h.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	h.log.Info().Msg("keyboard debug handler active: 'm' simulates motion, 'q' requests shutdown")

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			h.handle(strings.TrimSpace(strings.ToLower(line)))
		}
	}
}

func (h *Handler) handle(cmd string) {
	switch cmd {
	case "m", "space", "motion":
		h.log.Info().Msg("simulating motion event")
		if h.onMotion != nil {
			h.onMotion(simulatedContourArea)
		}
	case "q", "quit", "exit":
		h.log.Info().Msg("quit command received, requesting shutdown")
		if h.onShutdown != nil {
			h.onShutdown("keyboard debug handler: quit command")
		}
	default:
		if cmd != "" {
			h.log.Debug().Str("cmd", cmd).Msg("unrecognized keyboard command")
		}
	}
}
