// Package touch is the boundary for the touch input device that triggers
// display activation. A real driver would read evdev events from
// display.touch_device; this package exposes the same lifecycle shape the
// other boundary components use so the Orchestrator can treat it
// uniformly, backed by a Source a driver or a test can substitute.
package touch

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Source yields touch events; Poll should block until either a touch is
// observed or ctx is done, returning ok=false in the latter case.
type Source interface {
	Poll(ctx context.Context) (ok bool)
}

// Publisher is called once per detected touch.
type Publisher func()

// Watcher polls a Source and republishes TouchDetected events.
type Watcher struct {
	source  Source
	publish Publisher
	log     zerolog.Logger
}

// New constructs a Watcher. source may be nil, in which case Run is a no-op
// until ctx is cancelled (no physical touch panel configured).
func New(source Source, publish Publisher, log zerolog.Logger) *Watcher {
	return &Watcher{source: source, publish: publish, log: log.With().Str("component", "touch").Logger()}
}

// Run blocks, polling source until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	if w.source == nil {
		<-ctx.Done()
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		if w.source.Poll(ctx) && w.publish != nil {
			w.publish()
		}
	}
}

// NullSource never reports a touch; useful when no touch_device is
// configured but the Orchestrator still wants a uniform component.
type NullSource struct{}

func (NullSource) Poll(ctx context.Context) bool {
	select {
	case <-ctx.Done():
	case <-time.After(time.Hour):
	}
	return false
}
