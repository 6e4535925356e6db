// Package events implements the domain event bus: a fan-out
// publish/subscribe broadcast with bounded per-subscriber backlog. Each
// subscriber gets its own buffered channel; a full backlog drops the event
// for that subscriber and surfaces the drop count on its next receive, so
// a slow consumer never blocks a publisher.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies a DomainEvent variant.
type Kind string

const (
	MotionDetected      Kind = "motion_detected"
	FrameReady          Kind = "frame_ready"
	TouchDetected       Kind = "touch_detected"
	CaptureStarted      Kind = "capture_started"
	CaptureCompleted    Kind = "capture_completed"
	DisplayActivate     Kind = "display_activate"
	DisplayDeactivate   Kind = "display_deactivate"
	CameraStatusChanged Kind = "camera_status_changed"
	SystemError         Kind = "system_error"
	ShutdownRequested   Kind = "shutdown_requested"
)

// Event is the tagged-union domain event. Only the fields relevant to Kind
// are meaningful.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	// MotionDetected
	ContourArea float64

	// FrameReady
	FrameID uint64

	// CaptureStarted / CaptureCompleted
	EventID   string
	FileCount uint32

	// DisplayActivate
	DurationSeconds uint32

	// CameraStatusChanged
	Connected bool

	// SystemError
	Component string
	Err       string

	// ShutdownRequested
	Reason string
}

// Description returns a human-readable summary for logging.
func (e Event) Description() string {
	switch e.Kind {
	case MotionDetected:
		return "motion detected"
	case FrameReady:
		return "frame ready"
	case TouchDetected:
		return "touch detected"
	case CaptureStarted:
		return "capture started: " + e.EventID
	case CaptureCompleted:
		return "capture completed: " + e.EventID
	case SystemError:
		return "error in " + e.Component + ": " + e.Err
	case DisplayActivate:
		return "display activated"
	case DisplayDeactivate:
		return "display deactivated"
	case CameraStatusChanged:
		if e.Connected {
			return "camera connected"
		}
		return "camera disconnected"
	case ShutdownRequested:
		return "shutdown requested: " + e.Reason
	default:
		return string(e.Kind)
	}
}

// default per-subscriber backlog capacity; overflow marks the subscriber
// lagged rather than blocking the publisher.
const defaultBacklog = 64

type subscription struct {
	ch      chan Event
	dropped atomic.Uint64 // events dropped since the last Recv
	closed  atomic.Bool
}

// Bus is a broadcast channel with bounded per-subscriber backlog. Publish
// never blocks: a subscriber whose backlog is full has the event dropped
// and is marked lagged, to be reported on its next Recv.
type Bus struct {
	backlog int

	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

// NewBus creates an empty event bus with the default per-subscriber
// backlog.
func NewBus() *Bus {
	return NewBusSize(defaultBacklog)
}

// NewBusSize creates an empty event bus whose subscribers each get a
// backlog of the given capacity. A non-positive capacity falls back to the
// default.
func NewBusSize(backlog int) *Bus {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Bus{backlog: backlog, subs: make(map[*subscription]struct{})}
}

// Receiver is a subscriber's handle for receiving published events.
type Receiver struct {
	bus *Bus
	sub *subscription
}

// Subscribe registers a new receiver with the bus's backlog bound.
func (b *Bus) Subscribe() *Receiver {
	sub := &subscription{ch: make(chan Event, b.backlog)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return &Receiver{bus: b, sub: sub}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers event to every subscriber's backlog and returns the
// number of subscribers it was offered to. Delivery never blocks: a full
// backlog drops the event for that subscriber and increments its dropped
// counter, to be surfaced as "lagged by N" on the subscriber's next Recv.
func (b *Bus) Publish(e Event) int {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
	return len(subs)
}

// Unsubscribe removes the receiver from the bus and closes its channel.
func (r *Receiver) Unsubscribe() {
	if !r.sub.closed.CompareAndSwap(false, true) {
		return
	}
	r.bus.mu.Lock()
	delete(r.bus.subs, r.sub)
	r.bus.mu.Unlock()
	close(r.sub.ch)
}

// Lagged reports how many events were dropped for this receiver since the
// last call to Lagged, resetting the counter to zero.
func (r *Receiver) Lagged() uint64 {
	return r.sub.dropped.Swap(0)
}

// Recv blocks until an event is available, the receiver's channel closes,
// or ctx-style done channel fires. If events were dropped since the last
// Recv, lagged reports the count (the event itself is still returned
// normally — callers decide whether a lag warrants extra handling).
func (r *Receiver) Recv(done <-chan struct{}) (ev Event, lagged uint64, ok bool) {
	select {
	case e, open := <-r.sub.ch:
		if !open {
			return Event{}, 0, false
		}
		return e, r.Lagged(), true
	case <-done:
		return Event{}, 0, false
	}
}

// TryRecv returns immediately: an event if one was queued, or ok=false if
// the backlog is currently empty. It never blocks.
func (r *Receiver) TryRecv() (ev Event, lagged uint64, ok bool) {
	select {
	case e, open := <-r.sub.ch:
		if !open {
			return Event{}, 0, false
		}
		return e, r.Lagged(), true
	default:
		return Event{}, 0, false
	}
}

// Filter is a predicate over events, applied at the subscriber side.
// Filtered-out events still consume backlog.
type Filter func(Event) bool

// KindFilter accepts only events whose Kind is in kinds.
func KindFilter(kinds ...Kind) Filter {
	set := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Kind]
		return ok
	}
}
