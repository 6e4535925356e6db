// Package ring implements the bounded, concurrent most-recent-N frame
// store that is the single source of truth for the live frame plane: a
// fixed slot array with an atomic write index, per-slot locking, id-ordered
// preroll/range queries, and statistics.
package ring

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/retrontology/doorcam/internal/model"
)

// Stats is a point-in-time snapshot of buffer activity.
type Stats struct {
	Pushed             uint64
	Retrieved          uint64
	Overruns           uint64
	UtilizationPercent int
}

// Buffer is a fixed-capacity circular log of the most recently pushed
// frames. The write side is a single producer: writeIndex advances with a
// relaxed atomic fetch-add, and the target slot is writeIndex mod capacity.
// Each slot is independently mutex-guarded so readers observe either the
// old frame or the new one in its entirety, never a torn frame.
type Buffer struct {
	slots    []slot
	capacity int

	writeIndex atomic.Uint64
	pushed     atomic.Uint64
	retrieved  atomic.Uint64
	overruns   atomic.Uint64

	prerollDuration time.Duration
}

type slot struct {
	mu    sync.RWMutex
	frame *model.Frame
}

// New creates a Buffer with the given capacity and preroll window.
// Capacity must be >= 1; a zero capacity is a programmer error and panics.
func New(capacity int, prerollDuration time.Duration) *Buffer {
	if capacity < 1 {
		panic("ring: capacity must be >= 1")
	}
	return &Buffer{
		slots:           make([]slot, capacity),
		capacity:        capacity,
		prerollDuration: prerollDuration,
	}
}

// RecommendedCapacity returns camera_fps * preroll_seconds * 2, doubling
// the strict minimum to absorb bursts.
func RecommendedCapacity(cameraFPS int, prerollSeconds float64) int {
	n := int(float64(cameraFPS)*prerollSeconds*2 + 0.5)
	if n < 1 {
		n = 1
	}
	return n
}

// Push appends a frame, overwriting the oldest slot if full. Never blocks
// and never fails; an overwritten non-empty slot increments Overruns.
func (b *Buffer) Push(f model.Frame) {
	idx := b.writeIndex.Add(1) - 1
	s := &b.slots[idx%uint64(b.capacity)]

	s.mu.Lock()
	if s.frame != nil {
		b.overruns.Add(1)
	}
	stored := f
	s.frame = &stored
	s.mu.Unlock()

	b.pushed.Add(1)
}

// Latest returns the most recently pushed frame, or false if the buffer is
// empty.
func (b *Buffer) Latest() (model.Frame, bool) {
	wi := b.writeIndex.Load()
	if wi == 0 {
		return model.Frame{}, false
	}
	idx := (wi - 1) % uint64(b.capacity)
	s := &b.slots[idx]

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.frame == nil {
		return model.Frame{}, false
	}
	b.retrieved.Add(1)
	return *s.frame, true
}

// Preroll returns all frames whose timestamp is >= now - prerollDuration, in
// increasing id order. Scanning starts at the most recently written slot
// and walks backwards; because id and capture time increase together,
// scanning stops as soon as an out-of-window frame is found.
func (b *Buffer) Preroll() []model.Frame {
	return b.sinceCutoff(time.Now().Add(-b.prerollDuration))
}

func (b *Buffer) sinceCutoff(cutoff time.Time) []model.Frame {
	wi := b.writeIndex.Load()
	out := make([]model.Frame, 0, b.capacity)
	if wi == 0 {
		return out
	}
	last := int((wi - 1) % uint64(b.capacity))

	for i := 0; i < b.capacity; i++ {
		// Walk backwards from the most recently written slot.
		idx := (last - i + b.capacity) % b.capacity
		s := &b.slots[idx]

		s.mu.RLock()
		f := s.frame
		s.mu.RUnlock()

		if f == nil {
			continue
		}
		if f.Timestamp.Before(cutoff) {
			break
		}
		out = append(out, *f)
	}

	// Collected newest-first; reverse for chronological (oldest-first) order.
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

// Range returns frames whose timestamp falls within [t0, t1] inclusive, in
// increasing id order.
func (b *Buffer) Range(t0, t1 time.Time) []model.Frame {
	out := make([]model.Frame, 0, b.capacity)

	for i := 0; i < b.capacity; i++ {
		s := &b.slots[i]
		s.mu.RLock()
		f := s.frame
		s.mu.RUnlock()
		if f == nil {
			continue
		}
		if (f.Timestamp.Equal(t0) || f.Timestamp.After(t0)) && (f.Timestamp.Equal(t1) || f.Timestamp.Before(t1)) {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Clear empties all slots and resets the write index to 0. Statistics
// counters (pushed/retrieved/overruns) are preserved.
func (b *Buffer) Clear() {
	for i := range b.slots {
		b.slots[i].mu.Lock()
		b.slots[i].frame = nil
		b.slots[i].mu.Unlock()
	}
	b.writeIndex.Store(0)
}

// Stats returns a snapshot of buffer counters and current utilization.
func (b *Buffer) Stats() Stats {
	occupied := 0
	for i := range b.slots {
		b.slots[i].mu.RLock()
		if b.slots[i].frame != nil {
			occupied++
		}
		b.slots[i].mu.RUnlock()
	}
	return Stats{
		Pushed:             b.pushed.Load(),
		Retrieved:          b.retrieved.Load(),
		Overruns:           b.overruns.Load(),
		UtilizationPercent: occupied * 100 / b.capacity,
	}
}

// Capacity returns the buffer's fixed slot count.
func (b *Buffer) Capacity() int { return b.capacity }

// PrerollDuration returns the configured preroll window.
func (b *Buffer) PrerollDuration() time.Duration { return b.prerollDuration }
