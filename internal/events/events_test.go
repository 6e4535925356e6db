package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribeOrderPreserved(t *testing.T) {
	bus := NewBus()
	r := bus.Subscribe()
	defer r.Unsubscribe()

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Kind: FrameReady, FrameID: uint64(i)})
	}

	for i := 0; i < 10; i++ {
		ev, lagged, ok := r.TryRecv()
		require.True(t, ok)
		assert.Equal(t, uint64(0), lagged)
		assert.Equal(t, uint64(i), ev.FrameID)
	}
}

func TestSubscriberCount(t *testing.T) {
	bus := NewBus()
	assert.Equal(t, 0, bus.SubscriberCount())

	r1 := bus.Subscribe()
	r2 := bus.Subscribe()
	assert.Equal(t, 2, bus.SubscriberCount())

	r1.Unsubscribe()
	assert.Equal(t, 1, bus.SubscriberCount())
	r2.Unsubscribe()
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	r1 := bus.Subscribe()
	r2 := bus.Subscribe()
	defer r1.Unsubscribe()
	defer r2.Unsubscribe()

	n := bus.Publish(Event{Kind: TouchDetected})
	assert.Equal(t, 2, n)

	_, _, ok1 := r1.TryRecv()
	_, _, ok2 := r2.TryRecv()
	assert.True(t, ok1)
	assert.True(t, ok2)
}

func TestLaggedSubscriberDropsRatherThanBlocks(t *testing.T) {
	bus := NewBus()
	r := bus.Subscribe()
	defer r.Unsubscribe()

	// Flood well past the backlog capacity; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBacklog*3; i++ {
			bus.Publish(Event{Kind: MotionDetected, ContourArea: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber backlog")
	}

	// Drain whatever made it through; the rest must be reported as lag on
	// the receives that follow the overflow.
	drained := 0
	var lagged uint64
	for {
		_, l, ok := r.TryRecv()
		if !ok {
			break
		}
		lagged += l
		drained++
	}
	assert.LessOrEqual(t, drained, defaultBacklog)
	assert.Greater(t, lagged, uint64(0))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	r := bus.Subscribe()
	r.Unsubscribe()

	_, _, ok := r.Recv(nil)
	assert.False(t, ok)
}

func TestKindFilter(t *testing.T) {
	f := KindFilter(MotionDetected, TouchDetected)
	assert.True(t, f(Event{Kind: MotionDetected}))
	assert.True(t, f(Event{Kind: TouchDetected}))
	assert.False(t, f(Event{Kind: FrameReady}))
}

func TestDescriptionCoversAllKinds(t *testing.T) {
	kinds := []Kind{
		MotionDetected, FrameReady, TouchDetected, CaptureStarted,
		CaptureCompleted, DisplayActivate, DisplayDeactivate,
		CameraStatusChanged, SystemError, ShutdownRequested,
	}
	for _, k := range kinds {
		e := Event{Kind: k, EventID: "evt", Component: "analyzer", Err: "boom", Reason: "sigterm"}
		assert.NotEmpty(t, e.Description())
	}
}

func TestPublishStampsTimestampWhenZero(t *testing.T) {
	bus := NewBus()
	r := bus.Subscribe()
	defer r.Unsubscribe()

	before := time.Now()
	bus.Publish(Event{Kind: ShutdownRequested, Reason: "sigint"})
	ev, _, ok := r.TryRecv()
	require.True(t, ok)
	assert.False(t, ev.Timestamp.Before(before))
}
