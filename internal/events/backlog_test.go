package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBusSizeBoundsBacklog(t *testing.T) {
	bus := NewBusSize(2)
	r := bus.Subscribe()
	defer r.Unsubscribe()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Kind: FrameReady, FrameID: uint64(i)})
	}

	delivered := 0
	var lagged uint64
	for {
		_, l, ok := r.TryRecv()
		if !ok {
			break
		}
		lagged += l
		delivered++
	}
	assert.Equal(t, 2, delivered)
	assert.Equal(t, uint64(3), lagged)
}

func TestNewBusSizeFallsBackOnNonPositive(t *testing.T) {
	bus := NewBusSize(0)
	r := bus.Subscribe()
	defer r.Unsubscribe()

	bus.Publish(Event{Kind: TouchDetected})
	_, _, ok := r.TryRecv()
	require.True(t, ok)
}
