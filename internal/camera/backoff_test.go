package camera

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsExponentiallyToCap(t *testing.T) {
	b := newBackoff()

	assert.Equal(t, 500*time.Millisecond, b.next())
	assert.Equal(t, time.Second, b.next())
	assert.Equal(t, 2*time.Second, b.next())
	assert.Equal(t, 4*time.Second, b.next())

	var last time.Duration
	for i := 0; i < 20; i++ {
		last = b.next()
	}
	assert.Equal(t, rebuildBackoffCap, last)

	// Staying at the cap must not overflow into a negative shift.
	assert.Equal(t, rebuildBackoffCap, b.next())
}

func TestBackoffResetStartsOverAfterSuccess(t *testing.T) {
	b := newBackoff()
	b.next()
	b.next()
	b.next()

	b.reset()
	assert.Equal(t, rebuildBackoffBase, b.next())
}
