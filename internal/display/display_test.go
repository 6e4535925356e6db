package display

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrontology/doorcam/internal/model"
	"github.com/retrontology/doorcam/internal/ring"
)

type stubSink struct {
	mu      sync.Mutex
	onCount int32
	renders int32
}

func (s *stubSink) SetBacklight(on bool) {
	if on {
		atomic.AddInt32(&s.onCount, 1)
	} else {
		atomic.AddInt32(&s.onCount, -1)
	}
}

func (s *stubSink) Render(frame model.Frame) {
	atomic.AddInt32(&s.renders, 1)
}

func TestActivateTurnsOnAndDeactivateTurnsOff(t *testing.T) {
	sink := &stubSink{}
	rb := ring.New(4, time.Second)
	c := New(Config{ActivationPeriod: time.Second}, sink, rb, zerolog.Nop())

	c.Activate(0)
	assert.Equal(t, On, c.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&sink.onCount))

	c.Deactivate()
	assert.Equal(t, Off, c.State())
	assert.Equal(t, int32(0), atomic.LoadInt32(&sink.onCount))
}

func TestTimerExpiryReturnsToOff(t *testing.T) {
	sink := &stubSink{}
	rb := ring.New(4, time.Second)
	c := New(Config{ActivationPeriod: 30 * time.Millisecond}, sink, rb, zerolog.Nop())

	c.Activate(0)
	require.Eventually(t, func() bool {
		return c.State() == Off
	}, time.Second, 5*time.Millisecond)
}

func TestReactivateWhileOnRearmsTimer(t *testing.T) {
	sink := &stubSink{}
	rb := ring.New(4, time.Second)
	c := New(Config{ActivationPeriod: 50 * time.Millisecond}, sink, rb, zerolog.Nop())

	c.Activate(0)
	time.Sleep(30 * time.Millisecond)
	c.Activate(0) // re-arm before first window would expire

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, On, c.State(), "re-arming should keep display on past the original deadline")

	require.Eventually(t, func() bool {
		return c.State() == Off
	}, time.Second, 5*time.Millisecond)
}

func TestRenderLoopPushesLatestFrame(t *testing.T) {
	sink := &stubSink{}
	rb := ring.New(4, time.Second)
	rb.Push(model.New(1, time.Now(), 4, 4, model.MJPEG, []byte{0xFF, 0xD8, 0xFF, 0xD9}))

	c := New(Config{ActivationPeriod: 100 * time.Millisecond, RenderInterval: 5 * time.Millisecond}, sink, rb, zerolog.Nop())
	c.Activate(0)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&sink.renders) > 0
	}, time.Second, 5*time.Millisecond)

	c.Deactivate()
}
