package camera

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrontology/doorcam/internal/ring"
)

// validJPEG is a minimal SOI/EOI-framed payload that passes JPEG framing
// validation without needing a real decodable image for transport-level
// tests.
var validJPEG = append([]byte{0xFF, 0xD8}, append(make([]byte, 16), 0xFF, 0xD9)...)

func newTestServer(t *testing.T, body []byte, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write(body)
	}))
}

func TestTestConnectionSucceeds(t *testing.T) {
	srv := newTestServer(t, validJPEG, http.StatusOK)
	defer srv.Close()

	s := New(Config{DeviceURL: srv.URL, FPS: 10}, nil, zerolog.Nop())
	assert.NoError(t, s.TestConnection())
}

func TestTestConnectionFailsOnBadStatus(t *testing.T) {
	srv := newTestServer(t, nil, http.StatusInternalServerError)
	defer srv.Close()

	s := New(Config{DeviceURL: srv.URL, FPS: 10}, nil, zerolog.Nop())
	assert.Error(t, s.TestConnection())
}

func TestStartPushesFramesWithIncreasingIDs(t *testing.T) {
	srv := newTestServer(t, validJPEG, http.StatusOK)
	defer srv.Close()

	var events []StatusEvent
	s := New(Config{DeviceURL: srv.URL, FPS: 100, Width: 4, Height: 4}, func(e StatusEvent) {
		events = append(events, e)
	}, zerolog.Nop())

	rb := ring.New(16, time.Second)
	require.NoError(t, s.Start(rb))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.FrameCount() >= 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, s.IsCapturing())

	frames := rb.Range(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NotEmpty(t, frames)
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].ID, frames[i-1].ID)
	}
}

func TestStopHaltsCapture(t *testing.T) {
	srv := newTestServer(t, validJPEG, http.StatusOK)
	defer srv.Close()

	s := New(Config{DeviceURL: srv.URL, FPS: 50}, nil, zerolog.Nop())
	rb := ring.New(16, time.Second)
	require.NoError(t, s.Start(rb))

	require.Eventually(t, func() bool { return s.FrameCount() > 0 }, time.Second, 10*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsCapturing())

	count := s.FrameCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, count, s.FrameCount())
}

func TestWatchdogRebuildsAfterGrace(t *testing.T) {
	srv := newTestServer(t, validJPEG, http.StatusOK)
	defer srv.Close()

	var events []StatusEvent
	s := New(Config{
		DeviceURL:  srv.URL,
		FPS:        1000, // effectively disable the fetch loop's own cadence vs watchdog grace
		GraceAfter: 50 * time.Millisecond,
	}, func(e StatusEvent) { events = append(events, e) }, zerolog.Nop())

	s.mu.Lock()
	s.running.Store(true)
	s.connected.Store(true)
	s.lastFrame.Store(time.Now().Add(-time.Second).UnixNano())
	s.mu.Unlock()

	assert.True(t, s.rebuild())

	require.Len(t, events, 2)
	assert.False(t, events[0].Connected)
	assert.True(t, events[1].Connected)
}

func TestRebuildReportsFailureWhenDeviceStaysDown(t *testing.T) {
	var events []StatusEvent
	s := New(Config{
		DeviceURL:  "http://127.0.0.1:1",
		FPS:        10,
		GraceAfter: 50 * time.Millisecond,
	}, func(e StatusEvent) { events = append(events, e) }, zerolog.Nop())

	s.connected.Store(true)

	assert.False(t, s.rebuild())
	require.NotEmpty(t, events)
	assert.False(t, events[0].Connected)
}
