package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrontology/doorcam/internal/model"
	"github.com/retrontology/doorcam/internal/ring"
)

func solidJPEG(t *testing.T, w, h int, v uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestHealthEndpointReportsStats(t *testing.T) {
	rb := ring.New(4, time.Second)
	rb.Push(model.New(7, time.Now(), 4, 4, model.MJPEG, solidJPEG(t, 4, 4, 1)))

	s := New(Config{IP: "127.0.0.1", Port: 0}, rb, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.True(t, resp.FramesAvailable)
	require.NotNil(t, resp.LatestFrameID)
	assert.Equal(t, uint64(7), *resp.LatestFrameID)
}

func TestHealthEndpointEmptyBuffer(t *testing.T) {
	rb := ring.New(4, time.Second)
	s := New(Config{}, rb, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.FramesAvailable)
	assert.Nil(t, resp.LatestFrameID)
}

func TestIndexPageEmbedsStreamAndRotation(t *testing.T) {
	rb := ring.New(4, time.Second)
	s := New(Config{Rotation: model.Rotate90, HasRotation: true}, rb, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	assert.Contains(t, body, `src="/stream.mjpg"`)
	assert.Contains(t, body, "rotate(90deg)")
}

func TestStreamServesMultipartFramesWithHeaders(t *testing.T) {
	rb := ring.New(4, time.Second)
	rb.Push(model.New(1, time.Now(), 4, 4, model.MJPEG, solidJPEG(t, 4, 4, 9)))

	s := New(Config{TargetFPS: 200}, rb, nil, zerolog.Nop())

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream.mjpg")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Contains(t, resp.Header.Get("Content-Type"), "multipart/x-mixed-replace")
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "--FRAME")
}

func TestEncodeJPEGPassesThroughMJPEG(t *testing.T) {
	data := solidJPEG(t, 4, 4, 77)
	frame := model.New(1, time.Now(), 4, 4, model.MJPEG, data)
	out, err := encodeJPEG(frame)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestEncodeJPEGConvertsRGB24(t *testing.T) {
	w, h := 4, 4
	data := make([]byte, w*h*3)
	for i := range data {
		data[i] = 128
	}
	frame := model.New(1, time.Now(), w, h, model.RGB24, data)
	out, err := encodeJPEG(frame)
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	_, err = jpeg.Decode(bytes.NewReader(out))
	assert.NoError(t, err)
}
