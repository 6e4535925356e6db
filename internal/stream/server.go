// Package stream implements the MJPEG server: it serves concurrent HTTP
// clients a live multipart MJPEG stream derived from the ring buffer, an
// HTML viewer page, and a /health endpoint. Each client runs its own
// pacing loop against the shared buffer, so a slow socket stalls only its
// own stream.
package stream

import (
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/retrontology/doorcam/internal/model"
	"github.com/retrontology/doorcam/internal/ring"
)

const boundary = "FRAME"

// Config carries the stream.{ip, port, rotation, target_fps} settings.
type Config struct {
	IP          string
	Port        int
	Rotation    model.Rotation
	HasRotation bool
	TargetFPS   int
}

func (c Config) addr() string {
	return fmt.Sprintf("%s:%d", c.IP, c.Port)
}

func (c Config) interval() time.Duration {
	if c.TargetFPS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Second / time.Duration(c.TargetFPS)
}

// ErrorPublisher reports per-frame preparation failures as
// SystemError{component: "stream"}; the stream continues regardless.
type ErrorPublisher func(err error)

// Server is the MJPEG HTTP surface. It holds no frames itself: every
// request reads straight from the shared RingBuffer.
type Server struct {
	cfg     Config
	ring    *ring.Buffer
	log     zerolog.Logger
	onError ErrorPublisher

	subscribers atomic.Int32
	httpServer  *http.Server
}

// New constructs a stream Server bound to rb. Call ListenAndServe to run it.
func New(cfg Config, rb *ring.Buffer, onError ErrorPublisher, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		ring:    rb,
		log:     log.With().Str("component", "stream").Logger(),
		onError: onError,
	}
}

// Handler builds the http.Handler exposing /, /stream.mjpg, and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/stream.mjpg", s.handleStream)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// ListenAndServe starts the HTTP server and blocks until it stops or
// Shutdown closes it.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{Addr: s.cfg.addr(), Handler: s.Handler()}
	s.log.Info().Str("addr", s.cfg.addr()).Msg("MJPEG server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes the HTTP server immediately, dropping open connections
// including active stream clients.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	rotationCSS := ""
	if s.cfg.HasRotation {
		rotationCSS = fmt.Sprintf("transform: rotate(%ddeg);", s.cfg.Rotation.Degrees())
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html>
<html><head><title>doorcam</title>
<style>
  body { margin: 0; background: #000; display: flex; align-items: center; justify-content: center; height: 100vh; }
  img { max-width: 100%%; max-height: 100%%; %s }
</style>
</head>
<body><img src="/stream.mjpg" alt="live"></body></html>
`, rotationCSS)
}

// handleStream runs one client's pacing loop. Missed ticks are coalesced
// to the next tick rather than bursting to catch up; when no newer frame
// exists the last served frame is re-emitted so the client still receives
// the target cadence.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", boundary))
	w.Header().Set("Cache-Control", "no-cache, private")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	mw := multipart.NewWriter(w)
	mw.SetBoundary(boundary)
	defer mw.Close()

	ctx := r.Context()
	ticker := time.NewTicker(s.cfg.interval())
	defer ticker.Stop()

	s.clientConnected()
	defer s.clientDisconnected()

	var lastServed model.Frame
	haveServed := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, ok := s.ring.Latest()
		if ok && (!haveServed || frame.ID > lastServed.ID) {
			lastServed = frame
			haveServed = true
		} else if !haveServed {
			continue
		}

		payload, err := encodeJPEG(lastServed)
		if err != nil {
			s.log.Warn().Err(err).Msg("frame preparation failed")
			if s.onError != nil {
				s.onError(err)
			}
			continue
		}

		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "image/jpeg")
		header.Set("Content-Length", fmt.Sprintf("%d", len(payload)))
		header.Set("X-Frame-ID", fmt.Sprintf("%d", lastServed.ID))
		header.Set("X-Timestamp", fmt.Sprintf("%d", lastServed.Timestamp.UnixMilli()))

		part, err := mw.CreatePart(header)
		if err != nil {
			return // client gone
		}
		if _, err := part.Write(payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

type healthResponse struct {
	Status          string      `json:"status"`
	FramesAvailable bool        `json:"frames_available"`
	LatestFrameID   *uint64     `json:"latest_frame_id"`
	BufferStats     bufferStats `json:"buffer_stats"`
	ServerInfo      serverInfo  `json:"server_info"`
}

type bufferStats struct {
	FramesPushed       uint64 `json:"frames_pushed"`
	FramesRetrieved    uint64 `json:"frames_retrieved"`
	UtilizationPercent int    `json:"utilization_percent"`
}

type serverInfo struct {
	Subscribers int32 `json:"subscribers"`
}

func (s *Server) clientConnected()    { s.subscribers.Add(1) }
func (s *Server) clientDisconnected() { s.subscribers.Add(-1) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	latest, ok := s.ring.Latest()
	stats := s.ring.Stats()

	resp := healthResponse{
		Status:          "healthy",
		FramesAvailable: ok,
		BufferStats: bufferStats{
			FramesPushed:       stats.Pushed,
			FramesRetrieved:    stats.Retrieved,
			UtilizationPercent: stats.UtilizationPercent,
		},
		ServerInfo: serverInfo{Subscribers: s.subscribers.Load()},
	}
	if ok {
		id := latest.ID
		resp.LatestFrameID = &id
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
