package scope

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/pdmlink/internal/health"
	"github.com/MrWong99/pdmlink/internal/observe"
	"github.com/MrWong99/pdmlink/internal/serial"
)

// Defaults for [ServerConfig].
const (
	DefaultTickInterval = time.Second / 30
	DefaultFrameWindow  = 20 * time.Millisecond
	DefaultLogsPerTick  = 30
)

// ServerConfig configures a [Server].
type ServerConfig struct {
	// DefaultBaud is used when a connect request names none.
	DefaultBaud int

	// AutoRecord starts a recording after every successful connect.
	AutoRecord bool

	// TickInterval between websocket updates. Default: [DefaultTickInterval].
	TickInterval time.Duration

	// FrameWindow of samples sent per update. Default: [DefaultFrameWindow].
	FrameWindow time.Duration

	// LogsPerTick caps the log entries sent per update.
	// Default: [DefaultLogsPerTick].
	LogsPerTick int
}

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithServerLogger sets the logger. Default: slog.Default().
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithServerMetrics sets the OTel instruments. Default:
// observe.DefaultMetrics().
func WithServerMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithPortLister replaces [serial.ListPorts].
func WithPortLister(fn func() []serial.PortInfo) ServerOption {
	return func(s *Server) { s.listPorts = fn }
}

// WithMetricsHandler replaces the /metrics handler. Default: promhttp.Handler().
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metricsHandler = h }
}

// Server is the HTTP front of a [Hub].
type Server struct {
	hub       *Hub
	cfg       ServerConfig
	log       *slog.Logger
	metrics   *observe.Metrics
	health    *health.Handler
	listPorts func() []serial.PortInfo

	metricsHandler http.Handler
}

// NewServer creates a Server for hub.
func NewServer(hub *Hub, cfg ServerConfig, opts ...ServerOption) *Server {
	if cfg.DefaultBaud <= 0 {
		cfg.DefaultBaud = serial.DefaultBaud
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.FrameWindow <= 0 {
		cfg.FrameWindow = DefaultFrameWindow
	}
	if cfg.LogsPerTick <= 0 {
		cfg.LogsPerTick = DefaultLogsPerTick
	}
	s := &Server{hub: hub, cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.listPorts == nil {
		s.listPorts = serial.ListPorts
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}
	s.health = health.New(health.Func("source", hub.Connected))
	return s
}

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/ports", s.handlePorts)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/recording/start", s.handleRecordStart)
	mux.HandleFunc("POST /api/recording/stop", s.handleRecordStop)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", s.metricsHandler)
	s.health.Register(mux)
	return observe.Middleware(s.metrics)(mux)
}

type connectRequest struct {
	Endpoint   string `json:"endpoint"`
	Baud       int    `json:"baud"`
	SampleRate int    `json:"sample_rate_hz"`
}

type reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Path  string `json:"path,omitempty"`
}

func (s *Server) handlePorts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.listPorts())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, reply{Error: "invalid request body"})
		return
	}
	if req.Baud <= 0 {
		req.Baud = s.cfg.DefaultBaud
	}

	err := s.hub.Connect(r.Context(), req.Endpoint, req.Baud, req.SampleRate)
	switch {
	case errors.Is(err, ErrEndpointRequired):
		writeJSON(w, http.StatusBadRequest, reply{Error: "endpoint required"})
		return
	case err != nil:
		observe.Logger(r.Context(), s.log).Warn("scope connect failed", "endpoint", req.Endpoint, "err", err)
		writeJSON(w, http.StatusBadGateway, reply{Error: err.Error()})
		return
	}

	if s.cfg.AutoRecord {
		if _, err := s.hub.StartRecording(); err != nil && !errors.Is(err, ErrNoRecorder) {
			observe.Logger(r.Context(), s.log).Warn("scope auto-record failed", "err", err)
		}
	}
	writeJSON(w, http.StatusOK, reply{OK: true})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.hub.Disconnect()
	writeJSON(w, http.StatusOK, reply{OK: true})
}

func (s *Server) handleRecordStart(w http.ResponseWriter, _ *http.Request) {
	path, err := s.hub.StartRecording()
	if err != nil {
		writeJSON(w, recordingStatus(err), reply{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, reply{OK: true, Path: path})
}

func (s *Server) handleRecordStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.hub.StopRecording(); err != nil {
		writeJSON(w, recordingStatus(err), reply{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, reply{OK: true})
}

func recordingStatus(err error) int {
	if errors.Is(err, ErrNoRecorder) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// wsMessage is one websocket update.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsFrame struct {
	Samples    []int16 `json:"samples"`
	Timestamp  *uint32 `json:"timestamp_ms"`
	SampleRate int     `json:"sample_rate_hz"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("scope websocket accept failed", "err", err)
		return
	}
	defer c.CloseNow()

	clientID := uuid.NewString()
	log := s.log.With("client_id", clientID)
	log.Info("scope client connected")

	// The browser never sends; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := c.CloseRead(r.Context())
	err = s.stream(ctx, c)
	switch {
	case err == nil, errors.Is(err, context.Canceled),
		websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		log.Info("scope client disconnected")
		c.Close(websocket.StatusNormalClosure, "")
	default:
		log.Warn("scope client dropped", "err", err)
		c.Close(websocket.StatusInternalError, "stream failed")
	}
}

// stream sends pending logs and, while connected, the newest samples every
// tick until ctx ends or a write fails.
func (s *Server) stream(ctx context.Context, c *websocket.Conn) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for _, entry := range s.hub.PopLogs(s.cfg.LogsPerTick) {
			if err := s.send(ctx, c, wsMessage{Type: "log", Data: entry}); err != nil {
				return err
			}
		}

		st := s.hub.Status()
		if !st.Connected {
			continue
		}
		n := int(int64(st.SampleRate) * int64(s.cfg.FrameWindow) / int64(time.Second))
		frame := wsFrame{
			Samples:    s.hub.RingSnapshot(n),
			Timestamp:  st.LastTimestamp,
			SampleRate: st.SampleRate,
		}
		if err := s.send(ctx, c, wsMessage{Type: "frame", Data: frame}); err != nil {
			return err
		}
	}
}

func (s *Server) send(ctx context.Context, c *websocket.Conn, msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
