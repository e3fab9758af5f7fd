// Package scope is the host-side oscilloscope for the audio link. A [Hub]
// owns one serial connection, decodes it with a receiver and keeps the last
// few seconds of samples for display, optionally recording them to CSV. A
// [Server] exposes the hub over HTTP and streams the waveform to browsers
// over a websocket.
package scope

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/MrWong99/pdmlink/internal/observe"
	"github.com/MrWong99/pdmlink/internal/receiver"
	"github.com/MrWong99/pdmlink/internal/recorder"
	"github.com/MrWong99/pdmlink/internal/serial"
	"github.com/MrWong99/pdmlink/pkg/audio"
	"github.com/MrWong99/pdmlink/pkg/tlv"
)

// Defaults for [HubConfig].
const (
	DefaultWaveSeconds = 2.0
	DefaultSampleRate  = 16000
	DefaultLogLimit    = 300
)

var (
	// ErrEndpointRequired is returned by [Hub.Connect] for an empty endpoint.
	ErrEndpointRequired = errors.New("scope: endpoint required")

	// ErrNoRecorder is returned by the recording methods when the hub has no
	// recorder.
	ErrNoRecorder = errors.New("scope: recording disabled")
)

// Opener opens the byte stream behind an endpoint.
type Opener func(endpoint string, baud int) (io.ReadCloser, error)

// OpenSerial opens endpoint as a serial port with a short read timeout and
// discards whatever the driver buffered before the port was opened.
func OpenSerial(endpoint string, baud int) (io.ReadCloser, error) {
	cfg := serial.DefaultConfig(endpoint)
	cfg.Baud = baud
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := port.Flush(); err != nil {
		port.Close()
		return nil, fmt.Errorf("scope: reset input of %s: %w", endpoint, err)
	}
	return port, nil
}

// HubConfig configures a [Hub].
type HubConfig struct {
	// WaveSeconds of samples kept for display. Default: [DefaultWaveSeconds].
	WaveSeconds float64

	// SampleRate assumed until the first Connect. Default: [DefaultSampleRate].
	SampleRate int

	// Channels sent by the device. Multi-channel streams are mixed to mono
	// for display and recording. Default: 1.
	Channels int

	// MaxFrameLength and FrameQueue configure the receiver.
	MaxFrameLength int
	FrameQueue     int

	// LogFrames adds one log line per received TLV frame.
	LogFrames bool

	// Recorder is optional.
	Recorder *recorder.Recorder
}

// Status is the connection state reported to clients.
type Status struct {
	Connected     bool    `json:"connected"`
	Endpoint      string  `json:"endpoint"`
	Baud          int     `json:"baud"`
	SampleRate    int     `json:"sample_rate_hz"`
	LastTimestamp *uint32 `json:"last_timestamp_ms"`
	DroppedFrames int64   `json:"dropped_frames"`
	Frames        int64   `json:"frames"`
	Recording     bool    `json:"recording"`
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

// WithMetrics sets the OTel instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithOpener replaces [OpenSerial].
func WithOpener(o Opener) HubOption {
	return func(h *Hub) { h.open = o }
}

// conn is one live connection.
type conn struct {
	cancel context.CancelFunc
	src    io.Closer
	rx     *receiver.Receiver
	done   chan struct{}
}

// Hub connects one source to the display ring and the recorder.
type Hub struct {
	cfg     HubConfig
	log     *slog.Logger
	metrics *observe.Metrics
	open    Opener

	// connMu serialises Connect and Disconnect.
	connMu sync.Mutex

	mu          sync.Mutex
	conn        *conn
	status      Status
	lastDropped int64
	ring        *sampleRing
	logs        logQueue
	writeErr    bool
}

// NewHub creates a disconnected Hub.
func NewHub(cfg HubConfig, opts ...HubOption) *Hub {
	if cfg.WaveSeconds <= 0 {
		cfg.WaveSeconds = DefaultWaveSeconds
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	h := &Hub{
		cfg:    cfg,
		status: Status{SampleRate: cfg.SampleRate},
		logs:   logQueue{limit: DefaultLogLimit},
	}
	h.ring = newSampleRing(h.ringSize(cfg.SampleRate))
	for _, o := range opts {
		o(h)
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	if h.open == nil {
		h.open = OpenSerial
	}
	return h
}

func (h *Hub) ringSize(sampleRate int) int {
	return int(float64(sampleRate) * h.cfg.WaveSeconds)
}

// Connect closes any current connection, opens endpoint and starts decoding
// it. The connection outlives ctx; only its values are inherited.
func (h *Hub) Connect(ctx context.Context, endpoint string, baud, sampleRate int) error {
	if endpoint == "" {
		return ErrEndpointRequired
	}
	if baud <= 0 {
		baud = serial.DefaultBaud
	}
	if sampleRate <= 0 {
		sampleRate = h.cfg.SampleRate
	}

	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.disconnect()

	src, err := h.open(endpoint, baud)
	if err != nil {
		h.AddLog(fmt.Sprintf("Connect failed: %v", err), LevelError)
		return fmt.Errorf("scope: connect %s: %w", endpoint, err)
	}

	var rxOpts []receiver.Option
	rxOpts = append(rxOpts, receiver.WithLogger(h.log), receiver.WithMetrics(h.metrics))
	if h.cfg.LogFrames {
		rxOpts = append(rxOpts, receiver.WithFrameHook(h.logFrame))
	}
	rx := receiver.New(receiver.Config{
		SampleRate:     sampleRate,
		Channels:       h.cfg.Channels,
		MaxFrameLength: h.cfg.MaxFrameLength,
		QueueSize:      h.cfg.FrameQueue,
	}, rxOpts...)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &conn{cancel: cancel, src: src, rx: rx, done: make(chan struct{})}

	h.mu.Lock()
	h.conn = c
	h.status = Status{
		Connected:  true,
		Endpoint:   endpoint,
		Baud:       baud,
		SampleRate: sampleRate,
	}
	h.lastDropped = 0
	h.writeErr = false
	h.ring = newSampleRing(h.ringSize(sampleRate))
	h.mu.Unlock()

	frames := audio.ConvertStream(rx.Frames(), audio.Format{SampleRate: sampleRate, Channels: 1})
	go h.receive(runCtx, c, src)
	go h.pump(runCtx, c, frames)

	h.log.Info("scope connected", "endpoint", endpoint, "baud", baud, "sample_rate_hz", sampleRate)
	h.AddLog(fmt.Sprintf("Connected to %s @ %d baud", endpoint, baud), LevelOK)
	return nil
}

func (h *Hub) receive(ctx context.Context, c *conn, src io.Reader) {
	err := c.rx.Run(ctx, serial.NewLiveReader(ctx, src))
	if err != nil {
		h.log.Warn("scope link lost", "err", err)
		h.AddLog(fmt.Sprintf("Link lost: %v", err), LevelError)
	}
}

func (h *Hub) pump(ctx context.Context, c *conn, frames <-chan audio.AudioFrame) {
	defer close(c.done)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				h.linkLost(c)
				return
			}
			h.handleFrame(f)
		case <-ctx.Done():
			// Disconnected: frames still queued belong to the old link.
			audio.Drain(frames)
			return
		}
	}
}

// linkLost tears c down after its receiver stopped on its own, either because
// the link failed or the stream ended.
func (h *Hub) linkLost(c *conn) {
	h.mu.Lock()
	lost := h.conn == c
	if lost {
		h.conn = nil
		h.lastDropped = c.rx.Stats().Dropped
		h.status.Connected = false
	}
	h.mu.Unlock()
	if lost {
		c.cancel()
		c.src.Close()
		h.stopRecorder()
	}
}

func (h *Hub) handleFrame(f audio.AudioFrame) {
	samples := f.Samples()
	ts, hasTS := f.TimestampMillis()

	h.mu.Lock()
	if hasTS {
		h.status.LastTimestamp = &ts
	}
	h.status.Frames++
	h.ring.write(samples)
	h.mu.Unlock()

	if h.cfg.Recorder == nil {
		return
	}
	err := h.cfg.Recorder.WriteFrame(ts, hasTS, samples)
	if err == nil || errors.Is(err, recorder.ErrNotRecording) {
		return
	}
	h.mu.Lock()
	first := !h.writeErr
	h.writeErr = true
	h.mu.Unlock()
	if first {
		h.log.Error("scope recording write failed", "err", err)
		h.AddLog(fmt.Sprintf("Recording error: %v", err), LevelError)
	}
}

func (h *Hub) logFrame(f tlv.Frame, total int64) {
	n := len(f.Value)
	h.AddLog(fmt.Sprintf("RX TLV hdr=[%02X %02X %02X]  T=0x%02X  L=%d  total=%d bytes",
		uint8(f.Tag), uint8(n), uint8(n>>8), uint8(f.Tag), n, total), LevelDim)
}

// Disconnect closes the current connection and stops any recording. It
// returns once the connection's goroutines have finished.
func (h *Hub) Disconnect() {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.disconnect()
}

func (h *Hub) disconnect() {
	h.mu.Lock()
	c := h.conn
	h.conn = nil
	if c != nil {
		h.lastDropped = c.rx.Stats().Dropped
	}
	h.status.Connected = false
	h.status.Endpoint = ""
	h.status.Baud = 0
	h.status.LastTimestamp = nil
	h.mu.Unlock()

	if c != nil {
		c.cancel()
		if err := c.src.Close(); err != nil {
			h.log.Debug("scope source close", "err", err)
		}
		<-c.done
		h.log.Info("scope disconnected")
		h.AddLog("Disconnected", LevelInfo)
	}
	h.stopRecorder()
}

func (h *Hub) stopRecorder() {
	if h.cfg.Recorder == nil {
		return
	}
	if err := h.cfg.Recorder.Stop(); err != nil {
		h.log.Warn("scope recording stop failed", "err", err)
	}
}

// Close disconnects the hub.
func (h *Hub) Close() error {
	h.Disconnect()
	return nil
}

// Status returns the current connection state.
func (h *Hub) Status() Status {
	h.mu.Lock()
	st := h.status
	st.DroppedFrames = h.lastDropped
	if h.conn != nil {
		st.DroppedFrames = h.conn.rx.Stats().Dropped
	}
	h.mu.Unlock()

	if h.cfg.Recorder != nil {
		st.Recording = h.cfg.Recorder.State().Enabled
	}
	return st
}

// Connected reports whether a source is attached. It is used as the
// readiness check of the scope server.
func (h *Hub) Connected() error {
	if !h.Status().Connected {
		return errors.New("no source connected")
	}
	return nil
}

// RingSnapshot returns up to limit of the most recent samples.
func (h *Hub) RingSnapshot(limit int) []int16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ring.last(limit)
}

// AddLog appends an entry to the event log, forgetting the oldest entries
// beyond [DefaultLogLimit].
func (h *Hub) AddLog(message, level string) {
	if level == "" {
		level = LevelDim
	}
	h.mu.Lock()
	h.logs.push(LogEntry{Message: message, Level: level})
	h.mu.Unlock()
}

// PopLogs removes and returns up to limit of the oldest log entries.
func (h *Hub) PopLogs(limit int) []LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logs.pop(limit)
}

// StartRecording starts recording at the current sample rate and returns
// the file path. It is a no-op returning the existing path while recording.
func (h *Hub) StartRecording() (string, error) {
	if h.cfg.Recorder == nil {
		return "", ErrNoRecorder
	}
	path, err := h.cfg.Recorder.Start(h.Status().SampleRate)
	if err != nil {
		return "", err
	}
	h.AddLog("Recording to "+path, LevelInfo)
	return path, nil
}

// StopRecording stops the current recording.
func (h *Hub) StopRecording() error {
	if h.cfg.Recorder == nil {
		return ErrNoRecorder
	}
	return h.cfg.Recorder.Stop()
}
