// Package serial provides the byte-oriented channels of the audio link: a
// native serial port (via github.com/tarm/serial), a buffered byte channel
// adapter for the transmitter, and helpers to open the configured output.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"time"

	"github.com/tarm/serial"
)

// Port represents a serial port.
// Implementations include the native port returned by [Open] and in-memory
// pipes used in tests.
type Port interface {
	io.ReadWriteCloser

	// Flush discards data buffered in the driver in both directions.
	Flush() error
}

// Config holds serial port configuration.
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3").
	Device string

	// Baud rate. USB CDC-ACM links ignore it, real UARTs do not.
	Baud int

	// ReadTimeout bounds a single Read. Zero blocks until data arrives.
	ReadTimeout time.Duration
}

// DefaultBaud is the link speed of the PDM board's console UART.
const DefaultBaud = 921600

// DefaultConfig returns a configuration for device at [DefaultBaud] with a
// 200 ms read timeout.
func DefaultConfig(device string) Config {
	return Config{
		Device:      device,
		Baud:        DefaultBaud,
		ReadTimeout: 200 * time.Millisecond,
	}
}

// NativePort wraps the tarm/serial implementation.
type NativePort struct {
	port *serial.Port
	cfg  Config
}

// Compile-time interface assertion.
var _ Port = (*NativePort)(nil)

// Open opens a native serial port.
func Open(cfg Config) (*NativePort, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}
	return &NativePort{port: port, cfg: cfg}, nil
}

// Config returns the configuration the port was opened with.
func (p *NativePort) Config() Config { return p.cfg }

// Read reads data from the serial port. With a read timeout configured, an
// expired read returns 0 bytes and a nil error or io.EOF depending on the
// platform driver.
func (p *NativePort) Read(b []byte) (int, error) {
	return p.port.Read(b)
}

// Write writes data to the serial port.
func (p *NativePort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Close closes the serial port.
func (p *NativePort) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Flush discards unread input and unsent output held by the driver.
func (p *NativePort) Flush() error {
	return p.port.Flush()
}

// candidatePatterns are the device nodes USB serial adapters and CDC-ACM
// boards show up as.
var candidatePatterns = []string{
	"/dev/ttyACM*",
	"/dev/ttyUSB*",
	"/dev/ttyAMA*",
	"/dev/tty.usbmodem*",
	"/dev/tty.usbserial*",
	"/dev/cu.usbmodem*",
	"/dev/cu.usbserial*",
}

// PortInfo describes a serial device candidate.
type PortInfo struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Device string `json:"device"`
	Kind   string `json:"kind"`
}

// ListPorts returns the serial devices present on this host, sorted by path.
func ListPorts() []PortInfo {
	var paths []string
	for _, pattern := range candidatePatterns {
		m, _ := filepath.Glob(pattern) // only ErrBadPattern, impossible here
		paths = append(paths, m...)
	}
	slices.Sort(paths)
	paths = slices.Compact(paths)

	out := make([]PortInfo, 0, len(paths))
	for _, p := range paths {
		out = append(out, PortInfo{ID: p, Label: p, Device: p, Kind: "serial"})
	}
	return out
}

// LiveReader adapts a port with a read timeout into a reader for stream
// decoders. Expired reads (0 bytes with a nil error or io.EOF) are retried
// until ctx ends, at which point Read returns ctx.Err(). Any other error is
// passed through.
type LiveReader struct {
	ctx context.Context
	r   io.Reader
}

// NewLiveReader returns a LiveReader over r.
func NewLiveReader(ctx context.Context, r io.Reader) *LiveReader {
	return &LiveReader{ctx: ctx, r: r}
}

// Read implements io.Reader.
func (l *LiveReader) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		if err := l.ctx.Err(); err != nil {
			return 0, err
		}
		n, err := l.r.Read(b)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
	}
}
