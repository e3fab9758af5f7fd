package serial

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// ByteChannel adapts an [io.Writer] into the blocking byte sink the
// transmitter writes frames to. Bytes are staged in a buffer and pushed to
// the underlying writer on Flush or when the buffer fills; a slow writer
// therefore blocks WriteByte, which is the back-pressure the capture side
// relies on.
type ByteChannel struct {
	mu        sync.Mutex
	w         *bufio.Writer
	closer    io.Closer
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// DefaultBufferSize holds one default 640-byte PCM frame pair with room to
// spare.
const DefaultBufferSize = 1024

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("serial: channel closed")

// NewByteChannel wraps w. When w is also an [io.Closer] it is closed by
// [ByteChannel.Close]. A non-positive size selects [DefaultBufferSize].
func NewByteChannel(w io.Writer, size int) *ByteChannel {
	if size <= 0 {
		size = DefaultBufferSize
	}
	c := &ByteChannel{w: bufio.NewWriterSize(w, size)}
	if cl, ok := w.(io.Closer); ok {
		c.closer = cl
	}
	return c
}

// WriteByte implements [io.ByteWriter].
func (c *ByteChannel) WriteByte(b byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	return c.w.WriteByte(b)
}

// Write implements [io.Writer].
func (c *ByteChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return 0, ErrClosed
	}
	return c.w.Write(p)
}

// Flush pushes buffered bytes to the underlying writer.
func (c *ByteChannel) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	return c.w.Flush()
}

// Close flushes pending bytes and closes the underlying writer if it is
// closable. When a write is in progress, possibly stalled on a slow device,
// the underlying writer is closed first to abort it and pending bytes are
// discarded. Closing twice is a no-op.
func (c *ByteChannel) Close() error {
	if !c.mu.TryLock() {
		c.closed.Store(true)
		return c.closeUnderlying()
	}
	defer c.mu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}
	return errors.Join(c.w.Flush(), c.closeUnderlying())
}

func (c *ByteChannel) closeUnderlying() error {
	c.closeOnce.Do(func() {
		if c.closer != nil {
			c.closeErr = c.closer.Close()
		}
	})
	return c.closeErr
}

// Output kinds accepted by [OpenOutput].
const (
	OutputSerial = "serial"
	OutputFile   = "file"
	OutputStdout = "stdout"
)

// OutputConfig selects where the transmitter's byte stream goes.
type OutputConfig struct {
	// Kind is one of OutputSerial, OutputFile or OutputStdout.
	Kind string

	// Device and Baud apply to OutputSerial.
	Device string
	Baud   int

	// Path applies to OutputFile. The file is truncated.
	Path string

	// BufferSize is the staging buffer size. Default: [DefaultBufferSize].
	BufferSize int
}

// OpenOutput opens the configured output channel. The caller must Close it.
func OpenOutput(cfg OutputConfig) (*ByteChannel, error) {
	switch cfg.Kind {
	case OutputSerial:
		port, err := Open(Config{Device: cfg.Device, Baud: cfg.Baud})
		if err != nil {
			return nil, err
		}
		return NewByteChannel(port, cfg.BufferSize), nil
	case OutputFile:
		if cfg.Path == "" {
			return nil, errors.New("serial: output file path required")
		}
		f, err := os.Create(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("serial: create output: %w", err)
		}
		return NewByteChannel(f, cfg.BufferSize), nil
	case OutputStdout:
		// Never close the process's stdout.
		return NewByteChannel(nopCloser{os.Stdout}, cfg.BufferSize), nil
	default:
		return nil, fmt.Errorf("serial: unknown output kind %q", cfg.Kind)
	}
}

// nopCloser hides the Close method of an io.WriteCloser.
type nopCloser struct{ w io.Writer }

func (n nopCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
