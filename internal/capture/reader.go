package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MrWong99/pdmlink/internal/pool"
)

// Compile-time interface assertion.
var _ Device = (*ReaderDevice)(nil)

// ReaderDevice replays raw little-endian PCM from an [io.Reader] at the
// stream's real-time block rate. Once the input is exhausted (and looping is
// off or impossible) it behaves like a silent microphone: every Read times out.
type ReaderDevice struct {
	paced

	r         io.Reader
	loop      bool
	exhausted bool
	scratch   []byte
}

// NewReader returns a device replaying r. With loop set and r implementing
// [io.Seeker], playback restarts from the beginning at end of input.
func NewReader(r io.Reader, loop bool) *ReaderDevice {
	return &ReaderDevice{r: r, loop: loop}
}

// Ready implements [Device].
func (d *ReaderDevice) Ready() bool { return d.r != nil }

// Configure implements [Device].
func (d *ReaderDevice) Configure(cfg StreamConfig) error {
	if err := d.configure(cfg); err != nil {
		return err
	}
	d.scratch = make([]byte, cfg.BlockSize)
	return nil
}

// Start implements [Device].
func (d *ReaderDevice) Start() error { return d.start() }

// Stop implements [Device].
func (d *ReaderDevice) Stop() error { return d.stop() }

// Read implements [Device]. Read must not be called concurrently.
func (d *ReaderDevice) Read(ctx context.Context, timeout time.Duration) (*pool.Block, int, error) {
	if d.exhausted {
		return nil, 0, d.silence(ctx, timeout)
	}

	cfg, err := d.waitTick(ctx, timeout)
	if err != nil {
		return nil, 0, err
	}

	b, err := cfg.Pool.Acquire()
	if err != nil {
		// Consume the period's input so playback stays in real time.
		if _, rerr := d.fill(d.scratch); rerr != nil && !errors.Is(rerr, io.EOF) {
			return nil, 0, rerr
		}
		return nil, 0, err
	}

	n, err := d.fill(b.Bytes()[:cfg.BlockSize])
	// A trailing partial sample frame is dropped.
	n -= n % cfg.BytesPerFrame()
	if n > 0 {
		return b, n, nil
	}
	_ = cfg.Pool.Release(b)
	if err == nil || errors.Is(err, io.EOF) {
		return nil, 0, ErrTimeout
	}
	return nil, 0, err
}

// fill reads up to len(buf) bytes, rewinding once when looping. A short final
// block is returned as is, even when it ends inside a sample frame; io.EOF is
// only reported when nothing was read.
func (d *ReaderDevice) fill(buf []byte) (int, error) {
	n, err := io.ReadFull(d.r, buf)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return n, nil
	case !errors.Is(err, io.EOF):
		return 0, fmt.Errorf("capture: read input: %w", err)
	}

	if s, ok := d.r.(io.Seeker); ok && d.loop {
		if _, serr := s.Seek(0, io.SeekStart); serr != nil {
			return 0, fmt.Errorf("capture: rewind input: %w", serr)
		}
		n, err = io.ReadFull(d.r, buf)
		if err == nil || errors.Is(err, io.ErrUnexpectedEOF) {
			return n, nil
		}
	}
	d.exhausted = true
	return 0, io.EOF
}

// silence waits like an idle microphone and reports a timeout.
func (d *ReaderDevice) silence(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
