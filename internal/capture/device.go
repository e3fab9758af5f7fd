// Package capture defines the sampling-device collaborator of the streaming
// pipeline and ships two host-side implementations: a synthetic tone
// generator ([ToneDevice]) and a raw PCM replayer ([ReaderDevice]).
//
// A device is configured with a [StreamConfig] that names the block pool it
// fills, the way a PDM microphone driver is handed a memory slab. Each
// successful [Device.Read] transfers ownership of one pool block to the caller.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/pdmlink/internal/pool"
)

var (
	// ErrNotReady is returned when a device cannot be used at all.
	ErrNotReady = errors.New("capture: device not ready")

	// ErrNotConfigured is returned by Start or Read before Configure succeeded.
	ErrNotConfigured = errors.New("capture: device not configured")

	// ErrNotStarted is returned by Read while the device is stopped.
	ErrNotStarted = errors.New("capture: device not started")

	// ErrTimeout is returned by Read when no block became ready in time.
	ErrTimeout = errors.New("capture: read timed out")

	// ErrUnsupported is returned by Configure for stream formats the device
	// cannot produce.
	ErrUnsupported = errors.New("capture: unsupported stream format")
)

// Side selects the left or right PDM channel of a microphone pair.
type Side int

const (
	Left Side = iota
	Right
)

// String returns the human-readable name of the side.
func (s Side) String() string {
	switch s {
	case Left:
		return "LEFT"
	case Right:
		return "RIGHT"
	default:
		return "UNKNOWN"
	}
}

// StreamConfig describes the PCM stream a device should produce.
type StreamConfig struct {
	// SampleRate in Hz (e.g., 16000).
	SampleRate int

	// Width is the PCM sample width in bits (e.g., 16).
	Width int

	// Channels is the number of interleaved channels per sample frame.
	Channels int

	// ChannelMap assigns a microphone side to each channel slot. Empty means
	// slot i maps to side i.
	ChannelMap []Side

	// BlockSize is the number of payload bytes in each block.
	BlockSize int

	// Pool supplies the blocks the device fills.
	Pool *pool.Pool
}

// BytesPerFrame returns the size of one interleaved sample frame.
func (c StreamConfig) BytesPerFrame() int {
	return c.Width / 8 * c.Channels
}

// SamplesPerBlock returns the number of sample frames in one block.
func (c StreamConfig) SamplesPerBlock() int {
	if c.BytesPerFrame() == 0 {
		return 0
	}
	return c.BlockSize / c.BytesPerFrame()
}

// BlockDuration returns how much audio one block holds.
func (c StreamConfig) BlockDuration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.SamplesPerBlock()) * time.Second / time.Duration(c.SampleRate)
}

// Validate checks that c describes a coherent stream.
func (c StreamConfig) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", c.SampleRate))
	}
	if c.Width < 8 || c.Width > 32 || c.Width%8 != 0 {
		errs = append(errs, fmt.Errorf("sample width %d must be one of 8, 16, 24, 32", c.Width))
	}
	if c.Channels <= 0 {
		errs = append(errs, fmt.Errorf("channel count %d must be positive", c.Channels))
	}
	if len(c.ChannelMap) != 0 && len(c.ChannelMap) != c.Channels {
		errs = append(errs, fmt.Errorf("channel map has %d entries for %d channels", len(c.ChannelMap), c.Channels))
	}
	if c.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("block size %d must be positive", c.BlockSize))
	} else if f := c.BytesPerFrame(); f > 0 && c.BlockSize%f != 0 {
		errs = append(errs, fmt.Errorf("block size %d is not a multiple of the %d-byte sample frame", c.BlockSize, f))
	}
	if c.Pool == nil {
		errs = append(errs, errors.New("no block pool"))
	} else if c.Pool.BlockSize() < c.BlockSize {
		errs = append(errs, fmt.Errorf("pool blocks of %d bytes cannot hold %d-byte blocks", c.Pool.BlockSize(), c.BlockSize))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("capture: invalid stream config: %w", err)
	}
	return nil
}

// Device is a block-oriented sampling device such as a PDM microphone.
//
// Read returns a block checked out of the configured pool together with the
// number of valid bytes in it; the caller owns the block from then on and must
// release it to the pool. When the pool is exhausted Read returns
// [pool.ErrBlockUnavailable] and the audio of that period is lost.
type Device interface {
	// Ready reports whether the device is present and usable.
	Ready() bool

	// Configure applies the stream format. It must be called before Start.
	Configure(cfg StreamConfig) error

	// Start begins acquisition.
	Start() error

	// Stop ends acquisition. Stopping a stopped device is a no-op.
	Stop() error

	// Read waits up to timeout for the next block. A non-positive timeout
	// waits until ctx ends.
	Read(ctx context.Context, timeout time.Duration) (*pool.Block, int, error)
}

// paced holds the state shared by devices that emit one block per block
// period.
type paced struct {
	mu      sync.Mutex
	cfg     StreamConfig
	ready   bool
	started bool
	ticker  *time.Ticker
}

func (p *paced) configure(cfg StreamConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("capture: cannot configure a running device")
	}
	p.cfg = cfg
	p.ready = true
	return nil
}

func (p *paced) start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return ErrNotConfigured
	}
	if p.started {
		return nil
	}
	p.ticker = time.NewTicker(p.cfg.BlockDuration())
	p.started = true
	return nil
}

func (p *paced) stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.ticker.Stop()
	p.started = false
	return nil
}

// waitTick blocks until the next block period elapses. It returns the stream
// config in effect.
func (p *paced) waitTick(ctx context.Context, timeout time.Duration) (StreamConfig, error) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return StreamConfig{}, ErrNotStarted
	}
	ticks := p.ticker.C
	cfg := p.cfg
	p.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ticks:
		return cfg, nil
	case <-expired:
		return cfg, ErrTimeout
	case <-ctx.Done():
		return cfg, ctx.Err()
	}
}
