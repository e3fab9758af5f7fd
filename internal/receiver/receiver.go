// Package receiver decodes the TLV audio stream produced by the transmitter
// into [audio.AudioFrame] values.
//
// A [Receiver] reads from any io.Reader (usually a serial port wrapped in a
// [serial.LiveReader]) and publishes PCM frames on a bounded channel. When
// the consumer falls behind, frames are dropped and counted rather than
// stalling the link.
//
// [serial.LiveReader]: github.com/MrWong99/pdmlink/internal/serial.LiveReader
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/pdmlink/internal/observe"
	"github.com/MrWong99/pdmlink/pkg/audio"
	"github.com/MrWong99/pdmlink/pkg/tlv"
)

// DefaultQueueSize is the capacity of the frame channel.
const DefaultQueueSize = 64

// ErrAlreadyRun is returned by [Receiver.Run] on a second call.
var ErrAlreadyRun = errors.New("receiver: already run")

// Config describes the stream being received. The wire carries no format
// information, so the sample rate and channel count must be known up front.
type Config struct {
	// SampleRate stamped on emitted frames (Hz).
	SampleRate int

	// Channels stamped on emitted frames. Default: 1.
	Channels int

	// MaxFrameLength is the largest accepted TLV value. Default:
	// tlv.DefaultMaxLength.
	MaxFrameLength int

	// QueueSize is the capacity of the frame channel. Default:
	// [DefaultQueueSize].
	QueueSize int
}

// FrameHook observes every decoded frame. total is the number of stream bytes
// consumed so far, including the frame itself.
type FrameHook func(f tlv.Frame, total int64)

// Option configures a [Receiver].
type Option func(*Receiver)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Receiver) { r.log = l }
}

// WithMetrics sets the OTel instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Receiver) { r.metrics = m }
}

// WithFrameHook registers fn to be called from the receive loop for every
// decoded frame, before it is interpreted. fn must not block.
func WithFrameHook(fn FrameHook) Option {
	return func(r *Receiver) { r.hook = fn }
}

// Stats is a point-in-time copy of the receiver counters.
type Stats struct {
	Frames        int64
	Dropped       int64
	Skipped       int64
	Resyncs       int64
	Bytes         int64
	Synced        bool
	LastTimestamp uint32
	HasTimestamp  bool
}

// Receiver turns a TLV byte stream into audio frames.
type Receiver struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	hook    FrameHook

	frames chan audio.AudioFrame
	ran    atomic.Bool

	nFrames atomic.Int64
	dropped atomic.Int64
	skipped atomic.Int64
	resyncs atomic.Int64
	bytes   atomic.Int64
	synced  atomic.Bool
	lastTS  atomic.Uint32
	hasTS   atomic.Bool
}

// New creates a Receiver. Call [Receiver.Run] to start decoding.
func New(cfg Config, opts ...Option) *Receiver {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.MaxFrameLength <= 0 {
		cfg.MaxFrameLength = tlv.DefaultMaxLength
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	r := &Receiver{
		cfg:    cfg,
		frames: make(chan audio.AudioFrame, cfg.QueueSize),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Frames returns the channel decoded PCM frames are published on. It is
// closed when [Receiver.Run] returns.
func (r *Receiver) Frames() <-chan audio.AudioFrame { return r.frames }

// Stats returns a snapshot of the receiver counters.
func (r *Receiver) Stats() Stats {
	return Stats{
		Frames:        r.nFrames.Load(),
		Dropped:       r.dropped.Load(),
		Skipped:       r.skipped.Load(),
		Resyncs:       r.resyncs.Load(),
		Bytes:         r.bytes.Load(),
		Synced:        r.synced.Load(),
		LastTimestamp: r.lastTS.Load(),
		HasTimestamp:  r.hasTS.Load(),
	}
}

// Run decodes src until ctx ends or the stream ends, then closes the frame
// channel. A clean or truncated end of stream and cancellation return nil;
// any other read error is returned wrapped.
func (r *Receiver) Run(ctx context.Context, src io.Reader) error {
	if !r.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	defer close(r.frames)

	dec := tlv.NewDecoder(src, tlv.WithMaxLength(r.cfg.MaxFrameLength))
	for {
		if ctx.Err() != nil {
			return nil
		}
		f, err := dec.Next()
		switch {
		case err == nil:
			r.handle(ctx, f)
		case errors.Is(err, tlv.ErrFrameTooLong):
			if done, err := r.resync(ctx, dec, err); done {
				return err
			}
		default:
			return r.stop(ctx, err)
		}
	}
}

func (r *Receiver) resync(ctx context.Context, dec *tlv.Decoder, cause error) (bool, error) {
	r.log.Warn("receiver: stream misaligned, hunting for a frame boundary", "err", cause)
	skipped, err := dec.Resync()
	r.bytes.Add(int64(tlv.HeaderSize + skipped))
	if err != nil {
		return true, r.stop(ctx, err)
	}
	r.resyncs.Add(1)
	r.synced.Store(true)
	r.log.Info("receiver: resynchronised", "skipped_bytes", skipped)
	return false, nil
}

func (r *Receiver) stop(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, io.EOF):
		r.log.Info("receiver: end of stream", "frames", r.nFrames.Load())
		return nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		r.log.Warn("receiver: stream ended inside a frame", "frames", r.nFrames.Load())
		return nil
	default:
		return fmt.Errorf("receiver: read: %w", err)
	}
}

func (r *Receiver) handle(ctx context.Context, f tlv.Frame) {
	total := r.bytes.Add(int64(f.Len()))
	if r.hook != nil {
		r.hook(f, total)
	}

	switch f.Tag {
	case tlv.TagSync:
		if r.synced.CompareAndSwap(false, true) {
			r.log.Info("receiver: synchronised")
		} else {
			r.log.Debug("receiver: repeated SYNC")
		}
	case tlv.TagTimestamp:
		ms, err := f.Timestamp()
		if err != nil {
			r.skipped.Add(1)
			r.log.Debug("receiver: malformed timestamp", "len", len(f.Value))
			return
		}
		r.lastTS.Store(ms)
		r.hasTS.Store(true)
	case tlv.TagPCM:
		r.publish(ctx, f.Value)
	default:
		r.skipped.Add(1)
		r.log.Debug("receiver: unknown tag skipped", "tag", f.Tag.String(), "len", len(f.Value))
	}
}

func (r *Receiver) publish(ctx context.Context, pcm []byte) {
	if len(pcm)%2 != 0 {
		r.skipped.Add(1)
		r.log.Debug("receiver: odd-length PCM block skipped", "len", len(pcm))
		return
	}
	frame := audio.AudioFrame{
		Data:       pcm,
		SampleRate: r.cfg.SampleRate,
		Channels:   r.cfg.Channels,
	}
	if r.hasTS.Load() {
		frame.Timestamp = time.Duration(r.lastTS.Load()) * time.Millisecond
		frame.HasTimestamp = true
	}

	r.nFrames.Add(1)
	r.metrics.ScopeFrames.Add(ctx, 1)
	select {
	case r.frames <- frame:
	default:
		r.dropped.Add(1)
		r.metrics.ScopeDropped.Add(ctx, 1)
	}
}
