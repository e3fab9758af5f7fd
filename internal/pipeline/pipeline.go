// Package pipeline runs the two tasks of the audio link: a [Source] that
// drains the capture device into the transfer queue and a [Transmitter] that
// frames queued blocks onto the output channel.
//
// Blocks travel Pool → Source → Queue → Transmitter → Pool. The queue is the
// only point where the tasks meet; neither task ever waits on the other
// except through it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pdmlink/internal/capture"
	"github.com/MrWong99/pdmlink/internal/queue"
)

// Config wires a [Pipeline] to its pool and queue.
type Config struct {
	// Stream is applied to the device before it is started. Stream.Pool is
	// the block pool shared by both tasks.
	Stream capture.StreamConfig

	// Queue is the transfer queue between the tasks.
	Queue *queue.Queue
}

// Pipeline owns the device lifecycle and both tasks.
type Pipeline struct {
	settings
	dev     capture.Device
	cfg     Config
	src     *Source
	tx      *Transmitter
	running atomic.Bool
}

// New validates cfg and builds both tasks. Both tasks share one [Stats]
// unless [WithStats] is given. When out implements [io.Closer], [Pipeline.Run]
// closes it once its context ends so that a stalled write is aborted.
func New(dev capture.Device, out io.ByteWriter, cfg Config, opts ...Option) (*Pipeline, error) {
	if dev == nil {
		return nil, errors.New("pipeline: nil device")
	}
	if out == nil {
		return nil, errors.New("pipeline: nil output channel")
	}
	if cfg.Queue == nil {
		return nil, errors.New("pipeline: nil transfer queue")
	}
	if err := cfg.Stream.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	s := newSettings(opts)
	// Pin the resolved defaults so both tasks share them.
	shared := append(opts[:len(opts):len(opts)],
		WithLogger(s.log),
		WithMetrics(s.metrics),
		WithStats(s.stats),
		WithClock(s.clock),
		WithDeviceBreaker(s.breaker),
	)
	p := cfg.Stream.Pool
	return &Pipeline{
		settings: s,
		dev:      dev,
		cfg:      cfg,
		src:      NewSource(dev, p, cfg.Queue, shared...),
		tx:       NewTransmitter(cfg.Queue, p, out, shared...),
	}, nil
}

// Stats returns the statistics shared by both tasks.
func (p *Pipeline) Stats() *Stats { return p.stats }

// TxState returns the transmitter's current cycle position.
func (p *Pipeline) TxState() TxState { return p.tx.State() }

// Running reports whether both tasks are active.
func (p *Pipeline) Running() bool { return p.running.Load() }

// Run brings up the device and runs both tasks until ctx ends. A device that
// is not ready, or fails to configure or start, is fatal: Run returns an error
// before any task starts. Otherwise Run returns nil after ctx ends, with the
// device stopped and every queued block back in the pool.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.dev.Ready() {
		return fmt.Errorf("pipeline: %w", capture.ErrNotReady)
	}
	if err := p.dev.Configure(p.cfg.Stream); err != nil {
		return fmt.Errorf("pipeline: configure device: %w", err)
	}
	if err := p.dev.Start(); err != nil {
		return fmt.Errorf("pipeline: start device: %w", err)
	}

	p.log.Info("pipeline started",
		"sample_rate_hz", p.cfg.Stream.SampleRate,
		"block_bytes", p.cfg.Stream.BlockSize,
		"block_duration", p.cfg.Stream.BlockDuration(),
		"pool_blocks", p.cfg.Stream.Pool.Count(),
		"queue_capacity", p.cfg.Queue.Cap(),
	)
	p.running.Store(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.src.Run(gctx) })
	g.Go(func() error { return p.runTransmitter(gctx) })
	err := g.Wait()

	p.running.Store(false)
	if serr := p.dev.Stop(); serr != nil {
		p.log.Warn("stopping capture device failed", "err", serr)
	}
	p.drain(context.WithoutCancel(ctx))
	p.log.Info("pipeline stopped", "stats", p.stats.Snapshot())
	return err
}

// stallGrace is how long Run waits for a transmitter whose output channel
// cannot be closed.
const stallGrace = 250 * time.Millisecond

// runTransmitter runs the transmitter until ctx ends. A write stalled on the
// output channel does not observe ctx, so once ctx ends the channel is closed
// if it can be. A transmitter stuck on a channel that cannot be closed is
// left behind; it releases its block when the write eventually returns.
func (p *Pipeline) runTransmitter(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.tx.Run(ctx)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	c, ok := p.tx.out.(io.Closer)
	if !ok {
		select {
		case <-done:
		case <-time.After(stallGrace):
			p.log.Warn("transmitter blocked on the output channel, abandoning it", "state", p.tx.State())
		}
		return nil
	}
	if err := c.Close(); err != nil {
		p.log.Warn("closing output channel failed", "err", err)
	}
	<-done
	return nil
}

// drain returns blocks that were queued but never sent.
func (p *Pipeline) drain(ctx context.Context) {
	pl := p.cfg.Stream.Pool
	for {
		d, err := p.cfg.Queue.TryDequeue()
		if err != nil {
			return
		}
		if err := pl.Release(d.Block); err != nil {
			p.log.Error("release of queued block failed", "block", d.Block.Index(), "err", err)
		}
		p.metrics.PoolInUse.Add(ctx, -1)
	}
}
