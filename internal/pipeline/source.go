package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/pdmlink/internal/capture"
	"github.com/MrWong99/pdmlink/internal/observe"
	"github.com/MrWong99/pdmlink/internal/pool"
	"github.com/MrWong99/pdmlink/internal/queue"
)

// Source is the capture task. It reads filled blocks from the device and
// hands them to the transfer queue without ever waiting on the queue: when
// the queue is full the block goes straight back to the pool and is counted
// as dropped.
type Source struct {
	settings
	dev   capture.Device
	pool  *pool.Pool
	queue *queue.Queue
}

// NewSource creates a capture task. dev must already be configured with p
// and started before [Source.Run] is called.
func NewSource(dev capture.Device, p *pool.Pool, q *queue.Queue, opts ...Option) *Source {
	return &Source{
		settings: newSettings(opts),
		dev:      dev,
		pool:     p,
		queue:    q,
	}
}

// Stats returns the statistics the task records into.
func (s *Source) Stats() *Stats { return s.stats }

// Run reads blocks until ctx ends. Per-block failures are logged and counted
// and never end the loop. Run returns nil once ctx is done.
func (s *Source) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := s.breaker.Allow(); err != nil {
			sleepCtx(ctx, s.breaker.RetryIn())
			continue
		}

		b, n, err := s.dev.Read(ctx, s.readTimeout)
		s.breaker.Record(deviceFault(ctx, err))
		if err != nil {
			s.readFailed(ctx, err)
			continue
		}
		s.handOff(ctx, b, n)
	}
	return nil
}

// readFailed classifies a failed read.
func (s *Source) readFailed(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil:
	case errors.Is(err, capture.ErrTimeout):
		s.stats.add(&s.stats.readTimeouts)
		s.metrics.RecordCaptureError(ctx, observe.CaptureErrorTimeout)
		s.log.Warn("capture read timed out", "timeout", s.readTimeout)
	case errors.Is(err, pool.ErrBlockUnavailable):
		// The producer is outrunning the consumer; this period's audio is gone.
		s.stats.add(&s.stats.overruns)
		s.metrics.Overruns.Add(ctx, 1)
		s.log.Debug("block pool exhausted, block period lost", "in_use", s.pool.InUse())
	default:
		s.stats.add(&s.stats.readErrors)
		s.metrics.RecordCaptureError(ctx, observe.CaptureErrorRead)
		s.log.Error("capture read failed", "err", err)
	}
}

// handOff passes a filled block to the transmitter, or reclaims it when the
// queue has no room.
func (s *Source) handOff(ctx context.Context, b *pool.Block, n int) {
	s.stats.add(&s.stats.captured)
	s.metrics.BlocksCaptured.Add(ctx, 1)
	s.metrics.PoolInUse.Add(ctx, 1)

	err := s.queue.TryEnqueue(queue.Descriptor{Block: b, Len: n})
	if err == nil {
		return
	}

	idx := b.Index()
	if rerr := s.pool.Release(b); rerr != nil {
		s.log.Error("release of unqueued block failed", "block", idx, "err", rerr)
	}
	s.metrics.PoolInUse.Add(ctx, -1)
	s.stats.add(&s.stats.dropped)
	s.metrics.BlocksDropped.Add(ctx, 1)

	if errors.Is(err, queue.ErrQueueFull) {
		s.log.Debug("transfer queue full, block dropped", "block", idx, "queued", s.queue.Len())
		return
	}
	s.log.Error("block rejected by transfer queue", "block", idx, "len", n, "err", err)
}

// deviceFault filters a read error down to what counts against the device
// breaker. Timeouts and pool exhaustion say nothing about device health.
func deviceFault(ctx context.Context, err error) error {
	switch {
	case err == nil, ctx.Err() != nil:
		return nil
	case errors.Is(err, capture.ErrTimeout), errors.Is(err, pool.ErrBlockUnavailable):
		return nil
	default:
		return err
	}
}

// sleepCtx waits for d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
