package pipeline

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/MrWong99/pdmlink/internal/pool"
	"github.com/MrWong99/pdmlink/internal/queue"
	"github.com/MrWong99/pdmlink/pkg/tlv"
)

// TxState is the position of the transmitter in its per-block cycle.
type TxState int32

const (
	// StateWaitDescriptor waits for the next queued block.
	StateWaitDescriptor TxState = iota

	// StateEmitTimestamp writes the TIMESTAMP_MS frame.
	StateEmitTimestamp

	// StateEmitPayload writes the PCM_BLOCK frame.
	StateEmitPayload

	// StateReleaseBuffer returns the block to the pool.
	StateReleaseBuffer
)

// String returns the state name as it appears in logs and /readyz.
func (s TxState) String() string {
	switch s {
	case StateWaitDescriptor:
		return "WAIT_DESCRIPTOR"
	case StateEmitTimestamp:
		return "EMIT_TIMESTAMP"
	case StateEmitPayload:
		return "EMIT_PAYLOAD"
	case StateReleaseBuffer:
		return "RELEASE_BUFFER"
	default:
		return "UNKNOWN"
	}
}

// flusher is implemented by channels that buffer writes.
type flusher interface {
	Flush() error
}

// Transmitter is the framing task. It writes one SYNC frame, then for every
// queued block a TIMESTAMP_MS frame followed by a PCM_BLOCK frame, and only
// then releases the block.
//
// Writes go through an [io.ByteWriter] one byte at a time, so a stalled
// channel stalls the transmitter and the queue fills up behind it.
type Transmitter struct {
	settings
	queue *queue.Queue
	pool  *pool.Pool
	out   io.ByteWriter
	state atomic.Int32
}

// NewTransmitter creates a framing task writing to out. When out also
// implements Flush() error it is flushed after the SYNC frame and after every
// frame pair.
func NewTransmitter(q *queue.Queue, p *pool.Pool, out io.ByteWriter, opts ...Option) *Transmitter {
	return &Transmitter{
		settings: newSettings(opts),
		queue:    q,
		pool:     p,
		out:      out,
	}
}

// State returns the current cycle position.
func (t *Transmitter) State() TxState { return TxState(t.state.Load()) }

// Stats returns the statistics the task records into.
func (t *Transmitter) Stats() *Stats { return t.stats }

func (t *Transmitter) setState(s TxState) { t.state.Store(int32(s)) }

// Run emits the stream until ctx ends and returns nil. Write failures are
// logged and counted; the affected block is still released.
func (t *Transmitter) Run(ctx context.Context) error {
	if err := t.writeSync(); err != nil {
		t.writeFailed(ctx, "SYNC", err)
	}

	for {
		t.setState(StateWaitDescriptor)
		d, err := t.queue.Dequeue(ctx)
		if err != nil {
			return nil
		}
		t.send(ctx, d)
	}
}

func (t *Transmitter) writeSync() error {
	if err := tlv.SyncFrame().Write(t.out); err != nil {
		return err
	}
	return t.flush()
}

// send frames one block and gives it back to the pool.
func (t *Transmitter) send(ctx context.Context, d queue.Descriptor) {
	start := time.Now()

	t.setState(StateEmitTimestamp)
	err := tlv.TimestampFrame(t.clock.Millis()).Write(t.out)
	if err == nil {
		t.setState(StateEmitPayload)
		err = tlv.WriteFrame(t.out, tlv.TagPCM, d.Payload())
	}
	if err == nil {
		err = t.flush()
	}
	elapsed := time.Since(start)
	failedAt := t.State()

	t.setState(StateReleaseBuffer)
	idx := d.Block.Index()
	if rerr := t.pool.Release(d.Block); rerr != nil {
		t.log.Error("release of sent block failed", "block", idx, "err", rerr)
	}
	t.metrics.PoolInUse.Add(ctx, -1)

	if err != nil {
		t.writeFailed(ctx, failedAt.String(), err)
		return
	}
	t.stats.recordTx(elapsed)
	t.metrics.BlocksSent.Add(ctx, 1)
	t.metrics.TxDuration.Record(ctx, elapsed.Seconds())
}

func (t *Transmitter) flush() error {
	if f, ok := t.out.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// writeFailed records a failed write; at names the frame or state that failed.
func (t *Transmitter) writeFailed(ctx context.Context, at string, err error) {
	t.stats.add(&t.stats.writeErrors)
	t.metrics.TxErrors.Add(ctx, 1)
	t.log.Warn("output write failed", "at", at, "err", err)
}
