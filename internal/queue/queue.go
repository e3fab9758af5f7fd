// Package queue implements the bounded transfer queue that connects the
// capture task to the transmitter task.
//
// The queue carries [Descriptor] values, never payload bytes: a descriptor
// references a pool block and the number of valid bytes in it. Ordering is
// strictly FIFO.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/pdmlink/internal/pool"
)

var (
	// ErrQueueFull is returned by [Queue.TryEnqueue] when no slot is free.
	ErrQueueFull = errors.New("queue: full")

	// ErrQueueEmpty is returned by [Queue.TryDequeue] when nothing is queued.
	ErrQueueEmpty = errors.New("queue: empty")

	// ErrInvalidDescriptor is returned when a descriptor has no block or its
	// length exceeds the block capacity.
	ErrInvalidDescriptor = errors.New("queue: invalid descriptor")
)

// Descriptor references a filled block. It is copied by value; the block
// itself is handed over, not duplicated.
type Descriptor struct {
	Block *pool.Block
	Len   int
}

// Payload returns the valid bytes of the referenced block.
func (d Descriptor) Payload() []byte {
	return d.Block.Bytes()[:d.Len]
}

// Validate reports whether d can be queued.
func (d Descriptor) Validate() error {
	if d.Block == nil {
		return fmt.Errorf("%w: nil block", ErrInvalidDescriptor)
	}
	if d.Len < 0 || d.Len > d.Block.Cap() {
		return fmt.Errorf("%w: length %d outside [0, %d]", ErrInvalidDescriptor, d.Len, d.Block.Cap())
	}
	return nil
}

// Queue is a bounded FIFO of descriptors. It is safe for concurrent use.
type Queue struct {
	ch chan Descriptor
}

// New creates a queue holding at most capacity descriptors.
func New(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue: capacity must be positive, got %d", capacity)
	}
	return &Queue{ch: make(chan Descriptor, capacity)}, nil
}

// TryEnqueue appends d without waiting and returns [ErrQueueFull] when the
// queue is at capacity. On error the caller still owns the block.
func (q *Queue) TryEnqueue(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	select {
	case q.ch <- d:
		return nil
	default:
		return ErrQueueFull
	}
}

// Enqueue appends d, waiting for a free slot until ctx ends.
func (q *Queue) Enqueue(ctx context.Context, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	select {
	case q.ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue removes the oldest descriptor, waiting until one is available or
// ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (Descriptor, error) {
	select {
	case d := <-q.ch:
		return d, nil
	case <-ctx.Done():
		return Descriptor{}, ctx.Err()
	}
}

// TryDequeue removes the oldest descriptor without waiting and returns
// [ErrQueueEmpty] when nothing is queued.
func (q *Queue) TryDequeue() (Descriptor, error) {
	select {
	case d := <-q.ch:
		return d, nil
	default:
		return Descriptor{}, ErrQueueEmpty
	}
}

// Len returns the number of queued descriptors.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
