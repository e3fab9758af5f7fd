// Package pool provides a fixed-size pool of equally sized memory blocks.
//
// All blocks are allocated once by [New] and then cycle between the pool and
// exactly one owner at a time: the capture device while filling, the transfer
// queue and transmitter while in transit, and the pool while free. The pool
// never grows, shrinks, or hands a block to the garbage collector.
//
// Ownership is tracked per block so that releasing a block twice, or releasing
// a block into a pool it does not belong to, is reported instead of silently
// corrupting the free list.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var (
	// ErrBlockUnavailable is returned when no free block exists. For the
	// producer this means it is outrunning the consumer.
	ErrBlockUnavailable = errors.New("pool: no block available")

	// ErrDoubleRelease is returned when a block that is already free is released.
	ErrDoubleRelease = errors.New("pool: block released twice")

	// ErrForeignBlock is returned when a block is released into a pool that did
	// not allocate it.
	ErrForeignBlock = errors.New("pool: block belongs to another pool")

	// ErrNilBlock is returned when a nil block is released.
	ErrNilBlock = errors.New("pool: nil block")
)

const (
	stateFree uint32 = iota
	stateHeld
)

// Block is one fixed-capacity unit of pool memory.
// A Block must only be touched by its current owner.
type Block struct {
	pool  *Pool
	index int
	data  []byte
	state atomic.Uint32
}

// Bytes returns the full backing array of the block. Its length equals the
// pool's block size.
func (b *Block) Bytes() []byte { return b.data }

// Cap returns the capacity of the block in bytes.
func (b *Block) Cap() int { return len(b.data) }

// Index returns the block's position in its pool. Useful in logs.
func (b *Block) Index() int { return b.index }

// Held reports whether the block is currently checked out of its pool.
func (b *Block) Held() bool { return b.state.Load() == stateHeld }

// Pool is a bounded pool of blocks. It is safe for concurrent use.
type Pool struct {
	size   int
	blocks []*Block
	free   chan *Block
}

// New allocates count blocks of size bytes each.
func New(count, size int) (*Pool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("pool: block count must be positive, got %d", count)
	}
	if size <= 0 {
		return nil, fmt.Errorf("pool: block size must be positive, got %d", size)
	}

	p := &Pool{
		size:   size,
		blocks: make([]*Block, count),
		free:   make(chan *Block, count),
	}
	// One contiguous arena, sliced into blocks.
	arena := make([]byte, count*size)
	for i := range p.blocks {
		b := &Block{
			pool:  p,
			index: i,
			data:  arena[i*size : (i+1)*size : (i+1)*size],
		}
		p.blocks[i] = b
		p.free <- b
	}
	return p, nil
}

// Acquire checks out a free block without waiting. It returns
// [ErrBlockUnavailable] when the pool is empty.
func (p *Pool) Acquire() (*Block, error) {
	select {
	case b := <-p.free:
		b.state.Store(stateHeld)
		return b, nil
	default:
		return nil, ErrBlockUnavailable
	}
}

// AcquireWait checks out a free block, waiting at most timeout for one to be
// released. A non-positive timeout behaves like [Pool.Acquire]. It returns
// [ErrBlockUnavailable] on timeout and the context error if ctx ends first.
func (p *Pool) AcquireWait(ctx context.Context, timeout time.Duration) (*Block, error) {
	if timeout <= 0 {
		return p.Acquire()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case b := <-p.free:
		b.state.Store(stateHeld)
		return b, nil
	case <-timer.C:
		return nil, ErrBlockUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns b to the pool. Releasing a held block always succeeds.
func (p *Pool) Release(b *Block) error {
	if b == nil {
		return ErrNilBlock
	}
	if b.pool != p {
		return ErrForeignBlock
	}
	if !b.state.CompareAndSwap(stateHeld, stateFree) {
		return fmt.Errorf("%w: block %d", ErrDoubleRelease, b.index)
	}
	// Cannot block: at most Count() blocks ever sit in the channel.
	p.free <- b
	return nil
}

// Count returns the total number of blocks in the pool.
func (p *Pool) Count() int { return len(p.blocks) }

// BlockSize returns the size of every block in bytes.
func (p *Pool) BlockSize() int { return p.size }

// Free returns the number of blocks currently available.
func (p *Pool) Free() int { return len(p.free) }

// InUse returns the number of blocks currently checked out.
func (p *Pool) InUse() int { return p.Count() - p.Free() }
