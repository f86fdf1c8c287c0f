package pool

import (
	"context"
	"sync/atomic"

	"github.com/ajitpratap0/pointstream/pkg/metrics"
)

// Buffer is one reusable chunk buffer owned by a BufferPool.
//
// B is the payload. The holder may append to it freely; if it grows past
// the pool's nominal size the larger backing array is kept for reuse.
// After Release the holder must not touch B again.
type Buffer struct {
	B []byte

	pool *BufferPool
	held atomic.Bool
}

// Len returns the payload length.
func (b *Buffer) Len() int { return len(b.B) }

// Reset empties the payload, keeping its capacity.
func (b *Buffer) Reset() { b.B = b.B[:0] }

// Write appends p to the payload. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.B = append(b.B, p...)
	return len(p), nil
}

// Release hands the buffer back to its pool. Releasing a buffer that is
// not checked out is a no-op, so consumers may release defensively.
func (b *Buffer) Release() {
	if b == nil || b.pool == nil {
		return
	}
	b.pool.Release(b)
}

// BufferPool is a fixed-count pool of reusable byte buffers.
//
// Acquire blocks while every buffer is checked out: this is the
// backpressure that ties production speed to how fast consumers release
// what they were given. The pool never allocates beyond its initial N
// buffers and never fails an acquisition for lack of buffers.
//
// BufferPool is safe for concurrent use. No lock is held while waiting.
type BufferPool struct {
	free    chan *Buffer
	size    int
	bufSize int

	inUse atomic.Int64
	peak  atomic.Int64
	waits atomic.Int64
}

// NewBufferPool creates a pool of n buffers, each with bufSize initial capacity.
func NewBufferPool(n, bufSize int) *BufferPool {
	if n <= 0 {
		n = 1
	}
	if bufSize <= 0 {
		bufSize = 4096
	}
	p := &BufferPool{
		free:    make(chan *Buffer, n),
		size:    n,
		bufSize: bufSize,
	}
	for i := 0; i < n; i++ {
		p.free <- &Buffer{B: make([]byte, 0, bufSize), pool: p}
	}
	return p
}

// Acquire checks out a buffer, waiting until one is released if none is
// free. It returns ctx.Err() if ctx is done first; that is the only way
// Acquire fails.
func (p *BufferPool) Acquire(ctx context.Context) (*Buffer, error) {
	select {
	case b := <-p.free:
		p.checkout(b)
		return b, nil
	default:
	}

	p.waits.Add(1)
	metrics.BufferWaits.Inc()

	select {
	case b := <-p.free:
		p.checkout(b)
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire checks out a buffer only if one is immediately free.
func (p *BufferPool) TryAcquire() (*Buffer, bool) {
	select {
	case b := <-p.free:
		p.checkout(b)
		return b, true
	default:
		return nil, false
	}
}

// Release returns b to the free set. Safe to call from any goroutine;
// a second release of the same checkout is ignored.
func (p *BufferPool) Release(b *Buffer) {
	if b == nil || b.pool != p {
		return
	}
	if !b.held.CompareAndSwap(true, false) {
		return
	}
	b.Reset()
	p.inUse.Add(-1)
	metrics.BuffersInUse.Dec()
	// Cannot block: at most size buffers exist.
	p.free <- b
}

func (p *BufferPool) checkout(b *Buffer) {
	b.held.Store(true)
	b.Reset()
	n := p.inUse.Add(1)
	metrics.BuffersInUse.Inc()
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
}

// Size returns the fixed number of buffers N.
func (p *BufferPool) Size() int { return p.size }

// BufferSize returns the nominal capacity of each buffer.
func (p *BufferPool) BufferSize() int { return p.bufSize }

// BufferPoolStats is a snapshot of pool usage.
type BufferPoolStats struct {
	Size  int   `json:"size"`
	InUse int64 `json:"in_use"`
	Peak  int64 `json:"peak"`
	Waits int64 `json:"waits"`
}

// Stats returns a snapshot of pool usage.
func (p *BufferPool) Stats() BufferPoolStats {
	return BufferPoolStats{
		Size:  p.size,
		InUse: p.inUse.Load(),
		Peak:  p.peak.Load(),
		Waits: p.waits.Load(),
	}
}
