package pool

import (
	"sync"
	"sync/atomic"
)

// Pool represents a generic object pool with type safety.
// It wraps sync.Pool with additional features like statistics tracking
// and automatic reset functionality. The pool is safe for concurrent use.
//
// Pool is unbounded: it recycles scratch objects to cut allocations and
// never blocks. Use BufferPool when the number of live objects must be
// capped.
type Pool[T any] struct {
	pool  sync.Pool
	new   func() T
	reset func(T)
	stats struct {
		allocated int64
		inUse     int64
		hits      int64
	}
}

// New creates a new typed pool with custom allocation and reset functions.
// The new function is called when the pool is empty and a new object is needed.
// The reset function is called before returning an object to the pool.
//
// Example:
//
//	scratch := New(
//	    func() *[]float64 { s := make([]float64, 0, 16); return &s },
//	    func(s *[]float64) { *s = (*s)[:0] },
//	)
func New[T any](new func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{
		new:   new,
		reset: reset,
	}
	p.pool.New = func() interface{} {
		atomic.AddInt64(&p.stats.allocated, 1)
		return new()
	}
	return p
}

// Get retrieves an object from the pool, creating one if it is empty.
func (p *Pool[T]) Get() T {
	atomic.AddInt64(&p.stats.inUse, 1)
	obj := p.pool.Get().(T)
	atomic.AddInt64(&p.stats.hits, 1)
	return obj
}

// Put returns an object to the pool for reuse.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	atomic.AddInt64(&p.stats.inUse, -1)
	p.pool.Put(obj)
}

// Stats returns the number of objects allocated, currently checked out,
// and handed out in total.
func (p *Pool[T]) Stats() (allocated, inUse, gets int64) {
	return atomic.LoadInt64(&p.stats.allocated),
		atomic.LoadInt64(&p.stats.inUse),
		atomic.LoadInt64(&p.stats.hits)
}

// Float64SlicePool recycles point value slices used while decoding.
var Float64SlicePool = New(
	func() *[]float64 {
		s := make([]float64, 0, 16)
		return &s
	},
	func(s *[]float64) {
		*s = (*s)[:0]
	},
)

// ByteSlicePool provides pooling for general-purpose byte slices.
// Slices are pre-allocated with 64KB capacity and reset to zero length on return.
var ByteSlicePool = New(
	func() *[]byte {
		b := make([]byte, 0, 64*1024)
		return &b
	},
	func(b *[]byte) {
		*b = (*b)[:0]
	},
)
