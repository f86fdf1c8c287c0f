// Package pool provides the memory recycling used by pointstream.
//
// Two kinds of pool live here and they are not interchangeable:
//
//   - Pool[T] wraps sync.Pool with statistics. It is unbounded and is used
//     for per-point scratch values where reuse only saves allocations.
//   - BufferPool holds a fixed number N of chunk buffers. Acquire blocks
//     while all N are checked out, which throttles a producer to the rate
//     its consumers release buffers. A buffer is owned by exactly one
//     transfer at a time and returns to the pool only through an explicit
//     Release.
//
// Usage Patterns
//
//	bp := pool.NewBufferPool(512, 64*1024)
//
//	buf, err := bp.Acquire(ctx) // may wait for a consumer
//	if err != nil {
//		return err // ctx done
//	}
//	buf.B = append(buf.B, payload...)
//	deliver(buf) // the consumer calls buf.Release() when finished
package pool
