// Package cache provides the process-wide dataset cache.
//
// The cache maps dataset names to opened readers. Construction is
// single-flight: concurrent acquisitions of a name that is not yet open
// share one build and receive the same reader or the same failure.
// Readers are reference counted through Handles; a reader whose count is
// zero stays open as an idle entry and is closed only when the capacity
// policy selects it: least recently released first, once the number of
// open readers exceeds the capacity or their summed size exceeds the byte
// budget.
//
// No lock is held while a reader is being built or closed.
package cache

import (
	"container/list"
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/pointstream/pkg/errors"
	"github.com/ajitpratap0/pointstream/pkg/metrics"
	"github.com/ajitpratap0/pointstream/pkg/reader"
)

// ErrAlreadyInitialized is returned when an acquisition supplies
// construction parameters different from the ones the cache was created
// with.
var ErrAlreadyInitialized = errors.New(errors.ErrorTypeConflict, "dataset cache already initialized with different parameters")

// Options configures a Cache.
type Options struct {
	// Params are the construction parameters every reader is opened with
	Params reader.OpenParams
	// Capacity bounds the number of open readers kept once idle
	Capacity int
	// MaxBytes bounds the summed reader size (0 = unbounded)
	MaxBytes int64
	Logger   *zap.Logger
}

type entry struct {
	name   string
	reader reader.Reader
	size   int64
	refs   int
	// fresh entries were just built and still have waiters that have not
	// taken their reference; they are never evicted.
	fresh bool
	elem  *list.Element
}

// Cache is a reference-counted, single-flight dataset cache. It is safe
// for concurrent use.
type Cache struct {
	opener   reader.Opener
	params   reader.OpenParams
	capacity int
	maxBytes int64
	logger   *zap.Logger

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	idle    *list.List // of *entry, front is most recently released
	bytes   int64
	waiting map[string]int
	closing map[string]chan struct{}
	closed  bool

	stats Stats
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Readers   int   `json:"readers"`
	Idle      int   `json:"idle"`
	Bytes     int64 `json:"bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Builds    int64 `json:"builds"`
	Failures  int64 `json:"failures"`
	Evictions int64 `json:"evictions"`
}

// New creates a cache that opens readers with opener.
func New(opener reader.Opener, opts Options) *Cache {
	if opts.Capacity <= 0 {
		opts.Capacity = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Cache{
		opener:   opener,
		params:   opts.Params,
		capacity: opts.Capacity,
		maxBytes: opts.MaxBytes,
		logger:   opts.Logger.With(zap.String("component", "cache")),
		entries:  make(map[string]*entry),
		idle:     list.New(),
		waiting:  make(map[string]int),
		closing:  make(map[string]chan struct{}),
	}
}

// Params returns the construction parameters the cache was created with.
func (c *Cache) Params() reader.OpenParams { return c.params }

// Handle is one counted reference to a cached reader. Release it exactly
// once; further calls are no-ops.
type Handle struct {
	cache *Cache
	entry *entry
	once  sync.Once
}

// Reader returns the referenced reader. It must not be used after Release.
func (h *Handle) Reader() reader.Reader { return h.entry.reader }

// Name returns the dataset name.
func (h *Handle) Name() string { return h.entry.name }

// Clone takes an independent reference to the same reader without a
// lookup. h must not have been released.
func (h *Handle) Clone() *Handle {
	c := h.cache
	c.mu.Lock()
	c.ref(h.entry)
	c.mu.Unlock()
	return &Handle{cache: c, entry: h.entry}
}

// Release drops the reference.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() { h.cache.release(h.entry) })
}

// Acquire returns a handle to the reader for name, opening it if needed.
// It fails with ErrAlreadyInitialized when params differ from the cache's,
// with a not_found error when the dataset cannot be located, and with
// ctx.Err() when ctx is done while waiting for a build. A build abandoned
// by every waiter still completes and leaves an idle entry.
func (c *Cache) Acquire(ctx context.Context, name string, params reader.OpenParams) (*Handle, error) {
	if !params.Equal(c.params) {
		return nil, ErrAlreadyInitialized
	}

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, errors.New(errors.ErrorTypeState, "dataset cache is closed")
		}
		if e, ok := c.entries[name]; ok {
			c.ref(e)
			c.stats.Hits++
			c.mu.Unlock()
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return &Handle{cache: c, entry: e}, nil
		}
		c.waiting[name]++
		c.mu.Unlock()

		ch := c.group.DoChan(name, func() (interface{}, error) {
			return c.build(ctx, name)
		})

		select {
		case res := <-ch:
			if res.Shared {
				metrics.CacheLookups.WithLabelValues("shared").Inc()
			} else {
				metrics.CacheLookups.WithLabelValues("miss").Inc()
			}
			if res.Err != nil {
				c.mu.Lock()
				c.settle(name)
				c.mu.Unlock()
				return nil, res.Err
			}

			built := res.Val.(*entry)
			c.mu.Lock()
			e, ok := c.entries[name]
			if ok && e == built {
				c.ref(e)
				c.stats.Misses++
				c.settle(name)
				c.mu.Unlock()
				return &Handle{cache: c, entry: e}, nil
			}
			// The cache was closed or the entry replaced; start over.
			c.settle(name)
			c.mu.Unlock()

		case <-ctx.Done():
			c.mu.Lock()
			c.settle(name)
			c.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// build opens a reader and publishes it as a fresh entry. It runs once
// per flight, detached from the cancellation of whichever caller started it.
func (c *Cache) build(ctx context.Context, name string) (*entry, error) {
	c.mu.Lock()
	if e, ok := c.entries[name]; ok {
		// Published by a flight that finished between our lookup and DoChan.
		c.mu.Unlock()
		return e, nil
	}
	wait := c.closing[name]
	c.mu.Unlock()

	// At most one reader per name: wait for an evicted predecessor to close.
	if wait != nil {
		<-wait
	}

	c.logger.Debug("opening dataset", zap.String("dataset", name))
	r, err := c.opener.Open(context.WithoutCancel(ctx), name, c.params)
	if err != nil {
		c.mu.Lock()
		c.stats.Failures++
		c.mu.Unlock()
		metrics.CacheBuilds.WithLabelValues("failure").Inc()
		c.logger.Warn("dataset open failed", zap.String("dataset", name), zap.Error(err))
		var typed *errors.Error
		if !errors.As(err, &typed) {
			err = errors.Wrap(err, errors.ErrorTypeInternal, "failed to open dataset").WithDetail("dataset", name)
		}
		return nil, err
	}
	metrics.CacheBuilds.WithLabelValues("success").Inc()

	e := &entry{name: name, reader: r}
	if s, ok := r.(reader.Sizer); ok {
		e.size = s.SizeBytes()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = reader.Close(r)
		return nil, errors.New(errors.ErrorTypeState, "dataset cache is closed")
	}
	c.entries[name] = e
	c.bytes += e.size
	c.stats.Builds++
	if c.waiting[name] > 0 {
		e.fresh = true
	} else {
		e.elem = c.idle.PushFront(e)
	}
	victims := c.evictLocked()
	c.updateGaugesLocked()
	c.mu.Unlock()

	c.closeVictims(victims)
	c.logger.Info("dataset opened",
		zap.String("dataset", name),
		zap.Uint64("points", r.NumPoints()),
		zap.Int64("size_bytes", e.size))
	return e, nil
}

// settle records that one waiter for name is done with its flight. The
// last waiter makes a fresh entry evictable. Caller holds c.mu.
func (c *Cache) settle(name string) {
	c.waiting[name]--
	if c.waiting[name] > 0 {
		return
	}
	delete(c.waiting, name)

	e, ok := c.entries[name]
	if !ok || !e.fresh {
		return
	}
	e.fresh = false
	if e.refs == 0 {
		e.elem = c.idle.PushFront(e)
		victims := c.evictLocked()
		c.updateGaugesLocked()
		if len(victims) > 0 {
			// Closing may block; never do it under the lock.
			go c.closeVictims(victims)
		}
	}
}

// ref takes a reference. Caller holds c.mu.
func (c *Cache) ref(e *entry) {
	if e.elem != nil {
		c.idle.Remove(e.elem)
		e.elem = nil
	}
	e.refs++
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	e.refs--
	if e.refs > 0 || e.fresh || c.closed {
		c.mu.Unlock()
		return
	}
	if cur, ok := c.entries[e.name]; !ok || cur != e {
		c.mu.Unlock()
		return
	}
	e.elem = c.idle.PushFront(e)
	victims := c.evictLocked()
	c.updateGaugesLocked()
	c.mu.Unlock()

	c.closeVictims(victims)
}

// evictLocked unlinks idle entries, oldest first, until the cache is
// within its bounds. The returned entries must be passed to closeVictims.
func (c *Cache) evictLocked() []*entry {
	var victims []*entry
	for c.overLimitLocked() {
		back := c.idle.Back()
		if back == nil {
			break
		}
		e := c.idle.Remove(back).(*entry)
		e.elem = nil
		delete(c.entries, e.name)
		c.bytes -= e.size
		c.stats.Evictions++
		c.closing[e.name] = make(chan struct{})
		victims = append(victims, e)
	}
	return victims
}

func (c *Cache) overLimitLocked() bool {
	if len(c.entries) > c.capacity {
		return true
	}
	return c.maxBytes > 0 && c.bytes > c.maxBytes
}

func (c *Cache) closeVictims(victims []*entry) {
	for _, e := range victims {
		if err := reader.Close(e.reader); err != nil {
			c.logger.Warn("failed to close evicted reader", zap.String("dataset", e.name), zap.Error(err))
		}
		metrics.CacheEvictions.Inc()
		c.logger.Debug("dataset evicted", zap.String("dataset", e.name))

		c.mu.Lock()
		if ch := c.closing[e.name]; ch != nil {
			close(ch)
			delete(c.closing, e.name)
		}
		c.mu.Unlock()
	}
}

func (c *Cache) updateGaugesLocked() {
	metrics.CacheReaders.Set(float64(len(c.entries)))
	metrics.CacheBytes.Set(float64(c.bytes))
}

// Stats returns a snapshot of cache activity.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Readers = len(c.entries)
	s.Idle = c.idle.Len()
	s.Bytes = c.bytes
	return s
}

// Contains reports whether a reader for name is currently open.
func (c *Cache) Contains(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[name]
	return ok
}

// Close closes every open reader, referenced or not, and fails later
// acquisitions. Callers should release their handles first.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	all := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.refs > 0 {
			c.logger.Warn("closing referenced dataset", zap.String("dataset", e.name), zap.Int("refs", e.refs))
		}
		all = append(all, e)
	}
	c.entries = make(map[string]*entry)
	c.idle.Init()
	c.bytes = 0
	c.updateGaugesLocked()
	c.mu.Unlock()

	var first error
	for _, e := range all {
		if err := reader.Close(e.reader); err != nil && first == nil {
			first = err
		}
	}
	return first
}
