// Package engine is the process-wide execution context shared by sessions
// and their commands.
//
// An Engine owns the dataset cache, the chunk buffer pool, a fixed set of
// worker goroutines that run blocking command phases, and a single
// dispatcher goroutine that delivers every caller-visible callback in the
// order it was posted. Workers never invoke callbacks themselves; they post
// them to the dispatcher.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/ajitpratap0/pointstream/pkg/cache"
	"github.com/ajitpratap0/pointstream/pkg/compression"
	"github.com/ajitpratap0/pointstream/pkg/config"
	"github.com/ajitpratap0/pointstream/pkg/errors"
	"github.com/ajitpratap0/pointstream/pkg/index"
	"github.com/ajitpratap0/pointstream/pkg/logger"
	"github.com/ajitpratap0/pointstream/pkg/metrics"
	"github.com/ajitpratap0/pointstream/pkg/performance"
	"github.com/ajitpratap0/pointstream/pkg/pool"
	"github.com/ajitpratap0/pointstream/pkg/reader"
)

var (
	// ErrAlreadyInitialized is returned by Init once a default engine exists.
	ErrAlreadyInitialized = errors.New(errors.ErrorTypeConflict, "engine already initialized")
	// ErrNotInitialized is returned by Default before Init.
	ErrNotInitialized = errors.New(errors.ErrorTypeState, "engine not initialized")
	// ErrClosed is returned for work submitted after Close.
	ErrClosed = errors.New(errors.ErrorTypeState, "engine is closed")
)

// Options configures an Engine.
type Options struct {
	Config *config.Config
	// Opener constructs dataset readers; defaults to the octree index
	Opener reader.Opener
	// Logger defaults to the process logger from logger.Get
	Logger *zap.Logger
}

// Engine is the shared execution context. Create one with New or Init.
type Engine struct {
	cfg        *config.Config
	logger     *zap.Logger
	cache      *cache.Cache
	buffers    *pool.BufferPool
	compressor compression.Compressor

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex // guards closed against task submission
	closed bool
	tasks  chan task
	wg     sync.WaitGroup

	dispatch *dispatcher
	commands *xsync.MapOf[string, *Command]

	monitor *performance.ResourceMonitor
	latency *performance.LatencyTracker
	started time.Time
}

type task struct {
	ctx     context.Context
	run     func(ctx context.Context)
	onPanic func(err error)
}

// New creates and starts an engine.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid engine configuration")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}

	alg, err := compression.ParseAlgorithm(cfg.Codec.Algorithm)
	if err != nil {
		return nil, err
	}
	comp, err := compression.NewCompressor(&compression.Config{Algorithm: alg, Level: compression.Level(cfg.Codec.Level)})
	if err != nil {
		return nil, err
	}

	opener := opts.Opener
	if opener == nil {
		opener = index.NewOpener(cfg.Index, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:    cfg,
		logger: log.With(zap.String("component", "engine")),
		cache: cache.New(opener, cache.Options{
			Params:   reader.OpenParams{Paths: cfg.Global.Paths, Arbiter: cfg.Global.Arbiter},
			Capacity: cfg.Global.CacheSize,
			MaxBytes: cfg.Global.CacheBytes,
			Logger:   log,
		}),
		buffers:    pool.NewBufferPool(cfg.Pool.NumBuffers, cfg.Pool.BufferSize),
		compressor: comp,
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(chan task, cfg.Engine.QueueSize),
		commands:   xsync.NewMapOf[string, *Command](),
		monitor:    performance.NewResourceMonitor(),
		latency:    performance.NewLatencyTracker(),
		started:    time.Now(),
	}
	e.dispatch = newDispatcher(cfg.Engine.DispatchQueueSize, e.logger)

	workers := cfg.Engine.GetWorkers()
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	go e.dispatch.run()

	e.logger.Info("engine started",
		zap.Int("workers", workers),
		zap.Int("buffers", cfg.Pool.NumBuffers),
		zap.Int("buffer_size", cfg.Pool.BufferSize),
		zap.Strings("paths", cfg.Global.Paths),
		zap.Int("cache_size", cfg.Global.CacheSize),
		zap.String("compression", string(alg)))
	return e, nil
}

var (
	defaultMu     sync.Mutex
	defaultEngine *Engine
)

// Init creates the process default engine. It may succeed only once per
// process; later calls return ErrAlreadyInitialized and leave the default
// untouched.
func Init(opts Options) (*Engine, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultEngine != nil {
		return nil, ErrAlreadyInitialized
	}
	e, err := New(opts)
	if err != nil {
		return nil, err
	}
	defaultEngine = e
	return e, nil
}

// Default returns the engine installed by Init.
func Default() (*Engine, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultEngine == nil {
		return nil, ErrNotInitialized
	}
	return defaultEngine, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Logger returns the engine's base logger.
func (e *Engine) Logger() *zap.Logger { return e.logger }

// Cache returns the dataset cache.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Buffers returns the chunk buffer pool.
func (e *Engine) Buffers() *pool.BufferPool { return e.buffers }

// Compressor returns the compressor used for compressed reads.
func (e *Engine) Compressor() compression.Compressor { return e.compressor }

// Context returns a context canceled when the engine closes. Command
// contexts derive from it.
func (e *Engine) Context() context.Context { return e.ctx }

// Submit queues run for a worker. It blocks while the task queue is full.
// run receives ctx; onPanic, if set, is called on the worker with the
// recovered panic converted to an error. Submit fails with ErrClosed after
// Close and with ctx.Err() if ctx ends while waiting for queue space.
func (e *Engine) Submit(ctx context.Context, run func(ctx context.Context), onPanic func(err error)) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}

	t := task{ctx: ctx, run: run, onPanic: onPanic}
	select {
	case e.tasks <- t:
	default:
		select {
		case e.tasks <- t:
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ctx.Done():
			return ErrClosed
		}
	}
	metrics.QueueDepth.WithLabelValues("tasks").Set(float64(len(e.tasks)))
	return nil
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for t := range e.tasks {
		metrics.QueueDepth.WithLabelValues("tasks").Set(float64(len(e.tasks)))
		recovered := panics.Try(func() { t.run(t.ctx) })
		if recovered == nil {
			continue
		}
		e.logger.Error("worker task panicked",
			zap.Any("panic", recovered.Value),
			zap.ByteString("stack", recovered.Stack))
		if t.onPanic != nil {
			err := errors.Wrap(recovered.AsError(), errors.ErrorTypeInternal, "internal error")
			if again := panics.Try(func() { t.onPanic(err) }); again != nil {
				e.logger.Error("panic handler panicked", zap.Any("panic", again.Value))
			}
		}
	}
}

// Dispatch posts fn for delivery on the dispatcher goroutine. Callbacks
// run one at a time in posting order. It reports false, dropping fn, once
// the dispatcher has stopped.
func (e *Engine) Dispatch(fn func()) bool {
	if !e.dispatch.post(fn) {
		e.logger.Warn("callback dropped after dispatcher stopped")
		return false
	}
	return true
}

// Close cancels live commands, waits for workers to finish their current
// tasks, delivers every callback already posted, and closes the cache.
// Calling Close more than once is safe.
func (e *Engine) Close() error {
	e.cancel()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.tasks)
	e.mu.Unlock()

	live := 0
	e.commands.Range(func(_ string, c *Command) bool {
		c.cancel()
		live++
		return true
	})
	if live > 0 {
		e.logger.Info("canceling live commands", zap.Int("commands", live))
	}

	e.wg.Wait()
	e.dispatch.stop()

	err := e.cache.Close()
	e.logger.Info("engine stopped", zap.Duration("uptime", time.Since(e.started)))
	return err
}
