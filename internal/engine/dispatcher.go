package engine

import (
	"sync"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/ajitpratap0/pointstream/pkg/metrics"
)

// dispatcher runs posted callbacks on one goroutine in FIFO order.
//
// The queue is unbounded so that a worker never blocks on delivery. Its
// depth is still bounded in practice: every queued data chunk holds a pool
// buffer, and each command posts at most one init and one terminal event.
type dispatcher struct {
	logger *zap.Logger

	mu      sync.Mutex
	queue   []func()
	spare   []func()
	notify  chan struct{}
	closing bool
	stopped bool
	done    chan struct{}
}

func newDispatcher(capacity int, logger *zap.Logger) *dispatcher {
	return &dispatcher{
		logger: logger,
		queue:  make([]func(), 0, capacity),
		spare:  make([]func(), 0, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (d *dispatcher) post(fn func()) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	depth := len(d.queue)
	d.mu.Unlock()

	metrics.QueueDepth.WithLabelValues("dispatch").Set(float64(depth))
	d.wake()
	return true
}

func (d *dispatcher) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			if d.closing {
				d.stopped = true
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			<-d.notify
			continue
		}
		batch := d.queue
		d.queue = d.spare[:0]
		d.mu.Unlock()
		metrics.QueueDepth.WithLabelValues("dispatch").Set(0)

		for i, fn := range batch {
			if recovered := panics.Try(fn); recovered != nil {
				d.logger.Error("callback panicked",
					zap.Any("panic", recovered.Value),
					zap.ByteString("stack", recovered.Stack))
			}
			batch[i] = nil
		}

		d.mu.Lock()
		d.spare = batch[:0]
		d.mu.Unlock()
	}
}

// stop delivers everything queued, including callbacks posted while
// draining, then stops the goroutine.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	d.wake()
	<-d.done
}
