package session

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ajitpratap0/pointstream/internal/engine"
	"github.com/ajitpratap0/pointstream/pkg/cache"
	"github.com/ajitpratap0/pointstream/pkg/errors"
	"github.com/ajitpratap0/pointstream/pkg/logger"
	"github.com/ajitpratap0/pointstream/pkg/observability"
	"github.com/ajitpratap0/pointstream/pkg/status"
)

// State is a query command's lifecycle state.
type State int32

const (
	Created State = iota
	Initializing
	Initialized
	Executing
	Completed
	Failed
	Terminated
)

var stateNames = [...]string{"created", "initializing", "initialized", "executing", "completed", "failed", "terminated"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// transitions lists the legal successors of each state. Terminated is
// reachable from everywhere.
var transitions = map[State][]State{
	Created:      {Initializing, Failed},
	Initializing: {Initialized, Failed},
	Initialized:  {Executing, Completed},
	Executing:    {Completed, Failed},
	Completed:    {},
	Failed:       {},
}

// command is the state shared by every query command. Exactly one worker
// task drives a command at a time; the state and status fields are read
// from other goroutines.
type command struct {
	kind    string
	id      string
	engine  *engine.Engine
	session *Session
	record  *engine.Command
	span    *observability.CommandSpan
	logger  *zap.Logger

	ctx       context.Context
	handle    *cache.Handle
	state     atomic.Int32
	requested atomic.Bool

	mu     sync.Mutex
	status status.Status

	finish sync.Once
}

func newCommand(s *Session, kind string, handle *cache.Handle, dataset string) *command {
	ctx, rec := s.engine.Begin(s.ctx, kind, s.id, dataset)
	ctx = context.WithValue(ctx, logger.CommandIDKey, rec.ID)
	ctx, span := observability.StartCommand(ctx, kind, s.id, rec.ID, dataset)

	c := &command{
		kind:    kind,
		id:      rec.ID,
		engine:  s.engine,
		session: s,
		record:  rec,
		span:    span,
		logger:  logger.FromContext(ctx, s.logger).With(zap.String("command", kind)),
		ctx:     ctx,
		handle:  handle,
	}
	s.track(c)
	return c
}

// State returns the current lifecycle state.
func (c *command) State() State { return State(c.state.Load()) }

// Status returns the command's status so far.
func (c *command) Status() status.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ID returns the command's identifier.
func (c *command) ID() string { return c.id }

func (c *command) setStatus(st status.Status) {
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
}

// transition moves to next if the lifecycle allows it.
func (c *command) transition(next State) bool {
	for {
		cur := c.State()
		if !allowed(cur, next) {
			c.logger.Debug("illegal command transition",
				zap.Stringer("from", cur), zap.Stringer("to", next))
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(next)) {
			c.span.Event(next.String())
			return true
		}
	}
}

func allowed(from, to State) bool {
	if from == Terminated {
		return false
	}
	if to == Terminated {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// fail records err as the command's status and enters Failed.
func (c *command) fail(err error) status.Status {
	st := c.statusFor(err)
	c.setStatus(st)
	c.transition(Failed)
	return st
}

// statusFor maps err to a caller status. Internal failures are logged with
// detail and reported generically.
func (c *command) statusFor(err error) status.Status {
	if c.stopRequested() && (errors.Is(err, context.Canceled) || errors.IsType(err, errors.ErrorTypeCanceled)) {
		return status.BadRequest("Query terminated")
	}
	st := status.FromError(err)
	if st.IsInternal() {
		c.logger.Error("command failed", zap.Error(err))
		return status.Internal("Error during " + c.kind)
	}
	c.logger.Debug("command rejected", zap.Int("code", st.Code), zap.String("message", st.Message))
	return st
}

// stopRequested reports whether the caller or the session ended the command.
func (c *command) stopRequested() bool {
	return c.requested.Load() || c.ctx.Err() != nil
}

// requestStop asks the command to stop at its next checkpoint.
func (c *command) requestStop() {
	c.requested.Store(true)
	c.record.Cancel()
}

// terminate releases the reader handle and unregisters the command. It
// runs exactly once, whichever path reaches it first.
func (c *command) terminate() {
	c.finish.Do(func() {
		c.handle.Release()
		st := c.Status()
		c.state.Store(int32(Terminated))
		c.engine.Finish(c.record, st)
		elapsed := c.span.End(st)
		c.session.untrack(c)
		c.logger.Debug("command terminated",
			zap.Int("code", st.Code),
			zap.Duration("elapsed", elapsed))
	})
}
