// Package session implements client sessions bound to one cached dataset
// and the query commands issued through them.
//
// Every asynchronous operation reports through callbacks delivered on the
// engine's dispatcher goroutine, so callbacks from one engine never run
// concurrently. A callback may call back into the session.
//
// A session starts unbound. Create binds it to a dataset exactly once;
// Destroy releases the binding and stops the session's commands, which
// finish their current chunk and end their streams. Commands hold their
// own reader references, so destroying a session never invalidates data
// already delivered.
package session

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/pointstream/internal/engine"
	"github.com/ajitpratap0/pointstream/pkg/cache"
	"github.com/ajitpratap0/pointstream/pkg/errors"
	"github.com/ajitpratap0/pointstream/pkg/geometry"
	"github.com/ajitpratap0/pointstream/pkg/json"
	"github.com/ajitpratap0/pointstream/pkg/logger"
	"github.com/ajitpratap0/pointstream/pkg/metrics"
	"github.com/ajitpratap0/pointstream/pkg/observability"
	"github.com/ajitpratap0/pointstream/pkg/reader"
	"github.com/ajitpratap0/pointstream/pkg/status"
)

var (
	// ErrAlreadyBound is reported by a second Create.
	ErrAlreadyBound = errors.New(errors.ErrorTypeConflict, "session already bound")
	// ErrUnbound is returned by queries on a session without a dataset.
	ErrUnbound = errors.New(errors.ErrorTypeState, "session not bound")
	// ErrDestroyed is returned by operations on a destroyed session.
	ErrDestroyed = errors.New(errors.ErrorTypeState, "session destroyed")
)

type bindState int

const (
	unbound bindState = iota
	binding
	bound
	destroyed
)

// Session is one client's handle on a dataset. Its methods are safe for
// concurrent use.
type Session struct {
	engine *engine.Engine
	id     string
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    bindState
	name     string
	handle   *cache.Handle
	commands map[string]*command
}

// New creates an unbound session on e.
func New(e *engine.Engine) *Session {
	id := engine.NewID()
	ctx, cancel := context.WithCancel(context.WithValue(e.Context(), logger.SessionIDKey, id))
	return &Session{
		engine:   e,
		id:       id,
		logger:   e.Logger().With(zap.String("component", "session"), zap.String("session_id", id)),
		ctx:      ctx,
		cancel:   cancel,
		commands: make(map[string]*command),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Name returns the bound dataset name, or "" while unbound.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != bound {
		return ""
	}
	return s.name
}

// Bound reports whether Create has succeeded and Destroy not been called.
func (s *Session) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == bound
}

// Create binds the session to dataset name, opening it through the cache
// if needed, and reports the outcome to cb. A dataset that cannot be
// located yields 404 "Not found"; unexpected failures yield 500. A failed
// Create leaves the session unbound so it may be retried. Calling Create
// while a bind is pending or done reports 409.
func (s *Session) Create(name string, cb func(status.Status)) {
	if cb == nil {
		cb = func(status.Status) {}
	}
	deliver := func(st status.Status) { s.engine.Dispatch(func() { cb(st) }) }

	name = strings.TrimSpace(name)
	s.mu.Lock()
	switch {
	case s.state == destroyed:
		s.mu.Unlock()
		deliver(status.FromError(ErrDestroyed))
		return
	case s.state != unbound:
		s.mu.Unlock()
		deliver(status.FromError(ErrAlreadyBound))
		return
	case name == "":
		s.mu.Unlock()
		deliver(status.BadRequest("Invalid dataset name"))
		return
	}
	s.state = binding
	s.name = name
	s.mu.Unlock()

	ctx := context.WithValue(s.ctx, logger.DatasetKey, name)
	ctx, span := observability.StartSpan(ctx, "pointstream.create",
		observability.SessionIDKey.String(s.id),
		observability.DatasetKey.String(name))
	log := logger.FromContext(ctx, s.logger)

	done := func(h *cache.Handle, err error) {
		st := s.bind(name, h, err, log)
		observability.EndSpanStatus(span, st)
		deliver(st)
	}

	err := s.engine.Submit(ctx, func(ctx context.Context) {
		h, err := s.engine.Cache().Acquire(ctx, name, s.engine.Cache().Params())
		done(h, err)
	}, func(err error) {
		done(nil, err)
	})
	if err != nil {
		done(nil, err)
	}
}

// bind completes a Create and returns its status.
func (s *Session) bind(name string, h *cache.Handle, err error, log *zap.Logger) status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == destroyed {
		h.Release()
		return status.FromError(ErrDestroyed)
	}
	if err != nil {
		s.state = unbound
		s.name = ""
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			log.Debug("dataset not found", zap.Error(err))
			return status.NotFound("Not found")
		}
		st := status.FromError(err)
		if st.IsInternal() {
			log.Error("session create failed", zap.Error(err))
			return status.Internal("Error during create")
		}
		return st
	}

	s.state = bound
	s.handle = h
	metrics.ActiveSessions.Inc()
	log.Info("session bound", zap.Uint64("points", h.Reader().NumPoints()))
	return status.OK
}

// Destroy releases the session's dataset reference and stops its
// commands. It is safe to call at any time and more than once.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.state == destroyed {
		s.mu.Unlock()
		return
	}
	wasBound := s.state == bound
	s.state = destroyed
	h := s.handle
	s.handle = nil
	live := make([]*command, 0, len(s.commands))
	for _, c := range s.commands {
		live = append(live, c)
	}
	s.mu.Unlock()

	for _, c := range live {
		c.requestStop()
	}
	s.cancel()
	if wasBound {
		h.Release()
		metrics.ActiveSessions.Dec()
	}
	s.logger.Debug("session destroyed", zap.Int("live_commands", len(live)))
}

// borrow returns a new reference to the bound reader for the caller to
// release, so that a concurrent Destroy cannot close it mid-use.
func (s *Session) borrow() (*cache.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case bound:
		return s.handle.Clone(), nil
	case destroyed:
		return nil, ErrDestroyed
	default:
		return nil, ErrUnbound
	}
}

func (s *Session) track(c *command) {
	s.mu.Lock()
	s.commands[c.id] = c
	s.mu.Unlock()
}

func (s *Session) untrack(c *command) {
	s.mu.Lock()
	delete(s.commands, c.id)
	s.mu.Unlock()
}

// Info returns the bound dataset's metadata document as JSON.
func (s *Session) Info() ([]byte, error) {
	h, err := s.borrow()
	if err != nil {
		return nil, err
	}
	defer h.Release()

	doc, err := h.Reader().Info()
	if err != nil {
		return nil, err
	}
	return json.MarshalStyled(doc)
}

// Files returns, as JSON, the source files of the bound dataset matching
// search. search may be empty (every file), a number (an origin index), a
// string (a path), an array (bounds), or an object with any of "origin",
// "path" and "bounds". Bounds are given in the space defined by scale and
// offset, either of which may be nil; zero scale components are treated
// as 1. Returned bounds are in the same space.
func (s *Session) Files(search json.RawMessage, scale, offset *geometry.Point) ([]byte, error) {
	t := geometry.NewTransform(scale, offset)
	fs, err := parseFileSearch(search, t)
	if err != nil {
		return nil, err
	}

	h, err := s.borrow()
	if err != nil {
		return nil, err
	}
	defer h.Release()

	files, err := h.Reader().Files(fs)
	if err != nil {
		return nil, err
	}
	if t != nil {
		for i := range files {
			if len(files[i].Bounds) != 6 {
				continue
			}
			b, err := geometry.ParseBounds(files[i].Bounds)
			if err != nil {
				continue
			}
			files[i].Bounds = t.ApplyBounds(b).Array()
		}
	}
	return json.MarshalStyled(files)
}

func parseFileSearch(raw json.RawMessage, t *geometry.Transform) (reader.FileSearch, error) {
	var fs reader.FileSearch
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return fs, nil
	}

	var doc interface{}
	if err := json.UnmarshalNumbers(raw, &doc); err != nil {
		return fs, errors.Wrap(err, errors.ErrorTypeValidation, "invalid file search")
	}

	switch v := doc.(type) {
	case map[string]interface{}:
		for key, val := range v {
			var err error
			switch key {
			case "origin":
				fs.Origin, err = parseOrigin(val)
			case "path":
				p, ok := val.(string)
				if !ok {
					err = errors.New(errors.ErrorTypeValidation, "file search path must be a string")
				}
				fs.Path = p
			case "bounds":
				fs.Bounds, err = parseSearchBounds(val, t)
			default:
				err = errors.Newf(errors.ErrorTypeValidation, "unknown file search key %q", key)
			}
			if err != nil {
				return fs, err
			}
		}
		return fs, nil
	default:
		return parseFileSearchValue(v, t)
	}
}

func parseFileSearchValue(v interface{}, t *geometry.Transform) (reader.FileSearch, error) {
	var fs reader.FileSearch
	var err error
	switch val := v.(type) {
	case json.Number:
		fs.Origin, err = parseOrigin(val)
	case string:
		fs.Path = val
	case []interface{}:
		fs.Bounds, err = parseSearchBounds(val, t)
	default:
		err = errors.New(errors.ErrorTypeValidation, "invalid file search")
	}
	return fs, err
}

func parseOrigin(v interface{}) (*uint64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return nil, errors.New(errors.ErrorTypeValidation, "file search origin must be a number")
	}
	i, err := n.Int64()
	if err != nil || i < 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "invalid file origin %s", n.String())
	}
	o := uint64(i)
	return &o, nil
}

func parseSearchBounds(v interface{}, t *geometry.Transform) (*geometry.Bounds, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, errors.New(errors.ErrorTypeValidation, "file search bounds must be an array")
	}
	vals := make([]float64, len(arr))
	for i, x := range arr {
		n, ok := x.(json.Number)
		if !ok {
			return nil, errors.New(errors.ErrorTypeValidation, "file search bounds must be numbers")
		}
		f, err := n.Float64()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid file search bounds")
		}
		vals[i] = f
	}
	b, err := geometry.ParseBounds(vals)
	if err != nil {
		return nil, err
	}
	b = t.InvertBounds(b)
	return &b, nil
}
