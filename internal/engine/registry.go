package engine

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/pointstream/pkg/cache"
	"github.com/ajitpratap0/pointstream/pkg/metrics"
	"github.com/ajitpratap0/pointstream/pkg/performance"
	"github.com/ajitpratap0/pointstream/pkg/pool"
	"github.com/ajitpratap0/pointstream/pkg/status"
)

// NewID returns a fresh identifier for a session or command.
func NewID() string { return uuid.NewString() }

// Command is the registry record of one live command.
type Command struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id"`
	Dataset   string    `json:"dataset"`
	Started   time.Time `json:"started"`

	cancel context.CancelFunc
}

// Cancel cancels the command's context.
func (c *Command) Cancel() { c.cancel() }

// Begin registers a live command and returns its context, derived from
// parent and canceled by Close, and its record. Pass the record to Finish
// exactly once.
func (e *Engine) Begin(parent context.Context, kind, sessionID, dataset string) (context.Context, *Command) {
	ctx, cancel := context.WithCancel(parent)
	// Engine shutdown cancels every command regardless of its parent.
	stop := context.AfterFunc(e.ctx, cancel)
	c := &Command{
		ID:        NewID(),
		Kind:      kind,
		SessionID: sessionID,
		Dataset:   dataset,
		Started:   time.Now(),
		cancel: func() {
			stop()
			cancel()
		},
	}
	e.commands.Store(c.ID, c)
	return ctx, c
}

// Finish unregisters c and records its outcome.
func (e *Engine) Finish(c *Command, st status.Status) {
	if _, ok := e.commands.LoadAndDelete(c.ID); !ok {
		return
	}
	c.cancel()
	elapsed := time.Since(c.Started)
	metrics.CommandsTotal.WithLabelValues(c.Kind, metrics.CodeLabel(st.Code)).Inc()
	metrics.CommandLatency.WithLabelValues(c.Kind).Observe(elapsed.Seconds())
	e.latency.Record(elapsed)
}

// Commands lists live commands, oldest first.
func (e *Engine) Commands() []Command {
	var out []Command
	e.commands.Range(func(_ string, c *Command) bool {
		out = append(out, *c)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Stats is a point-in-time report of engine activity.
type Stats struct {
	Uptime         time.Duration             `json:"uptime"`
	Workers        int                       `json:"workers"`
	QueuedTasks    int                       `json:"queued_tasks"`
	PendingEvents  int                       `json:"pending_events"`
	LiveCommands   int                       `json:"live_commands"`
	CommandsByKind map[string]int            `json:"commands_by_kind"`
	Cache          cache.Stats               `json:"cache"`
	Buffers        pool.BufferPoolStats      `json:"buffers"`
	Latency        performance.Percentiles   `json:"latency"`
	Resources      performance.ResourceUsage `json:"resources"`
}

// Stats returns a snapshot of engine activity.
func (e *Engine) Stats() Stats {
	s := Stats{
		Uptime:         time.Since(e.started),
		Workers:        e.cfg.Engine.GetWorkers(),
		QueuedTasks:    len(e.tasks),
		PendingEvents:  e.dispatch.pending(),
		CommandsByKind: map[string]int{},
		Cache:          e.cache.Stats(),
		Buffers:        e.buffers.Stats(),
		Latency:        e.latency.Percentiles(),
		Resources:      e.monitor.Usage(),
	}
	e.commands.Range(func(_ string, c *Command) bool {
		s.LiveCommands++
		s.CommandsByKind[c.Kind]++
		return true
	})
	return s
}
