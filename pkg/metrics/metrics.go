// Package metrics provides performance tracking and observability for
// pointstream using Prometheus metrics.
//
// # Overview
//
// The metrics package provides:
//   - Dataset cache metrics (hits, misses, builds, evictions, open readers)
//   - Buffer pool metrics (checked-out buffers, acquisitions that had to wait)
//   - Command metrics (outcomes by kind and status code, latency)
//   - Streaming throughput (points and bytes delivered)
//
// # Basic Usage
//
//	timer := metrics.NewTimer()
//	runCommand()
//	metrics.CommandLatency.WithLabelValues("read").Observe(timer.Stop().Seconds())
//	metrics.CommandsTotal.WithLabelValues("read", metrics.CodeLabel(st.Code)).Inc()
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheLookups counts cache acquisitions by result (hit, miss, shared).
	//
	// A "shared" result means the caller joined a construction already in
	// flight for the same dataset rather than starting its own.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pointstream_cache_lookups_total",
			Help: "Dataset cache acquisitions by result",
		},
		[]string{"result"},
	)

	// CacheBuilds counts reader constructions by outcome (success, failure).
	CacheBuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pointstream_cache_builds_total",
			Help: "Dataset reader constructions by outcome",
		},
		[]string{"outcome"},
	)

	// CacheEvictions counts readers closed by the capacity policy.
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pointstream_cache_evictions_total",
			Help: "Dataset readers evicted from the cache",
		},
	)

	// CacheReaders tracks open readers.
	CacheReaders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pointstream_cache_readers",
			Help: "Dataset readers currently open",
		},
	)

	// CacheBytes tracks the summed size of open readers.
	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pointstream_cache_bytes",
			Help: "Approximate bytes held by open dataset readers",
		},
	)

	// BuffersInUse tracks buffers checked out of the streaming pool.
	BuffersInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pointstream_buffers_in_use",
			Help: "Streaming buffers currently checked out",
		},
	)

	// BufferWaits counts acquisitions that blocked because the pool was empty.
	BufferWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pointstream_buffer_waits_total",
			Help: "Buffer acquisitions that waited for a release",
		},
	)

	// CommandsTotal counts finished commands by kind and status code.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pointstream_commands_total",
			Help: "Finished commands by kind and status code",
		},
		[]string{"kind", "code"},
	)

	// CommandLatency tracks command duration from submission to termination.
	CommandLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pointstream_command_duration_seconds",
			Help:    "Command duration from submission to termination",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"kind"},
	)

	// PointsStreamed counts points delivered to data callbacks.
	PointsStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pointstream_points_streamed_total",
			Help: "Points delivered to read consumers",
		},
	)

	// BytesStreamed counts bytes delivered to data callbacks.
	BytesStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pointstream_bytes_streamed_total",
			Help: "Bytes delivered to read consumers",
		},
	)

	// ActiveSessions tracks bound sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pointstream_active_sessions",
			Help: "Sessions currently bound to a dataset",
		},
	)

	// QueueDepth tracks queue depths
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pointstream_queue_depth",
			Help: "Current queue depth",
		},
		[]string{"queue_name"},
	)
)

// CodeLabel renders a status code as a metric label.
func CodeLabel(code int) string {
	return strconv.Itoa(code)
}

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation. It may be called
// multiple times.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
