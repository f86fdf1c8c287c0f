// Package config provides the unified configuration system for pointstream.
//
// The configuration is organized into logical sections:
//   - Global: process-wide dataset settings (source paths, cache, arbiter)
//   - Engine: worker and dispatcher sizing
//   - Pool: the fixed streaming buffer pool
//   - Codec: compression used when a read asks for compressed output
//   - Index: parameters for on-demand index construction
//   - Observability: logging, metrics, tracing
//
// Example usage:
//
//	cfg := config.NewDefault()
//	cfg.Global.Paths = []string{"/data/pointclouds", "s3://bucket/clouds"}
//	cfg.Pool.NumBuffers = 64
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"runtime"

	"github.com/ajitpratap0/pointstream/pkg/logger"
)

// Config is the single configuration structure for a pointstream process.
type Config struct {
	// Global one-time process settings
	Global GlobalConfig `yaml:"global" json:"global" mapstructure:"global"`

	// Engine controls worker and dispatcher sizing
	Engine EngineConfig `yaml:"engine" json:"engine" mapstructure:"engine"`

	// Pool configures the streaming buffer pool
	Pool PoolConfig `yaml:"pool" json:"pool" mapstructure:"pool"`

	// Codec configures compressed point output
	Codec CodecConfig `yaml:"codec" json:"codec" mapstructure:"codec"`

	// Index configures on-demand index construction
	Index IndexConfig `yaml:"index" json:"index" mapstructure:"index"`

	// Observability settings for monitoring and debugging
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`
}

// GlobalConfig holds the settings that may be supplied exactly once per
// process. They become the dataset cache's construction parameters.
type GlobalConfig struct {
	// Paths lists the source locations searched for datasets, in order
	Paths []string `yaml:"paths" json:"paths" mapstructure:"paths"`
	// CacheSize bounds the number of idle readers kept open
	CacheSize int `yaml:"cache_size" json:"cache_size" mapstructure:"cache_size"`
	// CacheBytes bounds the summed size of open readers (0 = unbounded)
	CacheBytes int64 `yaml:"cache_bytes" json:"cache_bytes" mapstructure:"cache_bytes"`
	// Arbiter is a JSON document configuring the storage drivers
	Arbiter string `yaml:"arbiter" json:"arbiter" mapstructure:"arbiter"`
}

// EngineConfig sizes the asynchronous execution machinery.
type EngineConfig struct {
	// Workers is the number of goroutines running blocking command phases
	Workers int `yaml:"workers" json:"workers" mapstructure:"workers"`
	// QueueSize bounds pending worker tasks before submission blocks
	QueueSize int `yaml:"queue_size" json:"queue_size" mapstructure:"queue_size"`
	// DispatchQueueSize is the initial capacity of the completion event queue
	DispatchQueueSize int `yaml:"dispatch_queue_size" json:"dispatch_queue_size" mapstructure:"dispatch_queue_size"`
}

// PoolConfig configures the fixed buffer pool.
type PoolConfig struct {
	// NumBuffers is the fixed number of reusable buffers
	NumBuffers int `yaml:"num_buffers" json:"num_buffers" mapstructure:"num_buffers"`
	// BufferSize is the target byte size of one streamed chunk
	BufferSize int `yaml:"buffer_size" json:"buffer_size" mapstructure:"buffer_size"`
}

// CodecConfig configures compression of streamed chunks.
type CodecConfig struct {
	// Algorithm selects the compression type (lz4, zstd, snappy, s2, gzip)
	Algorithm string `yaml:"algorithm" json:"algorithm" mapstructure:"algorithm"`
	// Level sets compression ratio vs speed (1-9)
	Level int `yaml:"level" json:"level" mapstructure:"level"`
}

// IndexConfig configures the reference octree index.
type IndexConfig struct {
	// PointsPerNode is the capacity of one octree node before it spills
	PointsPerNode int `yaml:"points_per_node" json:"points_per_node" mapstructure:"points_per_node"`
	// MaxDepth caps octree depth; deeper points stay in the last level
	MaxDepth int `yaml:"max_depth" json:"max_depth" mapstructure:"max_depth"`
}

// ObservabilityConfig contains monitoring and observability settings.
type ObservabilityConfig struct {
	// Logging configures the zap logger
	Logging logger.Config `yaml:"logging" json:"logging" mapstructure:"logging"`
	// MetricsAddr serves prometheus metrics when non-empty
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr" mapstructure:"metrics_addr"`
	// EnableTracing installs an OpenTelemetry tracer provider
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing" mapstructure:"enable_tracing"`
	// TracingSampleRate controls trace sampling (0.0-1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate" mapstructure:"tracing_sample_rate"`
}

// Default pool sizing mirrors the historical deployment: 512 buffers.
const (
	DefaultNumBuffers = 512
	DefaultBufferSize = 64 * 1024
)

// NewDefault creates a Config with sensible defaults.
func NewDefault() *Config {
	return &Config{
		Global: GlobalConfig{
			Paths:      []string{"."},
			CacheSize:  32,
			CacheBytes: 0,
			Arbiter:    "",
		},
		Engine: EngineConfig{
			Workers:           runtime.NumCPU(),
			QueueSize:         1024,
			DispatchQueueSize: 1024,
		},
		Pool: PoolConfig{
			NumBuffers: DefaultNumBuffers,
			BufferSize: DefaultBufferSize,
		},
		Codec: CodecConfig{
			Algorithm: "lz4",
			Level:     5,
		},
		Index: IndexConfig{
			PointsPerNode: 4096,
			MaxDepth:      12,
		},
		Observability: ObservabilityConfig{
			Logging: logger.Config{
				Level:    "info",
				Encoding: "json",
			},
			EnableTracing:     false,
			TracingSampleRate: 0.1,
		},
	}
}

// Validate validates the configuration for correctness.
func (c *Config) Validate() error {
	if len(c.Global.Paths) == 0 {
		return fmt.Errorf("global.paths must not be empty")
	}
	if c.Global.CacheSize <= 0 {
		return fmt.Errorf("global.cache_size must be positive")
	}
	if c.Global.CacheBytes < 0 {
		return fmt.Errorf("global.cache_bytes cannot be negative")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be positive")
	}
	if c.Engine.DispatchQueueSize <= 0 {
		return fmt.Errorf("engine.dispatch_queue_size must be positive")
	}
	if c.Pool.NumBuffers <= 0 {
		return fmt.Errorf("pool.num_buffers must be positive")
	}
	if c.Pool.BufferSize <= 0 {
		return fmt.Errorf("pool.buffer_size must be positive")
	}
	if c.Index.PointsPerNode <= 0 {
		return fmt.Errorf("index.points_per_node must be positive")
	}
	if c.Index.MaxDepth <= 0 {
		return fmt.Errorf("index.max_depth must be positive")
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		return fmt.Errorf("observability.tracing_sample_rate must be within [0, 1]")
	}
	return nil
}

// GetWorkers returns the number of workers, ensuring it's at least 1
func (e *EngineConfig) GetWorkers() int {
	if e.Workers <= 0 {
		return runtime.NumCPU()
	}
	return e.Workers
}
