package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/pointstream/internal/engine"
	"github.com/ajitpratap0/pointstream/pkg/config"
	"github.com/ajitpratap0/pointstream/pkg/logger"
	"github.com/ajitpratap0/pointstream/pkg/observability"
)

var version = "0.1.0"

// app holds the process-wide state built before any subcommand runs.
type app struct {
	configFile  string
	paths       []string
	logLevel    string
	metricsAddr string
	trace       bool
	timeout     time.Duration

	cfg      *config.Config
	logger   *zap.Logger
	engine   *engine.Engine
	shutdown []func(context.Context) error
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	a := &app{}
	root := &cobra.Command{
		Use:   "pointstream",
		Short: "Pointstream - streaming point cloud query engine",
		Long: `Pointstream indexes point cloud datasets on demand and streams query
results in fixed-size binary chunks through a bounded buffer pool.

Configuration is read from an optional YAML file and POINTSTREAM_* environment
variables; flags take precedence over both.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.start()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.stop()
		},
	}

	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "Path to YAML configuration file")
	root.PersistentFlags().StringSliceVar(&a.paths, "path", nil, "Dataset search path; repeat for several (overrides global.paths)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address, e.g. :9090")
	root.PersistentFlags().BoolVar(&a.trace, "trace", false, "Export OpenTelemetry spans to stderr")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 5*time.Minute, "Abort the command after this long")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Pointstream v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
	root.AddCommand(
		newInfoCommand(a),
		newFilesCommand(a),
		newReadCommand(a),
		newHierarchyCommand(a),
		newStatsCommand(a),
	)

	if err := root.Execute(); err != nil {
		_ = a.stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) start() error {
	cfg := config.NewDefault()
	if a.configFile != "" {
		loaded, err := config.Load(a.configFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := config.ApplyEnv(config.EnvPrefix, cfg); err != nil {
		return err
	}
	if len(a.paths) > 0 {
		cfg.Global.Paths = a.paths
	}
	if a.logLevel != "" {
		cfg.Observability.Logging.Level = a.logLevel
	}
	if a.metricsAddr != "" {
		cfg.Observability.MetricsAddr = a.metricsAddr
	}
	if a.trace {
		cfg.Observability.EnableTracing = true
	}
	a.cfg = cfg

	if err := logger.Init(cfg.Observability.Logging); err != nil {
		return err
	}
	log := logger.Get()
	a.logger = log
	a.shutdown = append(a.shutdown, func(context.Context) error {
		// stderr cannot be fsynced on most platforms
		_ = logger.Sync()
		return nil
	})

	if cfg.Observability.EnableTracing {
		tc := observability.DefaultTracingConfig()
		tc.ServiceVersion = version
		tc.SamplingRate = cfg.Observability.TracingSampleRate
		stopTracing, err := observability.InitTracing(tc)
		if err != nil {
			return err
		}
		a.shutdown = append(a.shutdown, stopTracing)
	}

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		a.serveMetrics(addr)
	}

	e, err := engine.Init(engine.Options{Config: cfg, Logger: log})
	if err != nil {
		if errors.Is(err, engine.ErrAlreadyInitialized) {
			log.Fatal("engine initialized twice", zap.Error(err))
		}
		return err
	}
	a.engine = e
	a.shutdown = append(a.shutdown, func(context.Context) error { return e.Close() })
	return nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", addr))
	a.shutdown = append(a.shutdown, srv.Shutdown)
}

// stop runs shutdown hooks in reverse order. It is safe to call twice.
func (a *app) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var first error
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		if err := a.shutdown[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	a.shutdown = nil
	return first
}
