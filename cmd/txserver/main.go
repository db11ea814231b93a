package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/TandS-Engine/api"
	"github.com/VanDung-dev/TandS-Engine/monitoring"
)

// Name is the program name used in logs and usage output.
const Name = "TandS-Engine"

type options struct {
	config   *api.Config
	logLevel string
	devLog   bool
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", Name, err)
		os.Exit(2)
	}

	logger, err := monitoring.NewLogger(opts.logLevel, opts.devLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: failed to create logger: %v\n", Name, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(opts.config, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(config *api.Config, logger *zap.Logger) error {
	file, err := monitoring.OpenRunFile(config.OutputDir)
	if err != nil {
		return err
	}
	recorder := monitoring.NewRecorder(file, nil)
	defer func() { _ = recorder.Close() }()

	metrics := api.NewMetrics("tands")
	server, err := api.NewServer(config,
		api.WithLogger(logger),
		api.WithRecorder(recorder),
		api.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	logger.Info("starting",
		zap.String("name", Name),
		zap.String("version", api.Version),
		zap.String("run_id", server.RunID()),
		zap.String("record", file.Name()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	var report monitoring.Report

	g.Go(func() error {
		r, err := server.Run(gctx)
		report = r
		// The metrics endpoint has nothing left to report once the run ends
		stop()
		return err
	})

	if config.MetricsAddress != "" {
		metricsServer := api.NewMetricsServer(config.MetricsAddress, metrics)
		g.Go(func() error {
			logger.Info("metrics server listening", zap.String("address", config.MetricsAddress))
			return metricsServer.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			return metricsServer.Stop()
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Printf("%d transactions completed, %d dropped, %.2f transactions/second\n",
		report.Completed, report.Dropped, report.Throughput)
	return nil
}

// parseFlags builds the server configuration from defaults, TANDS_*
// environment variables and command line flags, in increasing priority.
// A bare positional argument is taken as the port.
func parseFlags(args []string) (*options, error) {
	config := api.DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}

	opts := &options{config: config, logLevel: envOr("TANDS_LOG_LEVEL", "info")}

	fs := flag.NewFlagSet(Name, flag.ContinueOnError)
	fs.StringVar(&config.Host, "host", config.Host, "Host to listen on")
	fs.IntVar(&config.Port, "port", config.Port, "Port to listen on (0 = ephemeral)")
	fs.DurationVar(&config.IdleTimeout, "idle", config.IdleTimeout, "Shut down after this long without activity")
	fs.IntVar(&config.PoolSize, "workers", config.PoolSize, "Number of worker goroutines")
	fs.IntVar(&config.QueueCapacity, "queue", config.QueueCapacity, "Transaction queue capacity")
	fs.IntVar(&config.MaxConnections, "max-conns", config.MaxConnections, "Maximum simultaneous connections")
	fs.DurationVar(&config.WriteTimeout, "write-timeout", config.WriteTimeout, "Reply write timeout")
	fs.DurationVar(&config.DrainTimeout, "drain", config.DrainTimeout, "Let workers drain the queue at shutdown (0 = abrupt)")
	fs.BoolVar(&config.CloseOnProtocolError, "close-on-error", config.CloseOnProtocolError, "Close connections that send malformed lines")
	fs.StringVar(&config.MetricsAddress, "metrics", config.MetricsAddress, "Metrics listen address (empty = disabled)")
	fs.StringVar(&config.FeedAddress, "feed", config.FeedAddress, "ZeroMQ event feed endpoint (empty = disabled)")
	fs.StringVar(&config.JournalPath, "journal", config.JournalPath, "Arrow journal output path (empty = disabled)")
	fs.StringVar(&config.OutputDir, "out", config.OutputDir, "Directory for the transaction record")
	fs.StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level (debug, info, warn, error)")
	fs.BoolVar(&opts.devLog, "dev", false, "Human readable development logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch fs.NArg() {
	case 0:
	case 1:
		port, err := strconv.Atoi(fs.Arg(0))
		if err != nil {
			return nil, fmt.Errorf("%w: port %q", api.ErrInvalidConfig, fs.Arg(0))
		}
		config.Port = port
	default:
		return nil, fmt.Errorf("%w: unexpected arguments %v", api.ErrInvalidConfig, fs.Args()[1:])
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// applyEnv overrides config fields from TANDS_* variables.
func applyEnv(config *api.Config) error {
	var errs error

	intVar := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = errors.Join(errs, fmt.Errorf("%w: %s=%q", api.ErrInvalidConfig, key, v))
				return
			}
			*dst = n
		}
	}
	durationVar := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = errors.Join(errs, fmt.Errorf("%w: %s=%q", api.ErrInvalidConfig, key, v))
				return
			}
			*dst = d
		}
	}

	config.Host = envOr("TANDS_HOST", config.Host)
	intVar("TANDS_PORT", &config.Port)
	durationVar("TANDS_IDLE_TIMEOUT", &config.IdleTimeout)
	intVar("TANDS_WORKERS", &config.PoolSize)
	intVar("TANDS_QUEUE_CAPACITY", &config.QueueCapacity)
	intVar("TANDS_MAX_CONNECTIONS", &config.MaxConnections)
	durationVar("TANDS_WRITE_TIMEOUT", &config.WriteTimeout)
	durationVar("TANDS_DRAIN_TIMEOUT", &config.DrainTimeout)
	config.MetricsAddress = envOr("TANDS_METRICS_ADDRESS", config.MetricsAddress)
	config.FeedAddress = envOr("TANDS_FEED_ADDRESS", config.FeedAddress)
	config.JournalPath = envOr("TANDS_JOURNAL", config.JournalPath)
	config.OutputDir = envOr("TANDS_OUTPUT_DIR", config.OutputDir)

	if v, ok := os.LookupEnv("TANDS_CLOSE_ON_PROTOCOL_ERROR"); ok {
		config.CloseOnProtocolError = v == "true" || v == "1"
	}

	return errs
}
