// Package main is the entry point for the flowpipe services. One binary runs
// the webhook intake with the outbox relay, the stage worker, or both.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/flowpipe/internal/config"
	"github.com/pitabwire/flowpipe/internal/observability"
	"github.com/pitabwire/flowpipe/internal/outbox"
	"github.com/pitabwire/flowpipe/internal/stage"
	"github.com/pitabwire/flowpipe/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

// Process modes.
const (
	modeAll     = "all"
	modeRelay   = "relay"
	modeWorker  = "worker"
	modeEnqueue = "enqueue"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	mode := flag.String("mode", modeAll, "process mode: all, relay, worker or enqueue")
	workflowID := flag.String("workflow-id", "", "workflow to start (enqueue mode)")
	input := flag.String("input", "{}", "JSON object seeding the run context (enqueue mode)")
	flag.Parse()

	switch *mode {
	case modeAll, modeRelay, modeWorker, modeEnqueue:
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		return 2
	}

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()
	logger = logger.With(zap.String("mode", *mode))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "flowpipe-"+*mode, version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(reg)

	// Step 4: Open the run store.
	st, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer storeCloser()

	if *mode == modeEnqueue {
		return enqueue(ctx, st, *workflowID, *input, logger)
	}

	// Step 5: Connect the broker and the throttle.
	consumes := *mode == modeAll || *mode == modeWorker
	brk, err := buildBroker(cfg.Broker, consumes)
	if err != nil {
		logger.Error("broker initialization failed", zap.Error(err))
		return 1
	}
	defer brk.close()

	limiter, throttleCloser, err := buildThrottle(cfg.Throttle)
	if err != nil {
		logger.Error("throttle initialization failed", zap.Error(err))
		return 1
	}
	defer throttleCloser()

	// Step 6: Build the pipeline components for this mode.
	g, gctx := errgroup.WithContext(ctx)

	if *mode == modeAll || *mode == modeRelay {
		relay := outbox.NewRelay(st, brk.publisher, logger.Named("relay"),
			outbox.WithBatchSize(cfg.Relay.BatchSize),
			outbox.WithInterval(cfg.Relay.Interval),
			outbox.WithMetrics(metrics),
		)
		g.Go(func() error { return relay.Run(gctx) })
	}

	if consumes {
		registry := buildExecutors(cfg.Executors, cfg.CircuitBreaker)
		proc := stage.NewProcessor(st, brk.publisher, registry, logger.Named("stage"),
			stage.WithThrottle(limiter),
			stage.WithMetrics(metrics),
			stage.WithStageDelay(cfg.Worker.StageDelay),
			stage.WithStrictTemplates(cfg.Worker.StrictTemplates),
		)
		worker := stage.NewWorker(brk.consumer, proc, cfg.Worker.Lanes, logger.Named("worker"))
		g.Go(func() error { return worker.Run(gctx) })
		g.Go(func() error {
			reportBreakerStates(gctx, registry, metrics, 5*time.Second)
			return nil
		})
	}

	// Step 7: Build the HTTP router.
	deps := transport.Dependencies{
		Server:        cfg.Server,
		Logger:        logger.Named("http"),
		Metrics:       metrics,
		HealthHandler: observability.HandleHealth(),
		ReadyHandler: observability.HandleReady(
			observability.Check{Name: "store", Checker: st},
			observability.Check{Name: "throttle", Checker: limiter},
		),
	}
	if cfg.Observability.Metrics.Enabled {
		deps.MetricsHandler = observability.Handler(reg)
		deps.MetricsPath = cfg.Observability.Metrics.Path
	}
	if *mode == modeAll || *mode == modeRelay {
		deps.Runs = st
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      transport.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 8: Start the HTTP server.
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("broker", cfg.Broker.Driver),
	)

	// Wait for shutdown signal or a component failure.
	<-gctx.Done()
	if ctx.Err() != nil {
		logger.Info("shutdown initiated")
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	code := 0
	if err := g.Wait(); err != nil {
		logger.Error("component failed", zap.Error(err))
		code = 1
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return code
}

// enqueue starts one run of workflowID seeded with the JSON object input.
func enqueue(ctx context.Context, st runCreator, workflowID, input string, logger *zap.Logger) int {
	if workflowID == "" {
		logger.Error("enqueue needs -workflow-id")
		return 2
	}
	metaData := map[string]any{}
	if err := json.Unmarshal([]byte(input), &metaData); err != nil {
		logger.Error("enqueue input is not a JSON object", zap.Error(err))
		return 2
	}

	runID, err := st.CreateRun(ctx, workflowID, metaData)
	if err != nil {
		logger.Error("enqueue failed", zap.String("workflow_id", workflowID), zap.Error(err))
		return 1
	}
	logger.Info("run enqueued", zap.String("workflow_id", workflowID), zap.String("workflow_run_id", runID))
	fmt.Println(runID)
	return 0
}
