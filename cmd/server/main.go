// Package main is the entry point for the deplay server.
// It accepts repositories over HTTP, builds and runs them in containers,
// streams their logs and attaches an AI diagnosis to every finished run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"deplay/internal/analysis"
	"deplay/internal/config"
	"deplay/internal/controller"
	"deplay/internal/controller/handlers"
	"deplay/internal/llm"
	"deplay/internal/logger"
	"deplay/internal/logsink"
	"deplay/internal/observability"
	"deplay/internal/registry"
	"deplay/internal/worker"
	"deplay/internal/worker/runtime"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config file (default: deplay.yaml in current directory)")
	flag.Parse()

	// A missing .env file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("server exited properly")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    "deplay",
		ServiceVersion: version,
		Endpoint:       cfg.OTELEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()
	runMetrics, err := observability.NewRunMetrics()
	if err != nil {
		return fmt.Errorf("failed to create run metrics: %w", err)
	}

	reg := registry.New()

	// Observed only when scraped.
	_, err = otel.Meter("deplay").Int64ObservableGauge("deplay.runs.registered",
		metric.WithDescription("Runs known to this server since start"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(len(reg.List())))
			return nil
		}),
	)
	if err != nil {
		log.Warn("failed to register run gauge", "error", err)
	}

	rt, err := newRuntime(cfg, log)
	if err != nil {
		return err
	}

	var logs logsink.Store
	switch cfg.LogBackend {
	case config.BackendMemory:
		logs = logsink.NewMemoryStore()
	default:
		logs = logsink.NewFileStore(filepath.Join(cfg.DataDir, "runs"))
	}

	diagnoser, closeDiagnoser, err := newDiagnoser(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDiagnoser()

	trigger := &analysis.Trigger{
		Registry:    reg,
		Diagnoser:   diagnoser,
		MaxLogBytes: cfg.AnalysisMaxLogBytes,
		Timeout:     cfg.AnalysisTimeout,
		Logger:      log,
	}

	// Runs are cancelled once shutdown begins, so their log streams end with
	// the aborted line instead of holding the HTTP server open.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	orchestrator := worker.New(runCtx, worker.Config{
		DataDir:       cfg.DataDir,
		BuildTimeout:  cfg.BuildTimeout,
		RunTimeout:    cfg.RunTimeout,
		Execute:       cfg.Execute,
		KeepWorkspace: cfg.KeepWorkspace,
	}, worker.Deps{
		Registry:  reg,
		Logs:      logs,
		Runtime:   rt,
		Fetcher:   worker.NewGitFetcher(cfg.GitBinary),
		Validator: worker.NewValidator(cfg.AllowedHosts),
		Analyzer:  trigger,
		Metrics:   runMetrics,
		Logger:    log,
	})

	h := handlers.New(orchestrator, reg, handlers.Config{
		DataDir:      cfg.DataDir,
		PollInterval: cfg.TailPollInterval,
		KeepAlive:    cfg.KeepAliveInterval,
	}, runMetrics, log)
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, h, controller.Options{
		CORSOrigins: cfg.CORSOrigins,
		SubmitRate:  cfg.SubmitRate,
		SubmitBurst: cfg.SubmitBurst,
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metricsHandler)
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("deplay server starting", "addr", addr, "runtime", cfg.Runtime, "data_dir", cfg.DataDir)
		return srv.Run(gCtx)
	})
	g.Go(func() error {
		log.Info("metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down, aborting in-flight runs")
		cancelRuns()
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	<-orchestrator.Done()
	return err
}

func newRuntime(cfg *config.Config, log *slog.Logger) (runtime.Runtime, error) {
	switch cfg.Runtime {
	case config.RuntimeDocker:
		rt, err := runtime.NewDockerRuntime()
		if err != nil {
			return nil, fmt.Errorf("failed to create docker runtime: %w", err)
		}
		log.Info("using docker engine runtime")
		return rt, nil
	default:
		log.Info("using exec runtime", "binary", cfg.ContainerBinary)
		return runtime.NewExecRuntime(cfg.ContainerBinary), nil
	}
}

// newDiagnoser returns a nil Diagnoser without an API key. Analysis then
// fails for every run and says so in its log.
func newDiagnoser(ctx context.Context, cfg *config.Config, log *slog.Logger) (analysis.Diagnoser, func(), error) {
	if cfg.GeminiAPIKey == "" {
		log.Warn("GEMINI_API_KEY not set, AI analysis disabled")
		return nil, func() {}, nil
	}
	client, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	log.Info("AI analysis enabled", "model", client.Model())
	return analysis.NewGeminiDiagnoser(client), func() { client.Close() }, nil
}
