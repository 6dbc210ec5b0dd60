package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"protoeval/internal/common/cache"
	"protoeval/internal/common/mq"
	"protoeval/internal/common/storage"
	"protoeval/internal/evaluate/archive"
	"protoeval/internal/evaluate/environment"
	"protoeval/internal/evaluate/executor"
	"protoeval/internal/evaluate/metrics"
	"protoeval/internal/evaluate/repository"
	"protoeval/internal/evaluate/runtimeparams"
	"protoeval/internal/evaluate/service"
	"protoeval/pkg/utils/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "configs/evaluate_processor.yaml"
	modeOnce          = "once"
	modeDaemon        = "daemon"
)

var (
	flagConfigPath   string
	flagMode         string
	flagPollInterval int
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", defaultConfigPath, "Path to config file")
	rootCmd.Flags().StringVar(&flagMode, "mode", modeDaemon, "Run mode: 'once' processes pending jobs and exits, 'daemon' runs continuously")
	rootCmd.Flags().IntVar(&flagPollInterval, "poll-interval", 0, "Polling interval in seconds for daemon mode (default from config, 5)")
	rootCmd.AddCommand(prepareCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "evaluate-processor failed: %v\n", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "evaluate-processor",
	Short:         "Process pending protocol evaluation jobs",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          doProcess,
}

var prepareCmd = &cobra.Command{
	Use:   "prepare [version...]",
	Short: "Provision environments ahead of time (all known versions when none are given)",
	RunE:  doPrepare,
}

// app holds everything wired from config for one command run.
type app struct {
	cfg         *AppConfig
	registry    *environment.Registry
	provisioner *environment.Provisioner
	processor   *service.Processor
	gatherer    prometheus.Gatherer
	closers     []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
	_ = logger.Sync()
}

func doProcess(cmd *cobra.Command, _ []string) error {
	if flagMode != modeOnce && flagMode != modeDaemon {
		return fmt.Errorf("unknown mode %q, want %s or %s", flagMode, modeOnce, modeDaemon)
	}
	a, err := buildApp(flagConfigPath)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	if flagMode == modeOnce {
		logger.Info(ctx, "running processor in one-shot mode")
		processed, err := a.processor.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Processed %d job(s)\n", processed)
		return nil
	}

	pollInterval := a.cfg.Worker.PollInterval
	if flagPollInterval > 0 {
		pollInterval = time.Duration(flagPollInterval) * time.Second
	}
	if a.cfg.Metrics.Enabled {
		stopMetrics, err := serveMetrics(ctx, a.cfg.Metrics.Addr, a.gatherer)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}
	return a.processor.Run(ctx, pollInterval)
}

func doPrepare(cmd *cobra.Command, args []string) error {
	a, err := buildApp(flagConfigPath)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	versions := args
	if len(versions) == 0 {
		versions = a.registry.Versions()
	}
	var failed []string
	for _, version := range versions {
		descriptor, err := a.registry.Resolve(version)
		if err != nil {
			return err
		}
		start := time.Now()
		python, err := a.provisioner.EnsureReady(ctx, descriptor)
		if err != nil {
			logger.Error(ctx, "prepare environment failed", zap.String("robot_version", version), zap.Error(err))
			failed = append(failed, version)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s ready: %s (%s)\n", version, python, time.Since(start).Round(time.Millisecond))
	}
	if len(failed) > 0 {
		return fmt.Errorf("environments not ready: %v", failed)
	}
	return nil
}

func buildApp(configPath string) (*app, error) {
	cfg, err := loadAppConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logger); err != nil {
		return nil, fmt.Errorf("init logger failed: %w", err)
	}
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.registry = environment.NewDefaultRegistry()
	if cfg.Environments.TableFile != "" {
		if a.registry, err = environment.LoadRegistryFile(cfg.Environments.TableFile); err != nil {
			return nil, err
		}
	}

	store, err := repository.NewJobStore(cfg.Storage.JobsRoot, cfg.Worker.ClaimTTL)
	if err != nil {
		return nil, err
	}

	var lock cache.Locker = cache.NewLocalLocker()
	if cfg.Lock.Enabled {
		if lock, err = cache.NewRedisCacheWithConfig(&cfg.Lock.Redis); err != nil {
			return nil, fmt.Errorf("init redis lock failed: %w", err)
		}
	}
	a.closers = append(a.closers, lock)

	runner := executor.NewProcessRunner(cfg.Tools.WaitDelay)
	a.provisioner, err = environment.NewProvisioner(cfg.Environments.ProvisionerConfig, runner, lock)
	if err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.gatherer = promRegistry

	procCfg := service.ProcessorConfig{
		Store:             store,
		Registry:          a.registry,
		Provisioner:       a.provisioner,
		Params:            runtimeparams.NewResolver(),
		Runner:            runner,
		AnalyzeScript:     cfg.Tools.AnalyzeScript,
		SimulateScript:    cfg.Tools.SimulateScript,
		AnalysisTimeout:   cfg.Tools.AnalysisTimeout,
		SimulationTimeout: cfg.Tools.SimulationTimeout,
		PoolSize:          cfg.Worker.PoolSize,
		Metrics:           metrics.New(promRegistry),
	}

	if cfg.Events.Enabled {
		queue, err := mq.NewKafkaPublisher(cfg.Events.Kafka, cfg.Events.Topic)
		if err != nil {
			return nil, fmt.Errorf("init kafka publisher failed: %w", err)
		}
		a.closers = append(a.closers, queue)
		procCfg.Publisher = repository.NewQueueStatusPublisher(queue)
	}

	if cfg.Archive.Enabled {
		bundles, err := storage.NewMinIOStore(cfg.Archive.MinIO)
		if err != nil {
			return nil, fmt.Errorf("init minio failed: %w", err)
		}
		if err := bundles.EnsureBucket(context.Background(), 10*time.Second); err != nil {
			return nil, fmt.Errorf("ensure archive bucket failed: %w", err)
		}
		archiver, err := archive.NewArchiver(bundles, cfg.Archive.Prefix)
		if err != nil {
			return nil, err
		}
		procCfg.Archiver = archiver
	}

	a.processor, err = service.NewProcessor(procCfg)
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

// serveMetrics starts a side listener and returns a function that stops it.
func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("init metrics listener failed: %w", err)
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info(ctx, "metrics server started", zap.String("addr", addr))
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}, nil
}
