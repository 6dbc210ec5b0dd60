package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"protoeval/internal/evaluate/environment"
	"protoeval/internal/evaluate/metrics"
	"protoeval/internal/evaluate/repository"
	"protoeval/internal/evaluate/service"
	"protoeval/pkg/utils/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagConfigPath string
	flagAddr       string
)

var rootCmd = &cobra.Command{
	Use:           "evaluate-api",
	Short:         "Accept protocol uploads and serve job status and results",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          serve,
}

func main() {
	rootCmd.Flags().StringVar(&flagConfigPath, "config", defaultConfigPath, "Path to config file")
	rootCmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address (overrides server.addr)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "evaluate-api failed: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := loadAppConfig(flagConfigPath)
	if err != nil {
		return err
	}
	if flagAddr != "" {
		cfg.Server.Addr = flagAddr
	}
	if err := logger.Init(cfg.Logger); err != nil {
		return fmt.Errorf("init logger failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	evaluateService, gatherer, err := buildService(cfg)
	if err != nil {
		logger.Error(ctx, "init evaluate service failed", zap.Error(err))
		return err
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s failed: %w", cfg.Server.Addr, err)
	}
	server := newHTTPServer(cfg, newRouter(cfg, evaluateService, gatherer))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	logger.Info(ctx, "evaluate api listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("jobs_root", cfg.Storage.JobsRoot),
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info(context.Background(), "shutting down evaluate api")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}

// buildService wires the version table, job store and metrics registry.
func buildService(cfg *AppConfig) (*service.EvaluateService, prometheus.Gatherer, error) {
	registry := environment.NewDefaultRegistry()
	if cfg.Environments.TableFile != "" {
		var err error
		if registry, err = environment.LoadRegistryFile(cfg.Environments.TableFile); err != nil {
			return nil, nil, err
		}
	}
	store, err := repository.NewJobStore(cfg.Storage.JobsRoot, 0)
	if err != nil {
		return nil, nil, err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	svc, err := service.NewEvaluateService(service.Config{
		Store:    store,
		Catalog:  registry,
		Version:  serviceVersion,
		Metrics:  metrics.New(promRegistry),
		MaxFiles: cfg.Upload.MaxFiles,
	})
	if err != nil {
		return nil, nil, err
	}
	return svc, promRegistry, nil
}
