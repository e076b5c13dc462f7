package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/agentpipe/internal/config"
	apigrpc "github.com/aescanero/agentpipe/pkg/api/grpc"
	apihttp "github.com/aescanero/agentpipe/pkg/api/http"
	"github.com/aescanero/agentpipe/pkg/api/websocket"
	"github.com/aescanero/agentpipe/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the gRPC health service and the worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd, true)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the worker pool and the gRPC health service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd, false)
		},
	}
}

// runProcess starts the long-running components and blocks until a
// shutdown signal or a server failure
func runProcess(cmd *cobra.Command, withAPI bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := initLogger(logLevel(cmd, cfg.LogLevel))
	defer func() { _ = logger.Sync() }()

	role := "worker"
	if withAPI {
		role = "serve"
	}
	logger.Info("starting agentpipe",
		zap.String("role", role),
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Role:           role,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	grpcServer, err := apigrpc.NewServer(&apigrpc.Config{
		Port:   cfg.GRPCPort,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	a.pool.Health().OnChange(grpcServer.SetServing)

	if err := a.pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- err
		}
	}()

	var httpServer *apihttp.Server
	if withAPI {
		httpServer = apihttp.NewServer(&apihttp.Config{
			Port:     cfg.HTTPPort,
			Manager:  a.manager,
			Gateway:  a.gateway,
			Health:   a.pool.Health(),
			Gatherer: prometheus.DefaultGatherer,
			Logger:   logger,
		})
		httpServer.SetupWebSocket(websocket.NewHandler(a.gateway, logger))

		go func() {
			if err := httpServer.Start(); err != nil {
				errCh <- err
			}
		}()
	}

	logger.Info("agentpipe started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize),
		zap.String("store", cfg.Store.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("events", cfg.Events.Backend))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if err := a.pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("agentpipe shut down complete")
	return runErr
}
