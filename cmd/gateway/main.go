package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/riverbend/rpc-gateway/internal/cache"
	"github.com/riverbend/rpc-gateway/internal/client"
	"github.com/riverbend/rpc-gateway/internal/config"
	"github.com/riverbend/rpc-gateway/internal/dispatch"
	"github.com/riverbend/rpc-gateway/internal/health"
	"github.com/riverbend/rpc-gateway/internal/metrics"
	"github.com/riverbend/rpc-gateway/internal/server"
	"github.com/riverbend/rpc-gateway/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

func main() {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Caching, failover reverse proxy for JSON-RPC over HTTP.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(v)
		},
	}

	if err := config.BindFlags(rootCmd, v); err != nil {
		fmt.Println("Failed to configure flags:", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := os.Getenv("ENV")
	if env == "" {
		env = "development"
	}

	logger, err := setupGlobalLogger(env, cfg.Verbose)
	if err != nil {
		return fmt.Errorf("set up logger: %w", err)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Println("Failed to sync logger.", syncErr)
		}
	}()

	logger.Info("Starting rpc-gateway.",
		zap.String("env", env),
		zap.Strings("upstreams", cfg.UpstreamURLs),
		zap.Int("port", cfg.Port))

	httpClient := client.NewSharedClient(cfg.UpstreamTimeout)
	manager := upstream.NewManager(cfg.UpstreamURLs, httpClient, logger)

	probeClient := client.NewSharedClient(10 * time.Second)
	supervisor := health.NewSupervisor(manager, probeClient, cfg.HealthInterval, logger)

	store := cache.NewStore(cfg.MaxCacheEntries)
	inflight := cache.NewInFlightRegistry()
	policy := cache.NewPolicy()
	dispatcher := dispatch.NewDispatcher(store, inflight, policy, manager, cfg.DefaultTTL, logger)

	ingressServer := server.NewServer(cfg.Port, dispatcher, manager, store, cfg.AuthToken, logger)
	metricsServer := metrics.NewServer(cfg.MetricsPort)

	supervisorCtx, stopSupervisor := context.WithCancel(context.Background())
	defer stopSupervisor()

	go supervisor.Run(supervisorCtx)

	serverErrors := make(chan error, 2)

	go func() {
		logger.Info("Starting ingress server.", zap.Int("port", cfg.Port))

		if err := ingressServer.Start(); err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("ingress server: %w", err)
		}
	}()

	go func() {
		logger.Info("Starting metrics server.", zap.Int("port", cfg.MetricsPort))

		if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signalChannel:
		logger.Info("Exiting due to signal.", zap.String("signal", sig.String()))
	case err := <-serverErrors:
		logger.Error("Server failed, shutting down.", zap.Error(err))
		return err
	}

	stopSupervisor()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := ingressServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shut down ingress server.", zap.Error(err))
		return err
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shut down metrics server.", zap.Error(err))
		return err
	}

	logger.Info("Shutdown complete.")

	return nil
}

func setupGlobalLogger(env string, verbose bool) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)

	if env == "production" && !verbose {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}

	if err == nil {
		zap.ReplaceGlobals(logger)
	}

	return logger, err
}
