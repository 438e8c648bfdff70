package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chicogong/gpu-gateway/pkg/api"
	"github.com/chicogong/gpu-gateway/pkg/auth"
	"github.com/chicogong/gpu-gateway/pkg/cloud"
	"github.com/chicogong/gpu-gateway/pkg/config"
	"github.com/chicogong/gpu-gateway/pkg/inference"
	"github.com/chicogong/gpu-gateway/pkg/journal"
	"github.com/chicogong/gpu-gateway/pkg/logger"
	"github.com/chicogong/gpu-gateway/pkg/metrics"
	"github.com/chicogong/gpu-gateway/pkg/models"
	"github.com/chicogong/gpu-gateway/pkg/notify"
	"github.com/chicogong/gpu-gateway/pkg/proxy"
	"github.com/chicogong/gpu-gateway/pkg/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:          "gateway",
		Short:        "Scale-to-zero gateway for a pool of GPU inference nodes",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "configs/gateway.yaml", "Path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configFile)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("GPU Gateway\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}
			fmt.Printf("Config OK: %s\n", configFile)
			fmt.Printf("  Cloud API:   %s (filter %q)\n", cfg.CloudAPI.BaseURL, cfg.CloudAPI.MachineNameFilter)
			fmt.Printf("  HTTP:        %s\n", cfg.Server.HTTPAddress)
			fmt.Printf("  Reservation: %s (fallback %s)\n", cfg.ReservationDuration(), cfg.FallbackReservationDuration())
			return nil
		},
	})

	return root
}

func serve(configFile string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting GPU Gateway",
		zap.String("version", Version),
		zap.String("config", configFile),
	)

	// Node registry
	registry := scheduler.NewRegistry(scheduler.RegistryConfig{
		Reservation:         cfg.ReservationDuration(),
		FallbackReservation: cfg.FallbackReservationDuration(),
		StartupTimeout:      cfg.StartupTimeout(),
		DefaultSlots:        cfg.Nodes.DefaultSlots,
		Slots:               cfg.Nodes.Slots,
	}, log.Named("registry"))

	// Metrics
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := metrics.NewRecorder(promRegistry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	registry.AddListener(recorder)

	// Event journal
	ctx := context.Background()
	var eventJournal journal.Journal = journal.NewMemory(cfg.Journal.MemorySize)
	if cfg.Journal.MongoURI != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		m, err := journal.NewMongo(connectCtx, cfg.Journal.MongoURI, cfg.Journal.Database, cfg.Journal.TTLDays, log.Named("journal"))
		cancel()
		if err != nil {
			log.Warn("MongoDB journal unavailable, keeping events in memory", zap.Error(err))
		} else {
			eventJournal = m
		}
	}
	journalWriter := journal.NewWriter(eventJournal, 256, log.Named("journal"))
	registry.AddListener(journalWriter)

	// Operator alerts
	var notifier notify.Notifier = notify.Nop{}
	if tg := cfg.Notify.Telegram; tg.BotToken != "" && len(tg.ChatIDs) > 0 {
		t, err := notify.NewTelegram(tg.BotToken, tg.ChatIDs)
		if err != nil {
			log.Warn("Telegram notifier disabled", zap.Error(err))
		} else {
			notifier = t
		}
	}
	alerts := notify.NewListener(notifier, 64, log.Named("notify"))
	registry.AddListener(alerts)

	// Snapshot persistence
	var snapshots *scheduler.SnapshotStore
	if cfg.Storage.SnapshotDir != "" {
		snapshots = scheduler.NewSnapshotStore(registry, cfg.Storage.SnapshotDir, log.Named("snapshot"))
		if err := snapshots.LoadSnapshot(); err != nil {
			log.Warn("Failed to load snapshot, starting with empty state", zap.Error(err))
		}
		registry.AddListener(snapshots)
	}

	// Cloud adapter
	surf := cloud.NewSurfClient(cloud.SurfConfig{
		BaseURL:   cfg.CloudAPI.BaseURL,
		AuthToken: cfg.CloudAPI.AuthToken,
		CSRFToken: cfg.CloudAPI.CSRFToken,
		Timeout:   time.Duration(cfg.CloudAPI.RequestTimeout) * time.Second,
	}, log.Named("cloud"))
	cloudClient := cloud.NewRetrying(surf, cloud.RetryConfig{
		Attempts:       cfg.CloudAPI.Retry.Attempts,
		InitialBackoff: time.Duration(cfg.CloudAPI.Retry.InitialBackoff) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.CloudAPI.Retry.MaxBackoff) * time.Millisecond,
	}, log.Named("cloud"))

	inferenceClient := inference.NewClient(inference.Config{
		Port:          cfg.Nodes.InferencePort,
		ReadinessWait: cfg.ReadinessWait(),
	}, log.Named("inference"))

	// Autoscaler
	engine := scheduler.NewEngine(registry, cloudClient, inferenceClient, scheduler.EngineConfig{
		NameFilter:        cfg.CloudAPI.MachineNameFilter,
		StartupTimeout:    cfg.StartupTimeout(),
		ProbeInterval:     time.Duration(cfg.Autoscaler.ProbeIntervalSeconds) * time.Second,
		DiscoveryInterval: time.Duration(cfg.Autoscaler.DiscoveryIntervalSeconds) * time.Second,
	}, log.Named("autoscaler"))
	engine.AddTickHook(recorder.ObservePool)

	discoverCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	if err := engine.Discover(discoverCtx); err != nil {
		log.Warn("Initial discovery failed", zap.Error(err))
	}
	cancel()

	if snapshots != nil {
		snapshots.StartPeriodicSnapshot(time.Duration(cfg.Storage.SnapshotInterval) * time.Second)
	}
	engine.Start(time.Duration(cfg.Autoscaler.TickSeconds) * time.Second)

	// Request path
	router := scheduler.NewRouter(registry, engine, cfg.Routing.WakeFlavors, log.Named("router"))
	dispatcher := proxy.NewDispatcher(router, registry, inferenceClient, recorder, proxy.Config{
		MaxRouteAttempts: cfg.Proxy.MaxRouteAttempts,
		MaxBodyBytes:     cfg.Proxy.MaxBodyBytes,
		RetryAfter:       time.Duration(cfg.Proxy.RetryAfterSeconds) * time.Second,
	}, log.Named("proxy"))

	keys, err := auth.NewKeyStore(cfg.Auth.APIKeysFile, log.Named("auth"))
	if err != nil {
		engine.Stop()
		return fmt.Errorf("failed to load api keys: %w", err)
	}

	// gRPC health is optional
	var grpcServer *api.GRPCServer
	if cfg.Server.GRPCAddress != "" {
		grpcServer = api.NewGRPCServer(log.Named("grpc"))
		grpcServer.Refresh(registry.Stats())
		engine.AddTickHook(func(stats models.PoolStats) { grpcServer.Refresh(stats) })
		if err := grpcServer.Start(cfg.Server.GRPCAddress); err != nil {
			engine.Stop()
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
	}

	restServer := api.NewRESTServer(registry, engine, dispatcher, eventJournal, keys, promRegistry, log.Named("http"))
	if err := restServer.Start(cfg.Server.HTTPAddress); err != nil {
		engine.Stop()
		return fmt.Errorf("failed to start REST API server: %w", err)
	}

	log.Info("GPU Gateway started successfully",
		zap.String("http_address", cfg.Server.HTTPAddress),
		zap.String("grpc_address", cfg.Server.GRPCAddress),
		zap.Int("nodes", len(registry.List())),
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down GPU Gateway...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Let in-flight generations finish before stopping the loop
	if err := restServer.Stop(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.Stop()
	}
	engine.Stop()
	if snapshots != nil {
		snapshots.Stop()
	}
	journalWriter.Close()
	alerts.Close()
	if err := eventJournal.Close(shutdownCtx); err != nil {
		log.Warn("Failed to close journal", zap.Error(err))
	}

	log.Info("GPU Gateway stopped")
	return nil
}
