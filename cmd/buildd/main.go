// Package main provides the entry point for the build engine daemon.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/narvanalabs/buildengine/internal/api"
	"github.com/narvanalabs/buildengine/internal/api/health"
	"github.com/narvanalabs/buildengine/internal/artifacts"
	"github.com/narvanalabs/buildengine/internal/builder"
	"github.com/narvanalabs/buildengine/internal/builder/metrics"
	"github.com/narvanalabs/buildengine/internal/builder/retry"
	"github.com/narvanalabs/buildengine/internal/cleanup"
	"github.com/narvanalabs/buildengine/internal/executor"
	grpcserver "github.com/narvanalabs/buildengine/internal/grpc"
	gitstatus "github.com/narvanalabs/buildengine/internal/integrations/git"
	"github.com/narvanalabs/buildengine/internal/logs"
	"github.com/narvanalabs/buildengine/internal/shutdown"
	"github.com/narvanalabs/buildengine/internal/source"
	"github.com/narvanalabs/buildengine/pkg/config"
	"github.com/narvanalabs/buildengine/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogFormat == "json")

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	if err := run(ctx, cancel, cfg, log, coordinator); err != nil {
		log.Error("failed to start build engine", "error", err)
		coordinator.Shutdown()
		os.Exit(1)
	}

	coordinator.WaitForSignal(ctx)
	log.Info("build engine stopped", "exit_code", coordinator.ExitCode())
	os.Exit(coordinator.ExitCode())
}

// run builds every component and starts serving. Components are registered
// with the coordinator as they start, so they stop in reverse order.
func run(ctx context.Context, cancel context.CancelCauseFunc, cfg *config.Config, log *logger.Logger, coordinator *shutdown.Coordinator) error {
	// Initialize persistence
	st, err := openStore(cfg, log.Logger)
	if err != nil {
		return err
	}
	coordinator.Register(shutdown.NewCloserComponent("store", st))

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		coordinator.Register(shutdown.NewCloserComponent("redis", rdb))
	}

	numbers, err := openCounter(cfg, st, rdb)
	if err != nil {
		return err
	}

	secretStore, err := openSecrets(cfg, log.WithComponent("secrets").Logger)
	if err != nil {
		return err
	}
	retries := retry.NewManager(
		retry.WithRetryStrategy(&retry.RetryStrategy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			RetryableErrors: retry.DefaultRetryStrategy().RetryableErrors,
			BackoffDuration: cfg.Retry.Backoff,
			Multiplier:      cfg.Retry.Multiplier,
			MaxBackoff:      cfg.Retry.MaxBackoff,
		}),
		retry.WithNotificationCallback(func(n *retry.RetryNotification) {
			log.Warn("retrying collaborator call",
				"key", n.Key,
				"attempt", n.AttemptNumber,
				"reason", n.Reason,
				"backoff", n.Backoff,
			)
		}),
	)

	// Report build status to source providers
	reporter := gitstatus.NewReporter(st.Builds(), statusTokens(cfg, secretStore),
		gitstatus.WithLogger(log.WithComponent("status").Logger),
		gitstatus.WithTargetURL(cfg.Status.TargetURL),
		gitstatus.WithRetryManager(retries),
	)
	reporter.Start(ctx)
	coordinator.Register(shutdown.NewStopperComponent("status reporter", reporter))

	publisher, kafka, err := newPublisher(cfg, rdb, log.Logger, reporter)
	if err != nil {
		return err
	}
	if kafka != nil {
		coordinator.Register(shutdown.NewFuncComponent("kafka", func(ctx context.Context) error {
			kafka.Close(flushTimeoutMs(ctx))
			return nil
		}))
	}

	// Initialize collaborators
	fetcher, err := source.NewFetcher(cfg.Storage.SourceDir(),
		source.WithLogger(log.WithComponent("source").Logger),
		source.WithObjectRoot(cfg.Storage.ObjectDir()),
	)
	if err != nil {
		return fmt.Errorf("creating source fetcher: %w", err)
	}
	execOpts := []executor.Option{
		executor.WithLogger(log.WithComponent("executor").Logger),
		executor.WithShell(cfg.Executor.Shell),
		executor.WithCapacity(cfg.Executor.Capacity),
	}
	if secretStore != nil {
		execOpts = append(execOpts, executor.WithEnvResolver(secretStore))
	}
	runner, err := executor.New(cfg.Storage.ScratchDir(), execOpts...)
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}
	artifactStore, err := artifacts.NewStore(cfg.Storage.ArtifactsDir(),
		artifacts.WithLogger(log.WithComponent("artifacts").Logger),
	)
	if err != nil {
		return fmt.Errorf("creating artifact store: %w", err)
	}

	broker := logs.NewBroker(log.WithComponent("logs").Logger)
	sink := logs.NewSink(st.Logs(), broker,
		logs.WithLogger(log.WithComponent("logs").Logger),
		logs.WithBatchSize(cfg.Logs.BatchSize),
		logs.WithFlushInterval(cfg.Logs.FlushInterval),
		logs.WithTailLines(cfg.Logs.TailLines),
	)
	sink.Start(ctx)
	coordinator.Register(shutdown.NewStopperComponent("log sink", sink))

	collector := metrics.NewCollector(metrics.WithRetentionPeriod(cfg.Engine.MetricsRetention))

	// Create the orchestrator
	engineCfg := &builder.Config{
		Concurrency:     cfg.Engine.Concurrency,
		Minute:          cfg.Engine.Minute,
		CancelGrace:     cfg.Engine.CancelGrace,
		FinalizeTimeout: cfg.Engine.FinalizeTimeout,
		Budget:          builder.ParseBudgetPolicy(cfg.Engine.BudgetPolicy, cfg.Engine.BudgetCeiling),
		ArnPrefix:       cfg.Engine.ArnPrefix,
		LogGroupPrefix:  cfg.Engine.LogGroupPrefix,
	}
	orchestrator, err := builder.NewOrchestrator(engineCfg, st, numbers,
		builder.Collaborators{
			Fetcher:     fetcher,
			Executor:    runner,
			Artifacts:   artifactStore,
			Logs:        sink,
			Provisioner: runner,
		},
		builder.WithLogger(log.WithComponent("orchestrator").Logger),
		builder.WithEventPublisher(publisher),
		builder.WithMetrics(collector),
		builder.WithRetryManager(retries),
	)
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	// Settle builds left behind by a previous process
	recovery := builder.NewRecoveryService(st, orchestrator, log.WithComponent("recovery").Logger)
	if result, err := recovery.RecoverOnStartup(ctx); err != nil {
		log.Error("failed to perform startup recovery", "error", err)
	} else {
		log.Info("startup recovery completed",
			"interrupted_builds", result.InterruptedBuilds,
			"resumed_builds", result.ResumedBuilds,
		)
	}

	if err := orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}
	coordinator.Register(shutdown.NewStopperComponent("orchestrator", orchestrator))

	// Start the janitor
	janitor, err := cleanup.NewService(collector,
		[]string{cfg.Storage.SourceDir(), cfg.Storage.ScratchDir()},
		cleanup.WithLogger(log.WithComponent("cleanup").Logger),
		cleanup.WithSettings(cleanup.Settings{
			Interval:           cfg.Cleanup.Interval,
			WorkspaceRetention: cfg.Cleanup.WorkspaceRetention,
		}),
	)
	if err != nil {
		return fmt.Errorf("creating cleanup service: %w", err)
	}
	janitor.Start(ctx)
	coordinator.Register(shutdown.NewStopperComponent("cleanup", janitor))
	if cfg.Cleanup.DiskCheckInterval > 0 {
		monitor := cleanup.NewDiskMonitor(cfg.Storage.DataDir, janitor, nil, log.WithComponent("disk").Logger)
		go monitor.Watch(ctx, cfg.Cleanup.DiskCheckInterval)
	}

	// Start the gRPC health endpoint
	grpcCfg := grpcserver.DefaultConfig()
	grpcCfg.Port = cfg.GRPCPort
	grpcSrv, err := grpcserver.NewServer(grpcCfg, st, log.WithComponent("grpc").Logger)
	if err != nil {
		return fmt.Errorf("creating gRPC server: %w", err)
	}
	go func() {
		if err := grpcSrv.Start(ctx); err != nil {
			cancel(fmt.Errorf("gRPC server: %w", err))
		}
	}()
	coordinator.Register(shutdown.NewFuncComponent("grpc", grpcSrv.Stop))

	// Start the API server
	server := api.NewServer(api.Config{
		Host:             cfg.APIHost,
		Port:             cfg.APIPort,
		RequestTimeout:   cfg.RequestTimeout,
		ProjectArnPrefix: cfg.Engine.ProjectArnPrefix,
	}, api.Deps{
		Store:   st,
		Engine:  orchestrator,
		Sink:    sink,
		Broker:  broker,
		Metrics: collector,
	}, log.WithComponent("api").Logger)
	if rdb != nil {
		server.HealthChecker().AddComponent("redis", health.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}), false)
	}
	go func() {
		if err := server.Start(ctx); err != nil {
			cancel(fmt.Errorf("API server: %w", err))
		}
	}()
	coordinator.Register(shutdown.NewFuncComponent("api", server.Shutdown))

	log.Info("build engine started",
		"api_port", cfg.APIPort,
		"grpc_port", cfg.GRPCPort,
		"store", cfg.Storage.Backend,
		"counter", cfg.CounterBackend(),
		"data_dir", cfg.Storage.DataDir,
	)
	return nil
}
