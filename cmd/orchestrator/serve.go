package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cuemby/stratoforge/pkg/api"
	"github.com/cuemby/stratoforge/pkg/bus"
	"github.com/cuemby/stratoforge/pkg/dispatcher"
	"github.com/cuemby/stratoforge/pkg/events"
	"github.com/cuemby/stratoforge/pkg/jobs"
	"github.com/cuemby/stratoforge/pkg/log"
	"github.com/cuemby/stratoforge/pkg/metrics"
	"github.com/cuemby/stratoforge/pkg/provider"
	"github.com/cuemby/stratoforge/pkg/provisioning"
	"github.com/cuemby/stratoforge/pkg/routing"
	"github.com/cuemby/stratoforge/pkg/statemachine"
	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/termination"
	"github.com/cuemby/stratoforge/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator control plane",
	Long: `Starts the command dispatcher, the background reconciliation jobs, the
worker registry, the routing engine and the internal HTTP surface, and
blocks until SIGINT/SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := log.WithComponent("orchestrator")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("postgres", true, "connected")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	defer redisClient.Close()
	metrics.RegisterComponent("redis", true, "connected")

	b := bus.New(redisClient)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	fsm := statemachine.New(store)
	fsm.SetBroker(broker)

	registry := provider.NewRegistry()
	registry.Register("mock", provider.NewMockFactory())
	resolver := provider.NewResolver(store, registry)

	var dataVolumeOverride *int
	if cfg.WorkerDataVolumeGB > 0 {
		dataVolumeOverride = &cfg.WorkerDataVolumeGB
	}
	provisioningPipeline := provisioning.New(store, fsm, b, resolver, provisioning.Config{
		StepRetries:                cfg.StepRetries,
		ProvisioningDeadline:       time.Duration(cfg.ProvisioningDeadlineS) * time.Second,
		SSHDeadline:                time.Duration(cfg.SSHDeadlineS) * time.Second,
		DefaultDataVolumeGB:        cfg.DefaultDataVolumeGB,
		WorkerDataVolumeGBOverride: dataVolumeOverride,
		BuiltinVLLMImage:           "vllm/vllm-openai:latest",
	})
	provisioningPipeline.SetBroker(broker)

	terminationPipeline := termination.New(store, fsm, b, resolver, termination.Config{
		StepRetries: cfg.StepRetries,
	})
	terminationPipeline.SetBroker(broker)

	dispatch := dispatcher.New(b, cfg.MaxInflightCommands)
	dispatch.On(bus.CmdProvision, provisioningPipeline.Run)
	dispatch.On(bus.CmdTerminate, terminationPipeline.Run)
	// CMD:REINSTALL and CMD:SYNC_CATALOG have no handler yet; the dispatcher
	// logs and skips envelopes of a type with nothing registered.

	go dispatch.Run(ctx)
	metrics.RegisterComponent("dispatcher", true, "running")

	healthCheckJob := jobs.NewHealthCheckJob(store, fsm, jobs.HealthCheckConfig{
		BatchSize:           100,
		StaleThreshold:      time.Duration(cfg.StaleThresholdS) * time.Second,
		ReadyStaleThreshold: time.Duration(cfg.ReadyStaleThresholdS) * time.Second,
		BootingDeadline:     time.Duration(cfg.BootingDeadlineS) * time.Second,
		ModelLoadDeadline:   time.Duration(cfg.ModelLoadDeadlineS) * time.Second,
		ProbeTimeout:        5 * time.Second,
		WorkerAgentSHA256:   cfg.WorkerAgentSHA256,
	})
	watchdogJob := jobs.NewWatchdogJob(store, fsm, b, resolver, jobs.WatchdogConfig{
		BatchSize:    100,
		ProbeTimeout: 5 * time.Second,
	})
	volReconJob := jobs.NewVolumeReconciliationJob(store, resolver, jobs.VolReconConfig{BatchSize: 100})
	volReconJob.SetBroker(broker)
	requeueJob := jobs.NewRequeueJob(store, fsm, b, jobs.RequeueConfig{
		BatchSize:   100,
		After:       time.Duration(cfg.RequeueAfterS) * time.Second,
		MaxAttempts: cfg.RequeueMaxAttempts,
	})

	collector := metrics.NewCollector(store)

	runner := jobs.NewRunner()
	runner.Register("healthcheck", time.Duration(cfg.HealthCheckIntervalS)*time.Second, healthCheckJob.Tick)
	runner.Register("watchdog", time.Duration(cfg.WatchdogIntervalS)*time.Second, watchdogJob.Tick)
	runner.Register("volrecon", time.Duration(cfg.VolReconIntervalS)*time.Second, volReconJob.Tick)
	runner.Register("requeue", time.Duration(cfg.RequeueAfterS)*time.Second, requeueJob.Tick)
	runner.Register("metrics", 15*time.Second, collector.Tick)
	runner.Start(ctx)

	workerRegistry := worker.NewRegistry(store, worker.Config{
		HeartbeatMinInterval: time.Duration(cfg.HeartbeatMinIntervalS) * time.Second,
	})

	routingEngine := routing.NewEngine(store, routing.Config{
		StaleThreshold:  time.Duration(cfg.ReadyStaleThresholdS) * time.Second,
		ConnectTimeout:  time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond,
		ReadTimeout:     time.Duration(cfg.ReadTimeoutS) * time.Second,
		SSEIdleTimeout:  time.Duration(cfg.SSEIdleTimeoutS) * time.Second,
		RetryBudget:     cfg.RetryBudget,
		StrikeWindow:    time.Duration(cfg.StrikeWindowS) * time.Second,
		StrikeCooldown:  time.Duration(cfg.StrikeCooldownS) * time.Second,
	})

	apiServer := api.NewServer(workerRegistry, routingEngine, broker, api.Config{
		Addr:           cfg.HTTPAddr,
		AllowedOrigins: cfg.HTTPAllowedOrigins,
	})

	metrics.SetVersion(Version)
	metrics.RegisterComponent("api", true, "ready")

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	logger.Info().Str("addr", cfg.HTTPAddr).Msg("orchestrator running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server exited unexpectedly")
		}
	}

	cancel()
	runner.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownDrainS)*time.Second)
	defer shutdownCancel()
	dispatch.Drain(shutdownCtx)
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
