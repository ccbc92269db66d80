package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/maxxentropy/claudeops/internal/agent"
	"github.com/maxxentropy/claudeops/internal/config"
	"github.com/maxxentropy/claudeops/internal/locks"
	"github.com/maxxentropy/claudeops/internal/orchestrator"
	"github.com/maxxentropy/claudeops/internal/state"
	eventsmemory "github.com/maxxentropy/claudeops/pkg/adapters/events/memory"
	eventsredis "github.com/maxxentropy/claudeops/pkg/adapters/events/redis"
	"github.com/maxxentropy/claudeops/pkg/adapters/metrics/prometheus"
	storageredis "github.com/maxxentropy/claudeops/pkg/adapters/storage/redis"
	"github.com/maxxentropy/claudeops/pkg/api/http"
	"github.com/maxxentropy/claudeops/pkg/api/websocket"
	"github.com/maxxentropy/claudeops/pkg/domain"
	"github.com/maxxentropy/claudeops/pkg/ports"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting claudeops orchestrator",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("workspace", cfg.Workspace))

	// Optional Redis: event streaming and state mirroring for dashboards.
	var eventBus ports.EventBus
	var mirrors []ports.StateStore
	var redisClient *goredis.Client
	if cfg.Redis.Enabled {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

		eventBus = eventsredis.NewStreamsEventBus(
			redisClient,
			"claudeops-dashboards",
			fmt.Sprintf("claudeops-%d", os.Getpid()),
			logger,
		)
		mirrors = append(mirrors, storageredis.NewStore(redisClient, cfg.Redis.StateTTL, logger))
	} else {
		eventBus = eventsmemory.NewBus()
	}

	metricsCollector := prometheus.NewCollector()

	registry := locks.NewRegistry()
	coordinator, err := locks.NewCoordinator(registry, locks.CoordinatorConfig{
		LockDir:                 filepath.Join(cfg.Workspace, ".claudeops", "locks"),
		LockTimeout:             cfg.Locks.Timeout,
		RetryCount:              cfg.Locks.RetryCount,
		RetryDelay:              cfg.Locks.RetryDelay,
		DeadlockCheckInterval:   cfg.Locks.DeadlockCheckInterval,
		Resolution:              domain.ConflictResolution(cfg.Locks.ConflictResolution),
		EnableDeadlockDetection: cfg.Locks.EnableDeadlockDetection,
	}, metricsCollector, logger)
	if err != nil {
		logger.Fatal("failed to create lock coordinator", zap.Error(err))
	}
	coordinator.SetEventBus(eventBus)
	coordinator.Start()

	stateManager, err := state.NewManager(state.Config{
		FilePath:           cfg.State.FilePath,
		MaxBackups:         cfg.State.MaxBackups,
		CheckpointInterval: cfg.State.CheckpointInterval,
	}, logger, mirrors...)
	if err != nil {
		logger.Fatal("failed to create state manager", zap.Error(err))
	}

	spawner, err := agent.NewSpawner(agent.Config{
		Command:           cfg.Execution.AgentCommand,
		AgentsDir:         filepath.Join(cfg.Workspace, "agents"),
		MaxParallelAgents: cfg.Execution.MaxParallelAgents,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create agent spawner", zap.Error(err))
	}

	orch := orchestrator.New(cfg, spawner, coordinator, stateManager, eventBus, metricsCollector, logger)

	httpServer := http.NewServer(&http.Config{
		Port:         cfg.HTTPPort,
		Orchestrator: orch,
		Coordinator:  coordinator,
		Logger:       logger,
	})
	httpServer.SetupWebSocket(websocket.NewHandler(eventBus, logger))

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Old agent directories pile up across runs; sweep them in the
	// background.
	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(cfg.Execution.StaleAgentMaxAge / 2)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupCtx.Done():
				return
			case <-ticker.C:
				if n := spawner.CleanupStaleAgents(cfg.Execution.StaleAgentMaxAge); n > 0 {
					logger.Info("cleaned up stale agents", zap.Int("count", n))
				}
			}
		}
	}()

	logger.Info("claudeops orchestrator started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("max_parallel_agents", cfg.Execution.MaxParallelAgents))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if orch.IsRunning() {
		if err := orch.Stop(); err != nil {
			logger.Error("orchestrator stop error", zap.Error(err))
		}
		// Give the wave loop a moment to checkpoint and cancel phases.
		deadline := time.Now().Add(10 * time.Second)
		for orch.IsRunning() && time.Now().Before(deadline) {
			time.Sleep(200 * time.Millisecond)
		}
	}

	cancelCleanup()
	spawner.TerminateAll(true)
	spawner.Close()
	coordinator.Stop()
	stateManager.Stop()

	if err := eventBus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}

	logger.Info("claudeops orchestrator shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
