package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/businessdeveloper69/agyc/internal/config"
	"github.com/businessdeveloper69/agyc/internal/dispatcher"
	eventsmemory "github.com/businessdeveloper69/agyc/pkg/adapters/events/memory"
	eventsredis "github.com/businessdeveloper69/agyc/pkg/adapters/events/redis"
	historymemory "github.com/businessdeveloper69/agyc/pkg/adapters/history/memory"
	historyredis "github.com/businessdeveloper69/agyc/pkg/adapters/history/redis"
	"github.com/businessdeveloper69/agyc/pkg/adapters/metrics/prometheus"
	"github.com/businessdeveloper69/agyc/pkg/adapters/session"
	"github.com/businessdeveloper69/agyc/pkg/api/grpc"
	"github.com/businessdeveloper69/agyc/pkg/api/http"
	"github.com/businessdeveloper69/agyc/pkg/api/websocket"
	"github.com/businessdeveloper69/agyc/pkg/ports"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting AGYC dispatcher",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	roster, err := config.LoadRoster(cfg.RosterFile)
	if err != nil {
		logger.Fatal("failed to load roster", zap.Error(err))
	}

	// Initialize Redis client only when a backend needs it
	ctx := context.Background()
	var redisClient *goredis.Client
	if cfg.HistoryBackend == "redis" || cfg.EventsBackend == "redis" {
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
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	// Initialize adapters
	var eventBus ports.EventBus
	if cfg.EventsBackend == "redis" {
		eventBus, err = eventsredis.NewStreamsEventBus(
			redisClient,
			"agyc-dispatchers",
			fmt.Sprintf("agyc-%d", os.Getpid()),
			logger,
		)
		if err != nil {
			logger.Fatal("failed to create event bus", zap.Error(err))
		}
	} else {
		eventBus = eventsmemory.NewEventBus()
	}

	var history ports.HistoryStore
	if cfg.HistoryBackend == "redis" {
		history = historyredis.NewHistoryStore(redisClient, cfg.HistoryTTL, logger)
	} else {
		history = historymemory.NewHistoryStore(0)
	}

	metricsCollector := prometheus.NewCollector()

	// Build one session per roster entry
	sessions := make([]dispatcher.WorkerSession, 0, len(roster.Workers))
	for _, wc := range roster.Workers {
		sess, err := session.New(&session.Config{
			WorkerID:      wc.ID,
			Backend:       wc.Backend,
			Logger:        logger,
			StateDir:      wc.StateDir,
			StartCommand:  wc.StartCommand,
			HealthCommand: wc.HealthCommand,
			TaskCommand:   wc.TaskCommand,
			Env:           wc.Env,
			Model:         wc.Model,
			APIKey:        wc.APIKey,
		})
		if err != nil {
			logger.Fatal("failed to create session",
				zap.String("worker_id", wc.ID),
				zap.Error(err))
		}
		sessions = append(sessions, dispatcher.WorkerSession{
			Spec: dispatcher.WorkerSpec{
				ID:               wc.ID,
				ConcurrencyLimit: wc.ConcurrencyLimit,
				RoutingWeight:    wc.RoutingWeight,
			},
			Session: sess,
		})
	}

	disp, err := dispatcher.New(
		dispatcher.Config{
			MaxQueueSize:        roster.Dispatcher.MaxQueueSize,
			WorkerQueueSize:     roster.Dispatcher.WorkerQueueSize,
			DefaultPolicy:       roster.Dispatcher.DefaultPolicy,
			DegradedThreshold:   roster.Dispatcher.DegradedThreshold,
			UnhealthyThreshold:  roster.Dispatcher.UnhealthyThreshold,
			ProbeInterval:       roster.Dispatcher.ProbeInterval,
			RecoveryRampSteps:   roster.Dispatcher.RecoveryRampSteps,
			MaxDispatchAttempts: roster.Dispatcher.MaxDispatchAttempts,
			DispatchRetryDelay:  roster.Dispatcher.DispatchRetryDelay,
			TaskTimeout:         roster.Dispatcher.TaskTimeout,
			Redispatch: dispatcher.RedispatchConfig{
				Enabled:     roster.Dispatcher.Redispatch.Enabled,
				MaxAttempts: roster.Dispatcher.Redispatch.MaxAttempts,
			},
		},
		sessions,
		eventBus,
		history,
		metricsCollector,
		logger,
	)
	if err != nil {
		logger.Fatal("failed to create dispatcher", zap.Error(err))
	}

	if err := disp.Start(ctx); err != nil {
		logger.Fatal("failed to start dispatcher", zap.Error(err))
	}

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:       cfg.HTTPPort,
		Dispatcher: disp,
		History:    history,
		Logger:     logger,
	})

	// Add WebSocket handler to HTTP server
	wsHandler := websocket.NewHandler(eventBus, logger)
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:       cfg.GRPCPort,
		Dispatcher: disp,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("AGYC dispatcher started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("workers", len(roster.Workers)))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Shutdown components
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	if err := disp.Shutdown(shutdownCtx); err != nil {
		logger.Error("dispatcher shutdown error", zap.Error(err))
	}

	if err := eventBus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}

	logger.Info("AGYC dispatcher shut down complete")
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
