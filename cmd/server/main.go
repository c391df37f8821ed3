package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/veridianops/assessd/internal/cache"
	"github.com/veridianops/assessd/internal/config"
	"github.com/veridianops/assessd/internal/crypto"
	handler "github.com/veridianops/assessd/internal/delivery/http"
	"github.com/veridianops/assessd/internal/delivery/http/middleware"
	"github.com/veridianops/assessd/internal/evaluator"
	"github.com/veridianops/assessd/internal/events"
	"github.com/veridianops/assessd/internal/processor"
	"github.com/veridianops/assessd/internal/repository/postgres"
	"github.com/veridianops/assessd/internal/retry"
	"github.com/veridianops/assessd/internal/store"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Starting assessd server")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Set Gin mode
	gin.SetMode(cfg.Server.GinMode)

	// Connect to PostgreSQL
	ctx := context.Background()
	dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Fatal("Failed to ping PostgreSQL", zap.Error(err))
	}
	if err := postgres.EnsureSchema(ctx, dbPool); err != nil {
		logger.Fatal("Failed to ensure database schema", zap.Error(err))
	}
	logger.Info("Connected to PostgreSQL")

	// Connect to Redis
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("Failed to parse Redis URL", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to ping Redis", zap.Error(err))
	}
	logger.Info("Connected to Redis")

	// Initialize RabbitMQ publisher
	pub, err := events.NewRabbitMQPublisher(cfg.RabbitMQ.URL, logger)
	if err != nil {
		logger.Fatal("Failed to initialize RabbitMQ publisher", zap.Error(err))
	}
	defer pub.Close()
	logger.Info("Connected to RabbitMQ")

	// Credentials-at-rest cipher
	cipher, err := crypto.New(cfg.Security.EncryptionKey)
	if err != nil {
		logger.Fatal("Failed to initialize field cipher", zap.Error(err))
	}

	// Initialize repositories
	assessmentRepo := postgres.NewAssessmentRepository(dbPool, cipher)
	auditRepo := postgres.NewAuditRepository(dbPool)

	// Assessment store with Redis read cache
	st := store.New(
		assessmentRepo,
		auditRepo,
		pub,
		cache.NewRedisCache(rdb, cfg.Server.CacheTTL),
		logger,
	)

	// Processor against the external evaluator
	eval := evaluator.NewHTTPEvaluator(cfg.Evaluator.URL, cfg.Evaluator.Timeout)
	proc := processor.New(st, eval, processor.Config{
		Retry: retry.Config{
			MaxAttempts: cfg.Evaluator.MaxRetries,
			BaseDelay:   cfg.Evaluator.RetryDelay,
			MaxDelay:    cfg.Evaluator.MaxDelay,
		},
		BatchWorkers: cfg.Evaluator.BatchWorker,
	}, logger)

	// Handlers
	assessmentHandler := handler.NewAssessmentHandler(st, proc, assessmentRepo, logger)
	streamHandler := handler.NewStreamHandler(st, logger)

	healthHandler := handler.NewHealthHandler(logger)
	healthHandler.AddCheck("postgres", dbPool.Ping)
	healthHandler.AddCheck("redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	healthHandler.AddCheck("rabbitmq", func(ctx context.Context) error {
		if !pub.Healthy() {
			return fmt.Errorf("publisher connection down")
		}
		return nil
	})
	healthHandler.SetPoolStats(func() handler.PoolStats {
		s := dbPool.Stat()
		return handler.PoolStats{
			Total:    s.TotalConns(),
			Idle:     s.IdleConns(),
			Acquired: s.AcquiredConns(),
			Max:      s.MaxConns(),
		}
	})

	var validator middleware.KeyValidator
	if len(cfg.Security.APIKeys) > 0 {
		validator = middleware.StaticKeys(cfg.Security.APIKeys...)
	}

	router := handler.NewRouter(assessmentHandler, streamHandler, healthHandler, logger, handler.RouterConfig{
		RateLimitRPS: cfg.Server.RateLimitRPS,
		RateBurst:    cfg.Server.RateBurst,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		KeyValidator: validator,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}
