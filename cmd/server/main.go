package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/kaifmc11/Task-Management-System/internal/attachment"
	"github.com/kaifmc11/Task-Management-System/internal/auth"
	"github.com/kaifmc11/Task-Management-System/internal/cfg"
	"github.com/kaifmc11/Task-Management-System/internal/chunkstore"
	"github.com/kaifmc11/Task-Management-System/internal/events"
	applog "github.com/kaifmc11/Task-Management-System/internal/logger"
	"github.com/kaifmc11/Task-Management-System/internal/middleware"
	"github.com/kaifmc11/Task-Management-System/internal/task"
)

// multipartOverhead задаёт запас на границы и служебные поля формы.
const multipartOverhead = 1 << 20

func main() {
	config, err := cfg.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := applog.New(config.LogMode)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(config, logger); err != nil {
		logger.Fatal("attachment service stopped", zap.Error(err))
	}
}

func run(config cfg.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	mongoClient, err := mongo.Connect(connectCtx, options.Client().ApplyURI(config.MongoURI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Warn("mongo disconnect error", zap.Error(err))
		}
	}()
	if err := mongoClient.Ping(connectCtx, nil); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}

	db := mongoClient.Database(config.MongoDatabase)
	tasks := task.NewRepository(db.Collection(config.MongoTasksCollection))
	if err := tasks.EnsureIndexes(connectCtx); err != nil {
		return fmt.Errorf("task indexes: %w", err)
	}

	store, err := newStore(config, db)
	if err != nil {
		return err
	}
	if err := store.EnsureIndexes(connectCtx); err != nil {
		return fmt.Errorf("store indexes: %w", err)
	}

	var redisClient *redis.Client
	if config.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
			DB:       0,
		})
		if err := redisClient.Ping(connectCtx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
	}

	publisher := events.NewNoopPublisher()
	if len(config.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(config.KafkaBrokers, config.KafkaTopic, logger)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("kafka writer close error", zap.Error(err))
		}
	}()

	authenticator := auth.NewAuthenticator([]byte(config.JWTSecret), redisClient, config.AuthCookieName, logger)
	service := attachment.NewService(store, tasks, publisher, logger, attachment.Options{
		MaxFileSize:       config.MaxFileSizeBytes,
		UploadConcurrency: config.UploadConcurrency,
	})
	handler := attachment.NewHandler(service, authenticator, config.MaxFileSizeBytes, config.MaxFilesPerRequest, logger)

	rateLimiter := middleware.NewRateLimiter(config.RateLimitRequests, config.RateLimitWindow)
	cors := middleware.NewCORS(middleware.CORSOptions{
		AllowedOrigins:   config.AllowedCORSOrigins,
		AllowCredentials: true,
	})
	bodyLimit := config.MaxFileSizeBytes*int64(config.MaxFilesPerRequest) + multipartOverhead

	server := &http.Server{
		Addr: ":" + config.HTTPPort,
		Handler: middleware.Chain(handler.Routes(),
			middleware.RequestID,
			middleware.Logging(logger),
			middleware.Metrics,
			middleware.SecurityHeaders,
			cors,
			rateLimiter.Middleware,
			middleware.RequestSizeLimit(bodyLimit),
		),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	sweeper := attachment.NewSweeper(store, tasks, config.SweepInterval, config.SweepGracePeriod, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	go cleanupRateLimiter(ctx, rateLimiter, config.RateLimitWindow, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			zap.String("port", config.HTTPPort),
			zap.String("backend", config.BlobBackend),
		)
		if err := server.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), config.ShutdownGracePeriod)
	defer cancelShutdown()

	return server.Shutdown(shutdownCtx)
}

func newStore(config cfg.Config, db *mongo.Database) (chunkstore.Store, error) {
	switch config.BlobBackend {
	case cfg.BackendMinio:
		store, err := chunkstore.NewMinio(chunkstore.MinioConfig{
			Endpoint:  config.MinioEndpoint,
			AccessKey: config.MinioAccessKey,
			SecretKey: config.MinioSecretKey,
			UseSSL:    config.MinioUseSSL,
			Bucket:    config.MinioBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("init minio: %w", err)
		}
		return store, nil
	case cfg.BackendMemory:
		return chunkstore.NewMemory(config.GridFSChunkSize), nil
	default:
		store, err := chunkstore.NewGridFS(db, config.GridFSBucket, config.GridFSChunkSize)
		if err != nil {
			return nil, fmt.Errorf("init gridfs: %w", err)
		}
		return store, nil
	}
}

func cleanupRateLimiter(ctx context.Context, limiter *middleware.RateLimiter, window time.Duration, logger *zap.Logger) {
	if window <= 0 {
		return
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := limiter.Cleanup(); removed > 0 {
				logger.Debug("rate limiter windows expired", zap.Int("removed", removed))
			}
		}
	}
}
