package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/scribeworks/transcribe-be/internal/api/handler"
	"github.com/scribeworks/transcribe-be/internal/api/router"
	"github.com/scribeworks/transcribe-be/internal/artifact"
	"github.com/scribeworks/transcribe-be/internal/backend"
	"github.com/scribeworks/transcribe-be/internal/backend/replicate"
	"github.com/scribeworks/transcribe-be/internal/backend/whisperx"
	"github.com/scribeworks/transcribe-be/internal/config"
	"github.com/scribeworks/transcribe-be/internal/engine"
	"github.com/scribeworks/transcribe-be/internal/events"
	"github.com/scribeworks/transcribe-be/internal/quota"
	"github.com/scribeworks/transcribe-be/internal/storage"
	"github.com/scribeworks/transcribe-be/internal/upload"
	"github.com/scribeworks/transcribe-be/shared/logger"
	"github.com/scribeworks/transcribe-be/shared/postgresql"
	"github.com/scribeworks/transcribe-be/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("backend", cfg.Backend.Provider),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		dbClient.Close()
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	store := storage.NewStore(dbClient, appLogger.Logger)

	uploads, err := upload.NewStore(cfg.Storage.UploadDir, cfg.Storage.PublicBaseURL, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize upload store: %w", err)
	}

	artifacts, err := artifact.NewStore(cfg.Storage.ArtifactDir, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	loc := time.UTC
	if cfg.Quota.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Quota.Timezone)
		if err != nil {
			return fmt.Errorf("invalid quota timezone: %w", err)
		}
	}
	ledger := quota.NewLedger(store, cfg.Quota.MonthlyLimitBytes, loc, appLogger.Logger)

	predictionBackend, err := initBackend(&cfg.Backend, appLogger.Logger)
	if err != nil {
		return err
	}

	publisher := events.NewPublisher(rabbitClient, appLogger.Logger)

	eng := engine.New(&engine.Config{
		Store:           store,
		Artifacts:       artifacts,
		Uploads:         uploads,
		Backend:         predictionBackend,
		Publisher:       publisher,
		CallbackBaseURL: cfg.Backend.CallbackBaseURL,
		SubmitTimeout:   cfg.Backend.SubmitTimeout,
		Logger:          appLogger.Logger,
	})

	r := initRouter(cfg, appLogger.Logger, eng, predictionBackend, ledger, store, uploads, artifacts)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer func() {
		cancel()
		dbClient.Close()
		rabbitClient.Close()
	}()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}

// initBackend selects the prediction backend adapter for this deployment.
func initBackend(cfg *config.BackendConfig, logger *slog.Logger) (backend.Backend, error) {
	switch cfg.Provider {
	case config.ProviderReplicate:
		token := cfg.Replicate.Token
		if token == "" {
			token = os.Getenv("REPLICATE_API_TOKEN")
		}
		return replicate.New(replicate.Config{
			Token:   token,
			Model:   cfg.Replicate.Model,
			APIURL:  cfg.Replicate.APIURL,
			Timeout: cfg.SubmitTimeout,
		}, logger), nil
	case config.ProviderWhisperx:
		return whisperx.New(whisperx.Config{
			BaseURL: cfg.Whisperx.BaseURL,
			Model:   cfg.Whisperx.Model,
			Timeout: cfg.SubmitTimeout,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend provider: %q", cfg.Provider)
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(
	cfg *config.Config,
	logger *slog.Logger,
	eng *engine.Engine,
	predictionBackend backend.Backend,
	ledger *quota.Ledger,
	store *storage.Store,
	uploads *upload.Store,
	artifacts *artifact.Store,
) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger:          logger,
		Engine:          eng,
		Backend:         predictionBackend,
		Ledger:          ledger,
		Store:           store,
		Uploads:         uploads,
		Artifacts:       artifacts,
		MaxFileSize:     cfg.Quota.MaxFileSizeBytes,
		DefaultLanguage: cfg.App.Language,
	})
}
