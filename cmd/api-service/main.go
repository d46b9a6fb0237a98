package main

import (
	"context"
	"errors"
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
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/msgroute/internal/api/handler"
	"github.com/cuongbtq/msgroute/internal/api/router"
	"github.com/cuongbtq/msgroute/internal/api/storage"
	"github.com/cuongbtq/msgroute/internal/config"
	"github.com/cuongbtq/msgroute/internal/metrics"
	"github.com/cuongbtq/msgroute/internal/scheduler"
	"github.com/cuongbtq/msgroute/internal/storage/postgres"
	"github.com/cuongbtq/msgroute/shared/logger"
	"github.com/cuongbtq/msgroute/shared/postgresql"
	"github.com/cuongbtq/msgroute/shared/rabbitmq"
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

	appLogger, err := logger.New(cfg.Logging.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := postgresql.NewClient(cfg.Database.ClientConfig(), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if cfg.Database.Migrate {
		if err := dbClient.Migrate(context.Background(), postgres.Schema); err != nil {
			_ = dbClient.Close()
			return err
		}
	}
	appLogger.Info("Database connection established")

	rabbitClient, err := rabbitmq.NewClient(cfg.RabbitMQ.ClientConfig(), appLogger.Logger)
	if err != nil {
		_ = dbClient.Close()
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	appLogger.Info("RabbitMQ connection established")

	cleanup := func() error {
		var result *multierror.Error
		if err := rabbitClient.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := dbClient.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		return result.ErrorOrNil()
	}
	defer func() {
		if err := cleanup(); err != nil {
			appLogger.Error("Failed to release resources", slog.String("error", err.Error()))
		}
	}()

	r := initRouter(cfg, appLogger.Logger, dbClient, rabbitClient)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server",
			slog.String("signal", sig.String()),
		)
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.String("error", err.Error()),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, dbClient *postgresql.Client, rabbitClient *rabbitmq.Client) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	deps := &handler.Dependencies{
		Logger:   logger,
		Storage:  storage.NewStorage(dbClient.GetDB()),
		Notifier: &scheduler.QueueNotifier{Publisher: rabbitClient},
		RuleSets: postgres.NewRuleSetSource(dbClient.GetDB(), cfg.Router.RuleSet),
		Metrics:  metrics.NewRecorder().Handler(),
	}
	return router.SetupRouter(deps)
}
