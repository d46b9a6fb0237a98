package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"

	"github.com/cuongbtq/msgroute/internal/aggregation"
	"github.com/cuongbtq/msgroute/internal/config"
	"github.com/cuongbtq/msgroute/internal/dispatch"
	"github.com/cuongbtq/msgroute/internal/metrics"
	"github.com/cuongbtq/msgroute/internal/routing"
	"github.com/cuongbtq/msgroute/internal/scheduler"
	"github.com/cuongbtq/msgroute/internal/scheduler/domain"
	"github.com/cuongbtq/msgroute/internal/storage/bolt"
	"github.com/cuongbtq/msgroute/internal/storage/memory"
	"github.com/cuongbtq/msgroute/internal/storage/postgres"
	"github.com/cuongbtq/msgroute/internal/transform"
	"github.com/cuongbtq/msgroute/shared/logger"
	"github.com/cuongbtq/msgroute/shared/postgresql"
	"github.com/cuongbtq/msgroute/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// services are the collaborators of the worker selected by the storage backend
type services struct {
	backend      domain.Backend
	deliveries   scheduler.DeliverySource
	notifier     scheduler.Notifier
	dispatcher   routing.Dispatcher
	definitions  routing.DefinitionSource
	aggregations aggregation.Store
	closers      []io.Closer
}

// close releases resources in reverse order of acquisition
func (s *services) close() error {
	var result *multierror.Error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("ROUTER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/router-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateRouterConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(cfg.Logging.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting router service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("storage", cfg.Storage.Backend),
		slog.String("aggregation", cfg.Aggregation.Backend),
		slog.String("rules_source", cfg.Router.RulesSource),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Storage, broker and rule definitions
	svc, err := initServices(ctx, cfg, appLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.close(); err != nil {
			appLogger.Error("Failed to release resources", slog.String("error", err.Error()))
		}
	}()

	// Step 2: Document templates
	transformer := transform.New()
	if cfg.Router.TemplatesDir != "" {
		if err := transformer.LoadDir(cfg.Router.TemplatesDir); err != nil {
			return fmt.Errorf("failed to load templates: %w", err)
		}
		appLogger.Info("Templates loaded", slog.Any("templates", transformer.Names()))
	}

	// Step 3: Metrics
	recorder := metrics.NewRecorder()
	metricsServer := startMetricsServer(cfg, recorder, appLogger.Logger)

	workerID := cfg.Router.WorkerID
	if workerID == "" {
		workerID = cfg.RabbitMQ.Consumer.Tag
	}
	workerInstance := scheduler.NewWorker(&scheduler.Config{
		Logger:           appLogger.Component("scheduler"),
		Backend:          svc.backend,
		Deliveries:       svc.deliveries,
		Notifier:         svc.notifier,
		Definitions:      svc.definitions,
		Transformer:      transformer,
		Dispatcher:       svc.dispatcher,
		Recorder:         recorder,
		Aggregations:     svc.aggregations,
		AggregationTable: cfg.Aggregation.DefaultTable,
		Options:          cfg.Router.EngineOptions(),
		Plans:            cfg.Router.UsePlans,
		WorkerID:         workerID,
		UserID:           cfg.Router.UserID,
		Concurrency:      cfg.Router.Concurrency,
		PrefetchCount:    cfg.RabbitMQ.Consumer.PrefetchCount,
		MaxBackout:       cfg.Router.MaxBackout,
		JobTimeout:       cfg.Router.JobTimeout,
		ReloadInterval:   cfg.Router.ReloadInterval,
		NewID:            func() string { return ulid.Make().String() },
	})

	// Step 4: Start the worker
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Router service started successfully",
		slog.String("worker_id", workerID),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	var runErr error
wait:
	for {
		select {
		case sig := <-quit:
			if sig == syscall.SIGHUP {
				reload(ctx, workerInstance, appLogger.Logger)
				continue
			}
			appLogger.Info("Received signal, shutting down gracefully",
				slog.String("signal", sig.String()),
			)
			break wait
		case err := <-errChan:
			appLogger.Error("Worker error", slog.String("error", err.Error()))
			runErr = err
			break wait
		}
	}

	cancel()

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Metrics server forced to shutdown", slog.String("error", err.Error()))
		}
	}

	appLogger.Info("Router service shutdown complete")
	return runErr
}

// reload forces the schema to be rebuilt from the current definitions
func reload(ctx context.Context, w *scheduler.Worker, logger *slog.Logger) {
	logger.Info("Reload requested")
	w.Reloader().MarkDirty()
	go func() {
		if _, err := w.Reloader().Check(ctx); err != nil {
			logger.Error("Schema reload failed, keeping the current schema",
				slog.String("error", err.Error()),
			)
		}
	}()
}

func initServices(ctx context.Context, cfg *config.Config, appLogger *logger.Logger) (*services, error) {
	svc := &services{}
	var err error
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		err = initMemory(ctx, cfg, appLogger, svc)
	default:
		err = initPostgres(ctx, cfg, appLogger, svc)
	}
	if err == nil && cfg.Aggregation.Backend == config.BackendBolt {
		err = initBolt(cfg, appLogger, svc)
	}
	if err != nil {
		if closeErr := svc.close(); closeErr != nil {
			appLogger.Warn("Failed to release resources", slog.String("error", closeErr.Error()))
		}
		return nil, err
	}
	return svc, nil
}

func initPostgres(ctx context.Context, cfg *config.Config, appLogger *logger.Logger, svc *services) error {
	dbClient, err := postgresql.NewClient(cfg.Database.ClientConfig(), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	svc.closers = append(svc.closers, dbClient)
	if cfg.Database.Migrate {
		if err := dbClient.Migrate(ctx, postgres.Schema); err != nil {
			return err
		}
	}
	appLogger.Info("Database connection established")

	rabbitClient, err := rabbitmq.NewClient(cfg.RabbitMQ.ClientConfig(), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	svc.closers = append(svc.closers, rabbitClient)
	appLogger.Info("RabbitMQ connection established")

	backend := postgres.NewBackend(dbClient.GetDB(), appLogger.Component("storage"))
	svc.backend = backend
	svc.deliveries = rabbitClient
	svc.notifier = &scheduler.QueueNotifier{Publisher: rabbitClient}

	appID := cfg.RabbitMQ.Exitpoint.AppID
	if appID == "" {
		appID = cfg.App.Name
	}
	opts := []dispatch.Option{dispatch.WithAppID(appID)}
	if cfg.RabbitMQ.Exitpoint.Exchange != "" {
		opts = append(opts, dispatch.WithExchange(cfg.RabbitMQ.Exitpoint.Exchange))
	}
	svc.dispatcher = dispatch.NewRabbitDispatcher(rabbitClient, appLogger.Component("dispatch"), opts...)

	if cfg.Router.RulesSource == config.RulesSourcePostgres {
		svc.definitions = postgres.NewRuleSetSource(dbClient.GetDB(), cfg.Router.RuleSet)
	} else {
		svc.definitions = &routing.FileSource{Path: cfg.Router.RulesFile}
	}

	if cfg.RabbitMQ.Exitpoint.DeclareQueues {
		queues, err := queueDefinitions(ctx, svc.definitions, backend.Messages())
		if err != nil {
			return err
		}
		if err := declareExitpoints(rabbitClient, queues, appLogger.Logger); err != nil {
			return err
		}
	}
	return nil
}

// initMemory runs the router without a database or broker. Queue
// definitions come from the rules file and exitpoint sends are logged.
func initMemory(ctx context.Context, cfg *config.Config, appLogger *logger.Logger, svc *services) error {
	source := &routing.FileSource{Path: cfg.Router.RulesFile}
	defs, err := source.Load(ctx)
	if err != nil {
		return err
	}
	store := memory.New(defs.Queues...)

	svc.backend = store
	svc.definitions = source
	svc.dispatcher = dispatch.NewLogDispatcher(appLogger.Component("dispatch"))
	appLogger.Warn("Running with in-memory storage, state is lost on exit",
		slog.Int("queues", len(defs.Queues)),
	)
	return nil
}

func initBolt(cfg *config.Config, appLogger *logger.Logger, svc *services) error {
	store, err := bolt.Open(cfg.Aggregation.BoltPath)
	if err != nil {
		return fmt.Errorf("failed to open correlation cache: %w", err)
	}
	svc.closers = append(svc.closers, store)
	svc.aggregations = store
	appLogger.Info("Correlation cache opened", slog.String("path", cfg.Aggregation.BoltPath))
	return nil
}

func queueDefinitions(ctx context.Context, source routing.DefinitionSource, store routing.MessageStore) ([]routing.QueueDefinition, error) {
	defs, err := source.Load(ctx)
	if err != nil && !errors.Is(err, postgres.ErrRuleSetNotFound) {
		return nil, fmt.Errorf("failed to load definitions: %w", err)
	}
	if defs != nil && len(defs.Queues) > 0 {
		return defs.Queues, nil
	}
	queues, err := store.GetQueueDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue definitions: %w", err)
	}
	return queues, nil
}

// declareExitpoints makes sure every exitpoint queue exists on the broker
func declareExitpoints(client *rabbitmq.Client, queues []routing.QueueDefinition, logger *slog.Logger) error {
	declared := map[string]bool{}
	for _, q := range queues {
		if q.ExitpointDef == "" || declared[q.ExitpointDef] {
			continue
		}
		if err := client.DeclareQueue(q.ExitpointDef); err != nil {
			return err
		}
		declared[q.ExitpointDef] = true
	}
	logger.Info("Exitpoint queues declared", slog.Int("count", len(declared)))
	return nil
}

// startMetricsServer serves the Prometheus endpoint when enabled
func startMetricsServer(cfg *config.Config, recorder *metrics.Recorder, logger *slog.Logger) *http.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, recorder.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("Metrics endpoint started",
		slog.String("address", srv.Addr),
		slog.String("path", cfg.Metrics.Path),
	)
	return srv
}

