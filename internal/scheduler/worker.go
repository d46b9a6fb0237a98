package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/msgroute/internal/aggregation"
	"github.com/cuongbtq/msgroute/internal/routing"
	"github.com/cuongbtq/msgroute/internal/scheduler/domain"
)

// DeliverySource delivers job notifications
type DeliverySource interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Recorder observes jobs, actions, reloads and aggregation writes
type Recorder interface {
	routing.ActionRecorder
	aggregation.Recorder
	RecordJob(state string, duration time.Duration)
	RecordReload()
}

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Backend     domain.Backend
	Deliveries  DeliverySource
	Notifier    Notifier
	Definitions routing.DefinitionSource
	Transformer routing.DocumentTransformer
	Dispatcher  routing.Dispatcher
	Recorder    Recorder
	// Aggregations replaces the transactional aggregation store when set
	Aggregations     aggregation.Store
	AggregationTable string
	Options          routing.EngineOptions
	Plans            []string

	WorkerID       string
	UserID         string
	Concurrency    int
	PrefetchCount  int
	MaxBackout     int
	JobTimeout     time.Duration
	ReloadInterval time.Duration
	// RequeueDelay is the first wait before a failed job goes back to the
	// pool when there is no broker. It doubles with every requeue.
	RequeueDelay time.Duration

	NewID func() string
	Now   func() time.Time
}

// Worker runs routing jobs
type Worker struct {
	logger           *slog.Logger
	backend          domain.Backend
	deliveries       DeliverySource
	notifier         Notifier
	transformer      routing.DocumentTransformer
	dispatcher       routing.Dispatcher
	recorder         Recorder
	aggregations     aggregation.Store
	aggregationTable string

	workerID       string
	userID         string
	concurrency    int
	prefetchCount  int
	maxBackout     int
	jobTimeout     time.Duration
	reloadInterval time.Duration
	requeueDelay   time.Duration
	newID          func() string
	now            func() time.Time

	pool             *JobPool
	guard            *Guard
	reloader         *Reloader
	inflightJobs     *Registry[string, string]
	inflightMessages *Registry[string, string]

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

var errDeliveriesClosed = errors.New("job notification channel closed")

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:           cfg.Logger,
		backend:          cfg.Backend,
		deliveries:       cfg.Deliveries,
		notifier:         cfg.Notifier,
		transformer:      cfg.Transformer,
		dispatcher:       cfg.Dispatcher,
		recorder:         cfg.Recorder,
		aggregations:     cfg.Aggregations,
		aggregationTable: cfg.AggregationTable,
		workerID:         cfg.WorkerID,
		userID:           cfg.UserID,
		concurrency:      cfg.Concurrency,
		prefetchCount:    cfg.PrefetchCount,
		maxBackout:       cfg.MaxBackout,
		jobTimeout:       cfg.JobTimeout,
		reloadInterval:   cfg.ReloadInterval,
		requeueDelay:     cfg.RequeueDelay,
		newID:            cfg.NewID,
		now:              cfg.Now,
		guard:            NewGuard(),
		inflightJobs:     NewRegistry[string, string](),
		inflightMessages: NewRegistry[string, string](),
		stopChan:         make(chan struct{}),
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.recorder == nil {
		w.recorder = nopRecorder{}
	}
	if w.notifier == nil {
		// Without a broker runnable jobs go straight to this worker's pool
		if w.deliveries == nil {
			w.notifier = LocalNotifier(w)
		} else {
			w.notifier = NotifierFunc(func(context.Context, string) error { return nil })
		}
	}
	if w.workerID == "" {
		w.workerID = "router"
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}
	if w.prefetchCount < 1 {
		w.prefetchCount = w.concurrency
	}
	if w.maxBackout < 1 {
		w.maxBackout = domain.MaxBackout
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = 30 * time.Second
	}
	if w.reloadInterval <= 0 {
		w.reloadInterval = time.Minute
	}
	if w.requeueDelay <= 0 {
		w.requeueDelay = 100 * time.Millisecond
	}
	if w.now == nil {
		w.now = time.Now
	}
	w.pool = NewJobPool(w.prefetchCount)
	w.reloader = &Reloader{
		logger:   w.logger,
		source:   cfg.Definitions,
		backend:  w.backend,
		guard:    w.guard,
		notifier: w.notifier,
		recorder: w.recorder,
		options:  cfg.Options,
		plans:    cfg.Plans,
		newEnv:   w.newEnv,
		now:      w.now,
	}
	return w
}

// Reloader returns the schema monitor of the worker
func (w *Worker) Reloader() *Reloader {
	return w.reloader
}

// Start loads the schema and processes jobs until ctx is canceled or Stop
// is called
func (w *Worker) Start(ctx context.Context) error {
	w.wg.Add(1)
	defer w.wg.Done()

	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("reload_interval", w.reloadInterval),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Step 1: Load the initial schema
	if _, err := w.reloader.Check(ctx); err != nil {
		return fmt.Errorf("failed to load routing schema: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Step 2: Subscribe to job notifications
	if w.deliveries != nil {
		deliveries, err := w.setupConsumer(gctx)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return w.startMessageDispatcher(gctx, deliveries)
		})
	}

	// Step 3: Watch the cut-off-time markers and the rule set
	g.Go(func() error {
		w.reloader.Run(gctx, w.reloadInterval)
		return nil
	})

	// Step 4: Spawn the workers
	w.spawnWorkerPool(gctx, g)

	g.Go(func() error {
		<-gctx.Done()
		w.pool.Shutdown()
		return nil
	})

	err := g.Wait()
	w.requeueBuffered()
	w.logger.Info("Worker context canceled, stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// Submit queues a job notification that did not arrive through the
// delivery source
func (w *Worker) Submit(ctx context.Context, jobID string) error {
	return w.pool.Put(ctx, &domain.JobMessage{JobID: jobID})
}

// requeueBuffered returns notifications that never reached a worker
func (w *Worker) requeueBuffered() {
	for _, msg := range w.pool.Drain() {
		if msg.Ack == nil {
			continue
		}
		if err := msg.Ack.Nack(false, true); err != nil {
			w.logger.Error("Failed to NACK buffered message on shutdown",
				slog.String("job_id", msg.JobID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (w *Worker) newEnv(tx domain.Tx, config *routing.EngineConfig, jobs routing.JobWriter) *routing.Env {
	store := w.aggregations
	if store == nil {
		store = tx.Aggregations()
	}
	opts := []aggregation.Option{aggregation.WithRecorder(w.recorder)}
	if w.aggregationTable != "" {
		opts = append(opts, aggregation.WithDefaultTable(w.aggregationTable))
	}
	manager := aggregation.NewManager(store, w.logger, opts...)
	return &routing.Env{
		Store:       tx.Messages(),
		Aggregation: manager,
		Transformer: w.transformer,
		Dispatcher:  w.dispatcher,
		Jobs:        jobs,
		Config:      config,
		Logger:      w.logger,
		Recorder:    w.recorder,
		UserID:      w.userID,
		NewID:       w.newID,
		Now:         w.now,
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordAction(string, string) {}

func (nopRecorder) RecordAggregationWrite(string, string) {}

func (nopRecorder) RecordJob(string, time.Duration) {}

func (nopRecorder) RecordReload() {}
