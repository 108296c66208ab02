package engine

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/backoff"
	"github.com/QualityUnit/rewind/ext"
	"github.com/QualityUnit/rewind/middleware"
	"github.com/QualityUnit/rewind/observability"
	"github.com/QualityUnit/rewind/queue"
	"github.com/QualityUnit/rewind/store"
	"github.com/QualityUnit/rewind/worker"
	"github.com/QualityUnit/rewind/workflow"
)

const instrumentationName = "github.com/QualityUnit/rewind/engine"

// Engine is the workflow runtime: it owns the workflow registry, the
// persistence backend, the worker pool that delivers dispatch tasks,
// and the extension registry that observes run lifecycle transitions.
//
// One Engine serves one process. Multiple processes sharing a backend
// form a cluster: any worker can pick up any run, because every
// invocation rebuilds run state from the event log.
type Engine struct {
	cfg        rewind.Config
	logger     *slog.Logger
	store      store.Store
	registry   *workflow.Registry
	extensions *ext.Registry
	queues     *queue.Manager
	pool       *worker.Pool
	backoff    backoff.Strategy
	runtime    Runtime

	meter  metric.Meter
	tracer trace.Tracer

	hookSweepInterval time.Duration
	stopCh            chan struct{}
	started           bool

	// collected by options, materialized in New
	pendingExts []ext.Extension
	extraMW     []middleware.Middleware
	queueCfgs   []queue.Config
	noMetrics   bool
	local       bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the persistence backend. Required.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithConfig sets the worker pool configuration.
func WithConfig(cfg rewind.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithExtension registers a lifecycle extension.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.pendingExts = append(e.pendingExts, x) }
}

// WithMiddleware appends task middleware to the default chain
// (recover, tracing, metrics, logging, timeout).
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(e *Engine) { e.extraMW = append(e.extraMW, mws...) }
}

// WithBackoff sets the task delivery retry strategy. This covers
// infrastructure failures only; step retries configure their own
// backoff per step.
func WithBackoff(s backoff.Strategy) Option {
	return func(e *Engine) { e.backoff = s }
}

// WithQueueConfig declares per-queue concurrency and rate limits.
func WithQueueConfig(cfgs ...queue.Config) Option {
	return func(e *Engine) { e.queueCfgs = append(e.queueCfgs, cfgs...) }
}

// WithMeterProvider sets the OpenTelemetry meter provider used by the
// metrics middleware and the built-in metrics extension. Defaults to
// the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meter = mp.Meter(instrumentationName) }
}

// WithTracerProvider sets the OpenTelemetry tracer provider used by the
// tracing middleware. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(instrumentationName) }
}

// WithoutMetrics disables the built-in metrics extension.
func WithoutMetrics() Option {
	return func(e *Engine) { e.noMetrics = true }
}

// WithHookSweepInterval sets how often the engine scans for expired
// hooks. Defaults to 30 seconds.
func WithHookSweepInterval(d time.Duration) Option {
	return func(e *Engine) { e.hookSweepInterval = d }
}

// WithLocalRuntime executes durable runs synchronously on the calling
// goroutine instead of dispatching them through the task queue. A
// suspended run is persisted with its wake time but no wake-up task is
// scheduled; Resume, DeliverHook, and the hook expiry sweep re-invoke
// it, also on the caller's goroutine. StartRaw then returns only after
// the run has settled or suspended — inspect the run's Status rather
// than assuming it is pending. Intended for embedded single-process
// setups and tests. The default is the distributed runtime.
func WithLocalRuntime() Option {
	return func(e *Engine) { e.local = true }
}

// New creates an Engine. The store is the only required dependency.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:               rewind.DefaultConfig(),
		logger:            slog.Default(),
		registry:          workflow.NewRegistry(),
		backoff:           backoff.DefaultStrategy(),
		hookSweepInterval: 30 * time.Second,
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		return nil, rewind.ErrNoStore
	}
	if e.local {
		e.runtime = &localRuntime{e: e}
	} else {
		e.runtime = &distributedRuntime{e: e}
	}

	e.extensions = ext.NewRegistry(e.logger)
	if !e.noMetrics {
		if e.meter != nil {
			e.extensions.Register(observability.NewMetricsExtensionWithMeter(e.meter))
		} else {
			e.extensions.Register(observability.NewMetricsExtension())
		}
	}
	for _, x := range e.pendingExts {
		e.extensions.Register(x)
	}

	e.queues = queue.NewManager(e.queueCfgs...)

	mws := []middleware.Middleware{middleware.Recover(e.logger)}
	if e.tracer != nil {
		mws = append(mws, middleware.TracingWithTracer(e.tracer))
	} else {
		mws = append(mws, middleware.Tracing())
	}
	if !e.noMetrics {
		if e.meter != nil {
			mws = append(mws, middleware.MetricsWithMeter(e.meter))
		} else {
			mws = append(mws, middleware.Metrics())
		}
	}
	mws = append(mws, middleware.Logging(e.logger), middleware.Timeout(e.logger))
	mws = append(mws, e.extraMW...)

	executor := worker.NewExecutor(e, e.store, e.backoff, e.logger, mws...)
	e.pool = worker.NewPool(e.store, executor, e.logger,
		worker.WithPoolConcurrency(e.cfg.Concurrency),
		worker.WithPoolQueues(e.cfg.Queues),
		worker.WithPollInterval(e.cfg.PollInterval),
		worker.WithHeartbeatInterval(e.cfg.HeartbeatInterval),
		worker.WithStaleTaskThreshold(e.cfg.StaleTaskThreshold),
		worker.WithQueueManager(e.queues),
		worker.WithWorkerRegistry(e.store),
	)
	return e, nil
}

// Register adds a workflow definition. Definitions must be registered
// before any run of that workflow is started or resumed by this
// process.
func (e *Engine) Register(defs ...*workflow.Definition) error {
	for _, def := range defs {
		if err := e.registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Workflows returns the names of all registered workflows.
func (e *Engine) Workflows() []string { return e.registry.List() }

// Start launches the worker pool and background sweepers and resumes
// runs this process (or a crashed peer) left in flight. It returns
// immediately.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return err
	}
	if err := e.pool.Start(ctx); err != nil {
		return err
	}
	e.started = true

	go e.hookSweepLoop()
	if err := e.recoverInFlight(ctx); err != nil {
		e.logger.Warn("startup recovery sweep failed", "error", err)
	}

	e.logger.Info("engine started",
		"worker_id", e.pool.WorkerID(),
		"queues", e.cfg.Queues,
		"concurrency", e.cfg.Concurrency,
	)
	return nil
}

// Stop gracefully shuts down the worker pool and notifies extensions.
// In-flight invocations get cfg.ShutdownTimeout to reach a suspension
// point or finish.
func (e *Engine) Stop(ctx context.Context) error {
	if e.started {
		close(e.stopCh)
		e.started = false
	}
	if e.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()
	}
	err := e.pool.Stop(ctx)
	e.extensions.EmitShutdown(ctx)
	e.logger.Info("engine stopped")
	return err
}

// Store returns the persistence backend.
func (e *Engine) Store() store.Store { return e.store }

// Extensions returns the extension registry.
func (e *Engine) Extensions() *ext.Registry { return e.extensions }

// Queues returns the queue manager.
func (e *Engine) Queues() *queue.Manager { return e.queues }

// Pool returns the worker pool.
func (e *Engine) Pool() *worker.Pool { return e.pool }

// hookSweepLoop periodically expires pending hooks whose deadline has
// passed and schedules the owning runs for resumption.
func (e *Engine) hookSweepLoop() {
	ticker := time.NewTicker(e.hookSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.hookSweepInterval)
			n, err := e.ExpireHooks(ctx, time.Now().UTC())
			cancel()
			if err != nil {
				e.logger.Warn("hook expiry sweep failed", "error", err)
			} else if n > 0 {
				e.logger.Info("expired hooks", "count", n)
			}
		}
	}
}

// recoverInFlight schedules a resume task for every run stranded in the
// running state, typically by a crash of a previous process. Resuming a
// healthy run is harmless: the invocation guard treats a live run as an
// interruption only after its task lease has gone stale and been
// reaped, so duplicates settle as no-ops.
func (e *Engine) recoverInFlight(ctx context.Context) error {
	runs, err := e.store.ListRuns(ctx, workflow.RunFilter{Status: workflow.StatusRunning})
	if err != nil {
		return err
	}
	interrupted, err := e.store.ListRuns(ctx, workflow.RunFilter{Status: workflow.StatusInterrupted})
	if err != nil {
		return err
	}
	runs = append(runs, interrupted...)
	for _, run := range runs {
		if err := e.enqueueResume(ctx, run, time.Now().UTC()); err != nil {
			e.logger.Warn("failed to schedule recovery resume",
				"run_id", run.ID, "error", err)
		}
	}
	return nil
}
