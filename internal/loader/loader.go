package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Amund211/urlloader/internal/constants"
	"github.com/Amund211/urlloader/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

var (
	ErrAlreadySubmitted = errors.New("handle already submitted")
	ErrLoaderClosed     = errors.New("loader is closed")
	ErrTransformFailed  = errors.New("transform failed")
	ErrFetchPanicked    = errors.New("fetch panicked")
)

const defaultFetchTimeout = 30 * time.Second

type Fetcher interface {
	// Fetch returns the full content identified by key.
	//
	// Implementations should respect ctx, but the loader does not rely on it:
	// results arriving after the fetch was abandoned are discarded.
	Fetch(ctx context.Context, key string) ([]byte, error)
}

type ContentCache interface {
	Get(key string) ([]byte, bool)
	Put(key string, content []byte)
}

type loaderMetricsCollection struct {
	lookupCount     metric.Int64Counter
	fetchCount      metric.Int64Counter
	fetchDuration   metric.Float64Histogram
	inflightFetches metric.Int64UpDownCounter
}

func setupLoaderMetrics(meter metric.Meter) (loaderMetricsCollection, error) {
	lookupCount, err := meter.Int64Counter(
		"loader/lookup_count",
		metric.WithDescription("Submitted handles by how they were served"),
	)
	if err != nil {
		return loaderMetricsCollection{}, fmt.Errorf("failed to create lookup count metric: %w", err)
	}

	fetchCount, err := meter.Int64Counter(
		"loader/fetch_count",
		metric.WithDescription("Finished fetch tasks by outcome"),
	)
	if err != nil {
		return loaderMetricsCollection{}, fmt.Errorf("failed to create fetch count metric: %w", err)
	}

	fetchDuration, err := meter.Float64Histogram(
		"loader/fetch_duration_seconds",
		metric.WithDescription("Time spent in the fetcher"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return loaderMetricsCollection{}, fmt.Errorf("failed to create fetch duration metric: %w", err)
	}

	inflightFetches, err := meter.Int64UpDownCounter(
		"loader/inflight_fetches",
		metric.WithDescription("Fetches currently executing"),
	)
	if err != nil {
		return loaderMetricsCollection{}, fmt.Errorf("failed to create inflight fetches metric: %w", err)
	}

	return loaderMetricsCollection{
		lookupCount:     lookupCount,
		fetchCount:      fetchCount,
		fetchDuration:   fetchDuration,
		inflightFetches: inflightFetches,
	}, nil
}

type options struct {
	concurrencyLimit int64
	fetchTimeout     time.Duration
}

type Option func(*options)

// WithConcurrencyLimit bounds the number of simultaneous fetches
func WithConcurrencyLimit(limit int) Option {
	return func(o *options) {
		o.concurrencyLimit = int64(limit)
	}
}

// WithFetchTimeout sets a deadline for each fetch. 0 disables the deadline.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.fetchTimeout = timeout
	}
}

// Loader deduplicates requests for the same key into a single fetch, bounds the
// number of concurrent fetches and keeps fetched content in a cache.
//
// Create one with New and stop it with Shutdown.
type Loader struct {
	cache   ContentCache
	fetcher Fetcher

	concurrencyLimit int64
	fetchTimeout     time.Duration
	slots            *semaphore.Weighted

	// mu guards tasks, closed and the cache check-then-act in acquire/finish
	mu     sync.Mutex
	tasks  map[string]*task
	closed bool

	queue *taskQueue

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	workers  sync.WaitGroup

	metrics loaderMetricsCollection
	tracer  trace.Tracer
}

// New creates a loader and starts its dispatcher.
//
// The logger and Sentry hub in ctx are used for everything the loader does
// outside of a caller's goroutine.
func New(ctx context.Context, cache ContentCache, fetcher Fetcher, opts ...Option) (*Loader, error) {
	const name = "urlloader/loader"

	o := options{
		concurrencyLimit: constants.DEFAULT_CONCURRENCY_LIMIT,
		fetchTimeout:     defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.concurrencyLimit < 1 {
		return nil, fmt.Errorf("concurrency limit must be at least 1, got %d", o.concurrencyLimit)
	}
	if o.fetchTimeout < 0 {
		return nil, fmt.Errorf("fetch timeout must not be negative, got %s", o.fetchTimeout)
	}

	metrics, err := setupLoaderMetrics(otel.Meter(name))
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	loaderCtx, cancel := context.WithCancel(ctx)

	l := &Loader{
		cache:   cache,
		fetcher: fetcher,

		concurrencyLimit: o.concurrencyLimit,
		fetchTimeout:     o.fetchTimeout,
		slots:            semaphore.NewWeighted(o.concurrencyLimit),

		tasks: make(map[string]*task),
		queue: newTaskQueue(),

		ctx:      loaderCtx,
		cancel:   cancel,
		loopDone: make(chan struct{}),

		metrics: metrics,
		tracer:  otel.Tracer(name),
	}

	go l.dispatch()

	logging.FromContext(ctx).InfoContext(ctx, "Started loader",
		slog.Int64("concurrencyLimit", o.concurrencyLimit),
		slog.String("fetchTimeout", o.fetchTimeout.String()),
	)

	return l, nil
}

// Shutdown stops the dispatcher, aborts fetches in progress and fails every
// pending handle with ErrLoaderClosed.
//
// It returns once all fetch goroutines have exited, or with ctx's error if ctx
// is done first. Calling it more than once is a no-op.
func (l *Loader) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	logging.FromContext(l.ctx).InfoContext(ctx, "Shutting down loader")

	l.cancel()
	l.queue.close()

	workersDone := make(chan struct{})
	go func() {
		<-l.loopDone
		l.workers.Wait()
		close(workersDone)
	}()

	select {
	case <-workersDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("loader did not shut down in time: %w", ctx.Err())
	}
}

type Stats struct {
	// Tasks waiting for a concurrency slot
	Queued int
	// Tasks currently fetching
	Running int
	// Handles attached to unfinished tasks
	Waiting          int
	ConcurrencyLimit int
}

func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Stats{ConcurrencyLimit: int(l.concurrencyLimit)}
	for _, t := range l.tasks {
		switch t.state {
		case taskQueued:
			stats.Queued++
		case taskRunning:
			stats.Running++
		}
		stats.Waiting += len(t.waiters)
	}
	return stats
}
