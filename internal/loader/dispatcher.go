package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/Amund211/urlloader/internal/domain"
	"github.com/Amund211/urlloader/internal/logging"
	"github.com/Amund211/urlloader/internal/reporting"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// dispatch hands every queued task to its own goroutine. The goroutines wait
// for a concurrency slot, so the loop never holds up unrelated keys.
func (l *Loader) dispatch() {
	defer close(l.loopDone)

	for {
		t, ok := l.queue.pop()
		if !ok {
			return
		}

		l.workers.Add(1)
		go func() {
			defer l.workers.Done()
			l.process(t)
		}()
	}
}

func (l *Loader) process(t *task) {
	ctx := logging.AddMetaToContext(t.ctx, slog.String("key", t.key))
	ctx = reporting.AddResourceToContext(ctx, t.key)

	if err := l.slots.Acquire(t.ctx, 1); err != nil {
		// Either every handle detached while we waited, or the loader is shutting down
		l.abandon(ctx, t)
		return
	}
	defer l.slots.Release(1)

	if !l.start(t) {
		l.recordOutcome(ctx, taskCancelled)
		logging.FromContext(ctx).InfoContext(ctx, "Skipping fetch for cancelled task")
		return
	}

	content, err := l.fetch(ctx, t.key)
	l.finish(ctx, t, content, err)
}

func (l *Loader) start(t *task) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t.state != taskQueued {
		return false
	}
	t.state = taskRunning
	return true
}

func (l *Loader) fetch(ctx context.Context, key string) (content []byte, err error) {
	if l.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.fetchTimeout)
		defer cancel()
	}

	ctx, span := l.tracer.Start(ctx, "Loader.fetch", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	l.metrics.inflightFetches.Add(ctx, 1)
	defer l.metrics.inflightFetches.Add(ctx, -1)

	start := time.Now()
	defer func() {
		l.metrics.fetchDuration.Record(ctx, time.Since(start).Seconds())
	}()

	defer func() {
		if r := recover(); r != nil {
			content = nil
			err = fmt.Errorf("%w: %v", ErrFetchPanicked, r)
			reporting.Report(ctx, err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return l.fetcher.Fetch(ctx, key)
}

// finish moves a running task to its terminal state and notifies its handles
func (l *Loader) finish(ctx context.Context, t *task, content []byte, err error) {
	logger := logging.FromContext(ctx)

	l.mu.Lock()
	if t.state == taskCancelled {
		// detach already removed the task from the registry
		l.mu.Unlock()
		l.recordOutcome(ctx, taskCancelled)
		logger.InfoContext(ctx, "Discarding result of cancelled fetch", slog.Bool("failed", err != nil))
		return
	}

	if l.tasks[t.key] == t {
		delete(l.tasks, t.key)
	}
	waiters := slices.Collect(maps.Keys(t.waiters))

	if err != nil {
		t.state = taskFailed
		l.mu.Unlock()
		t.cancel()

		if l.ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ErrLoaderClosed, err)
		}

		l.recordOutcome(ctx, taskFailed)
		logFetchFailure(ctx, err, len(waiters))

		for _, w := range waiters {
			w.fail(ctx, err)
		}
		return
	}

	t.state = taskCompleted
	l.cache.Put(t.key, content)
	l.mu.Unlock()
	t.cancel()

	l.recordOutcome(ctx, taskCompleted)
	logger.InfoContext(ctx, "Fetched content",
		slog.Int("bytes", len(content)),
		slog.Int("handles", len(waiters)),
	)

	for _, w := range waiters {
		w.deliver(ctx, content)
	}
}

// abandon handles a task that never got a concurrency slot
func (l *Loader) abandon(ctx context.Context, t *task) {
	l.mu.Lock()
	if t.state == taskCancelled {
		l.mu.Unlock()
		l.recordOutcome(ctx, taskCancelled)
		logging.FromContext(ctx).InfoContext(ctx, "Cancelled task before fetching")
		return
	}

	if l.tasks[t.key] == t {
		delete(l.tasks, t.key)
	}
	t.state = taskFailed
	waiters := slices.Collect(maps.Keys(t.waiters))
	l.mu.Unlock()
	t.cancel()

	l.recordOutcome(ctx, taskFailed)
	logging.FromContext(ctx).InfoContext(ctx, "Dropping queued task on shutdown", slog.Int("handles", len(waiters)))

	for _, w := range waiters {
		w.fail(ctx, ErrLoaderClosed)
	}
}

func (l *Loader) recordOutcome(ctx context.Context, state taskState) {
	l.metrics.fetchCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", state.String()),
	))
}

func logFetchFailure(ctx context.Context, err error, handles int) {
	logger := logging.FromContext(ctx)
	attrs := []any{
		slog.String("error", err.Error()),
		slog.Int("handles", handles),
	}

	switch {
	case errors.Is(err, domain.ErrResourceNotFound), errors.Is(err, ErrLoaderClosed):
		logger.InfoContext(ctx, "Fetch failed", attrs...)
	default:
		// NOTE: Fetcher implementations handle their own error reporting
		logger.WarnContext(ctx, "Fetch failed", attrs...)
	}
}
