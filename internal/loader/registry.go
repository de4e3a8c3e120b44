package loader

import (
	"context"
	"log/slog"

	"github.com/Amund211/urlloader/internal/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type taskState int

const (
	taskQueued taskState = iota
	taskRunning
	taskCompleted
	taskFailed
	taskCancelled
)

func (s taskState) String() string {
	switch s {
	case taskQueued:
		return "queued"
	case taskRunning:
		return "running"
	case taskCompleted:
		return "completed"
	case taskFailed:
		return "failed"
	case taskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s taskState) terminal() bool {
	return s == taskCompleted || s == taskFailed || s == taskCancelled
}

// waiter is the type-erased side of a Handle the registry fans results out to
type waiter interface {
	deliver(ctx context.Context, content []byte)
	fail(ctx context.Context, err error)
}

// task is the single in-flight fetch for a key
type task struct {
	key     string
	state   taskState
	waiters map[waiter]struct{}

	// Cancelled when the task is abandoned or reaches a terminal state
	ctx    context.Context
	cancel context.CancelFunc
}

type acquireKind int

const (
	acquireCacheHit acquireKind = iota
	acquireAttached
	acquireNewTask
)

func (k acquireKind) String() string {
	switch k {
	case acquireCacheHit:
		return "hit"
	case acquireAttached:
		return "attached"
	case acquireNewTask:
		return "miss"
	default:
		return "unknown"
	}
}

type acquireResult struct {
	kind    acquireKind
	content []byte
}

// acquire serves key from the cache, attaches w to the in-flight task for key,
// or creates and enqueues a new task with w attached.
//
// The whole sequence runs under l.mu, as does the cache write in finish, so two
// acquires for the same key can never both create a task.
func (l *Loader) acquire(ctx context.Context, key string, w waiter) (acquireResult, error) {
	result, err := l.acquireLocked(key, w)
	if err != nil {
		return acquireResult{}, err
	}

	l.metrics.lookupCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result.kind.String()),
	))
	logging.FromContext(ctx).DebugContext(ctx, "Acquired key", slog.String("result", result.kind.String()))

	return result, nil
}

func (l *Loader) acquireLocked(key string, w waiter) (acquireResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return acquireResult{}, ErrLoaderClosed
	}

	if content, ok := l.cache.Get(key); ok {
		return acquireResult{kind: acquireCacheHit, content: content}, nil
	}

	if t, ok := l.tasks[key]; ok && !t.state.terminal() {
		t.waiters[w] = struct{}{}
		return acquireResult{kind: acquireAttached}, nil
	}

	taskCtx, cancel := context.WithCancel(l.ctx)
	t := &task{
		key:     key,
		state:   taskQueued,
		waiters: map[waiter]struct{}{w: {}},
		ctx:     taskCtx,
		cancel:  cancel,
	}
	l.tasks[key] = t

	if !l.queue.push(t) {
		// Unreachable while closed is checked above, but never leave a task behind
		delete(l.tasks, key)
		cancel()
		return acquireResult{}, ErrLoaderClosed
	}

	return acquireResult{kind: acquireNewTask}, nil
}

// detach removes w from the task for key. When the last waiter leaves, the task
// is cancelled and removed from the registry so the next request starts over.
func (l *Loader) detach(ctx context.Context, key string, w waiter) {
	l.mu.Lock()
	t, ok := l.tasks[key]
	if !ok {
		l.mu.Unlock()
		return
	}
	if _, attached := t.waiters[w]; !attached {
		// Already delivered, or attached to a task that has since finished
		l.mu.Unlock()
		return
	}

	delete(t.waiters, w)
	if len(t.waiters) > 0 {
		l.mu.Unlock()
		return
	}

	previousState := t.state
	t.state = taskCancelled
	delete(l.tasks, key)
	l.mu.Unlock()

	t.cancel()

	logging.FromContext(ctx).InfoContext(ctx, "Cancelled fetch task with no remaining handles",
		slog.String("previousState", previousState.String()),
	)
}
