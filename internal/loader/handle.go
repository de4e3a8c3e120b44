package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Amund211/urlloader/internal/logging"
	"github.com/Amund211/urlloader/internal/reporting"
	"github.com/google/uuid"
)

// Handle is a single request for the content at key, transformed to a T.
//
// A handle can be submitted once. Its completion callback fires at most once,
// and never after Cancel has taken effect.
type Handle[T any] struct {
	id        string
	key       string
	transform func([]byte) (T, error)
	loader    *Loader

	mu         sync.Mutex
	used       bool
	cancelled  bool
	fired      bool
	onComplete func(T)
	onFailure  func(error)
}

// NewHandle creates an unsubmitted handle for key.
//
// transform receives content shared with the cache and every other handle for
// the same key, and must not modify it.
func NewHandle[T any](l *Loader, key string, transform func([]byte) (T, error)) *Handle[T] {
	return &Handle[T]{
		id:        uuid.NewString(),
		key:       key,
		transform: transform,
		loader:    l,
	}
}

// Submit requests the content. onComplete is called with the transformed
// content once it is available, possibly before Submit returns if the content
// is cached. Failures are not reported; use SubmitWithFailure to observe them.
//
// Returns ErrAlreadySubmitted if the handle was submitted before, and
// ErrLoaderClosed if the loader has been shut down.
func (h *Handle[T]) Submit(onComplete func(T)) error {
	return h.submit(onComplete, nil)
}

// SubmitWithFailure is Submit with an additional callback for fetch failures,
// transform failures and shutdown. Exactly one of the callbacks fires unless the
// handle is cancelled first.
func (h *Handle[T]) SubmitWithFailure(onComplete func(T), onFailure func(error)) error {
	return h.submit(onComplete, onFailure)
}

func (h *Handle[T]) submit(onComplete func(T), onFailure func(error)) error {
	if onComplete == nil {
		return fmt.Errorf("onComplete must not be nil")
	}

	h.mu.Lock()
	if h.used {
		h.mu.Unlock()
		return ErrAlreadySubmitted
	}
	h.used = true
	h.onComplete = onComplete
	h.onFailure = onFailure
	cancelled := h.cancelled
	h.mu.Unlock()

	if cancelled {
		return nil
	}

	ctx := h.logContext()

	result, err := h.loader.acquire(ctx, h.key, h)
	if err != nil {
		return err
	}

	if result.kind == acquireCacheHit {
		h.deliver(ctx, result.content)
		return nil
	}

	// Cancel may have run between marking the handle used and attaching it
	h.mu.Lock()
	cancelled = h.cancelled
	h.mu.Unlock()
	if cancelled {
		h.loader.detach(ctx, h.key, h)
	}

	return nil
}

// Cancel withdraws the request. The completion callback will not fire after
// Cancel returns, unless it was already running. If this was the last handle
// waiting for the key, the fetch is abandoned.
//
// A handle cancelled before it is submitted never fires: a later Submit
// returns nil without requesting anything. Cancelling a cancelled or completed
// handle is a no-op.
func (h *Handle[T]) Cancel() {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	used := h.used
	fired := h.fired
	h.mu.Unlock()

	if used && !fired {
		h.loader.detach(h.logContext(), h.key, h)
	}
}

func (h *Handle[T]) logContext() context.Context {
	return logging.AddMetaToContext(h.loader.ctx,
		slog.String("key", h.key),
		slog.String("handleID", h.id),
	)
}

// claim marks the handle as fired. Returns false if a callback must not run.
func (h *Handle[T]) claim() (func(T), func(error), bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancelled || h.fired {
		return nil, nil, false
	}
	h.fired = true
	return h.onComplete, h.onFailure, true
}

func (h *Handle[T]) deliver(ctx context.Context, content []byte) {
	onComplete, onFailure, ok := h.claim()
	if !ok {
		return
	}

	result, err := h.applyTransform(content)
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "Transform failed",
			slog.String("handleID", h.id),
			slog.String("error", err.Error()),
		)
		if onFailure != nil {
			h.runCallback(ctx, func() { onFailure(err) })
		}
		return
	}

	h.runCallback(ctx, func() { onComplete(result) })
}

func (h *Handle[T]) fail(ctx context.Context, err error) {
	_, onFailure, ok := h.claim()
	if !ok || onFailure == nil {
		return
	}

	h.runCallback(ctx, func() { onFailure(err) })
}

func (h *Handle[T]) applyTransform(content []byte) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var empty T
			result = empty
			err = fmt.Errorf("%w: panic: %v", ErrTransformFailed, r)
		}
	}()

	result, err = h.transform(content)
	if err != nil {
		var empty T
		return empty, fmt.Errorf("%w: %w", ErrTransformFailed, err)
	}
	return result, nil
}

// runCallback keeps a panicking callback from taking down the fan-out to the
// other handles of the same task
func (h *Handle[T]) runCallback(ctx context.Context, callback func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("callback for handle %s panicked: %v", h.id, r)
			reporting.Report(ctx, err, map[string]string{"key": h.key})
		}
	}()

	callback()
}
