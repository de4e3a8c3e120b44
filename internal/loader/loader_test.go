package loader_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Amund211/urlloader/internal/adapters/cache"
	"github.com/Amund211/urlloader/internal/domain"
	"github.com/Amund211/urlloader/internal/loader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type testFetcher struct {
	mu    sync.Mutex
	calls map[string]int

	fetch func(ctx context.Context, key string) ([]byte, error)
}

func newTestFetcher(fetch func(ctx context.Context, key string) ([]byte, error)) *testFetcher {
	return &testFetcher{
		calls: make(map[string]int),
		fetch: fetch,
	}
}

func (f *testFetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	f.calls[key]++
	f.mu.Unlock()

	return f.fetch(ctx, key)
}

func (f *testFetcher) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func contentFor(key string) []byte {
	return []byte("content of " + key)
}

func immediateFetch(ctx context.Context, key string) ([]byte, error) {
	return contentFor(key), nil
}

// gatedFetch blocks every fetch until gate is closed, ignoring ctx
func gatedFetch(gate <-chan struct{}) func(ctx context.Context, key string) ([]byte, error) {
	return func(ctx context.Context, key string) ([]byte, error) {
		<-gate
		return contentFor(key), nil
	}
}

// gatedFetchWithContext blocks every fetch until gate is closed or ctx is done
func gatedFetchWithContext(gate <-chan struct{}) func(ctx context.Context, key string) ([]byte, error) {
	return func(ctx context.Context, key string) ([]byte, error) {
		select {
		case <-gate:
			return contentFor(key), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type testCache interface {
	loader.ContentCache
	Len() int
}

func newTestLoader(t *testing.T, fetcher loader.Fetcher, capacity uint64, opts ...loader.Option) (*loader.Loader, testCache) {
	t.Helper()

	contentCache, err := cache.NewLRUCache(capacity, 0)
	require.NoError(t, err)
	t.Cleanup(contentCache.Stop)

	l, err := loader.New(context.Background(), contentCache, fetcher, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, l.Shutdown(context.Background()))
	})

	return l, contentCache
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case value := <-ch:
		return value
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for callback")
		var empty T
		return empty
	}
}

func waitUntilIdle(t *testing.T, l *loader.Loader) {
	t.Helper()
	require.Eventually(t, func() bool {
		stats := l.Stats()
		return stats.Queued == 0 && stats.Running == 0 && stats.Waiting == 0
	}, waitTimeout, time.Millisecond)
}

func TestNew(t *testing.T) {
	t.Parallel()

	contentCache, err := cache.NewLRUCache(1024, 0)
	require.NoError(t, err)
	t.Cleanup(contentCache.Stop)

	fetcher := newTestFetcher(immediateFetch)

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		l, err := loader.New(context.Background(), contentCache, fetcher)
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, l.Shutdown(context.Background()))
		})

		require.Equal(t, loader.Stats{ConcurrencyLimit: 5}, l.Stats())
	})

	t.Run("invalid concurrency limit", func(t *testing.T) {
		t.Parallel()

		for _, limit := range []int{0, -1} {
			_, err := loader.New(context.Background(), contentCache, fetcher, loader.WithConcurrencyLimit(limit))
			require.Error(t, err)
		}
	})

	t.Run("invalid fetch timeout", func(t *testing.T) {
		t.Parallel()

		_, err := loader.New(context.Background(), contentCache, fetcher, loader.WithFetchTimeout(-time.Second))
		require.Error(t, err)
	})
}

func TestSubmit(t *testing.T) {
	t.Parallel()

	t.Run("cached content is delivered without fetching", func(t *testing.T) {
		t.Parallel()

		fetcher := newTestFetcher(immediateFetch)
		l, contentCache := newTestLoader(t, fetcher, 1024)

		key := "https://example.com/cached"
		contentCache.Put(key, []byte("from the cache"))

		var received []byte
		handle := loader.NewHandle(l, key, loader.Bytes)
		require.NoError(t, handle.Submit(func(content []byte) {
			received = content
		}))

		// Cache hits complete before Submit returns
		require.Equal(t, "from the cache", string(received))
		require.Equal(t, 0, fetcher.callCount(key))
	})

	t.Run("fetched content is cached", func(t *testing.T) {
		t.Parallel()

		fetcher := newTestFetcher(immediateFetch)
		l, contentCache := newTestLoader(t, fetcher, 1024)

		key := "https://example.com/a"

		content, err := loader.Load(context.Background(), l, key, loader.Bytes)
		require.NoError(t, err)
		require.Equal(t, contentFor(key), content)

		cached, ok := contentCache.Get(key)
		require.True(t, ok)
		require.Equal(t, contentFor(key), cached)

		content, err = loader.Load(context.Background(), l, key, loader.Bytes)
		require.NoError(t, err)
		require.Equal(t, contentFor(key), content)

		require.Equal(t, 1, fetcher.callCount(key))
	})

	t.Run("concurrent handles share one fetch", func(t *testing.T) {
		t.Parallel()

		key := "https://example.com/shared"
		payload := bytes.Repeat([]byte("0123456789abcdef"), 128)
		require.Len(t, payload, 2048)

		gate := make(chan struct{})
		fetcher := newTestFetcher(func(ctx context.Context, key string) ([]byte, error) {
			<-gate
			return payload, nil
		})
		l, _ := newTestLoader(t, fetcher, 4096)

		const handles = 10
		results := make(chan []byte, handles)
		start := make(chan struct{})
		var submitted sync.WaitGroup
		for range handles {
			submitted.Add(1)
			go func() {
				defer submitted.Done()
				<-start

				handle := loader.NewHandle(l, key, loader.Bytes)
				assert.NoError(t, handle.Submit(func(content []byte) {
					results <- content
				}))
			}()
		}
		close(start)
		submitted.Wait()

		stats := l.Stats()
		require.Equal(t, handles, stats.Waiting)
		require.Equal(t, 1, stats.Running+stats.Queued)

		close(gate)

		for range handles {
			require.Equal(t, payload, waitFor(t, results))
		}
		require.Equal(t, 1, fetcher.callCount(key))
	})

	t.Run("concurrency limit is respected", func(t *testing.T) {
		t.Parallel()

		gate := make(chan struct{})
		var running, maxRunning atomic.Int32
		fetcher := newTestFetcher(func(ctx context.Context, key string) ([]byte, error) {
			current := running.Add(1)
			defer running.Add(-1)
			for {
				previous := maxRunning.Load()
				if current <= previous || maxRunning.CompareAndSwap(previous, current) {
					break
				}
			}

			<-gate
			return contentFor(key), nil
		})
		l, _ := newTestLoader(t, fetcher, 1024, loader.WithConcurrencyLimit(2))

		const keys = 5
		results := make(chan []byte, keys)
		for i := range keys {
			handle := loader.NewHandle(l, fmt.Sprintf("https://example.com/%d", i), loader.Bytes)
			require.NoError(t, handle.Submit(func(content []byte) {
				results <- content
			}))
		}

		require.Eventually(t, func() bool {
			stats := l.Stats()
			return stats.Running == 2 && stats.Queued == 3 && running.Load() == 2
		}, waitTimeout, time.Millisecond)

		close(gate)

		for range keys {
			waitFor(t, results)
		}
		require.LessOrEqual(t, maxRunning.Load(), int32(2))
		for i := range keys {
			require.Equal(t, 1, fetcher.callCount(fmt.Sprintf("https://example.com/%d", i)))
		}
	})

	t.Run("slow keys do not hold up other keys", func(t *testing.T) {
		t.Parallel()

		gate := make(chan struct{})
		fetcher := newTestFetcher(func(ctx context.Context, key string) ([]byte, error) {
			if key == "https://slow.example.com" {
				<-gate
			}
			return contentFor(key), nil
		})
		l, _ := newTestLoader(t, fetcher, 1024, loader.WithConcurrencyLimit(2))
		// Registered last so it runs before Shutdown
		t.Cleanup(func() { close(gate) })

		slow := loader.NewHandle(l, "https://slow.example.com", loader.Bytes)
		require.NoError(t, slow.Submit(func([]byte) {}))

		content, err := loader.Load(context.Background(), l, "https://fast.example.com", loader.Bytes)
		require.NoError(t, err)
		require.Equal(t, contentFor("https://fast.example.com"), content)
	})

	t.Run("oversized content is delivered but not cached", func(t *testing.T) {
		t.Parallel()

		fetcher := newTestFetcher(immediateFetch)
		l, contentCache := newTestLoader(t, fetcher, 10)

		key := "https://example.com/large"

		content, err := loader.Load(context.Background(), l, key, loader.Bytes)
		require.NoError(t, err)
		require.Equal(t, contentFor(key), content)

		_, ok := contentCache.Get(key)
		require.False(t, ok)

		_, err = loader.Load(context.Background(), l, key, loader.Bytes)
		require.NoError(t, err)
		require.Equal(t, 2, fetcher.callCount(key))
	})

	t.Run("submitting twice fails", func(t *testing.T) {
		t.Parallel()

		fetcher := newTestFetcher(immediateFetch)
		l, _ := newTestLoader(t, fetcher, 1024)

		results := make(chan []byte, 2)
		handle := loader.NewHandle(l, "https://example.com/twice", loader.Bytes)
		require.NoError(t, handle.Submit(func(content []byte) {
			results <- content
		}))
		waitFor(t, results)

		err := handle.Submit(func(content []byte) {
			results <- content
		})
		require.ErrorIs(t, err, loader.ErrAlreadySubmitted)

		err = handle.SubmitWithFailure(func([]byte) {}, func(error) {})
		require.ErrorIs(t, err, loader.ErrAlreadySubmitted)

		require.Never(t, func() bool {
			return len(results) > 0
		}, 50*time.Millisecond, 5*time.Millisecond)
		require.Equal(t, 1, fetcher.callCount("https://example.com/twice"))
	})

	t.Run("nil callback", func(t *testing.T) {
		t.Parallel()

		l, _ := newTestLoader(t, newTestFetcher(immediateFetch), 1024)

		handle := loader.NewHandle(l, "https://example.com", loader.Bytes)
		require.Error(t, handle.Submit(nil))

		// The handle can still be used
		results := make(chan []byte, 1)
		require.NoError(t, handle.Submit(func(content []byte) {
			results <- content
		}))
		waitFor(t, results)
	})
}

func TestFetchFailure(t *testing.T) {
	t.Parallel()

	t.Run("no callback, no cache entry, later requests retry", func(t *testing.T) {
		t.Parallel()

		var fail atomic.Bool
		fail.Store(true)
		fetcher := newTestFetcher(func(ctx context.Context, key string) ([]byte, error) {
			if fail.Load() {
				return nil, fmt.Errorf("%w: status code 503", domain.ErrTemporarilyUnavailable)
			}
			return contentFor(key), nil
		})
		l, contentCache := newTestLoader(t, fetcher, 1024)

		key := "https://example.com/flaky"

		var completed atomic.Bool
		silent := loader.NewHandle(l, key, loader.Bytes)
		require.NoError(t, silent.Submit(func([]byte) {
			completed.Store(true)
		}))

		failures := make(chan error, 1)
		observer := loader.NewHandle(l, key, loader.Bytes)
		require.NoError(t, observer.SubmitWithFailure(
			func([]byte) {
				t.Error("completion callback should not fire")
			},
			func(err error) {
				failures <- err
			},
		))

		require.ErrorIs(t, waitFor(t, failures), domain.ErrTemporarilyUnavailable)
		waitUntilIdle(t, l)
		require.Never(t, completed.Load, 50*time.Millisecond, 5*time.Millisecond)

		_, ok := contentCache.Get(key)
		require.False(t, ok)
		require.Equal(t, 1, fetcher.callCount(key))

		fail.Store(false)

		content, err := loader.Load(context.Background(), l, key, loader.Bytes)
		require.NoError(t, err)
		require.Equal(t, contentFor(key), content)
		require.Equal(t, 2, fetcher.callCount(key))
	})

	t.Run("panicking fetcher releases its slot", func(t *testing.T) {
		t.Parallel()

		fetcher := newTestFetcher(func(ctx context.Context, key string) ([]byte, error) {
			if key == "https://example.com/panic" {
				panic("boom")
			}
			return contentFor(key), nil
		})
		l, _ := newTestLoader(t, fetcher, 1024, loader.WithConcurrencyLimit(1))

		_, err := loader.Load(context.Background(), l, "https://example.com/panic", loader.Bytes)
		require.ErrorIs(t, err, loader.ErrFetchPanicked)

		content, err := loader.Load(context.Background(), l, "https://example.com/fine", loader.Bytes)
		require.NoError(t, err)
		require.Equal(t, contentFor("https://example.com/fine"), content)
	})

	t.Run("errors release their slot", func(t *testing.T) {
		t.Parallel()

		fetcher := newTestFetcher(func(ctx context.Context, key string) ([]byte, error) {
			return nil, assert.AnError
		})
		l, _ := newTestLoader(t, fetcher, 1024, loader.WithConcurrencyLimit(1))

		for i := range 3 {
			_, err := loader.Load(context.Background(), l, fmt.Sprintf("https://example.com/%d", i), loader.Bytes)
			require.ErrorIs(t, err, assert.AnError)
		}
	})

	t.Run("fetch timeout", func(t *testing.T) {
		t.Parallel()

		gate := make(chan struct{})
		t.Cleanup(func() { close(gate) })

		fetcher := newTestFetcher(gatedFetchWithContext(gate))
		l, _ := newTestLoader(t, fetcher, 1024, loader.WithFetchTimeout(20*time.Millisecond))

		_, err := loader.Load(context.Background(), l, "https://example.com/slow", loader.Bytes)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestCancel(t *testing.T) {
	t.Parallel()

	t.Run("cancelled before fetching never fetches", func(t *testing.T) {
		t.Parallel()

		gate := make(chan struct{})
		fetcher := newTestFetcher(gatedFetch(gate))
		l, _ := newTestLoader(t, fetcher, 1024, loader.WithConcurrencyLimit(1))

		blockerResults := make(chan []byte, 1)
		blocker := loader.NewHandle(l, "https://example.com/blocker", loader.Bytes)
		require.NoError(t, blocker.Submit(func(content []byte) {
			blockerResults <- content
		}))

		var completed atomic.Bool
		queued := loader.NewHandle(l, "https://example.com/queued", loader.Bytes)
		require.NoError(t, queued.Submit(func([]byte) {
			completed.Store(true)
		}))

		require.Eventually(t, func() bool {
			stats := l.Stats()
			return stats.Running == 1 && stats.Queued == 1
		}, waitTimeout, time.Millisecond)

		queued.Cancel()
		require.Equal(t, 0, l.Stats().Queued)

		close(gate)
		waitFor(t, blockerResults)
		waitUntilIdle(t, l)

		require.Never(t, completed.Load, 50*time.Millisecond, 5*time.Millisecond)
		require.Equal(t, 0, fetcher.callCount("https://example.com/queued"))
	})

	t.Run("cancelling one handle keeps the fetch for the others", func(t *testing.T) {
		t.Parallel()

		gate := make(chan struct{})
		fetcher := newTestFetcher(gatedFetch(gate))
		l, _ := newTestLoader(t, fetcher, 1024)

		key := "https://example.com/shared"

		var cancelledCompleted atomic.Bool
		cancelled := loader.NewHandle(l, key, loader.Bytes)
		require.NoError(t, cancelled.Submit(func([]byte) {
			cancelledCompleted.Store(true)
		}))

		results := make(chan []byte, 1)
		kept := loader.NewHandle(l, key, loader.Bytes)
		require.NoError(t, kept.Submit(func(content []byte) {
			results <- content
		}))

		cancelled.Cancel()
		require.Equal(t, 1, l.Stats().Waiting)

		close(gate)

		require.Equal(t, contentFor(key), waitFor(t, results))
		require.False(t, cancelledCompleted.Load())
		require.Equal(t, 1, fetcher.callCount(key))
	})

	t.Run("cancelling every handle during the fetch discards the result", func(t *testing.T) {
		t.Parallel()

		gate := make(chan struct{})
		var returned atomic.Int32
		fetcher := newTestFetcher(func(ctx context.Context, key string) ([]byte, error) {
			defer returned.Add(1)
			<-gate
			return contentFor(key), nil
		})
		l, contentCache := newTestLoader(t, fetcher, 1024)

		key := "https://example.com/abandoned"

		var completed atomic.Bool
		handle := loader.NewHandle(l, key, loader.Bytes)
		require.NoError(t, handle.Submit(func([]byte) {
			completed.Store(true)
		}))

		require.Eventually(t, func() bool {
			return l.Stats().Running == 1
		}, waitTimeout, time.Millisecond)

		handle.Cancel()
		require.Equal(t, loader.Stats{ConcurrencyLimit: 5}, l.Stats())

		close(gate)
		require.Eventually(t, func() bool {
			return returned.Load() == 1
		}, waitTimeout, time.Millisecond)

		require.Never(t, completed.Load, 50*time.Millisecond, 5*time.Millisecond)
		_, ok := contentCache.Get(key)
		require.False(t, ok)
	})

	t.Run("cancelling aborts the fetch context", func(t *testing.T) {
		t.Parallel()

		fetchErrors := make(chan error, 1)
		fetcher := newTestFetcher(func(ctx context.Context, key string) ([]byte, error) {
			<-ctx.Done()
			fetchErrors <- ctx.Err()
			return nil, ctx.Err()
		})
		l, _ := newTestLoader(t, fetcher, 1024)

		handle := loader.NewHandle(l, "https://example.com/aborted", loader.Bytes)
		require.NoError(t, handle.Submit(func([]byte) {}))

		require.Eventually(t, func() bool {
			return l.Stats().Running == 1
		}, waitTimeout, time.Millisecond)

		handle.Cancel()
		require.ErrorIs(t, waitFor(t, fetchErrors), context.Canceled)
	})

	t.Run("cancel before submit", func(t *testing.T) {
		t.Parallel()

		fetcher := newTestFetcher(immediateFetch)
		l, _ := newTestLoader(t, fetcher, 1024)

		handle := loader.NewHandle(l, "https://example.com/never", loader.Bytes)
		handle.Cancel()
		require.NoError(t, handle.Submit(func([]byte) {
			t.Error("callback should not fire")
		}))

		waitUntilIdle(t, l)
		require.Equal(t, 0, fetcher.callCount("https://example.com/never"))
	})

	t.Run("cancel is idempotent and a no-op after completion", func(t *testing.T) {
		t.Parallel()

		fetcher := newTestFetcher(immediateFetch)
		l, contentCache := newTestLoader(t, fetcher, 1024)

		key := "https://example.com/done"

		results := make(chan []byte, 1)
		handle := loader.NewHandle(l, key, loader.Bytes)
		require.NoError(t, handle.Submit(func(content []byte) {
			results <- content
		}))
		waitFor(t, results)

		handle.Cancel()
		handle.Cancel()

		_, ok := contentCache.Get(key)
		require.True(t, ok)
	})

	t.Run("resubmitting after cancel starts a new fetch", func(t *testing.T) {
		t.Parallel()

		gate := make(chan struct{})
		fetcher := newTestFetcher(gatedFetchWithContext(gate))
		l, _ := newTestLoader(t, fetcher, 1024)

		key := "https://example.com/again"

		first := loader.NewHandle(l, key, loader.Bytes)
		require.NoError(t, first.Submit(func([]byte) {}))
		require.Eventually(t, func() bool {
			return l.Stats().Running == 1
		}, waitTimeout, time.Millisecond)
		first.Cancel()

		results := make(chan []byte, 1)
		second := loader.NewHandle(l, key, loader.Bytes)
		require.NoError(t, second.Submit(func(content []byte) {
			results <- content
		}))

		close(gate)
		require.Equal(t, contentFor(key), waitFor(t, results))
		require.Equal(t, 2, fetcher.callCount(key))
	})
}

func TestTransform(t *testing.T) {
	t.Parallel()

	t.Run("failures are isolated to their handle", func(t *testing.T) {
		t.Parallel()

		gate := make(chan struct{})
		fetcher := newTestFetcher(gatedFetch(gate))
		l, contentCache := newTestLoader(t, fetcher, 1024)

		key := "https://example.com/data"

		results := make(chan []byte, 1)
		healthy := loader.NewHandle(l, key, loader.Bytes)
		require.NoError(t, healthy.Submit(func(content []byte) {
			results <- content
		}))

		failures := make(chan error, 2)
		failing := loader.NewHandle(l, key, func([]byte) (int, error) {
			return 0, assert.AnError
		})
		require.NoError(t, failing.SubmitWithFailure(
			func(int) {
				t.Error("completion callback should not fire")
			},
			func(err error) {
				failures <- err
			},
		))

		panicking := loader.NewHandle(l, key, func([]byte) (int, error) {
			panic("bad input")
		})
		require.NoError(t, panicking.SubmitWithFailure(
			func(int) {
				t.Error("completion callback should not fire")
			},
			func(err error) {
				failures <- err
			},
		))

		close(gate)

		require.Equal(t, contentFor(key), waitFor(t, results))

		for range 2 {
			require.ErrorIs(t, waitFor(t, failures), loader.ErrTransformFailed)
		}

		_, ok := contentCache.Get(key)
		require.True(t, ok)
		require.Equal(t, 1, fetcher.callCount(key))
	})

	t.Run("failure on a cache hit", func(t *testing.T) {
		t.Parallel()

		l, contentCache := newTestLoader(t, newTestFetcher(immediateFetch), 1024)
		contentCache.Put("https://example.com/cached", []byte("cached"))

		_, err := loader.Load(context.Background(), l, "https://example.com/cached", func([]byte) (string, error) {
			return "", assert.AnError
		})
		require.ErrorIs(t, err, loader.ErrTransformFailed)
		require.ErrorIs(t, err, assert.AnError)
	})

	t.Run("panicking callback does not affect other handles", func(t *testing.T) {
		t.Parallel()

		gate := make(chan struct{})
		l, _ := newTestLoader(t, newTestFetcher(gatedFetch(gate)), 1024)

		key := "https://example.com/callbacks"

		bad := loader.NewHandle(l, key, loader.Bytes)
		require.NoError(t, bad.Submit(func([]byte) {
			panic("callback bug")
		}))

		results := make(chan []byte, 1)
		good := loader.NewHandle(l, key, loader.Bytes)
		require.NoError(t, good.Submit(func(content []byte) {
			results <- content
		}))

		close(gate)
		require.Equal(t, contentFor(key), waitFor(t, results))
	})

	t.Run("text replaces invalid utf-8", func(t *testing.T) {
		t.Parallel()

		text, err := loader.Text([]byte("caf\xc3\xa9 \xff!"))
		require.NoError(t, err)
		require.Equal(t, "café �!", text)
	})
}

func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("context cancellation cancels the handle", func(t *testing.T) {
		t.Parallel()

		gate := make(chan struct{})
		t.Cleanup(func() { close(gate) })

		l, _ := newTestLoader(t, newTestFetcher(gatedFetchWithContext(gate)), 1024)

		ctx, cancel := context.WithCancel(context.Background())

		errs := make(chan error, 1)
		go func() {
			_, err := loader.Load(ctx, l, "https://example.com/slow", loader.Bytes)
			errs <- err
		}()

		require.Eventually(t, func() bool {
			return l.Stats().Waiting == 1
		}, waitTimeout, time.Millisecond)

		cancel()

		require.ErrorIs(t, waitFor(t, errs), context.Canceled)
		waitUntilIdle(t, l)
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()

		fetcher := newTestFetcher(func(ctx context.Context, key string) ([]byte, error) {
			return nil, fmt.Errorf("%w: status code 404", domain.ErrResourceNotFound)
		})
		l, _ := newTestLoader(t, fetcher, 1024)

		_, err := loader.Load(context.Background(), l, "https://example.com/missing", loader.Text)
		require.ErrorIs(t, err, domain.ErrResourceNotFound)
	})
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	t.Run("pending handles fail", func(t *testing.T) {
		t.Parallel()

		gate := make(chan struct{})
		t.Cleanup(func() { close(gate) })

		contentCache, err := cache.NewLRUCache(1024, 0)
		require.NoError(t, err)
		t.Cleanup(contentCache.Stop)

		l, err := loader.New(context.Background(), contentCache, newTestFetcher(gatedFetchWithContext(gate)), loader.WithConcurrencyLimit(1))
		require.NoError(t, err)

		failures := make(chan error, 2)
		for _, key := range []string{"https://example.com/running", "https://example.com/queued"} {
			handle := loader.NewHandle(l, key, loader.Bytes)
			require.NoError(t, handle.SubmitWithFailure(
				func([]byte) {
					t.Error("completion callback should not fire")
				},
				func(err error) {
					failures <- err
				},
			))
		}

		require.Eventually(t, func() bool {
			stats := l.Stats()
			return stats.Running == 1 && stats.Queued == 1
		}, waitTimeout, time.Millisecond)

		require.NoError(t, l.Shutdown(context.Background()))

		for range 2 {
			require.ErrorIs(t, waitFor(t, failures), loader.ErrLoaderClosed)
		}

		handle := loader.NewHandle(l, "https://example.com/late", loader.Bytes)
		require.ErrorIs(t, handle.Submit(func([]byte) {}), loader.ErrLoaderClosed)

		_, err = loader.Load(context.Background(), l, "https://example.com/late", loader.Bytes)
		require.ErrorIs(t, err, loader.ErrLoaderClosed)

		// Idempotent
		require.NoError(t, l.Shutdown(context.Background()))
	})

	t.Run("gives up when the context is done", func(t *testing.T) {
		t.Parallel()

		gate := make(chan struct{})

		contentCache, err := cache.NewLRUCache(1024, 0)
		require.NoError(t, err)
		t.Cleanup(contentCache.Stop)

		// Ignores cancellation, so the fetch outlives the shutdown deadline
		l, err := loader.New(context.Background(), contentCache, newTestFetcher(gatedFetch(gate)))
		require.NoError(t, err)

		handle := loader.NewHandle(l, "https://example.com/stuck", loader.Bytes)
		require.NoError(t, handle.Submit(func([]byte) {}))
		require.Eventually(t, func() bool {
			return l.Stats().Running == 1
		}, waitTimeout, time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err = l.Shutdown(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		close(gate)
	})
}

func TestStats(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	l, _ := newTestLoader(t, newTestFetcher(gatedFetch(gate)), 1024, loader.WithConcurrencyLimit(1))

	for _, key := range []string{"https://example.com/a", "https://example.com/a", "https://example.com/b"} {
		handle := loader.NewHandle(l, key, loader.Bytes)
		require.NoError(t, handle.Submit(func([]byte) {}))
	}

	require.Eventually(t, func() bool {
		return l.Stats() == loader.Stats{Queued: 1, Running: 1, Waiting: 3, ConcurrencyLimit: 1}
	}, waitTimeout, time.Millisecond)

	close(gate)
	waitUntilIdle(t, l)
}

func TestErrorsAreDistinct(t *testing.T) {
	t.Parallel()

	errs := []error{loader.ErrAlreadySubmitted, loader.ErrLoaderClosed, loader.ErrTransformFailed, loader.ErrFetchPanicked}
	for i, a := range errs {
		for j, b := range errs {
			require.Equal(t, i == j, errors.Is(a, b))
		}
	}
}

func TestConcurrentHandles(t *testing.T) {
	t.Parallel()

	t.Run("handles cancelled during a fetch never fire", func(t *testing.T) {
		t.Parallel()

		gate := make(chan struct{})
		fetcher := newTestFetcher(gatedFetch(gate))
		l, _ := newTestLoader(t, fetcher, 1024)

		key := "https://example.com/partly-cancelled"

		const handles = 20
		var fired [handles]atomic.Int32
		delivered := make(chan int, handles)
		submitted := make([]*loader.Handle[[]byte], handles)

		// Every handle is attached before any is cancelled, so the fetch always
		// has waiters left
		runConcurrently := func(f func(i int)) {
			start := make(chan struct{})
			var done sync.WaitGroup
			for i := range handles {
				done.Add(1)
				go func() {
					defer done.Done()
					<-start
					f(i)
				}()
			}
			close(start)
			done.Wait()
		}

		runConcurrently(func(i int) {
			handle := loader.NewHandle(l, key, loader.Bytes)
			assert.NoError(t, handle.Submit(func(content []byte) {
				fired[i].Add(1)
				assert.Equal(t, contentFor(key), content)
				delivered <- i
			}))
			submitted[i] = handle
		})
		runConcurrently(func(i int) {
			if i%2 == 0 {
				submitted[i].Cancel()
			}
		})

		require.Equal(t, handles/2, l.Stats().Waiting)

		close(gate)

		for range handles / 2 {
			require.Equal(t, 1, waitFor(t, delivered)%2)
		}
		waitUntilIdle(t, l)

		for i := range handles {
			expected := int32(1)
			if i%2 == 0 {
				expected = 0
			}
			require.Equal(t, expected, fired[i].Load(), "handle %d", i)
		}
		require.Equal(t, 1, fetcher.callCount(key))
	})

	t.Run("random submits and cancels", func(t *testing.T) {
		t.Parallel()

		const limit = 3
		var running, maxRunning, fetches atomic.Int32
		fetcher := newTestFetcher(func(ctx context.Context, key string) ([]byte, error) {
			current := running.Add(1)
			defer running.Add(-1)
			for {
				previous := maxRunning.Load()
				if current <= previous || maxRunning.CompareAndSwap(previous, current) {
					break
				}
			}

			n := fetches.Add(1)
			time.Sleep(time.Duration(n%3) * 100 * time.Microsecond)
			if n%5 == 0 {
				return nil, errors.New("flaky upstream")
			}
			return contentFor(key), nil
		})
		// Room for a single entry, so most submits need a fetch
		l, _ := newTestLoader(t, fetcher, 64, loader.WithConcurrencyLimit(limit))

		keys := make([]string, 8)
		for i := range keys {
			keys[i] = fmt.Sprintf("https://example.com/stress/%d", i)
		}

		const (
			submitThenCancel = iota
			submitOnly
			cancelThenSubmit
			modes
		)

		const handles = 3000
		var fired [handles]atomic.Int32
		var wrongContent atomic.Int32
		start := make(chan struct{})
		var done sync.WaitGroup
		for i := range handles {
			done.Add(1)
			go func() {
				defer done.Done()
				<-start

				key := keys[i%len(keys)]
				mode := (i / len(keys)) % modes

				handle := loader.NewHandle(l, key, loader.Bytes)
				if mode == cancelThenSubmit {
					handle.Cancel()
				}
				assert.NoError(t, handle.SubmitWithFailure(
					func(content []byte) {
						fired[i].Add(1)
						if !bytes.Equal(contentFor(key), content) {
							wrongContent.Add(1)
						}
					},
					func(err error) {
						fired[i].Add(1)
					},
				))
				if mode == submitThenCancel {
					handle.Cancel()
				}
			}()
		}
		close(start)
		done.Wait()

		waitUntilIdle(t, l)
		require.Eventually(t, func() bool {
			for i := range handles {
				if (i/len(keys))%modes == submitOnly && fired[i].Load() == 0 {
					return false
				}
			}
			return true
		}, waitTimeout, time.Millisecond)

		for i := range handles {
			switch (i / len(keys)) % modes {
			case submitOnly:
				require.Equal(t, int32(1), fired[i].Load(), "handle %d", i)
			case submitThenCancel:
				require.LessOrEqual(t, fired[i].Load(), int32(1), "handle %d", i)
			case cancelThenSubmit:
				require.Equal(t, int32(0), fired[i].Load(), "handle %d", i)
			}
		}
		require.Equal(t, int32(0), wrongContent.Load())
		require.LessOrEqual(t, maxRunning.Load(), int32(limit))

		stats := l.Stats()
		require.Equal(t, 0, stats.Queued)
		require.Equal(t, 0, stats.Running)
		require.Equal(t, 0, stats.Waiting)

		load := func(key string) ([]byte, error) {
			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			return loader.Load(ctx, l, key, loader.Bytes)
		}

		// Every slot was released
		for i := range limit + 1 {
			key := fmt.Sprintf("https://example.com/fresh/%d", i)
			content, err := load(key)
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				// The fetcher fails every fifth call
				content, err = load(key)
			}
			require.NoError(t, err)
			require.Equal(t, contentFor(key), content)
		}
	})
}
