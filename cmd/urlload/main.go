package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/Amund211/urlloader/internal/adapters/cache"
	"github.com/Amund211/urlloader/internal/adapters/fetcher"
	"github.com/Amund211/urlloader/internal/constants"
	"github.com/Amund211/urlloader/internal/loader"
	"github.com/Amund211/urlloader/internal/logging"
	"github.com/Amund211/urlloader/internal/ratelimiting"

	_ "golang.org/x/crypto/x509roots/fallback"
)

func main() {
	concurrency := flag.Int("concurrency", constants.DEFAULT_CONCURRENCY_LIMIT, "maximum number of simultaneous fetches")
	timeout := flag.Duration("timeout", 30*time.Second, "timeout for each fetch")
	verbose := flag.Bool("v", false, "log loader activity to stderr")
	s3Region := flag.String("s3-region", "", "enable s3:// urls using this AWS region")
	flag.Parse()

	urls := flag.Args()
	if len(urls) == 0 {
		log.Fatal("No urls provided")
	}

	level := slog.LevelError
	if *verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logging.AddToContext(ctx, logger)

	hostRateLimiter, stopHostRateLimiter := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(10),
		ratelimiting.BurstSize(50),
	)
	defer stopHostRateLimiter()

	httpFetcher, err := fetcher.NewHTTPFetcher(&http.Client{}, hostRateLimiter, fetcher.DEFAULT_MAX_BODY_SIZE)
	if err != nil {
		log.Fatalf("Failed to create http fetcher: %v", err)
	}
	fetchers := map[string]fetcher.Fetcher{
		"http":  httpFetcher,
		"https": httpFetcher,
	}
	if *s3Region != "" {
		client, err := fetcher.NewS3ClientFromRegion(ctx, *s3Region)
		if err != nil {
			log.Fatalf("Failed to create s3 client: %v", err)
		}
		s3Fetcher, err := fetcher.NewS3Fetcher(client, fetcher.DEFAULT_MAX_BODY_SIZE)
		if err != nil {
			log.Fatalf("Failed to create s3 fetcher: %v", err)
		}
		fetchers["s3"] = s3Fetcher
	}

	contentCache, err := cache.NewLRUCache(constants.DEFAULT_CACHE_CAPACITY, 0)
	if err != nil {
		log.Fatalf("Failed to create cache: %v", err)
	}
	defer contentCache.Stop()

	l, err := loader.New(
		ctx,
		contentCache,
		fetcher.NewSchemeRouter(fetchers),
		loader.WithConcurrencyLimit(*concurrency),
		loader.WithFetchTimeout(*timeout),
	)
	if err != nil {
		log.Fatalf("Failed to create loader: %v", err)
	}

	ok := loadAll(ctx, l, urls, os.Stdout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shut down loader: %v", err)
		ok = false
	}

	if !ok {
		os.Exit(1)
	}
}

// loadAll loads every url concurrently and writes one line per url to w with
// the size of the fetched content. Returns false if any load failed.
func loadAll(ctx context.Context, l *loader.Loader, urls []string, w io.Writer) bool {
	ok := true
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()

			content, err := loader.Load(ctx, l, url, loader.Bytes)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				ok = false
				fmt.Fprintf(w, "%s: error: %v\n", url, err)
				return
			}
			fmt.Fprintf(w, "%s: %d bytes\n", url, len(content))
		}()
	}
	wg.Wait()

	return ok
}
