package fetcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Amund211/urlloader/internal/config"
	"github.com/Amund211/urlloader/internal/logging"
	"github.com/Amund211/urlloader/internal/ratelimiting"
)

func NewFetcherFromConfig(ctx context.Context, conf config.Config, httpClient HttpClient, limiter ratelimiting.RateLimiter) (RoutingFetcher, error) {
	if conf.UseMockFetcher() {
		logging.FromContext(ctx).InfoContext(ctx, "Using mock fetcher")
		return NewMockFetcher(), nil
	}

	httpFetcher, err := NewHTTPFetcher(httpClient, limiter, DEFAULT_MAX_BODY_SIZE)
	if err != nil {
		return nil, fmt.Errorf("failed to create http fetcher: %w", err)
	}

	fetchers := map[string]Fetcher{
		"http":  httpFetcher,
		"https": httpFetcher,
	}

	if region := conf.S3Region(); region != "" {
		client, err := NewS3ClientFromRegion(ctx, region)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 client: %w", err)
		}
		objectFetcher, err := NewS3Fetcher(client, DEFAULT_MAX_BODY_SIZE)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 fetcher: %w", err)
		}
		fetchers["s3"] = objectFetcher
		logging.FromContext(ctx).InfoContext(ctx, "Enabled s3 fetcher", slog.String("region", region))
	}

	return NewSchemeRouter(fetchers), nil
}
