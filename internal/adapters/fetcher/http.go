package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Amund211/urlloader/internal/constants"
	"github.com/Amund211/urlloader/internal/domain"
	"github.com/Amund211/urlloader/internal/logging"
	"github.com/Amund211/urlloader/internal/ratelimiting"
	"github.com/Amund211/urlloader/internal/reporting"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const DEFAULT_MAX_BODY_SIZE = 64 * 1024 * 1024

type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type httpFetcherMetricsCollection struct {
	requestCount  metric.Int64Counter
	responseBytes metric.Int64Histogram
}

func setupHTTPFetcherMetrics(meter metric.Meter) (httpFetcherMetricsCollection, error) {
	requestCount, err := meter.Int64Counter("fetcher/http/request_count")
	if err != nil {
		return httpFetcherMetricsCollection{}, fmt.Errorf("failed to create request count metric: %w", err)
	}

	responseBytes, err := meter.Int64Histogram(
		"fetcher/http/response_bytes",
		metric.WithUnit("By"),
	)
	if err != nil {
		return httpFetcherMetricsCollection{}, fmt.Errorf("failed to create response bytes metric: %w", err)
	}

	return httpFetcherMetricsCollection{
		requestCount:  requestCount,
		responseBytes: responseBytes,
	}, nil
}

type httpFetcher struct {
	httpClient  HttpClient
	limiter     ratelimiting.RateLimiter
	maxBodySize int64

	metrics httpFetcherMetricsCollection
	tracer  trace.Tracer
}

// NewHTTPFetcher fetches http(s) urls with GET. Requests are throttled per host
// by limiter, and bodies larger than maxBodySize are rejected.
func NewHTTPFetcher(httpClient HttpClient, limiter ratelimiting.RateLimiter, maxBodySize int64) (*httpFetcher, error) {
	const name = "urlloader/fetcher/http"

	if maxBodySize <= 0 {
		return nil, fmt.Errorf("max body size must be positive, got %d", maxBodySize)
	}

	metrics, err := setupHTTPFetcherMetrics(otel.Meter(name))
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	return &httpFetcher{
		httpClient:  httpClient,
		limiter:     limiter,
		maxBodySize: maxBodySize,

		metrics: metrics,
		tracer:  otel.Tracer(name),
	}, nil
}

func (f *httpFetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	ctx, span := f.tracer.Start(ctx, "HTTPFetcher.Fetch")
	defer span.End()

	logger := logging.FromContext(ctx)

	u, err := parseKey(key)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}

	if err := f.limiter.Wait(ctx, ratelimiting.HostKey(u)); err != nil {
		logger.WarnContext(ctx, "Rate limited outgoing request", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", domain.ErrTemporarilyUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		err := fmt.Errorf("failed to create request: %w", err)
		reporting.Report(ctx, err)
		return nil, err
	}

	req.Header.Set("User-Agent", constants.USER_AGENT)

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		err := fmt.Errorf("failed to send request: %w", err)
		if ctx.Err() == nil {
			reporting.Report(ctx, err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	f.metrics.requestCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status_code", strconv.Itoa(resp.StatusCode)),
		attribute.String("scheme", u.Scheme),
	))

	if err := errorFromStatus(resp.StatusCode); err != nil {
		logger.InfoContext(ctx, "Got error status", slog.Int("status", resp.StatusCode))
		if !errors.Is(err, domain.ErrResourceNotFound) && !errors.Is(err, domain.ErrTemporarilyUnavailable) {
			reporting.Report(ctx, err, map[string]string{
				"status": strconv.Itoa(resp.StatusCode),
			})
		}
		return nil, err
	}

	if resp.ContentLength > f.maxBodySize {
		return nil, fmt.Errorf("%w: content length %d exceeds %d bytes", ErrResponseTooLarge, resp.ContentLength, f.maxBodySize)
	}

	// Read one byte past the limit to tell a body of exactly maxBodySize from a larger one
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize+1))
	if err != nil {
		err := fmt.Errorf("failed to read response body: %w", err)
		if ctx.Err() == nil {
			reporting.Report(ctx, err)
		}
		return nil, err
	}
	if int64(len(data)) > f.maxBodySize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrResponseTooLarge, f.maxBodySize)
	}

	f.metrics.responseBytes.Record(ctx, int64(len(data)))
	logger.InfoContext(ctx, "http request completed",
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(data)),
		slog.String("duration", time.Since(start).String()),
	)

	return data, nil
}

func errorFromStatus(statusCode int) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusNotFound, statusCode == http.StatusGone:
		return fmt.Errorf("%w: status code %d", domain.ErrResourceNotFound, statusCode)
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		return fmt.Errorf("%w: status code %d", domain.ErrTemporarilyUnavailable, statusCode)
	default:
		return fmt.Errorf("unexpected status code %d", statusCode)
	}
}
