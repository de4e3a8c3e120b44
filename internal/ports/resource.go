package ports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Amund211/urlloader/internal/adapters/fetcher"
	"github.com/Amund211/urlloader/internal/domain"
	"github.com/Amund211/urlloader/internal/loader"
	"github.com/Amund211/urlloader/internal/logging"
	"github.com/Amund211/urlloader/internal/parsing"
	"github.com/Amund211/urlloader/internal/ratelimiting"
	"github.com/Amund211/urlloader/internal/reporting"
)

const maxResourceURLLength = 2048

// LoadResource returns the content at key passed through transform, sharing
// fetches and cached content with every other caller
type LoadResource func(ctx context.Context, key string, transform func([]byte) ([]byte, error)) ([]byte, error)

type resourceFormat struct {
	transform   func([]byte) ([]byte, error)
	contentType string
}

var resourceFormats = map[string]resourceFormat{
	"":     {transform: loader.Bytes},
	"raw":  {transform: loader.Bytes},
	"json": {transform: parsing.CompactJSON, contentType: "application/json"},
}

type errorResponse struct {
	Success bool   `json:"success"`
	Cause   string `json:"cause"`
}

func makeErrorResponse(cause string) ([]byte, error) {
	data, err := json.Marshal(errorResponse{Success: false, Cause: cause})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return data, nil
}

func MakeGetResourceHandler(
	loadResource LoadResource,
	isSupported func(key string) bool,
	ipRateLimiter ratelimiting.RequestRateLimiter,
	allowedOrigins *AllowedOrigins,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	middleware := ComposeMiddlewares(
		logging.NewRequestLoggerMiddleware(rootLogger),
		sentryMiddleware,
		reporting.NewAddMetaMiddleware("resource"),
		buildMetricsMiddleware("resource"),
		BuildCORSMiddleware(allowedOrigins),
		NewRateLimitMiddleware(ipRateLimiter, onRateLimitExceeded),
	)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := r.URL.Query().Get("url")
		formatName := r.URL.Query().Get("format")

		handleError := func(ctx context.Context, cause string, statusCode int) {
			response, err := makeErrorResponse(cause)
			if err != nil {
				reporting.Report(ctx, fmt.Errorf("failed to marshal error response: %w", err))
				writeJSON(w, http.StatusInternalServerError, []byte(`{"success":false,"cause":"internal server error"}`))
				return
			}

			writeJSON(w, statusCode, response)
		}

		if len(key) == 0 || len(key) > maxResourceURLLength {
			handleError(ctx, "invalid url length", http.StatusBadRequest)
			return
		}
		if !isSupported(key) {
			handleError(ctx, "unsupported url", http.StatusBadRequest)
			return
		}

		format, ok := resourceFormats[formatName]
		if !ok {
			handleError(ctx, "invalid format", http.StatusBadRequest)
			return
		}

		ctx = reporting.AddResourceToContext(ctx, key)
		ctx = reporting.AddExtrasToContext(ctx, map[string]string{"format": formatName})

		content, err := loadResource(ctx, key, format.transform)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrResourceNotFound):
			handleError(ctx, "not found", http.StatusNotFound)
			return
		case errors.Is(err, domain.ErrTemporarilyUnavailable), errors.Is(err, loader.ErrLoaderClosed):
			handleError(ctx, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		case errors.Is(err, fetcher.ErrUnsupportedScheme):
			handleError(ctx, "unsupported url", http.StatusBadRequest)
			return
		case errors.Is(err, loader.ErrTransformFailed):
			logging.FromContext(ctx).InfoContext(ctx, "Resource could not be converted", slog.String("error", err.Error()))
			handleError(ctx, fmt.Sprintf("resource is not valid %s", formatName), http.StatusUnprocessableEntity)
			return
		case errors.Is(err, fetcher.ErrResponseTooLarge):
			handleError(ctx, "resource too large", http.StatusBadGateway)
			return
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			logging.FromContext(ctx).InfoContext(ctx, "Request ended before the resource was loaded", slog.String("error", err.Error()))
			handleError(ctx, "timed out", http.StatusGatewayTimeout)
			return
		default:
			// NOTE: Fetcher implementations handle their own error reporting
			handleError(ctx, "failed to load resource", http.StatusBadGateway)
			return
		}

		contentType := format.contentType
		if contentType == "" {
			contentType = http.DetectContentType(content)
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}

	return middleware(handler)
}
