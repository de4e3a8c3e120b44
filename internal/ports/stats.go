package ports

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Amund211/urlloader/internal/adapters/cache"
	"github.com/Amund211/urlloader/internal/loader"
	"github.com/Amund211/urlloader/internal/logging"
	"github.com/Amund211/urlloader/internal/reporting"
)

type CacheStats interface {
	Len() int
	Size() uint64
	Capacity() uint64
	Metrics() cache.Metrics
}

type LoaderStats interface {
	Stats() loader.Stats
}

type cacheStatsResponse struct {
	Entries       int    `json:"entries"`
	SizeBytes     uint64 `json:"sizeBytes"`
	CapacityBytes uint64 `json:"capacityBytes"`
	Insertions    uint64 `json:"insertions"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Evictions     uint64 `json:"evictions"`
}

type loaderStatsResponse struct {
	Queued           int `json:"queued"`
	Running          int `json:"running"`
	Waiting          int `json:"waiting"`
	ConcurrencyLimit int `json:"concurrencyLimit"`
}

type statsResponse struct {
	Success bool                `json:"success"`
	Cache   cacheStatsResponse  `json:"cache"`
	Loader  loaderStatsResponse `json:"loader"`
}

func MakeGetStatsHandler(
	contentCache CacheStats,
	l LoaderStats,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	middleware := ComposeMiddlewares(
		logging.NewRequestLoggerMiddleware(rootLogger),
		sentryMiddleware,
		reporting.NewAddMetaMiddleware("stats"),
		buildMetricsMiddleware("stats"),
	)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		cacheMetrics := contentCache.Metrics()
		loaderStats := l.Stats()

		data, err := json.Marshal(statsResponse{
			Success: true,
			Cache: cacheStatsResponse{
				Entries:       contentCache.Len(),
				SizeBytes:     contentCache.Size(),
				CapacityBytes: contentCache.Capacity(),
				Insertions:    cacheMetrics.Insertions,
				Hits:          cacheMetrics.Hits,
				Misses:        cacheMetrics.Misses,
				Evictions:     cacheMetrics.Evictions,
			},
			Loader: loaderStatsResponse{
				Queued:           loaderStats.Queued,
				Running:          loaderStats.Running,
				Waiting:          loaderStats.Waiting,
				ConcurrencyLimit: loaderStats.ConcurrencyLimit,
			},
		})
		if err != nil {
			reporting.Report(ctx, fmt.Errorf("failed to marshal stats response: %w", err))
			writeJSON(w, http.StatusInternalServerError, []byte(`{"success":false,"cause":"internal server error"}`))
			return
		}

		writeJSON(w, http.StatusOK, data)
	}

	return middleware(handler)
}
