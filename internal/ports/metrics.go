package ports

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type portsMetricsCollection struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	responseBytes   metric.Int64Histogram
}

func setupPortsMetrics(meter metric.Meter) (portsMetricsCollection, error) {
	requestCount, err := meter.Int64Counter(
		"ports/request_count",
		metric.WithDescription("Total number of requests received"),
	)
	if err != nil {
		return portsMetricsCollection{}, fmt.Errorf("failed to create request count metric: %w", err)
	}

	requestDuration, err := meter.Float64Histogram(
		"ports/request_duration_seconds",
		metric.WithDescription("Processing time for received requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return portsMetricsCollection{}, fmt.Errorf("failed to create request duration metric: %w", err)
	}

	responseBytes, err := meter.Int64Histogram(
		"ports/response_bytes",
		metric.WithDescription("Size of response bodies"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return portsMetricsCollection{}, fmt.Errorf("failed to create response bytes metric: %w", err)
	}

	return portsMetricsCollection{
		requestCount:    requestCount,
		requestDuration: requestDuration,
		responseBytes:   responseBytes,
	}, nil
}

var metrics portsMetricsCollection

func init() {
	var err error
	metrics, err = setupPortsMetrics(otel.Meter("urlloader/ports"))
	if err != nil {
		panic(err)
	}
}

// responseRecorder remembers the status code and body size written by the
// wrapped handler
type responseRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	n, err := r.ResponseWriter.Write(data)
	r.bytesWritten += n
	return n, err
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// statusClass groups status codes as 2xx, 4xx, ...
func statusClass(statusCode int) string {
	if statusCode < 100 || statusCode > 599 {
		return "unknown"
	}
	return strconv.Itoa(statusCode/100) + "xx"
}

func buildMetricsMiddleware(handlerName string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()

			recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next(recorder, r)

			format := r.URL.Query().Get("format")
			if format == "" {
				format = "raw"
			}

			attributesOption := metric.WithAttributes(
				attribute.String("handler", handlerName),
				attribute.String("method", r.Method),
				attribute.Int("status_code", recorder.statusCode),
				attribute.String("status_class", statusClass(recorder.statusCode)),
				attribute.String("format", format),
			)

			metrics.requestCount.Add(ctx, 1, attributesOption)
			metrics.requestDuration.Record(ctx, time.Since(start).Seconds(), attributesOption)
			metrics.responseBytes.Record(ctx, int64(recorder.bytesWritten), attributesOption)
		}
	}
}
