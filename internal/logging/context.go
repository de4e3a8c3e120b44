package logging

import (
	"context"
	"log/slog"
	"os"
)

type loggerContextKey struct{}

// FromContext returns the logger stored in ctx, or a JSON logger to stdout
// tagged as a fallback
func FromContext(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger)
	if !ok || logger == nil {
		fallback := slog.New(slog.NewJSONHandler(os.Stdout, nil))
		fallback = fallback.With(slog.String("logger", "fallback"))
		return fallback
	}
	return logger
}

func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

func AddMetaToContext(ctx context.Context, args ...slog.Attr) context.Context {
	logger := FromContext(ctx)

	anySlice := make([]any, len(args))
	for i, arg := range args {
		anySlice[i] = arg
	}

	return AddToContext(ctx, logger.With(anySlice...))
}

// NewRootLogger creates the process-wide JSON logger.
//
// When googleCloudProject is set, records logged with a span in their context
// are linked to the trace in Google Cloud Logging.
func NewRootLogger(instanceID string, googleCloudProject string) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, nil)
	if googleCloudProject != "" {
		handler = NewGoogleCloudTracingLogHandler(handler, googleCloudProject)
	}
	return slog.New(handler).With(slog.String("instanceID", instanceID))
}
