package logging

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// https://docs.cloud.google.com/logging/docs/agent/logging/configuration#special-fields
const (
	gcpTraceKey        = "logging.googleapis.com/trace"
	gcpSpanIDKey       = "logging.googleapis.com/spanId"
	gcpTraceSampledKey = "logging.googleapis.com/trace_sampled"
)

// NewGoogleCloudTracingLogHandler wraps base so records logged with an active
// span are linked to the trace in Google Cloud Logging.
//
// NOTE: Only the *Context slog methods carry the span
func NewGoogleCloudTracingLogHandler(base slog.Handler, project string) slog.Handler {
	return &traceLinkingHandler{base: base, project: project}
}

type traceLinkingHandler struct {
	base    slog.Handler
	project string
}

func (h *traceLinkingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *traceLinkingHandler) Handle(ctx context.Context, r slog.Record) error {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return h.base.Handle(ctx, r)
	}

	r.AddAttrs(
		slog.String(gcpTraceKey, fmt.Sprintf("projects/%s/traces/%s", h.project, sc.TraceID())),
		slog.String(gcpSpanIDKey, sc.SpanID().String()),
		slog.Bool(gcpTraceSampledKey, sc.IsSampled()),
	)
	return h.base.Handle(ctx, r)
}

func (h *traceLinkingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceLinkingHandler{base: h.base.WithAttrs(attrs), project: h.project}
}

func (h *traceLinkingHandler) WithGroup(name string) slog.Handler {
	return &traceLinkingHandler{base: h.base.WithGroup(name), project: h.project}
}
