package reporting

import (
	"context"
	"maps"
	"net/url"
	"strings"
	"time"
)

// reportMeta is attached to every event reported with the context
type reportMeta struct {
	tags      map[string]string
	extras    map[string]string
	startedAt time.Time
}

type reportMetaContextKey struct{}

func metaFromContext(ctx context.Context) reportMeta {
	meta, ok := ctx.Value(reportMetaContextKey{}).(reportMeta)
	if !ok {
		return reportMeta{
			tags:   make(map[string]string),
			extras: make(map[string]string),
		}
	}
	return reportMeta{
		tags:      maps.Clone(meta.tags),
		extras:    maps.Clone(meta.extras),
		startedAt: meta.startedAt,
	}
}

// withMeta stores a modified copy of the meta in ctx. Parent contexts are unaffected.
func withMeta(ctx context.Context, update func(meta *reportMeta)) context.Context {
	meta := metaFromContext(ctx)
	update(&meta)
	return context.WithValue(ctx, reportMetaContextKey{}, meta)
}

func AddExtrasToContext(ctx context.Context, extras map[string]string) context.Context {
	return withMeta(ctx, func(meta *reportMeta) {
		maps.Copy(meta.extras, extras)
	})
}

func AddTagsToContext(ctx context.Context, tags map[string]string) context.Context {
	return withMeta(ctx, func(meta *reportMeta) {
		maps.Copy(meta.tags, tags)
	})
}

// AddResourceToContext records the resource a report concerns. Scheme and host
// become tags so issues can be filtered by origin, the full key is an extra.
func AddResourceToContext(ctx context.Context, key string) context.Context {
	scheme, host := "<invalid>", "<invalid>"
	if u, err := url.Parse(key); err == nil && u.Scheme != "" {
		scheme = strings.ToLower(u.Scheme)
		host = strings.ToLower(u.Hostname())
		if host == "" {
			host = "<none>"
		}
	}

	return withMeta(ctx, func(meta *reportMeta) {
		meta.tags["resourceScheme"] = scheme
		meta.tags["resourceHost"] = host
		meta.extras["resource"] = key
	})
}

func setStartedAtInContext(ctx context.Context, startedAt time.Time) context.Context {
	return withMeta(ctx, func(meta *reportMeta) {
		meta.startedAt = startedAt
	})
}
