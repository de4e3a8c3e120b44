package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrUnsupportedScheme = errors.New("unsupported url scheme")
var ErrResponseTooLarge = errors.New("response too large")

type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// RoutingFetcher can tell up front whether it is able to fetch a key
type RoutingFetcher interface {
	Fetcher
	Supports(key string) bool
}

// parseKey parses key as an absolute url with a host
func parseKey(key string) (*url.URL, error) {
	u, err := url.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse url: %w", ErrUnsupportedScheme, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute url", ErrUnsupportedScheme, key)
	}
	return u, nil
}

type schemeRouter struct {
	fetchers map[string]Fetcher
}

// NewSchemeRouter dispatches each key to the fetcher registered for its url
// scheme. Schemes are case insensitive.
func NewSchemeRouter(fetchers map[string]Fetcher) *schemeRouter {
	normalized := make(map[string]Fetcher, len(fetchers))
	for scheme, fetcher := range fetchers {
		normalized[strings.ToLower(scheme)] = fetcher
	}
	return &schemeRouter{fetchers: normalized}
}

func (r *schemeRouter) Fetch(ctx context.Context, key string) ([]byte, error) {
	u, err := parseKey(key)
	if err != nil {
		return nil, err
	}

	fetcher, ok := r.fetchers[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}

	return fetcher.Fetch(ctx, key)
}

// Supports reports whether key would be routed to a fetcher
func (r *schemeRouter) Supports(key string) bool {
	u, err := parseKey(key)
	if err != nil {
		return false
	}
	_, ok := r.fetchers[strings.ToLower(u.Scheme)]
	return ok
}
