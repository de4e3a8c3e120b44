package ports

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// AllowedOrigins decides which browser origins may read resources cross origin.
//
// An origin is allowed if it is https, has no explicit port and its host is one
// of the configured domains or a subdomain of one. Local development origins
// (http or https on localhost/127.0.0.1, any port) can be allowed separately.
type AllowedOrigins struct {
	domains        []string
	allowLocalhost bool
}

func NewAllowedOrigins(domains []string, allowLocalhost bool) (*AllowedOrigins, error) {
	normalized := make([]string, 0, len(domains))
	for _, domain := range domains {
		switch {
		case domain == "":
			return nil, fmt.Errorf("allowed domain must not be empty")
		case strings.HasPrefix(domain, "."):
			return nil, fmt.Errorf("allowed domain %s should not start with a dot", domain)
		case strings.Contains(domain, "://"):
			return nil, fmt.Errorf("allowed domain %s should not contain a scheme", domain)
		case strings.ContainsAny(domain, "/:?#@ "):
			return nil, fmt.Errorf("allowed domain %s should be a bare host name", domain)
		}
		normalized = append(normalized, strings.ToLower(domain))
	}

	return &AllowedOrigins{
		domains:        normalized,
		allowLocalhost: allowLocalhost,
	}, nil
}

func (o *AllowedOrigins) Allows(origin string) bool {
	if origin == "" {
		return false
	}

	u, err := url.Parse(origin)
	if err != nil || u.User != nil || u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return false
	}

	host := strings.ToLower(u.Hostname())

	if o.allowLocalhost && (u.Scheme == "http" || u.Scheme == "https") && (host == "localhost" || host == "127.0.0.1") {
		return true
	}

	if u.Scheme != "https" || u.Port() != "" {
		return false
	}

	for _, domain := range o.domains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// BuildCORSMiddleware answers preflight requests from allowed origins and marks
// other responses as readable by them
func BuildCORSMiddleware(allowedOrigins *AllowedOrigins) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			// Responses differ per origin, so shared caches must key on it
			w.Header().Add("Vary", "Origin")

			if allowedOrigins.Allows(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)

				if r.Method == http.MethodOptions {
					w.Header().Set("Access-Control-Allow-Methods", "GET")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}

				w.Header().Set("Access-Control-Expose-Headers", "Content-Length")
			}

			next(w, r)
		}
	}
}

func BuildCORSHandler(allowedOrigins *AllowedOrigins) http.HandlerFunc {
	return BuildCORSMiddleware(allowedOrigins)(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}
