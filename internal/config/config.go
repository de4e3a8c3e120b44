package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Amund211/urlloader/internal/constants"
)

var ErrMissingRequiredValue = errors.New("missing required value")
var ErrInvalidValue = errors.New("invalid value")

type environment string

const (
	production  environment = "production"
	staging     environment = "staging"
	development environment = "development"
)

type fetcherMode string

const (
	networkFetcher fetcherMode = "network"
	mockFetcher    fetcherMode = "mock"
)

const (
	defaultPort         = "8080"
	defaultFetchTimeout = 30 * time.Second
)

type Config struct {
	port               string
	sentryDSN          string
	cacheCapacity      uint64
	cacheTTL           time.Duration
	concurrencyLimit   int
	fetchTimeout       time.Duration
	fetcherMode        fetcherMode
	s3Region           string
	googleCloudProject string
	corsAllowedDomains []string
	env                environment
}

func (c *Config) Port() string {
	return c.port
}

func (c *Config) SentryDSN() string {
	return c.sentryDSN
}

// Size of the content cache in bytes
func (c *Config) CacheCapacity() uint64 {
	return c.cacheCapacity
}

// 0 means cached content never expires
func (c *Config) CacheTTL() time.Duration {
	return c.cacheTTL
}

func (c *Config) ConcurrencyLimit() int {
	return c.concurrencyLimit
}

func (c *Config) FetchTimeout() time.Duration {
	return c.fetchTimeout
}

func (c *Config) UseMockFetcher() bool {
	return c.fetcherMode == mockFetcher
}

// Empty when the s3 backend is disabled
func (c *Config) S3Region() string {
	return c.s3Region
}

func (c *Config) GoogleCloudProject() string {
	return c.googleCloudProject
}

// Domains (and their subdomains) allowed to make cross origin requests
func (c *Config) CORSAllowedDomains() []string {
	return c.corsAllowedDomains
}

func (c *Config) Environment() string {
	return string(c.env)
}

func (c *Config) IsProduction() bool {
	return c.env == production
}

func (c *Config) IsStaging() bool {
	return c.env == staging
}

func (c *Config) IsDevelopment() bool {
	return c.env == development
}

// Return a string representation suitable for logging etc
func (c *Config) NonSensitiveString() string {
	return fmt.Sprintf(
		"Config{env: %s, port: %s, cacheCapacity: %d, cacheTTL: %s, concurrencyLimit: %d, fetchTimeout: %s, fetcherMode: %s, s3Region: %q, ...}",
		string(c.env), c.port, c.cacheCapacity, c.cacheTTL, c.concurrencyLimit, c.fetchTimeout, string(c.fetcherMode), c.s3Region,
	)
}

func ConfigFromEnv() (Config, error) {
	missingKey := func(key string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingRequiredValue, key)
	}
	invalidValue := func(key, value string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s (%s)", ErrInvalidValue, key, value)
	}

	var env environment
	rawEnv, ok := os.LookupEnv("URLLOADER_ENVIRONMENT")
	if !ok {
		return missingKey("URLLOADER_ENVIRONMENT")
	}
	switch rawEnv {
	case "production":
		env = production
	case "staging":
		env = staging
	case "development":
		env = development
	default:
		return invalidValue("URLLOADER_ENVIRONMENT", rawEnv)
	}
	if string(env) == "" {
		panic("logic error: env is empty")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return invalidValue("PORT", port)
	}

	sentryDSN := os.Getenv("SENTRY_DSN")
	if env == production || env == staging {
		if sentryDSN == "" {
			return missingKey("SENTRY_DSN")
		}
	}

	cacheCapacity := uint64(constants.DEFAULT_CACHE_CAPACITY)
	if raw := os.Getenv("CACHE_CAPACITY_BYTES"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || parsed == 0 {
			return invalidValue("CACHE_CAPACITY_BYTES", raw)
		}
		cacheCapacity = parsed
	}

	var cacheTTL time.Duration
	if raw := os.Getenv("CACHE_TTL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			return invalidValue("CACHE_TTL", raw)
		}
		cacheTTL = parsed
	}

	concurrencyLimit := constants.DEFAULT_CONCURRENCY_LIMIT
	if raw := os.Getenv("CONCURRENCY_LIMIT"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return invalidValue("CONCURRENCY_LIMIT", raw)
		}
		concurrencyLimit = parsed
	}

	fetchTimeout := defaultFetchTimeout
	if raw := os.Getenv("FETCH_TIMEOUT"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			return invalidValue("FETCH_TIMEOUT", raw)
		}
		fetchTimeout = parsed
	}

	mode := networkFetcher
	switch raw := os.Getenv("FETCHER_MODE"); raw {
	case "", "network":
	case "mock":
		mode = mockFetcher
	default:
		return invalidValue("FETCHER_MODE", raw)
	}

	var corsAllowedDomains []string
	for _, domain := range strings.Split(os.Getenv("CORS_ALLOWED_DOMAINS"), ",") {
		domain = strings.TrimSpace(domain)
		if domain != "" {
			corsAllowedDomains = append(corsAllowedDomains, domain)
		}
	}

	return Config{
		port:               port,
		sentryDSN:          sentryDSN,
		cacheCapacity:      cacheCapacity,
		cacheTTL:           cacheTTL,
		concurrencyLimit:   concurrencyLimit,
		fetchTimeout:       fetchTimeout,
		fetcherMode:        mode,
		s3Region:           os.Getenv("S3_REGION"),
		googleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		corsAllowedDomains: corsAllowedDomains,
		env:                env,
	}, nil
}
