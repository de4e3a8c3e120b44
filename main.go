package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Amund211/urlloader/internal/adapters/cache"
	"github.com/Amund211/urlloader/internal/adapters/fetcher"
	"github.com/Amund211/urlloader/internal/config"
	"github.com/Amund211/urlloader/internal/loader"
	"github.com/Amund211/urlloader/internal/logging"
	"github.com/Amund211/urlloader/internal/ports"
	"github.com/Amund211/urlloader/internal/ratelimiting"
	"github.com/Amund211/urlloader/internal/reporting"
	"github.com/Amund211/urlloader/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	// Trust the Mozilla root store when the container has no certificates
	_ "golang.org/x/crypto/x509roots/fallback"
)

const shutdownTimeout = 10 * time.Second

func main() {
	instanceID := uuid.New().String()
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("instanceID", instanceID)

	fail := func(logger *slog.Logger, msg string, args ...any) {
		logger.Error(msg, args...)
		os.Exit(1)
	}

	config, err := config.ConfigFromEnv()
	if err != nil {
		fail(bootLogger, "Failed to load config", "error", err.Error())
	}

	logger := logging.NewRootLogger(instanceID, config.GoogleCloudProject())
	logger.Info("Loaded config", "config", config.NonSensitiveString())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !config.IsDevelopment() {
		shutdownTelemetry, err := telemetry.SetupOTelSDK(ctx, "urlloader")
		if err != nil {
			fail(logger, "Failed to set up telemetry", "error", err.Error())
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				logger.Error("Failed to shut down telemetry", "error", err.Error())
			}
		}()
		logger.Info("Initialized telemetry")
	}

	sentryMiddleware, flush, err := reporting.NewSentryMiddlewareOrMock(config)
	if err != nil {
		fail(logger, "Failed to initialize Sentry", "error", err.Error())
	}
	defer flush()
	logger.Info("Initialized Sentry middleware")

	contentCache, err := cache.NewLRUCache(config.CacheCapacity(), config.CacheTTL())
	if err != nil {
		fail(logger, "Failed to initialize cache", "error", err.Error())
	}
	defer contentCache.Stop()

	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	// Be gentle with any single origin
	hostRateLimiter, stopHostRateLimiter := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(10),
		ratelimiting.BurstSize(50),
	)
	defer stopHostRateLimiter()

	loaderCtx := reporting.AddHubToContext(logging.AddToContext(ctx, logger.With("component", "loader")))

	fetch, err := fetcher.NewFetcherFromConfig(loaderCtx, config, httpClient, hostRateLimiter)
	if err != nil {
		fail(logger, "Failed to initialize fetcher", "error", err.Error())
	}

	// The loader outlives ctx so in-flight requests can finish during shutdown
	l, err := loader.New(
		context.WithoutCancel(loaderCtx),
		contentCache,
		fetch,
		loader.WithConcurrencyLimit(config.ConcurrencyLimit()),
		loader.WithFetchTimeout(config.FetchTimeout()),
	)
	if err != nil {
		fail(logger, "Failed to initialize loader", "error", err.Error())
	}

	allowedOrigins, err := ports.NewAllowedOrigins(config.CORSAllowedDomains(), config.IsDevelopment())
	if err != nil {
		fail(logger, "Failed to initialize allowed origins", "error", err.Error())
	}

	ipRateLimiter, stopIPRateLimiter := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(8),
		ratelimiting.BurstSize(480),
	)
	defer stopIPRateLimiter()

	mux := http.NewServeMux()

	mux.HandleFunc(
		"OPTIONS /v1/resource",
		ports.BuildCORSHandler(allowedOrigins),
	)
	mux.HandleFunc(
		"GET /v1/resource",
		ports.MakeGetResourceHandler(
			func(ctx context.Context, key string, transform func([]byte) ([]byte, error)) ([]byte, error) {
				return loader.Load(ctx, l, key, transform)
			},
			fetch.Supports,
			ratelimiting.NewRequestBasedRateLimiter(ipRateLimiter, ratelimiting.IPKeyFunc),
			allowedOrigins,
			logger.With("port", "resource"),
			sentryMiddleware,
		),
	)

	mux.HandleFunc(
		"GET /v1/stats",
		ports.MakeGetStatsHandler(
			contentCache,
			l,
			logger.With("port", "stats"),
			sentryMiddleware,
		),
	)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", config.Port()),
		Handler:           otelhttp.NewHandler(mux, "urlloader"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()
	logger.Info("Init complete", "port", config.Port())

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			fail(logger, "Server error", "error", err.Error())
		}
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down server", "error", err.Error())
	}
	if err := l.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down loader", "error", err.Error())
	}
	logger.Info("Server shutdown")
}
