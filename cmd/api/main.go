package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-webhooks/internal/app"
	"github.com/noah-isme/toko-webhooks/internal/auth"
	"github.com/noah-isme/toko-webhooks/internal/config"
	"github.com/noah-isme/toko-webhooks/internal/health"
	"github.com/noah-isme/toko-webhooks/internal/obs"
	"github.com/noah-isme/toko-webhooks/internal/ratelimit"
)

const serviceName = "toko-webhooks"

func main() {
	cfg := config.MustLoad()

	logger := obs.NewLogger(envOrDefault("OBS_LOG_FORMAT", "json"), envOrDefault("OBS_LOG_LEVEL", "info")).
		With().Str("service", serviceName).Str("env", cfg.AppEnv).Logger()
	zerolog.DefaultContextLogger = &logger
	for _, warning := range cfg.Warnings() {
		logger.Warn().Msg(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "toko")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName:   serviceName,
			Environment:   cfg.AppEnv,
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(flushCtx); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	deps, err := app.Open(ctx, cfg, app.OpenOptions{ApplicationName: serviceName, RedisMetrics: metricsEnabled}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open dependencies")
	}
	defer deps.Close(logger)

	monitors := obs.MultiMonitor{}
	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", "")), prometheus.DefaultRegisterer)
		monitors = append(monitors, obs.PromMonitor{Metrics: obs.NewWebhookMetrics(metricsNamespace, prometheus.DefaultRegisterer)})
	}
	if otelMonitor, err := obs.NewOTelMonitor("webhook.pipeline"); err != nil {
		logger.Error().Err(err).Msg("initialise otel monitor")
	} else {
		monitors = append(monitors, otelMonitor)
	}

	wh, err := app.NewWebhook(ctx, cfg, deps, monitors)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise webhook pipeline")
	}

	var authenticator *auth.Authenticator
	if cfg.Admin.Enabled() {
		authenticator, err = auth.NewAuthenticator(auth.Config{
			Secret:      cfg.Admin.JWTSecret,
			Issuer:      cfg.Admin.JWTIssuer,
			Audience:    cfg.Admin.JWTAudience,
			TokenHashes: cfg.Admin.TokenHashes,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("initialise admin auth")
		}
	} else {
		logger.Warn().Msg("admin api disabled: no ADMIN_JWT_SECRET or ADMIN_TOKEN_HASHES")
	}

	limiter, err := ratelimit.New(cfg.RateLimit.Driver, deps.Redis, "ratelimit:")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}

	handler := newRouter(routerConfig{
		Config:        cfg,
		Logger:        logger,
		Webhook:       wh,
		Authenticator: authenticator,
		Limiter:       limiter,
		HTTPMetrics:   httpMetrics,
		Tracing:       tracingEnabled,
		Health: health.Handler{
			Probes: map[string]health.Probe{
				"db":    health.PostgresProbe(deps.DB),
				"redis": health.RedisProbe(deps.Redis),
			},
			Timeout: envDurationMillis("HEALTH_READY_TIMEOUT_MS", 800),
		},
		Pprof: pprofConfig{
			Enabled: envBool("OBS_ENABLE_PPROF", false),
			User:    envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", ""),
			Pass:    envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", ""),
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Providers give up after roughly 30s; the pipeline deadline sits below that.
		WriteTimeout: cfg.Webhook.Deadline + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("webhook_path", cfg.Webhook.Path).Msg("server starting")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
		return
	case <-ctx.Done():
	}

	logger.Info().Msg("shutdown requested")
	health.SetReady(false)
	time.Sleep(envDurationMillis("SHUTDOWN_DRAIN_DELAY_MS", 2000))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Webhook.Deadline+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
	logger.Info().Msg("server stopped")
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return time.Duration(parsed) * time.Millisecond
		}
	}
	return time.Duration(fallback) * time.Millisecond
}
