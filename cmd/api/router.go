package main

import (
	"crypto/subtle"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-webhooks/internal/app"
	"github.com/noah-isme/toko-webhooks/internal/auth"
	"github.com/noah-isme/toko-webhooks/internal/config"
	"github.com/noah-isme/toko-webhooks/internal/health"
	"github.com/noah-isme/toko-webhooks/internal/obs"
	"github.com/noah-isme/toko-webhooks/internal/ratelimit"
	"github.com/noah-isme/toko-webhooks/internal/security"
)

type pprofConfig struct {
	Enabled    bool
	User, Pass string
}

type routerConfig struct {
	Config        *config.Config
	Logger        zerolog.Logger
	Webhook       *app.Webhook
	Authenticator *auth.Authenticator
	Limiter       ratelimit.Limiter
	HTTPMetrics   *obs.HTTPMetrics
	Tracing       bool
	Health        health.Handler
	Pprof         pprofConfig
}

func newRouter(rc routerConfig) http.Handler {
	cfg := rc.Config
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if rc.Tracing {
		r.Use(obs.TracingMiddleware)
	}
	if rc.HTTPMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: rc.HTTPMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: rc.Logger}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.AppEnv == "production"}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.Webhook.MaxBodyBytes}.Middleware)

	r.Get("/health/live", rc.Health.Live)
	r.Get("/health/ready", rc.Health.Ready)
	if rc.HTTPMetrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}
	if rc.Pprof.Enabled {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), rc.Pprof.User, rc.Pprof.Pass))
	}

	webhookLimit := ratelimit.Handler{
		Limiter: rc.Limiter,
		Config:  ratelimit.Config{Key: ratelimit.ByClientIP("webhook:"), Window: time.Minute, Max: cfg.RateLimit.WebhookPerMinute},
	}
	r.With(webhookLimit.Middleware).Post(cfg.Webhook.Path, rc.Webhook.Receiver.Receive)
	r.Get(cfg.Webhook.Path, rc.Webhook.Receiver.Liveness)

	r.Route("/admin/webhooks", func(admin chi.Router) {
		if origins := cfg.Admin.CORSAllowedOrigins; len(origins) > 0 {
			admin.Use(cors.Handler(cors.Options{
				AllowedOrigins: origins,
				AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token", "X-Request-ID"},
				ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Remaining"},
				MaxAge:         300,
			}))
		}
		admin.Use(auth.Middleware{Authenticator: rc.Authenticator, TokenHeader: "X-Admin-Token"}.RequireAuth)
		admin.Use(ratelimit.Handler{
			Limiter: rc.Limiter,
			Config:  ratelimit.Config{Key: ratelimit.BySubject("admin:"), Window: time.Minute, Max: cfg.RateLimit.AdminPerMinute},
		}.Middleware)

		admin.Get("/events/{eventID}", rc.Webhook.Admin.Event)
		admin.Get("/logs", rc.Webhook.Admin.List)
		admin.Post("/logs/expire", rc.Webhook.Admin.Expire)
	})
	return r
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		mux.Handle("/"+name, pprof.Handler(name))
	}
	return http.StripPrefix("/debug/pprof", mux)
}

// protectPprof requires basic auth when a user is configured.
func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
