package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/nutrisync-go/apperror"
	"github.com/user/nutrisync-go/auth"
	"github.com/user/nutrisync-go/background"
	"github.com/user/nutrisync-go/session"
	"github.com/user/nutrisync-go/users"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// routerDeps is everything the HTTP surface needs.
type routerDeps struct {
	Logger         *slog.Logger
	AllowedOrigins []string
	Sessions       *session.Manager
	Auth           *auth.Handlers
	Users          *users.Handlers
	Registry       *prometheus.Registry
	Health         map[string]HealthCheck
}

// newMetricsRegistry returns a registry with the runtime collectors and the
// application metrics.
func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	auth.RegisterMetrics(reg)
	background.RegisterMetrics(reg)
	return reg
}

func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(recoverJSON(d.Logger))
	r.Use(middleware.Timeout(60 * time.Second))

	// The web client sends the session cookie cross-origin, so origins must
	// be listed explicitly; a wildcard can't be combined with credentials.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", handleHealth(d.Health))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(d.Sessions.Middleware)
		r.Route("/api/auth", d.Auth.RegisterRoutes)
		r.Route("/api/user", d.Users.RegisterRoutes)
	})

	return r
}

// recoverJSON turns a panic into a JSON 500 instead of chi's plain-text one.
func recoverJSON(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					if rvr == http.ErrAbortHandler {
						panic(rvr)
					}
					logger.ErrorContext(r.Context(), "panic serving request",
						"panic", rvr,
						"path", r.URL.Path,
						"request_id", middleware.GetReqID(r.Context()),
					)
					apperror.WriteError(w, r, apperror.NewInternalError("internal server error", nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// handleHealth pings every dependency and answers 503 if any is down.
func handleHealth(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		report := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				report[name] = err.Error()
				continue
			}
			report[name] = "ok"
		}
		apperror.WriteJSON(w, status, report)
	}
}
