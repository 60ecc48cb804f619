// Package app wires application components and startup helpers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/antiban/dispatcher/internal/adapter/httpserver"
	"github.com/antiban/dispatcher/internal/adapter/observability"
	"github.com/antiban/dispatcher/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the control API HTTP handler with all middlewares
// and routes (spec.md §4.I / §6).
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", srv.HealthHandler())

	// Mutating/control endpoints are rate-limited per IP.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.ControlAPIRateLimit, 1*time.Minute))
		wr.Post("/start", srv.StartHandler())
		wr.Post("/stop", srv.StopHandler())
		wr.Post("/pacers/{sessionId}", srv.PatchPacerHandler())
		wr.Post("/sessions/{sessionId}/rpm", srv.SetSessionRPMHandler())
		wr.Post("/smartguard/enable", srv.SmartguardEnableHandler())
	})

	r.Get("/queue/status", srv.QueueStatusHandler())
	r.Get("/pacers", srv.PacersHandler())
	r.Get("/sessions/metrics", srv.SessionsMetricsHandler())
	r.Get("/smartguard/status", srv.SmartguardStatusHandler())
	r.Get("/incidents", srv.IncidentsHandler())
	r.Get("/jobs/{jobId}", srv.JobHandler())
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return httpserver.SecurityHeaders(r)
}
