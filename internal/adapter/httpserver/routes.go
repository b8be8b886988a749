package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/observability"
)

// Router assembles the ops API. Mutating routes sit behind the API key and a
// per-IP rate limit; reads and probes stay open.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID())
	r.Use(middleware.RealIP)
	r.Use(Recoverer())
	r.Use(TimeoutMiddleware(60 * time.Second))
	r.Use(TraceMiddleware)
	r.Use(AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(s.Cfg.CORSAllowOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", HealthzHandler)
	r.Get("/readyz", s.ReadyzHandler())
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/jobs/{id}", s.JobGetHandler())
		r.Get("/trials", s.TrialSearchHandler())
		r.Get("/trials/{key}", s.TrialGetHandler())
		r.Get("/status", s.StatusHandler())

		rate := s.Cfg.RateLimitPerMin
		if rate <= 0 {
			rate = 60
		}
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(rate, time.Minute))
			r.Use(RequireAPIKey(s.Cfg.AdminAPIKeyHash))
			r.Post("/jobs", s.EnqueueJobHandler())
			r.Post("/patients/{id}/matches", s.MatchPatientHandler())
		})
	})

	return r
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{"*"}
	}
	return out
}
