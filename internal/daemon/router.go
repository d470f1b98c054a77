package daemon

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"meshqueue/internal/api"
	"meshqueue/internal/metrics"
)

// newRouter mounts the HTTP surface. exporter may be nil to disable /metrics.
func newRouter(svc *api.Service, token string, exporter *metrics.Metrics, logger *slog.Logger) http.Handler {
	h := &handlers{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(accessLogMiddleware(logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware(token))
		r.Post("/jobs", h.submit)
		r.Get("/jobs", h.list)
		r.Get("/jobs/{id}", h.status)
		r.Get("/jobs/{id}/artifacts/{stage}", h.artifact)
		r.Post("/jobs/{id}/cancel", h.cancel)
		r.Get("/status", h.daemonStatus)
	})
	if exporter != nil {
		r.Method(http.MethodGet, "/metrics", exporter.Handler())
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusNotFound, errorBody("not found", "", ""))
	})
	return r
}
