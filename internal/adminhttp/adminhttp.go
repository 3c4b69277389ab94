// Package adminhttp wires the process's internal admin surface: health and
// readiness probes, a Prometheus scrape endpoint, and a session listing for
// operators.
package adminhttp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rajeevrajeshuni/glasses-cloud/internal/health"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/registry"
)

// Config groups the dependencies exposed on the admin surface.
type Config struct {
	Health   *health.Handler
	Registry *registry.Registry
}

// NewRouter builds the admin chi router: /healthz, /readyz, /metrics, and
// /sessions.
func NewRouter(cfg Config) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	r.Get("/healthz", cfg.Health.Healthz)
	r.Get("/readyz", cfg.Health.Readyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/sessions", listSessions(cfg.Registry))

	return r
}

type sessionSummary struct {
	UserID            string    `json:"userId"`
	StartTime         time.Time `json:"startTime"`
	ActiveStreamCount int       `json:"activeStreamCount"`
}

func listSessions(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summaries := make([]sessionSummary, 0, reg.Len())
		reg.Range(func(userID string, sess *registry.UserSession) bool {
			summaries = append(summaries, sessionSummary{
				UserID:            userID,
				StartTime:         sess.StartTime,
				ActiveStreamCount: sess.Transcription.ActiveStreamCount(),
			})
			return true
		})

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(w).Encode(summaries); err != nil {
			http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		}
	}
}
