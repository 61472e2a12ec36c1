package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/alexfaker/autoGenVideo/internal/http/handlers"
	"github.com/alexfaker/autoGenVideo/internal/infra"
	"github.com/alexfaker/autoGenVideo/internal/middleware"
)

// NewRouter mounts the monitor API. All routes are read-only.
func NewRouter(app *handlers.App, logger infra.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.Recoverer,
		middleware.Logger(infra.Component(logger, "statusapi")),
		middleware.RateLimit(120, time.Minute),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/status", app.StatusReport)
	r.Route("/v1/jobs", func(r chi.Router) {
		r.Get("/", app.ListJobs)
		r.Get("/{ref}", app.GetJob)
	})
	r.Get("/v1/schedule", app.ScheduleEntries)
	r.Get("/v1/accounts", app.AccountList)

	return r
}
