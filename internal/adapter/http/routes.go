package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Runs
		r.Post("/runs", h.CreateRun)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{id}", h.GetRun)
		r.Post("/runs/{id}/cancel", h.CancelRun)
		r.Post("/runs/{id}/phases/{phase}/complete", h.ReportPhase)

		// Templates
		r.Get("/templates", h.ListTemplates)

		// Coordination state
		r.Get("/queue", h.QueueStatus)
		r.Get("/slots", h.SlotStatus)
		r.Get("/locks", h.LockStatus)
	})
}
