package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vincent-163/claude-code-multi/internal/adapter/ws"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, stream *ws.Streamer) {
	r.Get("/healthz", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Post("/", h.CreateSession)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.DeleteSession)
				r.Post("/resume", h.ResumeSession)
				r.Post("/input", h.SendInput)
				r.Post("/control", h.SendControl)
				r.Post("/interrupt", h.Interrupt)
				r.Get("/history", h.History)
				r.Get("/archive", h.ArchiveHistory)
				r.Get("/events", h.StreamEvents)
				r.Get("/ws", stream.Handle)
			})
		})
	})
}
