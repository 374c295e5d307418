package authority

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured. A nil limiter
// leaves write endpoints unthrottled.
func NewRouter(h *Handler, writes *WriteRateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public: used as the client connectivity probe
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Get("/events/{event_id}/attendees", h.ListAttendees)
			r.Get("/events/{event_id}/feed", h.Feed)

			r.Group(func(r chi.Router) {
				if writes != nil {
					r.Use(writes.Middleware)
				}
				r.Put("/attendees/{attendee_id}/check-in", h.SetCheckIn)
				r.Post("/events/{event_id}/reset", h.ResetEvent)
				r.Post("/events/{event_id}/attendees", h.AddAttendee)
				r.Delete("/attendees/{attendee_id}", h.DeleteAttendee)
			})
		})
	})

	return r
}
