package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// HealthCheck reports whether the service can reach its dependencies.
type HealthCheck func(ctx context.Context) error

func NewRouter(bookings *BookingHandler, health HealthCheck) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			err := health(r.Context())
			if err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
				return
			}
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/bookings", func(r chi.Router) {
		r.Post("/admission", bookings.CheckAdmission)
		r.Post("/holds", bookings.PlaceHold)
		r.Post("/appointments", bookings.Book)
	})

	return r
}
