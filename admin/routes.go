package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the admin API router
func NewRouter(handlers *AdminHandlers) chi.Router {
	r := chi.NewRouter()

	// Liveness stays unauthenticated for probes
	r.Get("/health", handlers.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware)

		r.Get("/stats", handlers.handleStats)
		r.Get("/watch", handlers.handleWatch)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", handlers.handleListSubscriptions)
			r.Post("/", handlers.handleCreateSubscription)
			r.Get("/{id}", handlers.handleGetSubscription)
			r.Delete("/{id}", handlers.handleCloseSubscription)
			r.Post("/{id}/close", handlers.handleCloseSubscription)
			r.Post("/{id}/queries", handlers.handleRegisterQuery)
		})
	})

	return r
}

// RegisterRoutes mounts the admin API under /admin on mux
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := NewRouter(handlers)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
