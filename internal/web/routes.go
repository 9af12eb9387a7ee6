package web

import (
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kozaktomas/face-expand/internal/web/handlers"
	"github.com/kozaktomas/face-expand/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	expandHandler := handlers.NewExpandHandler(s.service, s.logger)
	progressHandler := handlers.NewProgressHandler(s.service, s.logger, middleware.CheckOrigin(s.config.Web.AllowedOrigins))

	// Health check
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Request/response endpoints
		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(time.Minute))

			r.Post("/persons/{personId}/expand", expandHandler.Start)
			r.Get("/persons/{personId}/suggestions", expandHandler.ListSuggestions)
			r.Post("/suggestions/accept", expandHandler.Accept)
			r.Post("/suggestions/reject", expandHandler.Reject)

			r.Get("/progress/{token}", progressHandler.Get)
		})

		// Streams end on their own after a terminal record or the observer timeout.
		r.Get("/progress/{token}/events", progressHandler.Events)
		r.Get("/progress/{token}/ws", progressHandler.WebSocket)
	})
}
