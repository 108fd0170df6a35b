package routers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"imageflow/realtime/internal/api"
	"imageflow/realtime/internal/metrics"
)

const serviceName = "realtime"

func New(h *api.Handlers, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(metrics.Middleware(serviceName))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())

	// long-lived; must stay outside the request timeout
	r.Get("/ws", h.RealtimeWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Logger, middleware.Timeout(60*time.Second))

		r.Route("/internal", func(r chi.Router) {
			r.Use(h.RequireInternalToken)
			r.Get("/realtime/stats", h.Stats)
			r.Post("/users/{userId}/notifications", h.PublishNotification)
			r.Post("/users/{userId}/activity", h.PublishActivity)
		})
	})

	return r
}
