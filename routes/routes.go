// Package routes wires the HTTP surface onto a chi router.
package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tiergate/tiergate/app"
)

// SetupRoutes configures all application routes and middleware.
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	// Native surface
	r.Post("/chat", deps.Chat.HandleChat)
	r.Get("/models", deps.Models.HandleModels)
	r.Get("/health", deps.Health.HandleHealth)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	// OpenAI-compatible surface
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", deps.Completions.HandleCompletions)
		r.Get("/models", deps.Models.HandleOpenAIModels)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}

// echoRequestID reflects the generated request ID back to the client.
func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-Id", id)
		}
		next.ServeHTTP(w, r)
	})
}
