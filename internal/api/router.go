// Package api wires the HTTP routes for the selection engine.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pawprint/modelswapper/internal/api/handlers"
	"github.com/pawprint/modelswapper/internal/api/middleware"
)

// NewRouter builds the chi router with all middleware and routes.
func NewRouter(h *handlers.Handlers, version string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAPIKeyAuth().Middleware)

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(version))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/select", h.SelectModel)
		r.Post("/usage", h.RecordUsage)
		r.Get("/usage", h.ListUsage)
		r.Get("/status", h.Status)
		r.Get("/models", h.ListModels)
		r.Get("/spending/{userID}", h.GetSpending)

		r.Post("/providers", h.RegisterProvider)

		r.Route("/credentials", func(r chi.Router) {
			r.Post("/", h.StoreCredential)
			r.Get("/user/{userID}", h.ListCredentials)
			r.Post("/{credentialID}/verify", h.VerifyCredential)
			r.Delete("/{credentialID}", h.RevokeCredential)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func versionHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"version":"` + version + `"}`))
	}
}
