/**
 * @description
 * This file sets up the HTTP router for the rewards-service. Every route except the
 * health check sits behind the internal API key, since callers are other services.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the admin console.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RewardsRoutes creates and returns a new router for the rewards service.
func RewardsRoutes(h *RewardsHandlers, internalKey string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Internal-API-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))

		r.Get("/phases", h.ListPhasesHandler)
		r.Get("/phases/progression", h.ProgressionHandler)

		r.Post("/earnings", h.CreditEarningHandler)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/progress", h.GetProgressHandler)
			r.Get("/balance", h.GetBalanceHandler)
			r.Get("/transactions", h.GetHistoryHandler)
			r.Get("/redemptions", h.ListRedemptionsHandler)
		})

		r.Get("/catalog", h.ListCatalogHandler)
		r.Post("/catalog/{itemID}/redeem", h.RedeemHandler)
	})

	return r
}
