package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/arcadepay/arcade-ledger/internal/commerce"
	custommiddleware "github.com/arcadepay/arcade-ledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type", commerce.SignatureHeader},
	}).Handler)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/health", h.Health)

	r.Route("/commerce", func(r chi.Router) {
		r.Post("/webhook", h.Webhook)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Post("/create-charge", h.CreateCharge)
		})
	})

	r.Route("/play", func(r chi.Router) {
		r.Get("/verify", h.VerifySession)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Post("/start", h.StartSession)
			r.Post("/end", h.EndSession)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Get("/wallet/me", h.GetWallet)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed)
	})

	return r
}
