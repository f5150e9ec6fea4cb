package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/yearbook-checkout/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса оплаты.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)
		r.Get("/rate", h.GetRate)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Put("/yearbooks/{year}", h.SetYearbookPrice)

			r.Post("/cart", h.AddToCart)
			r.Get("/cart", h.GetCart)
			r.Delete("/cart/{id}", h.RemoveFromCart)

			r.Post("/payments", h.InitiatePayment)
			r.Get("/payments/pending", h.GetPendingPayment)
			r.Get("/payments/callback", h.PaymentCallback)
			r.Get("/payments/{reference}", h.VerifyPayment)

			r.Get("/entitlements", h.GetEntitlements)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", http.StatusText(http.StatusNotFound))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", http.StatusText(http.StatusMethodNotAllowed))
	})

	return r
}
