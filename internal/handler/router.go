package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/femilianferuk-droid/proxy/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/users", h.RegisterUser)
		r.Get("/users/{userID}/profile", h.GetProfile)

		r.Get("/products", h.ListProducts)

		r.Post("/orders", h.CreateOrder)
		r.Post("/orders/check", h.CheckPayment)

		r.Post("/free-keys/claim", h.ClaimFreeKey)

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.adminAuth.Middleware)

			r.Post("/products", h.AddProduct)
			r.Post("/products/{productID}/items", h.AddItems)
			r.Put("/products/{productID}/price", h.SetProductPrice)
			r.Put("/products/{productID}/instruction", h.SetProductInstruction)

			r.Post("/free-keys", h.AddFreeKeys)
			r.Get("/stats", h.GetStats)
			r.Post("/broadcast", h.Broadcast)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
