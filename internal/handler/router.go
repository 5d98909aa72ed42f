package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/tipledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	if h.observe != nil {
		r.Use(h.observe)
	}
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/policy", h.GetPolicy)
		r.Get("/tips/preview", h.PreviewTip)

		r.Route("/users/{principal}", func(r chi.Router) {
			r.Get("/identity", h.GetIdentity)
			r.Get("/stats", h.GetStats)
			r.Get("/stats/sent", h.GetTotalSent)
			r.Get("/stats/received", h.GetTotalReceived)
			r.Get("/rewards", h.GetRewardPoints)
			r.Get("/tips-received", h.GetTipsReceived)
			r.Get("/tips", h.GetTipHistory)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.With(h.tipLimiter...).Post("/tips", h.Tip)
			r.Put("/user/identity", h.SetIdentity)

			r.Put("/admin/reward-rate", h.UpdateRewardRate)
			r.Post("/admin/reward-points", h.AddRewardPoints)
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
