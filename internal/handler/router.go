package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/salon-loyalty/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса лояльности.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api/loyalty", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/program", h.CreateProgram)
		r.Get("/program", h.GetProgram)
		r.Put("/program", h.UpdateProgram)

		r.Get("/tiers", h.ListTiers)
		r.Post("/tiers", h.CreateTier)
		r.Put("/tiers/{tierID}", h.UpdateTier)
		r.Delete("/tiers/{tierID}", h.DeleteTier)

		r.Get("/rewards", h.ListRewards)
		r.Post("/rewards", h.CreateReward)
		r.Get("/rewards/{rewardID}", h.GetReward)
		r.Put("/rewards/{rewardID}", h.UpdateReward)
		r.Delete("/rewards/{rewardID}", h.DeleteReward)

		r.Post("/accounts", h.Enroll)
		r.Route("/accounts/{clientID}", func(r chi.Router) {
			r.Get("/", h.GetAccount)
			r.Get("/transactions", h.ListTransactions)
			r.Get("/rewards", h.ListEligibleRewards)
			r.Post("/adjust", h.AdjustPoints)
			r.Post("/tier-check", h.CheckTier)
			r.Get("/redemptions", h.ListRedemptions)
			r.Post("/redemptions", h.Redeem)
		})

		r.Post("/events/command-closed", h.CommandClosed)
		r.Get("/events/marketing", h.ListMarketingEvents)

		r.Get("/vouchers/{code}", h.ValidateVoucher)
		r.Post("/vouchers/{code}/use", h.UseVoucher)
		r.Post("/vouchers/{code}/cancel", h.CancelVoucher)

		r.Put("/clients/{clientID}/birthday", h.SetBirthday)
		r.Post("/jobs/run", h.RunJobs)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
