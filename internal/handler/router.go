package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/perpus-gateway/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware шлюза.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/loans", func(r chi.Router) {
			r.Get("/", h.ListLoans)
			r.Get("/{id}", h.GetLoan)
			r.Post("/{id}/accept", h.AcceptLoan)
			r.Post("/{id}/return", h.ReturnLoan)
		})

		r.Post("/books/{bookID}/borrow", h.BorrowBook)

		r.Route("/members", func(r chi.Router) {
			r.Get("/", h.SearchMembers)
			r.Post("/", h.RegisterMember)
			r.Get("/lookup", h.LookupMembers)
			r.Post("/cache/invalidate", h.InvalidateMembers)

			r.Get("/{id}", h.GetMember)
			r.Put("/{id}", h.UpdateMember)
			r.Delete("/{id}", h.DeleteMember)
			r.Get("/{id}/dashboard", h.MemberDashboard)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeMessage(w, http.StatusNotFound, "")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeMessage(w, http.StatusMethodNotAllowed, "")
	})

	return r
}
