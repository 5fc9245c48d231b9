package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/library-circulation/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса выдачи книг.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/books/{bookID}/availability", h.GetAvailability)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/loans", h.IssueLoan)
			r.Post("/loans/{loanID}/return", h.ReturnLoan)
			r.Post("/loans/{loanID}/lost", h.MarkLoanLost)

			r.Post("/reservations", h.CreateReservation)
			r.Get("/reservations/pending", h.ListPendingReservations)
			r.Post("/reservations/{reservationID}/confirm", h.ConfirmReservation)
			r.Post("/reservations/{reservationID}/complete", h.CompleteReservation)
			r.Delete("/reservations/{reservationID}", h.CancelReservation)

			r.Get("/me/history", h.GetHistory)
			r.Get("/me/reservations", h.ListMyReservations)

			r.Get("/fines/pending", h.ListPendingPayments)
			r.Post("/fines/{fineID}/payment", h.InitiatePayment)
			r.Post("/fines/{fineID}/payment/review", h.ReviewPayment)
			r.Post("/fines/{fineID}/pay", h.PayDirect)

			r.Post("/violations", h.RecordViolation)
			r.Post("/users/{userID}/unblock", h.UnblockUser)

			r.Post("/orders", h.CreateOrder)
			r.Post("/orders/forecast", h.Forecast)
			r.Get("/orders/{orderID}", h.GetOrder)
			r.Put("/orders/{orderID}/status", h.UpdateOrderStatus)
			r.Put("/price-list", h.SetPrice)
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
