package handler

import (
	"net/http"
	"time"

	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/validation"
)

type createReservationRequest struct {
	BookID int64 `json:"book_id" validate:"required,gt=0"`
	UserID int64 `json:"user_id" validate:"gte=0"`
}

type confirmReservationRequest struct {
	PickupDate *string `json:"pickup_date"`
}

type reservationResponse struct {
	ID              int64   `json:"id"`
	BookID          int64   `json:"book_id"`
	UserID          int64   `json:"user_id"`
	ReservationDate string  `json:"reservation_date"`
	PickupDate      *string `json:"pickup_date,omitempty"`
	Status          string  `json:"status"`
}

func toReservationResponse(res model.Reservation) reservationResponse {
	return reservationResponse{
		ID:              res.ID,
		BookID:          res.BookID,
		UserID:          res.UserID,
		ReservationDate: formatDate(res.ReservationDate),
		PickupDate:      formatDatePtr(res.PickupDate),
		Status:          string(res.Status()),
	}
}

func (h *Handler) writeReservations(w http.ResponseWriter, list []model.Reservation) {
	resp := make([]reservationResponse, 0, len(list))
	for _, res := range list {
		resp = append(resp, toReservationResponse(res))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// CreateReservation бронирует книгу.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req createReservationRequest
	if err := validation.DecodeJSON(r.Body, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.service.CreateReservation(r.Context(), actor, req.BookID, req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toReservationResponse(*res))
}

// ConfirmReservation подтверждает бронирование.
func (h *Handler) ConfirmReservation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	reservationID, err := pathID(r, "reservationID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req confirmReservationRequest
	if err := decodeOptional(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	var pickup *time.Time
	if req.PickupDate != nil {
		t, err := parseDate("pickup_date", *req.PickupDate)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		pickup = &t
	}

	res, err := h.service.ConfirmReservation(r.Context(), actor, reservationID, pickup)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toReservationResponse(*res))
}

// CompleteReservation отмечает выдачу по брони.
func (h *Handler) CompleteReservation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	reservationID, err := pathID(r, "reservationID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.service.CompleteReservation(r.Context(), actor, reservationID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toReservationResponse(*res))
}

// CancelReservation отменяет бронирование.
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	reservationID, err := pathID(r, "reservationID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.service.CancelReservation(r.Context(), actor, reservationID); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListPendingReservations возвращает очередь бронирований на подтверждение.
func (h *Handler) ListPendingReservations(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	list, err := h.service.ListPendingReservations(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeReservations(w, list)
}

// ListMyReservations возвращает бронирования текущего пользователя.
func (h *Handler) ListMyReservations(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	list, err := h.service.ListMyReservations(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeReservations(w, list)
}
