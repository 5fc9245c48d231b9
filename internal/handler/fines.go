package handler

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/library-circulation/internal/errs"
	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/validation"
)

type reviewPaymentRequest struct {
	Approve *bool `json:"approve" validate:"required"`
}

type violationRequest struct {
	UserID          int64           `json:"user_id" validate:"required,gt=0"`
	ViolationTypeID int64           `json:"violation_type_id" validate:"required,min=1,max=4"`
	Amount          decimal.Decimal `json:"amount"`
}

type userResponse struct {
	ID             int64  `json:"id"`
	Role           string `json:"role"`
	ViolationCount int    `json:"violation_count"`
	IsBlocked      bool   `json:"is_blocked"`
}

type violationResponse struct {
	User userResponse  `json:"user"`
	Fine *fineResponse `json:"fine,omitempty"`
}

func toUserResponse(u model.User) userResponse {
	return userResponse{
		ID:             u.ID,
		Role:           string(u.Role),
		ViolationCount: u.ViolationCount,
		IsBlocked:      u.IsBlocked,
	}
}

// InitiatePayment регистрирует заявку читателя об оплате штрафа.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	fineID, err := pathID(r, "fineID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	fine, err := h.service.InitiatePayment(r.Context(), actor, fineID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toFineResponse(*fine))
}

// ReviewPayment подтверждает или отклоняет заявку об оплате.
func (h *Handler) ReviewPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	fineID, err := pathID(r, "fineID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req reviewPaymentRequest
	if err := validation.DecodeJSON(r.Body, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	fine, err := h.service.ConfirmPayment(r.Context(), actor, fineID, *req.Approve)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toFineResponse(*fine))
}

// PayDirect отмечает штраф оплаченным на месте.
func (h *Handler) PayDirect(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	fineID, err := pathID(r, "fineID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	fine, err := h.service.PayDirect(r.Context(), actor, fineID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toFineResponse(*fine))
}

// ListPendingPayments возвращает заявки об оплате, ожидающие решения.
func (h *Handler) ListPendingPayments(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	fines, err := h.service.ListPendingPayments(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toFineResponses(fines))
}

// RecordViolation регистрирует нарушение пользователя.
func (h *Handler) RecordViolation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req violationRequest
	if err := validation.DecodeJSON(r.Body, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Amount.IsNegative() {
		h.writeError(w, r, errs.Validation("amount must not be negative"))
		return
	}

	out, err := h.service.RecordViolation(r.Context(), actor, req.UserID, model.ViolationType(req.ViolationTypeID), req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := violationResponse{User: toUserResponse(out.User)}
	if out.Fine != nil {
		f := toFineResponse(*out.Fine)
		resp.Fine = &f
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// UnblockUser снимает блокировку пользователя.
func (h *Handler) UnblockUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	userID, err := pathID(r, "userID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.service.Unblock(r.Context(), actor, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toUserResponse(*user))
}
