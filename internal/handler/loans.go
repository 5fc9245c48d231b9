package handler

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/service"
	"github.com/mmeshcher/library-circulation/internal/validation"
)

type issueRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
	BookID int64 `json:"book_id" validate:"required,gt=0"`
	Days   int   `json:"days" validate:"gte=0"`
}

type returnRequest struct {
	Condition *string `json:"condition" validate:"omitempty,oneof=New Good Damaged Lost"`
}

type loanResponse struct {
	ID                int64   `json:"id"`
	BookID            int64   `json:"book_id"`
	UserID            int64   `json:"user_id"`
	IssueDate         string  `json:"issue_date"`
	DueDate           string  `json:"due_date"`
	ReturnDate        *string `json:"return_date,omitempty"`
	IsReturned        bool    `json:"is_returned"`
	ConditionOnReturn *string `json:"condition_on_return,omitempty"`
	Status            string  `json:"status"`
}

type fineResponse struct {
	ID                   int64           `json:"id"`
	UserID               int64           `json:"user_id"`
	ViolationTypeID      int64           `json:"violation_type_id"`
	ViolationType        string          `json:"violation_type"`
	Amount               decimal.Decimal `json:"amount"`
	IssueDate            string          `json:"issue_date"`
	Status               string          `json:"status"`
	PaidDate             *string         `json:"paid_date,omitempty"`
	PaymentInitiatedDate *string         `json:"payment_initiated_date,omitempty"`
}

type loanOutcomeResponse struct {
	Loan        loanResponse   `json:"loan"`
	Fines       []fineResponse `json:"fines"`
	UserBlocked bool           `json:"user_blocked"`
}

type historyResponse struct {
	Loans []loanResponse `json:"loans"`
	Fines []fineResponse `json:"fines"`
}

type availabilityResponse struct {
	BookID int64  `json:"book_id"`
	Status string `json:"status"`
}

func toLoanResponse(l model.Loan) loanResponse {
	resp := loanResponse{
		ID:         l.ID,
		BookID:     l.BookID,
		UserID:     l.UserID,
		IssueDate:  formatDate(l.IssueDate),
		DueDate:    formatDate(l.DueDate),
		ReturnDate: formatDatePtr(l.ReturnDate),
		IsReturned: l.IsReturned,
		Status:     string(l.Status),
	}
	if l.ConditionOnReturn != nil {
		c := string(*l.ConditionOnReturn)
		resp.ConditionOnReturn = &c
	}
	return resp
}

func toFineResponse(f model.Fine) fineResponse {
	return fineResponse{
		ID:                   f.ID,
		UserID:               f.UserID,
		ViolationTypeID:      int64(f.ViolationTypeID),
		ViolationType:        f.ViolationTypeID.String(),
		Amount:               f.Amount,
		IssueDate:            formatDate(f.IssueDate),
		Status:               string(f.Status()),
		PaidDate:             formatDatePtr(f.PaidDate),
		PaymentInitiatedDate: formatDatePtr(f.PaymentInitiatedDate),
	}
}

func toFineResponses(fines []model.Fine) []fineResponse {
	resp := make([]fineResponse, 0, len(fines))
	for _, f := range fines {
		resp = append(resp, toFineResponse(f))
	}
	return resp
}

func toLoanOutcomeResponse(out *service.LoanOutcome) loanOutcomeResponse {
	return loanOutcomeResponse{
		Loan:        toLoanResponse(out.Loan),
		Fines:       toFineResponses(out.Fines),
		UserBlocked: out.UserBlocked,
	}
}

// IssueLoan выдаёт книгу читателю.
func (h *Handler) IssueLoan(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req issueRequest
	if err := validation.DecodeJSON(r.Body, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	loan, err := h.service.Issue(r.Context(), actor, req.UserID, req.BookID, req.Days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toLoanResponse(*loan))
}

// ReturnLoan принимает книгу обратно.
func (h *Handler) ReturnLoan(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	loanID, err := pathID(r, "loanID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req returnRequest
	if err := decodeOptional(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	var condition *model.PhysicalStatus
	if req.Condition != nil {
		c := model.PhysicalStatus(*req.Condition)
		condition = &c
	}

	out, err := h.service.Return(r.Context(), actor, loanID, condition)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toLoanOutcomeResponse(out))
}

// MarkLoanLost списывает просроченную книгу как утерянную.
func (h *Handler) MarkLoanLost(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	loanID, err := pathID(r, "loanID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.service.MarkLost(r.Context(), actor, loanID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toLoanOutcomeResponse(out))
}

// GetHistory возвращает выдачи и штрафы текущего пользователя.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	history, err := h.service.MyHistory(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := historyResponse{
		Loans: make([]loanResponse, 0, len(history.Loans)),
		Fines: toFineResponses(history.Fines),
	}
	for _, l := range history.Loans {
		resp.Loans = append(resp.Loans, toLoanResponse(l))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetAvailability возвращает вычисленную доступность книги.
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	bookID, err := pathID(r, "bookID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	a, err := h.service.Availability(r.Context(), bookID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, availabilityResponse{BookID: a.BookID, Status: string(a.Status)})
}
