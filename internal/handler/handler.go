// Package handler содержит HTTP-обработчики API сервиса выдачи книг.
package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/errs"
	"github.com/mmeshcher/library-circulation/internal/middleware"
	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/service"
	"github.com/mmeshcher/library-circulation/internal/validation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const dateLayout = "2006-01-02"

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Issue(ctx context.Context, actor model.Actor, userID, bookID int64, days int) (*model.Loan, error)
	Return(ctx context.Context, actor model.Actor, loanID int64, condition *model.PhysicalStatus) (*service.LoanOutcome, error)
	MarkLost(ctx context.Context, actor model.Actor, loanID int64) (*service.LoanOutcome, error)
	MyHistory(ctx context.Context, actor model.Actor) (*model.History, error)
	Availability(ctx context.Context, bookID int64) (*model.Availability, error)

	CreateReservation(ctx context.Context, actor model.Actor, bookID, userID int64) (*model.Reservation, error)
	ConfirmReservation(ctx context.Context, actor model.Actor, reservationID int64, pickupDate *time.Time) (*model.Reservation, error)
	CompleteReservation(ctx context.Context, actor model.Actor, reservationID int64) (*model.Reservation, error)
	CancelReservation(ctx context.Context, actor model.Actor, reservationID int64) error
	ListPendingReservations(ctx context.Context, actor model.Actor) ([]model.Reservation, error)
	ListMyReservations(ctx context.Context, actor model.Actor) ([]model.Reservation, error)

	InitiatePayment(ctx context.Context, actor model.Actor, fineID int64) (*model.Fine, error)
	ConfirmPayment(ctx context.Context, actor model.Actor, fineID int64, approve bool) (*model.Fine, error)
	PayDirect(ctx context.Context, actor model.Actor, fineID int64) (*model.Fine, error)
	ListPendingPayments(ctx context.Context, actor model.Actor) ([]model.Fine, error)
	RecordViolation(ctx context.Context, actor model.Actor, userID int64, vt model.ViolationType, amount decimal.Decimal) (*service.ViolationOutcome, error)
	Unblock(ctx context.Context, actor model.Actor, userID int64) (*model.User, error)

	Forecast(ctx context.Context, actor model.Actor, params service.ForecastParams) (*model.PurchaseOrder, error)
	CreatePurchaseOrder(ctx context.Context, actor model.Actor, supplier string, items []model.OrderItem) (*model.PurchaseOrder, error)
	UpdatePurchaseOrderStatus(ctx context.Context, actor model.Actor, orderID int64, status model.PurchaseOrderStatus) (*model.PurchaseOrder, error)
	GetPurchaseOrder(ctx context.Context, actor model.Actor, orderID int64) (*model.PurchaseOrder, error)
	SetPrice(ctx context.Context, actor model.Actor, title string, price decimal.Decimal) error
}

// Handler реализует HTTP-обработчики API сервиса выдачи книг.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        http.Handler
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// metricsHandler может быть nil, тогда /metrics не публикуется.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, metricsHandler http.Handler) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        metricsHandler,
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("encode response error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError отображает вид ошибки на HTTP-статус. Подробности внутренних ошибок
// клиенту не отдаются.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	meta := errs.MetadataFor(kind)

	resp := errorResponse{Error: string(kind), Message: meta.PublicMessage}
	if kind == errs.KindInternal {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	} else {
		resp.Detail = err.Error()
	}
	if meta.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	h.writeJSON(w, meta.HTTPStatus, resp)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return model.Actor{}, false
	}
	return actor, true
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Validation("%s must be a positive integer", name)
	}
	return id, nil
}

// decodeOptional разбирает тело запроса, если оно есть.
func decodeOptional(r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return validation.Struct(dest)
	}
	return validation.DecodeJSON(r.Body, dest)
}

func formatDate(t time.Time) string {
	return t.Format(dateLayout)
}

func formatDatePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatDate(*t)
	return &s
}

func parseDate(name, raw string) (time.Time, error) {
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, errs.Validation("%s must be a date in format %s", name, dateLayout)
	}
	return t, nil
}
