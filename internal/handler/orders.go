package handler

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/service"
	"github.com/mmeshcher/library-circulation/internal/validation"
)

type forecastRequest struct {
	ThresholdRatio decimal.Decimal `json:"threshold_ratio"`
	Quantity       int             `json:"quantity" validate:"required,gt=0"`
	Supplier       string          `json:"supplier" validate:"required"`
}

type orderItemRequest struct {
	Title     string          `json:"title" validate:"required"`
	Quantity  int             `json:"quantity" validate:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type createOrderRequest struct {
	Supplier string             `json:"supplier" validate:"required"`
	Items    []orderItemRequest `json:"items" validate:"required,min=1,dive"`
}

type orderStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=Created InProgress Completed Cancelled"`
}

type priceRequest struct {
	Title string          `json:"title" validate:"required"`
	Price decimal.Decimal `json:"price"`
}

type orderItemResponse struct {
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type orderResponse struct {
	ID        int64               `json:"id"`
	Supplier  string              `json:"supplier"`
	OrderDate string              `json:"order_date"`
	Status    string              `json:"status"`
	Total     decimal.Decimal     `json:"total"`
	Items     []orderItemResponse `json:"items"`
}

func toOrderResponse(o model.PurchaseOrder) orderResponse {
	resp := orderResponse{
		ID:        o.ID,
		Supplier:  o.Supplier,
		OrderDate: formatDate(o.OrderDate),
		Status:    string(o.Status),
		Total:     o.Total(),
		Items:     make([]orderItemResponse, 0, len(o.Items)),
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			Title:     it.TitleRef,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	return resp
}

// Forecast формирует заказ на дозакупку по спросу.
func (h *Handler) Forecast(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req forecastRequest
	if err := validation.DecodeJSON(r.Body, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.service.Forecast(r.Context(), actor, service.ForecastParams{
		ThresholdRatio: req.ThresholdRatio,
		Quantity:       req.Quantity,
		Supplier:       req.Supplier,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toOrderResponse(*order))
}

// CreateOrder создаёт заказ поставщику вручную.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := validation.DecodeJSON(r.Body, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]model.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, model.OrderItem{TitleRef: it.Title, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}

	order, err := h.service.CreatePurchaseOrder(r.Context(), actor, req.Supplier, items)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toOrderResponse(*order))
}

// GetOrder возвращает заказ поставщику.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	orderID, err := pathID(r, "orderID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.service.GetPurchaseOrder(r.Context(), actor, orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(*order))
}

// UpdateOrderStatus меняет статус заказа поставщику.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	orderID, err := pathID(r, "orderID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req orderStatusRequest
	if err := validation.DecodeJSON(r.Body, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.service.UpdatePurchaseOrderStatus(r.Context(), actor, orderID, model.PurchaseOrderStatus(req.Status))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(*order))
}

// SetPrice задаёт цену названия в прайс-листе.
func (h *Handler) SetPrice(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req priceRequest
	if err := validation.DecodeJSON(r.Body, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.service.SetPrice(r.Context(), actor, req.Title, req.Price); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
