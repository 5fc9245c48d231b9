package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseOrderStatus описывает статус заказа поставщику.
type PurchaseOrderStatus string

const (
	OrderCreated    PurchaseOrderStatus = "Created"
	OrderInProgress PurchaseOrderStatus = "InProgress"
	OrderCompleted  PurchaseOrderStatus = "Completed"
	OrderCancelled  PurchaseOrderStatus = "Cancelled"
)

// IsValid сообщает, является ли статус известным.
func (s PurchaseOrderStatus) IsValid() bool {
	switch s {
	case OrderCreated, OrderInProgress, OrderCompleted, OrderCancelled:
		return true
	}
	return false
}

// IsTerminal сообщает, что заказ больше не меняет статус.
func (s PurchaseOrderStatus) IsTerminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// CanTransitionTo проверяет допустимость перехода между статусами заказа.
func (s PurchaseOrderStatus) CanTransitionTo(next PurchaseOrderStatus) bool {
	switch s {
	case OrderCreated:
		return next == OrderInProgress || next == OrderCompleted || next == OrderCancelled
	case OrderInProgress:
		return next == OrderCompleted || next == OrderCancelled
	}
	return false
}

// OrderItem описывает позицию заказа.
type OrderItem struct {
	TitleRef  string
	Quantity  int
	UnitPrice decimal.Decimal
}

// PurchaseOrder описывает заказ книг у поставщика.
type PurchaseOrder struct {
	ID        int64
	Supplier  string
	OrderDate time.Time
	Status    PurchaseOrderStatus
	Items     []OrderItem
}

// Total возвращает сумму заказа.
func (o PurchaseOrder) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range o.Items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

// TitleDemand содержит спрос и число доступных экземпляров по одному названию.
type TitleDemand struct {
	Title           string
	Demand          int
	AvailableCopies int
}
