package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/access"
	"github.com/mmeshcher/library-circulation/internal/errs"
	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/repository"
	"github.com/mmeshcher/library-circulation/internal/validation"
)

const opAutoOrder = access.Operation("order.auto")

// ForecastParams задают правило дозаказа.
type ForecastParams struct {
	ThresholdRatio decimal.Decimal
	Quantity       int
	Supplier       string
}

func (p ForecastParams) validate() error {
	if !p.ThresholdRatio.IsPositive() {
		return errs.Validation("threshold ratio must be positive")
	}
	if p.Quantity <= 0 {
		return errs.Validation("quantity must be positive")
	}
	return validation.NotBlank("supplier", p.Supplier)
}

// understocked сообщает, что названию нужен дозаказ: спрос есть, а доступных экземпляров
// нет или их доля от спроса меньше порога.
func understocked(d model.TitleDemand, threshold decimal.Decimal) bool {
	if d.Demand <= 0 {
		return false
	}
	if d.AvailableCopies <= 0 {
		return true
	}
	ratio := decimal.NewFromInt(int64(d.AvailableCopies)).Div(decimal.NewFromInt(int64(d.Demand)))
	return ratio.LessThan(threshold)
}

// Forecast находит названия, которых не хватает для спроса за последние ForecastWindowDays дней,
// и создаёт один заказ с позицией по каждому такому названию. Если таких названий нет,
// возвращается errs.ErrNoCandidates и заказ не создаётся.
func (s *Service) Forecast(ctx context.Context, actor model.Actor, params ForecastParams) (order *model.PurchaseOrder, err error) {
	defer s.observe(access.OpOrderForecast, time.Now(), &err)

	if err := access.Authorize(actor, access.OpOrderForecast); err != nil {
		return nil, err
	}
	return s.forecast(ctx, params)
}

// AutoOrder выполняет Forecast от имени системы, для фоновой задачи.
func (s *Service) AutoOrder(ctx context.Context, params ForecastParams) (order *model.PurchaseOrder, err error) {
	defer s.observe(opAutoOrder, time.Now(), &err)
	return s.forecast(ctx, params)
}

func (s *Service) forecast(ctx context.Context, params ForecastParams) (*model.PurchaseOrder, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	today := s.today()
	since := model.AddDays(today, -s.policy.ForecastWindowDays)

	var order *model.PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		demand, err := tx.TitleDemand(ctx, since, today)
		if err != nil {
			return err
		}

		var items []model.OrderItem
		for _, d := range demand {
			if !understocked(d, params.ThresholdRatio) {
				continue
			}
			price, _, err := tx.UnitPrice(ctx, d.Title)
			if err != nil {
				return err
			}
			items = append(items, model.OrderItem{
				TitleRef:  d.Title,
				Quantity:  params.Quantity,
				UnitPrice: price,
			})
		}
		if len(items) == 0 {
			return fmt.Errorf("%w: no title below ratio %s", errs.ErrNoCandidates, params.ThresholdRatio)
		}

		order = &model.PurchaseOrder{
			Supplier:  strings.TrimSpace(params.Supplier),
			OrderDate: today,
			Status:    model.OrderCreated,
			Items:     items,
		}
		return tx.CreatePurchaseOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("replenishment order created",
		zap.Int64("orderID", order.ID),
		zap.String("supplier", order.Supplier),
		zap.Int("titles", len(order.Items)),
		zap.String("total", order.Total().StringFixed(2)),
	)
	return order, nil
}

// CreatePurchaseOrder создаёт заказ вручную. Позиции без цены получают цену из прайс-листа.
func (s *Service) CreatePurchaseOrder(ctx context.Context, actor model.Actor, supplierName string, items []model.OrderItem) (order *model.PurchaseOrder, err error) {
	defer s.observe(access.OpOrderCreate, time.Now(), &err)

	if err := access.Authorize(actor, access.OpOrderCreate); err != nil {
		return nil, err
	}
	if err := validation.NotBlank("supplier", supplierName); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errs.Validation("order must contain at least one item")
	}
	seen := make(map[string]struct{}, len(items))
	cleaned := make([]model.OrderItem, 0, len(items))
	for _, it := range items {
		it.TitleRef = strings.TrimSpace(it.TitleRef)
		if it.TitleRef == "" {
			return nil, errs.Validation("item title is required")
		}
		if _, dup := seen[it.TitleRef]; dup {
			return nil, errs.Validation("duplicate item %q", it.TitleRef)
		}
		seen[it.TitleRef] = struct{}{}
		if it.Quantity <= 0 {
			return nil, errs.Validation("quantity of %q must be positive", it.TitleRef)
		}
		if it.UnitPrice.IsNegative() {
			return nil, errs.Validation("unit price of %q must not be negative", it.TitleRef)
		}
		cleaned = append(cleaned, it)
	}

	today := s.today()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		lines := make([]model.OrderItem, len(cleaned))
		copy(lines, cleaned)
		for i := range lines {
			if !lines[i].UnitPrice.IsZero() {
				continue
			}
			price, _, err := tx.UnitPrice(ctx, lines[i].TitleRef)
			if err != nil {
				return err
			}
			lines[i].UnitPrice = price
		}
		order = &model.PurchaseOrder{
			Supplier:  strings.TrimSpace(supplierName),
			OrderDate: today,
			Status:    model.OrderCreated,
			Items:     lines,
		}
		return tx.CreatePurchaseOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("purchase order created", zap.Int64("orderID", order.ID), zap.String("supplier", order.Supplier))
	return order, nil
}

// UpdatePurchaseOrderStatus переводит заказ в новый статус. Завершённые и отменённые
// заказы статус не меняют.
func (s *Service) UpdatePurchaseOrderStatus(ctx context.Context, actor model.Actor, orderID int64, status model.PurchaseOrderStatus) (order *model.PurchaseOrder, err error) {
	defer s.observe(access.OpOrderUpdateStatus, time.Now(), &err)

	if err := access.Authorize(actor, access.OpOrderUpdateStatus); err != nil {
		return nil, err
	}
	if err := validation.ID("orderID", orderID); err != nil {
		return nil, err
	}
	if !status.IsValid() {
		return nil, errs.Validation("unknown order status %q", status)
	}

	order, err = s.advanceOrder(ctx, orderID, status)
	if err != nil {
		return nil, err
	}
	return order, nil
}

// advanceOrder меняет статус заказа под блокировкой строки.
func (s *Service) advanceOrder(ctx context.Context, orderID int64, status model.PurchaseOrderStatus) (*model.PurchaseOrder, error) {
	var order *model.PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		o, err := tx.LockPurchaseOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !o.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s -> %s", errs.ErrOrderTransition, o.Status, status)
		}
		if err := tx.UpdatePurchaseOrderStatus(ctx, orderID, status); err != nil {
			return err
		}
		o.Status = status
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("purchase order status changed",
		zap.Int64("orderID", orderID),
		zap.String("status", string(status)),
	)
	return order, nil
}

// GetPurchaseOrder возвращает заказ с позициями.
func (s *Service) GetPurchaseOrder(ctx context.Context, actor model.Actor, orderID int64) (*model.PurchaseOrder, error) {
	if err := access.Authorize(actor, access.OpOrderView); err != nil {
		return nil, err
	}
	if err := validation.ID("orderID", orderID); err != nil {
		return nil, err
	}

	var order *model.PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		order, err = tx.GetPurchaseOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// SetPrice задаёт цену названия в прайс-листе.
func (s *Service) SetPrice(ctx context.Context, actor model.Actor, title string, price decimal.Decimal) (err error) {
	defer s.observe(access.OpPriceListSet, time.Now(), &err)

	if err := access.Authorize(actor, access.OpPriceListSet); err != nil {
		return err
	}
	if err := validation.NotBlank("title", title); err != nil {
		return err
	}
	if price.IsNegative() {
		return errs.Validation("price must not be negative")
	}

	return s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.SetUnitPrice(ctx, strings.TrimSpace(title), price)
	})
}
