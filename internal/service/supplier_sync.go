package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/access"
	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/repository"
	"github.com/mmeshcher/library-circulation/internal/supplier"
)

const (
	opSupplierSync = access.Operation("order.supplier_sync")

	supplierBatchSize = 100
)

// SyncSupplierOrders опрашивает поставщика по незавершённым заказам и переносит
// их статусы к себе. Без настроенного клиента ничего не делает.
func (s *Service) SyncSupplierOrders(ctx context.Context) (err error) {
	if s.supplier == nil {
		return nil
	}
	defer s.observe(opSupplierSync, time.Now(), &err)

	var orders []model.PurchaseOrder
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		orders, err = tx.ListOpenPurchaseOrders(ctx, supplierBatchSize)
		return err
	})
	if err != nil {
		return err
	}

	var result error
	for _, o := range orders {
		resp, statusCode, retryAfter, err := s.supplier.GetOrderState(ctx, o.ID)
		if err != nil {
			result = multierr.Append(result, fmt.Errorf("order %d: %w", o.ID, err))
			continue
		}

		if statusCode == http.StatusTooManyRequests {
			s.logger.Warn("supplier rate limit", zap.Duration("retryAfter", retryAfter))
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return multierr.Append(result, ctx.Err())
				case <-timer.C:
				}
			}
			continue
		}

		if resp == nil {
			continue
		}

		status, ok := supplier.LocalStatus(resp.Status)
		if !ok {
			s.logger.Warn("unknown supplier status",
				zap.Int64("orderID", o.ID),
				zap.String("status", resp.Status),
			)
			continue
		}
		if status == o.Status || !o.Status.CanTransitionTo(status) {
			continue
		}

		if _, err := s.advanceOrder(ctx, o.ID, status); err != nil {
			result = multierr.Append(result, fmt.Errorf("order %d: %w", o.ID, err))
		}
	}
	return result
}
