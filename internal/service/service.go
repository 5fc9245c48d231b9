// Package service реализует правила выдачи книг, бронирований, штрафов и дозаказа.
//
// Каждая операция сначала проверяет права действующего лица, затем входные данные,
// и только после этого открывает одну транзакцию хранилища. Ошибки классифицируются
// пакетом errs.
package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/access"
	"github.com/mmeshcher/library-circulation/internal/errs"
	"github.com/mmeshcher/library-circulation/internal/metrics"
	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/repository"
	"github.com/mmeshcher/library-circulation/internal/supplier"
)

// Repository описывает хранилище, используемое сервисом.
type Repository interface {
	Close() error
	WithTx(ctx context.Context, fn repository.TxFunc) error
}

// SupplierClient запрашивает состояние заказов у поставщика.
type SupplierClient interface {
	GetOrderState(ctx context.Context, orderID int64) (*supplier.OrderState, int, time.Duration, error)
}

// Option настраивает Service.
type Option func(*Service)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSupplierClient подключает клиент системы поставщика.
func WithSupplierClient(c SupplierClient) Option {
	return func(s *Service) {
		s.supplier = c
	}
}

// WithMetrics подключает метрики операций.
func WithMetrics(m *metrics.WorkflowMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// Service содержит бизнес-логику сервиса выдачи книг.
type Service struct {
	repo     Repository
	policy   model.Policy
	logger   *zap.Logger
	now      func() time.Time
	supplier SupplierClient
	metrics  *metrics.WorkflowMetrics
}

// NewService создаёт сервис с указанным хранилищем и политикой.
func NewService(repo Repository, policy model.Policy, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:   repo,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Policy возвращает действующую политику.
func (s *Service) Policy() model.Policy {
	return s.policy
}

func (s *Service) today() time.Time {
	return model.Day(s.now())
}

// observe записывает результат операции; вызывается через defer с указателем на именованную ошибку.
func (s *Service) observe(op access.Operation, start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	kind := errs.KindOf(err)
	s.metrics.Observe(string(op), string(kind), time.Since(start))
	if kind == errs.KindInternal {
		s.logger.Error("operation failed", zap.String("operation", string(op)), zap.Error(err))
	}
}

// accrueFine создаёт неоплаченный штраф. Нулевая сумма штраф не создаёт.
func (s *Service) accrueFine(ctx context.Context, tx repository.Tx, userID int64, vt model.ViolationType, amount decimal.Decimal, today time.Time) (*model.Fine, error) {
	if !amount.IsPositive() {
		return nil, nil
	}
	fine := &model.Fine{
		UserID:          userID,
		ViolationTypeID: vt,
		Amount:          amount,
		IssueDate:       today,
	}
	if err := tx.CreateFine(ctx, fine); err != nil {
		return nil, err
	}
	return fine, nil
}

// applyStanding сохраняет счётчик нарушений и блокирует пользователя, если превышен
// порог нарушений или сумма неоплаченных штрафов. Возвращает true, если блокировка
// установлена этим вызовом.
func (s *Service) applyStanding(ctx context.Context, tx repository.Tx, user *model.User) (bool, error) {
	blockedNow := false
	if !user.IsBlocked {
		if s.policy.ViolationBlockThreshold > 0 && user.ViolationCount >= s.policy.ViolationBlockThreshold {
			blockedNow = true
		} else if s.policy.UnpaidBlockAmount.IsPositive() {
			total, err := tx.UnpaidFinesTotal(ctx, user.ID)
			if err != nil {
				return false, err
			}
			blockedNow = total.GreaterThanOrEqual(s.policy.UnpaidBlockAmount)
		}
	}
	if blockedNow {
		user.IsBlocked = true
	}
	if err := tx.UpdateUserStanding(ctx, user); err != nil {
		return false, err
	}
	if blockedNow {
		s.logger.Info("user blocked",
			zap.Int64("userID", user.ID),
			zap.Int("violations", user.ViolationCount),
		)
	}
	return blockedNow, nil
}
