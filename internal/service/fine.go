package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/access"
	"github.com/mmeshcher/library-circulation/internal/errs"
	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/repository"
	"github.com/mmeshcher/library-circulation/internal/validation"
)

// ViolationOutcome описывает результат ручной регистрации нарушения.
type ViolationOutcome struct {
	User model.User
	Fine *model.Fine
}

// InitiatePayment фиксирует заявку читателя об оплате своего неоплаченного штрафа.
// Штраф остаётся неоплаченным до подтверждения бухгалтером.
func (s *Service) InitiatePayment(ctx context.Context, actor model.Actor, fineID int64) (fine *model.Fine, err error) {
	defer s.observe(access.OpFineInitiatePayment, time.Now(), &err)

	if err := access.Authorize(actor, access.OpFineInitiatePayment); err != nil {
		return nil, err
	}
	if err := validation.ID("fineID", fineID); err != nil {
		return nil, err
	}

	today := s.today()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		f, err := tx.LockFine(ctx, fineID)
		if err != nil {
			return err
		}
		if f.UserID != actor.UserID {
			return fmt.Errorf("%w: fine %d belongs to another user", errs.ErrForbidden, fineID)
		}
		if f.Status() != model.FineUnpaid {
			return fmt.Errorf("%w: fine %d is %s", errs.ErrAlreadyPaid, fineID, f.Status())
		}

		f.PaymentInitiatedDate = &today
		if err := tx.UpdateFinePayment(ctx, f); err != nil {
			return err
		}
		fine = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fine, nil
}

// ConfirmPayment подтверждает (approve) или отклоняет заявку об оплате.
// Отклонённая заявка возвращает штраф в состояние Unpaid.
func (s *Service) ConfirmPayment(ctx context.Context, actor model.Actor, fineID int64, approve bool) (fine *model.Fine, err error) {
	defer s.observe(access.OpFineConfirmPayment, time.Now(), &err)

	if err := access.Authorize(actor, access.OpFineConfirmPayment); err != nil {
		return nil, err
	}
	if err := validation.ID("fineID", fineID); err != nil {
		return nil, err
	}

	today := s.today()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		f, err := tx.LockFine(ctx, fineID)
		if err != nil {
			return err
		}
		if f.Status() != model.FinePaymentInitiated {
			return fmt.Errorf("%w: fine %d is %s", errs.ErrNoPaymentClaim, fineID, f.Status())
		}

		if approve {
			f.IsPaid = true
			f.PaidDate = &today
		} else {
			f.PaymentInitiatedDate = nil
		}
		if err := tx.UpdateFinePayment(ctx, f); err != nil {
			return err
		}
		fine = f
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("fine payment reviewed",
		zap.Int64("fineID", fineID),
		zap.Bool("approved", approve),
		zap.Int64("accountantID", actor.UserID),
	)
	return fine, nil
}

// PayDirect отмечает неоплаченный штраф оплаченным по факту оплаты у сотрудника.
func (s *Service) PayDirect(ctx context.Context, actor model.Actor, fineID int64) (fine *model.Fine, err error) {
	defer s.observe(access.OpFinePayDirect, time.Now(), &err)

	if err := access.Authorize(actor, access.OpFinePayDirect); err != nil {
		return nil, err
	}
	if err := validation.ID("fineID", fineID); err != nil {
		return nil, err
	}

	today := s.today()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		f, err := tx.LockFine(ctx, fineID)
		if err != nil {
			return err
		}
		if f.Status() != model.FineUnpaid {
			return fmt.Errorf("%w: fine %d is %s", errs.ErrAlreadyPaid, fineID, f.Status())
		}

		f.IsPaid = true
		f.PaidDate = &today
		if err := tx.UpdateFinePayment(ctx, f); err != nil {
			return err
		}
		fine = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fine, nil
}

// ListPendingPayments возвращает штрафы с заявками об оплате, ожидающими подтверждения.
func (s *Service) ListPendingPayments(ctx context.Context, actor model.Actor) ([]model.Fine, error) {
	if err := access.Authorize(actor, access.OpFineListPending); err != nil {
		return nil, err
	}

	var res []model.Fine
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		res, err = tx.ListPendingPayments(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RecordViolation регистрирует нарушение пользователя вручную.
// Нулевая сумма заменяется тарифом политики для типа нарушения; для Other штраф
// без суммы не создаётся, но нарушение учитывается.
func (s *Service) RecordViolation(ctx context.Context, actor model.Actor, userID int64, vt model.ViolationType, amount decimal.Decimal) (out *ViolationOutcome, err error) {
	defer s.observe(access.OpViolationRecord, time.Now(), &err)

	if err := access.Authorize(actor, access.OpViolationRecord); err != nil {
		return nil, err
	}
	if err := validation.ID("userID", userID); err != nil {
		return nil, err
	}
	if !vt.IsValid() {
		return nil, errs.Validation("unknown violation type %d", vt)
	}
	if amount.IsNegative() {
		return nil, errs.Validation("amount must not be negative")
	}
	if amount.IsZero() {
		amount = s.defaultFine(vt)
	}

	today := s.today()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		fine, err := s.accrueFine(ctx, tx, userID, vt, amount, today)
		if err != nil {
			return err
		}
		user.ViolationCount++
		if _, err := s.applyStanding(ctx, tx, user); err != nil {
			return err
		}
		out = &ViolationOutcome{User: *user, Fine: fine}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("violation recorded",
		zap.Int64("userID", userID),
		zap.Stringer("type", vt),
		zap.String("amount", amount.StringFixed(2)),
	)
	return out, nil
}

func (s *Service) defaultFine(vt model.ViolationType) decimal.Decimal {
	switch vt {
	case model.ViolationOverdue:
		return s.policy.OverdueFinePerDay
	case model.ViolationLost:
		return s.policy.LostBookFine
	case model.ViolationDamaged:
		return s.policy.DamagedBookFine
	}
	return decimal.Zero
}

// Unblock снимает блокировку пользователя. Счётчик нарушений сохраняется.
func (s *Service) Unblock(ctx context.Context, actor model.Actor, userID int64) (user *model.User, err error) {
	defer s.observe(access.OpUserUnblock, time.Now(), &err)

	if err := access.Authorize(actor, access.OpUserUnblock); err != nil {
		return nil, err
	}
	if err := validation.ID("userID", userID); err != nil {
		return nil, err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		u.IsBlocked = false
		if err := tx.UpdateUserStanding(ctx, u); err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("user unblocked", zap.Int64("userID", userID), zap.Int64("adminID", actor.UserID))
	return user, nil
}
