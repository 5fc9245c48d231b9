package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/access"
	"github.com/mmeshcher/library-circulation/internal/errs"
	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/repository"
	"github.com/mmeshcher/library-circulation/internal/validation"
)

// CreateReservation бронирует книгу. Читатель бронирует только на себя;
// сотрудник выдачи может указать другого пользователя. userID = 0 означает действующее лицо.
// Бронирование создаётся в состоянии Pending и не меняет доступность книги.
func (s *Service) CreateReservation(ctx context.Context, actor model.Actor, bookID, userID int64) (res *model.Reservation, err error) {
	defer s.observe(access.OpReservationCreate, time.Now(), &err)

	if err := access.Authorize(actor, access.OpReservationCreate); err != nil {
		return nil, err
	}
	if userID == 0 {
		userID = actor.UserID
	}
	if userID != actor.UserID && !access.IsStaff(actor.Role) {
		return nil, fmt.Errorf("%w: readers may only reserve for themselves", errs.ErrForbidden)
	}
	if err := validation.ID("bookID", bookID); err != nil {
		return nil, err
	}
	if err := validation.ID("userID", userID); err != nil {
		return nil, err
	}

	today := s.today()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		book, err := tx.LockBook(ctx, bookID)
		if err != nil {
			return err
		}
		if book.PhysicalStatus.Withdrawn() {
			return fmt.Errorf("%w: book %d is %s", errs.ErrBookUnavailable, bookID, book.PhysicalStatus)
		}
		open, err := tx.OpenLoanForBook(ctx, bookID)
		if err != nil {
			return err
		}
		if open != nil {
			return fmt.Errorf("%w: book %d is on loan", errs.ErrBookUnavailable, bookID)
		}

		active, err := tx.ActiveReservationForBook(ctx, bookID)
		if err != nil {
			return err
		}
		if active != nil {
			if !active.IsExpired(today, s.policy.PendingReservationTTLDays) {
				return fmt.Errorf("%w: book %d is already reserved", errs.ErrBookUnavailable, bookID)
			}
			if _, err := tx.LockReservation(ctx, active.ID); err != nil {
				return err
			}
			if err := tx.DeleteReservation(ctx, active.ID); err != nil {
				return err
			}
		}

		if _, err := tx.LockUser(ctx, userID); err != nil {
			return err
		}

		res = &model.Reservation{
			BookID:          bookID,
			UserID:          userID,
			ReservationDate: today,
		}
		if err := tx.CreateReservation(ctx, res); err != nil {
			return err
		}
		return s.refreshAvailability(ctx, tx, book, today)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("reservation created",
		zap.Int64("reservationID", res.ID),
		zap.Int64("bookID", bookID),
		zap.Int64("userID", userID),
	)
	return res, nil
}

// ConfirmReservation подтверждает ожидающее бронирование и откладывает книгу до даты получения.
// Если pickupDate не указана, используется сегодня + PickupWindowDays.
func (s *Service) ConfirmReservation(ctx context.Context, actor model.Actor, reservationID int64, pickupDate *time.Time) (res *model.Reservation, err error) {
	defer s.observe(access.OpReservationConfirm, time.Now(), &err)

	if err := access.Authorize(actor, access.OpReservationConfirm); err != nil {
		return nil, err
	}
	if err := validation.ID("reservationID", reservationID); err != nil {
		return nil, err
	}

	today := s.today()
	pickup := model.AddDays(today, s.policy.PickupWindowDays)
	if pickupDate != nil {
		pickup = model.Day(*pickupDate)
		if pickup.Before(today) {
			return nil, errs.Validation("pickup date must not be in the past")
		}
	}

	expired := false
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		r, book, err := s.lockReservationWithBook(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if expired, err = s.dropExpired(ctx, tx, r, book, today); err != nil || expired {
			return err
		}
		if r.Status() != model.ReservationPending {
			return fmt.Errorf("%w: reservation %d is %s", errs.ErrNotPending, reservationID, r.Status())
		}
		if book.PhysicalStatus.Withdrawn() {
			return fmt.Errorf("%w: book %d is %s", errs.ErrBookUnavailable, book.ID, book.PhysicalStatus)
		}
		open, err := tx.OpenLoanForBook(ctx, book.ID)
		if err != nil {
			return err
		}
		if open != nil {
			return fmt.Errorf("%w: book %d is on loan", errs.ErrBookUnavailable, book.ID)
		}

		r.IsConfirmed = true
		r.PickupDate = &pickup
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}
		res = r
		return s.refreshAvailability(ctx, tx, book, today)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, fmt.Errorf("%w: reservation %d", errs.ErrReservationExpired, reservationID)
	}

	s.logger.Info("reservation confirmed",
		zap.Int64("reservationID", reservationID),
		zap.Time("pickupDate", pickup),
	)
	return res, nil
}

// CompleteReservation отмечает, что читатель забрал подтверждённую бронь.
// Выдачу книги оформляет вызывающая сторона отдельным вызовом Issue.
func (s *Service) CompleteReservation(ctx context.Context, actor model.Actor, reservationID int64) (res *model.Reservation, err error) {
	defer s.observe(access.OpReservationComplete, time.Now(), &err)

	if err := access.Authorize(actor, access.OpReservationComplete); err != nil {
		return nil, err
	}
	if err := validation.ID("reservationID", reservationID); err != nil {
		return nil, err
	}

	today := s.today()
	expired := false
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		r, book, err := s.lockReservationWithBook(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if expired, err = s.dropExpired(ctx, tx, r, book, today); err != nil || expired {
			return err
		}
		if r.Status() != model.ReservationConfirmed {
			return fmt.Errorf("%w: reservation %d is %s", errs.ErrNotConfirmed, reservationID, r.Status())
		}

		r.IsCompleted = true
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}
		res = r
		return s.refreshAvailability(ctx, tx, book, today)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, fmt.Errorf("%w: reservation %d", errs.ErrReservationExpired, reservationID)
	}
	return res, nil
}

// CancelReservation удаляет бронирование. Читатель может отменить только своё
// ожидающее бронирование; сотрудник выдачи может отменить любое незавершённое.
func (s *Service) CancelReservation(ctx context.Context, actor model.Actor, reservationID int64) (err error) {
	defer s.observe(access.OpReservationCancel, time.Now(), &err)

	if err := access.Authorize(actor, access.OpReservationCancel); err != nil {
		return err
	}
	if err := validation.ID("reservationID", reservationID); err != nil {
		return err
	}

	today := s.today()
	staff := access.IsStaff(actor.Role)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		r, book, err := s.lockReservationWithBook(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if !staff && r.UserID != actor.UserID {
			return fmt.Errorf("%w: reservation %d belongs to another user", errs.ErrForbidden, reservationID)
		}
		if r.IsCompleted || (!staff && r.IsConfirmed) {
			return fmt.Errorf("%w: reservation %d is %s", errs.ErrNotCancellable, reservationID, r.Status())
		}

		if err := tx.DeleteReservation(ctx, reservationID); err != nil {
			return err
		}
		return s.refreshAvailability(ctx, tx, book, today)
	})
	if err != nil {
		return err
	}

	s.logger.Info("reservation cancelled",
		zap.Int64("reservationID", reservationID),
		zap.Int64("actorID", actor.UserID),
	)
	return nil
}

// lockReservationWithBook блокирует книгу, а затем бронирование.
func (s *Service) lockReservationWithBook(ctx context.Context, tx repository.Tx, reservationID int64) (*model.Reservation, *model.Book, error) {
	r, err := tx.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, nil, err
	}
	book, err := tx.LockBook(ctx, r.BookID)
	if err != nil {
		return nil, nil, err
	}
	locked, err := tx.LockReservation(ctx, reservationID)
	if err != nil {
		return nil, nil, err
	}
	return locked, book, nil
}

// dropExpired удаляет просроченное бронирование и пересчитывает доступность книги.
// Удаление фиксируется вместе с транзакцией, поэтому вызывающий сообщает об истечении
// уже после её завершения.
func (s *Service) dropExpired(ctx context.Context, tx repository.Tx, r *model.Reservation, book *model.Book, today time.Time) (bool, error) {
	if !r.IsExpired(today, s.policy.PendingReservationTTLDays) {
		return false, nil
	}
	if err := tx.DeleteReservation(ctx, r.ID); err != nil {
		return false, err
	}
	s.logger.Info("reservation expired",
		zap.Int64("reservationID", r.ID),
		zap.Int64("bookID", r.BookID),
	)
	return true, s.refreshAvailability(ctx, tx, book, today)
}

// ListPendingReservations возвращает очередь неподтверждённых бронирований, старые первыми.
func (s *Service) ListPendingReservations(ctx context.Context, actor model.Actor) ([]model.Reservation, error) {
	if err := access.Authorize(actor, access.OpReservationListPending); err != nil {
		return nil, err
	}

	var res []model.Reservation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		res, err = tx.ListPendingReservations(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListMyReservations возвращает бронирования действующего лица, новые первыми.
func (s *Service) ListMyReservations(ctx context.Context, actor model.Actor) ([]model.Reservation, error) {
	if err := access.Authorize(actor, access.OpReservationListOwn); err != nil {
		return nil, err
	}

	var res []model.Reservation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		res, err = tx.ListReservationsByUser(ctx, actor.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
