package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/access"
	"github.com/mmeshcher/library-circulation/internal/errs"
	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/repository"
)

const opExpireReservations = access.Operation("reservation.expire")

// ExpireReservations удаляет просроченные бронирования и пересчитывает доступность книг.
// Каждое бронирование обрабатывается в своей транзакции: ошибка по одному не мешает остальным.
// Возвращает число удалённых бронирований.
func (s *Service) ExpireReservations(ctx context.Context) (removed int, err error) {
	defer s.observe(opExpireReservations, time.Now(), &err)

	today := s.today()
	ttl := s.policy.PendingReservationTTLDays

	var expired []model.Reservation
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		expired, err = tx.ListExpiredReservations(ctx, today, ttl)
		return err
	})
	if err != nil {
		return 0, err
	}

	var result error
	for _, r := range expired {
		if ctx.Err() != nil {
			return removed, multierr.Append(result, ctx.Err())
		}
		ok, err := s.expireReservation(ctx, r, today)
		if err != nil {
			s.logger.Warn("failed to expire reservation",
				zap.Int64("reservationID", r.ID),
				zap.Error(err),
			)
			result = multierr.Append(result, err)
			continue
		}
		if ok {
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("expired reservations removed", zap.Int("count", removed))
	}
	return removed, result
}

// expireReservation повторно проверяет бронирование под блокировкой книги: за время
// обхода его могли завершить или удалить.
func (s *Service) expireReservation(ctx context.Context, r model.Reservation, today time.Time) (bool, error) {
	removed := false
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		book, err := tx.LockBook(ctx, r.BookID)
		if err != nil {
			return err
		}
		current, err := tx.LockReservation(ctx, r.ID)
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		removed, err = s.dropExpired(ctx, tx, current, book, today)
		return err
	})
	return removed, err
}
