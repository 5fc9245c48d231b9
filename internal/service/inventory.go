package service

import (
	"context"
	"time"

	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/repository"
	"github.com/mmeshcher/library-circulation/internal/validation"
)

// deriveAvailability вычисляет доступность книги по её физическому состоянию,
// открытой выдаче и активному подтверждённому бронированию. Просроченное бронирование
// книгу не удерживает, даже если его ещё не удалила фоновая задача.
func (s *Service) deriveAvailability(ctx context.Context, tx repository.Tx, book *model.Book, today time.Time) (model.AvailabilityStatus, error) {
	if book.PhysicalStatus.Withdrawn() {
		return model.AvailabilityUnavailable, nil
	}

	loan, err := tx.OpenLoanForBook(ctx, book.ID)
	if err != nil {
		return "", err
	}
	if loan != nil {
		return model.AvailabilityLoaned, nil
	}

	r, err := tx.ActiveReservationForBook(ctx, book.ID)
	if err != nil {
		return "", err
	}
	if r != nil && r.IsConfirmed && !r.IsExpired(today, s.policy.PendingReservationTTLDays) {
		return model.AvailabilityReserved, nil
	}

	return model.AvailabilityAvailable, nil
}

// refreshAvailability пересчитывает доступность и сохраняет книгу в той же транзакции.
func (s *Service) refreshAvailability(ctx context.Context, tx repository.Tx, book *model.Book, today time.Time) error {
	status, err := s.deriveAvailability(ctx, tx, book, today)
	if err != nil {
		return err
	}
	book.AvailabilityStatus = status
	return tx.UpdateBook(ctx, book)
}

// Availability возвращает текущую доступность книги. Значение вычисляется заново,
// поэтому устаревшая запись в хранилище не может показать книгу зарезервированной
// после истечения срока получения.
func (s *Service) Availability(ctx context.Context, bookID int64) (*model.Availability, error) {
	if err := validation.ID("bookID", bookID); err != nil {
		return nil, err
	}

	today := s.today()
	var res *model.Availability
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		book, err := tx.GetBook(ctx, bookID)
		if err != nil {
			return err
		}
		status, err := s.deriveAvailability(ctx, tx, book, today)
		if err != nil {
			return err
		}
		res = &model.Availability{BookID: bookID, Status: status}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
