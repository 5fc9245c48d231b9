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

// LoanOutcome описывает результат закрытия выдачи: саму выдачу, начисленные штрафы
// и признак того, что пользователь был заблокирован в результате.
type LoanOutcome struct {
	Loan        model.Loan
	Fines       []model.Fine
	UserBlocked bool
}

// Issue выдаёт книгу пользователю на days дней (0 означает срок по умолчанию).
// Книга блокируется на всё время проверки, поэтому из конкурентных выдач одной книги
// успешна ровно одна.
func (s *Service) Issue(ctx context.Context, actor model.Actor, userID, bookID int64, days int) (loan *model.Loan, err error) {
	defer s.observe(access.OpLoanIssue, time.Now(), &err)

	if err := access.Authorize(actor, access.OpLoanIssue); err != nil {
		return nil, err
	}
	if err := validation.ID("userID", userID); err != nil {
		return nil, err
	}
	if err := validation.ID("bookID", bookID); err != nil {
		return nil, err
	}
	days, err = validation.LoanDays(days, s.policy)
	if err != nil {
		return nil, err
	}

	today := s.today()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		book, err := tx.LockBook(ctx, bookID)
		if err != nil {
			return err
		}

		var hold *model.Reservation
		active, err := tx.ActiveReservationForBook(ctx, bookID)
		if err != nil {
			return err
		}
		if active != nil {
			if hold, err = tx.LockReservation(ctx, active.ID); err != nil {
				return err
			}
		}

		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.IsBlocked {
			return fmt.Errorf("%w: user %d", errs.ErrUserBlocked, userID)
		}
		debt, err := tx.HasUnpaidFines(ctx, userID)
		if err != nil {
			return err
		}
		if debt {
			return fmt.Errorf("%w: user %d", errs.ErrOutstandingDebt, userID)
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

		if hold != nil {
			switch {
			case hold.IsExpired(today, s.policy.PendingReservationTTLDays):
				if err := tx.DeleteReservation(ctx, hold.ID); err != nil {
					return err
				}
			case hold.IsConfirmed && hold.UserID != userID:
				return fmt.Errorf("%w: book %d is held for another reader", errs.ErrBookUnavailable, bookID)
			case hold.IsConfirmed:
				// читатель забирает свою бронь
				hold.IsCompleted = true
				if err := tx.UpdateReservation(ctx, hold); err != nil {
					return err
				}
			}
		}

		loan = &model.Loan{
			BookID:    bookID,
			UserID:    userID,
			IssueDate: today,
			DueDate:   model.AddDays(today, days),
			Status:    model.LoanOpen,
		}
		if err := tx.CreateLoan(ctx, loan); err != nil {
			return err
		}
		return s.refreshAvailability(ctx, tx, book, today)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("book issued",
		zap.Int64("loanID", loan.ID),
		zap.Int64("bookID", bookID),
		zap.Int64("userID", userID),
		zap.Time("dueDate", loan.DueDate),
	)
	return loan, nil
}

// Return принимает книгу. condition задаёт состояние экземпляра при возврате и может быть nil.
// Просрочка, повреждение или утрата начисляют штраф и увеличивают счётчик нарушений.
func (s *Service) Return(ctx context.Context, actor model.Actor, loanID int64, condition *model.PhysicalStatus) (out *LoanOutcome, err error) {
	defer s.observe(access.OpLoanReturn, time.Now(), &err)

	if err := access.Authorize(actor, access.OpLoanReturn); err != nil {
		return nil, err
	}
	if err := validation.ID("loanID", loanID); err != nil {
		return nil, err
	}
	if condition != nil && !condition.IsValid() {
		return nil, errs.Validation("unknown condition %q", *condition)
	}

	today := s.today()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		loan, book, err := s.lockLoanWithBook(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if !loan.IsOpen() {
			return fmt.Errorf("%w: loan %d", errs.ErrAlreadyReturned, loanID)
		}

		loan.ReturnDate = &today
		loan.IsReturned = true
		loan.Status = model.LoanReturned
		loan.ConditionOnReturn = condition
		if err := tx.CloseLoan(ctx, loan); err != nil {
			return err
		}
		if condition != nil {
			book.PhysicalStatus = *condition
		}

		user, err := tx.LockUser(ctx, loan.UserID)
		if err != nil {
			return err
		}

		out = &LoanOutcome{}
		violations := 0
		addFine := func(vt model.ViolationType, amount decimal.Decimal) error {
			violations++
			fine, err := s.accrueFine(ctx, tx, user.ID, vt, amount, today)
			if err != nil {
				return err
			}
			if fine != nil {
				out.Fines = append(out.Fines, *fine)
			}
			return nil
		}

		if overdue := loan.DaysOverdue(today); overdue > 0 {
			amount := s.policy.OverdueFinePerDay.Mul(decimal.NewFromInt(int64(overdue)))
			if err := addFine(model.ViolationOverdue, amount); err != nil {
				return err
			}
		}
		if condition != nil {
			switch *condition {
			case model.PhysicalDamaged:
				if err := addFine(model.ViolationDamaged, s.policy.DamagedBookFine); err != nil {
					return err
				}
			case model.PhysicalLost:
				if err := addFine(model.ViolationLost, s.policy.LostBookFine); err != nil {
					return err
				}
			}
		}

		if violations > 0 {
			user.ViolationCount += violations
			if out.UserBlocked, err = s.applyStanding(ctx, tx, user); err != nil {
				return err
			}
		}

		out.Loan = *loan
		return s.refreshAvailability(ctx, tx, book, today)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("book returned",
		zap.Int64("loanID", loanID),
		zap.Int("fines", len(out.Fines)),
		zap.Bool("userBlocked", out.UserBlocked),
	)
	return out, nil
}

// MarkLost списывает книгу как утерянную, если выдача открыта и просрочена
// не менее чем на LostAfterDays дней, и начисляет штраф за утрату.
func (s *Service) MarkLost(ctx context.Context, actor model.Actor, loanID int64) (out *LoanOutcome, err error) {
	defer s.observe(access.OpLoanMarkLost, time.Now(), &err)

	if err := access.Authorize(actor, access.OpLoanMarkLost); err != nil {
		return nil, err
	}
	if err := validation.ID("loanID", loanID); err != nil {
		return nil, err
	}

	today := s.today()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		loan, book, err := s.lockLoanWithBook(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if !loan.IsOpen() {
			return fmt.Errorf("%w: loan %d is closed", errs.ErrNotEligible, loanID)
		}
		if overdue := loan.DaysOverdue(today); overdue < s.policy.LostAfterDays {
			return fmt.Errorf("%w: loan %d is overdue by %d of %d days", errs.ErrNotEligible, loanID, overdue, s.policy.LostAfterDays)
		}

		lost := model.PhysicalLost
		loan.Status = model.LoanLost
		loan.ConditionOnReturn = &lost
		if err := tx.CloseLoan(ctx, loan); err != nil {
			return err
		}
		book.PhysicalStatus = model.PhysicalLost

		user, err := tx.LockUser(ctx, loan.UserID)
		if err != nil {
			return err
		}
		out = &LoanOutcome{}
		fine, err := s.accrueFine(ctx, tx, user.ID, model.ViolationLost, s.policy.LostBookFine, today)
		if err != nil {
			return err
		}
		if fine != nil {
			out.Fines = append(out.Fines, *fine)
		}
		user.ViolationCount++
		if out.UserBlocked, err = s.applyStanding(ctx, tx, user); err != nil {
			return err
		}

		out.Loan = *loan
		return s.refreshAvailability(ctx, tx, book, today)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("book written off as lost",
		zap.Int64("loanID", loanID),
		zap.Int64("bookID", out.Loan.BookID),
		zap.Int64("userID", out.Loan.UserID),
	)
	return out, nil
}

// lockLoanWithBook блокирует книгу, а затем выдачу, соблюдая порядок захвата строк.
func (s *Service) lockLoanWithBook(ctx context.Context, tx repository.Tx, loanID int64) (*model.Loan, *model.Book, error) {
	l, err := tx.GetLoan(ctx, loanID)
	if err != nil {
		return nil, nil, err
	}
	book, err := tx.LockBook(ctx, l.BookID)
	if err != nil {
		return nil, nil, err
	}
	loan, err := tx.LockLoan(ctx, loanID)
	if err != nil {
		return nil, nil, err
	}
	return loan, book, nil
}

// MyHistory возвращает выдачи и штрафы действующего лица, новые первыми.
func (s *Service) MyHistory(ctx context.Context, actor model.Actor) (*model.History, error) {
	if err := access.Authorize(actor, access.OpLoanHistory); err != nil {
		return nil, err
	}

	h := &model.History{}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		if h.Loans, err = tx.ListLoansByUser(ctx, actor.UserID); err != nil {
			return err
		}
		h.Fines, err = tx.ListFinesByUser(ctx, actor.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}
