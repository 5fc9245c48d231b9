// Package repository содержит реализации хранилища сервиса выдачи книг: PostgreSQL и в памяти.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/library-circulation/internal/errs"
	"github.com/mmeshcher/library-circulation/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	retryDelays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
// lockTimeout ограничивает ожидание блокировки строки; по его истечении операция завершается ошибкой errs.ErrBusy.
func NewPostgresRepository(dsn string, lockTimeout time.Duration) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}

	r := &PostgresRepository{
		pool:        pool,
		lockTimeout: lockTimeout,
		retryDelays: []time.Duration{50 * time.Millisecond, 150 * time.Millisecond, 300 * time.Millisecond},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// WithTx выполняет fn в транзакции READ COMMITTED с ограниченным ожиданием блокировок.
// Конфликты сериализации и взаимные блокировки повторяются; если повторы не помогли,
// возвращается ошибка вида errs.ErrBusy.
func (r *PostgresRepository) WithTx(ctx context.Context, fn TxFunc) error {
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}

		if err := fn(ctx, &pgTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	return classify(err)
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := r.retryDelays

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// При ошибке контекста выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if (isTransientConflict(err) || isConnectionError(err)) && i < len(delays) {
			timer := time.NewTimer(delays[i])
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		break
	}
	return err
}

// isTransientConflict сообщает о конфликте, который исчезает при повторе транзакции.
func isTransientConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return false
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// classify переводит ошибки PostgreSQL в виды ошибок сервиса.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.LockNotAvailable, pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return fmt.Errorf("%w: %w", errs.ErrBusy, err)
	case pgerrcode.UniqueViolation:
		if strings.HasPrefix(pgErr.ConstraintName, "loans_one_open") || strings.HasPrefix(pgErr.ConstraintName, "reservations_one_active") {
			return fmt.Errorf("%w: %w", errs.ErrBookUnavailable, err)
		}
	}
	return err
}

func notFound(err error, target error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return target
	}
	return err
}

func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

type pgTx struct {
	tx pgx.Tx
}

var _ Tx = (*pgTx)(nil)

const bookColumns = `id, title, physical_status, availability_status`

func scanBook(row pgx.Row) (*model.Book, error) {
	var (
		b            model.Book
		physical     string
		availability string
	)
	if err := row.Scan(&b.ID, &b.Title, &physical, &availability); err != nil {
		return nil, err
	}
	b.PhysicalStatus = model.PhysicalStatus(physical)
	b.AvailabilityStatus = model.AvailabilityStatus(availability)
	return &b, nil
}

// GetBook возвращает книгу без блокировки.
func (t *pgTx) GetBook(ctx context.Context, bookID int64) (*model.Book, error) {
	b, err := scanBook(t.tx.QueryRow(ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1`, bookID))
	if err != nil {
		return nil, fmt.Errorf("get book: %w", notFound(err, errs.ErrBookNotFound))
	}
	return b, nil
}

// LockBook блокирует строку книги до конца транзакции.
func (t *pgTx) LockBook(ctx context.Context, bookID int64) (*model.Book, error) {
	b, err := scanBook(t.tx.QueryRow(ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1 FOR UPDATE`, bookID))
	if err != nil {
		return nil, fmt.Errorf("lock book: %w", notFound(err, errs.ErrBookNotFound))
	}
	return b, nil
}

// UpdateBook сохраняет физическое состояние и доступность книги.
func (t *pgTx) UpdateBook(ctx context.Context, book *model.Book) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE books SET physical_status = $2, availability_status = $3 WHERE id = $1`,
		book.ID, string(book.PhysicalStatus), string(book.AvailabilityStatus),
	)
	if err != nil {
		return fmt.Errorf("update book: %w", err)
	}
	return nil
}

// LockUser блокирует строку пользователя до конца транзакции.
func (t *pgTx) LockUser(ctx context.Context, userID int64) (*model.User, error) {
	var (
		u    model.User
		role string
	)
	err := t.tx.QueryRow(ctx,
		`SELECT id, full_name, role, violation_count, is_blocked FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(&u.ID, &u.FullName, &role, &u.ViolationCount, &u.IsBlocked)
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", notFound(err, errs.ErrUserNotFound))
	}
	u.Role = model.Role(role)
	return &u, nil
}

// UpdateUserStanding сохраняет счётчик нарушений и признак блокировки.
func (t *pgTx) UpdateUserStanding(ctx context.Context, user *model.User) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE users SET violation_count = $2, is_blocked = $3 WHERE id = $1`,
		user.ID, user.ViolationCount, user.IsBlocked,
	)
	if err != nil {
		return fmt.Errorf("update user standing: %w", err)
	}
	return nil
}

const loanColumns = `id, book_id, user_id, issue_date, due_date, return_date, is_returned, condition_on_return, status`

func scanLoan(row pgx.Row) (*model.Loan, error) {
	var (
		l         model.Loan
		condition *string
		status    string
	)
	if err := row.Scan(&l.ID, &l.BookID, &l.UserID, &l.IssueDate, &l.DueDate, &l.ReturnDate, &l.IsReturned, &condition, &status); err != nil {
		return nil, err
	}
	if condition != nil {
		c := model.PhysicalStatus(*condition)
		l.ConditionOnReturn = &c
	}
	l.Status = model.LoanStatus(status)
	return &l, nil
}

func collectLoans(rows pgx.Rows) ([]model.Loan, error) {
	defer rows.Close()

	var res []model.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan loan: %w", err)
		}
		res = append(res, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// GetLoan возвращает выдачу без блокировки.
func (t *pgTx) GetLoan(ctx context.Context, loanID int64) (*model.Loan, error) {
	l, err := scanLoan(t.tx.QueryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, loanID))
	if err != nil {
		return nil, fmt.Errorf("get loan: %w", notFound(err, errs.ErrLoanNotFound))
	}
	return l, nil
}

// LockLoan блокирует строку выдачи до конца транзакции.
func (t *pgTx) LockLoan(ctx context.Context, loanID int64) (*model.Loan, error) {
	l, err := scanLoan(t.tx.QueryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1 FOR UPDATE`, loanID))
	if err != nil {
		return nil, fmt.Errorf("lock loan: %w", notFound(err, errs.ErrLoanNotFound))
	}
	return l, nil
}

// OpenLoanForBook возвращает открытую выдачу книги или nil.
func (t *pgTx) OpenLoanForBook(ctx context.Context, bookID int64) (*model.Loan, error) {
	l, err := scanLoan(t.tx.QueryRow(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE book_id = $1 AND status = $2`,
		bookID, string(model.LoanOpen),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select open loan: %w", err)
	}
	return l, nil
}

// CreateLoan сохраняет новую выдачу. Частичный уникальный индекс не допускает двух открытых выдач одной книги.
func (t *pgTx) CreateLoan(ctx context.Context, loan *model.Loan) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO loans (book_id, user_id, issue_date, due_date, status) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		loan.BookID, loan.UserID, loan.IssueDate, loan.DueDate, string(loan.Status),
	).Scan(&loan.ID)
	if err != nil {
		return fmt.Errorf("insert loan: %w", classify(err))
	}
	return nil
}

// CloseLoan сохраняет результат возврата или списания.
func (t *pgTx) CloseLoan(ctx context.Context, loan *model.Loan) error {
	var condition *string
	if loan.ConditionOnReturn != nil {
		c := string(*loan.ConditionOnReturn)
		condition = &c
	}
	_, err := t.tx.Exec(ctx,
		`UPDATE loans SET return_date = $2, is_returned = $3, condition_on_return = $4, status = $5 WHERE id = $1`,
		loan.ID, loan.ReturnDate, loan.IsReturned, condition, string(loan.Status),
	)
	if err != nil {
		return fmt.Errorf("close loan: %w", err)
	}
	return nil
}

// ListLoansByUser возвращает выдачи пользователя, новые первыми.
func (t *pgTx) ListLoansByUser(ctx context.Context, userID int64) ([]model.Loan, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE user_id = $1 ORDER BY issue_date DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select loans: %w", err)
	}
	return collectLoans(rows)
}

const reservationColumns = `id, book_id, user_id, reservation_date, pickup_date, is_confirmed, is_completed`

func scanReservation(row pgx.Row) (*model.Reservation, error) {
	var r model.Reservation
	if err := row.Scan(&r.ID, &r.BookID, &r.UserID, &r.ReservationDate, &r.PickupDate, &r.IsConfirmed, &r.IsCompleted); err != nil {
		return nil, err
	}
	return &r, nil
}

func collectReservations(rows pgx.Rows) ([]model.Reservation, error) {
	defer rows.Close()

	var res []model.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		res = append(res, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// GetReservation возвращает бронирование без блокировки.
func (t *pgTx) GetReservation(ctx context.Context, reservationID int64) (*model.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, reservationID))
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", notFound(err, errs.ErrReservationNotFound))
	}
	return r, nil
}

// LockReservation блокирует строку бронирования до конца транзакции.
func (t *pgTx) LockReservation(ctx context.Context, reservationID int64) (*model.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, reservationID))
	if err != nil {
		return nil, fmt.Errorf("lock reservation: %w", notFound(err, errs.ErrReservationNotFound))
	}
	return r, nil
}

// ActiveReservationForBook возвращает незавершённое бронирование книги или nil.
func (t *pgTx) ActiveReservationForBook(ctx context.Context, bookID int64) (*model.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE book_id = $1 AND NOT is_completed`,
		bookID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select active reservation: %w", err)
	}
	return r, nil
}

// CreateReservation сохраняет новое бронирование.
func (t *pgTx) CreateReservation(ctx context.Context, r *model.Reservation) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO reservations (book_id, user_id, reservation_date, pickup_date, is_confirmed, is_completed)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		r.BookID, r.UserID, r.ReservationDate, r.PickupDate, r.IsConfirmed, r.IsCompleted,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", classify(err))
	}
	return nil
}

// UpdateReservation сохраняет состояние бронирования.
func (t *pgTx) UpdateReservation(ctx context.Context, r *model.Reservation) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE reservations SET pickup_date = $2, is_confirmed = $3, is_completed = $4 WHERE id = $1`,
		r.ID, r.PickupDate, r.IsConfirmed, r.IsCompleted,
	)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	return nil
}

// DeleteReservation удаляет бронирование.
func (t *pgTx) DeleteReservation(ctx context.Context, reservationID int64) error {
	cmdTag, err := t.tx.Exec(ctx, `DELETE FROM reservations WHERE id = $1`, reservationID)
	if err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return errs.ErrReservationNotFound
	}
	return nil
}

// ListReservationsByUser возвращает бронирования пользователя, новые первыми.
func (t *pgTx) ListReservationsByUser(ctx context.Context, userID int64) ([]model.Reservation, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE user_id = $1 ORDER BY reservation_date DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select reservations: %w", err)
	}
	return collectReservations(rows)
}

// ListPendingReservations возвращает неподтверждённые бронирования, старые первыми.
func (t *pgTx) ListPendingReservations(ctx context.Context) ([]model.Reservation, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+reservationColumns+` FROM reservations
		 WHERE NOT is_confirmed AND NOT is_completed
		 ORDER BY reservation_date, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending reservations: %w", err)
	}
	return collectReservations(rows)
}

// ListExpiredReservations возвращает бронирования, срок которых истёк на дату today.
func (t *pgTx) ListExpiredReservations(ctx context.Context, today time.Time, pendingTTLDays int) ([]model.Reservation, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+reservationColumns+` FROM reservations
		 WHERE NOT is_completed AND (
		       (is_confirmed AND pickup_date < $1)
		    OR (NOT is_confirmed AND $2::int > 0 AND reservation_date < $1::date - $2::int)
		 )
		 ORDER BY reservation_date, id`,
		today, pendingTTLDays,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired reservations: %w", err)
	}
	return collectReservations(rows)
}

const fineColumns = `id, user_id, violation_type_id, amount, issue_date, is_paid, paid_date, payment_initiated_date`

func scanFine(row pgx.Row) (*model.Fine, error) {
	var (
		f           model.Fine
		violationID int64
		amount      int64
	)
	if err := row.Scan(&f.ID, &f.UserID, &violationID, &amount, &f.IssueDate, &f.IsPaid, &f.PaidDate, &f.PaymentInitiatedDate); err != nil {
		return nil, err
	}
	f.ViolationTypeID = model.ViolationType(violationID)
	f.Amount = fromCents(amount)
	return &f, nil
}

func collectFines(rows pgx.Rows) ([]model.Fine, error) {
	defer rows.Close()

	var res []model.Fine
	for rows.Next() {
		f, err := scanFine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fine: %w", err)
		}
		res = append(res, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// LockFine блокирует строку штрафа до конца транзакции.
func (t *pgTx) LockFine(ctx context.Context, fineID int64) (*model.Fine, error) {
	f, err := scanFine(t.tx.QueryRow(ctx, `SELECT `+fineColumns+` FROM fines WHERE id = $1 FOR UPDATE`, fineID))
	if err != nil {
		return nil, fmt.Errorf("lock fine: %w", notFound(err, errs.ErrFineNotFound))
	}
	return f, nil
}

// CreateFine сохраняет новый штраф.
func (t *pgTx) CreateFine(ctx context.Context, fine *model.Fine) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO fines (user_id, violation_type_id, amount, issue_date, is_paid)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		fine.UserID, int64(fine.ViolationTypeID), toCents(fine.Amount), fine.IssueDate, fine.IsPaid,
	).Scan(&fine.ID)
	if err != nil {
		return fmt.Errorf("insert fine: %w", err)
	}
	return nil
}

// UpdateFinePayment сохраняет состояние оплаты штрафа.
func (t *pgTx) UpdateFinePayment(ctx context.Context, fine *model.Fine) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE fines SET is_paid = $2, paid_date = $3, payment_initiated_date = $4 WHERE id = $1`,
		fine.ID, fine.IsPaid, fine.PaidDate, fine.PaymentInitiatedDate,
	)
	if err != nil {
		return fmt.Errorf("update fine: %w", err)
	}
	return nil
}

// HasUnpaidFines сообщает, есть ли у пользователя неоплаченные штрафы.
func (t *pgTx) HasUnpaidFines(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM fines WHERE user_id = $1 AND NOT is_paid)`,
		userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check unpaid fines: %w", err)
	}
	return exists, nil
}

// UnpaidFinesTotal возвращает сумму неоплаченных штрафов пользователя.
func (t *pgTx) UnpaidFinesTotal(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var total int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM fines WHERE user_id = $1 AND NOT is_paid`,
		userID,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum unpaid fines: %w", err)
	}
	return fromCents(total), nil
}

// ListFinesByUser возвращает штрафы пользователя, новые первыми.
func (t *pgTx) ListFinesByUser(ctx context.Context, userID int64) ([]model.Fine, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+fineColumns+` FROM fines WHERE user_id = $1 ORDER BY issue_date DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select fines: %w", err)
	}
	return collectFines(rows)
}

// ListPendingPayments возвращает штрафы, оплата которых ждёт подтверждения.
func (t *pgTx) ListPendingPayments(ctx context.Context) ([]model.Fine, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+fineColumns+` FROM fines
		 WHERE NOT is_paid AND payment_initiated_date IS NOT NULL
		 ORDER BY payment_initiated_date, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending payments: %w", err)
	}
	return collectFines(rows)
}

// TitleDemand возвращает спрос и число доступных экземпляров по каждому названию.
func (t *pgTx) TitleDemand(ctx context.Context, since, today time.Time) ([]model.TitleDemand, error) {
	query, args, err := titleDemandQuery(since, today)
	if err != nil {
		return nil, fmt.Errorf("build demand query: %w", err)
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select demand: %w", err)
	}
	defer rows.Close()

	var res []model.TitleDemand
	for rows.Next() {
		var (
			title     string
			demand    int64
			available int64
		)
		if err := rows.Scan(&title, &demand, &available); err != nil {
			return nil, fmt.Errorf("scan demand: %w", err)
		}
		res = append(res, model.TitleDemand{Title: title, Demand: int(demand), AvailableCopies: int(available)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// UnitPrice возвращает цену названия из прайс-листа.
func (t *pgTx) UnitPrice(ctx context.Context, title string) (decimal.Decimal, bool, error) {
	var cents int64
	err := t.tx.QueryRow(ctx, `SELECT unit_price FROM price_list WHERE title = $1`, title).Scan(&cents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, fmt.Errorf("select price: %w", err)
	}
	return fromCents(cents), true, nil
}

// SetUnitPrice добавляет или обновляет цену названия.
func (t *pgTx) SetUnitPrice(ctx context.Context, title string, price decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO price_list (title, unit_price) VALUES ($1, $2)
		 ON CONFLICT (title) DO UPDATE SET unit_price = EXCLUDED.unit_price`,
		title, toCents(price),
	)
	if err != nil {
		return fmt.Errorf("upsert price: %w", err)
	}
	return nil
}

// CreatePurchaseOrder сохраняет заказ вместе с позициями.
func (t *pgTx) CreatePurchaseOrder(ctx context.Context, order *model.PurchaseOrder) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO purchase_orders (supplier, order_date, status) VALUES ($1, $2, $3) RETURNING id`,
		order.Supplier, order.OrderDate, string(order.Status),
	).Scan(&order.ID)
	if err != nil {
		return fmt.Errorf("insert purchase order: %w", err)
	}

	batch := &pgx.Batch{}
	for _, it := range order.Items {
		batch.Queue(
			`INSERT INTO purchase_order_items (order_id, title_ref, quantity, unit_price) VALUES ($1, $2, $3, $4)`,
			order.ID, it.TitleRef, it.Quantity, toCents(it.UnitPrice),
		)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert purchase order items: %w", err)
	}
	return nil
}

func (t *pgTx) loadOrderItems(ctx context.Context, order *model.PurchaseOrder) error {
	rows, err := t.tx.Query(ctx,
		`SELECT title_ref, quantity, unit_price FROM purchase_order_items WHERE order_id = $1 ORDER BY title_ref`,
		order.ID,
	)
	if err != nil {
		return fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	order.Items = nil
	for rows.Next() {
		var (
			it    model.OrderItem
			cents int64
		)
		if err := rows.Scan(&it.TitleRef, &it.Quantity, &cents); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		it.UnitPrice = fromCents(cents)
		order.Items = append(order.Items, it)
	}
	return rows.Err()
}

func (t *pgTx) selectPurchaseOrder(ctx context.Context, query string, orderID int64) (*model.PurchaseOrder, error) {
	var (
		o      model.PurchaseOrder
		status string
	)
	err := t.tx.QueryRow(ctx, query, orderID).Scan(&o.ID, &o.Supplier, &o.OrderDate, &status)
	if err != nil {
		return nil, notFound(err, errs.ErrOrderNotFound)
	}
	o.Status = model.PurchaseOrderStatus(status)
	if err := t.loadOrderItems(ctx, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetPurchaseOrder возвращает заказ с позициями.
func (t *pgTx) GetPurchaseOrder(ctx context.Context, orderID int64) (*model.PurchaseOrder, error) {
	o, err := t.selectPurchaseOrder(ctx, `SELECT id, supplier, order_date, status FROM purchase_orders WHERE id = $1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("get purchase order: %w", err)
	}
	return o, nil
}

// LockPurchaseOrder блокирует строку заказа до конца транзакции.
func (t *pgTx) LockPurchaseOrder(ctx context.Context, orderID int64) (*model.PurchaseOrder, error) {
	o, err := t.selectPurchaseOrder(ctx, `SELECT id, supplier, order_date, status FROM purchase_orders WHERE id = $1 FOR UPDATE`, orderID)
	if err != nil {
		return nil, fmt.Errorf("lock purchase order: %w", err)
	}
	return o, nil
}

// UpdatePurchaseOrderStatus обновляет статус заказа.
func (t *pgTx) UpdatePurchaseOrderStatus(ctx context.Context, orderID int64, status model.PurchaseOrderStatus) error {
	cmdTag, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET status = $2 WHERE id = $1`, orderID, string(status))
	if err != nil {
		return fmt.Errorf("update purchase order: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return errs.ErrOrderNotFound
	}
	return nil
}

// ListOpenPurchaseOrders возвращает незавершённые заказы, старые первыми.
func (t *pgTx) ListOpenPurchaseOrders(ctx context.Context, limit int) ([]model.PurchaseOrder, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, supplier, order_date, status FROM purchase_orders
		 WHERE status IN ($1, $2)
		 ORDER BY id
		 LIMIT $3`,
		string(model.OrderCreated), string(model.OrderInProgress), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select open purchase orders: %w", err)
	}

	var res []model.PurchaseOrder
	for rows.Next() {
		var (
			o      model.PurchaseOrder
			status string
		)
		if err := rows.Scan(&o.ID, &o.Supplier, &o.OrderDate, &status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan purchase order: %w", err)
		}
		o.Status = model.PurchaseOrderStatus(status)
		res = append(res, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range res {
		if err := t.loadOrderItems(ctx, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}
