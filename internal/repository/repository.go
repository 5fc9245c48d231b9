package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/library-circulation/internal/model"
)

// Tx описывает операции хранилища, доступные внутри одной транзакции.
//
// Методы Lock* захватывают строку до конца транзакции (SELECT ... FOR UPDATE).
// Чтобы не получить взаимную блокировку, workflow захватывают строки в порядке
// книга → выдача/бронирование → пользователь → штраф.
// Методы поиска одной сущности возвращают ошибку вида errs.ErrNotFound,
// методы поиска "активной" сущности возвращают nil, nil при её отсутствии.
type Tx interface {
	GetBook(ctx context.Context, bookID int64) (*model.Book, error)
	LockBook(ctx context.Context, bookID int64) (*model.Book, error)
	UpdateBook(ctx context.Context, book *model.Book) error

	LockUser(ctx context.Context, userID int64) (*model.User, error)
	UpdateUserStanding(ctx context.Context, user *model.User) error

	GetLoan(ctx context.Context, loanID int64) (*model.Loan, error)
	LockLoan(ctx context.Context, loanID int64) (*model.Loan, error)
	OpenLoanForBook(ctx context.Context, bookID int64) (*model.Loan, error)
	CreateLoan(ctx context.Context, loan *model.Loan) error
	CloseLoan(ctx context.Context, loan *model.Loan) error
	ListLoansByUser(ctx context.Context, userID int64) ([]model.Loan, error)

	GetReservation(ctx context.Context, reservationID int64) (*model.Reservation, error)
	LockReservation(ctx context.Context, reservationID int64) (*model.Reservation, error)
	ActiveReservationForBook(ctx context.Context, bookID int64) (*model.Reservation, error)
	CreateReservation(ctx context.Context, r *model.Reservation) error
	UpdateReservation(ctx context.Context, r *model.Reservation) error
	DeleteReservation(ctx context.Context, reservationID int64) error
	ListReservationsByUser(ctx context.Context, userID int64) ([]model.Reservation, error)
	ListPendingReservations(ctx context.Context) ([]model.Reservation, error)
	ListExpiredReservations(ctx context.Context, today time.Time, pendingTTLDays int) ([]model.Reservation, error)

	LockFine(ctx context.Context, fineID int64) (*model.Fine, error)
	CreateFine(ctx context.Context, fine *model.Fine) error
	UpdateFinePayment(ctx context.Context, fine *model.Fine) error
	HasUnpaidFines(ctx context.Context, userID int64) (bool, error)
	UnpaidFinesTotal(ctx context.Context, userID int64) (decimal.Decimal, error)
	ListFinesByUser(ctx context.Context, userID int64) ([]model.Fine, error)
	ListPendingPayments(ctx context.Context) ([]model.Fine, error)

	TitleDemand(ctx context.Context, since, today time.Time) ([]model.TitleDemand, error)
	UnitPrice(ctx context.Context, title string) (decimal.Decimal, bool, error)
	SetUnitPrice(ctx context.Context, title string, price decimal.Decimal) error
	CreatePurchaseOrder(ctx context.Context, order *model.PurchaseOrder) error
	GetPurchaseOrder(ctx context.Context, orderID int64) (*model.PurchaseOrder, error)
	LockPurchaseOrder(ctx context.Context, orderID int64) (*model.PurchaseOrder, error)
	UpdatePurchaseOrderStatus(ctx context.Context, orderID int64, status model.PurchaseOrderStatus) error
	ListOpenPurchaseOrders(ctx context.Context, limit int) ([]model.PurchaseOrder, error)
}

// TxFunc выполняется внутри транзакции; возврат ошибки откатывает все изменения.
type TxFunc func(ctx context.Context, tx Tx) error
