// Package model содержит доменные сущности сервиса выдачи книг.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role описывает роль пользователя библиотеки.
type Role string

const (
	RoleReader     Role = "Reader"
	RoleLibrarian  Role = "Librarian"
	RoleAccountant Role = "Accountant"
	RoleAdmin      Role = "Admin"
)

// IsValid сообщает, является ли роль известной.
func (r Role) IsValid() bool {
	switch r {
	case RoleReader, RoleLibrarian, RoleAccountant, RoleAdmin:
		return true
	}
	return false
}

// Actor описывает пользователя, от имени которого выполняется операция.
type Actor struct {
	UserID int64
	Role   Role
}

// PhysicalStatus описывает физическое состояние экземпляра книги.
type PhysicalStatus string

const (
	PhysicalNew     PhysicalStatus = "New"
	PhysicalGood    PhysicalStatus = "Good"
	PhysicalDamaged PhysicalStatus = "Damaged"
	PhysicalLost    PhysicalStatus = "Lost"
)

// IsValid сообщает, является ли состояние известным.
func (s PhysicalStatus) IsValid() bool {
	switch s {
	case PhysicalNew, PhysicalGood, PhysicalDamaged, PhysicalLost:
		return true
	}
	return false
}

// Withdrawn сообщает, что экземпляр не может выдаваться.
func (s PhysicalStatus) Withdrawn() bool {
	return s == PhysicalDamaged || s == PhysicalLost
}

// AvailabilityStatus описывает доступность книги для выдачи.
type AvailabilityStatus string

const (
	AvailabilityAvailable   AvailabilityStatus = "Available"
	AvailabilityLoaned      AvailabilityStatus = "Loaned"
	AvailabilityReserved    AvailabilityStatus = "Reserved"
	AvailabilityUnavailable AvailabilityStatus = "Unavailable"
)

// Book представляет экземпляр книги в фонде библиотеки.
type Book struct {
	ID                 int64
	Title              string
	PhysicalStatus     PhysicalStatus
	AvailabilityStatus AvailabilityStatus
}

// User представляет читателя или сотрудника библиотеки.
type User struct {
	ID             int64
	FullName       string
	Role           Role
	ViolationCount int
	IsBlocked      bool
}

// LoanStatus описывает состояние выдачи.
type LoanStatus string

const (
	LoanOpen     LoanStatus = "Open"
	LoanReturned LoanStatus = "Returned"
	LoanLost     LoanStatus = "Lost"
)

// Loan описывает выдачу одного экземпляра одному пользователю.
type Loan struct {
	ID                int64
	BookID            int64
	UserID            int64
	IssueDate         time.Time
	DueDate           time.Time
	ReturnDate        *time.Time
	IsReturned        bool
	ConditionOnReturn *PhysicalStatus
	Status            LoanStatus
}

// IsOpen сообщает, что книга ещё находится у читателя.
func (l Loan) IsOpen() bool {
	return l.Status == LoanOpen
}

// DaysOverdue возвращает число дней просрочки на указанную дату.
func (l Loan) DaysOverdue(today time.Time) int {
	d := DaysBetween(l.DueDate, today)
	if d < 0 {
		return 0
	}
	return d
}

// ReservationStatus описывает состояние бронирования.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "Pending"
	ReservationConfirmed ReservationStatus = "Confirmed"
	ReservationCompleted ReservationStatus = "Completed"
)

// Reservation описывает бронирование книги читателем.
// Отменённые бронирования удаляются и отдельного статуса не имеют.
type Reservation struct {
	ID              int64
	BookID          int64
	UserID          int64
	ReservationDate time.Time
	PickupDate      *time.Time
	IsConfirmed     bool
	IsCompleted     bool
}

// Status возвращает состояние бронирования.
func (r Reservation) Status() ReservationStatus {
	switch {
	case r.IsCompleted:
		return ReservationCompleted
	case r.IsConfirmed:
		return ReservationConfirmed
	default:
		return ReservationPending
	}
}

// IsActive сообщает, что бронирование ещё не завершено.
func (r Reservation) IsActive() bool {
	return !r.IsCompleted
}

// IsExpired сообщает, что бронирование просрочено на указанную дату:
// подтверждённое не забрали до даты выдачи, ожидающее висит дольше pendingTTL дней.
func (r Reservation) IsExpired(today time.Time, pendingTTL int) bool {
	if r.IsCompleted {
		return false
	}
	if r.IsConfirmed {
		return r.PickupDate != nil && today.After(*r.PickupDate)
	}
	if pendingTTL <= 0 {
		return false
	}
	return DaysBetween(r.ReservationDate, today) > pendingTTL
}

// ViolationType идентифицирует тип нарушения, за которое начисляется штраф.
type ViolationType int64

const (
	ViolationOverdue ViolationType = 1
	ViolationLost    ViolationType = 2
	ViolationDamaged ViolationType = 3
	ViolationOther   ViolationType = 4
)

// IsValid сообщает, является ли тип нарушения известным.
func (v ViolationType) IsValid() bool {
	return v >= ViolationOverdue && v <= ViolationOther
}

func (v ViolationType) String() string {
	switch v {
	case ViolationOverdue:
		return "Overdue"
	case ViolationLost:
		return "Lost"
	case ViolationDamaged:
		return "Damaged"
	case ViolationOther:
		return "Other"
	}
	return "Unknown"
}

// FineStatus описывает состояние штрафа.
type FineStatus string

const (
	FineUnpaid           FineStatus = "Unpaid"
	FinePaymentInitiated FineStatus = "PaymentInitiated"
	FinePaid             FineStatus = "Paid"
)

// Fine описывает денежный штраф пользователя.
type Fine struct {
	ID                   int64
	UserID               int64
	ViolationTypeID      ViolationType
	Amount               decimal.Decimal
	IssueDate            time.Time
	IsPaid               bool
	PaidDate             *time.Time
	PaymentInitiatedDate *time.Time
}

// Status возвращает состояние штрафа.
func (f Fine) Status() FineStatus {
	switch {
	case f.IsPaid:
		return FinePaid
	case f.PaymentInitiatedDate != nil:
		return FinePaymentInitiated
	default:
		return FineUnpaid
	}
}

// History содержит выдачи и штрафы пользователя, новые первыми.
type History struct {
	Loans []Loan
	Fines []Fine
}

// Availability описывает вычисленную доступность книги.
type Availability struct {
	BookID int64
	Status AvailabilityStatus
}
