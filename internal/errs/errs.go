// Package errs содержит классификацию ошибок сервиса выдачи книг.
//
// Каждая ошибка workflow относится ровно к одному виду (Kind). Уточняющие ошибки
// оборачивают базовую, поэтому errors.Is работает и для вида, и для конкретной причины.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind описывает вид ошибки, по которому ветвится вызывающая сторона.
type Kind string

const (
	KindForbidden       Kind = "FORBIDDEN"
	KindNotFound        Kind = "NOT_FOUND"
	KindInvalidState    Kind = "INVALID_STATE"
	KindBookUnavailable Kind = "BOOK_UNAVAILABLE"
	KindUserBlocked     Kind = "USER_BLOCKED"
	KindOutstandingDebt Kind = "OUTSTANDING_DEBT"
	KindBusy            Kind = "BUSY"
	KindValidation      Kind = "VALIDATION_ERROR"
	KindNoCandidates    Kind = "NO_CANDIDATES"
	KindInternal        Kind = "INTERNAL_ERROR"
)

var (
	// ErrForbidden возвращается, если роль или владение не позволяют выполнить операцию.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound возвращается, если сущность с указанным идентификатором не существует.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState возвращается при попытке перехода из недопустимого состояния.
	ErrInvalidState = errors.New("invalid state")
	// ErrBookUnavailable возвращается, если выдача или бронирование нарушит инвариант фонда.
	ErrBookUnavailable = errors.New("book unavailable")
	// ErrUserBlocked возвращается, если пользователь заблокирован.
	ErrUserBlocked = errors.New("user blocked")
	// ErrOutstandingDebt возвращается, если у пользователя есть неоплаченные штрафы.
	ErrOutstandingDebt = errors.New("outstanding debt")
	// ErrBusy возвращается при конкурентной блокировке; операцию можно повторить.
	ErrBusy = errors.New("busy")
	// ErrValidation возвращается для некорректных входных данных.
	ErrValidation = errors.New("validation error")
	// ErrNoCandidates возвращается, если прогноз не нашёл названий для дозаказа.
	ErrNoCandidates = errors.New("no candidates")
)

var (
	ErrBookNotFound        = fmt.Errorf("%w: book", ErrNotFound)
	ErrUserNotFound        = fmt.Errorf("%w: user", ErrNotFound)
	ErrLoanNotFound        = fmt.Errorf("%w: loan", ErrNotFound)
	ErrReservationNotFound = fmt.Errorf("%w: reservation", ErrNotFound)
	ErrFineNotFound        = fmt.Errorf("%w: fine", ErrNotFound)
	ErrOrderNotFound       = fmt.Errorf("%w: purchase order", ErrNotFound)

	ErrAlreadyReturned    = fmt.Errorf("%w: loan already closed", ErrInvalidState)
	ErrNotEligible        = fmt.Errorf("%w: loan is not eligible to be marked lost", ErrInvalidState)
	ErrNotPending         = fmt.Errorf("%w: reservation is not pending", ErrInvalidState)
	ErrNotConfirmed       = fmt.Errorf("%w: reservation is not confirmed", ErrInvalidState)
	ErrNotCancellable     = fmt.Errorf("%w: reservation cannot be cancelled", ErrInvalidState)
	ErrReservationExpired = fmt.Errorf("%w: reservation expired", ErrInvalidState)
	ErrAlreadyPaid        = fmt.Errorf("%w: fine is not unpaid", ErrInvalidState)
	ErrNoPaymentClaim     = fmt.Errorf("%w: fine has no payment awaiting confirmation", ErrInvalidState)
	ErrOrderTransition    = fmt.Errorf("%w: purchase order status transition", ErrInvalidState)
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrForbidden, KindForbidden},
	{ErrNotFound, KindNotFound},
	{ErrInvalidState, KindInvalidState},
	{ErrBookUnavailable, KindBookUnavailable},
	{ErrUserBlocked, KindUserBlocked},
	{ErrOutstandingDebt, KindOutstandingDebt},
	{ErrBusy, KindBusy},
	{ErrValidation, KindValidation},
	{ErrNoCandidates, KindNoCandidates},
}

// KindOf возвращает вид ошибки; для неклассифицированных ошибок KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Validation создаёт ошибку валидации с описанием.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Metadata описывает, как вид ошибки отображается на транспортный уровень.
type Metadata struct {
	HTTPStatus    int
	Retryable     bool
	PublicMessage string
}

var metadataByKind = map[Kind]Metadata{
	KindForbidden:       {HTTPStatus: http.StatusForbidden, PublicMessage: "access denied"},
	KindNotFound:        {HTTPStatus: http.StatusNotFound, PublicMessage: "resource not found"},
	KindInvalidState:    {HTTPStatus: http.StatusConflict, PublicMessage: "state transition disallowed"},
	KindBookUnavailable: {HTTPStatus: http.StatusConflict, PublicMessage: "book unavailable"},
	KindUserBlocked:     {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "user is blocked"},
	KindOutstandingDebt: {HTTPStatus: http.StatusPaymentRequired, PublicMessage: "user has unpaid fines"},
	KindBusy:            {HTTPStatus: http.StatusServiceUnavailable, Retryable: true, PublicMessage: "resource busy, retry"},
	KindValidation:      {HTTPStatus: http.StatusBadRequest, PublicMessage: "validation failed"},
	KindNoCandidates:    {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "no titles matched the threshold"},
	KindInternal:        {HTTPStatus: http.StatusInternalServerError, PublicMessage: "internal server error"},
}

// MetadataFor возвращает транспортные метаданные вида ошибки.
func MetadataFor(kind Kind) Metadata {
	if meta, ok := metadataByKind[kind]; ok {
		return meta
	}
	return metadataByKind[KindInternal]
}

// IsRetryable сообщает, имеет ли смысл автоматически повторить операцию.
func IsRetryable(err error) bool {
	return MetadataFor(KindOf(err)).Retryable
}
