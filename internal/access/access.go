// Package access реализует проверку прав ролей на операции workflow.
//
// Проверка выполняется до любых побочных эффектов. Владение ресурсом
// (например, штраф принадлежит читателю) проверяет сам workflow.
package access

import (
	"fmt"

	"github.com/mmeshcher/library-circulation/internal/errs"
	"github.com/mmeshcher/library-circulation/internal/model"
)

// Operation идентифицирует операцию, на которую проверяются права.
type Operation string

const (
	OpLoanIssue    Operation = "loan.issue"
	OpLoanReturn   Operation = "loan.return"
	OpLoanMarkLost Operation = "loan.mark_lost"
	OpLoanHistory  Operation = "loan.history"

	OpReservationCreate      Operation = "reservation.create"
	OpReservationConfirm     Operation = "reservation.confirm"
	OpReservationComplete    Operation = "reservation.complete"
	OpReservationCancel      Operation = "reservation.cancel"
	OpReservationListPending Operation = "reservation.list_pending"
	OpReservationListOwn     Operation = "reservation.list_own"

	OpFineInitiatePayment Operation = "fine.initiate_payment"
	OpFineConfirmPayment  Operation = "fine.confirm_payment"
	OpFinePayDirect       Operation = "fine.pay_direct"
	OpFineListPending     Operation = "fine.list_pending_payments"
	OpViolationRecord     Operation = "violation.record"
	OpUserUnblock         Operation = "user.unblock"

	OpOrderForecast     Operation = "order.forecast"
	OpOrderCreate       Operation = "order.create"
	OpOrderUpdateStatus Operation = "order.update_status"
	OpOrderView         Operation = "order.view"
	OpPriceListSet      Operation = "price_list.set"
)

var (
	everyone    = []model.Role{model.RoleReader, model.RoleLibrarian, model.RoleAccountant, model.RoleAdmin}
	circulation = []model.Role{model.RoleLibrarian, model.RoleAdmin}
	finance     = []model.Role{model.RoleAccountant, model.RoleAdmin}
	adminOnly   = []model.Role{model.RoleAdmin}
)

var permissions = map[Operation][]model.Role{
	OpLoanIssue:    circulation,
	OpLoanReturn:   circulation,
	OpLoanMarkLost: circulation,
	OpLoanHistory:  everyone,

	OpReservationCreate:      everyone,
	OpReservationConfirm:     circulation,
	OpReservationComplete:    circulation,
	OpReservationCancel:      everyone,
	OpReservationListPending: circulation,
	OpReservationListOwn:     everyone,

	OpFineInitiatePayment: everyone,
	OpFineConfirmPayment:  finance,
	OpFinePayDirect:       finance,
	OpFineListPending:     finance,
	OpViolationRecord:     circulation,
	OpUserUnblock:         adminOnly,

	OpOrderForecast:     circulation,
	OpOrderCreate:       circulation,
	OpOrderUpdateStatus: circulation,
	OpOrderView:         {model.RoleLibrarian, model.RoleAccountant, model.RoleAdmin},
	OpPriceListSet:      adminOnly,
}

// Allowed сообщает, разрешена ли операция роли. Неизвестные операции и роли запрещены.
func Allowed(role model.Role, op Operation) bool {
	for _, r := range permissions[op] {
		if r == role {
			return true
		}
	}
	return false
}

// Authorize возвращает errs.ErrForbidden, если роль действующего лица не допускает операцию.
func Authorize(actor model.Actor, op Operation) error {
	if !Allowed(actor.Role, op) {
		return fmt.Errorf("%w: role %q may not perform %s", errs.ErrForbidden, actor.Role, op)
	}
	return nil
}

// IsStaff сообщает, что роль может действовать от имени читателей в вопросах выдачи.
func IsStaff(role model.Role) bool {
	return role == model.RoleLibrarian || role == model.RoleAdmin
}
