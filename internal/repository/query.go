package repository

import (
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // driver import

	"github.com/mmeshcher/library-circulation/internal/model"
)

const (
	dialectPostgres = "postgres"

	tableBooks        = "books"
	tableLoans        = "loans"
	tableReservations = "reservations"

	aliasDemand    = "demand"
	aliasAvailable = "available"
)

// availableCopiesExpr считает экземпляры без списания, без открытой выдачи
// и без действующей подтверждённой брони.
const availableCopiesExpr = `COUNT(*) FILTER (WHERE b.physical_status NOT IN (?, ?)
	AND NOT EXISTS (SELECT 1 FROM ` + tableLoans + ` ol WHERE ol.book_id = b.id AND ol.status = ?)
	AND NOT EXISTS (SELECT 1 FROM ` + tableReservations + ` hr WHERE hr.book_id = b.id
		AND hr.is_confirmed AND NOT hr.is_completed AND hr.pickup_date >= ?))`

// titleDemandQuery строит запрос спроса по названиям: число выдач начиная с since
// против числа экземпляров, которые можно выдать на дату today. Экземпляр с истёкшей,
// но ещё не удалённой бронью считается доступным. Названия без спроса тоже попадают
// в результат с demand = 0.
func titleDemandQuery(since, today time.Time) (string, []any, error) {
	builder := goqu.Dialect(dialectPostgres)

	demandStmt := builder.
		From(goqu.T(tableLoans).As("l")).
		Join(goqu.T(tableBooks).As("b"), goqu.On(goqu.I("b.id").Eq(goqu.I("l.book_id")))).
		Where(goqu.I("l.issue_date").Gte(model.Day(since))).
		Select(goqu.I("b.title"), goqu.COUNT(goqu.Star()).As(aliasDemand)).
		GroupBy(goqu.I("b.title"))

	supplyStmt := builder.
		From(goqu.T(tableBooks).As("b")).
		Select(
			goqu.I("b.title"),
			goqu.L(availableCopiesExpr,
				string(model.PhysicalDamaged), string(model.PhysicalLost),
				string(model.LoanOpen), model.Day(today),
			).As(aliasAvailable),
		).
		GroupBy(goqu.I("b.title"))

	selectStmt := builder.
		From(supplyStmt.As("s")).
		LeftJoin(demandStmt.As("dt"), goqu.On(goqu.I("dt.title").Eq(goqu.I("s.title")))).
		Select(
			goqu.I("s.title"),
			goqu.COALESCE(goqu.I("dt."+aliasDemand), 0).As(aliasDemand),
			goqu.I("s."+aliasAvailable),
		).
		Order(goqu.I("s.title").Asc()).
		Prepared(true)

	return selectStmt.ToSQL()
}
