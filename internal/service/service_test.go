package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/errs"
	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/repository"
	"github.com/mmeshcher/library-circulation/internal/supplier"
)

var (
	librarian  = model.Actor{UserID: 100, Role: model.RoleLibrarian}
	accountant = model.Actor{UserID: 101, Role: model.RoleAccountant}
	admin      = model.Actor{UserID: 102, Role: model.RoleAdmin}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(days int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.AddDate(0, 0, days)
}

type fixture struct {
	svc   *Service
	store *repository.MemoryStore
	clock *clock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	store := repository.NewMemoryStore(time.Second)
	c := &clock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return &fixture{
		svc:   NewService(store, model.DefaultPolicy(), zap.NewNop(), opts...),
		store: store,
		clock: c,
	}
}

func (f *fixture) book(t *testing.T, title string) model.Book {
	t.Helper()
	b, err := f.store.AddBook(context.Background(), model.Book{Title: title})
	require.NoError(t, err)
	return b
}

func (f *fixture) reader(t *testing.T) model.Actor {
	t.Helper()
	u, err := f.store.AddUser(context.Background(), model.User{FullName: "Reader"})
	require.NoError(t, err)
	return model.Actor{UserID: u.ID, Role: model.RoleReader}
}

func (f *fixture) user(t *testing.T, id int64) *model.User {
	t.Helper()
	var u *model.User
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		u, err = tx.LockUser(ctx, id)
		return err
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) availability(t *testing.T, bookID int64) model.AvailabilityStatus {
	t.Helper()
	a, err := f.svc.Availability(context.Background(), bookID)
	require.NoError(t, err)
	return a.Status
}

func TestIssueAndOverdueReturn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, "Dune")
	reader := f.reader(t)
	day := model.Day(f.clock.Now())

	loan, err := f.svc.Issue(ctx, librarian, reader.UserID, book.ID, 14)
	require.NoError(t, err)
	assert.Equal(t, model.AddDays(day, 14), loan.DueDate)
	assert.Equal(t, model.AvailabilityLoaned, f.availability(t, book.ID))

	f.clock.Advance(20)
	out, err := f.svc.Return(ctx, librarian, loan.ID, nil)
	require.NoError(t, err)
	require.Len(t, out.Fines, 1)
	assert.Equal(t, model.ViolationOverdue, out.Fines[0].ViolationTypeID)
	assert.True(t, out.Fines[0].Amount.Equal(decimal.NewFromInt(30)), "6 days by 5 per day, got %s", out.Fines[0].Amount)
	assert.Equal(t, model.FineUnpaid, out.Fines[0].Status())
	assert.False(t, out.UserBlocked)
	assert.Equal(t, model.LoanReturned, out.Loan.Status)

	assert.Equal(t, 1, f.user(t, reader.UserID).ViolationCount)
	assert.Equal(t, model.AvailabilityAvailable, f.availability(t, book.ID))
}

func TestReturnTwiceIsInvalidState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, "Dune")
	reader := f.reader(t)

	loan, err := f.svc.Issue(ctx, librarian, reader.UserID, book.ID, 0)
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, librarian, loan.ID, nil)
	require.NoError(t, err)

	_, err = f.svc.Return(ctx, librarian, loan.ID, nil)
	require.ErrorIs(t, err, errs.ErrAlreadyReturned)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))
}

func TestReturnDamagedWithdrawsBook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, "Dune")
	reader := f.reader(t)

	loan, err := f.svc.Issue(ctx, librarian, reader.UserID, book.ID, 7)
	require.NoError(t, err)

	damaged := model.PhysicalDamaged
	out, err := f.svc.Return(ctx, librarian, loan.ID, &damaged)
	require.NoError(t, err)
	require.Len(t, out.Fines, 1)
	assert.Equal(t, model.ViolationDamaged, out.Fines[0].ViolationTypeID)
	assert.Equal(t, model.AvailabilityUnavailable, f.availability(t, book.ID))

	other := f.reader(t)
	_, err = f.svc.Issue(ctx, librarian, other.UserID, book.ID, 7)
	assert.Equal(t, errs.KindBookUnavailable, errs.KindOf(err))
}

func TestIssueRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, "Dune")
	reader := f.reader(t)

	_, err := f.svc.Issue(ctx, reader, reader.UserID, book.ID, 14)
	assert.Equal(t, errs.KindForbidden, errs.KindOf(err))

	_, err = f.svc.Issue(ctx, librarian, reader.UserID, book.ID, 365)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	_, err = f.svc.Issue(ctx, librarian, reader.UserID, 999, 14)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	_, err = f.svc.RecordViolation(ctx, librarian, reader.UserID, model.ViolationDamaged, decimal.Zero)
	require.NoError(t, err)
	_, err = f.svc.Issue(ctx, librarian, reader.UserID, book.ID, 14)
	assert.ErrorIs(t, err, errs.ErrOutstandingDebt)
	assert.Equal(t, model.AvailabilityAvailable, f.availability(t, book.ID))
}

func TestBlockedUserCannotBorrow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, "Dune")
	reader := f.reader(t)

	var out *ViolationOutcome
	var err error
	for i := 0; i < 3; i++ {
		out, err = f.svc.RecordViolation(ctx, librarian, reader.UserID, model.ViolationOther, decimal.Zero)
		require.NoError(t, err)
		assert.Nil(t, out.Fine)
	}
	assert.True(t, out.User.IsBlocked)
	assert.Equal(t, 3, out.User.ViolationCount)

	_, err = f.svc.Issue(ctx, librarian, reader.UserID, book.ID, 14)
	require.ErrorIs(t, err, errs.ErrUserBlocked)

	_, err = f.svc.Unblock(ctx, librarian, reader.UserID)
	assert.Equal(t, errs.KindForbidden, errs.KindOf(err))

	u, err := f.svc.Unblock(ctx, admin, reader.UserID)
	require.NoError(t, err)
	assert.False(t, u.IsBlocked)
	assert.Equal(t, 3, u.ViolationCount)

	_, err = f.svc.Issue(ctx, librarian, reader.UserID, book.ID, 14)
	require.NoError(t, err)
}

func TestConcurrentIssueSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, "Dune")

	const n = 8
	readers := make([]model.Actor, n)
	for i := range readers {
		readers[i] = f.reader(t)
	}

	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.Issue(ctx, librarian, readers[i].UserID, book.ID, 14)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, errs.ErrBookUnavailable), errors.Is(err, errs.ErrBusy):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, model.AvailabilityLoaned, f.availability(t, book.ID))
}

func TestMarkLost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, "Dune")
	reader := f.reader(t)

	loan, err := f.svc.Issue(ctx, librarian, reader.UserID, book.ID, 14)
	require.NoError(t, err)

	f.clock.Advance(14 + 179)
	_, err = f.svc.MarkLost(ctx, librarian, loan.ID)
	require.ErrorIs(t, err, errs.ErrNotEligible)

	f.clock.Advance(1)
	out, err := f.svc.MarkLost(ctx, librarian, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LoanLost, out.Loan.Status)
	require.Len(t, out.Fines, 1)
	assert.True(t, out.Fines[0].Amount.Equal(decimal.NewFromInt(200)))
	assert.Equal(t, model.AvailabilityUnavailable, f.availability(t, book.ID))

	_, err = f.svc.Return(ctx, librarian, loan.ID, nil)
	assert.ErrorIs(t, err, errs.ErrAlreadyReturned)
}

func TestReservationLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, "Dune")
	holder := f.reader(t)
	other := f.reader(t)
	day := model.Day(f.clock.Now())

	loan, err := f.svc.Issue(ctx, librarian, other.UserID, book.ID, 14)
	require.NoError(t, err)
	_, err = f.svc.CreateReservation(ctx, holder, book.ID, 0)
	require.ErrorIs(t, err, errs.ErrBookUnavailable)

	_, err = f.svc.Return(ctx, librarian, loan.ID, nil)
	require.NoError(t, err)

	_, err = f.svc.CreateReservation(ctx, holder, book.ID, other.UserID)
	assert.Equal(t, errs.KindForbidden, errs.KindOf(err))

	r, err := f.svc.CreateReservation(ctx, holder, book.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationPending, r.Status())
	assert.Equal(t, model.AvailabilityAvailable, f.availability(t, book.ID))

	_, err = f.svc.CreateReservation(ctx, other, book.ID, 0)
	assert.ErrorIs(t, err, errs.ErrBookUnavailable)

	_, err = f.svc.CompleteReservation(ctx, librarian, r.ID)
	require.ErrorIs(t, err, errs.ErrNotConfirmed)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))

	pending, err := f.svc.ListPendingReservations(ctx, librarian)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	r, err = f.svc.ConfirmReservation(ctx, librarian, r.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, r.PickupDate)
	assert.Equal(t, model.AddDays(day, 3), *r.PickupDate)
	assert.Equal(t, model.AvailabilityReserved, f.availability(t, book.ID))

	_, err = f.svc.ConfirmReservation(ctx, librarian, r.ID, nil)
	assert.ErrorIs(t, err, errs.ErrNotPending)

	err = f.svc.CancelReservation(ctx, holder, r.ID)
	assert.ErrorIs(t, err, errs.ErrNotCancellable)

	_, err = f.svc.Issue(ctx, librarian, other.UserID, book.ID, 14)
	assert.ErrorIs(t, err, errs.ErrBookUnavailable)

	_, err = f.svc.Issue(ctx, librarian, holder.UserID, book.ID, 14)
	require.NoError(t, err)

	mine, err := f.svc.ListMyReservations(ctx, holder)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, model.ReservationCompleted, mine[0].Status())
}

func TestCancelReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, "Dune")
	holder := f.reader(t)
	stranger := f.reader(t)

	r, err := f.svc.CreateReservation(ctx, holder, book.ID, 0)
	require.NoError(t, err)

	err = f.svc.CancelReservation(ctx, stranger, r.ID)
	assert.Equal(t, errs.KindForbidden, errs.KindOf(err))

	require.NoError(t, f.svc.CancelReservation(ctx, holder, r.ID))

	err = f.svc.CancelReservation(ctx, holder, r.ID)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	r, err = f.svc.CreateReservation(ctx, librarian, book.ID, stranger.UserID)
	require.NoError(t, err)
	_, err = f.svc.ConfirmReservation(ctx, librarian, r.ID, nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.CancelReservation(ctx, librarian, r.ID))
	assert.Equal(t, model.AvailabilityAvailable, f.availability(t, book.ID))
}

func TestConfirmRejectsPastPickup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, "Dune")
	reader := f.reader(t)

	r, err := f.svc.CreateReservation(ctx, reader, book.ID, 0)
	require.NoError(t, err)

	past := f.clock.Now().AddDate(0, 0, -1)
	_, err = f.svc.ConfirmReservation(ctx, librarian, r.ID, &past)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestCompleteExpiredHold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, "Dune")
	holder := f.reader(t)
	other := f.reader(t)

	r, err := f.svc.CreateReservation(ctx, holder, book.ID, 0)
	require.NoError(t, err)
	_, err = f.svc.ConfirmReservation(ctx, librarian, r.ID, nil)
	require.NoError(t, err)

	f.clock.Advance(10)
	assert.Equal(t, model.AvailabilityAvailable, f.availability(t, book.ID))

	_, err = f.svc.CompleteReservation(ctx, librarian, r.ID)
	require.ErrorIs(t, err, errs.ErrReservationExpired)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))

	_, err = f.svc.CompleteReservation(ctx, librarian, r.ID)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	_, err = f.svc.CreateReservation(ctx, other, book.ID, 0)
	require.NoError(t, err)
}

func TestConfirmExpiredPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, "Dune")
	reader := f.reader(t)

	r, err := f.svc.CreateReservation(ctx, reader, book.ID, 0)
	require.NoError(t, err)

	f.clock.Advance(f.svc.Policy().PendingReservationTTLDays + 1)
	_, err = f.svc.ConfirmReservation(ctx, librarian, r.ID, nil)
	require.ErrorIs(t, err, errs.ErrReservationExpired)
	assert.Equal(t, model.AvailabilityAvailable, f.availability(t, book.ID))

	pending, err := f.svc.ListPendingReservations(ctx, librarian)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExpireReservations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	confirmedBook := f.book(t, "Dune")
	pendingBook := f.book(t, "Emma")
	reader := f.reader(t)

	r, err := f.svc.CreateReservation(ctx, reader, confirmedBook.ID, 0)
	require.NoError(t, err)
	_, err = f.svc.ConfirmReservation(ctx, librarian, r.ID, nil)
	require.NoError(t, err)
	_, err = f.svc.CreateReservation(ctx, reader, pendingBook.ID, 0)
	require.NoError(t, err)

	f.clock.Advance(4)
	assert.Equal(t, model.AvailabilityAvailable, f.availability(t, confirmedBook.ID))

	removed, err := f.svc.ExpireReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	f.clock.Advance(4)
	removed, err = f.svc.ExpireReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	mine, err := f.svc.ListMyReservations(ctx, reader)
	require.NoError(t, err)
	assert.Empty(t, mine)

	removed, err = f.svc.ExpireReservations(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestFinePaymentFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reader := f.reader(t)
	stranger := f.reader(t)

	out, err := f.svc.RecordViolation(ctx, librarian, reader.UserID, model.ViolationDamaged, decimal.Zero)
	require.NoError(t, err)
	require.NotNil(t, out.Fine)
	fineID := out.Fine.ID

	_, err = f.svc.InitiatePayment(ctx, stranger, fineID)
	assert.Equal(t, errs.KindForbidden, errs.KindOf(err))

	fine, err := f.svc.InitiatePayment(ctx, reader, fineID)
	require.NoError(t, err)
	assert.Equal(t, model.FinePaymentInitiated, fine.Status())

	pending, err := f.svc.ListPendingPayments(ctx, accountant)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	fine, err = f.svc.ConfirmPayment(ctx, accountant, fineID, false)
	require.NoError(t, err)
	assert.Equal(t, model.FineUnpaid, fine.Status())
	assert.Nil(t, fine.PaymentInitiatedDate)

	_, err = f.svc.ConfirmPayment(ctx, accountant, fineID, true)
	assert.ErrorIs(t, err, errs.ErrNoPaymentClaim)

	_, err = f.svc.InitiatePayment(ctx, reader, fineID)
	require.NoError(t, err)
	fine, err = f.svc.ConfirmPayment(ctx, accountant, fineID, true)
	require.NoError(t, err)
	assert.True(t, fine.IsPaid)
	require.NotNil(t, fine.PaidDate)

	_, err = f.svc.PayDirect(ctx, accountant, fineID)
	assert.ErrorIs(t, err, errs.ErrAlreadyPaid)

	history, err := f.svc.MyHistory(ctx, reader)
	require.NoError(t, err)
	require.Len(t, history.Fines, 1)
	assert.Equal(t, model.FinePaid, history.Fines[0].Status())
}

func TestUnpaidAmountBlocksUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reader := f.reader(t)

	out, err := f.svc.RecordViolation(ctx, librarian, reader.UserID, model.ViolationOther, decimal.NewFromInt(499))
	require.NoError(t, err)
	assert.False(t, out.User.IsBlocked)

	out, err = f.svc.RecordViolation(ctx, librarian, reader.UserID, model.ViolationOverdue, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, out.User.IsBlocked)
	assert.Equal(t, 2, out.User.ViolationCount)
}

func TestUnderstocked(t *testing.T) {
	half := decimal.RequireFromString("0.5")
	tests := []struct {
		name string
		in   model.TitleDemand
		want bool
	}{
		{"scarce", model.TitleDemand{Title: "X", Demand: 10, AvailableCopies: 2}, true},
		{"none left", model.TitleDemand{Title: "X", Demand: 1, AvailableCopies: 0}, true},
		{"enough", model.TitleDemand{Title: "X", Demand: 4, AvailableCopies: 2}, false},
		{"no demand", model.TitleDemand{Title: "Y", Demand: 0, AvailableCopies: 0}, false},
		{"no demand many copies", model.TitleDemand{Title: "Y", Demand: 0, AvailableCopies: 50}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := understocked(tt.in, half); got != tt.want {
				t.Fatalf("understocked(%+v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestForecast(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	popular := f.book(t, "Popular")
	_ = f.book(t, "Quiet")
	reader := f.reader(t)
	params := ForecastParams{ThresholdRatio: decimal.RequireFromString("0.5"), Quantity: 3, Supplier: "Acme"}

	_, err := f.svc.Forecast(ctx, librarian, params)
	require.ErrorIs(t, err, errs.ErrNoCandidates)

	_, err = f.svc.Issue(ctx, librarian, reader.UserID, popular.ID, 14)
	require.NoError(t, err)
	require.NoError(t, f.svc.SetPrice(ctx, admin, "Popular", decimal.RequireFromString("12.50")))

	_, err = f.svc.Forecast(ctx, reader, params)
	assert.Equal(t, errs.KindForbidden, errs.KindOf(err))

	order, err := f.svc.Forecast(ctx, librarian, params)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCreated, order.Status)
	assert.Equal(t, "Acme", order.Supplier)
	require.Len(t, order.Items, 1)
	assert.Equal(t, "Popular", order.Items[0].TitleRef)
	assert.Equal(t, 3, order.Items[0].Quantity)
	assert.True(t, order.Total().Equal(decimal.RequireFromString("37.5")))

	_, err = f.svc.Forecast(ctx, librarian, ForecastParams{Quantity: 1, Supplier: "Acme"})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestForecastCountsLoansOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.book(t, "Dune")
	first := f.reader(t)
	second := f.reader(t)
	params := ForecastParams{ThresholdRatio: decimal.RequireFromString("0.5"), Quantity: 5, Supplier: "S"}

	loan, err := f.svc.Issue(ctx, librarian, first.UserID, book.ID, 14)
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, librarian, loan.ID, nil)
	require.NoError(t, err)

	r, err := f.svc.CreateReservation(ctx, first, book.ID, 0)
	require.NoError(t, err)
	_, err = f.svc.ConfirmReservation(ctx, librarian, r.ID, nil)
	require.NoError(t, err)
	_, err = f.svc.CompleteReservation(ctx, librarian, r.ID)
	require.NoError(t, err)
	_, err = f.svc.CreateReservation(ctx, second, book.ID, 0)
	require.NoError(t, err)

	// одна выдача на один доступный экземпляр: отношение 1, заказывать нечего
	_, err = f.svc.Forecast(ctx, librarian, params)
	require.ErrorIs(t, err, errs.ErrNoCandidates)
}

func TestPurchaseOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.svc.SetPrice(ctx, admin, "Dune", decimal.NewFromInt(10)))

	_, err := f.svc.CreatePurchaseOrder(ctx, librarian, "Acme", []model.OrderItem{
		{TitleRef: "Dune", Quantity: 1},
		{TitleRef: "Dune", Quantity: 2},
	})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	order, err := f.svc.CreatePurchaseOrder(ctx, librarian, "Acme", []model.OrderItem{
		{TitleRef: "Dune", Quantity: 2},
		{TitleRef: "Emma", Quantity: 1, UnitPrice: decimal.NewFromInt(7)},
	})
	require.NoError(t, err)
	assert.True(t, order.Total().Equal(decimal.NewFromInt(27)))

	order, err = f.svc.UpdatePurchaseOrderStatus(ctx, librarian, order.ID, model.OrderInProgress)
	require.NoError(t, err)
	assert.Equal(t, model.OrderInProgress, order.Status)

	order, err = f.svc.UpdatePurchaseOrderStatus(ctx, librarian, order.ID, model.OrderCompleted)
	require.NoError(t, err)

	_, err = f.svc.UpdatePurchaseOrderStatus(ctx, librarian, order.ID, model.OrderCancelled)
	require.ErrorIs(t, err, errs.ErrOrderTransition)

	got, err := f.svc.GetPurchaseOrder(ctx, accountant, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCompleted, got.Status)
	assert.Len(t, got.Items, 2)
}

type stubSupplier struct {
	states map[int64]string
	calls  int
}

func (s *stubSupplier) GetOrderState(ctx context.Context, orderID int64) (*supplier.OrderState, int, time.Duration, error) {
	s.calls++
	status, ok := s.states[orderID]
	if !ok {
		return nil, 204, 0, nil
	}
	if status == "THROTTLED" {
		return nil, 429, 0, nil
	}
	return &supplier.OrderState{Status: status}, 200, 0, nil
}

func TestSyncSupplierOrders(t *testing.T) {
	ctx := context.Background()
	stub := &stubSupplier{states: map[int64]string{}}
	f := newFixture(t, WithSupplierClient(stub))

	ids := make([]int64, 0, 4)
	for _, title := range []string{"A", "B", "C", "D"} {
		o, err := f.svc.CreatePurchaseOrder(ctx, librarian, "Acme", []model.OrderItem{{TitleRef: title, Quantity: 1}})
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}
	stub.states[ids[0]] = supplier.StatusDelivered
	stub.states[ids[1]] = "THROTTLED"
	stub.states[ids[2]] = "LOST_IN_TRANSIT"

	require.NoError(t, f.svc.SyncSupplierOrders(ctx))
	assert.Equal(t, 4, stub.calls)

	want := []model.PurchaseOrderStatus{model.OrderCompleted, model.OrderCreated, model.OrderCreated, model.OrderCreated}
	for i, id := range ids {
		o, err := f.svc.GetPurchaseOrder(ctx, librarian, id)
		require.NoError(t, err)
		assert.Equal(t, want[i], o.Status, "order %d", id)
	}

	stub.calls = 0
	require.NoError(t, f.svc.SyncSupplierOrders(ctx))
	assert.Equal(t, 3, stub.calls)
}

func TestSyncSupplierOrders_NoClient(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.SyncSupplierOrders(context.Background()); err != nil {
		t.Fatalf("SyncSupplierOrders without client: %v", err)
	}
}
