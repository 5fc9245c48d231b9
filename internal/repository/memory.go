package repository

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/library-circulation/internal/errs"
	"github.com/mmeshcher/library-circulation/internal/model"
)

// MemoryStore хранит данные в памяти с теми же транзакционными гарантиями, что и PostgreSQL:
// транзакции выполняются строго по одной, изменения применяются только при успешном завершении.
type MemoryStore struct {
	sem         chan struct{}
	lockTimeout time.Duration
	state       *memState
}

type memState struct {
	books        map[int64]model.Book
	users        map[int64]model.User
	loans        map[int64]model.Loan
	reservations map[int64]model.Reservation
	fines        map[int64]model.Fine
	orders       map[int64]model.PurchaseOrder
	prices       map[string]decimal.Decimal

	nextBookID        int64
	nextUserID        int64
	nextLoanID        int64
	nextReservationID int64
	nextFineID        int64
	nextOrderID       int64
}

// NewMemoryStore создаёт пустое хранилище. lockTimeout ограничивает ожидание транзакции.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &MemoryStore{
		sem:         make(chan struct{}, 1),
		lockTimeout: lockTimeout,
		state: &memState{
			books:        make(map[int64]model.Book),
			users:        make(map[int64]model.User),
			loans:        make(map[int64]model.Loan),
			reservations: make(map[int64]model.Reservation),
			fines:        make(map[int64]model.Fine),
			orders:       make(map[int64]model.PurchaseOrder),
			prices:       make(map[string]decimal.Decimal),
		},
	}
}

func (s *memState) clone() *memState {
	cp := *s
	cp.books = maps.Clone(s.books)
	cp.users = maps.Clone(s.users)
	cp.loans = maps.Clone(s.loans)
	cp.reservations = maps.Clone(s.reservations)
	cp.fines = maps.Clone(s.fines)
	cp.orders = maps.Clone(s.orders)
	cp.prices = maps.Clone(s.prices)
	return &cp
}

func (m *MemoryStore) acquire(ctx context.Context) error {
	timer := time.NewTimer(m.lockTimeout)
	defer timer.Stop()

	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("acquire store lock: %w", errs.ErrBusy)
	}
}

func (m *MemoryStore) release() {
	<-m.sem
}

// WithTx выполняет fn в транзакции.
func (m *MemoryStore) WithTx(ctx context.Context, fn TxFunc) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	work := m.state.clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// Close ничего не делает и нужен для совместимости с PostgresRepository.
func (m *MemoryStore) Close() error {
	return nil
}

// AddBook добавляет экземпляр книги в фонд. Используется для начального наполнения.
func (m *MemoryStore) AddBook(ctx context.Context, b model.Book) (model.Book, error) {
	if err := m.acquire(ctx); err != nil {
		return model.Book{}, err
	}
	defer m.release()

	if b.ID == 0 {
		m.state.nextBookID++
		b.ID = m.state.nextBookID
	} else if b.ID > m.state.nextBookID {
		m.state.nextBookID = b.ID
	}
	if b.PhysicalStatus == "" {
		b.PhysicalStatus = model.PhysicalNew
	}
	if b.AvailabilityStatus == "" {
		b.AvailabilityStatus = model.AvailabilityAvailable
	}
	m.state.books[b.ID] = b
	return b, nil
}

// AddUser регистрирует пользователя. Используется для начального наполнения.
func (m *MemoryStore) AddUser(ctx context.Context, u model.User) (model.User, error) {
	if err := m.acquire(ctx); err != nil {
		return model.User{}, err
	}
	defer m.release()

	if u.ID == 0 {
		m.state.nextUserID++
		u.ID = m.state.nextUserID
	} else if u.ID > m.state.nextUserID {
		m.state.nextUserID = u.ID
	}
	if u.Role == "" {
		u.Role = model.RoleReader
	}
	m.state.users[u.ID] = u
	return u, nil
}

type memTx struct {
	st *memState
}

var _ Tx = (*memTx)(nil)

func (t *memTx) GetBook(_ context.Context, bookID int64) (*model.Book, error) {
	b, ok := t.st.books[bookID]
	if !ok {
		return nil, errs.ErrBookNotFound
	}
	return &b, nil
}

func (t *memTx) LockBook(ctx context.Context, bookID int64) (*model.Book, error) {
	return t.GetBook(ctx, bookID)
}

func (t *memTx) UpdateBook(_ context.Context, book *model.Book) error {
	if _, ok := t.st.books[book.ID]; !ok {
		return errs.ErrBookNotFound
	}
	t.st.books[book.ID] = *book
	return nil
}

func (t *memTx) LockUser(_ context.Context, userID int64) (*model.User, error) {
	u, ok := t.st.users[userID]
	if !ok {
		return nil, errs.ErrUserNotFound
	}
	return &u, nil
}

func (t *memTx) UpdateUserStanding(_ context.Context, user *model.User) error {
	u, ok := t.st.users[user.ID]
	if !ok {
		return errs.ErrUserNotFound
	}
	u.ViolationCount = user.ViolationCount
	u.IsBlocked = user.IsBlocked
	t.st.users[user.ID] = u
	return nil
}

func (t *memTx) GetLoan(_ context.Context, loanID int64) (*model.Loan, error) {
	l, ok := t.st.loans[loanID]
	if !ok {
		return nil, errs.ErrLoanNotFound
	}
	return &l, nil
}

func (t *memTx) LockLoan(ctx context.Context, loanID int64) (*model.Loan, error) {
	return t.GetLoan(ctx, loanID)
}

func (t *memTx) OpenLoanForBook(_ context.Context, bookID int64) (*model.Loan, error) {
	for _, l := range t.st.loans {
		if l.BookID == bookID && l.IsOpen() {
			return &l, nil
		}
	}
	return nil, nil
}

func (t *memTx) CreateLoan(ctx context.Context, loan *model.Loan) error {
	if open, _ := t.OpenLoanForBook(ctx, loan.BookID); open != nil {
		return fmt.Errorf("%w: book %d already has an open loan", errs.ErrBookUnavailable, loan.BookID)
	}
	t.st.nextLoanID++
	loan.ID = t.st.nextLoanID
	t.st.loans[loan.ID] = *loan
	return nil
}

func (t *memTx) CloseLoan(_ context.Context, loan *model.Loan) error {
	if _, ok := t.st.loans[loan.ID]; !ok {
		return errs.ErrLoanNotFound
	}
	t.st.loans[loan.ID] = *loan
	return nil
}

func (t *memTx) ListLoansByUser(_ context.Context, userID int64) ([]model.Loan, error) {
	var res []model.Loan
	for _, l := range t.st.loans {
		if l.UserID == userID {
			res = append(res, l)
		}
	}
	slices.SortFunc(res, func(a, b model.Loan) int {
		if c := b.IssueDate.Compare(a.IssueDate); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return res, nil
}

func (t *memTx) GetReservation(_ context.Context, reservationID int64) (*model.Reservation, error) {
	r, ok := t.st.reservations[reservationID]
	if !ok {
		return nil, errs.ErrReservationNotFound
	}
	return &r, nil
}

func (t *memTx) LockReservation(ctx context.Context, reservationID int64) (*model.Reservation, error) {
	return t.GetReservation(ctx, reservationID)
}

func (t *memTx) ActiveReservationForBook(_ context.Context, bookID int64) (*model.Reservation, error) {
	for _, r := range t.st.reservations {
		if r.BookID == bookID && r.IsActive() {
			return &r, nil
		}
	}
	return nil, nil
}

func (t *memTx) CreateReservation(ctx context.Context, r *model.Reservation) error {
	if active, _ := t.ActiveReservationForBook(ctx, r.BookID); active != nil {
		return fmt.Errorf("%w: book %d already has an active reservation", errs.ErrBookUnavailable, r.BookID)
	}
	t.st.nextReservationID++
	r.ID = t.st.nextReservationID
	t.st.reservations[r.ID] = *r
	return nil
}

func (t *memTx) UpdateReservation(_ context.Context, r *model.Reservation) error {
	if _, ok := t.st.reservations[r.ID]; !ok {
		return errs.ErrReservationNotFound
	}
	t.st.reservations[r.ID] = *r
	return nil
}

func (t *memTx) DeleteReservation(_ context.Context, reservationID int64) error {
	if _, ok := t.st.reservations[reservationID]; !ok {
		return errs.ErrReservationNotFound
	}
	delete(t.st.reservations, reservationID)
	return nil
}

func (t *memTx) ListReservationsByUser(_ context.Context, userID int64) ([]model.Reservation, error) {
	res := t.filterReservations(func(r model.Reservation) bool { return r.UserID == userID })
	slices.Reverse(res)
	return res, nil
}

func (t *memTx) ListPendingReservations(_ context.Context) ([]model.Reservation, error) {
	return t.filterReservations(func(r model.Reservation) bool {
		return r.Status() == model.ReservationPending
	}), nil
}

func (t *memTx) ListExpiredReservations(_ context.Context, today time.Time, pendingTTLDays int) ([]model.Reservation, error) {
	return t.filterReservations(func(r model.Reservation) bool {
		return r.IsExpired(today, pendingTTLDays)
	}), nil
}

// filterReservations возвращает бронирования по возрастанию даты и идентификатора.
func (t *memTx) filterReservations(keep func(model.Reservation) bool) []model.Reservation {
	var res []model.Reservation
	for _, r := range t.st.reservations {
		if keep(r) {
			res = append(res, r)
		}
	}
	slices.SortFunc(res, func(a, b model.Reservation) int {
		if c := a.ReservationDate.Compare(b.ReservationDate); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return res
}

func (t *memTx) LockFine(_ context.Context, fineID int64) (*model.Fine, error) {
	f, ok := t.st.fines[fineID]
	if !ok {
		return nil, errs.ErrFineNotFound
	}
	return &f, nil
}

func (t *memTx) CreateFine(_ context.Context, fine *model.Fine) error {
	if _, ok := t.st.users[fine.UserID]; !ok {
		return errs.ErrUserNotFound
	}
	t.st.nextFineID++
	fine.ID = t.st.nextFineID
	t.st.fines[fine.ID] = *fine
	return nil
}

func (t *memTx) UpdateFinePayment(_ context.Context, fine *model.Fine) error {
	f, ok := t.st.fines[fine.ID]
	if !ok {
		return errs.ErrFineNotFound
	}
	f.IsPaid = fine.IsPaid
	f.PaidDate = fine.PaidDate
	f.PaymentInitiatedDate = fine.PaymentInitiatedDate
	t.st.fines[fine.ID] = f
	return nil
}

func (t *memTx) HasUnpaidFines(_ context.Context, userID int64) (bool, error) {
	for _, f := range t.st.fines {
		if f.UserID == userID && !f.IsPaid {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) UnpaidFinesTotal(_ context.Context, userID int64) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, f := range t.st.fines {
		if f.UserID == userID && !f.IsPaid {
			total = total.Add(f.Amount)
		}
	}
	return total, nil
}

func (t *memTx) ListFinesByUser(_ context.Context, userID int64) ([]model.Fine, error) {
	var res []model.Fine
	for _, f := range t.st.fines {
		if f.UserID == userID {
			res = append(res, f)
		}
	}
	sortFinesNewestFirst(res)
	return res, nil
}

func (t *memTx) ListPendingPayments(_ context.Context) ([]model.Fine, error) {
	var res []model.Fine
	for _, f := range t.st.fines {
		if f.Status() == model.FinePaymentInitiated {
			res = append(res, f)
		}
	}
	slices.SortFunc(res, func(a, b model.Fine) int {
		if c := a.PaymentInitiatedDate.Compare(*b.PaymentInitiatedDate); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return res, nil
}

func sortFinesNewestFirst(fines []model.Fine) {
	slices.SortFunc(fines, func(a, b model.Fine) int {
		if c := b.IssueDate.Compare(a.IssueDate); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}

func (t *memTx) TitleDemand(_ context.Context, since, today time.Time) ([]model.TitleDemand, error) {
	byTitle := make(map[string]*model.TitleDemand)
	entry := func(title string) *model.TitleDemand {
		d, ok := byTitle[title]
		if !ok {
			d = &model.TitleDemand{Title: title}
			byTitle[title] = d
		}
		return d
	}

	busy := make(map[int64]bool)
	for _, l := range t.st.loans {
		if l.Status == model.LoanOpen {
			busy[l.BookID] = true
		}
	}
	for _, r := range t.st.reservations {
		if r.IsConfirmed && !r.IsCompleted && r.PickupDate != nil && !today.After(*r.PickupDate) {
			busy[r.BookID] = true
		}
	}

	for _, b := range t.st.books {
		d := entry(b.Title)
		if !b.PhysicalStatus.Withdrawn() && !busy[b.ID] {
			d.AvailableCopies++
		}
	}
	for _, l := range t.st.loans {
		if l.IssueDate.Before(since) {
			continue
		}
		if b, ok := t.st.books[l.BookID]; ok {
			entry(b.Title).Demand++
		}
	}

	res := make([]model.TitleDemand, 0, len(byTitle))
	for _, d := range byTitle {
		res = append(res, *d)
	}
	slices.SortFunc(res, func(a, b model.TitleDemand) int { return cmp.Compare(a.Title, b.Title) })
	return res, nil
}

func (t *memTx) UnitPrice(_ context.Context, title string) (decimal.Decimal, bool, error) {
	p, ok := t.st.prices[title]
	return p, ok, nil
}

func (t *memTx) SetUnitPrice(_ context.Context, title string, price decimal.Decimal) error {
	t.st.prices[title] = price
	return nil
}

func (t *memTx) CreatePurchaseOrder(_ context.Context, order *model.PurchaseOrder) error {
	t.st.nextOrderID++
	order.ID = t.st.nextOrderID
	stored := *order
	stored.Items = slices.Clone(order.Items)
	t.st.orders[order.ID] = stored
	return nil
}

func (t *memTx) GetPurchaseOrder(_ context.Context, orderID int64) (*model.PurchaseOrder, error) {
	o, ok := t.st.orders[orderID]
	if !ok {
		return nil, errs.ErrOrderNotFound
	}
	o.Items = slices.Clone(o.Items)
	return &o, nil
}

func (t *memTx) LockPurchaseOrder(ctx context.Context, orderID int64) (*model.PurchaseOrder, error) {
	return t.GetPurchaseOrder(ctx, orderID)
}

func (t *memTx) UpdatePurchaseOrderStatus(_ context.Context, orderID int64, status model.PurchaseOrderStatus) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return errs.ErrOrderNotFound
	}
	o.Status = status
	t.st.orders[orderID] = o
	return nil
}

func (t *memTx) ListOpenPurchaseOrders(_ context.Context, limit int) ([]model.PurchaseOrder, error) {
	var res []model.PurchaseOrder
	for _, o := range t.st.orders {
		if !o.Status.IsTerminal() {
			o.Items = slices.Clone(o.Items)
			res = append(res, o)
		}
	}
	slices.SortFunc(res, func(a, b model.PurchaseOrder) int { return cmp.Compare(a.ID, b.ID) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}
