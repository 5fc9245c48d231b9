package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/library-circulation/internal/errs"
	"github.com/mmeshcher/library-circulation/internal/metrics"
	"github.com/mmeshcher/library-circulation/internal/middleware"
	"github.com/mmeshcher/library-circulation/internal/model"
	"github.com/mmeshcher/library-circulation/internal/repository"
	"github.com/mmeshcher/library-circulation/internal/service"
)

type testServer struct {
	router http.Handler
	store  *repository.MemoryStore
	auth   *middleware.AuthMiddleware
	now    time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	reg := prometheus.NewRegistry()
	store := repository.NewMemoryStore(time.Second)
	svc := service.NewService(store, model.DefaultPolicy(), logger,
		service.WithClock(func() time.Time { return now }),
		service.WithMetrics(metrics.NewWorkflowMetrics(reg)),
	)
	auth := middleware.NewAuthMiddleware("test-secret")
	h := NewHandler(svc, logger, auth, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &testServer{router: h.SetupRouter(), store: store, auth: auth, now: now}
}

func (s *testServer) token(t *testing.T, actor model.Actor) string {
	t.Helper()
	token, err := s.auth.IssueToken(actor, s.now, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, actor *model.Actor, method, path, body string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != nil {
		req.Header.Set("Authorization", "Bearer "+s.token(t, *actor))
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec.Result()
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	defer res.Body.Close()

	var v T
	if err := json.NewDecoder(res.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestLoanFlow(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	book, err := s.store.AddBook(ctx, model.Book{Title: "Dune"})
	require.NoError(t, err)
	user, err := s.store.AddUser(ctx, model.User{FullName: "Reader"})
	require.NoError(t, err)

	librarian := model.Actor{UserID: 50, Role: model.RoleLibrarian}
	reader := model.Actor{UserID: user.ID, Role: model.RoleReader}

	res := s.do(t, &librarian, http.MethodPost, "/api/loans", `{"user_id":1,"book_id":1,"days":14}`)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	loan := decode[loanResponse](t, res)
	assert.Equal(t, "2025-03-24", loan.DueDate)
	assert.Equal(t, "Open", loan.Status)

	res = s.do(t, nil, http.MethodGet, "/api/books/1/availability", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	avail := decode[availabilityResponse](t, res)
	assert.Equal(t, book.ID, avail.BookID)
	assert.Equal(t, "Loaned", avail.Status)

	res = s.do(t, &librarian, http.MethodPost, "/api/loans", `{"user_id":1,"book_id":1}`)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	e := decode[errorResponse](t, res)
	assert.Equal(t, string(errs.KindBookUnavailable), e.Error)

	res = s.do(t, &librarian, http.MethodPost, "/api/loans/1/return", `{"condition":"Damaged"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	out := decode[loanOutcomeResponse](t, res)
	require.Len(t, out.Fines, 1)
	assert.Equal(t, "Damaged", out.Fines[0].ViolationType)
	assert.Equal(t, "Unpaid", out.Fines[0].Status)

	res = s.do(t, &librarian, http.MethodPost, "/api/loans/1/return", "")
	require.Equal(t, http.StatusConflict, res.StatusCode)
	e = decode[errorResponse](t, res)
	assert.Equal(t, string(errs.KindInvalidState), e.Error)

	res = s.do(t, &reader, http.MethodGet, "/api/me/history", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	history := decode[historyResponse](t, res)
	assert.Len(t, history.Loans, 1)
	assert.Len(t, history.Fines, 1)

	res = s.do(t, &reader, http.MethodPost, "/api/fines/1/payment", "")
	require.Equal(t, http.StatusOK, res.StatusCode)

	accountant := model.Actor{UserID: 51, Role: model.RoleAccountant}
	res = s.do(t, &accountant, http.MethodPost, "/api/fines/1/payment/review", `{"approve":true}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	fine := decode[fineResponse](t, res)
	assert.Equal(t, "Paid", fine.Status)
	require.NotNil(t, fine.PaidDate)
	assert.Equal(t, "2025-03-10", *fine.PaidDate)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	reader := model.Actor{UserID: 1, Role: model.RoleReader}
	librarian := model.Actor{UserID: 2, Role: model.RoleLibrarian}

	tests := []struct {
		name   string
		actor  *model.Actor
		method string
		path   string
		body   string
		status int
		kind   errs.Kind
	}{
		{"reader cannot issue", &reader, http.MethodPost, "/api/loans", `{"user_id":1,"book_id":1}`, http.StatusForbidden, errs.KindForbidden},
		{"missing field", &librarian, http.MethodPost, "/api/loans", `{"book_id":1}`, http.StatusBadRequest, errs.KindValidation},
		{"unknown field", &librarian, http.MethodPost, "/api/loans", `{"user_id":1,"book_id":1,"extra":true}`, http.StatusBadRequest, errs.KindValidation},
		{"bad path id", &librarian, http.MethodPost, "/api/loans/abc/return", "", http.StatusBadRequest, errs.KindValidation},
		{"unknown loan", &librarian, http.MethodPost, "/api/loans/9/return", "", http.StatusNotFound, errs.KindNotFound},
		{"bad condition", &librarian, http.MethodPost, "/api/loans/9/return", `{"condition":"Soggy"}`, http.StatusBadRequest, errs.KindValidation},
		{"bad pickup date", &librarian, http.MethodPost, "/api/reservations/1/confirm", `{"pickup_date":"tomorrow"}`, http.StatusBadRequest, errs.KindValidation},
		{"no candidates", &librarian, http.MethodPost, "/api/orders/forecast", `{"threshold_ratio":"0.5","quantity":2,"supplier":"Acme"}`, http.StatusUnprocessableEntity, errs.KindNoCandidates},
		{"bad order status", &librarian, http.MethodPut, "/api/orders/1/status", `{"status":"Shipped"}`, http.StatusBadRequest, errs.KindValidation},
		{"unblock needs admin", &librarian, http.MethodPost, "/api/users/1/unblock", "", http.StatusForbidden, errs.KindForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.do(t, tt.actor, tt.method, tt.path, tt.body)
			if res.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.status)
			}
			e := decode[errorResponse](t, res)
			if e.Error != string(tt.kind) {
				t.Fatalf("error kind = %q, want %q", e.Error, tt.kind)
			}
		})
	}
}

func TestUnauthorized(t *testing.T) {
	s := newTestServer(t)

	res := s.do(t, nil, http.MethodGet, "/api/me/history", "")
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestOrdersAndPriceList(t *testing.T) {
	s := newTestServer(t)
	admin := model.Actor{UserID: 1, Role: model.RoleAdmin}
	accountant := model.Actor{UserID: 2, Role: model.RoleAccountant}

	res := s.do(t, &admin, http.MethodPut, "/api/price-list", `{"title":"Dune","price":"12.50"}`)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()

	res = s.do(t, &admin, http.MethodPost, "/api/orders", `{"supplier":"Acme","items":[{"title":"Dune","quantity":2}]}`)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	order := decode[orderResponse](t, res)
	assert.Equal(t, "Created", order.Status)
	require.Len(t, order.Items, 1)
	assert.Equal(t, "12.5", order.Items[0].UnitPrice.String())
	assert.Equal(t, "25", order.Total.String())

	res = s.do(t, &admin, http.MethodPut, "/api/orders/1/status", `{"status":"Cancelled"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()

	res = s.do(t, &admin, http.MethodPut, "/api/orders/1/status", `{"status":"Completed"}`)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	res.Body.Close()

	res = s.do(t, &accountant, http.MethodGet, "/api/orders/1", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	got := decode[orderResponse](t, res)
	assert.Equal(t, "Cancelled", got.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	reader := model.Actor{UserID: 1, Role: model.RoleReader}

	res := s.do(t, &reader, http.MethodPost, "/api/loans", `{"user_id":1,"book_id":1}`)
	res.Body.Close()

	res = s.do(t, nil, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `circulation_operations_total{operation="loan.issue",outcome="FORBIDDEN"} 1`)
}

type failingService struct {
	Service
}

func (failingService) Availability(ctx context.Context, bookID int64) (*model.Availability, error) {
	return nil, errors.New("connection reset by peer")
}

func TestInternalErrorHidesDetail(t *testing.T) {
	h := NewHandler(failingService{}, zap.NewNop(), middleware.NewAuthMiddleware("x"), nil)

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/books/1/availability", nil))

	res := rec.Result()
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusInternalServerError)
	}
	e := decode[errorResponse](t, res)
	if e.Detail != "" {
		t.Fatalf("internal detail leaked: %q", e.Detail)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}
}

func TestBusyIsRetryable(t *testing.T) {
	h := NewHandler(nil, zap.NewNop(), nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	h.writeError(rec, req, errs.ErrBusy)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("Retry-After header is missing")
	}
}
