package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/library-circulation/internal/errs"
	"github.com/mmeshcher/library-circulation/internal/model"
)

type issueRequest struct {
	BookID int64 `json:"book_id" validate:"required,gt=0"`
	UserID int64 `json:"user_id" validate:"required,gt=0"`
	Days   int   `json:"days" validate:"gte=0"`
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "valid", body: `{"book_id": 10, "user_id": 1, "days": 14}`},
		{name: "missing book", body: `{"user_id": 1}`, wantErr: "book_id is required"},
		{name: "negative days", body: `{"book_id": 1, "user_id": 1, "days": -3}`, wantErr: "days must be at least 0"},
		{name: "unknown field", body: `{"book_id": 1, "user_id": 1, "extra": true}`, wantErr: "invalid request body"},
		{name: "malformed", body: `{`, wantErr: "invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req issueRequest
			err := DecodeJSON(strings.NewReader(tt.body), &req)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, int64(10), req.BookID)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrValidation)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoanDays(t *testing.T) {
	p := model.DefaultPolicy()

	tests := []struct {
		in      int
		want    int
		wantErr bool
	}{
		{in: 0, want: 14},
		{in: 1, want: 1},
		{in: 90, want: 90},
		{in: 91, wantErr: true},
		{in: -1, wantErr: true},
	}

	for _, tt := range tests {
		got, err := LoanDays(tt.in, p)
		if tt.wantErr {
			assert.ErrorIs(t, err, errs.ErrValidation, "days=%d", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestIDAndNotBlank(t *testing.T) {
	assert.NoError(t, ID("bookID", 1))
	assert.ErrorIs(t, ID("bookID", 0), errs.ErrValidation)
	assert.NoError(t, NotBlank("supplier", "Acme"))
	assert.ErrorIs(t, NotBlank("supplier", "   "), errs.ErrValidation)
}
