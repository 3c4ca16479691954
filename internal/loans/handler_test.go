// internal/loans/handler_test.go
package loans

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarium/internal/middleware"
)

// fakeService stubs the parts of Service the handler policy checks touch.
type fakeService struct {
	Service

	hasActiveLoan bool
	activeCount   int
	borrowedID    uuid.UUID
	borrowErr     error
	borrowCalls   int
}

func (f *fakeService) HasActiveLoan(ctx context.Context, userID, bookID uuid.UUID) (bool, error) {
	return f.hasActiveLoan, nil
}

func (f *fakeService) CountActiveForUser(ctx context.Context, userID uuid.UUID) (int, error) {
	return f.activeCount, nil
}

func (f *fakeService) Borrow(ctx context.Context, userID, bookID uuid.UUID, dueInDays int) (uuid.UUID, error) {
	f.borrowCalls++
	return f.borrowedID, f.borrowErr
}

func (f *fakeService) Return(ctx context.Context, loanID uuid.UUID) error {
	return ErrLoanNotActive
}

type fakeDirectory struct {
	exists bool
}

func (f *fakeDirectory) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	return f.exists, nil
}

func borrowRequest(t *testing.T, auth *middleware.AuthContext, bookID uuid.UUID) *http.Request {
	t.Helper()

	body, err := json.Marshal(map[string]string{"book_id": bookID.String()})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/me/loans", bytes.NewReader(body))
	if auth != nil {
		r = r.WithContext(middleware.NewContext(r.Context(), *auth))
	}

	return r
}

func TestHandleBorrowSelf(t *testing.T) {
	auth := &middleware.AuthContext{UserID: uuid.New(), Role: "member"}

	t.Run("creates a loan", func(t *testing.T) {
		svc := &fakeService{borrowedID: uuid.New()}
		h := NewHandler(svc, &fakeDirectory{exists: true}, 14, 5)

		w := httptest.NewRecorder()
		h.HandleBorrowSelf(w, borrowRequest(t, auth, uuid.New()))

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, 1, svc.borrowCalls)

		var resp map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, svc.borrowedID.String(), resp["id"])
	})

	t.Run("rejects unauthenticated callers", func(t *testing.T) {
		h := NewHandler(&fakeService{}, &fakeDirectory{}, 14, 5)

		w := httptest.NewRecorder()
		h.HandleBorrowSelf(w, borrowRequest(t, nil, uuid.New()))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("rejects a duplicate active loan", func(t *testing.T) {
		svc := &fakeService{hasActiveLoan: true}
		h := NewHandler(svc, &fakeDirectory{exists: true}, 14, 5)

		w := httptest.NewRecorder()
		h.HandleBorrowSelf(w, borrowRequest(t, auth, uuid.New()))

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, 0, svc.borrowCalls)
	})

	t.Run("rejects a borrower at the loan cap", func(t *testing.T) {
		svc := &fakeService{activeCount: 5}
		h := NewHandler(svc, &fakeDirectory{exists: true}, 14, 5)

		w := httptest.NewRecorder()
		h.HandleBorrowSelf(w, borrowRequest(t, auth, uuid.New()))

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, 0, svc.borrowCalls)
	})

	t.Run("maps unavailable stock to conflict", func(t *testing.T) {
		svc := &fakeService{borrowErr: ErrBookUnavailable}
		h := NewHandler(svc, &fakeDirectory{exists: true}, 14, 5)

		w := httptest.NewRecorder()
		h.HandleBorrowSelf(w, borrowRequest(t, auth, uuid.New()))

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestHandleCreateValidatesInput(t *testing.T) {
	h := NewHandler(&fakeService{}, &fakeDirectory{exists: false}, 14, 5)

	payload := func(userID, bookID uuid.UUID, dueDate string) *http.Request {
		body, _ := json.Marshal(map[string]string{
			"user_id":  userID.String(),
			"book_id":  bookID.String(),
			"due_date": dueDate,
		})
		return httptest.NewRequest(http.MethodPost, "/loans", bytes.NewReader(body))
	}

	t.Run("missing user", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleCreate(w, payload(uuid.Nil, uuid.New(), "2030-01-01"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleCreate(w, payload(uuid.New(), uuid.New(), "2030-01-01"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("past due date", func(t *testing.T) {
		h := NewHandler(&fakeService{}, &fakeDirectory{exists: true}, 14, 5)
		w := httptest.NewRecorder()
		h.HandleCreate(w, payload(uuid.New(), uuid.New(), "2020-01-01"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleReturnErrors(t *testing.T) {
	h := NewHandler(&fakeService{}, &fakeDirectory{}, 14, 5)

	call := func(id string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/loans/%s/return", id), nil)
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("id", id)
		r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))

		w := httptest.NewRecorder()
		h.HandleReturn(w, r)
		return w
	}

	assert.Equal(t, http.StatusBadRequest, call("not-a-uuid").Code)
	assert.Equal(t, http.StatusNotFound, call(uuid.New().String()).Code)
}

func TestHandleListRejectsUnknownFilter(t *testing.T) {
	h := NewHandler(&fakeService{}, &fakeDirectory{}, 14, 5)

	w := httptest.NewRecorder()
	h.HandleList(w, httptest.NewRequest(http.MethodGet, "/loans?filter=bogus", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
