// internal/identity/handler_test.go
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarium/internal/middleware"
)

func selfRequest(t *testing.T, method, target string, auth *middleware.AuthContext, payload any) *http.Request {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	r := httptest.NewRequest(method, target, bytes.NewReader(body))
	if auth != nil {
		r = r.WithContext(middleware.NewContext(r.Context(), *auth))
	}

	return r
}

func TestHandleUpdateMe(t *testing.T) {
	svc := newTestService(t)
	h := NewHandler(svc)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "password123", "alice@example.com", "Alice")
	require.NoError(t, err)
	auth := &middleware.AuthContext{UserID: user.ID, Role: RoleMember}

	t.Run("updates own profile", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleUpdateMe(w, selfRequest(t, http.MethodPatch, "/me", auth, map[string]string{
			"email":     "alice@library.example",
			"full_name": "Alice Liddell",
		}))

		require.Equal(t, http.StatusOK, w.Code)

		var updated User
		require.NoError(t, json.NewDecoder(w.Body).Decode(&updated))
		assert.Equal(t, "alice@library.example", updated.Email)
		assert.Equal(t, "Alice Liddell", updated.FullName)
		assert.Equal(t, "alice", updated.Username, "username stays admin-controlled")
		assert.Equal(t, RoleMember, updated.Role, "role stays admin-controlled")
	})

	t.Run("rejects a bad email", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleUpdateMe(w, selfRequest(t, http.MethodPatch, "/me", auth, map[string]string{
			"email": "not-an-address",
		}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects unauthenticated callers", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleUpdateMe(w, selfRequest(t, http.MethodPatch, "/me", nil, map[string]string{}))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHandleChangeMyPassword(t *testing.T) {
	svc := newTestService(t)
	h := NewHandler(svc)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "old password 1", "alice@example.com", "Alice")
	require.NoError(t, err)
	auth := &middleware.AuthContext{UserID: user.ID, Role: RoleMember}

	change := func(current, next string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.HandleChangeMyPassword(w, selfRequest(t, http.MethodPut, "/me/password", auth, map[string]string{
			"current_password": current,
			"new_password":     next,
		}))
		return w
	}

	t.Run("requires the current password", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, change("wrong password", "new password 1").Code)
	})

	t.Run("rejects a short new password", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, change("old password 1", "short").Code)
	})

	t.Run("changes the password", func(t *testing.T) {
		require.Equal(t, http.StatusOK, change("old password 1", "new password 1").Code)

		_, _, err := svc.Authenticate(ctx, "alice", "old password 1")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		_, _, err = svc.Authenticate(ctx, "alice", "new password 1")
		assert.NoError(t, err)
	})
}
