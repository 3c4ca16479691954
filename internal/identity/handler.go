// internal/identity/handler.go
package identity

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"librarium/internal/middleware"
)

const minPasswordLength = 8

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

type loginResponse struct {
	Token string `json:"token"`
	User  *User  `json:"user"`
}

type userListResponse struct {
	Users   []User `json:"users"`
	Total   int    `json:"total"`
	Page    int    `json:"page"`
	PerPage int    `json:"per_page"`
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
		FullName string `json:"full_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if msg := validateCredentials(req.Username, req.Password, req.Email); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	user, err := h.service.Register(r.Context(), req.Username, req.Password, req.Email, req.FullName)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, "username and password are required", http.StatusBadRequest)
		return
	}

	token, user, err := h.service.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(loginResponse{Token: token, User: user})
}

func (h *Handler) HandleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	token, err := h.service.CreateResetToken(r.Context(), req.Email)
	if err != nil {
		h.writeError(w, err)
		return
	}

	// No mail delivery exists; the token goes straight back to the caller.
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (h *Handler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if len(req.Password) < minPasswordLength {
		http.Error(w, "password must be at least 8 characters", http.StatusBadRequest)
		return
	}

	if err := h.service.ResetPassword(r.Context(), req.Email, req.Token, req.Password); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// HandleMe returns the authenticated caller's own profile.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	user, err := h.service.GetUser(r.Context(), auth.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(user)
}

// HandleUpdateMe lets the caller edit their own profile. Username and role
// stay admin-controlled.
func (h *Handler) HandleUpdateMe(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req struct {
		Email    *string `json:"email"`
		FullName *string `json:"full_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Email != nil && !strings.Contains(*req.Email, "@") {
		http.Error(w, "invalid email address", http.StatusBadRequest)
		return
	}

	user, err := h.service.UpdateUser(r.Context(), auth.UserID, UserPatch{
		Email:    req.Email,
		FullName: req.FullName,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(user)
}

// HandleChangeMyPassword requires the current password before accepting a new
// one.
func (h *Handler) HandleChangeMyPassword(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if len(req.NewPassword) < minPasswordLength {
		http.Error(w, "password must be at least 8 characters", http.StatusBadRequest)
		return
	}

	if err := h.service.ChangePassword(r.Context(), auth.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 10)

	users, err := h.service.ListUsers(r.Context(), page, perPage)
	if err != nil {
		h.writeError(w, err)
		return
	}

	total, err := h.service.CountUsers(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(userListResponse{
		Users:   users,
		Total:   total,
		Page:    page,
		PerPage: perPage,
	})
}

func (h *Handler) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req NewUser
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if msg := validateCredentials(req.Username, req.Password, req.Email); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	user, err := h.service.CreateUser(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

func (h *Handler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid user ID", http.StatusBadRequest)
		return
	}

	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(user)
}

func (h *Handler) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid user ID", http.StatusBadRequest)
		return
	}

	var patch UserPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := h.service.UpdateUser(r.Context(), id, patch)
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(user)
}

func (h *Handler) HandleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid user ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if len(req.Password) < minPasswordLength {
		http.Error(w, "password must be at least 8 characters", http.StatusBadRequest)
		return
	}

	if err := h.service.UpdatePassword(r.Context(), id, req.Password); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid user ID", http.StatusBadRequest)
		return
	}

	if err := h.service.DeleteUser(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, ErrUserNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrUserExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidRole), errors.Is(err, ErrInvalidResetToken):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrRateLimited):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	default:
		http.Error(w, "operation failed", http.StatusInternalServerError)
	}
}

func validateCredentials(username, password, email string) string {
	if len(username) < 3 {
		return "username must be at least 3 characters"
	}
	if len(password) < minPasswordLength {
		return "password must be at least 8 characters"
	}
	if !strings.Contains(email, "@") {
		return "invalid email address"
	}
	return ""
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback
	}

	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fallback
	}

	return n
}
