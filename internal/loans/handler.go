// internal/loans/handler.go
package loans

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"librarium/internal/middleware"
)

// UserDirectory answers whether a borrower exists. The identity service
// implements it; loans itself stays role- and identity-agnostic.
type UserDirectory interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

type Handler struct {
	service        Service
	users          UserDirectory
	loanPeriodDays int
	maxActiveLoans int
}

func NewHandler(service Service, users UserDirectory, loanPeriodDays, maxActiveLoans int) *Handler {
	return &Handler{
		service:        service,
		users:          users,
		loanPeriodDays: loanPeriodDays,
		maxActiveLoans: maxActiveLoans,
	}
}

type listResponse struct {
	Loans   []LoanDetail `json:"loans"`
	Total   int          `json:"total"`
	Page    int          `json:"page"`
	PerPage int          `json:"per_page"`
}

// HandleCreate is the admin path: borrow on behalf of a user with an explicit
// due date.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  uuid.UUID `json:"user_id"`
		BookID  uuid.UUID `json:"book_id"`
		DueDate string    `json:"due_date"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == uuid.Nil {
		http.Error(w, "please select a valid user", http.StatusBadRequest)
		return
	}
	if req.BookID == uuid.Nil {
		http.Error(w, "please select a valid book", http.StatusBadRequest)
		return
	}

	exists, err := h.users.Exists(r.Context(), req.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !exists {
		http.Error(w, "user not found", http.StatusBadRequest)
		return
	}

	dueInDays, err := dueDateToDays(req.DueDate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loanID, err := h.service.Borrow(r.Context(), req.UserID, req.BookID, dueInDays)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": loanID.String()})
}

// HandleBorrowSelf is the member path: borrow for the authenticated user with
// the default loan period, under the concurrent-loan policy.
func (h *Handler) HandleBorrowSelf(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req struct {
		BookID uuid.UUID `json:"book_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.BookID == uuid.Nil {
		http.Error(w, "invalid book selected", http.StatusBadRequest)
		return
	}

	hasLoan, err := h.service.HasActiveLoan(r.Context(), auth.UserID, req.BookID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if hasLoan {
		http.Error(w, "you already have this book borrowed", http.StatusConflict)
		return
	}

	active, err := h.service.CountActiveForUser(r.Context(), auth.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if active >= h.maxActiveLoans {
		http.Error(w, "you have reached the maximum number of borrowed books", http.StatusConflict)
		return
	}

	loanID, err := h.service.Borrow(r.Context(), auth.UserID, req.BookID, h.loanPeriodDays)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": loanID.String()})
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid loan ID", http.StatusBadRequest)
		return
	}

	if err := h.service.Return(r.Context(), loanID); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseStatusFilter(r.URL.Query().Get("filter"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 10)

	details, err := h.service.List(r.Context(), filter, page, perPage)
	if err != nil {
		h.writeError(w, err)
		return
	}

	total, err := h.service.Count(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(listResponse{
		Loans:   details,
		Total:   total,
		Page:    page,
		PerPage: perPage,
	})
}

func (h *Handler) HandleOverdue(w http.ResponseWriter, r *http.Request) {
	details, err := h.service.Overdue(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(details)
}

func (h *Handler) HandleOverdueSweep(w http.ResponseWriter, r *http.Request) {
	marked, err := h.service.MarkOverdue(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]int64{"marked": marked})
}

func (h *Handler) HandleMyLoans(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	details, err := h.service.ActiveForUser(r.Context(), auth.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(details)
}

func (h *Handler) HandleMyOverdue(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	details, err := h.service.OverdueForUser(r.Context(), auth.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(details)
}

func (h *Handler) HandleMyHistory(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	details, err := h.service.HistoryForUser(r.Context(), auth.UserID, queryInt(r, "limit", 0))
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(details)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBookNotFound), errors.Is(err, ErrLoanNotActive):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrBookUnavailable):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidDuePeriod), errors.Is(err, ErrInvalidStatusFilter):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "operation failed", http.StatusInternalServerError)
	}
}

// dueDateToDays converts a YYYY-MM-DD due date into a whole number of days
// from today, rejecting dates in the past.
func dueDateToDays(value string) (int, error) {
	if value == "" {
		return 0, errors.New("due date is required")
	}

	due, err := time.ParseInLocation("2006-01-02", value, time.UTC)
	if err != nil {
		return 0, errors.New("invalid due date")
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	if due.Before(today) {
		return 0, errors.New("due date cannot be in the past")
	}

	days := int(due.Sub(today).Hours() / 24)
	if days < 1 {
		days = 1
	}

	return days, nil
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
