// internal/reports/handler.go
package reports

import (
	"encoding/json"
	"net/http"

	"librarium/internal/catalog"
	"librarium/internal/identity"
	"librarium/internal/loans"
)

// Stats is the admin dashboard payload. Overdue counts are derived live from
// due dates, never from the stored loan status.
type Stats struct {
	TotalBooks      int                `json:"total_books"`
	TotalMembers    int                `json:"total_members"`
	TotalPublishers int                `json:"total_publishers"`
	TotalLoans      int                `json:"total_loans"`
	BorrowedNow     int                `json:"borrowed_now"`
	OverdueNow      int                `json:"overdue_now"`
	RecentLoans     []loans.LoanDetail `json:"recent_loans"`
	LowStockBooks   []catalog.Book     `json:"low_stock_books"`
}

type Handler struct {
	catalog  catalog.Service
	identity identity.Service
	loans    loans.Service
}

func NewHandler(catalogSvc catalog.Service, identitySvc identity.Service, loansSvc loans.Service) *Handler {
	return &Handler{
		catalog:  catalogSvc,
		identity: identitySvc,
		loans:    loansSvc,
	}
}

func (h *Handler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats := Stats{}
	var err error

	if stats.TotalBooks, err = h.catalog.CountBooks(ctx, catalog.BookQuery{}); err != nil {
		http.Error(w, "operation failed", http.StatusInternalServerError)
		return
	}
	if stats.TotalMembers, err = h.identity.CountMembers(ctx); err != nil {
		http.Error(w, "operation failed", http.StatusInternalServerError)
		return
	}
	if stats.TotalPublishers, err = h.catalog.CountPublishers(ctx); err != nil {
		http.Error(w, "operation failed", http.StatusInternalServerError)
		return
	}
	if stats.TotalLoans, err = h.loans.Count(ctx, loans.FilterAll); err != nil {
		http.Error(w, "operation failed", http.StatusInternalServerError)
		return
	}
	if stats.BorrowedNow, err = h.loans.CountActive(ctx); err != nil {
		http.Error(w, "operation failed", http.StatusInternalServerError)
		return
	}
	if stats.OverdueNow, err = h.loans.CountOverdue(ctx); err != nil {
		http.Error(w, "operation failed", http.StatusInternalServerError)
		return
	}
	if stats.RecentLoans, err = h.loans.Recent(ctx, 5); err != nil {
		http.Error(w, "operation failed", http.StatusInternalServerError)
		return
	}
	if stats.LowStockBooks, err = h.catalog.LowStock(ctx); err != nil {
		http.Error(w, "operation failed", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(stats)
}
