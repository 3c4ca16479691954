// internal/loans/service.go
package loans

import (
	"context"

	"github.com/google/uuid"
)

// Service is the only component that may create or close a loan, and the only
// writer of book availability in relation to loan events.
type Service interface {
	// Borrow atomically creates a loan and decrements the book's available
	// count. The decrement re-checks availability at write time, so two
	// concurrent borrows of the last copy yield exactly one success.
	Borrow(ctx context.Context, userID, bookID uuid.UUID, dueInDays int) (uuid.UUID, error)

	// Return atomically closes an active loan and increments the book's
	// available count, clamped to the owned quantity. Returning a loan that
	// does not exist or was already returned fails without changing anything.
	Return(ctx context.Context, loanID uuid.UUID) error

	// MarkOverdue rewrites the stored status of past-due borrowed loans to
	// 'overdue'. Advisory only; listings never trust the stored status.
	MarkOverdue(ctx context.Context) (int64, error)

	HasActiveLoan(ctx context.Context, userID, bookID uuid.UUID) (bool, error)

	ActiveForUser(ctx context.Context, userID uuid.UUID) ([]LoanDetail, error)
	OverdueForUser(ctx context.Context, userID uuid.UUID) ([]LoanDetail, error)
	// HistoryForUser lists a user's loans, newest first, capped to limit
	// when limit > 0.
	HistoryForUser(ctx context.Context, userID uuid.UUID, limit int) ([]LoanDetail, error)

	List(ctx context.Context, filter StatusFilter, page, perPage int) ([]LoanDetail, error)
	Count(ctx context.Context, filter StatusFilter) (int, error)
	// Overdue lists all currently overdue loans, optionally narrowed by a
	// text search across borrower name/username and book title/author.
	Overdue(ctx context.Context, search string) ([]LoanDetail, error)
	Recent(ctx context.Context, n int) ([]LoanDetail, error)

	CountForUser(ctx context.Context, userID uuid.UUID) (int, error)
	CountActiveForUser(ctx context.Context, userID uuid.UUID) (int, error)
	CountOverdueForUser(ctx context.Context, userID uuid.UUID) (int, error)
	CountActive(ctx context.Context) (int, error)
	CountOverdue(ctx context.Context) (int, error)
}
