// internal/loans/domain.go
package loans

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the persisted lifecycle state of a loan. The stored 'overdue'
// value is advisory bookkeeping written by the batch sweep; whether a loan is
// actually overdue is always derived from due_date and returned_at.
type Status string

const (
	StatusBorrowed Status = "borrowed"
	StatusReturned Status = "returned"
	StatusOverdue  Status = "overdue"
)

// StatusFilter narrows loan listings. It is a closed enum so user input never
// reaches the query text itself.
type StatusFilter string

const (
	FilterAll      StatusFilter = "all"
	FilterActive   StatusFilter = "active"
	FilterReturned StatusFilter = "returned"
	FilterOverdue  StatusFilter = "overdue"
)

// ParseStatusFilter maps a query-string value to a StatusFilter. An empty
// value means no filtering.
func ParseStatusFilter(value string) (StatusFilter, error) {
	switch StatusFilter(value) {
	case FilterAll, "":
		return FilterAll, nil
	case FilterActive:
		return FilterActive, nil
	case FilterReturned:
		return FilterReturned, nil
	case FilterOverdue:
		return FilterOverdue, nil
	default:
		return FilterAll, fmt.Errorf("%w: %q", ErrInvalidStatusFilter, value)
	}
}

var (
	ErrBookNotFound        = errors.New("book not found")
	ErrBookUnavailable     = errors.New("book is not available for borrowing")
	ErrLoanNotActive       = errors.New("no active loan with this id")
	ErrInvalidDuePeriod    = errors.New("due period must be at least one day")
	ErrInvalidStatusFilter = errors.New("invalid status filter")
)

// Loan represents a borrow transaction. A loan is active while ReturnedAt is
// nil; the only persisted transition is borrowed -> returned.
type Loan struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	UserID     uuid.UUID  `db:"user_id" json:"user_id"`
	BookID     uuid.UUID  `db:"book_id" json:"book_id"`
	BorrowedAt time.Time  `db:"borrowed_at" json:"borrowed_at"`
	DueDate    time.Time  `db:"due_date" json:"due_date"`
	ReturnedAt *time.Time `db:"returned_at" json:"returned_at,omitempty"`
	Status     Status     `db:"status" json:"status"`
}

// EffectiveStatus derives the loan state from ReturnedAt and DueDate at the
// given instant. This predicate, not the stored status column, is ground
// truth for rendering and branching.
func (l Loan) EffectiveStatus(now time.Time) Status {
	if l.ReturnedAt != nil {
		return StatusReturned
	}
	if l.DueDate.Before(now) {
		return StatusOverdue
	}
	return StatusBorrowed
}

// LoanDetail joins the borrower and book columns that list views render.
type LoanDetail struct {
	Loan
	Username string `db:"username" json:"username"`
	FullName string `db:"full_name" json:"full_name"`
	Title    string `db:"title" json:"title"`
	Author   string `db:"author" json:"author"`
	ISBN     string `db:"isbn" json:"isbn"`
}
