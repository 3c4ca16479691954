// internal/loans/implementation_test.go
package loans

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarium/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.Migrate(context.Background()))

	return st
}

func seedUser(t *testing.T, st *store.Store, username string) uuid.UUID {
	t.Helper()

	id := uuid.New()
	at := time.Now().UTC()
	_, err := st.DB().Exec(
		`INSERT INTO users (id, username, email, full_name, password_hash, role, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), username, username+"@example.com", "Reader "+username, "hash", "member", at, at)
	require.NoError(t, err)

	return id
}

func seedBook(t *testing.T, st *store.Store, title string, quantity, available int) uuid.UUID {
	t.Helper()

	id := uuid.New()
	at := time.Now().UTC()
	_, err := st.DB().Exec(
		`INSERT INTO books (id, title, author, year, isbn, genre, quantity, available, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), title, "Some Author", 2020, "978-0000000000", "Fiction", quantity, available, at, at)
	require.NoError(t, err)

	return id
}

func seedLoan(t *testing.T, st *store.Store, userID, bookID uuid.UUID, borrowedAt, dueDate time.Time) uuid.UUID {
	t.Helper()

	id := uuid.New()
	_, err := st.DB().Exec(
		`INSERT INTO loans (id, user_id, book_id, borrowed_at, due_date, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), userID.String(), bookID.String(), borrowedAt, dueDate, "borrowed")
	require.NoError(t, err)

	return id
}

func bookAvailable(t *testing.T, st *store.Store, bookID uuid.UUID) int {
	t.Helper()

	var available int
	require.NoError(t, st.DB().Get(&available, `SELECT available FROM books WHERE id = ?`, bookID.String()))

	return available
}

func TestBorrowCreatesLoanAndDecrementsAvailability(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)
	ctx := context.Background()

	userID := seedUser(t, st, "alice")
	bookID := seedBook(t, st, "The Go Programming Language", 3, 3)

	loanID, err := svc.Borrow(ctx, userID, bookID, 14)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, loanID)

	assert.Equal(t, 2, bookAvailable(t, st, bookID))

	var loan Loan
	require.NoError(t, st.DB().Get(&loan,
		`SELECT id, user_id, book_id, borrowed_at, due_date, returned_at, status FROM loans WHERE id = ?`,
		loanID.String()))
	assert.Equal(t, userID, loan.UserID)
	assert.Equal(t, bookID, loan.BookID)
	assert.Equal(t, StatusBorrowed, loan.Status)
	assert.Nil(t, loan.ReturnedAt)
	assert.WithinDuration(t, loan.BorrowedAt.AddDate(0, 0, 14), loan.DueDate, time.Second)
}

func TestBorrowRejectsNonPositiveDuePeriod(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)
	ctx := context.Background()

	userID := seedUser(t, st, "alice")
	bookID := seedBook(t, st, "Clean Code", 1, 1)

	for _, days := range []int{0, -7} {
		_, err := svc.Borrow(ctx, userID, bookID, days)
		assert.ErrorIs(t, err, ErrInvalidDuePeriod)
	}

	assert.Equal(t, 1, bookAvailable(t, st, bookID))
}

func TestBorrowUnknownBook(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)

	userID := seedUser(t, st, "alice")

	_, err := svc.Borrow(context.Background(), userID, uuid.New(), 14)
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func TestBorrowExhaustedBookFailsWithoutSideEffects(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)
	ctx := context.Background()

	userID := seedUser(t, st, "alice")
	bookID := seedBook(t, st, "Out of Stock", 2, 0)

	_, err := svc.Borrow(ctx, userID, bookID, 14)
	assert.ErrorIs(t, err, ErrBookUnavailable)

	assert.Equal(t, 0, bookAvailable(t, st, bookID))

	var loanCount int
	require.NoError(t, st.DB().Get(&loanCount, `SELECT COUNT(*) FROM loans`))
	assert.Equal(t, 0, loanCount)
}

// Two borrows racing for the last copy: exactly one wins, availability never
// goes negative, and only the winner's loan row survives.
func TestBorrowLastCopyConcurrently(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)
	ctx := context.Background()

	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	bookID := seedBook(t, st, "Last Copy", 1, 1)

	results := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i, userID := range []uuid.UUID{alice, bob} {
		go func(i int, userID uuid.UUID) {
			defer wg.Done()
			_, results[i] = svc.Borrow(ctx, userID, bookID, 14)
		}(i, userID)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrBookUnavailable):
			losses++
		default:
			t.Fatalf("unexpected borrow error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, losses)

	assert.Equal(t, 0, bookAvailable(t, st, bookID))

	var loanCount int
	require.NoError(t, st.DB().Get(&loanCount, `SELECT COUNT(*) FROM loans`))
	assert.Equal(t, 1, loanCount)
}

func TestReturnClosesLoanAndRestoresAvailability(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)
	ctx := context.Background()

	userID := seedUser(t, st, "alice")
	bookID := seedBook(t, st, "Borrow Me", 2, 2)

	loanID, err := svc.Borrow(ctx, userID, bookID, 14)
	require.NoError(t, err)
	require.Equal(t, 1, bookAvailable(t, st, bookID))

	require.NoError(t, svc.Return(ctx, loanID))

	assert.Equal(t, 2, bookAvailable(t, st, bookID))

	var loan Loan
	require.NoError(t, st.DB().Get(&loan,
		`SELECT id, user_id, book_id, borrowed_at, due_date, returned_at, status FROM loans WHERE id = ?`,
		loanID.String()))
	assert.Equal(t, StatusReturned, loan.Status)
	require.NotNil(t, loan.ReturnedAt)

	// A second return is rejected and must not increment again.
	err = svc.Return(ctx, loanID)
	assert.ErrorIs(t, err, ErrLoanNotActive)
	assert.Equal(t, 2, bookAvailable(t, st, bookID))
}

func TestReturnUnknownLoan(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)

	err := svc.Return(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrLoanNotActive)
}

// If availability was pushed back to quantity by a manual edit, a late return
// still succeeds but leaves the count clamped at quantity.
func TestReturnClampsAvailabilityAtQuantity(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)
	ctx := context.Background()

	userID := seedUser(t, st, "alice")
	bookID := seedBook(t, st, "Clamped", 2, 2)

	loanID, err := svc.Borrow(ctx, userID, bookID, 14)
	require.NoError(t, err)

	_, err = st.DB().Exec(`UPDATE books SET available = 2 WHERE id = ?`, bookID.String())
	require.NoError(t, err)

	require.NoError(t, svc.Return(ctx, loanID))
	assert.Equal(t, 2, bookAvailable(t, st, bookID))
}

// Overdue-ness is derived from due_date and returned_at; read paths must
// report a past-due loan as overdue even while its stored status still says
// 'borrowed'.
func TestOverdueIsDerivedNotStored(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)
	ctx := context.Background()

	userID := seedUser(t, st, "alice")
	bookID := seedBook(t, st, "Late Book", 1, 0)

	at := time.Now().UTC()
	loanID := seedLoan(t, st, userID, bookID, at.AddDate(0, 0, -20), at.AddDate(0, 0, -6))

	count, err := svc.CountOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	countForUser, err := svc.CountOverdueForUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 1, countForUser)

	overdue, err := svc.Overdue(ctx, "")
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, loanID, overdue[0].ID)
	assert.Equal(t, StatusOverdue, overdue[0].Status)

	listed, err := svc.List(ctx, FilterOverdue, 1, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, StatusOverdue, listed[0].Status)

	mine, err := svc.OverdueForUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, loanID, mine[0].ID)
}

func TestOverdueSearchMatchesBorrowerAndBook(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)
	ctx := context.Background()

	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	goBook := seedBook(t, st, "The Go Programming Language", 1, 0)
	rustBook := seedBook(t, st, "The Rust Book", 1, 0)

	at := time.Now().UTC()
	seedLoan(t, st, alice, goBook, at.AddDate(0, 0, -20), at.AddDate(0, 0, -6))
	seedLoan(t, st, bob, rustBook, at.AddDate(0, 0, -20), at.AddDate(0, 0, -3))

	byUser, err := svc.Overdue(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "alice", byUser[0].Username)

	byTitle, err := svc.Overdue(ctx, "Rust")
	require.NoError(t, err)
	require.Len(t, byTitle, 1)
	assert.Equal(t, "bob", byTitle[0].Username)

	none, err := svc.Overdue(ctx, "no such thing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMarkOverdueSweep(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)
	ctx := context.Background()

	userID := seedUser(t, st, "alice")
	bookID := seedBook(t, st, "Sweep Target", 3, 1)

	at := time.Now().UTC()
	lateID := seedLoan(t, st, userID, bookID, at.AddDate(0, 0, -20), at.AddDate(0, 0, -6))
	seedLoan(t, st, userID, bookID, at, at.AddDate(0, 0, 14))

	marked, err := svc.MarkOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)

	var status string
	require.NoError(t, st.DB().Get(&status, `SELECT status FROM loans WHERE id = ?`, lateID.String()))
	assert.Equal(t, "overdue", status)

	// Idempotent: a second sweep finds nothing left to mark.
	marked, err = svc.MarkOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), marked)

	// A loan the sweep rewrote to 'overdue' is still returnable.
	require.NoError(t, svc.Return(ctx, lateID))
	assert.Equal(t, 2, bookAvailable(t, st, bookID))
}

// Full lifecycle against a three-copy book: borrows succeed until the stock
// runs out, a return frees a copy for the next borrower, and availability
// always equals quantity minus active loans.
func TestBorrowReturnCycle(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)
	ctx := context.Background()

	bookID := seedBook(t, st, "Popular Title", 3, 3)

	readers := []uuid.UUID{
		seedUser(t, st, "alice"),
		seedUser(t, st, "bob"),
		seedUser(t, st, "carol"),
		seedUser(t, st, "dave"),
	}

	loanIDs := make([]uuid.UUID, 0, 3)
	for _, userID := range readers[:3] {
		loanID, err := svc.Borrow(ctx, userID, bookID, 14)
		require.NoError(t, err)
		loanIDs = append(loanIDs, loanID)
	}
	assert.Equal(t, 0, bookAvailable(t, st, bookID))

	_, err := svc.Borrow(ctx, readers[3], bookID, 14)
	assert.ErrorIs(t, err, ErrBookUnavailable)

	require.NoError(t, svc.Return(ctx, loanIDs[0]))
	assert.Equal(t, 1, bookAvailable(t, st, bookID))

	_, err = svc.Borrow(ctx, readers[3], bookID, 14)
	require.NoError(t, err)
	assert.Equal(t, 0, bookAvailable(t, st, bookID))

	active, err := svc.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, active)
}

func TestPerUserQueries(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)
	ctx := context.Background()

	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	first := seedBook(t, st, "First", 1, 1)
	second := seedBook(t, st, "Second", 1, 1)

	firstLoan, err := svc.Borrow(ctx, alice, first, 14)
	require.NoError(t, err)
	_, err = svc.Borrow(ctx, alice, second, 14)
	require.NoError(t, err)

	hasLoan, err := svc.HasActiveLoan(ctx, alice, first)
	require.NoError(t, err)
	assert.True(t, hasLoan)

	hasLoan, err = svc.HasActiveLoan(ctx, bob, first)
	require.NoError(t, err)
	assert.False(t, hasLoan)

	activeCount, err := svc.CountActiveForUser(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, activeCount)

	require.NoError(t, svc.Return(ctx, firstLoan))

	hasLoan, err = svc.HasActiveLoan(ctx, alice, first)
	require.NoError(t, err)
	assert.False(t, hasLoan)

	active, err := svc.ActiveForUser(ctx, alice)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Second", active[0].Title)

	history, err := svc.HistoryForUser(ctx, alice, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	limited, err := svc.HistoryForUser(ctx, alice, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	total, err := svc.CountForUser(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestListFiltersAndPagination(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)
	ctx := context.Background()

	userID := seedUser(t, st, "alice")
	bookID := seedBook(t, st, "Paged", 5, 2)

	at := time.Now().UTC()
	seedLoan(t, st, userID, bookID, at.AddDate(0, 0, -30), at.AddDate(0, 0, -16))
	active := seedLoan(t, st, userID, bookID, at.AddDate(0, 0, -2), at.AddDate(0, 0, 12))
	returnedID := seedLoan(t, st, userID, bookID, at.AddDate(0, 0, -40), at.AddDate(0, 0, -26))
	_, err := st.DB().Exec(
		`UPDATE loans SET returned_at = ?, status = 'returned' WHERE id = ?`,
		at.AddDate(0, 0, -27), returnedID.String())
	require.NoError(t, err)

	for filter, want := range map[StatusFilter]int{
		FilterAll:      3,
		FilterActive:   2,
		FilterReturned: 1,
		FilterOverdue:  1,
	} {
		count, err := svc.Count(ctx, filter)
		require.NoError(t, err)
		assert.Equal(t, want, count, "filter %s", filter)

		details, err := svc.List(ctx, filter, 1, 10)
		require.NoError(t, err)
		assert.Len(t, details, want, "filter %s", filter)
	}

	pageOne, err := svc.List(ctx, FilterAll, 1, 2)
	require.NoError(t, err)
	assert.Len(t, pageOne, 2)

	pageTwo, err := svc.List(ctx, FilterAll, 2, 2)
	require.NoError(t, err)
	assert.Len(t, pageTwo, 1)

	// Most recent borrow first.
	assert.Equal(t, active, pageOne[0].ID)

	recent, err := svc.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, active, recent[0].ID)
}
