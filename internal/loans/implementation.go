// internal/loans/implementation.go
package loans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"librarium/internal/store"
)

var tracer = otel.Tracer("librarium/loans")

// service implements the Service interface.
type service struct {
	st *store.Store
}

// NewService creates a new loan lifecycle service instance.
func NewService(st *store.Store) Service {
	return &service{st: st}
}

func now() time.Time {
	return time.Now().UTC()
}

// Borrow creates a loan and decrements the book's availability as a single
// atomic unit. The precondition read gives the caller a precise error; the
// guarded decrement inside the transaction is what actually decides races.
func (s *service) Borrow(ctx context.Context, userID, bookID uuid.UUID, dueInDays int) (uuid.UUID, error) {
	ctx, span := tracer.Start(ctx, "loans.Borrow", trace.WithAttributes(
		attribute.String("book_id", bookID.String()),
	))
	defer span.End()

	if dueInDays <= 0 {
		return uuid.Nil, ErrInvalidDuePeriod
	}

	available, err := s.bookAvailability(ctx, bookID)
	if err != nil {
		return uuid.Nil, err
	}
	if available <= 0 {
		return uuid.Nil, ErrBookUnavailable
	}

	loanID := uuid.New()
	borrowedAt := now()
	dueDate := borrowedAt.AddDate(0, 0, dueInDays)

	tx, err := s.st.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback()

	insertQuery, insertArgs, err := s.st.Builder().
		Insert("loans").
		Rows(goqu.Record{
			"id":          loanID.String(),
			"user_id":     userID.String(),
			"book_id":     bookID.String(),
			"borrowed_at": borrowedAt,
			"due_date":    dueDate,
			"status":      string(StatusBorrowed),
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to build loan insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insertQuery, insertArgs...); err != nil {
		s.st.LogError("loan insert failed", "error", err.Error(), "book_id", bookID.String())
		span.RecordError(err)
		return uuid.Nil, fmt.Errorf("failed to create loan: %w", err)
	}

	// Conditional write: re-checks availability at commit time so a borrow
	// that lost the race rolls back instead of driving available negative.
	updateQuery, updateArgs, err := s.st.Builder().
		Update("books").
		Set(goqu.Record{
			"available":  goqu.L("available - 1"),
			"updated_at": borrowedAt,
		}).
		Where(
			goqu.C("id").Eq(bookID.String()),
			goqu.C("available").Gt(0),
		).
		Prepared(true).ToSQL()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to build availability update: %w", err)
	}

	result, err := tx.ExecContext(ctx, updateQuery, updateArgs...)
	if err != nil {
		s.st.LogError("availability decrement failed", "error", err.Error(), "book_id", bookID.String())
		span.RecordError(err)
		return uuid.Nil, fmt.Errorf("failed to update book availability: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Lost the race to the last copy; same outcome as the precondition.
		return uuid.Nil, ErrBookUnavailable
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit borrow: %w", err)
	}

	s.st.LogInfo("loan created",
		"loan_id", loanID.String(), "user_id", userID.String(), "book_id", bookID.String())

	return loanID, nil
}

// Return closes an active loan and gives the copy back to the book's
// available count, clamped so availability never exceeds the owned quantity.
func (s *service) Return(ctx context.Context, loanID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "loans.Return", trace.WithAttributes(
		attribute.String("loan_id", loanID.String()),
	))
	defer span.End()

	tx, err := s.st.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lookupQuery, lookupArgs, err := s.st.Builder().
		From("loans").
		Select("book_id", "returned_at").
		Where(goqu.C("id").Eq(loanID.String())).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build loan lookup: %w", err)
	}

	var loan struct {
		BookID     string     `db:"book_id"`
		ReturnedAt *time.Time `db:"returned_at"`
	}
	if err := tx.GetContext(ctx, &loan, lookupQuery, lookupArgs...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLoanNotActive
		}
		return fmt.Errorf("failed to look up loan: %w", err)
	}
	if loan.ReturnedAt != nil {
		return ErrLoanNotActive
	}

	returnedAt := now()

	// Guarded on returned_at, not the stored status, so loans the advisory
	// sweep rewrote to 'overdue' remain returnable.
	closeQuery, closeArgs, err := s.st.Builder().
		Update("loans").
		Set(goqu.Record{
			"returned_at": returnedAt,
			"status":      string(StatusReturned),
		}).
		Where(
			goqu.C("id").Eq(loanID.String()),
			goqu.C("returned_at").IsNull(),
		).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build loan close: %w", err)
	}

	result, err := tx.ExecContext(ctx, closeQuery, closeArgs...)
	if err != nil {
		s.st.LogError("loan close failed", "error", err.Error(), "loan_id", loanID.String())
		span.RecordError(err)
		return fmt.Errorf("failed to close loan: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrLoanNotActive
	}

	// Clamped increment: a book already at quantity (possible after a manual
	// availability edit) is left untouched rather than pushed past the cap.
	incrementQuery, incrementArgs, err := s.st.Builder().
		Update("books").
		Set(goqu.Record{
			"available":  goqu.L("available + 1"),
			"updated_at": returnedAt,
		}).
		Where(
			goqu.C("id").Eq(loan.BookID),
			goqu.C("available").Lt(goqu.C("quantity")),
		).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build availability increment: %w", err)
	}

	if _, err := tx.ExecContext(ctx, incrementQuery, incrementArgs...); err != nil {
		s.st.LogError("availability increment failed", "error", err.Error(), "book_id", loan.BookID)
		span.RecordError(err)
		return fmt.Errorf("failed to update book availability: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit return: %w", err)
	}

	s.st.LogInfo("loan returned", "loan_id", loanID.String(), "book_id", loan.BookID)

	return nil
}

// MarkOverdue stamps 'overdue' onto past-due borrowed loans. The stored value
// is bookkeeping for reports; every read path still derives overdue-ness from
// due_date and returned_at.
func (s *service) MarkOverdue(ctx context.Context) (int64, error) {
	query, args, err := s.st.Builder().
		Update("loans").
		Set(goqu.Record{"status": string(StatusOverdue)}).
		Where(
			goqu.C("status").Eq(string(StatusBorrowed)),
			goqu.C("returned_at").IsNull(),
			goqu.C("due_date").Lt(now()),
		).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build overdue sweep: %w", err)
	}

	result, err := s.st.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to run overdue sweep: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.st.LogInfo("overdue sweep completed", "marked", affected)

	return affected, nil
}

func (s *service) HasActiveLoan(ctx context.Context, userID, bookID uuid.UUID) (bool, error) {
	count, err := s.countLoans(ctx,
		goqu.C("user_id").Eq(userID.String()),
		goqu.C("book_id").Eq(bookID.String()),
		goqu.C("returned_at").IsNull(),
	)
	return count > 0, err
}

func (s *service) ActiveForUser(ctx context.Context, userID uuid.UUID) ([]LoanDetail, error) {
	ds := s.detailQuery().
		Where(
			goqu.I("t.user_id").Eq(userID.String()),
			goqu.I("t.returned_at").IsNull(),
		).
		Order(goqu.I("t.borrowed_at").Desc())

	return s.selectDetails(ctx, ds)
}

func (s *service) OverdueForUser(ctx context.Context, userID uuid.UUID) ([]LoanDetail, error) {
	ds := s.detailQuery().
		Where(
			goqu.I("t.user_id").Eq(userID.String()),
			goqu.I("t.returned_at").IsNull(),
			goqu.I("t.due_date").Lt(now()),
		).
		Order(goqu.I("t.due_date").Asc())

	return s.selectDetails(ctx, ds)
}

func (s *service) HistoryForUser(ctx context.Context, userID uuid.UUID, limit int) ([]LoanDetail, error) {
	ds := s.detailQuery().
		Where(goqu.I("t.user_id").Eq(userID.String())).
		Order(goqu.I("t.borrowed_at").Desc())

	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}

	return s.selectDetails(ctx, ds)
}

func (s *service) List(ctx context.Context, filter StatusFilter, page, perPage int) ([]LoanDetail, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}

	ds := s.detailQuery().
		Where(filterExpressions(filter, "t")...).
		Order(goqu.I("t.borrowed_at").Desc()).
		Limit(uint(perPage)).
		Offset(uint((page - 1) * perPage))

	return s.selectDetails(ctx, ds)
}

func (s *service) Count(ctx context.Context, filter StatusFilter) (int, error) {
	return s.countLoans(ctx, filterExpressions(filter, "")...)
}

func (s *service) Overdue(ctx context.Context, search string) ([]LoanDetail, error) {
	ds := s.detailQuery().
		Where(
			goqu.I("t.returned_at").IsNull(),
			goqu.I("t.due_date").Lt(now()),
		).
		Order(goqu.I("t.due_date").Asc())

	if search != "" {
		pattern := "%" + search + "%"
		ds = ds.Where(goqu.Or(
			goqu.I("u.username").Like(pattern),
			goqu.I("u.full_name").Like(pattern),
			goqu.I("b.title").Like(pattern),
			goqu.I("b.author").Like(pattern),
		))
	}

	return s.selectDetails(ctx, ds)
}

func (s *service) Recent(ctx context.Context, n int) ([]LoanDetail, error) {
	if n < 1 {
		n = 5
	}

	ds := s.detailQuery().
		Order(goqu.I("t.borrowed_at").Desc()).
		Limit(uint(n))

	return s.selectDetails(ctx, ds)
}

func (s *service) CountForUser(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.countLoans(ctx, goqu.C("user_id").Eq(userID.String()))
}

func (s *service) CountActiveForUser(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.countLoans(ctx,
		goqu.C("user_id").Eq(userID.String()),
		goqu.C("returned_at").IsNull(),
	)
}

func (s *service) CountOverdueForUser(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.countLoans(ctx,
		goqu.C("user_id").Eq(userID.String()),
		goqu.C("returned_at").IsNull(),
		goqu.C("due_date").Lt(now()),
	)
}

func (s *service) CountActive(ctx context.Context) (int, error) {
	return s.countLoans(ctx, goqu.C("returned_at").IsNull())
}

func (s *service) CountOverdue(ctx context.Context) (int, error) {
	return s.countLoans(ctx,
		goqu.C("returned_at").IsNull(),
		goqu.C("due_date").Lt(now()),
	)
}

// detailQuery is the shared projection for list views: loan columns joined
// with borrower and book identification.
func (s *service) detailQuery() *goqu.SelectDataset {
	return s.st.Builder().
		From(goqu.T("loans").As("t")).
		Join(goqu.T("users").As("u"), goqu.On(goqu.Ex{"t.user_id": goqu.I("u.id")})).
		Join(goqu.T("books").As("b"), goqu.On(goqu.Ex{"t.book_id": goqu.I("b.id")})).
		Select(
			goqu.I("t.id"), goqu.I("t.user_id"), goqu.I("t.book_id"),
			goqu.I("t.borrowed_at"), goqu.I("t.due_date"), goqu.I("t.returned_at"), goqu.I("t.status"),
			goqu.I("u.username"), goqu.I("u.full_name"),
			goqu.I("b.title"), goqu.I("b.author"), goqu.I("b.isbn"),
		)
}

// filterExpressions turns a StatusFilter into parameterized predicates.
// prefix is the loans table alias, empty for unaliased queries.
func filterExpressions(filter StatusFilter, prefix string) []goqu.Expression {
	col := func(name string) exp.IdentifierExpression {
		if prefix == "" {
			return goqu.C(name)
		}
		return goqu.I(prefix + "." + name)
	}

	switch filter {
	case FilterActive:
		return []goqu.Expression{col("returned_at").IsNull()}
	case FilterReturned:
		return []goqu.Expression{col("returned_at").IsNotNull()}
	case FilterOverdue:
		return []goqu.Expression{
			col("returned_at").IsNull(),
			col("due_date").Lt(now()),
		}
	default:
		return nil
	}
}

func (s *service) selectDetails(ctx context.Context, ds *goqu.SelectDataset) ([]LoanDetail, error) {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build loan query: %w", err)
	}

	details := make([]LoanDetail, 0)
	if err := s.st.DB().SelectContext(ctx, &details, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}

	at := now()
	for i := range details {
		details[i].Status = details[i].EffectiveStatus(at)
	}

	return details, nil
}

func (s *service) countLoans(ctx context.Context, conditions ...goqu.Expression) (int, error) {
	ds := s.st.Builder().
		From("loans").
		Select(goqu.COUNT("*"))
	if len(conditions) > 0 {
		ds = ds.Where(conditions...)
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build loan count: %w", err)
	}

	var count int
	if err := s.st.DB().GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count loans: %w", err)
	}

	return count, nil
}

func (s *service) bookAvailability(ctx context.Context, bookID uuid.UUID) (int, error) {
	query, args, err := s.st.Builder().
		From("books").
		Select("available").
		Where(goqu.C("id").Eq(bookID.String())).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build availability lookup: %w", err)
	}

	var available int
	if err := s.st.DB().GetContext(ctx, &available, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrBookNotFound
		}
		return 0, fmt.Errorf("failed to look up book availability: %w", err)
	}

	return available, nil
}
