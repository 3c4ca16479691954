// internal/catalog/implementation.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"librarium/internal/store"
)

// service implements the Service interface.
type service struct {
	st *store.Store
}

// NewService creates a new catalog service instance.
func NewService(st *store.Store) Service {
	return &service{st: st}
}

func now() time.Time {
	return time.Now().UTC()
}

// CreateBook adds a book to the catalog with every copy available.
func (s *service) CreateBook(ctx context.Context, book NewBook) (*Book, error) {
	if book.Quantity < 0 {
		return nil, ErrInvalidQuantity
	}

	if book.PublisherID != nil && *book.PublisherID != uuid.Nil {
		if _, err := s.GetPublisher(ctx, *book.PublisherID); err != nil {
			return nil, err
		}
	}

	id := uuid.New()
	createdAt := now()

	record := goqu.Record{
		"id":         id.String(),
		"title":      book.Title,
		"author":     book.Author,
		"year":       book.Year,
		"isbn":       book.ISBN,
		"genre":      book.Genre,
		"quantity":   book.Quantity,
		"available":  book.Quantity,
		"created_at": createdAt,
		"updated_at": createdAt,
	}
	if book.PublisherID != nil && *book.PublisherID != uuid.Nil {
		record["publisher_id"] = book.PublisherID.String()
	}

	query, args, err := s.st.Builder().
		Insert("books").
		Rows(record).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build book insert: %w", err)
	}

	if _, err := s.st.DB().ExecContext(ctx, query, args...); err != nil {
		s.st.LogError("book insert failed", "error", err.Error(), "title", book.Title)
		return nil, fmt.Errorf("failed to create book: %w", err)
	}

	s.st.LogInfo("book created", "book_id", id.String(), "title", book.Title)

	return s.GetBook(ctx, id)
}

// GetBook retrieves a book together with its publisher name.
func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	ds := s.bookQuery().Where(goqu.I("b.id").Eq(id.String()))

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build book query: %w", err)
	}

	book := &Book{}
	if err := s.st.DB().GetContext(ctx, book, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("failed to get book: %w", err)
	}

	return book, nil
}

// UpdateBook applies a partial update. The patch is merged against the
// current row inside a transaction so the availability invariant is checked
// against the values that will actually be stored.
func (s *service) UpdateBook(ctx context.Context, id uuid.UUID, patch BookPatch) (*Book, error) {
	tx, err := s.st.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	currentQuery, currentArgs, err := s.st.Builder().
		From("books").
		Select("quantity", "available").
		Where(goqu.C("id").Eq(id.String())).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build book lookup: %w", err)
	}

	var current struct {
		Quantity  int `db:"quantity"`
		Available int `db:"available"`
	}
	if err := tx.GetContext(ctx, &current, currentQuery, currentArgs...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("failed to look up book: %w", err)
	}

	quantity := current.Quantity
	if patch.Quantity != nil {
		quantity = *patch.Quantity
	}
	available := current.Available
	if patch.Available != nil {
		available = *patch.Available
	}
	if available < 0 || available > quantity {
		return nil, ErrInvalidQuantity
	}

	record := goqu.Record{"updated_at": now()}
	if patch.Title != nil {
		record["title"] = *patch.Title
	}
	if patch.Author != nil {
		record["author"] = *patch.Author
	}
	if patch.PublisherID != nil {
		if *patch.PublisherID == uuid.Nil {
			record["publisher_id"] = nil
		} else {
			record["publisher_id"] = patch.PublisherID.String()
		}
	}
	if patch.Year != nil {
		record["year"] = *patch.Year
	}
	if patch.ISBN != nil {
		record["isbn"] = *patch.ISBN
	}
	if patch.Genre != nil {
		record["genre"] = *patch.Genre
	}
	if patch.Quantity != nil {
		record["quantity"] = quantity
	}
	if patch.Available != nil {
		record["available"] = available
	}

	updateQuery, updateArgs, err := s.st.Builder().
		Update("books").
		Set(record).
		Where(goqu.C("id").Eq(id.String())).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build book update: %w", err)
	}

	if _, err := tx.ExecContext(ctx, updateQuery, updateArgs...); err != nil {
		s.st.LogError("book update failed", "error", err.Error(), "book_id", id.String())
		return nil, fmt.Errorf("failed to update book: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit book update: %w", err)
	}

	return s.GetBook(ctx, id)
}

// DeleteBook removes a book unless copies are still out on loan.
func (s *service) DeleteBook(ctx context.Context, id uuid.UUID) error {
	tx, err := s.st.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	activeQuery, activeArgs, err := s.st.Builder().
		From("loans").
		Select(goqu.COUNT("*")).
		Where(
			goqu.C("book_id").Eq(id.String()),
			goqu.C("returned_at").IsNull(),
		).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build active loan count: %w", err)
	}

	var active int
	if err := tx.GetContext(ctx, &active, activeQuery, activeArgs...); err != nil {
		return fmt.Errorf("failed to count active loans: %w", err)
	}
	if active > 0 {
		return ErrBookHasActiveLoans
	}

	deleteQuery, deleteArgs, err := s.st.Builder().
		Delete("books").
		Where(goqu.C("id").Eq(id.String())).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build book delete: %w", err)
	}

	result, err := tx.ExecContext(ctx, deleteQuery, deleteArgs...)
	if err != nil {
		return fmt.Errorf("failed to delete book: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrBookNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit book delete: %w", err)
	}

	s.st.LogInfo("book deleted", "book_id", id.String())

	return nil
}

func (s *service) ListBooks(ctx context.Context, query BookQuery) ([]Book, error) {
	page := query.Page
	if page < 1 {
		page = 1
	}
	perPage := query.PerPage
	if perPage < 1 {
		perPage = 10
	}

	ds := s.bookQuery().
		Where(bookFilterExpressions(query)...).
		Order(goqu.I("b.title").Asc()).
		Limit(uint(perPage)).
		Offset(uint((page - 1) * perPage))

	sqlQuery, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build book list: %w", err)
	}

	books := make([]Book, 0)
	if err := s.st.DB().SelectContext(ctx, &books, sqlQuery, args...); err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}

	return books, nil
}

func (s *service) CountBooks(ctx context.Context, query BookQuery) (int, error) {
	ds := s.st.Builder().
		From(goqu.T("books").As("b")).
		Select(goqu.COUNT("*"))
	if exprs := bookFilterExpressions(query); len(exprs) > 0 {
		ds = ds.Where(exprs...)
	}

	sqlQuery, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build book count: %w", err)
	}

	var count int
	if err := s.st.DB().GetContext(ctx, &count, sqlQuery, args...); err != nil {
		return 0, fmt.Errorf("failed to count books: %w", err)
	}

	return count, nil
}

func (s *service) Genres(ctx context.Context) ([]string, error) {
	query, args, err := s.st.Builder().
		From("books").
		SelectDistinct("genre").
		Order(goqu.C("genre").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build genre query: %w", err)
	}

	genres := make([]string, 0)
	if err := s.st.DB().SelectContext(ctx, &genres, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list genres: %w", err)
	}

	return genres, nil
}

func (s *service) LowStock(ctx context.Context) ([]Book, error) {
	ds := s.bookQuery().
		Where(
			goqu.I("b.available").Gt(0),
			goqu.I("b.available").Lte(2),
		).
		Order(goqu.I("b.available").Asc())

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build low stock query: %w", err)
	}

	books := make([]Book, 0)
	if err := s.st.DB().SelectContext(ctx, &books, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list low stock books: %w", err)
	}

	return books, nil
}

func (s *service) CreatePublisher(ctx context.Context, publisher NewPublisher) (*Publisher, error) {
	id := uuid.New()
	createdAt := now()

	query, args, err := s.st.Builder().
		Insert("publishers").
		Rows(goqu.Record{
			"id":           id.String(),
			"name":         publisher.Name,
			"address":      publisher.Address,
			"contact_info": publisher.ContactInfo,
			"created_at":   createdAt,
			"updated_at":   createdAt,
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build publisher insert: %w", err)
	}

	if _, err := s.st.DB().ExecContext(ctx, query, args...); err != nil {
		s.st.LogError("publisher insert failed", "error", err.Error(), "name", publisher.Name)
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}

	return s.GetPublisher(ctx, id)
}

func (s *service) GetPublisher(ctx context.Context, id uuid.UUID) (*Publisher, error) {
	query, args, err := s.st.Builder().
		From("publishers").
		Select("id", "name", "address", "contact_info", "created_at", "updated_at").
		Where(goqu.C("id").Eq(id.String())).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build publisher query: %w", err)
	}

	publisher := &Publisher{}
	if err := s.st.DB().GetContext(ctx, publisher, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPublisherNotFound
		}
		return nil, fmt.Errorf("failed to get publisher: %w", err)
	}

	return publisher, nil
}

func (s *service) UpdatePublisher(ctx context.Context, id uuid.UUID, publisher NewPublisher) (*Publisher, error) {
	query, args, err := s.st.Builder().
		Update("publishers").
		Set(goqu.Record{
			"name":         publisher.Name,
			"address":      publisher.Address,
			"contact_info": publisher.ContactInfo,
			"updated_at":   now(),
		}).
		Where(goqu.C("id").Eq(id.String())).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build publisher update: %w", err)
	}

	result, err := s.st.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update publisher: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrPublisherNotFound
	}

	return s.GetPublisher(ctx, id)
}

// DeletePublisher detaches dependent books and removes the publisher in one
// transaction, so books never reference a deleted row.
func (s *service) DeletePublisher(ctx context.Context, id uuid.UUID) error {
	tx, err := s.st.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	detachQuery, detachArgs, err := s.st.Builder().
		Update("books").
		Set(goqu.Record{
			"publisher_id": nil,
			"updated_at":   now(),
		}).
		Where(goqu.C("publisher_id").Eq(id.String())).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build book detach: %w", err)
	}

	if _, err := tx.ExecContext(ctx, detachQuery, detachArgs...); err != nil {
		return fmt.Errorf("failed to detach books: %w", err)
	}

	deleteQuery, deleteArgs, err := s.st.Builder().
		Delete("publishers").
		Where(goqu.C("id").Eq(id.String())).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build publisher delete: %w", err)
	}

	result, err := tx.ExecContext(ctx, deleteQuery, deleteArgs...)
	if err != nil {
		return fmt.Errorf("failed to delete publisher: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrPublisherNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit publisher delete: %w", err)
	}

	s.st.LogInfo("publisher deleted", "publisher_id", id.String())

	return nil
}

func (s *service) ListPublishers(ctx context.Context) ([]Publisher, error) {
	query, args, err := s.st.Builder().
		From("publishers").
		Select("id", "name", "address", "contact_info", "created_at", "updated_at").
		Order(goqu.C("name").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build publisher list: %w", err)
	}

	publishers := make([]Publisher, 0)
	if err := s.st.DB().SelectContext(ctx, &publishers, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list publishers: %w", err)
	}

	return publishers, nil
}

func (s *service) CountPublishers(ctx context.Context) (int, error) {
	query, args, err := s.st.Builder().
		From("publishers").
		Select(goqu.COUNT("*")).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build publisher count: %w", err)
	}

	var count int
	if err := s.st.DB().GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count publishers: %w", err)
	}

	return count, nil
}

// bookQuery is the shared projection: book columns plus the publisher name
// resolved through a left join, so books without a publisher still list.
func (s *service) bookQuery() *goqu.SelectDataset {
	return s.st.Builder().
		From(goqu.T("books").As("b")).
		LeftJoin(goqu.T("publishers").As("p"), goqu.On(goqu.Ex{"b.publisher_id": goqu.I("p.id")})).
		Select(
			goqu.I("b.id"), goqu.I("b.title"), goqu.I("b.author"),
			goqu.I("b.publisher_id"), goqu.I("p.name").As("publisher_name"),
			goqu.I("b.year"), goqu.I("b.isbn"), goqu.I("b.genre"),
			goqu.I("b.quantity"), goqu.I("b.available"),
			goqu.I("b.created_at"), goqu.I("b.updated_at"),
		)
}

func bookFilterExpressions(query BookQuery) []goqu.Expression {
	exprs := make([]goqu.Expression, 0, 2)

	if query.Search != "" {
		pattern := "%" + query.Search + "%"
		exprs = append(exprs, goqu.Or(
			goqu.I("b.title").Like(pattern),
			goqu.I("b.author").Like(pattern),
			goqu.I("b.genre").Like(pattern),
		))
	}
	if query.Genre != "" {
		exprs = append(exprs, goqu.I("b.genre").Eq(query.Genre))
	}

	return exprs
}
