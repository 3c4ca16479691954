// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect import
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect import
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // driver import
	_ "github.com/mattn/go-sqlite3" // driver import
)

var (
	ErrUnsupportedDriver = errors.New("store: unsupported driver")
	ErrEmptyDSN          = errors.New("store: empty dsn")
)

// Logger receives operational messages from the store and the services built
// on top of it. Arguments follow the slog key/value convention.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Store wraps the shared relational database connection together with the
// goqu dialect matching its driver, so every query is built for the engine
// actually in use (postgres in deployments, sqlite3 in tests and single-node
// setups).
type Store struct {
	db      *sqlx.DB
	dialect goqu.DialectWrapper
	logger  Logger
}

// Option defines a functional option for configuring a Store.
type Option func(*Store) error

// WithLogger sets the logger for the Store. A nil logger disables logging.
func WithLogger(logger Logger) Option {
	return func(s *Store) error {
		s.logger = logger
		return nil
	}
}

// Open connects to the database identified by driver and dsn and verifies
// the connection with a ping.
func Open(driver, dsn string, options ...Option) (*Store, error) {
	if dsn == "" {
		return nil, ErrEmptyDSN
	}

	switch driver {
	case "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to connect: %w", err)
	}

	if driver == "sqlite3" {
		// sqlite serializes writers anyway; a single connection keeps an
		// in-memory database alive and avoids SQLITE_BUSY under load.
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:      db,
		dialect: goqu.Dialect(driver),
	}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// DB exposes the underlying connection pool.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Builder returns a goqu builder bound to the store's SQL dialect.
func (s *Store) Builder() goqu.DialectWrapper {
	return s.dialect
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	return tx, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Log methods are nil-safe so callers never have to guard on a configured logger.

func (s *Store) LogDebug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *Store) LogInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Store) LogWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func (s *Store) LogError(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Error(msg, args...)
	}
}
