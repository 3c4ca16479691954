// internal/store/migrate.go
package store

import (
	"context"
	"fmt"
)

// Schema statements are written against the common subset of postgres and
// sqlite DDL: TEXT primary keys holding UUIDs, TIMESTAMP columns populated
// from application time.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		email         TEXT NOT NULL UNIQUE,
		full_name     TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		role          TEXT NOT NULL DEFAULT 'member',
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS publishers (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		address      TEXT NOT NULL,
		contact_info TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS books (
		id           TEXT PRIMARY KEY,
		title        TEXT NOT NULL,
		author       TEXT NOT NULL,
		publisher_id TEXT REFERENCES publishers (id),
		year         INTEGER NOT NULL,
		isbn         TEXT NOT NULL,
		genre        TEXT NOT NULL,
		quantity     INTEGER NOT NULL,
		available    INTEGER NOT NULL,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL,
		CHECK (available >= 0 AND available <= quantity)
	)`,
	`CREATE TABLE IF NOT EXISTS loans (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL REFERENCES users (id),
		book_id     TEXT NOT NULL REFERENCES books (id),
		borrowed_at TIMESTAMP NOT NULL,
		due_date    TIMESTAMP NOT NULL,
		returned_at TIMESTAMP,
		status      TEXT NOT NULL DEFAULT 'borrowed'
	)`,
	`CREATE TABLE IF NOT EXISTS password_resets (
		email      TEXT NOT NULL,
		token      TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_loans_user_id ON loans (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_loans_book_id ON loans (book_id)`,
	`CREATE INDEX IF NOT EXISTS idx_loans_due_date ON loans (due_date)`,
	`CREATE INDEX IF NOT EXISTS idx_password_resets_email ON password_resets (email)`,
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migration failed: %w", err)
		}
	}

	s.LogInfo("schema migration completed", "statements", len(schemaStatements))

	return nil
}
