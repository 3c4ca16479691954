// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the catalog service.
type Service interface {
	CreateBook(ctx context.Context, book NewBook) (*Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	UpdateBook(ctx context.Context, id uuid.UUID, patch BookPatch) (*Book, error)
	DeleteBook(ctx context.Context, id uuid.UUID) error
	ListBooks(ctx context.Context, query BookQuery) ([]Book, error)
	CountBooks(ctx context.Context, query BookQuery) (int, error)
	Genres(ctx context.Context) ([]string, error)
	// LowStock lists books that are nearly exhausted but not out of
	// circulation (0 < available <= 2).
	LowStock(ctx context.Context) ([]Book, error)

	CreatePublisher(ctx context.Context, publisher NewPublisher) (*Publisher, error)
	GetPublisher(ctx context.Context, id uuid.UUID) (*Publisher, error)
	UpdatePublisher(ctx context.Context, id uuid.UUID, publisher NewPublisher) (*Publisher, error)
	// DeletePublisher removes a publisher; dependent books keep their data
	// and lose only the publisher reference.
	DeletePublisher(ctx context.Context, id uuid.UUID) error
	ListPublishers(ctx context.Context) ([]Publisher, error)
	CountPublishers(ctx context.Context) (int, error)
}
