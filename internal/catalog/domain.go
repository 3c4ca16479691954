// internal/catalog/domain.go
package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBookNotFound       = errors.New("book not found")
	ErrPublisherNotFound  = errors.New("publisher not found")
	ErrBookHasActiveLoans = errors.New("book has active loans and cannot be deleted")
	ErrInvalidQuantity    = errors.New("available must be between 0 and quantity")
)

// Book represents a catalog entry. Available counts copies currently not on
// loan and always satisfies 0 <= Available <= Quantity.
type Book struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	Title         string     `db:"title" json:"title"`
	Author        string     `db:"author" json:"author"`
	PublisherID   *uuid.UUID `db:"publisher_id" json:"publisher_id,omitempty"`
	PublisherName *string    `db:"publisher_name" json:"publisher_name,omitempty"`
	Year          int        `db:"year" json:"year"`
	ISBN          string     `db:"isbn" json:"isbn"`
	Genre         string     `db:"genre" json:"genre"`
	Quantity      int        `db:"quantity" json:"quantity"`
	Available     int        `db:"available" json:"available"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// NewBook holds the fields required to add a book. All copies start available.
type NewBook struct {
	Title       string     `json:"title"`
	Author      string     `json:"author"`
	PublisherID *uuid.UUID `json:"publisher_id"`
	Year        int        `json:"year"`
	ISBN        string     `json:"isbn"`
	Genre       string     `json:"genre"`
	Quantity    int        `json:"quantity"`
}

// BookPatch is a partial update: nil fields are left untouched. A PublisherID
// pointing at the nil UUID clears the publisher reference.
type BookPatch struct {
	Title       *string    `json:"title"`
	Author      *string    `json:"author"`
	PublisherID *uuid.UUID `json:"publisher_id"`
	Year        *int       `json:"year"`
	ISBN        *string    `json:"isbn"`
	Genre       *string    `json:"genre"`
	Quantity    *int       `json:"quantity"`
	Available   *int       `json:"available"`
}

// BookQuery narrows and pages book listings. Search is a substring match over
// title, author and genre, always bound as a parameter.
type BookQuery struct {
	Search  string
	Genre   string
	Page    int
	PerPage int
}

// Publisher represents a publishing house. Deleting one orphans its books'
// publisher reference instead of deleting them.
type Publisher struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Address     string    `db:"address" json:"address"`
	ContactInfo string    `db:"contact_info" json:"contact_info"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// NewPublisher holds the fields required to add a publisher.
type NewPublisher struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	ContactInfo string `json:"contact_info"`
}
