// internal/identity/service.go
package identity

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the identity service.
type Service interface {
	// Register creates a member account.
	Register(ctx context.Context, username, password, email, fullName string) (*User, error)
	// CreateUser is the admin path and may assign any role.
	CreateUser(ctx context.Context, user NewUser) (*User, error)
	// Authenticate verifies credentials and returns a signed session token
	// together with the user.
	Authenticate(ctx context.Context, username, password string) (string, *User, error)

	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateUser(ctx context.Context, id uuid.UUID, patch UserPatch) (*User, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, newPassword string) error
	// ChangePassword is the self-service path: it verifies the current
	// password before storing the new one.
	ChangePassword(ctx context.Context, id uuid.UUID, currentPassword, newPassword string) error
	DeleteUser(ctx context.Context, id uuid.UUID) error
	ListUsers(ctx context.Context, page, perPage int) ([]User, error)
	CountUsers(ctx context.Context) (int, error)
	CountMembers(ctx context.Context) (int, error)

	// CreateResetToken issues a password-reset token valid for one hour,
	// replacing any earlier token for the address. The token is returned to
	// the caller; no mail is sent.
	CreateResetToken(ctx context.Context, email string) (string, error)
	ResetPassword(ctx context.Context, email, token, newPassword string) error
}
