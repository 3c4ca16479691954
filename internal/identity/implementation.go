// internal/identity/implementation.go
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"librarium/internal/middleware"
	"librarium/internal/store"
)

const resetTokenTTL = time.Hour

// attemptLimiter rate-limits credential attempts per username, so one
// account being brute-forced does not lock everyone else out.
type attemptLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newAttemptLimiter() *attemptLimiter {
	return &attemptLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *attemptLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute), 5) // 5 attempts per minute
		l.limiters[key] = limiter
	}

	return limiter.Allow()
}

// service implements the Service interface.
type service struct {
	st          *store.Store
	jwtSecret   []byte
	tokenTTL    time.Duration
	rateLimiter *attemptLimiter
}

// NewService creates a new identity service instance.
func NewService(st *store.Store, jwtSecret []byte, tokenTTL time.Duration) Service {
	return &service{
		st:          st,
		jwtSecret:   jwtSecret,
		tokenTTL:    tokenTTL,
		rateLimiter: newAttemptLimiter(),
	}
}

func now() time.Time {
	return time.Now().UTC()
}

func (s *service) Register(ctx context.Context, username, password, email, fullName string) (*User, error) {
	if !s.rateLimiter.allow(username) {
		return nil, ErrRateLimited
	}

	return s.createUser(ctx, NewUser{
		Username: username,
		Password: password,
		Email:    email,
		FullName: fullName,
		Role:     RoleMember,
	})
}

func (s *service) CreateUser(ctx context.Context, user NewUser) (*User, error) {
	if user.Role != RoleAdmin && user.Role != RoleMember {
		return nil, ErrInvalidRole
	}

	return s.createUser(ctx, user)
}

func (s *service) createUser(ctx context.Context, user NewUser) (*User, error) {
	taken, err := s.usernameOrEmailTaken(ctx, user.Username, user.Email)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrUserExists
	}

	passwordHash, err := hashPassword(user.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	id := uuid.New()
	createdAt := now()

	query, args, err := s.st.Builder().
		Insert("users").
		Rows(goqu.Record{
			"id":            id.String(),
			"username":      user.Username,
			"email":         user.Email,
			"full_name":     user.FullName,
			"password_hash": passwordHash,
			"role":          user.Role,
			"created_at":    createdAt,
			"updated_at":    createdAt,
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build user insert: %w", err)
	}

	if _, err := s.st.DB().ExecContext(ctx, query, args...); err != nil {
		s.st.LogError("user insert failed", "error", err.Error(), "username", user.Username)
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.st.LogInfo("user created", "user_id", id.String(), "role", user.Role)

	return s.GetUser(ctx, id)
}

// Authenticate verifies a user's credentials and issues a session token.
// Lookup and verification failures collapse into one error so callers cannot
// probe which usernames exist.
func (s *service) Authenticate(ctx context.Context, username, password string) (string, *User, error) {
	if !s.rateLimiter.allow(username) {
		return "", nil, ErrRateLimited
	}

	user, err := s.getUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}

	ok, err := verifyPassword(password, user.PasswordHash)
	if err != nil {
		return "", nil, fmt.Errorf("authentication failed: %w", err)
	}
	if !ok {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.issueToken(user)
	if err != nil {
		return "", nil, fmt.Errorf("failed to issue token: %w", err)
	}

	s.st.LogInfo("user authenticated", "user_id", user.ID.String())

	return token, user, nil
}

func (s *service) issueToken(user *User) (string, error) {
	issuedAt := now()
	claims := middleware.Claims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(s.tokenTTL)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func (s *service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	query, args, err := s.st.Builder().
		From("users").
		Select(userColumns()...).
		Where(goqu.C("id").Eq(id.String())).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build user query: %w", err)
	}

	user := &User{}
	if err := s.st.DB().GetContext(ctx, user, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

func (s *service) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	query, args, err := s.st.Builder().
		From("users").
		Select(goqu.COUNT("*")).
		Where(goqu.C("id").Eq(id.String())).
		Prepared(true).ToSQL()
	if err != nil {
		return false, fmt.Errorf("failed to build user count: %w", err)
	}

	var count int
	if err := s.st.DB().GetContext(ctx, &count, query, args...); err != nil {
		return false, fmt.Errorf("failed to count users: %w", err)
	}

	return count > 0, nil
}

func (s *service) UpdateUser(ctx context.Context, id uuid.UUID, patch UserPatch) (*User, error) {
	record := goqu.Record{"updated_at": now()}
	if patch.Username != nil {
		record["username"] = *patch.Username
	}
	if patch.Email != nil {
		record["email"] = *patch.Email
	}
	if patch.FullName != nil {
		record["full_name"] = *patch.FullName
	}
	if patch.Role != nil {
		if *patch.Role != RoleAdmin && *patch.Role != RoleMember {
			return nil, ErrInvalidRole
		}
		record["role"] = *patch.Role
	}

	query, args, err := s.st.Builder().
		Update("users").
		Set(record).
		Where(goqu.C("id").Eq(id.String())).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build user update: %w", err)
	}

	result, err := s.st.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrUserNotFound
	}

	return s.GetUser(ctx, id)
}

func (s *service) UpdatePassword(ctx context.Context, id uuid.UUID, newPassword string) error {
	passwordHash, err := hashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	query, args, err := s.st.Builder().
		Update("users").
		Set(goqu.Record{
			"password_hash": passwordHash,
			"updated_at":    now(),
		}).
		Where(goqu.C("id").Eq(id.String())).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build password update: %w", err)
	}

	result, err := s.st.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}

	return nil
}

// ChangePassword verifies the caller's current password before storing the
// new one, so a hijacked session alone cannot take over the account.
func (s *service) ChangePassword(ctx context.Context, id uuid.UUID, currentPassword, newPassword string) error {
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return err
	}

	ok, err := verifyPassword(currentPassword, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("password verification failed: %w", err)
	}
	if !ok {
		return ErrInvalidCredentials
	}

	return s.UpdatePassword(ctx, id, newPassword)
}

func (s *service) DeleteUser(ctx context.Context, id uuid.UUID) error {
	query, args, err := s.st.Builder().
		Delete("users").
		Where(goqu.C("id").Eq(id.String())).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build user delete: %w", err)
	}

	result, err := s.st.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}

	s.st.LogInfo("user deleted", "user_id", id.String())

	return nil
}

func (s *service) ListUsers(ctx context.Context, page, perPage int) ([]User, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}

	query, args, err := s.st.Builder().
		From("users").
		Select(userColumns()...).
		Order(goqu.C("username").Asc()).
		Limit(uint(perPage)).
		Offset(uint((page - 1) * perPage)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build user list: %w", err)
	}

	users := make([]User, 0)
	if err := s.st.DB().SelectContext(ctx, &users, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	return users, nil
}

func (s *service) CountUsers(ctx context.Context) (int, error) {
	return s.countUsers(ctx)
}

func (s *service) CountMembers(ctx context.Context) (int, error) {
	return s.countUsers(ctx, goqu.C("role").Eq(RoleMember))
}

// CreateResetToken replaces any previous token for the address with a fresh
// one valid for an hour. The token is handed back to the caller because no
// mail delivery exists.
func (s *service) CreateResetToken(ctx context.Context, email string) (string, error) {
	if _, err := s.getUserByEmail(ctx, email); err != nil {
		return "", err
	}

	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	createdAt := now()

	tx, err := s.st.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	deleteQuery, deleteArgs, err := s.st.Builder().
		Delete("password_resets").
		Where(goqu.C("email").Eq(email)).
		Prepared(true).ToSQL()
	if err != nil {
		return "", fmt.Errorf("failed to build token delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, deleteQuery, deleteArgs...); err != nil {
		return "", fmt.Errorf("failed to delete old tokens: %w", err)
	}

	insertQuery, insertArgs, err := s.st.Builder().
		Insert("password_resets").
		Rows(goqu.Record{
			"email":      email,
			"token":      token,
			"expires_at": createdAt.Add(resetTokenTTL),
			"created_at": createdAt,
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return "", fmt.Errorf("failed to build token insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertQuery, insertArgs...); err != nil {
		return "", fmt.Errorf("failed to store reset token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit reset token: %w", err)
	}

	s.st.LogInfo("password reset token issued", "email", email)

	return token, nil
}

// ResetPassword verifies the token, rewrites the hash and consumes the token
// in one transaction, so a half-applied reset can never leave a live token
// behind.
func (s *service) ResetPassword(ctx context.Context, email, token, newPassword string) error {
	user, err := s.getUserByEmail(ctx, email)
	if err != nil {
		return err
	}

	passwordHash, err := hashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	tx, err := s.st.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	matchQuery, matchArgs, err := s.st.Builder().
		From("password_resets").
		Select(goqu.COUNT("*")).
		Where(
			goqu.C("email").Eq(email),
			goqu.C("token").Eq(token),
			goqu.C("expires_at").Gt(now()),
		).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build token lookup: %w", err)
	}

	var matches int
	if err := tx.GetContext(ctx, &matches, matchQuery, matchArgs...); err != nil {
		return fmt.Errorf("failed to verify reset token: %w", err)
	}
	if matches == 0 {
		return ErrInvalidResetToken
	}

	updateQuery, updateArgs, err := s.st.Builder().
		Update("users").
		Set(goqu.Record{
			"password_hash": passwordHash,
			"updated_at":    now(),
		}).
		Where(goqu.C("id").Eq(user.ID.String())).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build password update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, updateQuery, updateArgs...); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	// Token is single-use.
	consumeQuery, consumeArgs, err := s.st.Builder().
		Delete("password_resets").
		Where(goqu.C("email").Eq(email)).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build token consume: %w", err)
	}
	if _, err := tx.ExecContext(ctx, consumeQuery, consumeArgs...); err != nil {
		return fmt.Errorf("failed to consume reset token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit password reset: %w", err)
	}

	s.st.LogInfo("password reset completed", "user_id", user.ID.String())

	return nil
}

func (s *service) getUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUserWhere(ctx, goqu.C("username").Eq(username))
}

func (s *service) getUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUserWhere(ctx, goqu.C("email").Eq(email))
}

func (s *service) getUserWhere(ctx context.Context, condition goqu.Expression) (*User, error) {
	query, args, err := s.st.Builder().
		From("users").
		Select(userColumns()...).
		Where(condition).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build user query: %w", err)
	}

	user := &User{}
	if err := s.st.DB().GetContext(ctx, user, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

func (s *service) usernameOrEmailTaken(ctx context.Context, username, email string) (bool, error) {
	query, args, err := s.st.Builder().
		From("users").
		Select(goqu.COUNT("*")).
		Where(goqu.Or(
			goqu.C("username").Eq(username),
			goqu.C("email").Eq(email),
		)).
		Prepared(true).ToSQL()
	if err != nil {
		return false, fmt.Errorf("failed to build uniqueness check: %w", err)
	}

	var count int
	if err := s.st.DB().GetContext(ctx, &count, query, args...); err != nil {
		return false, fmt.Errorf("failed to check uniqueness: %w", err)
	}

	return count > 0, nil
}

func (s *service) countUsers(ctx context.Context, conditions ...goqu.Expression) (int, error) {
	ds := s.st.Builder().
		From("users").
		Select(goqu.COUNT("*"))
	if len(conditions) > 0 {
		ds = ds.Where(conditions...)
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build user count: %w", err)
	}

	var count int
	if err := s.st.DB().GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}

	return count, nil
}

func userColumns() []interface{} {
	return []interface{}{
		"id", "username", "email", "full_name", "password_hash", "role",
		"created_at", "updated_at",
	}
}
