package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/vitalog/internal/model"
	"github.com/dukerupert/vitalog/internal/store"
)

type UserStore interface {
	Create(ctx context.Context, email, passwordHash, name string) (*model.User, error)
	GetByID(ctx context.Context, id int64) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error
	SetActive(ctx context.Context, id int64, active bool) error
	SetAdmin(ctx context.Context, id int64, admin bool) error
}

type SessionStore interface {
	Create(ctx context.Context, userID int64, token string, expiresAt time.Time) (*model.Session, error)
	GetActiveByToken(ctx context.Context, token string) (*model.Session, error)
	Deactivate(ctx context.Context, token string) error
	DeactivateByUserID(ctx context.Context, userID int64) (int64, error)
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expires_at"`
	User      model.UserSummary `json:"user"`
}

// Gateway registers users, logs them in and out, and authenticates bearer
// tokens against both the token signature and the server-side session.
type Gateway struct {
	users    UserStore
	sessions SessionStore
	tokens   *TokenService
	hasher   *PasswordHasher
	logger   *slog.Logger
	now      func() time.Time
}

func NewGateway(users UserStore, sessions SessionStore, tokens *TokenService, hasher *PasswordHasher, logger *slog.Logger) *Gateway {
	return &Gateway{
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		hasher:   hasher,
		logger:   logger,
		now:      time.Now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// Register creates a new active account. It does not log the user in.
func (g *Gateway) Register(ctx context.Context, email, password, name string) (*model.User, error) {
	email = normalizeEmail(email)
	if len(password) > MaxPasswordBytes {
		return nil, ErrPasswordTooLong
	}

	existing, err := g.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, unavailable("lookup email", err)
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}

	hash, err := g.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	u, err := g.users.Create(ctx, email, hash, strings.TrimSpace(name))
	if errors.Is(err, store.ErrDuplicateEmail) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, unavailable("create user", err)
	}

	g.logger.Info("user registered", "user_id", u.ID)
	return u, nil
}

// Login checks credentials, issues a token and opens a session that expires
// with it.
func (g *Gateway) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	u, err := g.users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, unavailable("lookup email", err)
	}
	if u == nil {
		g.hasher.Burn(password)
		return nil, ErrInvalidCredentials
	}
	if !g.hasher.Verify(password, u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	if !u.Active {
		return nil, ErrAccountDeactivated
	}

	token, expiresAt, err := g.tokens.Issue(u.ID)
	if err != nil {
		return nil, err
	}
	if _, err := g.sessions.Create(ctx, u.ID, token, expiresAt); err != nil {
		return nil, unavailable("create session", err)
	}
	if err := g.users.UpdateLastLogin(ctx, u.ID, g.now()); err != nil {
		return nil, unavailable("update last login", err)
	}

	g.logger.Info("user logged in", "user_id", u.ID)
	return &LoginResult{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      u.Summary(),
	}, nil
}

// Logout revokes the session for token. Unknown, invalid or already revoked
// tokens succeed.
func (g *Gateway) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := g.sessions.Deactivate(ctx, token); err != nil {
		return unavailable("deactivate session", err)
	}
	return nil
}

// Authenticate resolves a bearer token to an active user with a live session.
func (g *Gateway) Authenticate(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	userID, err := g.tokens.Verify(token)
	if errors.Is(err, ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	u, err := g.users.GetByID(ctx, userID)
	if err != nil {
		return nil, unavailable("lookup user", err)
	}
	if u == nil || !u.Active {
		return nil, ErrInvalidToken
	}

	sess, err := g.sessions.GetActiveByToken(ctx, token)
	if err != nil {
		return nil, unavailable("lookup session", err)
	}
	if sess == nil || sess.UserID != u.ID {
		return nil, ErrInvalidToken
	}
	if sess.Expired(g.now()) {
		return nil, ErrTokenExpired
	}

	return u, nil
}

// Deactivate disables an account and revokes all of its sessions.
func (g *Gateway) Deactivate(ctx context.Context, email string) (*model.User, error) {
	u, err := g.lookup(ctx, email)
	if err != nil {
		return nil, err
	}
	if err := g.users.SetActive(ctx, u.ID, false); err != nil {
		return nil, unavailable("deactivate user", err)
	}
	n, err := g.sessions.DeactivateByUserID(ctx, u.ID)
	if err != nil {
		return nil, unavailable("revoke sessions", err)
	}
	u.Active = false
	g.logger.Info("user deactivated", "user_id", u.ID, "sessions_revoked", n)
	return u, nil
}

// Promote grants the admin flag.
func (g *Gateway) Promote(ctx context.Context, email string) (*model.User, error) {
	u, err := g.lookup(ctx, email)
	if err != nil {
		return nil, err
	}
	if err := g.users.SetAdmin(ctx, u.ID, true); err != nil {
		return nil, unavailable("promote user", err)
	}
	u.IsAdmin = true
	g.logger.Info("user promoted to admin", "user_id", u.ID)
	return u, nil
}

func (g *Gateway) lookup(ctx context.Context, email string) (*model.User, error) {
	u, err := g.users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, unavailable("lookup email", err)
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}
