// Package repository declares the persistence contracts for users, sessions,
// password reset tokens and API tokens. Implementations live in the postgres
// and memory subpackages.
package repository

import (
	"context"
	"errors"
	"time"

	"notehub/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
)

type UserRepository interface {
	GetByID(ctx context.Context, id string) (models.User, error)
	// FindByLogin matches the username exactly or the email case-insensitively.
	FindByLogin(ctx context.Context, identifier string) (models.User, error)
	FindByEmail(ctx context.Context, email string) (models.User, error)
	// SetPassword stores a new hash and clears the forced-change flag.
	SetPassword(ctx context.Context, userID string, hash string) error
	// RehashPassword replaces the hash only, leaving flags untouched.
	RehashPassword(ctx context.Context, userID string, hash string) error
	// LockForUpdate takes a row lock for the rest of the transaction.
	LockForUpdate(ctx context.Context, userID string) (models.User, error)
}

type SessionRepository interface {
	Create(ctx context.Context, session models.Session) error
	GetByID(ctx context.Context, id string) (models.Session, error)
	GetByTokenHash(ctx context.Context, hash string) (models.Session, error)
	// Delete removes one session and returns ErrNotFound if it was already gone.
	Delete(ctx context.Context, id string) error
	DeleteByUser(ctx context.Context, userID string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	ListByUser(ctx context.Context, userID string) ([]models.Session, error)
	CountByUser(ctx context.Context, userID string) (int, error)
	// DeleteOldest keeps the newest keep sessions for the user.
	DeleteOldest(ctx context.Context, userID string, keep int) (int64, error)
}

type ResetTokenRepository interface {
	Create(ctx context.Context, token models.PasswordResetToken) error
	// InvalidateForUser marks every unconsumed token of the user as used.
	InvalidateForUser(ctx context.Context, userID string, at time.Time) (int64, error)
	GetByTokenHash(ctx context.Context, hash string) (models.PasswordResetToken, error)
	LockByTokenHash(ctx context.Context, hash string) (models.PasswordResetToken, error)
	// MarkUsed sets used_at only if it is still null; ErrNotFound otherwise.
	MarkUsed(ctx context.Context, id string, at time.Time) error
	DeleteExpiredOrUsed(ctx context.Context, now time.Time) (int64, error)
}

type APITokenRepository interface {
	Create(ctx context.Context, token models.APIToken) error
	CountActiveByUser(ctx context.Context, userID string) (int, error)
	GetByTokenHash(ctx context.Context, hash string) (models.APIToken, error)
	GetByIDForUser(ctx context.Context, id string, userID string) (models.APIToken, error)
	ListByUser(ctx context.Context, userID string) ([]models.APIToken, error)
	// Revoke is a conditional update; false means no active row matched.
	Revoke(ctx context.Context, id string, userID string, at time.Time) (bool, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	// DeleteStale purges rows revoked or expired before cutoff.
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store groups the repositories and runs multi-statement units of work.
// Inside InTx the callback must use the Store it is handed, not the outer one.
type Store interface {
	Users() UserRepository
	Sessions() SessionRepository
	ResetTokens() ResetTokenRepository
	APITokens() APITokenRepository
	InTx(ctx context.Context, fn func(tx Store) error) error
	Ping(ctx context.Context) error
}
