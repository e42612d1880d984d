package models

import "time"

type PasswordResetToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// UsableAt reports whether the token is unconsumed and unexpired at t.
func (r PasswordResetToken) UsableAt(t time.Time) bool {
	return r.UsedAt == nil && t.Before(r.ExpiresAt)
}

type APITokenScope string

const (
	ScopeRead  APITokenScope = "read"
	ScopeWrite APITokenScope = "write"
)

func (s APITokenScope) Valid() bool {
	return s == ScopeRead || s == ScopeWrite
}

// APIToken is a long-lived credential for non-interactive callers. The raw
// value is shown once at creation; only TokenHash is stored.
type APIToken struct {
	ID         string
	UserID     string
	Name       string
	TokenHash  string
	Prefix     string
	Scopes     []APITokenScope
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

func (t APIToken) HasScope(scope APITokenScope) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (t APIToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

func (t APIToken) IsExpiredAt(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}
