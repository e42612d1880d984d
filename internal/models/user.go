package models

import "time"

type UserRole string

const (
	UserRoleUser       UserRole = "user"
	UserRoleAdmin      UserRole = "admin"
	UserRoleSuperAdmin UserRole = "superadmin"
)

// User is owned by the user-management subsystem. Only the password fields
// are written from here.
type User struct {
	ID                 string
	Username           string
	Email              string
	DisplayName        string
	PasswordHash       string
	Role               UserRole
	IsActive           bool
	IsServiceAccount   bool
	MustChangePassword bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Session binds one refresh token (by hash) to a user. One row per device.
type Session struct {
	ID               string
	UserID           string
	RefreshTokenHash string
	IPAddress        string
	UserAgent        string
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

func (s Session) IsExpiredAt(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}
