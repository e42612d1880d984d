package service

import (
	"errors"
	"fmt"
)

// Authentication. InvalidCredentials deliberately covers unknown user,
// service account and wrong password alike.
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountDeactivated  = errors.New("account deactivated")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
)

// Password management.
var (
	ErrUserNotFound                        = errors.New("user not found")
	ErrServiceAccountsCannotChangePassword = errors.New("service accounts cannot change password")
	ErrIncorrectPassword                   = errors.New("incorrect password")
	ErrInvalidOrExpiredResetToken          = errors.New("invalid or expired reset token")
)

// API tokens.
var (
	ErrInvalidTokenFormat = errors.New("invalid token format")
	ErrInvalidAPIToken    = errors.New("invalid api token")
	ErrTokenRevoked       = errors.New("api token revoked")
	ErrTokenExpired       = errors.New("api token expired")
	ErrUserInactive       = errors.New("token owner inactive")
	ErrTokenCapReached    = errors.New("api token limit reached")
	ErrAlreadyRevoked     = errors.New("api token already revoked")
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

const (
	minPasswordLen = 8
	maxPasswordLen = 128
)

func checkPasswordPolicy(password string) error {
	n := len([]rune(password))
	if n < minPasswordLen {
		return validationError("password must be at least %d characters", minPasswordLen)
	}
	if n > maxPasswordLen {
		return validationError("password must be at most %d characters", maxPasswordLen)
	}
	return nil
}
