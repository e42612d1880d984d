package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"notehub/internal/middleware"
	"notehub/internal/repository"
	"notehub/internal/security"
	"notehub/internal/service"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type errorMapping struct {
	err     error
	status  int
	code    string
	message string
}

// errorTable is the single translation from domain errors to responses.
// Order matters: the first match wins. Authentication and reset failures use
// one message per context whatever the internal cause.
var errorTable = []errorMapping{
	{service.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials", "Invalid username or password"},
	{service.ErrAccountDeactivated, http.StatusForbidden, "account_deactivated", "This account has been deactivated"},
	{service.ErrInvalidRefreshToken, http.StatusUnauthorized, "invalid_refresh_token", "Invalid refresh token"},
	{service.ErrRefreshTokenExpired, http.StatusUnauthorized, "refresh_token_expired", "Refresh token has expired"},
	{security.ErrInvalidOrExpired, http.StatusUnauthorized, "invalid_token", "Invalid or expired token"},

	{service.ErrUserNotFound, http.StatusNotFound, "user_not_found", "User not found"},
	{service.ErrServiceAccountsCannotChangePassword, http.StatusForbidden, "service_account", "Service accounts cannot change their password"},
	{service.ErrIncorrectPassword, http.StatusBadRequest, "incorrect_password", "Current password is incorrect"},
	{service.ErrInvalidOrExpiredResetToken, http.StatusBadRequest, "invalid_reset_token", "Invalid or expired reset token"},

	{service.ErrInvalidTokenFormat, http.StatusUnauthorized, "invalid_token_format", "Malformed API token"},
	{service.ErrInvalidAPIToken, http.StatusUnauthorized, "invalid_token", "Invalid API token"},
	{service.ErrTokenRevoked, http.StatusUnauthorized, "token_revoked", "API token has been revoked"},
	{service.ErrTokenExpired, http.StatusUnauthorized, "token_expired", "API token has expired"},
	{service.ErrUserInactive, http.StatusForbidden, "user_inactive", "Token owner is inactive"},
	{service.ErrTokenCapReached, http.StatusConflict, "token_cap_reached", "API token limit reached; revoke an existing token first"},
	{service.ErrAlreadyRevoked, http.StatusConflict, "already_revoked", "API token is already revoked"},

	{service.ErrNotFound, http.StatusNotFound, "not_found", "Resource not found"},
	{repository.ErrNotFound, http.StatusNotFound, "not_found", "Resource not found"},

	{middleware.ErrMissingCredentials, http.StatusUnauthorized, "missing_token", "Authentication required"},
	{middleware.ErrInsufficientScope, http.StatusForbidden, "insufficient_scope", "Token scope does not allow this operation"},
	{middleware.ErrForbidden, http.StatusForbidden, "forbidden", "You do not have access to this resource"},
	{middleware.ErrRateLimited, http.StatusTooManyRequests, "rate_limited", "Too many requests, try again later"},
}

func lookupError(err error) (errorMapping, bool) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return m, true
		}
	}
	return errorMapping{}, false
}

// respondError writes the mapped response and aborts. Unmapped errors are
// logged with full detail and answered with a bare 500.
func (h HandlerSet) respondError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrValidation) {
		message := strings.TrimPrefix(err.Error(), service.ErrValidation.Error()+": ")
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "validation_error", Message: message})
		return
	}

	if m, ok := lookupError(err); ok {
		c.AbortWithStatusJSON(m.status, errorResponse{Error: m.code, Message: m.message})
		return
	}

	h.log.Error().Err(err).
		Str("route", c.FullPath()).
		Str("request_id", middleware.RequestIDFrom(c)).
		Msg("unhandled error")
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{
		Error:   "internal_error",
		Message: "An unexpected error occurred",
	})
}

func (h HandlerSet) respondBindError(c *gin.Context, err error) {
	h.log.Debug().Err(err).Str("route", c.FullPath()).Msg("request body rejected")
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "validation_error", Message: "Invalid request body"})
}
