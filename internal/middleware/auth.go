package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"notehub/internal/models"
	"notehub/internal/security"
)

const principalKey = "principal"

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInsufficientScope  = errors.New("insufficient scope")
	ErrForbidden          = errors.New("forbidden")
	ErrRateLimited        = errors.New("rate limited")
)

// ErrorResponder writes the error response and aborts the chain.
type ErrorResponder func(c *gin.Context, err error)

type accessAuthenticator interface {
	Authenticate(accessToken string) (models.Principal, error)
}

type apiTokenValidator interface {
	Validate(ctx context.Context, rawToken string) (models.Principal, error)
}

// Auth accepts access tokens only.
func Auth(sessions accessAuthenticator, respond ErrorResponder) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			respond(c, ErrMissingCredentials)
			return
		}
		principal, err := sessions.Authenticate(token)
		if err != nil {
			respond(c, err)
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

// ServiceAuth accepts an API token or an access token. Anything carrying the
// API token prefix is treated as an API token, malformed or not.
func ServiceAuth(sessions accessAuthenticator, tokens apiTokenValidator, respond ErrorResponder) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			respond(c, ErrMissingCredentials)
			return
		}

		var (
			principal models.Principal
			err       error
		)
		if strings.HasPrefix(token, security.APITokenPrefix) {
			principal, err = tokens.Validate(c.Request.Context(), token)
		} else {
			principal, err = sessions.Authenticate(token)
		}
		if err != nil {
			respond(c, err)
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireScope only restricts API-token callers.
func RequireScope(scope models.APITokenScope, respond ErrorResponder) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := CurrentPrincipal(c)
		if !ok {
			respond(c, ErrMissingCredentials)
			return
		}
		if !principal.Allows(scope) {
			respond(c, ErrInsufficientScope)
			return
		}
		c.Next()
	}
}

func CurrentPrincipal(c *gin.Context) (models.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return models.Principal{}, false
	}
	principal, ok := v.(models.Principal)
	return principal, ok
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}
