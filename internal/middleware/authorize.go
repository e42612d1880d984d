package middleware

import (
	"github.com/gin-gonic/gin"

	"notehub/internal/models"
)

func RequireRoles(respond ErrorResponder, roles ...models.UserRole) gin.HandlerFunc {
	roleSet := make(map[models.UserRole]struct{}, len(roles))
	for _, role := range roles {
		roleSet[role] = struct{}{}
	}

	return func(c *gin.Context) {
		principal, ok := CurrentPrincipal(c)
		if !ok {
			respond(c, ErrMissingCredentials)
			return
		}
		if _, ok := roleSet[principal.Role]; !ok {
			respond(c, ErrForbidden)
			return
		}
		c.Next()
	}
}
