package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"trading-core/internal/domain"
	"trading-core/internal/session"
)

const (
	userContextKey = "UserID"
	roleContextKey = "Role"
)

// AuthMiddleware enforces bearer-token auth for protected routes, resolving
// the principal through the Session Gateway.
func AuthMiddleware(gw *session.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{Message: "missing Authorization header"})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{Message: "invalid Authorization header"})
			return
		}

		principal, err := gw.ParseAccessToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{Message: "invalid or expired token"})
			return
		}

		c.Set(userContextKey, principal.UserID)
		c.Set(roleContextKey, principal.Role)
		c.Next()
	}
}

// RequireAdmin rejects non-admin callers; mount after AuthMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		role := CurrentRole(c)
		if role != domain.RoleAdmin && role != domain.RoleSuperAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, envelope{Message: "admin role required"})
			return
		}
		c.Next()
	}
}

// CurrentUserID returns the authenticated user ID from context.
func CurrentUserID(c *gin.Context) string {
	if v, ok := c.Get(userContextKey); ok {
		if id, okCast := v.(string); okCast {
			return id
		}
	}
	return ""
}

// CurrentRole returns the authenticated principal's role from context.
func CurrentRole(c *gin.Context) domain.Role {
	if v, ok := c.Get(roleContextKey); ok {
		if r, okCast := v.(domain.Role); okCast {
			return r
		}
	}
	return ""
}
