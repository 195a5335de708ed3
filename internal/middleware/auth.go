package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relayworks/wahub/internal/auth"
	"github.com/relayworks/wahub/internal/models"
	"github.com/relayworks/wahub/internal/permissions"
)

// Context keys for claims stashed in gin.Context. Constants instead of
// inline strings so a typo fails at compile time, not as a silent nil.
const (
	ContextKeyMemberID = "member_id"
	ContextKeyTenantID = "tenant_id"
	ContextKeyRole     = "role"
)

// AuthMiddleware validates the dashboard JWT on Authorization: Bearer and
// stashes the capability claims for handlers downstream. The webhook
// endpoints do NOT go through this; providers authenticate with HMAC
// signatures, not tokens.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization header",
			})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid authorization format, expected: Bearer <token>",
			})
			return
		}

		claims, err := auth.ParseToken(parts[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		SetClaims(c, claims)
		c.Next()
	}
}

// RequirePermission gates a route on the permission matrix. It runs after
// AuthMiddleware, so the role claim is already in the context; a role
// without the capability gets 403 and the handler never runs.
func RequirePermission(permission permissions.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := GetRole(c)
		if !permissions.Has(role, permission) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "insufficient permissions",
			})
			return
		}
		c.Next()
	}
}

// SetClaims stores verified claims in the request context. Exported so the
// SSE handler, which authenticates from a query-param token instead of the
// Authorization header, can reuse the same downstream helpers.
func SetClaims(c *gin.Context, claims *auth.Claims) {
	c.Set(ContextKeyMemberID, claims.MemberID)
	c.Set(ContextKeyTenantID, claims.TenantID)
	c.Set(ContextKeyRole, claims.Role)
}

func GetMemberID(c *gin.Context) uuid.UUID {
	val, exists := c.Get(ContextKeyMemberID)
	if !exists {
		return uuid.Nil
	}
	id, ok := val.(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return id
}

func GetTenantID(c *gin.Context) uuid.UUID {
	val, exists := c.Get(ContextKeyTenantID)
	if !exists {
		return uuid.Nil
	}
	id, ok := val.(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return id
}

func GetRole(c *gin.Context) models.Role {
	val, exists := c.Get(ContextKeyRole)
	if !exists {
		return ""
	}
	role, ok := val.(models.Role)
	if !ok {
		return ""
	}
	return role
}
