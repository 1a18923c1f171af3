package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"supportdesk/internal/auth"
	"supportdesk/internal/models"

	"github.com/gin-gonic/gin"
)

// gin.Context 中的身份键
const (
	ContextUserID = "user_id"
	ContextRole   = "role"
)

// Authenticator 校验凭证并返回身份
type Authenticator interface {
	Authenticate(ctx context.Context, credentials string) (*auth.Identity, error)
}

// AuthMiddleware 要求 Authorization: Bearer <jwt>，成功后注入 user_id 与 role
func AuthMiddleware(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ah := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "missing bearer token",
			})
			return
		}
		token := strings.TrimSpace(ah[len("Bearer "):])
		if token == "" || authn == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "invalid token or server misconfig",
			})
			return
		}
		id, err := authn.Authenticate(c.Request.Context(), token)
		if err != nil {
			status := http.StatusUnauthorized
			if !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrUnknownUser) {
				status = http.StatusServiceUnavailable
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error":   http.StatusText(status),
				"message": err.Error(),
			})
			return
		}
		c.Set(ContextUserID, id.UserID)
		c.Set(ContextRole, id.Role)
		c.Next()
	}
}

// IdentityFrom 读取 AuthMiddleware 注入的身份
func IdentityFrom(c *gin.Context) (auth.Identity, bool) {
	uid := c.GetString(ContextUserID)
	if uid == "" {
		return auth.Identity{}, false
	}
	role, _ := c.Get(ContextRole)
	r, _ := role.(models.Role)
	return auth.Identity{UserID: uid, Role: r}, true
}
