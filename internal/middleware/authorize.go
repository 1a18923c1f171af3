package middleware

import (
	"net/http"

	"supportdesk/internal/models"

	"github.com/gin-gonic/gin"
)

// RequireRolesAny 要求调用方至少具备其中一个角色（由 AuthMiddleware 注入）
func RequireRolesAny(required ...models.Role) gin.HandlerFunc {
	reqSet := make(map[models.Role]struct{}, len(required))
	for _, r := range required {
		reqSet[r] = struct{}{}
	}
	return func(c *gin.Context) {
		if id, ok := IdentityFrom(c); ok {
			if _, ok := reqSet[id.Role]; ok {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "Forbidden",
			"message": "insufficient role",
		})
	}
}
