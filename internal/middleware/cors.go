package middleware

import (
	"net/http"
	"strings"

	"supportdesk/internal/config"

	"github.com/gin-gonic/gin"
)

// CORS 跨域中间件；未启用时使用宽松默认值
func CORS(cfg config.CORSConfig) gin.HandlerFunc {
	allowedOrigins := "*"
	allowedMethods := "GET, POST, PUT, DELETE, OPTIONS"
	allowedHeaders := "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization"
	if cfg.Enabled {
		if len(cfg.AllowedOrigins) > 0 {
			allowedOrigins = strings.Join(cfg.AllowedOrigins, ", ")
		}
		if len(cfg.AllowedMethods) > 0 {
			allowedMethods = strings.Join(cfg.AllowedMethods, ", ")
		}
		if len(cfg.AllowedHeaders) > 0 {
			allowedHeaders = strings.Join(cfg.AllowedHeaders, ", ")
		}
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowedOrigins)
		c.Header("Access-Control-Allow-Methods", allowedMethods)
		c.Header("Access-Control-Allow-Headers", allowedHeaders)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
