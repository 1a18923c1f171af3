package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"supportdesk/internal/config"
	"supportdesk/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket 令牌桶
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int, now time.Time) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: now,
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens -= 1
		return true
	}
	return false
}

// RateLimiter 按客户端限流；键来自 KeyHeader（缺省为客户端 IP）
type RateLimiter struct {
	cfg       config.RateLimitingConfig
	whitelist map[string]struct{}
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewRateLimiter 创建限流器
func NewRateLimiter(cfg config.RateLimitingConfig) *RateLimiter {
	wl := make(map[string]struct{}, len(cfg.Whitelist))
	for _, k := range cfg.Whitelist {
		if k = strings.TrimSpace(k); k != "" {
			wl[k] = struct{}{}
		}
	}
	return &RateLimiter{
		cfg:       cfg,
		whitelist: wl,
		now:       time.Now,
		buckets:   make(map[string]*tokenBucket),
	}
}

func (l *RateLimiter) key(c *gin.Context) string {
	if l.cfg.KeyHeader != "" {
		if v := c.GetHeader(l.cfg.KeyHeader); v != "" {
			// X-Forwarded-For 取第一个地址
			if strings.EqualFold(l.cfg.KeyHeader, "X-Forwarded-For") {
				return strings.TrimSpace(strings.Split(v, ",")[0])
			}
			return v
		}
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

func (l *RateLimiter) bucket(key string) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b := newBucket(l.cfg.RequestsPerMinute, l.cfg.Burst, l.now())
	l.buckets[key] = b
	return b
}

// Middleware 返回 gin 中间件；未启用时直接放行
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	if !l.cfg.Enabled || l.cfg.RequestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		key := l.key(c)
		if _, ok := l.whitelist[key]; ok {
			c.Next()
			return
		}
		if !l.bucket(key).allow(l.now()) {
			metrics.IncRateLimitDrop(routePrefix(c))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware 按配置创建限流中间件
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	return NewRateLimiter(cfg.Security.RateLimiting).Middleware()
}

// routePrefix 指标按路由前两段聚合，例如 /api/v1
func routePrefix(c *gin.Context) string {
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(parts) >= 2 {
		return "/" + parts[0] + "/" + parts[1]
	}
	return "/" + parts[0]
}
