package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"supportdesk/internal/version"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthHandler 健康与就绪检查
type HealthHandler struct {
	db        *gorm.DB
	redis     *redis.Client
	ws        StatsProvider
	logger    *logrus.Logger
	startedAt time.Time
}

// StatsProvider 连接层统计
type StatsProvider interface {
	Stats() map[string]interface{}
}

// NewHealthHandler 创建健康检查处理器；redis 与 ws 可为 nil
func NewHealthHandler(db *gorm.DB, redisClient *redis.Client, ws StatsProvider, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HealthHandler{
		db:        db,
		redis:     redisClient,
		ws:        ws,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 依赖状态
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 进程信息
type SystemInfo struct {
	Uptime     string `json:"uptime"`
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
}

// Health 健康检查：依赖异常时返回 degraded，但仍为 200
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   version.Version,
		Timestamp: time.Now(),
		Services:  h.checkAll(ctx),
		System: SystemInfo{
			Uptime:     time.Since(h.startedAt).Round(time.Second).String(),
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
		},
	}
	for _, s := range response.Services {
		if s.Status != "healthy" {
			response.Status = "degraded"
		}
	}
	if h.ws != nil {
		response.Services["websocket"] = ServiceInfo{Status: "healthy", Details: h.ws.Stats()}
	}
	c.JSON(http.StatusOK, response)
}

// Ready 就绪检查：数据库（及启用的 Redis）不可用时返回 503
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := true
	services := make(map[string]string)
	for name, s := range h.checkAll(ctx) {
		if s.Status == "healthy" {
			services[name] = "ready"
			continue
		}
		services[name] = "not_ready"
		ready = false
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now(),
		"services":  services,
	})
}

func (h *HealthHandler) checkAll(ctx context.Context) map[string]ServiceInfo {
	out := map[string]ServiceInfo{"database": h.checkDatabase(ctx)}
	if h.redis != nil {
		out["redis"] = h.checkRedis(ctx)
	}
	return out
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	start := time.Now()
	if h.db == nil {
		return ServiceInfo{Status: "unhealthy", Error: "database connection not initialized"}
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		h.logger.WithError(err).Warn("database health check failed")
		return ServiceInfo{Status: "unhealthy", Error: err.Error(), Latency: time.Since(start).String()}
	}
	st := sqlDB.Stats()
	return ServiceInfo{
		Status:  "healthy",
		Latency: time.Since(start).String(),
		Details: map[string]interface{}{
			"driver":           h.db.Dialector.Name(),
			"open_connections": st.OpenConnections,
			"in_use":           st.InUse,
		},
	}
}

func (h *HealthHandler) checkRedis(ctx context.Context) ServiceInfo {
	start := time.Now()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		h.logger.WithError(err).Warn("redis health check failed")
		return ServiceInfo{Status: "unhealthy", Error: err.Error(), Latency: time.Since(start).String()}
	}
	return ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
}
