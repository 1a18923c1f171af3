package handlers

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"supportdesk/internal/metrics"
	"supportdesk/internal/version"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// EventStats 事件投递统计（events.Dispatcher）
type EventStats interface {
	Stats() map[string]interface{}
}

// MetricsHandler Prometheus 文本格式指标
type MetricsHandler struct {
	ws        StatsProvider
	events    EventStats
	db        *gorm.DB
	startedAt time.Time
}

// NewMetricsHandler 创建指标处理器；各依赖均可为 nil
func NewMetricsHandler(ws StatsProvider, events EventStats, db *gorm.DB) *MetricsHandler {
	return &MetricsHandler{ws: ws, events: events, db: db, startedAt: time.Now()}
}

// GetMetrics 导出计数器
func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	c.Header("Content-Type", "text/plain; version=0.0.4")
	snap := metrics.Take()

	b := &strings.Builder{}
	v := strings.ReplaceAll(version.Version, "\"", "\\\"")
	cmt := strings.ReplaceAll(version.Commit, "\"", "\\\"")
	writeMetric(b, "supportdesk_info", "gauge", "Build information", fmt.Sprintf("{version=\"%s\",commit=\"%s\"} 1", v, cmt))
	writeMetric(b, "supportdesk_uptime_seconds", "counter", "Process uptime in seconds", fmt.Sprintf(" %.0f", time.Since(h.startedAt).Seconds()))

	writeMetric(b, "supportdesk_messages_sent_total", "counter", "Messages persisted", fmt.Sprintf(" %d", snap.MessagesSent))
	writeMetric(b, "supportdesk_sessions_created_total", "counter", "Sessions created", fmt.Sprintf(" %d", snap.SessionsCreated))
	writeMetric(b, "supportdesk_claim_conflicts_total", "counter", "Claims rejected because another operator won", fmt.Sprintf(" %d", snap.ClaimConflicts))
	writeMetric(b, "supportdesk_broadcast_deliveries_total", "counter", "Events pushed to connections", fmt.Sprintf(" %d", snap.BroadcastEvents))
	writeMetric(b, "supportdesk_broadcast_drops_total", "counter", "Pushes dropped because a connection failed", fmt.Sprintf(" %d", snap.BroadcastDrops))
	writeMetric(b, "supportdesk_command_errors_total", "counter", "Realtime commands answered with an error", fmt.Sprintf(" %d", snap.CommandErrors))
	writeMetric(b, "supportdesk_websocket_active_connections", "gauge", "Open realtime connections", fmt.Sprintf(" %d", snap.ConnectionsOpen))
	writeMetric(b, "supportdesk_websocket_connections_total", "counter", "Realtime connections accepted", fmt.Sprintf(" %d", snap.ConnectionsTotal))

	fmt.Fprintf(b, "# HELP supportdesk_rate_limit_dropped_total Requests rejected by the rate limiter\n")
	fmt.Fprintf(b, "# TYPE supportdesk_rate_limit_dropped_total counter\n")
	keys := make([]string, 0, len(snap.RateLimitByKey))
	for k := range snap.RateLimitByKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "supportdesk_rate_limit_dropped_total{prefix=\"%s\"} %d\n", k, snap.RateLimitByKey[k])
	}
	b.WriteString("\n")

	if h.ws != nil {
		if n, ok := h.ws.Stats()["online_users"].(int); ok {
			writeMetric(b, "supportdesk_online_users", "gauge", "Users with at least one connection", fmt.Sprintf(" %d", n))
		}
	}
	if h.events != nil {
		st := h.events.Stats()
		for _, k := range []string{"published", "dropped", "failed"} {
			if n, ok := st[k].(int64); ok {
				writeMetric(b, "supportdesk_events_"+k+"_total", "counter", "Domain events "+k, fmt.Sprintf(" %d", n))
			}
		}
	}

	writeMetric(b, "supportdesk_go_goroutines", "gauge", "Number of goroutines", fmt.Sprintf(" %d", runtime.NumGoroutine()))

	if h.db != nil {
		if sqlDB, err := h.db.DB(); err == nil {
			ds := sqlDB.Stats()
			writeMetric(b, "supportdesk_db_open_connections", "gauge", "Established database connections", fmt.Sprintf(" %d", ds.OpenConnections))
			writeMetric(b, "supportdesk_db_wait_count", "counter", "Connections waited for", fmt.Sprintf(" %d", ds.WaitCount))
		}
	}

	c.String(200, b.String())
}

func writeMetric(b *strings.Builder, name, typ, help, sample string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	fmt.Fprintf(b, "%s%s\n\n", name, sample)
}
