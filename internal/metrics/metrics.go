// Package metrics 进程内计数器，供 /metrics 导出。
package metrics

import (
	"sync"
	"sync/atomic"
)

type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

type chatStats struct {
	messagesSent     uint64
	broadcastEvents  uint64
	broadcastDrops   uint64
	claimConflicts   uint64
	sessionsCreated  uint64
	connectionsOpen  int64
	connectionsTotal uint64
	commandErrors    uint64
}

var (
	rl   rateLimitStats
	chat chatStats
)

// IncRateLimitDrop 记录一次限流拒绝；prefix 为空记为 global
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
}

// RateLimitSnapshot 限流计数快照
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}

func IncMessagesSent()    { atomic.AddUint64(&chat.messagesSent, 1) }
func IncSessionsCreated() { atomic.AddUint64(&chat.sessionsCreated, 1) }
func IncClaimConflict()   { atomic.AddUint64(&chat.claimConflicts, 1) }
func IncCommandError()    { atomic.AddUint64(&chat.commandErrors, 1) }

// AddBroadcast 记录一次扇出：送达的连接数与被丢弃的连接数
func AddBroadcast(delivered, dropped int) {
	atomic.AddUint64(&chat.broadcastEvents, uint64(delivered))
	atomic.AddUint64(&chat.broadcastDrops, uint64(dropped))
}

// ConnectionOpened 连接建立
func ConnectionOpened() {
	atomic.AddInt64(&chat.connectionsOpen, 1)
	atomic.AddUint64(&chat.connectionsTotal, 1)
}

// ConnectionClosed 连接关闭
func ConnectionClosed() { atomic.AddInt64(&chat.connectionsOpen, -1) }

// Snapshot 全部计数器快照
type Snapshot struct {
	MessagesSent     uint64            `json:"messages_sent"`
	SessionsCreated  uint64            `json:"sessions_created"`
	BroadcastEvents  uint64            `json:"broadcast_events"`
	BroadcastDrops   uint64            `json:"broadcast_drops"`
	ClaimConflicts   uint64            `json:"claim_conflicts"`
	CommandErrors    uint64            `json:"command_errors"`
	ConnectionsOpen  int64             `json:"connections_open"`
	ConnectionsTotal uint64            `json:"connections_total"`
	RateLimitDrops   uint64            `json:"rate_limit_drops"`
	RateLimitByKey   map[string]uint64 `json:"rate_limit_by_prefix"`
}

// Take 读取快照
func Take() Snapshot {
	total, by := RateLimitSnapshot()
	return Snapshot{
		MessagesSent:     atomic.LoadUint64(&chat.messagesSent),
		SessionsCreated:  atomic.LoadUint64(&chat.sessionsCreated),
		BroadcastEvents:  atomic.LoadUint64(&chat.broadcastEvents),
		BroadcastDrops:   atomic.LoadUint64(&chat.broadcastDrops),
		ClaimConflicts:   atomic.LoadUint64(&chat.claimConflicts),
		CommandErrors:    atomic.LoadUint64(&chat.commandErrors),
		ConnectionsOpen:  atomic.LoadInt64(&chat.connectionsOpen),
		ConnectionsTotal: atomic.LoadUint64(&chat.connectionsTotal),
		RateLimitDrops:   total,
		RateLimitByKey:   by,
	}
}
