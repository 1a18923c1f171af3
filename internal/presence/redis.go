// Package presence 将在线用户镜像到 Redis，供其它实例与外部系统查询。
package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"supportdesk/internal/config"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// OnlineUsersKey 在线用户哈希：field 为用户 ID，value 为上线时间
const OnlineUsersKey = "chat:online_users"

// RedisMirror 在线状态镜像；写入失败只记录日志，不影响本地注册表
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// NewRedisClient 按配置连接 Redis 并 PING
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewRedisMirror 创建镜像
func NewRedisMirror(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisMirror {
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisMirror{client: client, ttl: ttl, logger: logger}
}

// SetOnline 记录上线或下线
func (m *RedisMirror) SetOnline(ctx context.Context, userID string, online bool) error {
	if online {
		pipe := m.client.TxPipeline()
		pipe.HSet(ctx, OnlineUsersKey, userID, time.Now().UTC().Format(time.RFC3339))
		if m.ttl > 0 {
			pipe.Expire(ctx, OnlineUsersKey, m.ttl)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("mark %s online: %w", userID, err)
		}
		return nil
	}
	if err := m.client.HDel(ctx, OnlineUsersKey, userID).Err(); err != nil {
		return fmt.Errorf("mark %s offline: %w", userID, err)
	}
	return nil
}

// Listener 适配 ConnectionRegistry 的在线状态回调
func (m *RedisMirror) Listener() func(userID string, online bool) {
	return func(userID string, online bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := m.SetOnline(ctx, userID, online); err != nil {
			m.logger.WithError(err).WithField("user_id", userID).Warn("presence mirror write failed")
		}
	}
}

// OnlineUsers 返回镜像中的在线用户（升序）
func (m *RedisMirror) OnlineUsers(ctx context.Context) ([]string, error) {
	ids, err := m.client.HKeys(ctx, OnlineUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Reset 清空镜像（进程启动时调用，本实例之前的记录已失效）
func (m *RedisMirror) Reset(ctx context.Context) error {
	return m.client.Del(ctx, OnlineUsersKey).Err()
}
