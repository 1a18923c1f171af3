// Package store 定义会话/消息的持久化契约及其 gorm 实现。
package store

import (
	"context"
	"errors"
	"time"

	"supportdesk/internal/models"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrConflict 并发写冲突（例如同一会话的消息序号重复）
	ErrConflict = errors.New("write conflict")
)

// SessionFilter 会话列表查询条件
type SessionFilter struct {
	CustomerID string
	// OperatorID 同时匹配当前绑定与关闭前绑定的客服
	OperatorID       string
	Statuses         []models.SessionStatus
	ConnectionStates []models.ConnectionState
	// OldestFirst 按创建时间升序（等待队列先到先服务），否则按最近活跃降序
	OldestFirst bool
	Limit       int
}

// SessionCondition 条件更新的前置条件，全部满足才会写入
type SessionCondition struct {
	Statuses         []models.SessionStatus
	OperatorID       *string
	ConnectionStates []models.ConnectionState
	LastActiveBefore *time.Time
}

// SessionStore 会话与消息的持久化接口
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]models.Session, error)
	// UpdateSession 无条件更新，返回会话是否存在
	UpdateSession(ctx context.Context, id string, updates map[string]interface{}) (bool, error)
	// UpdateSessionIf 原子条件更新（UPDATE ... WHERE id=? AND <cond>），返回是否命中
	UpdateSessionIf(ctx context.Context, id string, cond SessionCondition, updates map[string]interface{}) (bool, error)
	// ApplyTransfer 在同一事务中完成条件更新与转接记录写入
	ApplyTransfer(ctx context.Context, id string, cond SessionCondition, updates map[string]interface{}, rec *models.TransferRecord) (bool, error)
	AcceptTransfer(ctx context.Context, sessionID, toOperatorID string, at time.Time) error
	ListTransferRecords(ctx context.Context, sessionID string) ([]models.TransferRecord, error)

	// AppendMessage 追加消息：分配会话内序号，SentAt 不早于上一条消息
	AppendMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// ListMessages 按序号倒序返回窗口 [offset, offset+limit)
	ListMessages(ctx context.Context, sessionID string, offset, limit int) ([]models.Message, error)
	LastMessage(ctx context.Context, sessionID string) (*models.Message, error)
	UpdateMessageStatusIf(ctx context.Context, id string, from []models.DeliveryStatus, to models.DeliveryStatus) (bool, error)
	// MarkMessagesRead 将会话内非 viewer 发送且未读的消息置为已读，返回被更新的消息 ID
	MarkMessagesRead(ctx context.Context, sessionID, viewerID string) ([]string, error)
	CountUnread(ctx context.Context, sessionID, viewerID string) (int64, error)

	GetUser(ctx context.Context, id string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
}
