package models

import (
	"time"
)

// Role 用户角色（封闭枚举）
type Role string

const (
	RoleCustomer Role = "customer"
	RoleOperator Role = "operator"
)

// ParseRole 解析角色字符串，只接受已知角色
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleCustomer:
		return RoleCustomer, true
	case RoleOperator:
		return RoleOperator, true
	default:
		return "", false
	}
}

// SessionStatus 会话状态
type SessionStatus string

const (
	SessionWaiting     SessionStatus = "waiting"
	SessionActive      SessionStatus = "active"
	SessionClosed      SessionStatus = "closed"
	SessionTransferred SessionStatus = "transferred"
)

// HasOperator 该状态下会话必须绑定客服
func (s SessionStatus) HasOperator() bool {
	return s == SessionActive || s == SessionTransferred
}

// ConnectionState 会话绑定连接的最近活跃状态
type ConnectionState string

const (
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionIdle         ConnectionState = "idle"
)

// DeliveryStatus 消息投递状态
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// ParseDeliveryStatus 解析投递状态
func ParseDeliveryStatus(s string) (DeliveryStatus, bool) {
	switch DeliveryStatus(s) {
	case DeliverySent, DeliveryDelivered, DeliveryRead, DeliveryFailed:
		return DeliveryStatus(s), true
	default:
		return "", false
	}
}

func (s DeliveryStatus) rank() int {
	switch s {
	case DeliverySent:
		return 0
	case DeliveryDelivered:
		return 1
	case DeliveryRead:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo 只允许向前推进：sent→delivered→read，failed 只能由 sent 到达且为终态
func (s DeliveryStatus) CanAdvanceTo(next DeliveryStatus) bool {
	if next == DeliveryFailed {
		return s == DeliverySent
	}
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 {
		return false
	}
	return to > from
}

// PredecessorsOf 返回可以推进到 next 的所有状态
func PredecessorsOf(next DeliveryStatus) []DeliveryStatus {
	var out []DeliveryStatus
	for _, s := range []DeliveryStatus{DeliverySent, DeliveryDelivered, DeliveryRead, DeliveryFailed} {
		if s.CanAdvanceTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// User 用户（由外部身份服务维护，本服务只读）
type User struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	Username    string    `gorm:"uniqueIndex;size:128;not null" json:"username"`
	DisplayName string    `gorm:"size:128" json:"display_name"`
	Role        Role      `gorm:"size:20;not null;default:'customer'" json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Session 客服会话
type Session struct {
	ID                string          `gorm:"primaryKey;size:64" json:"id"`
	CustomerID        string          `gorm:"index;size:64;not null" json:"customer_id"`
	OperatorID        *string         `gorm:"index;size:64" json:"operator_id"`
	LastOperatorID    *string         `gorm:"index;size:64" json:"last_operator_id,omitempty"`
	Status            SessionStatus   `gorm:"index;size:20;not null;default:'waiting'" json:"status"`
	ChannelType       string          `gorm:"size:20" json:"channel_type"`
	ConnectionState   ConnectionState `gorm:"size:30" json:"connection_state"`
	InactivityTimeout int             `gorm:"default:1800" json:"inactivity_timeout"` // 秒
	CreatedAt         time.Time       `gorm:"index" json:"created_at"`
	ClosedAt          *time.Time      `json:"closed_at"`
	LastActiveAt      time.Time       `json:"last_active_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Message 会话消息
type Message struct {
	ID             string         `gorm:"primaryKey;size:64" json:"id"`
	SessionID      string         `gorm:"size:64;not null;uniqueIndex:idx_messages_session_seq,priority:1" json:"session_id"`
	Seq            int64          `gorm:"not null;uniqueIndex:idx_messages_session_seq,priority:2" json:"seq"`
	SenderID       string         `gorm:"index;size:64;not null" json:"sender_id"`
	Content        string         `gorm:"type:text;not null" json:"content"`
	SourcePlatform string         `gorm:"size:20" json:"source_platform"`
	SentAt         time.Time      `json:"sent_at"`
	DeliveryStatus DeliveryStatus `gorm:"size:20;not null;default:'sent'" json:"delivery_status"`
}

// TransferRecord 会话转接记录
type TransferRecord struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	SessionID      string     `gorm:"index;size:64;not null" json:"session_id"`
	FromOperatorID *string    `gorm:"size:64" json:"from_operator_id"`
	ToOperatorID   string     `gorm:"size:64;not null" json:"to_operator_id"`
	Reason         string     `json:"reason"`
	Notes          string     `gorm:"type:text" json:"notes"`
	TransferredAt  time.Time  `json:"transferred_at"`
	AcceptedAt     *time.Time `json:"accepted_at"`
}

// AllModels 迁移用
func AllModels() []interface{} {
	return []interface{}{&User{}, &Session{}, &Message{}, &TransferRecord{}}
}
