// Package events 发布会话生命周期与消息相关的领域事件。
package events

import (
	"context"
	"time"
)

// 领域事件类型
const (
	SessionCreated       = "session.created"
	SessionClaimed       = "session.claimed"
	SessionAssigned      = "session.assigned"
	SessionClosed        = "session.closed"
	SessionReopened      = "session.reopened"
	SessionTransferred   = "session.transferred"
	SessionIdle          = "session.idle"
	MessageSent          = "message.sent"
	MessageStatusChanged = "message.status_changed"
	UserPresenceChanged  = "user.presence_changed"
)

// Event 领域事件
type Event struct {
	Type       string                 `json:"type"`
	SessionID  string                 `json:"session_id,omitempty"`
	ActorID    string                 `json:"actor_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Publisher 事件发布接口；实现必须可并发调用
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher 丢弃所有事件
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// New 构造事件，补齐发生时间
func New(typ, sessionID, actorID string, payload map[string]interface{}) Event {
	return Event{
		Type:       typ,
		SessionID:  sessionID,
		ActorID:    actorID,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}
