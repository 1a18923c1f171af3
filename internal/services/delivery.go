package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"supportdesk/internal/auth"
	"supportdesk/internal/events"
	"supportdesk/internal/metrics"
	"supportdesk/internal/models"
	"supportdesk/internal/observability"
	"supportdesk/internal/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// 历史分页上下限
const (
	MinHistoryPageSize     = 1
	MaxHistoryPageSize     = 100
	DefaultHistoryPageSize = 50

	// MaxHistoryPage 保证 (page-1)*pageSize 不溢出；更大的页码一定越过末尾
	MaxHistoryPage = math.MaxInt32 / MaxHistoryPageSize
)

// Transport 实时连接的推送通道
type Transport interface {
	// SendTo 推送给单个连接；不得阻塞，慢连接返回错误
	SendTo(connID string, e Event) error
	// Broadcast 推送给所有连接
	Broadcast(e Event)
}

// ActivityToucher 刷新会话活跃时间
type ActivityToucher interface {
	TouchActivity(ctx context.Context, sessionID string)
}

// MessageView 带发送者身份的消息，用于推送与接口返回
type MessageView struct {
	ID             string                `json:"id"`
	SessionID      string                `json:"session_id"`
	Seq            int64                 `json:"seq"`
	SenderID       string                `json:"sender_id"`
	SenderName     string                `json:"sender_name"`
	SenderRole     models.Role           `json:"sender_role"`
	Content        string                `json:"content"`
	SourcePlatform string                `json:"source_platform"`
	SentAt         time.Time             `json:"sent_at"`
	DeliveryStatus models.DeliveryStatus `json:"delivery_status"`
}

// BroadcastResult 一次扇出的结果
type BroadcastResult struct {
	Delivered int
	Dropped   int
	// ReachedOthers 至少送达了一个非发送者的连接
	ReachedOthers bool
}

// DeliveryEngine 消息持久化、扇出与投递状态跟踪。
// 同一会话的写入与广播由会话级锁串行化，保证持久化顺序即推送顺序。
type DeliveryEngine struct {
	store     store.SessionStore
	registry  *ConnectionRegistry
	activity  ActivityToucher
	auth      AuthProvider
	publisher events.Publisher
	logger    *logrus.Logger

	transport Transport
	locks     *keyedMutex
	now       func() time.Time
}

// NewDeliveryEngine 创建投递引擎
func NewDeliveryEngine(st store.SessionStore, registry *ConnectionRegistry, activity ActivityToucher, authProvider AuthProvider, publisher events.Publisher, logger *logrus.Logger) *DeliveryEngine {
	if logger == nil {
		logger = logrus.New()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &DeliveryEngine{
		store:     st,
		registry:  registry,
		activity:  activity,
		auth:      authProvider,
		publisher: publisher,
		logger:    logger,
		locks:     newKeyedMutex(),
		now:       time.Now,
	}
}

// SetTransport 设置推送通道（WebSocketHub）
func (d *DeliveryEngine) SetTransport(t Transport) { d.transport = t }

// SendMessage 持久化一条消息并返回带发送者身份的视图
func (d *DeliveryEngine) SendMessage(ctx context.Context, sessionID, senderID, content string) (*MessageView, error) {
	unlock := d.locks.Lock(sessionID)
	defer unlock()
	return d.sendLocked(ctx, sessionID, senderID, content)
}

// Publish 持久化并广播；送达其他用户的连接后推进为 delivered
func (d *DeliveryEngine) Publish(ctx context.Context, sessionID, senderID, content string) (*MessageView, error) {
	unlock := d.locks.Lock(sessionID)
	view, err := d.sendLocked(ctx, sessionID, senderID, content)
	if err != nil {
		unlock()
		return nil, err
	}
	res := d.broadcastLocked(sessionID, senderID, NewEvent(EventReceiveMessage, sessionID, *view))
	unlock()

	if res.ReachedOthers {
		ok, err := d.UpdateDeliveryStatus(ctx, view.ID, models.DeliveryDelivered)
		if err != nil {
			d.logger.WithError(err).WithField("message_id", view.ID).Warn("advance to delivered failed")
		} else if ok {
			view.DeliveryStatus = models.DeliveryDelivered
		}
	}
	return view, nil
}

func (d *DeliveryEngine) sendLocked(ctx context.Context, sessionID, senderID, content string) (*MessageView, error) {
	ctx, span := observability.Tracer().Start(ctx, "DeliveryEngine.SendMessage")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	if strings.TrimSpace(content) == "" {
		return nil, ErrInvalidContent
	}
	if senderID == "" {
		return nil, fmt.Errorf("%w: sender id is required", ErrInvalidInput)
	}
	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return nil, transient("load session", err)
	}
	if sess.Status == models.SessionClosed {
		return nil, ErrSessionClosed
	}
	sender, err := d.senderInfo(ctx, senderID)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		SenderID:       senderID,
		Content:        content,
		SourcePlatform: sess.ChannelType,
		SentAt:         d.now().UTC(),
		DeliveryStatus: models.DeliverySent,
	}
	if err := d.store.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return nil, transient("append message", err)
	}
	metrics.IncMessagesSent()
	if d.activity != nil {
		d.activity.TouchActivity(ctx, sessionID)
	}

	d.emit(ctx, events.MessageSent, sessionID, senderID, map[string]interface{}{
		"message_id": msg.ID,
		"seq":        msg.Seq,
	})
	view := toView(msg, sender)
	return &view, nil
}

// Broadcast 将消息推送给会话分组内的全部连接（含发送者的其它标签页）
func (d *DeliveryEngine) Broadcast(sessionID string, view MessageView) BroadcastResult {
	unlock := d.locks.Lock(sessionID)
	defer unlock()
	return d.broadcastLocked(sessionID, view.SenderID, NewEvent(EventReceiveMessage, sessionID, view))
}

// BroadcastEvent 向会话分组推送任意事件
func (d *DeliveryEngine) BroadcastEvent(sessionID string, e Event) BroadcastResult {
	unlock := d.locks.Lock(sessionID)
	defer unlock()
	return d.broadcastLocked(sessionID, "", e)
}

// broadcastLocked 单个连接失败只影响该连接：从分组移除并继续
func (d *DeliveryEngine) broadcastLocked(group, senderID string, e Event) BroadcastResult {
	var res BroadcastResult
	if d.transport == nil {
		return res
	}
	for _, connID := range d.registry.ConnectionsForSession(group) {
		if err := d.transport.SendTo(connID, e); err != nil {
			res.Dropped++
			d.registry.LeaveGroup(connID, group)
			d.logger.WithFields(logrus.Fields{
				"connection_id": connID,
				"group":         group,
			}).WithError(err).Warn("push failed, connection removed from group")
			continue
		}
		res.Delivered++
		if senderID != "" {
			if uid, ok := d.registry.UserIDFor(connID); ok && uid != senderID {
				res.ReachedOthers = true
			}
		}
	}
	metrics.AddBroadcast(res.Delivered, res.Dropped)
	return res
}

// SubscribeWithHistory 在会话锁内读取历史、推送给调用方并加入分组，
// 之后的实时消息一定排在这份历史之后
func (d *DeliveryEngine) SubscribeWithHistory(ctx context.Context, connID, sessionID string, pageSize int) ([]MessageView, error) {
	unlock := d.locks.Lock(sessionID)
	defer unlock()

	history, err := d.HistoryFor(ctx, sessionID, 1, pageSize)
	if err != nil {
		return nil, err
	}
	if d.transport != nil {
		if err := d.transport.SendTo(connID, NewEvent(EventMessageHistory, sessionID, history)); err != nil {
			return nil, fmt.Errorf("push history: %w: %w", ErrTransient, err)
		}
	}
	d.registry.JoinGroup(connID, sessionID)
	return history, nil
}

// HistoryFor 取最近的 pageSize 条为第 1 页，页内按发送顺序升序
func (d *DeliveryEngine) HistoryFor(ctx context.Context, sessionID string, page, pageSize int) ([]MessageView, error) {
	if _, err := d.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return nil, transient("load session", err)
	}
	page, pageSize = ClampPage(page, pageSize)

	msgs, err := d.store.ListMessages(ctx, sessionID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, transient("list messages", err)
	}

	senders := make(map[string]*auth.UserInfo)
	out := make([]MessageView, len(msgs))
	for i := range msgs {
		m := &msgs[len(msgs)-1-i]
		info, ok := senders[m.SenderID]
		if !ok {
			info = d.senderInfoOrPlaceholder(ctx, m.SenderID)
			senders[m.SenderID] = info
		}
		out[i] = toView(m, info)
	}
	return out, nil
}

// ClampPage 规范化分页参数
func ClampPage(page, pageSize int) (int, int) {
	switch {
	case page < 1:
		page = 1
	case page > MaxHistoryPage:
		page = MaxHistoryPage
	}
	switch {
	case pageSize < MinHistoryPageSize:
		pageSize = MinHistoryPageSize
	case pageSize > MaxHistoryPageSize:
		pageSize = MaxHistoryPageSize
	}
	return page, pageSize
}

// UpdateDeliveryStatus 只允许向前推进；消息不存在或回退时返回 false
func (d *DeliveryEngine) UpdateDeliveryStatus(ctx context.Context, messageID string, next models.DeliveryStatus) (bool, error) {
	if _, ok := models.ParseDeliveryStatus(string(next)); !ok {
		return false, fmt.Errorf("%w: unknown delivery status %q", ErrInvalidInput, next)
	}
	msg, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, transient("load message", err)
	}
	if !msg.DeliveryStatus.CanAdvanceTo(next) {
		return false, nil
	}
	ok, err := d.store.UpdateMessageStatusIf(ctx, messageID, models.PredecessorsOf(next), next)
	if err != nil {
		return false, transient("update delivery status", err)
	}
	if ok {
		d.emit(ctx, events.MessageStatusChanged, msg.SessionID, "", map[string]interface{}{
			"message_id": messageID,
			"from":       msg.DeliveryStatus,
			"to":         next,
		})
	}
	return ok, nil
}

// GetMessage 查询单条消息
func (d *DeliveryEngine) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	m, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
		}
		return nil, transient("load message", err)
	}
	return m, nil
}

// MarkRead 将 viewer 未读的对方消息全部置为已读，返回被更新的消息 ID
func (d *DeliveryEngine) MarkRead(ctx context.Context, sessionID, viewerID string) ([]string, error) {
	if _, err := d.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return nil, transient("load session", err)
	}
	ids, err := d.store.MarkMessagesRead(ctx, sessionID, viewerID)
	if err != nil {
		return nil, transient("mark read", err)
	}
	if len(ids) > 0 {
		d.emit(ctx, events.MessageStatusChanged, sessionID, viewerID, map[string]interface{}{
			"message_ids": ids,
			"to":          models.DeliveryRead,
		})
	}
	return ids, nil
}

// UnreadCount viewer 在会话中的未读数
func (d *DeliveryEngine) UnreadCount(ctx context.Context, sessionID, viewerID string) (int64, error) {
	n, err := d.store.CountUnread(ctx, sessionID, viewerID)
	if err != nil {
		return 0, transient("count unread", err)
	}
	return n, nil
}

// LastMessage 会话最后一条消息；没有消息时返回 nil
func (d *DeliveryEngine) LastMessage(ctx context.Context, sessionID string) (*MessageView, error) {
	m, err := d.store.LastMessage(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, transient("last message", err)
	}
	view := toView(m, d.senderInfoOrPlaceholder(ctx, m.SenderID))
	return &view, nil
}

func (d *DeliveryEngine) senderInfo(ctx context.Context, senderID string) (*auth.UserInfo, error) {
	if d.auth == nil {
		return &auth.UserInfo{ID: senderID, DisplayName: senderID}, nil
	}
	info, err := d.auth.UserByID(ctx, senderID)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownUser) {
			return nil, fmt.Errorf("%w: unknown sender %s", ErrInvalidInput, senderID)
		}
		return nil, transient("resolve sender", err)
	}
	return info, nil
}

func (d *DeliveryEngine) senderInfoOrPlaceholder(ctx context.Context, senderID string) *auth.UserInfo {
	info, err := d.senderInfo(ctx, senderID)
	if err != nil {
		return &auth.UserInfo{ID: senderID, DisplayName: senderID}
	}
	return info
}

func (d *DeliveryEngine) emit(ctx context.Context, typ, sessionID, actorID string, payload map[string]interface{}) {
	if err := d.publisher.Publish(ctx, events.New(typ, sessionID, actorID, payload)); err != nil {
		d.logger.WithError(err).WithField("type", typ).Warn("publish domain event failed")
	}
}

func toView(m *models.Message, sender *auth.UserInfo) MessageView {
	return MessageView{
		ID:             m.ID,
		SessionID:      m.SessionID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		SenderName:     sender.DisplayName,
		SenderRole:     sender.Role,
		Content:        m.Content,
		SourcePlatform: m.SourcePlatform,
		SentAt:         m.SentAt,
		DeliveryStatus: m.DeliveryStatus,
	}
}

// keyedMutex 按会话 ID 加锁，无人持有时回收
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
