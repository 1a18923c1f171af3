package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"supportdesk/internal/auth"
	"supportdesk/internal/events"
	"supportdesk/internal/metrics"
	"supportdesk/internal/models"

	"github.com/sirupsen/logrus"
)

// 推送给客户端的事件
const (
	EventIdentified              = "Identified"
	EventUserOnlineStatusChanged = "UserOnlineStatusChanged"
	EventMessageHistory          = "MessageHistory"
	EventReceiveMessage          = "ReceiveMessage"
	EventSessionQueued           = "SessionQueued"
	EventSessionAssigned         = "SessionAssigned"
	EventSessionClosed           = "SessionClosed"
	EventSessionTransferred      = "SessionTransferred"
	EventMessagesMarkedAsRead    = "MessagesMarkedAsRead"
	EventMessagesRead            = "MessagesRead"
	EventJoinedSession           = "JoinedSession"
	EventLeftSession             = "LeftSession"
	EventError                   = "Error"
	EventPong                    = "Pong"
)

// 客户端命令
const (
	CommandIdentify     = "identify"
	CommandJoinSession  = "join-session"
	CommandLeaveSession = "leave-session"
	CommandSendMessage  = "send-message"
	CommandClaimSession = "claim-session"
	CommandMarkRead     = "mark-read"
	CommandPing         = "ping"
)

// Event 服务端推送帧
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent 构造推送帧
func NewEvent(typ, sessionID string, data interface{}) Event {
	return Event{Type: typ, Data: data, SessionID: sessionID, Timestamp: time.Now().UTC()}
}

// Command 客户端命令帧
type Command struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Token     string `json:"token,omitempty"`
}

// ErrorPayload Error 事件内容
type ErrorPayload struct {
	Code    Kind   `json:"code"`
	Message string `json:"message"`
}

// HubProtocolOptions 协议层策略
type HubProtocolOptions struct {
	// SingleSessionPerConnection 加入新会话前自动离开其它会话
	SingleSessionPerConnection bool
	HistoryPageSize            int
}

// HubProtocol 实时命令面：把连接上的命令翻译为状态机与投递引擎调用，并把结果推送给受影响的连接。
// 每个命令的错误只推送给调用方，panic 不会越过单条命令。
type HubProtocol struct {
	registry  *ConnectionRegistry
	lifecycle *SessionLifecycle
	delivery  *DeliveryEngine
	auth      AuthProvider
	publisher events.Publisher
	logger    *logrus.Logger
	opts      HubProtocolOptions

	transport Transport

	mu         sync.RWMutex
	identities map[string]auth.Identity
}

// NewHubProtocol 创建协议层，并注册为会话变更的推送方
func NewHubProtocol(registry *ConnectionRegistry, lifecycle *SessionLifecycle, delivery *DeliveryEngine, authProvider AuthProvider, publisher events.Publisher, logger *logrus.Logger, opts HubProtocolOptions) *HubProtocol {
	if logger == nil {
		logger = logrus.New()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = DefaultHistoryPageSize
	}
	h := &HubProtocol{
		registry:   registry,
		lifecycle:  lifecycle,
		delivery:   delivery,
		auth:       authProvider,
		publisher:  publisher,
		logger:     logger,
		opts:       opts,
		identities: make(map[string]auth.Identity),
	}
	lifecycle.SetNotifier(h)
	registry.OnPresence(h.presenceChanged)
	return h
}

// SetTransport 设置推送通道，同时交给投递引擎
func (h *HubProtocol) SetTransport(t Transport) {
	h.transport = t
	h.delivery.SetTransport(t)
}

// OnConnect 连接建立；identity 为 nil 表示匿名连接，需要后续 identify
func (h *HubProtocol) OnConnect(ctx context.Context, connID string, identity *auth.Identity) error {
	if identity == nil {
		return nil
	}
	return h.bind(connID, *identity)
}

func (h *HubProtocol) bind(connID string, id auth.Identity) error {
	if _, ok := models.ParseRole(string(id.Role)); !ok {
		return fmt.Errorf("%w: unsupported role %q", ErrForbidden, id.Role)
	}
	if _, err := h.registry.RegisterConnection(connID, id.UserID); err != nil {
		return err
	}
	h.mu.Lock()
	h.identities[connID] = id
	h.mu.Unlock()

	if id.Role == models.RoleOperator {
		h.registry.JoinGroup(connID, WaitingQueueGroup)
	}
	h.logger.WithFields(logrus.Fields{
		"connection_id": connID,
		"user_id":       id.UserID,
		"role":          id.Role,
	}).Debug("connection identified")
	return nil
}

// OnDisconnect 连接断开；可重复调用，也可用于未完成注册的连接
func (h *HubProtocol) OnDisconnect(ctx context.Context, connID string) {
	h.mu.Lock()
	delete(h.identities, connID)
	h.mu.Unlock()

	dep, ok := h.registry.UnregisterConnection(connID)
	if !ok {
		return
	}
	for _, group := range dep.Groups {
		if group == WaitingQueueGroup {
			continue
		}
		h.markDisconnectedIfEmpty(ctx, group)
	}
}

// Identify 匿名连接使用令牌完成认证
func (h *HubProtocol) Identify(ctx context.Context, connID, token string) (*auth.Identity, error) {
	if h.auth == nil {
		return nil, fmt.Errorf("%w: authentication unavailable", ErrTransient)
	}
	id, err := h.auth.Authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrUnknownUser) {
			return nil, fmt.Errorf("%w: %v", ErrForbidden, err)
		}
		return nil, transient("authenticate", err)
	}
	if existing, ok := h.identity(connID); ok && existing.UserID != id.UserID {
		return nil, fmt.Errorf("%w: connection already identified", ErrInvalidState)
	}
	if err := h.bind(connID, *id); err != nil {
		return nil, err
	}
	h.sendTo(connID, NewEvent(EventIdentified, "", id))
	return id, nil
}

// JoinSession 参与者加入会话分组并收到历史消息
func (h *HubProtocol) JoinSession(ctx context.Context, connID, sessionID string) error {
	id, err := h.requireIdentity(connID)
	if err != nil {
		return err
	}
	sess, err := h.lifecycle.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !CanView(sess, id.UserID) {
		return ErrNotParticipant
	}
	return h.join(ctx, connID, sess)
}

func (h *HubProtocol) join(ctx context.Context, connID string, sess *models.Session) error {
	// 先订阅成功再离开其它会话，失败时连接保持原有分组
	if _, err := h.delivery.SubscribeWithHistory(ctx, connID, sess.ID, h.opts.HistoryPageSize); err != nil {
		return err
	}
	if h.opts.SingleSessionPerConnection {
		for _, g := range h.registry.GroupsFor(connID) {
			if g != WaitingQueueGroup && g != sess.ID {
				h.leave(ctx, connID, g)
			}
		}
	}
	if sess.Status != models.SessionClosed {
		if err := h.lifecycle.SetConnectionState(ctx, sess.ID, models.ConnectionConnected); err != nil {
			h.logger.WithError(err).WithField("session_id", sess.ID).Warn("mark session connected failed")
		}
	}
	h.sendTo(connID, NewEvent(EventJoinedSession, sess.ID, sess))
	return nil
}

// LeaveSession 离开会话分组
func (h *HubProtocol) LeaveSession(ctx context.Context, connID, sessionID string) error {
	if _, err := h.requireIdentity(connID); err != nil {
		return err
	}
	if sessionID == "" || sessionID == WaitingQueueGroup {
		return fmt.Errorf("%w: invalid session id", ErrInvalidInput)
	}
	h.leave(ctx, connID, sessionID)
	h.sendTo(connID, NewEvent(EventLeftSession, sessionID, nil))
	return nil
}

func (h *HubProtocol) leave(ctx context.Context, connID, sessionID string) {
	if h.registry.LeaveGroup(connID, sessionID) {
		h.lifecycle.TouchActivity(ctx, sessionID)
		h.markDisconnectedIfEmpty(ctx, sessionID)
	}
}

// markDisconnectedIfEmpty 会话分组中已无连接时标记为 disconnected
func (h *HubProtocol) markDisconnectedIfEmpty(ctx context.Context, sessionID string) {
	if len(h.registry.ConnectionsForSession(sessionID)) > 0 {
		return
	}
	if err := h.lifecycle.SetConnectionState(ctx, sessionID, models.ConnectionDisconnected); err != nil {
		h.logger.WithError(err).WithField("session_id", sessionID).Warn("mark session disconnected failed")
	}
}

// SendMessage 参与者发送消息并广播给整个分组（包括发送者）
func (h *HubProtocol) SendMessage(ctx context.Context, connID, sessionID, content string) (*MessageView, error) {
	id, err := h.requireIdentity(connID)
	if err != nil {
		return nil, err
	}
	sess, err := h.lifecycle.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !CanSend(sess, id.UserID) {
		return nil, ErrNotParticipant
	}
	return h.delivery.Publish(ctx, sessionID, id.UserID, content)
}

// ClaimAndJoin 客服领取会话并加入分组
func (h *HubProtocol) ClaimAndJoin(ctx context.Context, connID, sessionID string) (*models.Session, error) {
	id, err := h.requireIdentity(connID)
	if err != nil {
		return nil, err
	}
	if id.Role != models.RoleOperator {
		return nil, fmt.Errorf("%w: only operators can claim sessions", ErrForbidden)
	}
	sess, err := h.lifecycle.ClaimSession(ctx, sessionID, id.UserID)
	if err != nil {
		return nil, err
	}
	if err := h.join(ctx, connID, sess); err != nil {
		return sess, err
	}
	return sess, nil
}

// MarkRead 将对方消息标记为已读：确认发给调用方，已读回执发给分组
func (h *HubProtocol) MarkRead(ctx context.Context, connID, sessionID string) ([]string, error) {
	id, err := h.requireIdentity(connID)
	if err != nil {
		return nil, err
	}
	sess, err := h.lifecycle.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !CanView(sess, id.UserID) {
		return nil, ErrNotParticipant
	}
	ids, err := h.delivery.MarkRead(ctx, sessionID, id.UserID)
	if err != nil {
		return nil, err
	}
	h.sendTo(connID, NewEvent(EventMessagesMarkedAsRead, sessionID, fields{
		"message_ids": ids,
		"count":       len(ids),
	}))
	h.BroadcastRead(sessionID, id.UserID, ids)
	return ids, nil
}

// BroadcastRead 向会话分组推送已读回执
func (h *HubProtocol) BroadcastRead(sessionID, readerID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	h.delivery.BroadcastEvent(sessionID, NewEvent(EventMessagesRead, sessionID, fields{
		"reader_id":   readerID,
		"message_ids": ids,
	}))
}

// Dispatch 解码并执行一条命令；错误以 Error 事件只推送给调用方
func (h *HubProtocol) Dispatch(ctx context.Context, connID string, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncCommandError()
			h.logger.WithFields(logrus.Fields{
				"connection_id": connID,
				"panic":         r,
			}).Error("command handler panicked")
			h.sendError(connID, "", fmt.Errorf("internal error"))
		}
	}()

	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		h.sendError(connID, "", fmt.Errorf("%w: malformed command", ErrInvalidInput))
		return
	}

	var err error
	switch cmd.Type {
	case CommandIdentify:
		_, err = h.Identify(ctx, connID, cmd.Token)
	case CommandJoinSession:
		err = h.JoinSession(ctx, connID, cmd.SessionID)
	case CommandLeaveSession:
		err = h.LeaveSession(ctx, connID, cmd.SessionID)
	case CommandSendMessage:
		_, err = h.SendMessage(ctx, connID, cmd.SessionID, cmd.Content)
	case CommandClaimSession:
		_, err = h.ClaimAndJoin(ctx, connID, cmd.SessionID)
	case CommandMarkRead:
		_, err = h.MarkRead(ctx, connID, cmd.SessionID)
	case CommandPing:
		h.sendTo(connID, NewEvent(EventPong, "", nil))
	default:
		err = fmt.Errorf("%w: unknown command %q", ErrInvalidInput, cmd.Type)
	}
	if err != nil {
		h.sendError(connID, cmd.SessionID, err)
	}
}

// SessionChanged 把已提交的会话变更推送给等待队列与会话分组
func (h *HubProtocol) SessionChanged(ctx context.Context, c SessionChange) {
	s := c.Session
	switch c.Kind {
	case ChangeQueued:
		h.delivery.BroadcastEvent(WaitingQueueGroup, NewEvent(EventSessionQueued, s.ID, s))
	case ChangeAssigned:
		payload := fields{"session_id": s.ID, "operator_id": derefString(s.OperatorID), "status": s.Status}
		h.delivery.BroadcastEvent(WaitingQueueGroup, NewEvent(EventSessionAssigned, s.ID, payload))
		h.delivery.BroadcastEvent(s.ID, NewEvent(EventSessionAssigned, s.ID, payload))
	case ChangeClosed:
		payload := fields{"session_id": s.ID, "closed_by": c.ActorID, "closed_at": s.ClosedAt}
		h.delivery.BroadcastEvent(s.ID, NewEvent(EventSessionClosed, s.ID, payload))
		if c.PreviousStatus == models.SessionWaiting {
			h.delivery.BroadcastEvent(WaitingQueueGroup, NewEvent(EventSessionClosed, s.ID, payload))
		}
	case ChangeTransferred:
		to := derefString(s.OperatorID)
		payload := fields{"session_id": s.ID, "from_operator_id": c.PreviousOperatorID, "to_operator_id": to}
		h.delivery.BroadcastEvent(s.ID, NewEvent(EventSessionTransferred, s.ID, payload))
		for _, connID := range h.registry.ConnectionsForUser(to) {
			h.sendTo(connID, NewEvent(EventSessionTransferred, s.ID, payload))
		}
	}
}

func (h *HubProtocol) presenceChanged(userID string, online bool) {
	if h.transport != nil {
		h.transport.Broadcast(NewEvent(EventUserOnlineStatusChanged, "", fields{
			"user_id":   userID,
			"is_online": online,
		}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.publisher.Publish(ctx, events.New(events.UserPresenceChanged, "", userID, map[string]interface{}{"online": online})); err != nil {
		h.logger.WithError(err).Warn("publish presence event failed")
	}
}

// IdentityFor 连接绑定的身份
func (h *HubProtocol) IdentityFor(connID string) (auth.Identity, bool) {
	return h.identity(connID)
}

func (h *HubProtocol) identity(connID string) (auth.Identity, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.identities[connID]
	return id, ok
}

func (h *HubProtocol) requireIdentity(connID string) (auth.Identity, error) {
	id, ok := h.identity(connID)
	if !ok {
		return auth.Identity{}, ErrNotIdentified
	}
	return id, nil
}

func (h *HubProtocol) sendTo(connID string, e Event) {
	if h.transport == nil {
		return
	}
	if err := h.transport.SendTo(connID, e); err != nil {
		h.logger.WithError(err).WithField("connection_id", connID).Debug("push to caller failed")
	}
}

func (h *HubProtocol) sendError(connID, sessionID string, err error) {
	metrics.IncCommandError()
	kind := KindOf(err)
	msg := err.Error()
	switch {
	case errors.Is(err, ErrNotParticipant):
		msg = "Access denied"
	case kind == KindTransient || kind == KindInternal:
		h.logger.WithError(err).WithField("connection_id", connID).Warn("command failed")
		msg = "temporarily unavailable, please retry"
		if kind == KindInternal {
			msg = "internal error"
		}
	}
	h.sendTo(connID, NewEvent(EventError, sessionID, ErrorPayload{Code: kind, Message: msg}))
}

// CanView 会话的客户、当前客服或关闭前的客服
func CanView(s *models.Session, userID string) bool {
	if s.CustomerID == userID {
		return true
	}
	if s.OperatorID != nil && *s.OperatorID == userID {
		return true
	}
	return s.LastOperatorID != nil && *s.LastOperatorID == userID && s.Status == models.SessionClosed
}

// CanSend 只有客户与当前绑定的客服可以发消息
func CanSend(s *models.Session, userID string) bool {
	return s.CustomerID == userID || (s.OperatorID != nil && *s.OperatorID == userID)
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// fields 推送载荷
type fields map[string]interface{}
