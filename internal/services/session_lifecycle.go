package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

// AuthProvider 外部身份服务
type AuthProvider interface {
	Authenticate(ctx context.Context, credentials string) (*auth.Identity, error)
	UserByID(ctx context.Context, id string) (*auth.UserInfo, error)
}

// MessageSender 会话创建时投递首条消息
type MessageSender interface {
	Publish(ctx context.Context, sessionID, senderID, content string) (*MessageView, error)
}

// ChangeKind 会话变更类型（实时推送用）
type ChangeKind string

const (
	ChangeQueued      ChangeKind = "queued"
	ChangeAssigned    ChangeKind = "assigned"
	ChangeClosed      ChangeKind = "closed"
	ChangeTransferred ChangeKind = "transferred"
)

// SessionChange 一次已提交的会话变更
type SessionChange struct {
	Kind    ChangeKind
	Session models.Session
	ActorID string
	// PreviousStatus 变更前状态
	PreviousStatus models.SessionStatus
	// PreviousOperatorID 变更前绑定的客服（转接/关闭时）
	PreviousOperatorID string
}

// SessionNotifier 接收已提交的会话变更
type SessionNotifier interface {
	SessionChanged(ctx context.Context, change SessionChange)
}

// 乐观重试上限：条件更新未命中时重新读取并判定
const maxCASAttempts = 4

// SessionLifecycle 会话状态机。只判断状态迁移是否合法，不做调用方鉴权。
type SessionLifecycle struct {
	store     store.SessionStore
	auth      AuthProvider
	publisher events.Publisher
	logger    *logrus.Logger

	sender   MessageSender
	notifier SessionNotifier

	defaultChannel string
	defaultTimeout time.Duration
	now            func() time.Time
}

// NewSessionLifecycle 创建会话状态机
func NewSessionLifecycle(st store.SessionStore, authProvider AuthProvider, publisher events.Publisher, logger *logrus.Logger) *SessionLifecycle {
	if logger == nil {
		logger = logrus.New()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &SessionLifecycle{
		store:          st,
		auth:           authProvider,
		publisher:      publisher,
		logger:         logger,
		defaultChannel: "Web",
		defaultTimeout: 30 * time.Minute,
		now:            time.Now,
	}
}

// SetMessageSender 设置首条消息投递器（DeliveryEngine）
func (l *SessionLifecycle) SetMessageSender(s MessageSender) { l.sender = s }

// SetNotifier 设置会话变更推送（HubProtocol）
func (l *SessionLifecycle) SetNotifier(n SessionNotifier) { l.notifier = n }

// SetDefaults 配置默认渠道与不活跃超时
func (l *SessionLifecycle) SetDefaults(channel string, inactivity time.Duration) {
	if channel != "" {
		l.defaultChannel = channel
	}
	if inactivity > 0 {
		l.defaultTimeout = inactivity
	}
}

// CreateSession 客户发起会话，进入等待队列
func (l *SessionLifecycle) CreateSession(ctx context.Context, customerID, channelType, initialMessage string) (*models.Session, error) {
	return l.create(ctx, customerID, "", channelType, initialMessage)
}

// CreateSessionPreAssigned 创建并直接绑定指定客服
func (l *SessionLifecycle) CreateSessionPreAssigned(ctx context.Context, customerID, operatorID, channelType, initialMessage string) (*models.Session, error) {
	if err := l.requireOperator(ctx, operatorID); err != nil {
		return nil, err
	}
	return l.create(ctx, customerID, operatorID, channelType, initialMessage)
}

func (l *SessionLifecycle) create(ctx context.Context, customerID, operatorID, channelType, initialMessage string) (*models.Session, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrInvalidInput)
	}
	if initialMessage != "" && strings.TrimSpace(initialMessage) == "" {
		return nil, ErrInvalidContent
	}
	if channelType == "" {
		channelType = l.defaultChannel
	}

	now := l.now()
	sess := &models.Session{
		ID:                uuid.NewString(),
		CustomerID:        customerID,
		Status:            models.SessionWaiting,
		ChannelType:       channelType,
		ConnectionState:   models.ConnectionDisconnected,
		InactivityTimeout: int(l.defaultTimeout / time.Second),
		CreatedAt:         now,
		LastActiveAt:      now,
		UpdatedAt:         now,
	}
	kind := ChangeQueued
	if operatorID != "" {
		op := operatorID
		sess.OperatorID = &op
		sess.Status = models.SessionActive
		kind = ChangeAssigned
	}
	if err := l.store.CreateSession(ctx, sess); err != nil {
		return nil, transient("create session", err)
	}
	metrics.IncSessionsCreated()

	l.logger.WithFields(logrus.Fields{
		"session_id":  sess.ID,
		"customer_id": customerID,
		"status":      sess.Status,
	}).Info("session created")
	l.emit(ctx, events.SessionCreated, sess.ID, customerID, map[string]interface{}{
		"status":      sess.Status,
		"operator_id": operatorID,
		"channel":     channelType,
	})
	l.notify(ctx, SessionChange{Kind: kind, Session: *sess, ActorID: customerID})

	if initialMessage != "" {
		if l.sender == nil {
			return sess, fmt.Errorf("%w: no message sender configured", ErrTransient)
		}
		if _, err := l.sender.Publish(ctx, sess.ID, customerID, initialMessage); err != nil {
			return sess, fmt.Errorf("send initial message: %w", err)
		}
	}
	return sess, nil
}

// ClaimSession 客服领取会话：waiting→active 原子迁移。
// 已绑定到同一客服时幂等；转接给该客服的会话在此被接受。
func (l *SessionLifecycle) ClaimSession(ctx context.Context, sessionID, operatorID string) (*models.Session, error) {
	ctx, span := observability.Tracer().Start(ctx, "SessionLifecycle.ClaimSession")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.String("operator.id", operatorID))

	return l.bindOperator(ctx, sessionID, operatorID, true)
}

// AssignSession 管理性指派，前置条件与 ClaimSession 相同，但不改变连接状态
func (l *SessionLifecycle) AssignSession(ctx context.Context, sessionID, operatorID string) (*models.Session, error) {
	if err := l.requireOperator(ctx, operatorID); err != nil {
		return nil, err
	}
	return l.bindOperator(ctx, sessionID, operatorID, false)
}

func (l *SessionLifecycle) bindOperator(ctx context.Context, sessionID, operatorID string, claim bool) (*models.Session, error) {
	if strings.TrimSpace(operatorID) == "" {
		return nil, fmt.Errorf("%w: operator id is required", ErrInvalidInput)
	}
	op := operatorID

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		sess, err := l.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		now := l.now()

		switch sess.Status {
		case models.SessionWaiting:
			updates := map[string]interface{}{
				"status":         models.SessionActive,
				"operator_id":    op,
				"last_active_at": now,
			}
			if claim {
				updates["connection_state"] = models.ConnectionConnected
			}
			hit, err := l.store.UpdateSessionIf(ctx, sessionID, store.SessionCondition{
				Statuses: []models.SessionStatus{models.SessionWaiting},
			}, updates)
			if err != nil {
				return nil, transient("claim session", err)
			}
			if !hit {
				// 被并发领取，重新读取后判定
				continue
			}
			prev := sess.Status
			sess.Status = models.SessionActive
			sess.OperatorID = &op
			sess.LastActiveAt = now
			if claim {
				sess.ConnectionState = models.ConnectionConnected
			}
			l.committedAssignment(ctx, sess, prev, claim)
			return sess, nil

		case models.SessionActive:
			if sess.OperatorID != nil && *sess.OperatorID == op {
				l.TouchActivity(ctx, sessionID)
				sess.LastActiveAt = now
				return sess, nil
			}
			metrics.IncClaimConflict()
			return nil, ErrAlreadyAssigned

		case models.SessionTransferred:
			if sess.OperatorID == nil || *sess.OperatorID != op || !claim {
				metrics.IncClaimConflict()
				return nil, ErrAlreadyAssigned
			}
			hit, err := l.store.UpdateSessionIf(ctx, sessionID, store.SessionCondition{
				Statuses:   []models.SessionStatus{models.SessionTransferred},
				OperatorID: &op,
			}, map[string]interface{}{
				"status":           models.SessionActive,
				"connection_state": models.ConnectionConnected,
				"last_active_at":   now,
			})
			if err != nil {
				return nil, transient("accept transfer", err)
			}
			if !hit {
				continue
			}
			if err := l.store.AcceptTransfer(ctx, sessionID, op, now); err != nil {
				l.logger.WithError(err).WithField("session_id", sessionID).Warn("mark transfer accepted failed")
			}
			prev := sess.Status
			sess.Status = models.SessionActive
			sess.ConnectionState = models.ConnectionConnected
			sess.LastActiveAt = now
			l.committedAssignment(ctx, sess, prev, claim)
			return sess, nil

		case models.SessionClosed:
			return nil, ErrSessionClosed

		default:
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidState, sess.Status)
		}
	}
	metrics.IncClaimConflict()
	return nil, ErrAlreadyAssigned
}

func (l *SessionLifecycle) committedAssignment(ctx context.Context, sess *models.Session, prev models.SessionStatus, claim bool) {
	typ := events.SessionAssigned
	if claim {
		typ = events.SessionClaimed
	}
	op := *sess.OperatorID
	l.logger.WithFields(logrus.Fields{
		"session_id":  sess.ID,
		"operator_id": op,
		"from":        prev,
	}).Info("session assigned")
	l.emit(ctx, typ, sess.ID, op, map[string]interface{}{"operator_id": op, "from_status": prev})
	l.notify(ctx, SessionChange{Kind: ChangeAssigned, Session: *sess, ActorID: op, PreviousStatus: prev})
}

// CloseSession 结束等待中或进行中的会话；已关闭时幂等返回
func (l *SessionLifecycle) CloseSession(ctx context.Context, sessionID, actorID string) (*models.Session, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		sess, err := l.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess.Status == models.SessionClosed {
			return sess, nil
		}
		// 待接受的转接必须先由目标客服领取
		if sess.Status == models.SessionTransferred {
			return nil, fmt.Errorf("%w: transfer to %s is pending acceptance", ErrInvalidTransition, derefString(sess.OperatorID))
		}

		now := l.now()
		cond := store.SessionCondition{Statuses: []models.SessionStatus{sess.Status}}
		updates := map[string]interface{}{
			"status":           models.SessionClosed,
			"closed_at":        now,
			"connection_state": models.ConnectionDisconnected,
			"operator_id":      nil,
		}
		prevOp := ""
		if sess.OperatorID != nil {
			prevOp = *sess.OperatorID
			cond.OperatorID = sess.OperatorID
			updates["last_operator_id"] = prevOp
		}
		hit, err := l.store.UpdateSessionIf(ctx, sessionID, cond, updates)
		if err != nil {
			return nil, transient("close session", err)
		}
		if !hit {
			continue
		}

		prev := sess.Status
		sess.Status = models.SessionClosed
		sess.ClosedAt = &now
		sess.ConnectionState = models.ConnectionDisconnected
		if prevOp != "" {
			sess.LastOperatorID = &prevOp
		}
		sess.OperatorID = nil

		l.logger.WithFields(logrus.Fields{"session_id": sessionID, "actor_id": actorID}).Info("session closed")
		l.emit(ctx, events.SessionClosed, sessionID, actorID, map[string]interface{}{"from_status": prev})
		l.notify(ctx, SessionChange{Kind: ChangeClosed, Session: *sess, ActorID: actorID, PreviousStatus: prev, PreviousOperatorID: prevOp})
		return sess, nil
	}
	return nil, fmt.Errorf("%w: session changed concurrently", ErrTransient)
}

// ReopenSession 重新打开已关闭的会话：恢复关闭前的客服，否则回到等待队列
func (l *SessionLifecycle) ReopenSession(ctx context.Context, sessionID, actorID string) (*models.Session, error) {
	sess, err := l.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionClosed {
		return nil, fmt.Errorf("%w: only closed sessions can be reopened", ErrInvalidTransition)
	}

	now := l.now()
	updates := map[string]interface{}{
		"closed_at":      nil,
		"last_active_at": now,
	}
	kind := ChangeQueued
	target := models.SessionWaiting
	if sess.LastOperatorID != nil {
		target = models.SessionActive
		kind = ChangeAssigned
		updates["operator_id"] = *sess.LastOperatorID
	}
	updates["status"] = target

	hit, err := l.store.UpdateSessionIf(ctx, sessionID, store.SessionCondition{
		Statuses: []models.SessionStatus{models.SessionClosed},
	}, updates)
	if err != nil {
		return nil, transient("reopen session", err)
	}
	if !hit {
		return nil, fmt.Errorf("%w: session changed concurrently", ErrInvalidTransition)
	}

	sess.Status = target
	sess.ClosedAt = nil
	sess.LastActiveAt = now
	if target == models.SessionActive {
		op := *sess.LastOperatorID
		sess.OperatorID = &op
	}
	l.logger.WithFields(logrus.Fields{"session_id": sessionID, "status": target}).Info("session reopened")
	l.emit(ctx, events.SessionReopened, sessionID, actorID, map[string]interface{}{"status": target})
	l.notify(ctx, SessionChange{Kind: kind, Session: *sess, ActorID: actorID, PreviousStatus: models.SessionClosed})
	return sess, nil
}

// TransferSession 将进行中的会话转给另一位客服，目标客服通过 ClaimSession 接受
func (l *SessionLifecycle) TransferSession(ctx context.Context, sessionID, fromOperatorID, toOperatorID, reason, notes string) (*models.Session, error) {
	if toOperatorID == "" || toOperatorID == fromOperatorID {
		return nil, fmt.Errorf("%w: transfer target must be a different operator", ErrInvalidInput)
	}
	if err := l.requireOperator(ctx, toOperatorID); err != nil {
		return nil, err
	}
	sess, err := l.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionActive {
		return nil, fmt.Errorf("%w: cannot transfer a %s session", ErrInvalidTransition, sess.Status)
	}
	if sess.OperatorID == nil || *sess.OperatorID != fromOperatorID {
		return nil, ErrNotParticipant
	}

	now := l.now()
	from := fromOperatorID
	to := toOperatorID
	rec := &models.TransferRecord{
		SessionID:      sessionID,
		FromOperatorID: &from,
		ToOperatorID:   to,
		Reason:         reason,
		Notes:          notes,
		TransferredAt:  now,
	}
	applied, err := l.store.ApplyTransfer(ctx, sessionID, store.SessionCondition{
		Statuses:   []models.SessionStatus{models.SessionActive},
		OperatorID: &from,
	}, map[string]interface{}{
		"status":         models.SessionTransferred,
		"operator_id":    to,
		"last_active_at": now,
	}, rec)
	if err != nil {
		return nil, transient("transfer session", err)
	}
	if !applied {
		return nil, fmt.Errorf("%w: session changed concurrently", ErrInvalidTransition)
	}

	sess.Status = models.SessionTransferred
	sess.OperatorID = &to
	sess.LastActiveAt = now
	l.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"from":       from,
		"to":         to,
	}).Info("session transferred")
	l.emit(ctx, events.SessionTransferred, sessionID, from, map[string]interface{}{
		"to_operator_id": to,
		"reason":         reason,
	})
	l.notify(ctx, SessionChange{Kind: ChangeTransferred, Session: *sess, ActorID: from, PreviousStatus: models.SessionActive, PreviousOperatorID: from})
	return sess, nil
}

// TransferHistory 会话的转接记录
func (l *SessionLifecycle) TransferHistory(ctx context.Context, sessionID string) ([]models.TransferRecord, error) {
	if _, err := l.load(ctx, sessionID); err != nil {
		return nil, err
	}
	recs, err := l.store.ListTransferRecords(ctx, sessionID)
	if err != nil {
		return nil, transient("list transfers", err)
	}
	return recs, nil
}

// TouchActivity 刷新最近活跃时间；尽力而为，从不失败
func (l *SessionLifecycle) TouchActivity(ctx context.Context, sessionID string) {
	now := l.now()
	// idle 的会话在有新活动时恢复为 connected
	if _, err := l.store.UpdateSessionIf(ctx, sessionID, store.SessionCondition{
		ConnectionStates: []models.ConnectionState{models.ConnectionIdle},
	}, map[string]interface{}{"connection_state": models.ConnectionConnected}); err != nil {
		l.logger.WithError(err).WithField("session_id", sessionID).Debug("touch activity: wake idle failed")
	}
	if _, err := l.store.UpdateSession(ctx, sessionID, map[string]interface{}{"last_active_at": now}); err != nil {
		l.logger.WithError(err).WithField("session_id", sessionID).Debug("touch activity failed")
	}
}

// SetConnectionState 更新会话连接状态；已关闭的会话保持 disconnected
func (l *SessionLifecycle) SetConnectionState(ctx context.Context, sessionID string, state models.ConnectionState) error {
	_, err := l.store.UpdateSessionIf(ctx, sessionID, store.SessionCondition{
		Statuses: []models.SessionStatus{models.SessionWaiting, models.SessionActive, models.SessionTransferred},
	}, map[string]interface{}{
		"connection_state": state,
		"last_active_at":   l.now(),
	})
	if err != nil {
		return transient("set connection state", err)
	}
	return nil
}

// GetSession 查询会话
func (l *SessionLifecycle) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return l.load(ctx, sessionID)
}

// ListCustomerSessions 客户的会话（最近活跃优先）
func (l *SessionLifecycle) ListCustomerSessions(ctx context.Context, customerID string) ([]models.Session, error) {
	return l.list(ctx, store.SessionFilter{CustomerID: customerID})
}

// ListOperatorSessions 客服当前及历史处理的会话
func (l *SessionLifecycle) ListOperatorSessions(ctx context.Context, operatorID string) ([]models.Session, error) {
	return l.list(ctx, store.SessionFilter{OperatorID: operatorID})
}

// ListWaitingSessions 等待队列，先到先服务
func (l *SessionLifecycle) ListWaitingSessions(ctx context.Context, limit int) ([]models.Session, error) {
	return l.list(ctx, store.SessionFilter{
		Statuses:    []models.SessionStatus{models.SessionWaiting},
		OldestFirst: true,
		Limit:       limit,
	})
}

func (l *SessionLifecycle) list(ctx context.Context, f store.SessionFilter) ([]models.Session, error) {
	out, err := l.store.ListSessions(ctx, f)
	if err != nil {
		return nil, transient("list sessions", err)
	}
	return out, nil
}

// MarkIdleSessions 将超过不活跃超时的在线会话标记为 idle，返回标记数量
func (l *SessionLifecycle) MarkIdleSessions(ctx context.Context, now time.Time) (int, error) {
	candidates, err := l.store.ListSessions(ctx, store.SessionFilter{
		Statuses:         []models.SessionStatus{models.SessionActive, models.SessionWaiting, models.SessionTransferred},
		ConnectionStates: []models.ConnectionState{models.ConnectionConnected},
	})
	if err != nil {
		return 0, transient("list idle candidates", err)
	}

	marked := 0
	for _, s := range candidates {
		timeout := time.Duration(s.InactivityTimeout) * time.Second
		if timeout <= 0 {
			timeout = l.defaultTimeout
		}
		cutoff := now.Add(-timeout)
		if !s.LastActiveAt.Before(cutoff) {
			continue
		}
		hit, err := l.store.UpdateSessionIf(ctx, s.ID, store.SessionCondition{
			ConnectionStates: []models.ConnectionState{models.ConnectionConnected},
			LastActiveBefore: &cutoff,
		}, map[string]interface{}{"connection_state": models.ConnectionIdle})
		if err != nil {
			return marked, transient("mark idle", err)
		}
		if hit {
			marked++
			l.emit(ctx, events.SessionIdle, s.ID, "", nil)
		}
	}
	return marked, nil
}

// RunIdleSweeper 周期性标记 idle 会话，直到 ctx 取消
func (l *SessionLifecycle) RunIdleSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.MarkIdleSessions(ctx, l.now())
			if err != nil {
				l.logger.WithError(err).Warn("idle sweep failed")
				continue
			}
			if n > 0 {
				l.logger.WithField("count", n).Info("sessions marked idle")
			}
		}
	}
}

func (l *SessionLifecycle) load(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return nil, transient("load session", err)
	}
	return sess, nil
}

func (l *SessionLifecycle) requireOperator(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidOperator
	}
	if l.auth == nil {
		return nil
	}
	info, err := l.auth.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownUser) {
			return ErrInvalidOperator
		}
		return transient("lookup operator", err)
	}
	if info.Role != models.RoleOperator {
		return ErrInvalidOperator
	}
	return nil
}

func (l *SessionLifecycle) emit(ctx context.Context, typ, sessionID, actorID string, payload map[string]interface{}) {
	if err := l.publisher.Publish(ctx, events.New(typ, sessionID, actorID, payload)); err != nil {
		l.logger.WithError(err).WithField("type", typ).Warn("publish domain event failed")
	}
}

func (l *SessionLifecycle) notify(ctx context.Context, change SessionChange) {
	if l.notifier != nil {
		l.notifier.SessionChanged(ctx, change)
	}
}
