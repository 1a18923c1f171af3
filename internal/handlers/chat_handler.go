package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"supportdesk/internal/middleware"
	"supportdesk/internal/models"
	"supportdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// OnlineLister 在线用户来源（本地注册表或 Redis 镜像）
type OnlineLister interface {
	OnlineUsers(ctx context.Context) ([]string, error)
}

// RegistryPresence 以本进程连接注册表作为在线来源
func RegistryPresence(r *services.ConnectionRegistry) OnlineLister {
	return registryPresence{r: r}
}

type registryPresence struct{ r *services.ConnectionRegistry }

func (p registryPresence) OnlineUsers(context.Context) ([]string, error) {
	return p.r.OnlineUsers(), nil
}

// ChatHandler 会话与消息的 REST 接口。所有路由要求 AuthMiddleware 已注入身份。
type ChatHandler struct {
	lifecycle *services.SessionLifecycle
	delivery  *services.DeliveryEngine
	hub       *services.HubProtocol
	presence  OnlineLister
	logger    *logrus.Logger
}

// NewChatHandler 创建会话处理器
func NewChatHandler(lifecycle *services.SessionLifecycle, delivery *services.DeliveryEngine, hub *services.HubProtocol, presence OnlineLister, logger *logrus.Logger) *ChatHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ChatHandler{
		lifecycle: lifecycle,
		delivery:  delivery,
		hub:       hub,
		presence:  presence,
		logger:    logger,
	}
}

// RegisterRoutes 注册到已鉴权的路由组
func (h *ChatHandler) RegisterRoutes(api *gin.RouterGroup) {
	operatorOnly := middleware.RequireRolesAny(models.RoleOperator)
	customerOnly := middleware.RequireRolesAny(models.RoleCustomer)

	sessions := api.Group("/sessions")
	sessions.POST("", customerOnly, h.CreateSession)
	sessions.POST("/with-operator", customerOnly, h.CreateSessionWithOperator)
	sessions.GET("/customer", customerOnly, h.ListCustomerSessions)
	sessions.GET("/operator", operatorOnly, h.ListOperatorSessions)
	sessions.GET("/waiting", operatorOnly, h.ListWaitingSessions)
	sessions.GET("/:id", h.GetSession)
	sessions.POST("/:id/claim", operatorOnly, h.ClaimSession)
	sessions.POST("/:id/assign", operatorOnly, h.AssignSession)
	sessions.POST("/:id/close", h.CloseSession)
	sessions.POST("/:id/reopen", h.ReopenSession)
	sessions.POST("/:id/transfer", operatorOnly, h.TransferSession)
	sessions.GET("/:id/transfers", h.GetTransferHistory)
	sessions.POST("/:id/messages", h.SendMessage)
	sessions.GET("/:id/messages", h.GetMessages)
	sessions.GET("/:id/unread", h.GetUnreadCount)
	sessions.POST("/:id/read", h.MarkRead)

	api.PUT("/messages/:id/status", h.UpdateMessageStatus)
	api.GET("/presence/online", h.GetOnlineUsers)
}

// CreateSessionRequest 创建会话请求
type CreateSessionRequest struct {
	ChannelType    string `json:"channel_type"`
	InitialMessage string `json:"initial_message"`
}

// CreateSessionWithOperatorRequest 指定客服创建会话
type CreateSessionWithOperatorRequest struct {
	OperatorID     string `json:"operator_id" binding:"required"`
	ChannelType    string `json:"channel_type"`
	InitialMessage string `json:"initial_message"`
}

// AssignRequest 指派请求
type AssignRequest struct {
	OperatorID string `json:"operator_id" binding:"required"`
}

// TransferRequest 转接请求
type TransferRequest struct {
	ToOperatorID string `json:"to_operator_id" binding:"required"`
	Reason       string `json:"reason"`
	Notes        string `json:"notes"`
}

// SendMessageRequest 发送消息请求
type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// UpdateStatusRequest 投递状态更新请求
type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// SessionDetail 会话详情：首页历史与调用方未读数
type SessionDetail struct {
	Session     *models.Session        `json:"session"`
	Messages    []services.MessageView `json:"messages"`
	UnreadCount int64                  `json:"unread_count"`
	LastMessage *services.MessageView  `json:"last_message"`
}

// CreateSession 客户发起会话
// @Router /api/v1/sessions [post]
func (h *ChatHandler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	// 请求体可省略
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}
	sess, err := h.lifecycle.CreateSession(c.Request.Context(), caller(c).UserID, req.ChannelType, req.InitialMessage)
	if err != nil && sess == nil {
		respondError(c, h.logger, err)
		return
	}
	if err != nil {
		// 会话已创建，首条消息失败
		h.logger.WithError(err).WithField("session_id", sess.ID).Warn("initial message not delivered")
	}
	c.JSON(http.StatusCreated, sess)
}

// CreateSessionWithOperator 创建并直接绑定客服
// @Router /api/v1/sessions/with-operator [post]
func (h *ChatHandler) CreateSessionWithOperator(c *gin.Context) {
	var req CreateSessionWithOperatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sess, err := h.lifecycle.CreateSessionPreAssigned(c.Request.Context(), caller(c).UserID, req.OperatorID, req.ChannelType, req.InitialMessage)
	if err != nil && sess == nil {
		respondError(c, h.logger, err)
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("session_id", sess.ID).Warn("initial message not delivered")
	}
	c.JSON(http.StatusCreated, sess)
}

// GetSession 会话详情
// @Router /api/v1/sessions/{id} [get]
func (h *ChatHandler) GetSession(c *gin.Context) {
	ctx := c.Request.Context()
	sess, ok := h.viewable(c)
	if !ok {
		return
	}
	uid := caller(c).UserID
	msgs, err := h.delivery.HistoryFor(ctx, sess.ID, 1, services.DefaultHistoryPageSize)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	unread, err := h.delivery.UnreadCount(ctx, sess.ID, uid)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	last, err := h.delivery.LastMessage(ctx, sess.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, SessionDetail{
		Session:     sess,
		Messages:    msgs,
		UnreadCount: unread,
		LastMessage: last,
	})
}

// ListCustomerSessions 当前客户的会话
// @Router /api/v1/sessions/customer [get]
func (h *ChatHandler) ListCustomerSessions(c *gin.Context) {
	out, err := h.lifecycle.ListCustomerSessions(c.Request.Context(), caller(c).UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ListOperatorSessions 当前客服的会话
// @Router /api/v1/sessions/operator [get]
func (h *ChatHandler) ListOperatorSessions(c *gin.Context) {
	out, err := h.lifecycle.ListOperatorSessions(c.Request.Context(), caller(c).UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ListWaitingSessions 等待队列
// @Router /api/v1/sessions/waiting [get]
func (h *ChatHandler) ListWaitingSessions(c *gin.Context) {
	out, err := h.lifecycle.ListWaitingSessions(c.Request.Context(), queryInt(c, "limit", 50))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ClaimSession 客服领取会话
// @Router /api/v1/sessions/{id}/claim [post]
func (h *ChatHandler) ClaimSession(c *gin.Context) {
	sess, err := h.lifecycle.ClaimSession(c.Request.Context(), c.Param("id"), caller(c).UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// AssignSession 指派会话给指定客服
// @Router /api/v1/sessions/{id}/assign [post]
func (h *ChatHandler) AssignSession(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sess, err := h.lifecycle.AssignSession(c.Request.Context(), c.Param("id"), req.OperatorID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// CloseSession 结束会话
// @Router /api/v1/sessions/{id}/close [post]
func (h *ChatHandler) CloseSession(c *gin.Context) {
	sess, ok := h.viewable(c)
	if !ok {
		return
	}
	closed, err := h.lifecycle.CloseSession(c.Request.Context(), sess.ID, caller(c).UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, closed)
}

// ReopenSession 重新打开会话
// @Router /api/v1/sessions/{id}/reopen [post]
func (h *ChatHandler) ReopenSession(c *gin.Context) {
	sess, ok := h.viewable(c)
	if !ok {
		return
	}
	reopened, err := h.lifecycle.ReopenSession(c.Request.Context(), sess.ID, caller(c).UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, reopened)
}

// TransferSession 转接给另一位客服
// @Router /api/v1/sessions/{id}/transfer [post]
func (h *ChatHandler) TransferSession(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sess, err := h.lifecycle.TransferSession(c.Request.Context(), c.Param("id"), caller(c).UserID, req.ToOperatorID, req.Reason, req.Notes)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// GetTransferHistory 转接记录
// @Router /api/v1/sessions/{id}/transfers [get]
func (h *ChatHandler) GetTransferHistory(c *gin.Context) {
	sess, ok := h.viewable(c)
	if !ok {
		return
	}
	recs, err := h.lifecycle.TransferHistory(c.Request.Context(), sess.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

// SendMessage 通过 REST 发送消息，实时连接同样会收到
// @Router /api/v1/sessions/{id}/messages [post]
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	uid := caller(c).UserID
	sess, err := h.lifecycle.GetSession(ctx, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !services.CanSend(sess, uid) {
		respondError(c, h.logger, services.ErrNotParticipant)
		return
	}
	view, err := h.delivery.Publish(ctx, sess.ID, uid, req.Content)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// GetMessages 分页历史；第 1 页为最新的一页，页内按发送顺序升序
// @Router /api/v1/sessions/{id}/messages [get]
func (h *ChatHandler) GetMessages(c *gin.Context) {
	sess, ok := h.viewable(c)
	if !ok {
		return
	}
	page, size := services.ClampPage(queryInt(c, "page", 1), queryInt(c, "page_size", services.DefaultHistoryPageSize))
	msgs, err := h.delivery.HistoryFor(c.Request.Context(), sess.ID, page, size)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, PaginatedResponse{Data: msgs, Page: page, PageSize: size})
}

// GetUnreadCount 调用方在会话中的未读数
// @Router /api/v1/sessions/{id}/unread [get]
func (h *ChatHandler) GetUnreadCount(c *gin.Context) {
	sess, ok := h.viewable(c)
	if !ok {
		return
	}
	n, err := h.delivery.UnreadCount(c.Request.Context(), sess.ID, caller(c).UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sess.ID, "unread_count": n})
}

// MarkRead 将对方消息标记为已读
// @Router /api/v1/sessions/{id}/read [post]
func (h *ChatHandler) MarkRead(c *gin.Context) {
	sess, ok := h.viewable(c)
	if !ok {
		return
	}
	uid := caller(c).UserID
	ids, err := h.delivery.MarkRead(c.Request.Context(), sess.ID, uid)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if h.hub != nil {
		h.hub.BroadcastRead(sess.ID, uid, ids)
	}
	c.JSON(http.StatusOK, gin.H{"message_ids": ids, "count": len(ids)})
}

// UpdateMessageStatus 推进消息投递状态；回退请求返回 updated=false
// @Router /api/v1/messages/{id}/status [put]
func (h *ChatHandler) UpdateMessageStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	msg, err := h.delivery.GetMessage(ctx, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	sess, err := h.lifecycle.GetSession(ctx, msg.SessionID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !services.CanView(sess, caller(c).UserID) {
		respondError(c, h.logger, services.ErrNotParticipant)
		return
	}
	updated, err := h.delivery.UpdateDeliveryStatus(ctx, msg.ID, models.DeliveryStatus(req.Status))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": msg.ID, "updated": updated})
}

// GetOnlineUsers 在线用户列表
// @Router /api/v1/presence/online [get]
func (h *ChatHandler) GetOnlineUsers(c *gin.Context) {
	users := []string{}
	if h.presence != nil {
		got, err := h.presence.OnlineUsers(c.Request.Context())
		if err != nil {
			h.logger.WithError(err).Warn("list online users failed")
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Error:   http.StatusText(http.StatusServiceUnavailable),
				Message: "presence temporarily unavailable",
				Code:    string(services.KindTransient),
			})
			return
		}
		if got != nil {
			users = got
		}
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

// viewable 加载路径中的会话并确认调用方可见；失败时已写入响应
func (h *ChatHandler) viewable(c *gin.Context) (*models.Session, bool) {
	sess, err := h.lifecycle.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return nil, false
	}
	if !services.CanView(sess, caller(c).UserID) {
		respondError(c, h.logger, services.ErrNotParticipant)
		return nil, false
	}
	return sess, true
}
