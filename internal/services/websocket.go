package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"supportdesk/internal/auth"
	"supportdesk/internal/config"
	"supportdesk/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	// ErrSlowConsumer 发送缓冲已满，连接被关闭
	ErrSlowConsumer = errors.New("websocket client too slow")
	// ErrConnectionClosed 连接不存在或已关闭
	ErrConnectionClosed = errors.New("websocket connection closed")
)

type WebSocketClient struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan Event
	Hub    *WebSocketHub

	done      chan struct{}
	closeOnce sync.Once
}

// WebSocketHub gorilla/websocket 上的 Transport 实现：
// 每个连接一个读协程（命令按到达顺序串行处理）和一个写协程（含 ping/pong 保活）。
type WebSocketHub struct {
	clients  map[string]*WebSocketClient
	mutex    sync.RWMutex
	protocol *HubProtocol
	auth     AuthProvider
	cfg      config.HubConfig
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

// NewWebSocketHub 创建连接层并接入协议层
func NewWebSocketHub(protocol *HubProtocol, authProvider AuthProvider, cfg config.HubConfig, logger *logrus.Logger) *WebSocketHub {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 8 * 1024
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	h := &WebSocketHub{
		clients:  make(map[string]*WebSocketClient),
		protocol: protocol,
		auth:     authProvider,
		cfg:      cfg,
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	protocol.SetTransport(h)
	return h
}

func (h *WebSocketHub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// HandleWebSocket 升级连接。携带 token（query 或 Bearer 头）时在升级前完成认证，
// 否则连接以匿名状态建立，需要发送 identify 命令。
func (h *WebSocketHub) HandleWebSocket(c *gin.Context) {
	var identity *auth.Identity
	if token := requestToken(c); token != "" {
		if h.auth == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service Unavailable", "message": "authentication unavailable"})
			return
		}
		id, err := h.auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized", "message": err.Error()})
			return
		}
		identity = id
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &WebSocketClient{
		ID:   uuid.NewString(),
		Conn: conn,
		Send: make(chan Event, h.cfg.SendBufferSize),
		Hub:  h,
		done: make(chan struct{}),
	}
	if identity != nil {
		client.UserID = identity.UserID
	}
	h.register(client)

	if err := h.protocol.OnConnect(context.Background(), client.ID, identity); err != nil {
		h.logger.WithError(err).WithField("connection_id", client.ID).Warn("connect rejected")
		_ = conn.WriteJSON(NewEvent(EventError, "", ErrorPayload{Code: KindOf(err), Message: err.Error()}))
		h.unregister(client)
		return
	}
	if identity != nil {
		client.trySend(NewEvent(EventIdentified, "", identity))
	}

	go client.writePump()
	go client.readPump()
}

func requestToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	ah := c.GetHeader("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		return strings.TrimSpace(ah[len("Bearer "):])
	}
	return ""
}

func (h *WebSocketHub) register(client *WebSocketClient) {
	h.mutex.Lock()
	h.clients[client.ID] = client
	h.mutex.Unlock()
	metrics.ConnectionOpened()
	h.logger.WithFields(logrus.Fields{"connection_id": client.ID, "user_id": client.UserID}).Info("client connected")
}

// unregister 只执行一次：移除连接并通知协议层
func (h *WebSocketHub) unregister(client *WebSocketClient) {
	h.mutex.Lock()
	_, ok := h.clients[client.ID]
	if ok {
		delete(h.clients, client.ID)
	}
	h.mutex.Unlock()

	client.close()
	if !ok {
		return
	}
	metrics.ConnectionClosed()
	h.protocol.OnDisconnect(context.Background(), client.ID)
	h.logger.WithField("connection_id", client.ID).Info("client disconnected")
}

// SendTo 非阻塞推送；缓冲满时关闭该连接
func (h *WebSocketHub) SendTo(connID string, e Event) error {
	h.mutex.RLock()
	client, ok := h.clients[connID]
	h.mutex.RUnlock()
	if !ok {
		return ErrConnectionClosed
	}
	return client.trySend(e)
}

// Broadcast 推送给所有连接
func (h *WebSocketHub) Broadcast(e Event) {
	h.mutex.RLock()
	targets := make([]*WebSocketClient, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mutex.RUnlock()

	for _, c := range targets {
		if err := c.trySend(e); err != nil {
			h.logger.WithError(err).WithField("connection_id", c.ID).Debug("broadcast skipped connection")
		}
	}
}

func (c *WebSocketClient) trySend(e Event) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.Send <- e:
		return nil
	default:
		c.close()
		return ErrSlowConsumer
	}
}

// close 关闭底层连接，读协程随之退出并触发注销
func (c *WebSocketClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.Conn.Close()
	})
}

func (c *WebSocketClient) readPump() {
	defer c.Hub.unregister(c)

	cfg := c.Hub.cfg
	c.Conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.Conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.Hub.logger.WithError(err).WithField("connection_id", c.ID).Warn("websocket read error")
			}
			return
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		c.Hub.protocol.Dispatch(context.Background(), c.ID, raw)
	}
}

func (c *WebSocketClient) writePump() {
	cfg := c.Hub.cfg
	ticker := time.NewTicker(cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case e := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.Conn.WriteJSON(e); err != nil {
				c.Hub.logger.WithError(err).WithField("connection_id", c.ID).Debug("write failed")
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(cfg.WriteWait))
			return
		}
	}
}

// GetClientCount 当前连接数
func (h *WebSocketHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Stats 连接层统计
func (h *WebSocketHub) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connections":  h.GetClientCount(),
		"online_users": len(h.protocol.registry.OnlineUsers()),
	}
}

// Shutdown 关闭所有连接
func (h *WebSocketHub) Shutdown() {
	h.mutex.RLock()
	targets := make([]*WebSocketClient, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mutex.RUnlock()
	for _, c := range targets {
		c.close()
	}
}
