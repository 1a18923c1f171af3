package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"supportdesk/internal/config"
	"supportdesk/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
}

func startWebSocketServer(t *testing.T, env *testEnv) (*WebSocketHub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	wsHub := NewWebSocketHub(env.hub, env.auth, config.HubConfig{}, quietLogger())
	r := gin.New()
	r.GET("/ws", wsHub.HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		wsHub.Shutdown()
		srv.Close()
	})
	return wsHub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialAs(t *testing.T, env *testEnv, url, userID string, role models.Role) *websocket.Conn {
	t.Helper()
	token, err := env.tokens.Issue(userID, role, time.Hour)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(wireEvent) bool) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var e wireEvent
		require.NoError(t, conn.ReadJSON(&e))
		if match(e) {
			return e
		}
	}
}

func ofType(typ string) func(wireEvent) bool {
	return func(e wireEvent) bool { return e.Type == typ }
}

func TestWebSocketHub_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	wsHub, url := startWebSocketServer(t, env)

	bob := dialAs(t, env, url, "bob", models.RoleOperator)
	readUntil(t, bob, ofType(EventIdentified))
	alice := dialAs(t, env, url, "alice", models.RoleCustomer)
	readUntil(t, alice, ofType(EventIdentified))
	assert.Equal(t, 2, wsHub.GetClientCount())

	s, err := env.lifecycle.CreateSession(context.Background(), "alice", "Web", "my order is late")
	require.NoError(t, err)
	queued := readUntil(t, bob, ofType(EventSessionQueued))
	assert.Equal(t, s.ID, queued.SessionID)

	require.NoError(t, bob.WriteJSON(Command{Type: CommandClaimSession, SessionID: s.ID}))
	readUntil(t, bob, ofType(EventJoinedSession))

	require.NoError(t, alice.WriteJSON(Command{Type: CommandJoinSession, SessionID: s.ID}))
	hist := readUntil(t, alice, ofType(EventMessageHistory))
	var history []MessageView
	require.NoError(t, json.Unmarshal(hist.Data, &history))
	require.Len(t, history, 1)
	assert.Equal(t, "my order is late", history[0].Content)

	require.NoError(t, alice.WriteJSON(Command{Type: CommandSendMessage, SessionID: s.ID, Content: "any update?"}))
	got := readUntil(t, bob, ofType(EventReceiveMessage))
	var msg MessageView
	require.NoError(t, json.Unmarshal(got.Data, &msg))
	assert.Equal(t, "any update?", msg.Content)
	assert.Equal(t, "alice", msg.SenderID)

	require.NoError(t, alice.Close())
	readUntil(t, bob, func(e wireEvent) bool {
		if e.Type != EventUserOnlineStatusChanged {
			return false
		}
		var p struct {
			UserID   string `json:"user_id"`
			IsOnline bool   `json:"is_online"`
		}
		require.NoError(t, json.Unmarshal(e.Data, &p))
		return p.UserID == "alice" && !p.IsOnline
	})
	assert.Eventually(t, func() bool { return wsHub.GetClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketHub_ErrorsStayWithCaller(t *testing.T) {
	env := newTestEnv(t)
	_, url := startWebSocketServer(t, env)

	carol := dialAs(t, env, url, "carol", models.RoleCustomer)
	readUntil(t, carol, ofType(EventIdentified))

	require.NoError(t, carol.WriteMessage(websocket.TextMessage, []byte("not json")))
	e := readUntil(t, carol, ofType(EventError))
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(e.Data, &p))
	assert.Equal(t, KindInvalidInput, p.Code)

	// 连接在错误后仍可用
	require.NoError(t, carol.WriteJSON(Command{Type: CommandPing}))
	readUntil(t, carol, ofType(EventPong))
}

func TestWebSocketHub_RejectsInvalidToken(t *testing.T) {
	env := newTestEnv(t)
	_, url := startWebSocketServer(t, env)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?token=forged", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketHub_AnonymousConnectIdentifies(t *testing.T) {
	env := newTestEnv(t)
	_, url := startWebSocketServer(t, env)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	token, err := env.tokens.Issue("dave", models.RoleOperator, time.Hour)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Command{Type: CommandIdentify, Token: token}))
	e := readUntil(t, conn, ofType(EventIdentified))
	assert.Contains(t, string(e.Data), `"dave"`)
	assert.True(t, env.registry.IsOnline("dave"))
}
