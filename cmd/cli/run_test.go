package cli

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"supportdesk/internal/auth"
	"supportdesk/internal/config"
	"supportdesk/internal/models"
	"supportdesk/internal/presence"
	"supportdesk/internal/store/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T, mutate func(*config.Config)) (*server, http.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = "cli-secret"
	cfg.Security.RateLimiting.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st := storetest.New(t)
	storetest.SeedUser(t, st, "alice", models.RoleCustomer)
	storetest.SeedUser(t, st, "bob", models.RoleOperator)

	srv, err := newServer(context.Background(), cfg, st.DB(), st, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.dispatcher.Close()
		for _, c := range srv.closers {
			_ = c()
		}
	})
	return srv, srv.router(logger)
}

func call(h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRouter_Wiring(t *testing.T) {
	_, h := testServer(t, nil)

	assert.Equal(t, http.StatusOK, call(h, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusOK, call(h, http.MethodGet, "/ready", "", "").Code)
	assert.Equal(t, http.StatusOK, call(h, http.MethodGet, "/metrics", "", "").Code)
	assert.Equal(t, http.StatusOK, call(h, http.MethodGet, "/api/v1/ws/stats", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(h, http.MethodGet, "/api/v1/sessions/customer", "", "").Code)

	tok, err := auth.NewJWTAuthenticator("cli-secret", "").Issue("alice", models.RoleCustomer, time.Hour)
	require.NoError(t, err)
	w := call(h, http.MethodPost, "/api/v1/sessions", tok, `{"initial_message":"hello"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sess models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, "Web", sess.ChannelType)
	assert.Equal(t, models.SessionWaiting, sess.Status)
}

func TestRouter_MetricsDisabled(t *testing.T) {
	_, h := testServer(t, func(c *config.Config) { c.Monitoring.Enabled = false })
	assert.Equal(t, http.StatusNotFound, call(h, http.MethodGet, "/metrics", "", "").Code)
}

func TestRouter_RedisPresenceMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	srv, h := testServer(t, func(c *config.Config) {
		c.Redis.Enabled = true
		c.Redis.Addr = mr.Addr()
	})
	require.NotNil(t, srv.redis)

	_, err := srv.registry.RegisterConnection("conn-1", "bob")
	require.NoError(t, err)
	assert.True(t, mr.Exists(presence.OnlineUsersKey))

	tok, err := auth.NewJWTAuthenticator("cli-secret", "").Issue("alice", models.RoleCustomer, time.Hour)
	require.NoError(t, err)
	w := call(h, http.MethodGet, "/api/v1/presence/online", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Users []string `json:"users"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"bob"}, body.Users)
}

func TestRouter_RedisUnavailableFallsBack(t *testing.T) {
	srv, _ := testServer(t, func(c *config.Config) {
		c.Redis.Enabled = true
		c.Redis.Addr = "127.0.0.1:1"
	})
	assert.Nil(t, srv.redis)
}
