package services

import (
	"context"
	"io"
	"sync"
	"testing"

	"supportdesk/internal/auth"
	"supportdesk/internal/models"
	"supportdesk/internal/store"
	"supportdesk/internal/store/storetest"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu         sync.Mutex
	sent       map[string][]Event
	fail       map[string]error
	broadcasts []Event
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{sent: make(map[string][]Event), fail: make(map[string]error)}
}

func (r *recordingTransport) SendTo(connID string, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[connID]; err != nil {
		return err
	}
	r.sent[connID] = append(r.sent[connID], e)
	return nil
}

func (r *recordingTransport) Broadcast(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, e)
}

func (r *recordingTransport) failFor(connID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[connID] = err
}

func (r *recordingTransport) events(connID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.sent[connID]...)
}

func (r *recordingTransport) ofType(connID, typ string) []Event {
	var out []Event
	for _, e := range r.events(connID) {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingTransport) broadcastsOfType(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.broadcasts {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	store     *store.GormStore
	tokens    *auth.JWTAuthenticator
	auth      *auth.Provider
	registry  *ConnectionRegistry
	lifecycle *SessionLifecycle
	delivery  *DeliveryEngine
	hub       *HubProtocol
	transport *recordingTransport
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestEnv 组装完整的服务栈；用户：alice/carol 为客户，bob/dave 为客服
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := storetest.New(t)
	for _, u := range []struct {
		id   string
		role models.Role
	}{
		{"alice", models.RoleCustomer},
		{"carol", models.RoleCustomer},
		{"bob", models.RoleOperator},
		{"dave", models.RoleOperator},
	} {
		storetest.SeedUser(t, st, u.id, u.role)
	}

	logger := quietLogger()
	tokens := auth.NewJWTAuthenticator("test-secret", "")
	provider := auth.NewProvider(tokens, st)
	registry := NewConnectionRegistry()
	lifecycle := NewSessionLifecycle(st, provider, nil, logger)
	delivery := NewDeliveryEngine(st, registry, lifecycle, provider, nil, logger)
	lifecycle.SetMessageSender(delivery)
	hub := NewHubProtocol(registry, lifecycle, delivery, provider, nil, logger, HubProtocolOptions{
		SingleSessionPerConnection: true,
		HistoryPageSize:            50,
	})
	tr := newRecordingTransport()
	hub.SetTransport(tr)

	return &testEnv{
		store:     st,
		tokens:    tokens,
		auth:      provider,
		registry:  registry,
		lifecycle: lifecycle,
		delivery:  delivery,
		hub:       hub,
		transport: tr,
	}
}

func (e *testEnv) connect(t *testing.T, connID, userID string) {
	t.Helper()
	u, err := e.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	require.NoError(t, e.hub.OnConnect(context.Background(), connID, &auth.Identity{UserID: u.ID, Role: u.Role}))
}

func (e *testEnv) activeSession(t *testing.T, customerID, operatorID string) *models.Session {
	t.Helper()
	ctx := context.Background()
	s, err := e.lifecycle.CreateSession(ctx, customerID, "", "")
	require.NoError(t, err)
	s, err = e.lifecycle.ClaimSession(ctx, s.ID, operatorID)
	require.NoError(t, err)
	return s
}

func (e *testEnv) reload(t *testing.T, id string) *models.Session {
	t.Helper()
	s, err := e.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}
