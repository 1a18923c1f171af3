package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisMirror(client, time.Hour, nil), mr
}

func TestRedisMirror_OnlineOffline(t *testing.T) {
	m, mr := newMirror(t)
	ctx := context.Background()

	require.NoError(t, m.SetOnline(ctx, "bob", true))
	require.NoError(t, m.SetOnline(ctx, "alice", true))
	ids, err := m.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, ids)
	assert.Equal(t, time.Hour, mr.TTL(OnlineUsersKey))

	require.NoError(t, m.SetOnline(ctx, "bob", false))
	ids, err = m.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, ids)
}

func TestRedisMirror_ListenerAndReset(t *testing.T) {
	m, _ := newMirror(t)
	ctx := context.Background()

	l := m.Listener()
	l("carol", true)
	ids, err := m.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, ids)

	require.NoError(t, m.Reset(ctx))
	ids, err = m.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRedisMirror_ListenerSwallowsErrors(t *testing.T) {
	m, mr := newMirror(t)
	mr.Close()
	assert.NotPanics(t, func() { m.Listener()("dave", true) })
}
