package store_test

import (
	"context"
	"testing"
	"time"

	"supportdesk/internal/models"
	"supportdesk/internal/store"
	"supportdesk/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func seedSession(t *testing.T, st store.SessionStore, id string, status models.SessionStatus, op *string) *models.Session {
	t.Helper()
	now := time.Now()
	s := &models.Session{
		ID:                id,
		CustomerID:        "alice",
		OperatorID:        op,
		Status:            status,
		ChannelType:       "Web",
		ConnectionState:   models.ConnectionConnected,
		InactivityTimeout: 1800,
		CreatedAt:         now,
		LastActiveAt:      now,
	}
	require.NoError(t, st.CreateSession(context.Background(), s))
	return s
}

func TestGormStore_AppendMessage_AssignsSeqAndClampsSentAt(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	seedSession(t, st, "s1", models.SessionActive, strPtr("bob"))

	base := time.Now().UTC().Truncate(time.Millisecond)
	m1 := &models.Message{ID: "m1", SessionID: "s1", SenderID: "alice", Content: "hi", SentAt: base, DeliveryStatus: models.DeliverySent}
	require.NoError(t, st.AppendMessage(ctx, m1))
	assert.Equal(t, int64(1), m1.Seq)

	// 时钟回拨：SentAt 不得早于上一条
	m2 := &models.Message{ID: "m2", SessionID: "s1", SenderID: "bob", Content: "hello", SentAt: base.Add(-time.Minute), DeliveryStatus: models.DeliverySent}
	require.NoError(t, st.AppendMessage(ctx, m2))
	assert.Equal(t, int64(2), m2.Seq)
	assert.False(t, m2.SentAt.Before(m1.SentAt))

	last, err := st.LastMessage(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "m2", last.ID)
}

func TestGormStore_AppendMessage_UnknownSession(t *testing.T) {
	st := storetest.New(t)
	err := st.AppendMessage(context.Background(), &models.Message{ID: "m1", SessionID: "nope", SenderID: "a", Content: "x", SentAt: time.Now()})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGormStore_ListMessages_NewestFirstWindow(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	seedSession(t, st, "s1", models.SessionActive, strPtr("bob"))
	for i := 0; i < 5; i++ {
		require.NoError(t, st.AppendMessage(ctx, &models.Message{
			ID: "m" + string(rune('a'+i)), SessionID: "s1", SenderID: "alice", Content: "x",
			SentAt: time.Now(), DeliveryStatus: models.DeliverySent,
		}))
	}

	page, err := st.ListMessages(ctx, "s1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(5), page[0].Seq)
	assert.Equal(t, int64(4), page[1].Seq)

	page, err = st.ListMessages(ctx, "s1", 4, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(1), page[0].Seq)

	page, err = st.ListMessages(ctx, "s1", 10, 2)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestGormStore_UpdateSessionIf_OnlyOneWinner(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	seedSession(t, st, "s1", models.SessionWaiting, nil)

	cond := store.SessionCondition{Statuses: []models.SessionStatus{models.SessionWaiting}}
	hit, err := st.UpdateSessionIf(ctx, "s1", cond, map[string]interface{}{"status": models.SessionActive, "operator_id": "bob"})
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = st.UpdateSessionIf(ctx, "s1", cond, map[string]interface{}{"status": models.SessionActive, "operator_id": "carol"})
	require.NoError(t, err)
	assert.False(t, hit)

	s, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, s.OperatorID)
	assert.Equal(t, "bob", *s.OperatorID)
}

func TestGormStore_ApplyTransfer_WritesRecordOnlyOnHit(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	seedSession(t, st, "s1", models.SessionActive, strPtr("bob"))

	cond := store.SessionCondition{Statuses: []models.SessionStatus{models.SessionActive}, OperatorID: strPtr("bob")}
	rec := &models.TransferRecord{SessionID: "s1", FromOperatorID: strPtr("bob"), ToOperatorID: "carol", Reason: "shift end", TransferredAt: time.Now()}
	ok, err := st.ApplyTransfer(ctx, "s1", cond, map[string]interface{}{"status": models.SessionTransferred, "operator_id": "carol"}, rec)
	require.NoError(t, err)
	assert.True(t, ok)

	// 第二次前置条件不再满足
	rec2 := &models.TransferRecord{SessionID: "s1", FromOperatorID: strPtr("bob"), ToOperatorID: "dave", TransferredAt: time.Now()}
	ok, err = st.ApplyTransfer(ctx, "s1", cond, map[string]interface{}{"status": models.SessionTransferred, "operator_id": "dave"}, rec2)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.AcceptTransfer(ctx, "s1", "carol", time.Now()))
	recs, err := st.ListTransferRecords(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "carol", recs[0].ToOperatorID)
	assert.NotNil(t, recs[0].AcceptedAt)
}

func TestGormStore_MessageStatusAndReadTracking(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	seedSession(t, st, "s1", models.SessionActive, strPtr("bob"))
	for _, m := range []*models.Message{
		{ID: "m1", SessionID: "s1", SenderID: "alice", Content: "a", SentAt: time.Now(), DeliveryStatus: models.DeliverySent},
		{ID: "m2", SessionID: "s1", SenderID: "alice", Content: "b", SentAt: time.Now(), DeliveryStatus: models.DeliverySent},
		{ID: "m3", SessionID: "s1", SenderID: "bob", Content: "c", SentAt: time.Now(), DeliveryStatus: models.DeliverySent},
	} {
		require.NoError(t, st.AppendMessage(ctx, m))
	}

	ok, err := st.UpdateMessageStatusIf(ctx, "m1", models.PredecessorsOf(models.DeliveryDelivered), models.DeliveryDelivered)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := st.CountUnread(ctx, "s1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ids, err := st.MarkMessagesRead(ctx, "s1", "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids)

	n, err = st.CountUnread(ctx, "s1", "bob")
	require.NoError(t, err)
	assert.Zero(t, n)

	// 已读不可回退
	ok, err = st.UpdateMessageStatusIf(ctx, "m1", models.PredecessorsOf(models.DeliveryDelivered), models.DeliveryDelivered)
	require.NoError(t, err)
	assert.False(t, ok)

	m, err := st.GetMessage(ctx, "m3")
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, m.DeliveryStatus)
}

func TestGormStore_CountUnread_SkipsFailed(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	seedSession(t, st, "s1", models.SessionActive, strPtr("bob"))
	require.NoError(t, st.AppendMessage(ctx, &models.Message{ID: "m1", SessionID: "s1", SenderID: "alice", Content: "a", SentAt: time.Now(), DeliveryStatus: models.DeliverySent}))
	require.NoError(t, st.AppendMessage(ctx, &models.Message{ID: "m2", SessionID: "s1", SenderID: "alice", Content: "b", SentAt: time.Now(), DeliveryStatus: models.DeliverySent}))

	ok, err := st.UpdateMessageStatusIf(ctx, "m2", models.PredecessorsOf(models.DeliveryFailed), models.DeliveryFailed)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := st.CountUnread(ctx, "s1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ids, err := st.MarkMessagesRead(ctx, "s1", "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids)
	n, err = st.CountUnread(ctx, "s1", "bob")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGormStore_ListSessions_Filters(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	seedSession(t, st, "w1", models.SessionWaiting, nil)
	time.Sleep(5 * time.Millisecond)
	seedSession(t, st, "w2", models.SessionWaiting, nil)
	seedSession(t, st, "a1", models.SessionActive, strPtr("bob"))
	closed := seedSession(t, st, "c1", models.SessionActive, strPtr("bob"))
	_, err := st.UpdateSession(ctx, closed.ID, map[string]interface{}{
		"status": models.SessionClosed, "operator_id": nil, "last_operator_id": "bob",
	})
	require.NoError(t, err)

	waiting, err := st.ListSessions(ctx, store.SessionFilter{Statuses: []models.SessionStatus{models.SessionWaiting}, OldestFirst: true})
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, "w1", waiting[0].ID)

	mine, err := st.ListSessions(ctx, store.SessionFilter{OperatorID: "bob"})
	require.NoError(t, err)
	var ids []string
	for _, s := range mine {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{"a1", "c1"}, ids)

	all, err := st.ListSessions(ctx, store.SessionFilter{CustomerID: "alice", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestGormStore_NotFound(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()

	_, err := st.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.LastMessage(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	found, err := st.UpdateSession(ctx, "missing", map[string]interface{}{"status": models.SessionClosed})
	require.NoError(t, err)
	assert.False(t, found)
}
