package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"supportdesk/internal/config"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaPublisher_PublishesJSONKeyedBySession(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var e Event
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		if e.Type != SessionClaimed || e.SessionID != "s1" || e.ActorID != "bob" {
			return errors.New("unexpected event payload")
		}
		return nil
	})

	p := NewKafkaPublisherWithProducer(sp, "support.events", nil)
	require.NoError(t, p.Publish(context.Background(), New(SessionClaimed, "s1", "bob", nil)))
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_PropagatesProducerError(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewKafkaPublisherWithProducer(sp, "support.events", nil)
	err := p.Publish(context.Background(), New(MessageSent, "s1", "alice", nil))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

func TestNewSaramaConfig(t *testing.T) {
	sc := NewSaramaConfig(config.KafkaConfig{ClientID: "supportdesk"})
	assert.Equal(t, "supportdesk", sc.ClientID)
	assert.True(t, sc.Producer.Return.Successes)
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
}

type recordingPublisher struct {
	mu   sync.Mutex
	got  []Event
	fail bool
}

func (r *recordingPublisher) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broker down")
	}
	r.got = append(r.got, e)
	return nil
}

func (r *recordingPublisher) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.got...)
}

func TestDispatcher_DeliversInOrderAndDrainsOnClose(t *testing.T) {
	rec := &recordingPublisher{}
	d := NewDispatcher(rec, config.EventsConfig{QueueSize: 16}, nil)
	d.Start()

	for _, typ := range []string{SessionCreated, SessionClaimed, MessageSent} {
		require.NoError(t, d.Publish(context.Background(), New(typ, "s1", "", nil)))
	}
	d.Close()

	got := rec.events()
	require.Len(t, got, 3)
	assert.Equal(t, SessionCreated, got[0].Type)
	assert.Equal(t, MessageSent, got[2].Type)
	assert.EqualValues(t, 3, d.Stats()["published"])

	// 关闭后入队直接丢弃
	require.NoError(t, d.Publish(context.Background(), New(SessionClosed, "s1", "", nil)))
	assert.EqualValues(t, 1, d.Stats()["dropped"])
}

func TestDispatcher_QueueFullDrops(t *testing.T) {
	rec := &recordingPublisher{}
	d := NewDispatcher(rec, config.EventsConfig{QueueSize: 1}, nil)
	// 未启动：第一条占满队列，第二条被丢弃
	require.NoError(t, d.Publish(context.Background(), New(SessionCreated, "s1", "", nil)))
	require.NoError(t, d.Publish(context.Background(), New(SessionCreated, "s2", "", nil)))
	assert.EqualValues(t, 1, d.Stats()["dropped"])
}

func TestDispatcher_BreakerOpensAfterFailures(t *testing.T) {
	rec := &recordingPublisher{fail: true}
	d := NewDispatcher(rec, config.EventsConfig{
		QueueSize:      16,
		CircuitBreaker: config.CircuitBreakerConfig{Enabled: true, MaxFailures: 2, ResetTimeout: time.Hour},
	}, nil)
	d.Start()
	for i := 0; i < 4; i++ {
		require.NoError(t, d.Publish(context.Background(), New(MessageSent, "s1", "", nil)))
	}
	d.Close()

	stats := d.Stats()
	assert.EqualValues(t, 2, stats["failed"])
	assert.EqualValues(t, 2, stats["dropped"])
	assert.Equal(t, "open", stats["circuit_breaker"].(map[string]interface{})["state"])
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(config.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMaxReqs: 1})
	cb.now = func() time.Time { return now }

	assert.True(t, cb.Allow())
	cb.OnFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Second)
	assert.True(t, cb.Allow())
	assert.Equal(t, BreakerHalfOpen, cb.State())
	assert.False(t, cb.Allow())

	cb.OnSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.Allow())
}
