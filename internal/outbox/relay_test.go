package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"auto-apply-go/internal/storage"
	"auto-apply-go/internal/storage/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type published struct {
	exchange   string
	routingKey string
	body       string
}

type fakePublisher struct {
	mu       sync.Mutex
	fail     bool
	messages []published
}

func (p *fakePublisher) PublishMessage(_ context.Context, exchange, routingKey string, body []byte, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.messages = append(p.messages, published{exchange, routingKey, string(body)})
	return nil
}

func newTestDB(t *testing.T) *storage.MySQL {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), storage.GormConfig(1))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	m, err := storage.NewMySQLFromDB(db)
	require.NoError(t, err)
	return m
}

func enqueue(t *testing.T, m *storage.MySQL, aggregateID, routingKey string) {
	t.Helper()
	require.NoError(t, m.EnqueueOutboxMessage(context.Background(), &models.OutboxMessage{
		AggregateID:      aggregateID,
		EventType:        "automation.run.finished",
		Payload:          `{"run_id":"` + aggregateID + `"}`,
		TargetExchange:   "automation.events",
		TargetRoutingKey: routingKey,
	}))
}

func TestRelayPublishesPendingMessages(t *testing.T) {
	m := newTestDB(t)
	enqueue(t, m, "run-1", "automation.run.completed")
	enqueue(t, m, "run-2", "automation.run.failed")

	pub := &fakePublisher{}
	relay := NewMessageRelay(m.DB(), pub, zerolog.Nop(), Options{})

	n, err := relay.ProcessPendingMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.messages, 2)
	assert.Equal(t, "automation.run.completed", pub.messages[0].routingKey)
	assert.Equal(t, "automation.events", pub.messages[0].exchange)
	assert.JSONEq(t, `{"run_id":"run-1"}`, pub.messages[0].body)

	var sent int64
	require.NoError(t, m.DB().Model(&models.OutboxMessage{}).Where("status = ?", models.OutboxStatusSent).Count(&sent).Error)
	assert.Equal(t, int64(2), sent)

	// 已发送的消息不会重复发布
	n, err = relay.ProcessPendingMessages(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, pub.messages, 2)
}

func TestRelayMarksFailedAfterMaxRetries(t *testing.T) {
	m := newTestDB(t)
	enqueue(t, m, "run-1", "automation.run.completed")

	pub := &fakePublisher{fail: true}
	relay := NewMessageRelay(m.DB(), pub, zerolog.Nop(), Options{MaxRetries: 2})

	_, err := relay.ProcessPendingMessages(context.Background())
	require.NoError(t, err)

	var msg models.OutboxMessage
	require.NoError(t, m.DB().First(&msg).Error)
	assert.Equal(t, models.OutboxStatusPending, msg.Status)
	assert.Equal(t, 1, msg.RetryCount)
	assert.Contains(t, msg.ErrorMessage, "broker unavailable")

	_, err = relay.ProcessPendingMessages(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.DB().First(&msg).Error)
	assert.Equal(t, models.OutboxStatusFailed, msg.Status)
	assert.Equal(t, 2, msg.RetryCount)

	// 失败的消息不再拾取
	n, err := relay.ProcessPendingMessages(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayStartStop(t *testing.T) {
	m := newTestDB(t)
	relay := NewMessageRelay(m.DB(), &fakePublisher{}, zerolog.Nop(), Options{})
	relay.Start()
	relay.Stop()
	relay.Stop()
}
