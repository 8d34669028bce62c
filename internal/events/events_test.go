package events

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "канал закрыт раньше времени")
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("событие не получено")
		return Event{}
	}
}

func TestLocalBroker_FanOut(t *testing.T) {
	b := NewLocalBroker(testLogger())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s1 := b.Subscribe(ctx)
	s2 := b.Subscribe(ctx)

	e := Event{Type: TypeRegistrationUpdated, EntityType: "registration", EntityID: "r1", Stage: "dmv_processing"}
	require.NoError(t, b.Publish(ctx, e))

	assert.Equal(t, e, receive(t, s1))
	assert.Equal(t, e, receive(t, s2))
}

func TestLocalBroker_UnsubscribeOnCancel(t *testing.T) {
	b := NewLocalBroker(testLogger())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "после отмены канал должен закрыться")
	case <-time.After(5 * time.Second):
		t.Fatal("канал не закрыт после отмены контекста")
	}
}

func TestLocalBroker_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewLocalBroker(testLogger())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = b.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			_ = b.Publish(ctx, Event{Type: TypeRegistrationUpdated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish заблокирован медленным подписчиком")
	}
}

func TestLocalBroker_SubscribeAfterClose(t *testing.T) {
	b := NewLocalBroker(testLogger())
	require.NoError(t, b.Close())

	_, ok := <-b.Subscribe(context.Background())
	assert.False(t, ok)
}

// TestRedisBroker_CrossInstance проверяет доставку между двумя экземплярами
// через Redis pub/sub.
func TestRedisBroker_CrossInstance(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	newBroker := func() (*RedisBroker, *redis.Client) {
		client, err := NewRedisClient(ctx, url)
		require.NoError(t, err)
		b, err := NewRedisBroker(ctx, client, testLogger())
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = b.Close()
			_ = client.Close()
		})
		return b, client
	}

	publisher, client := newBroker()
	subscriber, _ := newBroker()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := subscriber.Subscribe(subCtx)

	e := Event{
		Type:       TypeRegistrationCreated,
		EntityType: "registration",
		EntityID:   "r-42",
		Stage:      "sale_complete",
		At:         time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, publisher.Publish(ctx, e))
	assert.Equal(t, e, receive(t, ch))

	status, _ := NewReadinessChecker(client).CheckReady()
	assert.Equal(t, "ok", status)
}
