package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Channel — канал Redis pub/sub ленты изменений.
const Channel = "dealerdesk:changes"

// RedisBroker — лента изменений через Redis pub/sub: события видны
// всем экземплярам сервиса. Локальные подписчики обслуживаются
// через LocalBroker, который получает сообщения из одной подписки Redis.
type RedisBroker struct {
	client *redis.Client
	pubsub *redis.PubSub
	local  *LocalBroker
	done   chan struct{}
	logger *slog.Logger
}

// NewRedisClient создаёт клиент по URL и проверяет соединение.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("разбор URL Redis: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redis недоступен: %w", err)
	}
	return client, nil
}

// NewRedisBroker подписывается на Channel и запускает пересылку
// сообщений локальным подписчикам.
func NewRedisBroker(ctx context.Context, client *redis.Client, logger *slog.Logger) (*RedisBroker, error) {
	pubsub := client.Subscribe(ctx, Channel)
	// Receive дожидается подтверждения подписки.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("подписка на %s: %w", Channel, err)
	}

	b := &RedisBroker{
		client: client,
		pubsub: pubsub,
		local:  NewLocalBroker(logger),
		done:   make(chan struct{}),
		logger: logger.With(slog.String("component", "events.redis")),
	}
	go b.forward()
	return b, nil
}

func (b *RedisBroker) forward() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		var e Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			b.logger.Warn("Некорректное событие в ленте",
				slog.String("error", err.Error()),
			)
			continue
		}
		b.local.deliver(e)
	}
}

// Publish публикует событие в Redis.
func (b *RedisBroker) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("сериализация события: %w", err)
	}
	if err := b.client.Publish(ctx, Channel, payload).Err(); err != nil {
		return fmt.Errorf("публикация события в Redis: %w", err)
	}
	return nil
}

// Subscribe возвращает канал событий из Redis до отмены ctx.
func (b *RedisBroker) Subscribe(ctx context.Context) <-chan Event {
	return b.local.Subscribe(ctx)
}

// Close закрывает подписку Redis и локальных подписчиков.
// Клиент Redis закрывает владелец.
func (b *RedisBroker) Close() error {
	err := b.pubsub.Close()
	<-b.done
	_ = b.local.Close()
	return err
}

// ReadinessChecker — проверка доступности Redis для /health/ready.
type ReadinessChecker struct {
	client *redis.Client
}

// NewReadinessChecker создаёт проверку Redis.
func NewReadinessChecker(client *redis.Client) *ReadinessChecker {
	return &ReadinessChecker{client: client}
}

// CheckReady возвращает "degraded" при недоступном Redis: лента
// изменений не критична для работы сервиса.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return "degraded", fmt.Sprintf("Redis недоступен: %v", err)
	}
	return "ok", "подключение активно"
}
