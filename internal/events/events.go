// Пакет events — лента изменений для обновления списков в админке.
// Лента не влияет на корректность: потерянное событие означает лишь
// запоздалое обновление экрана.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Типы событий.
const (
	TypeRegistrationCreated = "registration.created"
	TypeRegistrationUpdated = "registration.updated"
	TypePlateUpdated        = "plate.updated"
	TypeRentalUpdated       = "rental.updated"
)

// Event — уведомление об изменении сущности.
type Event struct {
	Type       string    `json:"type"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Stage      string    `json:"stage,omitempty"`
	At         time.Time `json:"at"`
}

// Broker — публикация и подписка на ленту изменений.
type Broker interface {
	// Publish публикует событие. Ошибка не должна отменять изменение.
	Publish(ctx context.Context, e Event) error
	// Subscribe возвращает канал событий, закрываемый при отмене ctx.
	Subscribe(ctx context.Context) <-chan Event
	Close() error
}

// subscriberBuffer — размер буфера подписчика; при переполнении
// события для медленного подписчика отбрасываются.
const subscriberBuffer = 64

const readyTimeout = 3 * time.Second

// LocalBroker — лента внутри одного процесса.
type LocalBroker struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
	logger *slog.Logger
}

// NewLocalBroker создаёт ленту внутри процесса.
func NewLocalBroker(logger *slog.Logger) *LocalBroker {
	return &LocalBroker{
		subs:   make(map[chan Event]struct{}),
		logger: logger.With(slog.String("component", "events.local")),
	}
}

// Publish рассылает событие всем подписчикам без блокировки.
func (b *LocalBroker) Publish(_ context.Context, e Event) error {
	b.deliver(e)
	return nil
}

func (b *LocalBroker) deliver(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("Подписчик не успевает, событие отброшено",
				slog.String("type", e.Type),
				slog.String("entity_id", e.EntityID),
			)
		}
	}
}

// Subscribe регистрирует подписчика до отмены ctx.
func (b *LocalBroker) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(ch)
	}()
	return ch
}

func (b *LocalBroker) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Close закрывает все подписки.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	return nil
}
