// Пакет notify — уведомления клиента о смене стадии регистрации.
//
// Dispatcher составляет текст по каталогу стадий, определяет каналы
// по предпочтению клиента и отправляет их параллельно. Каждая попытка
// по каждому каналу записывается в registration_notifications, включая
// неудачные. Ошибки доставки не возвращаются вызывающему: они видны
// только в истории уведомлений.
package notify

//go:generate mockgen -source=dispatcher.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/domain/stage"
	"github.com/bigkaa/dealerdesk/internal/messaging"
	"github.com/bigkaa/dealerdesk/internal/repository"
)

// Текст ошибки для канала без контакта.
const noRecipientError = "no recipient on file"

// recordTimeout — таймаут записи попытки. Запись не зависит от отмены
// контекста отправки: неудачная попытка тоже должна попасть в историю.
const recordTimeout = 5 * time.Second

var (
	// ErrAlreadyDelivered — попытка уже доставлена, повтор не нужен.
	ErrAlreadyDelivered = errors.New("уведомление уже доставлено")
	// ErrChannelDisabled — клиент отключил канал, повтор запрещён.
	ErrChannelDisabled = errors.New("канал отключён предпочтением клиента")
	// ErrInvalidRecipient — пустой получатель или код подтверждения.
	ErrInvalidRecipient = errors.New("не указан получатель или код")
)

var notificationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dd_notification_attempts_total",
	Help: "Попытки отправки уведомлений о смене стадии (по каналу и результату).",
}, []string{"channel", "outcome"})

// Sender — исходящий канал доставки (шлюз рассылок или лог).
type Sender interface {
	Send(ctx context.Context, msg messaging.Message) error
}

// ErrorReporter — получатель ошибок, которые нельзя вернуть вызывающему.
type ErrorReporter interface {
	Report(ctx context.Context, component string, err error)
}

// Config — параметры составления ссылок и фоновой отправки.
type Config struct {
	// PublicBaseURL — база ссылок трекера и отписки, без завершающего "/"
	PublicBaseURL string
	// DealerPhone — телефон для вопросов (пусто — строка не добавляется)
	DealerPhone string
	// Timeout — общий таймаут фоновой отправки по одной смене стадии
	Timeout time.Duration
}

// Change — смена стадии, о которой нужно уведомить клиента.
type Change struct {
	// Registration — состояние после фиксации транзакции
	Registration *model.Registration
	From         stage.Stage
	To           stage.Stage
}

// Dispatcher — отправка и учёт уведомлений о смене стадии.
type Dispatcher struct {
	store    repository.Store
	sender   Sender
	cfg      Config
	reporter ErrorReporter
	logger   *slog.Logger

	wg  sync.WaitGroup
	now func() time.Time
}

// New создаёт Dispatcher.
func New(store repository.Store, sender Sender, cfg Config, reporter ErrorReporter, logger *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &Dispatcher{
		store:    store,
		sender:   sender,
		cfg:      cfg,
		reporter: reporter,
		logger:   logger.With(slog.String("component", "notify")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// attempt — результат отправки по одному каналу.
type attempt struct {
	channel   model.Channel
	recipient string
	err       error
}

// StageChanged отправляет уведомления по всем включённым каналам и записывает
// по одной строке на канал. Возвращает записанные попытки. Ошибка возвращается
// только если не удалось записать попытку в хранилище.
func (d *Dispatcher) StageChanged(ctx context.Context, ch Change) ([]*model.Notification, error) {
	reg := ch.Registration
	channels := reg.NotificationPreference.Channels()
	if len(channels) == 0 {
		d.logger.Debug("Уведомления отключены клиентом",
			slog.String("registration_id", reg.ID),
			slog.String("stage", string(ch.To)),
		)
		return nil, nil
	}

	def, ok := stage.Lookup(ch.To)
	if !ok {
		return nil, fmt.Errorf("неизвестная стадия %q", ch.To)
	}

	sendCtx, cancelSend := sendContext(ctx)
	attempts := make([]attempt, len(channels))
	var g errgroup.Group
	for i, channel := range channels {
		g.Go(func() error {
			attempts[i] = d.send(sendCtx, channel, recipientFor(reg, channel), d.compose(reg, def, channel))
			return nil
		})
	}
	_ = g.Wait()
	cancelSend()

	recordCtx, cancelRecord := recordContext(ctx)
	defer cancelRecord()

	var recorded []*model.Notification
	var errs []error
	for _, a := range attempts {
		n := d.newNotification(reg.ID, ch.From, ch.To, a)
		if err := d.store.Repos().Notifications.Create(recordCtx, n); err != nil {
			errs = append(errs, fmt.Errorf("запись попытки %s: %w", a.channel, err))
			continue
		}
		recorded = append(recorded, n)
	}

	d.logger.Info("Уведомления о смене стадии отправлены",
		slog.String("registration_id", reg.ID),
		slog.String("from", string(ch.From)),
		slog.String("to", string(ch.To)),
		slog.Int("attempts", len(attempts)),
	)

	return recorded, errors.Join(errs...)
}

// DispatchAsync запускает StageChanged в фоне с собственным таймаутом.
// Ошибки передаются ErrorReporter.
func (d *Dispatcher) DispatchAsync(ch Change) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
		defer cancel()

		if _, err := d.StageChanged(ctx, ch); err != nil {
			d.reporter.Report(ctx, "notify", err)
		}
	}()
}

// Wait ожидает завершения всех фоновых отправок.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Retry повторяет неудачную попытку по тому же каналу на текущий контакт
// клиента. Исходная строка не изменяется, создаётся новая с retry_of.
func (d *Dispatcher) Retry(ctx context.Context, notificationID string) (*model.Notification, error) {
	repos := d.store.Repos()

	prev, err := repos.Notifications.GetByID(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	if prev.Delivered {
		return nil, ErrAlreadyDelivered
	}

	reg, err := repos.Registrations.GetByID(ctx, prev.RegistrationID)
	if err != nil {
		return nil, err
	}
	if !hasChannel(reg.NotificationPreference.Channels(), prev.Channel) {
		return nil, fmt.Errorf("%w: %s", ErrChannelDisabled, prev.Channel)
	}

	def, ok := stage.Lookup(prev.NewStage)
	if !ok {
		return nil, fmt.Errorf("неизвестная стадия %q", prev.NewStage)
	}

	sendCtx, cancelSend := sendContext(ctx)
	a := d.send(sendCtx, prev.Channel, recipientFor(reg, prev.Channel), d.compose(reg, def, prev.Channel))
	cancelSend()

	n := d.newNotification(reg.ID, prev.OldStage, prev.NewStage, a)
	retryOf := prev.ID
	n.RetryOf = &retryOf

	recordCtx, cancelRecord := recordContext(ctx)
	defer cancelRecord()
	if err := repos.Notifications.Create(recordCtx, n); err != nil {
		return nil, fmt.Errorf("запись повторной попытки: %w", err)
	}

	d.logger.Info("Повторная отправка уведомления",
		slog.String("notification_id", n.ID),
		slog.String("retry_of", prev.ID),
		slog.Bool("delivered", n.Delivered),
	)
	return n, nil
}

// SendVerificationCode отправляет код подтверждения контакта. Предпочтение
// клиента не учитывается, попытка не записывается как уведомление о стадии.
func (d *Dispatcher) SendVerificationCode(ctx context.Context, channel model.Channel, recipient, code string) error {
	if strings.TrimSpace(recipient) == "" || code == "" {
		return ErrInvalidRecipient
	}
	msg := messaging.Message{
		Channel: channel,
		To:      recipient,
		Body:    fmt.Sprintf("Your verification code is %s. It was requested by your dealership.", code),
	}
	if channel == model.ChannelEmail {
		msg.Subject = "Your verification code"
	}
	if err := d.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("отправка кода подтверждения: %w", err)
	}
	return nil
}

// send выполняет одну попытку. Канал без контакта считается неудачной попыткой.
func (d *Dispatcher) send(ctx context.Context, channel model.Channel, recipient string, msg messaging.Message) attempt {
	a := attempt{channel: channel, recipient: recipient}
	if recipient == "" {
		a.err = errors.New(noRecipientError)
	} else {
		msg.To = recipient
		a.err = d.sender.Send(ctx, msg)
	}

	outcome := "delivered"
	if a.err != nil {
		outcome = "failed"
		d.logger.Warn("Уведомление не доставлено",
			slog.String("channel", string(channel)),
			slog.String("error", a.err.Error()),
		)
	}
	notificationAttempts.WithLabelValues(string(channel), outcome).Inc()
	return a
}

func (d *Dispatcher) newNotification(registrationID string, from, to stage.Stage, a attempt) *model.Notification {
	n := &model.Notification{
		ID:             uuid.NewString(),
		RegistrationID: registrationID,
		Channel:        a.channel,
		Recipient:      a.recipient,
		OldStage:       from,
		NewStage:       to,
		SentAt:         d.now(),
		Delivered:      a.err == nil,
	}
	if a.err != nil {
		text := a.err.Error()
		n.Error = &text
	}
	return n
}

// compose составляет сообщение о входе в стадию.
func (d *Dispatcher) compose(reg *model.Registration, def stage.Definition, channel model.Channel) messaging.Message {
	var b strings.Builder
	if channel == model.ChannelEmail {
		fmt.Fprintf(&b, "Hi %s,\n\n", reg.CustomerName)
	}
	fmt.Fprintf(&b, "%s (order %s", def.CustomerMessage, reg.OrderID)
	if desc := reg.VehicleDescription(); desc != "" {
		fmt.Fprintf(&b, ", %s", desc)
	}
	b.WriteString(")\n")
	fmt.Fprintf(&b, "Track your registration: %s\n", d.TrackerURL(reg))
	if d.cfg.DealerPhone != "" {
		fmt.Fprintf(&b, "Questions? Call us at %s\n", d.cfg.DealerPhone)
	}
	fmt.Fprintf(&b, "Stop these updates: %s", d.UnsubscribeURL(reg))

	msg := messaging.Message{Channel: channel, Body: b.String()}
	if channel == model.ChannelEmail {
		msg.Subject = fmt.Sprintf("Registration update: %s (%s)", def.Label, reg.OrderID)
	}
	return msg
}

// TrackerURL — публичная ссылка трекера регистрации.
func (d *Dispatcher) TrackerURL(reg *model.Registration) string {
	return d.cfg.PublicBaseURL + "/track/" + reg.OrderID + "-" + reg.AccessToken
}

// UnsubscribeURL — ссылка отписки от уведомлений.
func (d *Dispatcher) UnsubscribeURL(reg *model.Registration) string {
	q := url.Values{}
	q.Set("reg", reg.ID)
	q.Set("token", reg.AccessToken)
	return d.cfg.PublicBaseURL + "/unsubscribe?" + q.Encode()
}

// sendContext ограничивает отправку так, чтобы до дедлайна ctx оставалось
// время на запись попытки: не больше recordTimeout и не больше четверти
// оставшегося времени.
func sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	reserve := min(recordTimeout, time.Until(deadline)/4)
	return context.WithDeadline(ctx, deadline.Add(-reserve))
}

// recordContext — контекст записи попытки, не отменяемый вместе с ctx.
func recordContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

func recipientFor(reg *model.Registration, channel model.Channel) string {
	var p *string
	switch channel {
	case model.ChannelSMS:
		p = reg.CustomerPhone
	case model.ChannelEmail:
		p = reg.CustomerEmail
	}
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func hasChannel(channels []model.Channel, c model.Channel) bool {
	for _, ch := range channels {
		if ch == c {
			return true
		}
	}
	return false
}
