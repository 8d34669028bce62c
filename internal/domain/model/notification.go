package model

import (
	"time"

	"github.com/bigkaa/dealerdesk/internal/domain/stage"
)

// Channel — канал доставки уведомления.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Notification — одна попытка отправки уведомления о смене стадии.
// Хранится в таблице registration_notifications, строки не изменяются.
type Notification struct {
	ID             string
	RegistrationID string
	Channel        Channel
	Recipient      string
	OldStage       stage.Stage
	NewStage       stage.Stage
	SentAt         time.Time
	Delivered      bool
	// Error — текст ошибки доставки (nil при успехе)
	Error *string
	// RetryOf — ID исходной попытки для ручного повтора
	RetryOf *string
}
