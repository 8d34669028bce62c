package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/bigkaa/dealerdesk/internal/domain/stage"
)

// NotificationPreference — каналы уведомлений клиента о смене стадии.
type NotificationPreference string

const (
	PreferenceSMS   NotificationPreference = "sms"
	PreferenceEmail NotificationPreference = "email"
	PreferenceBoth  NotificationPreference = "both"
	PreferenceNone  NotificationPreference = "none"
)

// ParseNotificationPreference проверяет строковое значение предпочтения.
func ParseNotificationPreference(s string) (NotificationPreference, error) {
	switch p := NotificationPreference(s); p {
	case PreferenceSMS, PreferenceEmail, PreferenceBoth, PreferenceNone:
		return p, nil
	default:
		return "", fmt.Errorf("недопустимое предпочтение уведомлений: %q", s)
	}
}

// Channels возвращает включённые каналы для предпочтения.
func (p NotificationPreference) Channels() []Channel {
	switch p {
	case PreferenceSMS:
		return []Channel{ChannelSMS}
	case PreferenceEmail:
		return []Channel{ChannelEmail}
	case PreferenceBoth:
		return []Channel{ChannelSMS, ChannelEmail}
	default:
		return nil
	}
}

// DocumentChecklist — пять независимых отметок о наличии документов.
type DocumentChecklist struct {
	TitleFront        bool
	TitleBack         bool
	TitleTransferForm bool
	InsuranceProof    bool
	InspectionProof   bool
}

// Complete сообщает, что собраны все документы.
func (d DocumentChecklist) Complete() bool {
	return d.TitleFront && d.TitleBack && d.TitleTransferForm && d.InsuranceProof && d.InspectionProof
}

// Registration — регистрация автомобиля после продажи.
// Хранится в таблице registrations.
type Registration struct {
	// ID — UUID записи
	ID string
	// OrderID — человекочитаемый номер заказа (RG + 8 символов)
	OrderID string
	// AccessToken — секрет публичной ссылки трекера
	AccessToken string

	// VehicleID — ссылка на запись склада (может быть nil)
	VehicleID   *string
	VIN         string
	VehicleYear int
	Make        string
	Model       string
	PlateNumber string

	CustomerName   string
	CustomerPhone  *string
	CustomerEmail  *string
	MailingAddress string

	CurrentStage   stage.Stage
	SaleDate       *time.Time
	SubmissionDate *time.Time
	ApprovalDate   *time.Time
	DeliveryDate   *time.Time
	// RejectionNotes — заполнено только в стадии rejected
	RejectionNotes *string

	Documents DocumentChecklist

	NotificationPreference NotificationPreference
	Archived               bool
	// Version — счётчик изменений для compare-and-swap
	Version int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// VehicleDescription — "2019 Toyota Camry".
func (r *Registration) VehicleDescription() string {
	parts := make([]string, 0, 3)
	if r.VehicleYear > 0 {
		parts = append(parts, fmt.Sprintf("%d", r.VehicleYear))
	}
	if r.Make != "" {
		parts = append(parts, r.Make)
	}
	if r.Model != "" {
		parts = append(parts, r.Model)
	}
	return strings.Join(parts, " ")
}

// Milestone возвращает указатель на поле вехи, которая проставляется
// при первом входе в стадию s. nil — у стадии нет вехи.
func (r *Registration) Milestone(s stage.Stage) **time.Time {
	switch s {
	case stage.SaleComplete:
		return &r.SaleDate
	case stage.SubmittedToDMV:
		return &r.SubmissionDate
	case stage.StickerReady:
		return &r.ApprovalDate
	case stage.StickerDelivered:
		return &r.DeliveryDate
	default:
		return nil
	}
}

// LatestMilestone — самая поздняя из проставленных вех.
func (r *Registration) LatestMilestone() time.Time {
	var latest time.Time
	for _, t := range []*time.Time{r.SaleDate, r.SubmissionDate, r.ApprovalDate, r.DeliveryDate} {
		if t != nil && t.After(latest) {
			latest = *t
		}
	}
	return latest
}

// MilestoneField — имя поля вехи для diff аудита.
func MilestoneField(s stage.Stage) string {
	switch s {
	case stage.SaleComplete:
		return "sale_date"
	case stage.SubmittedToDMV:
		return "submission_date"
	case stage.StickerReady:
		return "approval_date"
	case stage.StickerDelivered:
		return "delivery_date"
	default:
		return ""
	}
}

// Clone возвращает независимую копию (указатели на значения копируются).
func (r *Registration) Clone() *Registration {
	c := *r
	c.VehicleID = cloneString(r.VehicleID)
	c.CustomerPhone = cloneString(r.CustomerPhone)
	c.CustomerEmail = cloneString(r.CustomerEmail)
	c.RejectionNotes = cloneString(r.RejectionNotes)
	c.SaleDate = cloneTime(r.SaleDate)
	c.SubmissionDate = cloneTime(r.SubmissionDate)
	c.ApprovalDate = cloneTime(r.ApprovalDate)
	c.DeliveryDate = cloneTime(r.DeliveryDate)
	return &c
}

// RegistrationDraft — входные данные для создания регистрации.
type RegistrationDraft struct {
	VehicleID      *string
	VIN            string
	VehicleYear    int
	Make           string
	Model          string
	PlateNumber    string
	CustomerName   string
	CustomerPhone  *string
	CustomerEmail  *string
	MailingAddress string
	// NotificationPreference — по умолчанию sms при наличии телефона, иначе email
	NotificationPreference NotificationPreference
}

// StageBucket — группа стадий для фильтра списка.
type StageBucket string

const (
	BucketInProgress StageBucket = "in_progress"
	BucketComplete   StageBucket = "complete"
	BucketRejected   StageBucket = "rejected"
)

// ParseStageBucket проверяет значение фильтра.
func ParseStageBucket(s string) (StageBucket, error) {
	switch b := StageBucket(s); b {
	case BucketInProgress, BucketComplete, BucketRejected:
		return b, nil
	default:
		return "", fmt.Errorf("недопустимый фильтр стадий: %q", s)
	}
}

// Matches сообщает, попадает ли стадия в группу.
func (b StageBucket) Matches(s stage.Stage) bool {
	switch b {
	case BucketComplete:
		return s == stage.StickerDelivered
	case BucketRejected:
		return s == stage.Rejected
	case BucketInProgress:
		return s != stage.StickerDelivered && s != stage.Rejected
	default:
		return true
	}
}

// RegistrationFilter — параметры выборки списка регистраций.
type RegistrationFilter struct {
	// Search — подстрока номера заказа, имени клиента, VIN или описания авто
	Search          string
	Bucket          *StageBucket
	IncludeArchived bool
	// Limit — размер страницы: <= 0 означает DefaultListLimit,
	// больше MaxListLimit обрезается
	Limit  int
	Offset int
}

// Границы страницы списка регистраций.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Normalized возвращает фильтр с приведёнными Limit и Offset. Хранилища
// получают только нормализованный фильтр.
func (f RegistrationFilter) Normalized() RegistrationFilter {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
