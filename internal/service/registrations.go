// registrations.go — жизненный цикл регистрации автомобиля:
// создание, смена стадии, чек-лист документов, архив, отписка.
//
// Каждое изменение выполняется в транзакции вместе с записью аудита
// и защищено compare-and-swap по version. Уведомление клиента
// отправляется после фиксации и не влияет на результат операции.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/domain/stage"
	"github.com/bigkaa/dealerdesk/internal/events"
	"github.com/bigkaa/dealerdesk/internal/notify"
	"github.com/bigkaa/dealerdesk/internal/repository"
)

// Prometheus-метрики жизненного цикла.
var (
	registrationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dd_registrations_created_total",
		Help: "Созданные регистрации.",
	})
	stageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dd_stage_transitions_total",
		Help: "Выполненные переходы между стадиями.",
	}, []string{"from", "to"})
	rejectedTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dd_stage_transitions_rejected_total",
		Help: "Отклонённые переходы между стадиями (по коду ошибки).",
	}, []string{"code"})
)

// Попытки генерации номера заказа при коллизии.
const orderIDAttempts = 3

// ErrDeliveryFailed — шлюз не доставил код подтверждения.
var ErrDeliveryFailed = errors.New("сообщение не доставлено")

// Notifier — отправка уведомлений клиенту.
type Notifier interface {
	DispatchAsync(ch notify.Change)
	Retry(ctx context.Context, notificationID string) (*model.Notification, error)
	SendVerificationCode(ctx context.Context, channel model.Channel, recipient, code string) error
}

// StageChange — запрос смены стадии.
type StageChange struct {
	Target stage.Stage
	// ExpectedStage — стадия, которую видел пользователь (nil — не проверяется)
	ExpectedStage *stage.Stage
	Reason        string
	// RejectionNotes — обязательны для перехода в rejected
	RejectionNotes string
	// NotifyCustomer — nil или true: уведомить клиента
	NotifyCustomer *bool
}

// DocumentPatch — частичное изменение чек-листа (nil — без изменений).
type DocumentPatch struct {
	TitleFront        *bool
	TitleBack         *bool
	TitleTransferForm *bool
	InsuranceProof    *bool
	InspectionProof   *bool
	Reason            string
}

// RegistrationService — сервис регистраций.
type RegistrationService struct {
	store    repository.Store
	audit    *AuditRecorder
	vehicles *VehicleCatalog
	notifier Notifier
	broker   events.Broker
	reporter ErrorReporter
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistrationService создаёт сервис регистраций.
func NewRegistrationService(
	store repository.Store,
	audit *AuditRecorder,
	vehicles *VehicleCatalog,
	notifier Notifier,
	broker events.Broker,
	reporter ErrorReporter,
	logger *slog.Logger,
) *RegistrationService {
	return &RegistrationService{
		store:    store,
		audit:    audit,
		vehicles: vehicles,
		notifier: notifier,
		broker:   broker,
		reporter: reporter,
		logger:   logger.With(slog.String("component", "registration_service")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create создаёт регистрацию в стадии sale_complete.
// При указанном VehicleID пустые поля автомобиля заполняются со склада.
func (s *RegistrationService) Create(ctx context.Context, d model.RegistrationDraft, actor string) (*model.Registration, error) {
	reg, err := s.buildRegistration(ctx, d)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		if reg.OrderID, err = newOrderID(); err != nil {
			return nil, err
		}
		if reg.AccessToken, err = newAccessToken(); err != nil {
			return nil, err
		}

		err = s.store.InTx(ctx, func(r repository.Repos) error {
			if err := r.Registrations.Create(ctx, reg); err != nil {
				return err
			}
			_, err := s.audit.Record(ctx, r, AuditRecord{
				EntityType: model.EntityRegistration,
				EntityID:   reg.ID,
				Operation:  model.AuditInsert,
				Diff:       creationDiff(reg),
				Actor:      actor,
			})
			return err
		})
		if err == nil {
			break
		}
		if errors.Is(err, repository.ErrConflict) && attempt < orderIDAttempts {
			s.logger.Warn("Коллизия номера заказа, повтор",
				slog.String("order_id", reg.OrderID),
				slog.Int("attempt", attempt),
			)
			continue
		}
		return nil, storeError("создание регистрации", err)
	}

	registrationsCreated.Inc()
	s.logger.Info("Регистрация создана",
		slog.String("registration_id", reg.ID),
		slog.String("order_id", reg.OrderID),
		slog.String("actor", actor),
	)
	s.publish(ctx, events.TypeRegistrationCreated, reg)
	return reg, nil
}

func (s *RegistrationService) buildRegistration(ctx context.Context, d model.RegistrationDraft) (*model.Registration, error) {
	reg := &model.Registration{
		ID:             uuid.NewString(),
		VIN:            strings.ToUpper(strings.TrimSpace(d.VIN)),
		VehicleYear:    d.VehicleYear,
		Make:           strings.TrimSpace(d.Make),
		Model:          strings.TrimSpace(d.Model),
		PlateNumber:    strings.TrimSpace(d.PlateNumber),
		CustomerName:   strings.TrimSpace(d.CustomerName),
		CustomerPhone:  trimmedOrNil(d.CustomerPhone),
		CustomerEmail:  trimmedOrNil(d.CustomerEmail),
		MailingAddress: strings.TrimSpace(d.MailingAddress),
		CurrentStage:   stage.SaleComplete,
	}

	if reg.CustomerName == "" {
		return nil, fmt.Errorf("%w: не указано имя клиента", ErrValidation)
	}

	if d.VehicleID != nil && *d.VehicleID != "" {
		v, err := s.vehicles.Get(ctx, *d.VehicleID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: автомобиль %s не найден на складе", ErrValidation, *d.VehicleID)
			}
			return nil, err
		}
		vehicleID := v.ID
		reg.VehicleID = &vehicleID
		if reg.VIN == "" {
			reg.VIN = v.VIN
		}
		if reg.VehicleYear == 0 {
			reg.VehicleYear = v.Year
		}
		if reg.Make == "" {
			reg.Make = v.Make
		}
		if reg.Model == "" {
			reg.Model = v.Model
		}
		if reg.PlateNumber == "" {
			reg.PlateNumber = v.PlateNumber
		}
	}

	if reg.VIN == "" {
		return nil, fmt.Errorf("%w: не указан VIN", ErrValidation)
	}

	switch {
	case d.NotificationPreference != "":
		pref, err := model.ParseNotificationPreference(string(d.NotificationPreference))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		reg.NotificationPreference = pref
	case reg.CustomerPhone != nil:
		reg.NotificationPreference = model.PreferenceSMS
	case reg.CustomerEmail != nil:
		reg.NotificationPreference = model.PreferenceEmail
	default:
		reg.NotificationPreference = model.PreferenceNone
	}

	now := s.now()
	reg.SaleDate = &now
	return reg, nil
}

func creationDiff(reg *model.Registration) model.FieldDiff {
	diff := model.FieldDiff{}
	diff.Set("order_id", nil, reg.OrderID)
	diff.Set("current_stage", nil, string(reg.CurrentStage))
	diff.Set("sale_date", nil, optTime(reg.SaleDate))
	diff.Set("vin", nil, reg.VIN)
	diff.Set("customer_name", nil, reg.CustomerName)
	diff.Set("notification_preference", nil, string(reg.NotificationPreference))
	if reg.VehicleID != nil {
		diff.Set("vehicle_id", nil, *reg.VehicleID)
	}
	return diff
}

// UpdateStage переводит регистрацию в новую стадию.
// Недопустимый переход отклоняется до любой записи (ErrIllegalTransition).
func (s *RegistrationService) UpdateStage(ctx context.Context, id string, ch StageChange, actor string) (*model.Registration, error) {
	var from stage.Stage
	reg, err := s.mutate(ctx, id, "смена стадии", func(reg *model.Registration) (model.FieldDiff, string, error) {
		if reg.Archived {
			return nil, "", fmt.Errorf("%w: регистрация в архиве", ErrValidation)
		}
		if ch.ExpectedStage != nil && *ch.ExpectedStage != reg.CurrentStage {
			return nil, "", fmt.Errorf("%w: ожидалась стадия %s, текущая %s",
				ErrWriteConflict, *ch.ExpectedStage, reg.CurrentStage)
		}

		notes := strings.TrimSpace(ch.RejectionNotes)
		if err := stage.Validate(reg.CurrentStage, ch.Target, notes); err != nil {
			var te *stage.TransitionError
			if errors.As(err, &te) {
				rejectedTransitions.WithLabelValues(te.Code).Inc()
			}
			return nil, "", fmt.Errorf("%w: %w", ErrIllegalTransition, err)
		}

		from = reg.CurrentStage
		diff := model.FieldDiff{}
		diff.Set("current_stage", string(from), string(ch.Target))
		reg.CurrentStage = ch.Target

		if field := reg.Milestone(ch.Target); field != nil && *field == nil {
			stamp := s.now()
			if latest := reg.LatestMilestone(); latest.After(stamp) {
				stamp = latest
			}
			*field = &stamp
			diff.Set(model.MilestoneField(ch.Target), nil, optTime(&stamp))
		}

		oldNotes := optString(reg.RejectionNotes)
		if ch.Target == stage.Rejected {
			reg.RejectionNotes = &notes
		} else {
			reg.RejectionNotes = nil
		}
		diff.Set("rejection_notes", oldNotes, optString(reg.RejectionNotes))

		return diff, ch.Reason, nil
	}, actor)
	if err != nil {
		return nil, err
	}

	stageTransitions.WithLabelValues(string(from), string(reg.CurrentStage)).Inc()
	s.logger.Info("Стадия регистрации изменена",
		slog.String("registration_id", reg.ID),
		slog.String("from", string(from)),
		slog.String("to", string(reg.CurrentStage)),
		slog.String("actor", actor),
	)

	if ch.NotifyCustomer == nil || *ch.NotifyCustomer {
		s.notifier.DispatchAsync(notify.Change{Registration: reg.Clone(), From: from, To: reg.CurrentStage})
	}
	return reg, nil
}

// UpdateDocuments изменяет чек-лист документов. Одна запись аудита
// с отдельным элементом diff на каждую изменённую отметку; без изменений
// запись не создаётся.
func (s *RegistrationService) UpdateDocuments(ctx context.Context, id string, p DocumentPatch, actor string) (*model.Registration, error) {
	return s.mutate(ctx, id, "обновление документов", func(reg *model.Registration) (model.FieldDiff, string, error) {
		diff := model.FieldDiff{}
		apply := func(field string, dst *bool, v *bool) {
			if v == nil {
				return
			}
			diff.Set(field, *dst, *v)
			*dst = *v
		}
		apply("title_front", &reg.Documents.TitleFront, p.TitleFront)
		apply("title_back", &reg.Documents.TitleBack, p.TitleBack)
		apply("title_transfer_form", &reg.Documents.TitleTransferForm, p.TitleTransferForm)
		apply("insurance_proof", &reg.Documents.InsuranceProof, p.InsuranceProof)
		apply("inspection_proof", &reg.Documents.InspectionProof, p.InspectionProof)
		return diff, p.Reason, nil
	}, actor)
}

// SetNotificationPreference изменяет каналы уведомлений клиента.
func (s *RegistrationService) SetNotificationPreference(ctx context.Context, id string, pref model.NotificationPreference, actor string) (*model.Registration, error) {
	if _, err := model.ParseNotificationPreference(string(pref)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return s.mutate(ctx, id, "изменение предпочтения уведомлений", func(reg *model.Registration) (model.FieldDiff, string, error) {
		diff := model.FieldDiff{}
		diff.Set("notification_preference", string(reg.NotificationPreference), string(pref))
		reg.NotificationPreference = pref
		return diff, "", nil
	}, actor)
}

// Archive помечает регистрацию архивной. Повторный вызов ничего не меняет.
func (s *RegistrationService) Archive(ctx context.Context, id, reason, actor string) (*model.Registration, error) {
	return s.mutate(ctx, id, "архивирование", func(reg *model.Registration) (model.FieldDiff, string, error) {
		diff := model.FieldDiff{}
		diff.Set("archived", reg.Archived, true)
		reg.Archived = true
		return diff, reason, nil
	}, actor)
}

// mutateFunc изменяет регистрацию и возвращает diff и причину.
// Пустой diff — изменений нет, запись не выполняется.
type mutateFunc func(reg *model.Registration) (model.FieldDiff, string, error)

// mutate читает регистрацию, применяет fn и сохраняет результат с записью
// аудита в одной транзакции.
func (s *RegistrationService) mutate(ctx context.Context, id, op string, fn mutateFunc, actor string) (*model.Registration, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: регистрация %s", ErrNotFound, id)
	}

	var result *model.Registration
	var changed bool
	err := s.store.InTx(ctx, func(r repository.Repos) error {
		reg, err := r.Registrations.GetByID(ctx, id)
		if err != nil {
			return err
		}
		version := reg.Version

		diff, reason, err := fn(reg)
		if err != nil {
			return err
		}
		result = reg
		if len(diff) == 0 {
			return nil
		}
		changed = true

		if err := r.Registrations.Update(ctx, reg, version); err != nil {
			return err
		}
		_, err = s.audit.Record(ctx, r, AuditRecord{
			EntityType: model.EntityRegistration,
			EntityID:   reg.ID,
			Operation:  model.AuditUpdate,
			Diff:       diff,
			Reason:     reason,
			Actor:      actor,
		})
		return err
	})
	if err != nil {
		if isServiceError(err) {
			return nil, err
		}
		return nil, storeError(op, err)
	}

	if changed {
		s.publish(ctx, events.TypeRegistrationUpdated, result)
	}
	return result, nil
}

// isServiceError — ошибка уже принадлежит сервисному слою.
func isServiceError(err error) bool {
	for _, target := range []error{ErrValidation, ErrIllegalTransition, ErrWriteConflict, ErrNotFound, ErrConflict} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Get возвращает регистрацию по ID.
func (s *RegistrationService) Get(ctx context.Context, id string) (*model.Registration, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: регистрация %s", ErrNotFound, id)
	}
	reg, err := s.store.Repos().Registrations.GetByID(ctx, id)
	if err != nil {
		return nil, storeError("получение регистрации", err)
	}
	return reg, nil
}

// List возвращает регистрации по фильтру, новые первыми.
func (s *RegistrationService) List(ctx context.Context, f model.RegistrationFilter) ([]*model.Registration, error) {
	regs, err := s.store.Repos().Registrations.List(ctx, f.Normalized())
	if err != nil {
		return nil, storeError("получение списка регистраций", err)
	}
	return regs, nil
}

// History возвращает журнал изменений регистрации от старых к новым.
func (s *RegistrationService) History(ctx context.Context, id string) ([]*model.AuditEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.History(ctx, model.EntityRegistration, id)
}

// Notifications возвращает попытки уведомлений по регистрации.
func (s *RegistrationService) Notifications(ctx context.Context, id string) ([]*model.Notification, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	list, err := s.store.Repos().Notifications.ListByRegistration(ctx, id)
	if err != nil {
		return nil, storeError("получение уведомлений", err)
	}
	return list, nil
}

// RetryNotification повторяет неудачную попытку уведомления регистрации.
func (s *RegistrationService) RetryNotification(ctx context.Context, id, notificationID, actor string) (*model.Notification, error) {
	if !validID(notificationID) {
		return nil, fmt.Errorf("%w: уведомление %s", ErrNotFound, notificationID)
	}
	prev, err := s.store.Repos().Notifications.GetByID(ctx, notificationID)
	if err != nil {
		return nil, storeError("получение уведомления", err)
	}
	if prev.RegistrationID != id {
		return nil, fmt.Errorf("%w: уведомление %s", ErrNotFound, notificationID)
	}

	n, err := s.notifier.Retry(ctx, notificationID)
	if err != nil {
		if errors.Is(err, notify.ErrAlreadyDelivered) || errors.Is(err, notify.ErrChannelDisabled) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, storeError("повтор уведомления", err)
	}

	s.logger.Info("Уведомление отправлено повторно",
		slog.String("registration_id", id),
		slog.String("notification_id", n.ID),
		slog.String("actor", actor),
	)
	return n, nil
}

// SendContactVerification отправляет клиенту код подтверждения контакта
// и возвращает его сотруднику для сверки. Предпочтение уведомлений
// не учитывается.
func (s *RegistrationService) SendContactVerification(ctx context.Context, id string, channel model.Channel, actor string) (string, error) {
	reg, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}

	var recipient *string
	switch channel {
	case model.ChannelSMS:
		recipient = reg.CustomerPhone
	case model.ChannelEmail:
		recipient = reg.CustomerEmail
	default:
		return "", fmt.Errorf("%w: недопустимый канал %q", ErrValidation, channel)
	}
	if recipient == nil {
		return "", fmt.Errorf("%w: у клиента нет контакта для канала %s", ErrValidation, channel)
	}

	code, err := verificationCode()
	if err != nil {
		return "", err
	}
	if err := s.notifier.SendVerificationCode(ctx, channel, *recipient, code); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	s.logger.Info("Код подтверждения контакта отправлен",
		slog.String("registration_id", id),
		slog.String("channel", string(channel)),
		slog.String("actor", actor),
	)
	return code, nil
}

// Unsubscribe отключает уведомления по ссылке из сообщения.
// Неизвестная регистрация и неверный токен дают одну ошибку ErrTrackerNotFound.
// changed == false — уведомления уже были отключены.
func (s *RegistrationService) Unsubscribe(ctx context.Context, id, token string) (changed bool, err error) {
	if !validID(id) || token == "" {
		return false, ErrTrackerNotFound
	}

	reg, err := s.store.Repos().Registrations.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Debug("Отписка: регистрация не найдена", slog.String("registration_id", id))
			return false, ErrTrackerNotFound
		}
		return false, storeError("отписка", err)
	}
	if !tokensEqual(reg.AccessToken, token) {
		s.logger.Debug("Отписка: неверный токен", slog.String("registration_id", id))
		return false, ErrTrackerNotFound
	}

	// Параллельная правка регистрации не должна срывать отписку.
	for attempt := 1; attempt <= orderIDAttempts; attempt++ {
		var updated *model.Registration
		updated, err = s.mutate(ctx, id, "отписка", func(reg *model.Registration) (model.FieldDiff, string, error) {
			diff := model.FieldDiff{}
			diff.Set("notification_preference", string(reg.NotificationPreference), string(model.PreferenceNone))
			changed = len(diff) > 0
			reg.NotificationPreference = model.PreferenceNone
			return diff, "unsubscribe link", nil
		}, ActorUnsubscribe)
		if err == nil {
			s.logger.Info("Клиент отписался от уведомлений",
				slog.String("registration_id", updated.ID),
				slog.Bool("changed", changed),
			)
			return changed, nil
		}
		if !errors.Is(err, ErrWriteConflict) {
			return false, err
		}
	}
	return false, err
}

func (s *RegistrationService) publish(ctx context.Context, typ string, reg *model.Registration) {
	if s.broker == nil {
		return
	}
	err := s.broker.Publish(ctx, events.Event{
		Type:       typ,
		EntityType: model.EntityRegistration,
		EntityID:   reg.ID,
		Stage:      string(reg.CurrentStage),
		At:         s.now(),
	})
	if err != nil {
		s.reporter.Report(ctx, "events", err)
	}
}

// verificationCode — шестизначный код из crypto/rand.
func verificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("генерация кода подтверждения: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func trimmedOrNil(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil
	}
	return &v
}

// validID проверяет формат UUID до обращения к хранилищу.
func validID(id string) bool {
	return uuid.Validate(id) == nil
}
