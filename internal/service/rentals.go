// rentals.go — прокат: доступность автомобиля, бронирование,
// страховка и смена статуса брони.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/dealerdesk/internal/domain/fleet"
	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/events"
	"github.com/bigkaa/dealerdesk/internal/repository"
)

// BookingDraft — входные данные брони.
type BookingDraft struct {
	VehicleID     string
	CustomerName  string
	CustomerPhone *string
	StartsAt      time.Time
	EndsAt        time.Time
}

// Availability — занятость автомобиля в окне [From, To).
type Availability struct {
	VehicleID string
	From      time.Time
	To        time.Time
	Available bool
	// Conflicts — брони, занимающие автомобиль в окне
	Conflicts []*model.RentalBooking
}

// RentalService — сервис проката.
type RentalService struct {
	store    repository.Store
	audit    *AuditRecorder
	broker   events.Broker
	reporter ErrorReporter
	logger   *slog.Logger
}

// NewRentalService создаёт сервис проката.
func NewRentalService(
	store repository.Store,
	audit *AuditRecorder,
	broker events.Broker,
	reporter ErrorReporter,
	logger *slog.Logger,
) *RentalService {
	return &RentalService{
		store:    store,
		audit:    audit,
		broker:   broker,
		reporter: reporter,
		logger:   logger.With(slog.String("component", "rental_service")),
	}
}

// Availability проверяет, свободен ли автомобиль в окне.
func (s *RentalService) Availability(ctx context.Context, vehicleID string, from, to time.Time) (*Availability, error) {
	if err := fleet.ValidateWindow(from, to); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !validID(vehicleID) {
		return nil, fmt.Errorf("%w: автомобиль %s", ErrNotFound, vehicleID)
	}

	repos := s.store.Repos()
	if _, err := repos.Vehicles.GetByID(ctx, vehicleID); err != nil {
		return nil, storeError("получение автомобиля", err)
	}
	bookings, err := repos.Rentals.ListByVehicle(ctx, vehicleID, from, to)
	if err != nil {
		return nil, storeError("получение броней", err)
	}

	conflicts := fleet.Conflicts(bookings, from, to, "")
	return &Availability{
		VehicleID: vehicleID,
		From:      from,
		To:        to,
		Available: len(conflicts) == 0,
		Conflicts: conflicts,
	}, nil
}

// Create бронирует автомобиль. Проверка пересечений выполняется
// под блокировкой строки автомобиля.
func (s *RentalService) Create(ctx context.Context, d BookingDraft, actor string) (*model.RentalBooking, error) {
	name := strings.TrimSpace(d.CustomerName)
	if name == "" {
		return nil, fmt.Errorf("%w: не указано имя клиента", ErrValidation)
	}
	if err := fleet.ValidateWindow(d.StartsAt, d.EndsAt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !validID(d.VehicleID) {
		return nil, fmt.Errorf("%w: некорректный ID автомобиля", ErrValidation)
	}

	b := &model.RentalBooking{
		ID:            uuid.NewString(),
		VehicleID:     d.VehicleID,
		CustomerName:  name,
		CustomerPhone: trimmedOrNil(d.CustomerPhone),
		StartsAt:      d.StartsAt.UTC(),
		EndsAt:        d.EndsAt.UTC(),
		Status:        model.BookingReserved,
	}

	err := s.store.InTx(ctx, func(r repository.Repos) error {
		if err := r.Vehicles.LockForBooking(ctx, b.VehicleID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%w: автомобиль %s не найден", ErrValidation, b.VehicleID)
			}
			return err
		}

		existing, err := r.Rentals.ListByVehicle(ctx, b.VehicleID, b.StartsAt, b.EndsAt)
		if err != nil {
			return err
		}
		if conflicts := fleet.Conflicts(existing, b.StartsAt, b.EndsAt, ""); len(conflicts) > 0 {
			return fmt.Errorf("%w: автомобиль занят с %s по %s", ErrConflict,
				conflicts[0].StartsAt.Format(time.RFC3339), conflicts[0].EndsAt.Format(time.RFC3339))
		}

		if err := r.Rentals.Create(ctx, b); err != nil {
			return err
		}

		diff := model.FieldDiff{}
		diff.Set("vehicle_id", nil, b.VehicleID)
		diff.Set("customer_name", nil, b.CustomerName)
		diff.Set("starts_at", nil, optTime(&b.StartsAt))
		diff.Set("ends_at", nil, optTime(&b.EndsAt))
		diff.Set("status", nil, string(b.Status))
		_, err = s.audit.Record(ctx, r, AuditRecord{
			EntityType: model.EntityRentalBooking,
			EntityID:   b.ID,
			Operation:  model.AuditInsert,
			Diff:       diff,
			Actor:      actor,
		})
		return err
	})
	if err != nil {
		if isServiceError(err) {
			return nil, err
		}
		return nil, storeError("создание брони", err)
	}

	s.logger.Info("Бронь создана",
		slog.String("booking_id", b.ID),
		slog.String("vehicle_id", b.VehicleID),
		slog.String("actor", actor),
	)
	s.publish(ctx, b.ID)
	return b, nil
}

// Get возвращает бронь по ID.
func (s *RentalService) Get(ctx context.Context, id string) (*model.RentalBooking, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: бронь %s", ErrNotFound, id)
	}
	b, err := s.store.Repos().Rentals.GetByID(ctx, id)
	if err != nil {
		return nil, storeError("получение брони", err)
	}
	return b, nil
}

// SetInsurance сохраняет страховку брони.
func (s *RentalService) SetInsurance(ctx context.Context, ins model.RentalInsurance, actor string) (*model.RentalInsurance, error) {
	ins.Provider = strings.TrimSpace(ins.Provider)
	ins.PolicyNumber = strings.TrimSpace(ins.PolicyNumber)
	if ins.Provider == "" || ins.PolicyNumber == "" {
		return nil, fmt.Errorf("%w: не указаны страховщик или номер полиса", ErrValidation)
	}
	if ins.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("%w: не указан срок действия полиса", ErrValidation)
	}
	if !validID(ins.BookingID) {
		return nil, fmt.Errorf("%w: бронь %s", ErrNotFound, ins.BookingID)
	}
	ins.ExpiresAt = ins.ExpiresAt.UTC()

	err := s.store.InTx(ctx, func(r repository.Repos) error {
		if _, err := r.Rentals.GetByID(ctx, ins.BookingID); err != nil {
			return err
		}

		prev, err := r.Rentals.GetInsurance(ctx, ins.BookingID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		diff := model.FieldDiff{}
		if prev == nil {
			prev = &model.RentalInsurance{}
		}
		diff.Set("insurance_provider", prev.Provider, ins.Provider)
		diff.Set("insurance_policy_number", prev.PolicyNumber, ins.PolicyNumber)
		diff.Set("insurance_liability", prev.Liability, ins.Liability)
		diff.Set("insurance_collision", prev.Collision, ins.Collision)
		diff.Set("insurance_comprehensive", prev.Comprehensive, ins.Comprehensive)
		var prevExpiry *time.Time
		if !prev.ExpiresAt.IsZero() {
			prevExpiry = &prev.ExpiresAt
		}
		diff.Set("insurance_expires_at", optTime(prevExpiry), optTime(&ins.ExpiresAt))
		if len(diff) == 0 {
			return nil
		}

		if err := r.Rentals.UpsertInsurance(ctx, &ins); err != nil {
			return err
		}
		_, err = s.audit.Record(ctx, r, AuditRecord{
			EntityType: model.EntityRentalBooking,
			EntityID:   ins.BookingID,
			Operation:  model.AuditUpdate,
			Diff:       diff,
			Actor:      actor,
		})
		return err
	})
	if err != nil {
		return nil, storeError("сохранение страховки", err)
	}

	s.publish(ctx, ins.BookingID)
	return &ins, nil
}

// SetStatus меняет статус брони. Выдача (active) требует страховку
// с гражданской ответственностью на весь период проката.
func (s *RentalService) SetStatus(ctx context.Context, id string, target model.BookingStatus, actor string) (*model.RentalBooking, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: бронь %s", ErrNotFound, id)
	}

	var booking *model.RentalBooking
	err := s.store.InTx(ctx, func(r repository.Repos) error {
		b, err := r.Rentals.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := fleet.ValidateBookingTransition(b.Status, target); err != nil {
			return fmt.Errorf("%w: %w", ErrIllegalTransition, err)
		}

		if target == model.BookingActive {
			ins, err := r.Rentals.GetInsurance(ctx, id)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			if err := fleet.ValidateCoverage(ins, b); err != nil {
				return fmt.Errorf("%w: %v", ErrValidation, err)
			}
		}

		from := b.Status
		version := b.Version
		b.Status = target
		if err := r.Rentals.UpdateStatus(ctx, b, version); err != nil {
			return err
		}

		diff := model.FieldDiff{}
		diff.Set("status", string(from), string(target))
		if _, err := s.audit.Record(ctx, r, AuditRecord{
			EntityType: model.EntityRentalBooking,
			EntityID:   b.ID,
			Operation:  model.AuditUpdate,
			Diff:       diff,
			Actor:      actor,
		}); err != nil {
			return err
		}
		booking = b
		return nil
	})
	if err != nil {
		if isServiceError(err) {
			return nil, err
		}
		return nil, storeError("смена статуса брони", err)
	}

	s.logger.Info("Статус брони изменён",
		slog.String("booking_id", booking.ID),
		slog.String("status", string(booking.Status)),
		slog.String("actor", actor),
	)
	s.publish(ctx, booking.ID)
	return booking, nil
}

// History возвращает журнал изменений брони.
func (s *RentalService) History(ctx context.Context, id string) ([]*model.AuditEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.History(ctx, model.EntityRentalBooking, id)
}

func (s *RentalService) publish(ctx context.Context, bookingID string) {
	if s.broker == nil {
		return
	}
	err := s.broker.Publish(ctx, events.Event{
		Type:       events.TypeRentalUpdated,
		EntityType: model.EntityRentalBooking,
		EntityID:   bookingID,
		At:         time.Now().UTC(),
	})
	if err != nil {
		s.reporter.Report(ctx, "events", err)
	}
}
