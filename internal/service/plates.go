// plates.go — номерные знаки дилера: привязка к автомобилям и сроки действия.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/dealerdesk/internal/domain/fleet"
	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/events"
	"github.com/bigkaa/dealerdesk/internal/repository"
)

// PlateView — знак с вычисленным сроком до истечения.
type PlateView struct {
	*model.Plate
	DaysRemaining int
	Expired       bool
	// Alert — срок в пределах порога предупреждения
	Alert bool
}

// PlateService — сервис номерных знаков.
type PlateService struct {
	store     repository.Store
	audit     *AuditRecorder
	broker    events.Broker
	reporter  ErrorReporter
	alertDays int
	logger    *slog.Logger
	now       func() time.Time
}

// NewPlateService создаёт сервис номерных знаков.
// alertDays — порог предупреждения об истечении (DD_PLATE_EXPIRY_ALERT_DAYS).
func NewPlateService(
	store repository.Store,
	audit *AuditRecorder,
	broker events.Broker,
	reporter ErrorReporter,
	alertDays int,
	logger *slog.Logger,
) *PlateService {
	return &PlateService{
		store:     store,
		audit:     audit,
		broker:    broker,
		reporter:  reporter,
		alertDays: alertDays,
		logger:    logger.With(slog.String("component", "plate_service")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ListExpiring возвращает действующие знаки, истекающие в ближайшие
// withinDays суток (и уже истёкшие). withinDays <= 0 — порог по умолчанию.
func (s *PlateService) ListExpiring(ctx context.Context, withinDays int) ([]PlateView, error) {
	if withinDays <= 0 {
		withinDays = s.alertDays
	}
	now := s.now()
	plates, err := s.store.Repos().Plates.ListExpiringBefore(ctx, now.AddDate(0, 0, withinDays))
	if err != nil {
		return nil, storeError("получение знаков", err)
	}

	views := make([]PlateView, 0, len(plates))
	for _, p := range plates {
		views = append(views, s.view(p, now))
	}
	return views, nil
}

func (s *PlateService) view(p *model.Plate, now time.Time) PlateView {
	return PlateView{
		Plate:         p,
		DaysRemaining: fleet.DaysRemaining(p.ExpiresAt, now),
		Expired:       !now.Before(p.ExpiresAt),
		Alert:         fleet.ExpiringSoon(p.ExpiresAt, now, s.alertDays),
	}
}

// Assign привязывает свободный действующий знак к автомобилю.
func (s *PlateService) Assign(ctx context.Context, plateID, vehicleID, actor string) (*PlateView, error) {
	if !validID(plateID) {
		return nil, fmt.Errorf("%w: знак %s", ErrNotFound, plateID)
	}
	if !validID(vehicleID) {
		return nil, fmt.Errorf("%w: некорректный ID автомобиля", ErrValidation)
	}

	now := s.now()
	var plate *model.Plate
	err := s.store.InTx(ctx, func(r repository.Repos) error {
		p, err := r.Plates.GetByID(ctx, plateID)
		if err != nil {
			return err
		}
		if err := fleet.CanAssign(p, now); err != nil {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		if _, err := r.Vehicles.GetByID(ctx, vehicleID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%w: автомобиль %s не найден", ErrValidation, vehicleID)
			}
			return err
		}

		if err := r.Plates.OpenAssignment(ctx, &model.PlateAssignment{
			ID:         uuid.NewString(),
			PlateID:    p.ID,
			VehicleID:  vehicleID,
			AssignedAt: now,
		}); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return fmt.Errorf("%w: знак %s уже привязан", ErrConflict, p.PlateNumber)
			}
			return err
		}
		if err := r.Plates.SetStatus(ctx, p.ID, model.PlateAssigned); err != nil {
			return err
		}

		diff := model.FieldDiff{}
		diff.Set("status", string(p.Status), string(model.PlateAssigned))
		diff.Set("vehicle_id", nil, vehicleID)
		if _, err := s.audit.Record(ctx, r, AuditRecord{
			EntityType: model.EntityPlate,
			EntityID:   p.ID,
			Operation:  model.AuditUpdate,
			Diff:       diff,
			Actor:      actor,
		}); err != nil {
			return err
		}

		plate, err = r.Plates.GetByID(ctx, p.ID)
		return err
	})
	if err != nil {
		if isServiceError(err) {
			return nil, err
		}
		return nil, storeError("привязка знака", err)
	}

	s.logger.Info("Знак привязан",
		slog.String("plate_id", plate.ID),
		slog.String("vehicle_id", vehicleID),
		slog.String("actor", actor),
	)
	s.publish(ctx, plate.ID)
	v := s.view(plate, now)
	return &v, nil
}

// Release закрывает текущую привязку знака.
func (s *PlateService) Release(ctx context.Context, plateID, actor string) (*PlateView, error) {
	if !validID(plateID) {
		return nil, fmt.Errorf("%w: знак %s", ErrNotFound, plateID)
	}

	now := s.now()
	var plate *model.Plate
	err := s.store.InTx(ctx, func(r repository.Repos) error {
		p, err := r.Plates.GetByID(ctx, plateID)
		if err != nil {
			return err
		}
		a, err := r.Plates.CloseAssignment(ctx, p.ID, now)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%w: знак %s не привязан", ErrConflict, p.PlateNumber)
			}
			return err
		}

		status := model.PlateAvailable
		if p.Status == model.PlateRetired {
			status = model.PlateRetired
		}
		if err := r.Plates.SetStatus(ctx, p.ID, status); err != nil {
			return err
		}

		diff := model.FieldDiff{}
		diff.Set("status", string(p.Status), string(status))
		diff.Set("vehicle_id", a.VehicleID, nil)
		if _, err := s.audit.Record(ctx, r, AuditRecord{
			EntityType: model.EntityPlate,
			EntityID:   p.ID,
			Operation:  model.AuditUpdate,
			Diff:       diff,
			Actor:      actor,
		}); err != nil {
			return err
		}

		plate, err = r.Plates.GetByID(ctx, p.ID)
		return err
	})
	if err != nil {
		if isServiceError(err) {
			return nil, err
		}
		return nil, storeError("освобождение знака", err)
	}

	s.logger.Info("Знак освобождён",
		slog.String("plate_id", plate.ID),
		slog.String("actor", actor),
	)
	s.publish(ctx, plate.ID)
	v := s.view(plate, now)
	return &v, nil
}

// History возвращает журнал изменений знака.
func (s *PlateService) History(ctx context.Context, plateID string) ([]*model.AuditEntry, error) {
	if !validID(plateID) {
		return nil, fmt.Errorf("%w: знак %s", ErrNotFound, plateID)
	}
	return s.audit.History(ctx, model.EntityPlate, plateID)
}

func (s *PlateService) publish(ctx context.Context, plateID string) {
	if s.broker == nil {
		return
	}
	err := s.broker.Publish(ctx, events.Event{
		Type:       events.TypePlateUpdated,
		EntityType: model.EntityPlate,
		EntityID:   plateID,
		At:         s.now(),
	})
	if err != nil {
		s.reporter.Report(ctx, "events", err)
	}
}
