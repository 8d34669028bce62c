package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
)

// VehicleRepository — чтение складского учёта. Таблица vehicles
// принадлежит внешней системе, здесь только выборка по ID и блокировка.
type VehicleRepository interface {
	GetByID(ctx context.Context, id string) (*model.Vehicle, error)
	// LockForBooking блокирует строку автомобиля до конца транзакции,
	// сериализуя создание броней на один автомобиль.
	LockForBooking(ctx context.Context, id string) error
}

type vehicleRepo struct {
	db DBTX
}

// NewVehicleRepository создаёт репозиторий автомобилей.
func NewVehicleRepository(db DBTX) VehicleRepository {
	return &vehicleRepo{db: db}
}

func (r *vehicleRepo) GetByID(ctx context.Context, id string) (*model.Vehicle, error) {
	v := &model.Vehicle{}
	err := r.db.QueryRow(ctx,
		`SELECT id, vin, year, make, model, plate_number FROM vehicles WHERE id = $1`, id,
	).Scan(&v.ID, &v.VIN, &v.Year, &v.Make, &v.Model, &v.PlateNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения автомобиля: %w", err)
	}
	return v, nil
}

func (r *vehicleRepo) LockForBooking(ctx context.Context, id string) error {
	var locked string
	err := r.db.QueryRow(ctx, `SELECT id FROM vehicles WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка блокировки автомобиля: %w", err)
	}
	return nil
}
