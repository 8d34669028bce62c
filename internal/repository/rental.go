package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
)

// RentalRepository — бронирования проката и страховки к ним.
type RentalRepository interface {
	Create(ctx context.Context, b *model.RentalBooking) error
	GetByID(ctx context.Context, id string) (*model.RentalBooking, error)
	// ListByVehicle возвращает брони автомобиля, пересекающиеся с [from, to).
	ListByVehicle(ctx context.Context, vehicleID string, from, to time.Time) ([]*model.RentalBooking, error)
	// UpdateStatus сохраняет статус при совпадении версии (compare-and-swap).
	UpdateStatus(ctx context.Context, b *model.RentalBooking, expectedVersion int) error
	UpsertInsurance(ctx context.Context, ins *model.RentalInsurance) error
	GetInsurance(ctx context.Context, bookingID string) (*model.RentalInsurance, error)
}

type rentalRepo struct {
	db DBTX
}

// NewRentalRepository создаёт репозиторий проката.
func NewRentalRepository(db DBTX) RentalRepository {
	return &rentalRepo{db: db}
}

const bookingColumns = `id, vehicle_id, customer_name, customer_phone, starts_at, ends_at,
	status, version, created_at, updated_at`

func scanBooking(row pgx.Row) (*model.RentalBooking, error) {
	b := &model.RentalBooking{}
	err := row.Scan(&b.ID, &b.VehicleID, &b.CustomerName, &b.CustomerPhone, &b.StartsAt, &b.EndsAt,
		&b.Status, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (r *rentalRepo) Create(ctx context.Context, b *model.RentalBooking) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO rental_bookings (id, vehicle_id, customer_name, customer_phone, starts_at, ends_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING version, created_at, updated_at`,
		b.ID, b.VehicleID, b.CustomerName, b.CustomerPhone, b.StartsAt, b.EndsAt, b.Status,
	).Scan(&b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка создания брони: %w", err)
	}
	return nil
}

func (r *rentalRepo) GetByID(ctx context.Context, id string) (*model.RentalBooking, error) {
	b, err := scanBooking(r.db.QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM rental_bookings WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения брони: %w", err)
	}
	return b, nil
}

func (r *rentalRepo) ListByVehicle(ctx context.Context, vehicleID string, from, to time.Time) ([]*model.RentalBooking, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM rental_bookings
		WHERE vehicle_id = $1 AND starts_at < $3 AND ends_at > $2
		ORDER BY starts_at, id`,
		vehicleID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения броней автомобиля: %w", err)
	}
	defer rows.Close()

	var result []*model.RentalBooking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования брони: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (r *rentalRepo) UpdateStatus(ctx context.Context, b *model.RentalBooking, expectedVersion int) error {
	err := r.db.QueryRow(ctx, `
		UPDATE rental_bookings
		SET status = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		b.ID, expectedVersion, b.Status,
	).Scan(&b.Version, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: бронь %s изменена или удалена", ErrConflict, b.ID)
		}
		return fmt.Errorf("ошибка обновления брони: %w", err)
	}
	return nil
}

func (r *rentalRepo) UpsertInsurance(ctx context.Context, ins *model.RentalInsurance) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO rental_insurance (booking_id, provider, policy_number, liability, collision, comprehensive, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (booking_id) DO UPDATE
		SET provider = EXCLUDED.provider, policy_number = EXCLUDED.policy_number,
			liability = EXCLUDED.liability, collision = EXCLUDED.collision,
			comprehensive = EXCLUDED.comprehensive, expires_at = EXCLUDED.expires_at`,
		ins.BookingID, ins.Provider, ins.PolicyNumber, ins.Liability, ins.Collision, ins.Comprehensive, ins.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения страховки: %w", err)
	}
	return nil
}

func (r *rentalRepo) GetInsurance(ctx context.Context, bookingID string) (*model.RentalInsurance, error) {
	ins := &model.RentalInsurance{}
	err := r.db.QueryRow(ctx, `
		SELECT booking_id, provider, policy_number, liability, collision, comprehensive, expires_at
		FROM rental_insurance WHERE booking_id = $1`, bookingID,
	).Scan(&ins.BookingID, &ins.Provider, &ins.PolicyNumber, &ins.Liability, &ins.Collision,
		&ins.Comprehensive, &ins.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения страховки: %w", err)
	}
	return ins, nil
}
