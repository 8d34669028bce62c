package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
)

// PlateRepository — номерные знаки и окна их привязки к автомобилям.
type PlateRepository interface {
	// GetByID возвращает знак вместе с текущей привязкой.
	GetByID(ctx context.Context, id string) (*model.Plate, error)
	// ListExpiringBefore возвращает незаписанные в retired знаки со сроком до before,
	// отсортированные по сроку.
	ListExpiringBefore(ctx context.Context, before time.Time) ([]*model.Plate, error)
	SetStatus(ctx context.Context, id string, status model.PlateStatus) error
	// OpenAssignment открывает привязку. ErrConflict — у знака уже есть открытая.
	OpenAssignment(ctx context.Context, a *model.PlateAssignment) error
	// CloseAssignment закрывает открытую привязку знака. ErrNotFound — открытой нет.
	CloseAssignment(ctx context.Context, plateID string, at time.Time) (*model.PlateAssignment, error)
}

type plateRepo struct {
	db DBTX
}

// NewPlateRepository создаёт репозиторий номерных знаков.
func NewPlateRepository(db DBTX) PlateRepository {
	return &plateRepo{db: db}
}

const plateSelect = `
	SELECT p.id, p.plate_number, p.status, p.expires_at, a.vehicle_id, p.created_at, p.updated_at
	FROM plates p
	LEFT JOIN plate_assignments a ON a.plate_id = p.id AND a.released_at IS NULL`

func scanPlate(row pgx.Row) (*model.Plate, error) {
	p := &model.Plate{}
	err := row.Scan(&p.ID, &p.PlateNumber, &p.Status, &p.ExpiresAt, &p.VehicleID, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (r *plateRepo) GetByID(ctx context.Context, id string) (*model.Plate, error) {
	p, err := scanPlate(r.db.QueryRow(ctx, plateSelect+` WHERE p.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения номерного знака: %w", err)
	}
	return p, nil
}

func (r *plateRepo) ListExpiringBefore(ctx context.Context, before time.Time) ([]*model.Plate, error) {
	rows, err := r.db.Query(ctx, plateSelect+`
		WHERE p.status <> 'retired' AND p.expires_at < $1
		ORDER BY p.expires_at, p.plate_number`, before)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка номерных знаков: %w", err)
	}
	defer rows.Close()

	var result []*model.Plate
	for rows.Next() {
		p, err := scanPlate(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования номерного знака: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (r *plateRepo) SetStatus(ctx context.Context, id string, status model.PlateStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE plates SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса знака: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *plateRepo) OpenAssignment(ctx context.Context, a *model.PlateAssignment) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO plate_assignments (id, plate_id, vehicle_id, assigned_at)
		VALUES ($1, $2, $3, $4)`,
		a.ID, a.PlateID, a.VehicleID, a.AssignedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: знак уже привязан", ErrConflict)
		}
		return fmt.Errorf("ошибка привязки знака: %w", err)
	}
	return nil
}

func (r *plateRepo) CloseAssignment(ctx context.Context, plateID string, at time.Time) (*model.PlateAssignment, error) {
	a := &model.PlateAssignment{}
	err := r.db.QueryRow(ctx, `
		UPDATE plate_assignments SET released_at = $2
		WHERE plate_id = $1 AND released_at IS NULL
		RETURNING id, plate_id, vehicle_id, assigned_at, released_at`,
		plateID, at,
	).Scan(&a.ID, &a.PlateID, &a.VehicleID, &a.AssignedAt, &a.ReleasedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка закрытия привязки знака: %w", err)
	}
	return a, nil
}
