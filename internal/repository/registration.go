package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
)

// RegistrationRepository — доступ к таблице registrations.
type RegistrationRepository interface {
	// Create вставляет новую регистрацию. ErrConflict — номер заказа занят.
	Create(ctx context.Context, r *model.Registration) error
	GetByID(ctx context.Context, id string) (*model.Registration, error)
	GetByOrderID(ctx context.Context, orderID string) (*model.Registration, error)
	// Update сохраняет изменения при совпадении версии (compare-and-swap).
	// ErrConflict — версия устарела, ErrNotFound — записи нет.
	// При успехе r.Version увеличивается, r.UpdatedAt обновляется.
	Update(ctx context.Context, r *model.Registration, expectedVersion int) error
	List(ctx context.Context, f model.RegistrationFilter) ([]*model.Registration, error)
}

type registrationRepo struct {
	db DBTX
}

// NewRegistrationRepository создаёт репозиторий регистраций.
func NewRegistrationRepository(db DBTX) RegistrationRepository {
	return &registrationRepo{db: db}
}

const registrationColumns = `id, order_id, access_token,
	vehicle_id, vin, vehicle_year, make, model, plate_number,
	customer_name, customer_phone, customer_email, mailing_address,
	current_stage, sale_date, submission_date, approval_date, delivery_date, rejection_notes,
	title_front, title_back, title_transfer_form, insurance_proof, inspection_proof,
	notification_preference, archived, version, created_at, updated_at`

func scanRegistration(row pgx.Row) (*model.Registration, error) {
	r := &model.Registration{}
	err := row.Scan(
		&r.ID, &r.OrderID, &r.AccessToken,
		&r.VehicleID, &r.VIN, &r.VehicleYear, &r.Make, &r.Model, &r.PlateNumber,
		&r.CustomerName, &r.CustomerPhone, &r.CustomerEmail, &r.MailingAddress,
		&r.CurrentStage, &r.SaleDate, &r.SubmissionDate, &r.ApprovalDate, &r.DeliveryDate, &r.RejectionNotes,
		&r.Documents.TitleFront, &r.Documents.TitleBack, &r.Documents.TitleTransferForm,
		&r.Documents.InsuranceProof, &r.Documents.InspectionProof,
		&r.NotificationPreference, &r.Archived, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

func (r *registrationRepo) Create(ctx context.Context, reg *model.Registration) error {
	query := `
		INSERT INTO registrations (id, order_id, access_token,
			vehicle_id, vin, vehicle_year, make, model, plate_number,
			customer_name, customer_phone, customer_email, mailing_address,
			current_stage, sale_date, notification_preference, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 1)
		RETURNING version, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		reg.ID, reg.OrderID, reg.AccessToken,
		reg.VehicleID, reg.VIN, reg.VehicleYear, reg.Make, reg.Model, reg.PlateNumber,
		reg.CustomerName, reg.CustomerPhone, reg.CustomerEmail, reg.MailingAddress,
		reg.CurrentStage, reg.SaleDate, reg.NotificationPreference,
	).Scan(&reg.Version, &reg.CreatedAt, &reg.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: номер заказа %s уже используется", ErrConflict, reg.OrderID)
		}
		return fmt.Errorf("ошибка создания регистрации: %w", err)
	}
	return nil
}

func (r *registrationRepo) GetByID(ctx context.Context, id string) (*model.Registration, error) {
	reg, err := scanRegistration(r.db.QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения регистрации: %w", err)
	}
	return reg, nil
}

func (r *registrationRepo) GetByOrderID(ctx context.Context, orderID string) (*model.Registration, error) {
	reg, err := scanRegistration(r.db.QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE order_id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения регистрации по номеру заказа: %w", err)
	}
	return reg, nil
}

func (r *registrationRepo) Update(ctx context.Context, reg *model.Registration, expectedVersion int) error {
	query := `
		UPDATE registrations
		SET current_stage = $3, sale_date = $4, submission_date = $5, approval_date = $6,
			delivery_date = $7, rejection_notes = $8,
			title_front = $9, title_back = $10, title_transfer_form = $11,
			insurance_proof = $12, inspection_proof = $13,
			notification_preference = $14, archived = $15,
			version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`

	err := r.db.QueryRow(ctx, query,
		reg.ID, expectedVersion,
		reg.CurrentStage, reg.SaleDate, reg.SubmissionDate, reg.ApprovalDate,
		reg.DeliveryDate, reg.RejectionNotes,
		reg.Documents.TitleFront, reg.Documents.TitleBack, reg.Documents.TitleTransferForm,
		reg.Documents.InsuranceProof, reg.Documents.InspectionProof,
		reg.NotificationPreference, reg.Archived,
	).Scan(&reg.Version, &reg.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("ошибка обновления регистрации: %w", err)
	}

	// Ни одной строки: либо записи нет, либо версия ушла вперёд.
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM registrations WHERE id = $1)`, reg.ID).Scan(&exists); err != nil {
		return fmt.Errorf("ошибка проверки регистрации: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return fmt.Errorf("%w: версия %d устарела", ErrConflict, expectedVersion)
}

func (r *registrationRepo) List(ctx context.Context, f model.RegistrationFilter) ([]*model.Registration, error) {
	var conditions []string
	var args []any
	argNum := 1

	if !f.IncludeArchived {
		conditions = append(conditions, "NOT archived")
	}

	if s := strings.TrimSpace(f.Search); s != "" {
		conditions = append(conditions, fmt.Sprintf(`(order_id ILIKE $%[1]d OR customer_name ILIKE $%[1]d
			OR vin ILIKE $%[1]d OR concat_ws(' ', vehicle_year, make, model) ILIKE $%[1]d)`, argNum))
		args = append(args, "%"+escapeLike(s)+"%")
		argNum++
	}

	if f.Bucket != nil {
		switch *f.Bucket {
		case model.BucketComplete:
			conditions = append(conditions, "current_stage = 'sticker_delivered'")
		case model.BucketRejected:
			conditions = append(conditions, "current_stage = 'rejected'")
		case model.BucketInProgress:
			conditions = append(conditions, "current_stage NOT IN ('sticker_delivered', 'rejected')")
		}
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM registrations
		%s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d`, registrationColumns, where, argNum, argNum+1)
	page := f.Normalized()
	args = append(args, page.Limit, page.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка регистраций: %w", err)
	}
	defer rows.Close()

	var result []*model.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования регистрации: %w", err)
		}
		result = append(result, reg)
	}
	return result, rows.Err()
}

// escapeLike экранирует спецсимволы шаблона LIKE.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
