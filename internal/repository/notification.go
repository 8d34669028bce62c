package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
)

// NotificationRepository — попытки отправки уведомлений. Строки не изменяются,
// повтор создаёт новую строку с retry_of.
type NotificationRepository interface {
	Create(ctx context.Context, n *model.Notification) error
	GetByID(ctx context.Context, id string) (*model.Notification, error)
	// ListByRegistration возвращает попытки от старых к новым.
	ListByRegistration(ctx context.Context, registrationID string) ([]*model.Notification, error)
}

type notificationRepo struct {
	db DBTX
}

// NewNotificationRepository создаёт репозиторий уведомлений.
func NewNotificationRepository(db DBTX) NotificationRepository {
	return &notificationRepo{db: db}
}

const notificationColumns = `id, registration_id, channel, recipient, old_stage, new_stage,
	sent_at, delivered, error, retry_of`

func scanNotification(row pgx.Row) (*model.Notification, error) {
	n := &model.Notification{}
	err := row.Scan(&n.ID, &n.RegistrationID, &n.Channel, &n.Recipient, &n.OldStage, &n.NewStage,
		&n.SentAt, &n.Delivered, &n.Error, &n.RetryOf)
	return n, err
}

func (r *notificationRepo) Create(ctx context.Context, n *model.Notification) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO registration_notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.RegistrationID, n.Channel, n.Recipient, n.OldStage, n.NewStage,
		n.SentAt, n.Delivered, n.Error, n.RetryOf,
	)
	if err != nil {
		return fmt.Errorf("ошибка записи уведомления: %w", err)
	}
	return nil
}

func (r *notificationRepo) GetByID(ctx context.Context, id string) (*model.Notification, error) {
	n, err := scanNotification(r.db.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM registration_notifications WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения уведомления: %w", err)
	}
	return n, nil
}

func (r *notificationRepo) ListByRegistration(ctx context.Context, registrationID string) ([]*model.Notification, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM registration_notifications
		WHERE registration_id = $1
		ORDER BY sent_at, id`, registrationID)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения уведомлений: %w", err)
	}
	defer rows.Close()

	var result []*model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования уведомления: %w", err)
		}
		result = append(result, n)
	}
	return result, rows.Err()
}
