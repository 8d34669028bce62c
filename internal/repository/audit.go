package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
)

// AuditRepository — журнал аудита. Только вставка и чтение:
// изменение и удаление запрещены триггером audit_log_no_update_delete.
type AuditRepository interface {
	// Append добавляет запись; заполняет ID и CreatedAt.
	Append(ctx context.Context, e *model.AuditEntry) error
	// ListByEntity возвращает историю сущности, от старых к новым.
	ListByEntity(ctx context.Context, entityType, entityID string) ([]*model.AuditEntry, error)
}

type auditRepo struct {
	db DBTX
}

// NewAuditRepository создаёт репозиторий журнала аудита.
func NewAuditRepository(db DBTX) AuditRepository {
	return &auditRepo{db: db}
}

func (r *auditRepo) Append(ctx context.Context, e *model.AuditEntry) error {
	diff, err := json.Marshal(e.Diff)
	if err != nil {
		return fmt.Errorf("ошибка сериализации diff: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		INSERT INTO audit_log (entity_type, entity_id, operation, diff, reason, actor)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		e.EntityType, e.EntityID, e.Operation, diff, e.Reason, e.Actor,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка записи аудита: %w", err)
	}
	return nil
}

func (r *auditRepo) ListByEntity(ctx context.Context, entityType, entityID string) ([]*model.AuditEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, entity_type, entity_id, operation, diff, reason, actor, created_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at, id`,
		entityType, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения аудита: %w", err)
	}
	defer rows.Close()

	var result []*model.AuditEntry
	for rows.Next() {
		e := &model.AuditEntry{}
		var diff []byte
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Operation, &diff,
			&e.Reason, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования аудита: %w", err)
		}
		if err := json.Unmarshal(diff, &e.Diff); err != nil {
			return nil, fmt.Errorf("ошибка разбора diff аудита %d: %w", e.ID, err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
