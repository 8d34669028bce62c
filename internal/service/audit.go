// audit.go — запись и чтение журнала аудита.
// Журнал только дополняется: API изменения и удаления записей нет,
// в БД их запрещает триггер.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/repository"
)

// Системные акторы журнала аудита.
const (
	// ActorUnsubscribe — отписка клиента по ссылке из уведомления.
	ActorUnsubscribe = "customer:unsubscribe"
)

// AuditRecord — входные данные одной записи журнала.
type AuditRecord struct {
	EntityType string
	EntityID   string
	Operation  model.AuditOperation
	Diff       model.FieldDiff
	// Reason — пояснение к изменению (пусто — не указано)
	Reason string
	Actor  string
}

// AuditRecorder — журнал аудита изменений сущностей.
type AuditRecorder struct {
	store  repository.Store
	logger *slog.Logger
}

// NewAuditRecorder создаёт AuditRecorder.
func NewAuditRecorder(store repository.Store, logger *slog.Logger) *AuditRecorder {
	return &AuditRecorder{
		store:  store,
		logger: logger.With(slog.String("component", "audit")),
	}
}

// Record добавляет запись через repos той же транзакции, что и изменение.
func (a *AuditRecorder) Record(ctx context.Context, repos repository.Repos, rec AuditRecord) (*model.AuditEntry, error) {
	if rec.Actor == "" {
		return nil, errors.New("запись аудита без актора")
	}
	if rec.Diff == nil {
		rec.Diff = model.FieldDiff{}
	}

	entry := &model.AuditEntry{
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Operation:  rec.Operation,
		Diff:       rec.Diff,
		Actor:      rec.Actor,
	}
	if reason := strings.TrimSpace(rec.Reason); reason != "" {
		entry.Reason = &reason
	}

	if err := repos.Audit.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("запись аудита: %w", err)
	}

	a.logger.Debug("Запись аудита добавлена",
		slog.String("entity_type", entry.EntityType),
		slog.String("entity_id", entry.EntityID),
		slog.String("operation", string(entry.Operation)),
		slog.String("actor", entry.Actor),
	)
	return entry, nil
}

// History возвращает историю сущности от старых записей к новым.
func (a *AuditRecorder) History(ctx context.Context, entityType, entityID string) ([]*model.AuditEntry, error) {
	entries, err := a.store.Repos().Audit.ListByEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, storeError("чтение журнала аудита", err)
	}
	return entries, nil
}

// optString и optTime приводят nullable-поля к сравнимым значениям FieldDiff.
func optString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func optTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
