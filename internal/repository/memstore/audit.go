package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/repository"
)

type auditRepo struct {
	b backend
}

func (r *auditRepo) Append(ctx context.Context, e *model.AuditEntry) error {
	return r.b.do(ctx, func(d *state, now time.Time) error {
		d.nextAuditID++
		e.ID = d.nextAuditID
		e.CreatedAt = now
		stored := *e
		stored.Diff = make(model.FieldDiff, len(e.Diff))
		for k, v := range e.Diff {
			stored.Diff[k] = v
		}
		d.audit = append(d.audit, &stored)
		return nil
	})
}

// ListByEntity возвращает записи в порядке вставки: он совпадает с (created_at, id).
func (r *auditRepo) ListByEntity(ctx context.Context, entityType, entityID string) ([]*model.AuditEntry, error) {
	var out []*model.AuditEntry
	err := r.b.do(ctx, func(d *state, _ time.Time) error {
		for _, e := range d.audit {
			if e.EntityType == entityType && e.EntityID == entityID {
				c := *e
				out = append(out, &c)
			}
		}
		return nil
	})
	return out, err
}

type notificationRepo struct {
	b backend
}

func (r *notificationRepo) Create(ctx context.Context, n *model.Notification) error {
	return r.b.do(ctx, func(d *state, now time.Time) error {
		for _, existing := range d.notifications {
			if existing.ID == n.ID {
				return fmt.Errorf("%w: уведомление %s уже записано", repository.ErrConflict, n.ID)
			}
		}
		if n.SentAt.IsZero() {
			n.SentAt = now
		}
		c := *n
		d.notifications = append(d.notifications, &c)
		return nil
	})
}

func (r *notificationRepo) GetByID(ctx context.Context, id string) (*model.Notification, error) {
	var out *model.Notification
	err := r.b.do(ctx, func(d *state, _ time.Time) error {
		for _, n := range d.notifications {
			if n.ID == id {
				c := *n
				out = &c
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (r *notificationRepo) ListByRegistration(ctx context.Context, registrationID string) ([]*model.Notification, error) {
	var out []*model.Notification
	err := r.b.do(ctx, func(d *state, _ time.Time) error {
		for _, n := range d.notifications {
			if n.RegistrationID == registrationID {
				c := *n
				out = append(out, &c)
			}
		}
		return nil
	})
	return out, err
}
