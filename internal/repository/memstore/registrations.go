package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/domain/stage"
	"github.com/bigkaa/dealerdesk/internal/repository"
)

type registrationRepo struct {
	b backend
}

func (r *registrationRepo) Create(ctx context.Context, reg *model.Registration) error {
	return r.b.do(ctx, func(d *state, now time.Time) error {
		for _, existing := range d.registrations {
			if existing.OrderID == reg.OrderID {
				return fmt.Errorf("%w: номер заказа %s уже используется", repository.ErrConflict, reg.OrderID)
			}
		}
		if _, ok := d.registrations[reg.ID]; ok {
			return fmt.Errorf("%w: регистрация %s уже существует", repository.ErrConflict, reg.ID)
		}
		reg.Version = 1
		reg.CreatedAt, reg.UpdatedAt = now, now
		d.registrations[reg.ID] = reg.Clone()
		return nil
	})
}

func (r *registrationRepo) GetByID(ctx context.Context, id string) (*model.Registration, error) {
	var out *model.Registration
	err := r.b.do(ctx, func(d *state, _ time.Time) error {
		reg, ok := d.registrations[id]
		if !ok {
			return repository.ErrNotFound
		}
		out = reg.Clone()
		return nil
	})
	return out, err
}

func (r *registrationRepo) GetByOrderID(ctx context.Context, orderID string) (*model.Registration, error) {
	var out *model.Registration
	err := r.b.do(ctx, func(d *state, _ time.Time) error {
		for _, reg := range d.registrations {
			if reg.OrderID == orderID {
				out = reg.Clone()
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (r *registrationRepo) Update(ctx context.Context, reg *model.Registration, expectedVersion int) error {
	return r.b.do(ctx, func(d *state, now time.Time) error {
		current, ok := d.registrations[reg.ID]
		if !ok {
			return repository.ErrNotFound
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("%w: версия %d устарела", repository.ErrConflict, expectedVersion)
		}
		if reg.RejectionNotes != nil && reg.CurrentStage != stage.Rejected {
			return errors.New("нарушено ограничение rejection_notes_only_when_rejected")
		}
		reg.Version = current.Version + 1
		reg.UpdatedAt = now
		stored := reg.Clone()
		// Неизменяемые после создания поля.
		stored.OrderID = current.OrderID
		stored.AccessToken = current.AccessToken
		stored.CreatedAt = current.CreatedAt
		d.registrations[reg.ID] = stored
		return nil
	})
}

func (r *registrationRepo) List(ctx context.Context, f model.RegistrationFilter) ([]*model.Registration, error) {
	var out []*model.Registration
	err := r.b.do(ctx, func(d *state, _ time.Time) error {
		search := strings.ToLower(strings.TrimSpace(f.Search))
		for _, reg := range d.registrations {
			if !f.IncludeArchived && reg.Archived {
				continue
			}
			if f.Bucket != nil && !f.Bucket.Matches(reg.CurrentStage) {
				continue
			}
			if search != "" && !matchesSearch(reg, search) {
				continue
			}
			out = append(out, reg.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	page := f.Normalized()
	if page.Offset >= len(out) {
		return nil, nil
	}
	out = out[page.Offset:]
	if page.Limit < len(out) {
		out = out[:page.Limit]
	}
	return out, nil
}

func matchesSearch(reg *model.Registration, search string) bool {
	description := strings.Join([]string{strconv.Itoa(reg.VehicleYear), reg.Make, reg.Model}, " ")
	for _, field := range []string{reg.OrderID, reg.CustomerName, reg.VIN, description} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	return false
}
