package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/repository"
)

type vehicleRepo struct {
	b backend
}

func (r *vehicleRepo) GetByID(ctx context.Context, id string) (*model.Vehicle, error) {
	var out *model.Vehicle
	err := r.b.do(ctx, func(d *state, _ time.Time) error {
		v, ok := d.vehicles[id]
		if !ok {
			return repository.ErrNotFound
		}
		c := *v
		out = &c
		return nil
	})
	return out, err
}

// LockForBooking только проверяет наличие: транзакции уже сериализованы.
func (r *vehicleRepo) LockForBooking(ctx context.Context, id string) error {
	return r.b.do(ctx, func(d *state, _ time.Time) error {
		if _, ok := d.vehicles[id]; !ok {
			return repository.ErrNotFound
		}
		return nil
	})
}

type plateRepo struct {
	b backend
}

func (d *state) plateWithAssignment(p *model.Plate) *model.Plate {
	c := *p
	c.VehicleID = nil
	for _, a := range d.assignments {
		if a.PlateID == p.ID && a.ReleasedAt == nil {
			v := a.VehicleID
			c.VehicleID = &v
		}
	}
	return &c
}

func (r *plateRepo) GetByID(ctx context.Context, id string) (*model.Plate, error) {
	var out *model.Plate
	err := r.b.do(ctx, func(d *state, _ time.Time) error {
		p, ok := d.plates[id]
		if !ok {
			return repository.ErrNotFound
		}
		out = d.plateWithAssignment(p)
		return nil
	})
	return out, err
}

func (r *plateRepo) ListExpiringBefore(ctx context.Context, before time.Time) ([]*model.Plate, error) {
	var out []*model.Plate
	err := r.b.do(ctx, func(d *state, _ time.Time) error {
		for _, p := range d.plates {
			if p.Status != model.PlateRetired && p.ExpiresAt.Before(before) {
				out = append(out, d.plateWithAssignment(p))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].PlateNumber < out[j].PlateNumber
	})
	return out, err
}

func (r *plateRepo) SetStatus(ctx context.Context, id string, status model.PlateStatus) error {
	return r.b.do(ctx, func(d *state, now time.Time) error {
		p, ok := d.plates[id]
		if !ok {
			return repository.ErrNotFound
		}
		p.Status = status
		p.UpdatedAt = now
		return nil
	})
}

func (r *plateRepo) OpenAssignment(ctx context.Context, a *model.PlateAssignment) error {
	return r.b.do(ctx, func(d *state, _ time.Time) error {
		for _, existing := range d.assignments {
			if existing.PlateID == a.PlateID && existing.ReleasedAt == nil {
				return fmt.Errorf("%w: знак уже привязан", repository.ErrConflict)
			}
		}
		c := *a
		d.assignments = append(d.assignments, &c)
		return nil
	})
}

func (r *plateRepo) CloseAssignment(ctx context.Context, plateID string, at time.Time) (*model.PlateAssignment, error) {
	var out *model.PlateAssignment
	err := r.b.do(ctx, func(d *state, _ time.Time) error {
		for _, a := range d.assignments {
			if a.PlateID == plateID && a.ReleasedAt == nil {
				released := at
				a.ReleasedAt = &released
				c := *a
				out = &c
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

type rentalRepo struct {
	b backend
}

func (r *rentalRepo) Create(ctx context.Context, bk *model.RentalBooking) error {
	return r.b.do(ctx, func(d *state, now time.Time) error {
		if _, ok := d.bookings[bk.ID]; ok {
			return fmt.Errorf("%w: бронь %s уже существует", repository.ErrConflict, bk.ID)
		}
		bk.Version = 1
		bk.CreatedAt, bk.UpdatedAt = now, now
		c := *bk
		d.bookings[bk.ID] = &c
		return nil
	})
}

func (r *rentalRepo) GetByID(ctx context.Context, id string) (*model.RentalBooking, error) {
	var out *model.RentalBooking
	err := r.b.do(ctx, func(d *state, _ time.Time) error {
		bk, ok := d.bookings[id]
		if !ok {
			return repository.ErrNotFound
		}
		c := *bk
		out = &c
		return nil
	})
	return out, err
}

func (r *rentalRepo) ListByVehicle(ctx context.Context, vehicleID string, from, to time.Time) ([]*model.RentalBooking, error) {
	var out []*model.RentalBooking
	err := r.b.do(ctx, func(d *state, _ time.Time) error {
		for _, bk := range d.bookings {
			if bk.VehicleID == vehicleID && bk.StartsAt.Before(to) && bk.EndsAt.After(from) {
				c := *bk
				out = append(out, &c)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (r *rentalRepo) UpdateStatus(ctx context.Context, bk *model.RentalBooking, expectedVersion int) error {
	return r.b.do(ctx, func(d *state, now time.Time) error {
		current, ok := d.bookings[bk.ID]
		if !ok || current.Version != expectedVersion {
			return fmt.Errorf("%w: бронь %s изменена или удалена", repository.ErrConflict, bk.ID)
		}
		current.Status = bk.Status
		current.Version++
		current.UpdatedAt = now
		bk.Version, bk.UpdatedAt = current.Version, now
		return nil
	})
}

func (r *rentalRepo) UpsertInsurance(ctx context.Context, ins *model.RentalInsurance) error {
	return r.b.do(ctx, func(d *state, _ time.Time) error {
		c := *ins
		d.insurance[ins.BookingID] = &c
		return nil
	})
}

func (r *rentalRepo) GetInsurance(ctx context.Context, bookingID string) (*model.RentalInsurance, error) {
	var out *model.RentalInsurance
	err := r.b.do(ctx, func(d *state, _ time.Time) error {
		ins, ok := d.insurance[bookingID]
		if !ok {
			return repository.ErrNotFound
		}
		c := *ins
		out = &c
		return nil
	})
	return out, err
}
