// Пакет memstore — хранилище в памяти с семантикой repository.Store.
// Используется в тестах сервисного слоя и при локальной разработке.
//
// Транзакция работает на копии данных и подменяет оригинал при успехе,
// поэтому ошибка внутри InTx не оставляет частичных изменений.
// Транзакции сериализуются общим мьютексом.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/repository"
)

// state — содержимое всех таблиц.
type state struct {
	registrations map[string]*model.Registration
	audit         []*model.AuditEntry
	nextAuditID   int64
	notifications []*model.Notification
	vehicles      map[string]*model.Vehicle
	plates        map[string]*model.Plate
	assignments   []*model.PlateAssignment
	bookings      map[string]*model.RentalBooking
	insurance     map[string]*model.RentalInsurance
}

func newState() *state {
	return &state{
		registrations: make(map[string]*model.Registration),
		vehicles:      make(map[string]*model.Vehicle),
		plates:        make(map[string]*model.Plate),
		bookings:      make(map[string]*model.RentalBooking),
		insurance:     make(map[string]*model.RentalInsurance),
	}
}

// clone копирует таблицы. Записи аудита и уведомлений не изменяются
// после вставки, поэтому копируются только срезы.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.registrations {
		c.registrations[k] = v.Clone()
	}
	c.audit = append([]*model.AuditEntry(nil), s.audit...)
	c.nextAuditID = s.nextAuditID
	c.notifications = append([]*model.Notification(nil), s.notifications...)
	for k, v := range s.vehicles {
		vv := *v
		c.vehicles[k] = &vv
	}
	for k, v := range s.plates {
		pv := *v
		c.plates[k] = &pv
	}
	for _, a := range s.assignments {
		av := *a
		c.assignments = append(c.assignments, &av)
	}
	for k, v := range s.bookings {
		bv := *v
		c.bookings[k] = &bv
	}
	for k, v := range s.insurance {
		iv := *v
		c.insurance[k] = &iv
	}
	return c
}

// Store — repository.Store в памяти.
type Store struct {
	mu   sync.Mutex
	data *state
	// failErr — ошибка, возвращаемая всеми операциями (имитация недоступности)
	failErr error
	now     func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		data: newState(),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetFailure заставляет все последующие операции возвращать err.
// nil снимает имитацию отказа.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// AddVehicle добавляет автомобиль в складской учёт.
func (s *Store) AddVehicle(v model.Vehicle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.vehicles[v.ID] = &v
}

// AddPlate добавляет номерной знак.
func (s *Store) AddPlate(p model.Plate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if p.Status == "" {
		p.Status = model.PlateAvailable
	}
	p.VehicleID = nil
	p.CreatedAt, p.UpdatedAt = now, now
	s.data.plates[p.ID] = &p
}

// Repos возвращает репозитории, каждая операция которых атомарна.
func (s *Store) Repos() repository.Repos {
	return newRepos(&autoBackend{store: s})
}

// InTx выполняет fn на копии данных; при успехе копия становится текущей.
func (s *Store) InTx(ctx context.Context, fn func(r repository.Repos) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return s.failErr
	}

	snapshot := s.data.clone()
	if err := fn(newRepos(&txBackend{data: snapshot, now: s.now})); err != nil {
		return err
	}
	s.data = snapshot
	return nil
}

// backend — доступ к состоянию вне или внутри транзакции.
type backend interface {
	do(ctx context.Context, fn func(d *state, now time.Time) error) error
}

type autoBackend struct {
	store *Store
}

func (b *autoBackend) do(ctx context.Context, fn func(d *state, now time.Time) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if b.store.failErr != nil {
		return b.store.failErr
	}
	return fn(b.store.data, b.store.now())
}

type txBackend struct {
	data *state
	now  func() time.Time
}

func (b *txBackend) do(ctx context.Context, fn func(d *state, now time.Time) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(b.data, b.now())
}

func newRepos(b backend) repository.Repos {
	return repository.Repos{
		Registrations: &registrationRepo{b: b},
		Audit:         &auditRepo{b: b},
		Notifications: &notificationRepo{b: b},
		Vehicles:      &vehicleRepo{b: b},
		Plates:        &plateRepo{b: b},
		Rentals:       &rentalRepo{b: b},
	}
}
