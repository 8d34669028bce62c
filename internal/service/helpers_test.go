package service_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/events"
	"github.com/bigkaa/dealerdesk/internal/notify"
	"github.com/bigkaa/dealerdesk/internal/repository/memstore"
	"github.com/bigkaa/dealerdesk/internal/service"
)

const (
	clerk       = "user-clerk-1"
	testVehicle = "22222222-2222-2222-2222-222222222222"
	missingID   = "99999999-9999-9999-9999-999999999999"
	dealerPhone = "(555) 010-2000"
)

func ptr[T any](v T) *T { return &v }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeNotifier запоминает смены стадий вместо отправки.
type fakeNotifier struct {
	mu        sync.Mutex
	changes   []notify.Change
	retryErr  error
	retried   []string
	sendErr   error
	codes     []string
	recipient string
}

func (n *fakeNotifier) DispatchAsync(ch notify.Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, ch)
}

func (n *fakeNotifier) Retry(_ context.Context, id string) (*model.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.retryErr != nil {
		return nil, n.retryErr
	}
	n.retried = append(n.retried, id)
	return &model.Notification{ID: "retry-of-" + id, RetryOf: &id, Delivered: true}, nil
}

func (n *fakeNotifier) SendVerificationCode(_ context.Context, _ model.Channel, recipient, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sendErr != nil {
		return n.sendErr
	}
	n.recipient = recipient
	n.codes = append(n.codes, code)
	return nil
}

func (n *fakeNotifier) Changes() []notify.Change {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Change(nil), n.changes...)
}

type env struct {
	store    *memstore.Store
	notifier *fakeNotifier
	broker   *events.LocalBroker
	audit    *service.AuditRecorder
	regs     *service.RegistrationService
	tracker  *service.TrackerService
	plates   *service.PlateService
	rentals  *service.RentalService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := testLogger()
	store := memstore.New()
	store.AddVehicle(model.Vehicle{
		ID:          testVehicle,
		VIN:         "1HGCM82633A004352",
		Year:        2019,
		Make:        "Toyota",
		Model:       "Camry",
		PlateNumber: "7ABC123",
	})

	e := &env{
		store:    store,
		notifier: &fakeNotifier{},
		broker:   events.NewLocalBroker(logger),
	}
	t.Cleanup(func() { _ = e.broker.Close() })

	reporter := service.NewLogReporter(logger)
	e.audit = service.NewAuditRecorder(store, logger)
	catalog := service.NewVehicleCatalog(store, 16, time.Minute)
	e.regs = service.NewRegistrationService(store, e.audit, catalog, e.notifier, e.broker, reporter, logger)
	e.tracker = service.NewTrackerService(store, dealerPhone, logger)
	e.plates = service.NewPlateService(store, e.audit, e.broker, reporter, 30, logger)
	e.rentals = service.NewRentalService(store, e.audit, e.broker, reporter, logger)
	return e
}

func (e *env) create(t *testing.T) *model.Registration {
	t.Helper()
	reg, err := e.regs.Create(context.Background(), model.RegistrationDraft{
		VIN:           "1HGCM82633A004352",
		VehicleYear:   2019,
		Make:          "Toyota",
		Model:         "Camry",
		CustomerName:  "Dana Ruiz",
		CustomerPhone: ptr("+15550101234"),
		CustomerEmail: ptr("dana@example.com"),
	}, clerk)
	require.NoError(t, err)
	return reg
}
