package public_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/domain/stage"
	"github.com/bigkaa/dealerdesk/internal/events"
	"github.com/bigkaa/dealerdesk/internal/messaging"
	"github.com/bigkaa/dealerdesk/internal/notify"
	"github.com/bigkaa/dealerdesk/internal/public"
	"github.com/bigkaa/dealerdesk/internal/repository"
	"github.com/bigkaa/dealerdesk/internal/repository/memstore"
	"github.com/bigkaa/dealerdesk/internal/service"
)

const dealerPhone = "(555) 010-2000"

type fixture struct {
	store  *memstore.Store
	regs   *service.RegistrationService
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	broker := events.NewLocalBroker(logger)
	reporter := service.NewLogReporter(logger)
	dispatcher := notify.New(store, messaging.NewLogSender(logger), notify.Config{
		PublicBaseURL: "https://dealer.test",
		DealerPhone:   dealerPhone,
		Timeout:       time.Second,
	}, reporter, logger)
	t.Cleanup(func() {
		dispatcher.Wait()
		_ = broker.Close()
	})

	audit := service.NewAuditRecorder(store, logger)
	catalog := service.NewVehicleCatalog(store, 16, time.Minute)
	regs := service.NewRegistrationService(store, audit, catalog, dispatcher, broker, reporter, logger)

	router := chi.NewRouter()
	public.NewHandler(service.NewTrackerService(store, dealerPhone, logger), regs, dealerPhone, logger).Routes(router)

	return &fixture{store: store, regs: regs, router: router}
}

func (f *fixture) create(t *testing.T) *model.Registration {
	t.Helper()
	phone := "+15550101234"
	reg, err := f.regs.Create(context.Background(), model.RegistrationDraft{
		VIN:           "1HGCM82633A004352",
		VehicleYear:   2019,
		Make:          "Toyota",
		Model:         "Camry",
		PlateNumber:   "7ABC123",
		CustomerName:  "Dana Ruiz",
		CustomerPhone: &phone,
	}, "clerk-1")
	require.NoError(t, err)
	return reg
}

func (f *fixture) get(t *testing.T, target, accept string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestTrack_RendersPage(t *testing.T) {
	f := newFixture(t)
	reg := f.create(t)

	rec := f.get(t, "/track/"+reg.OrderID+"-"+reg.AccessToken, "text/html")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))

	body := rec.Body.String()
	assert.Contains(t, body, reg.OrderID)
	assert.Contains(t, body, "Toyota Camry")
	assert.Contains(t, body, dealerPhone)
	assert.NotContains(t, body, reg.AccessToken, "токен не выводится на странице")
	assert.NotContains(t, body, "Dana Ruiz", "имя клиента не раскрывается")
}

func TestTrack_JSON(t *testing.T) {
	f := newFixture(t)
	reg := f.create(t)

	rec := f.get(t, "/track/"+reg.OrderID+"-"+reg.AccessToken, "application/json")
	require.Equal(t, http.StatusOK, rec.Code)

	var view service.TrackerView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, reg.OrderID, view.OrderID)
	assert.Equal(t, stage.SaleComplete, view.Stage)
	assert.NotEmpty(t, view.Steps)
	assert.Nil(t, view.RejectionNotes)
}

// TestTrack_InvalidLinksIndistinguishable: неизвестный заказ, чужой токен
// и битая ссылка дают побайтно одинаковый ответ.
func TestTrack_InvalidLinksIndistinguishable(t *testing.T) {
	f := newFixture(t)
	reg := f.create(t)
	other := f.create(t)

	links := []string{
		"/track/RGZZZZZZZZ-" + reg.AccessToken,
		"/track/" + reg.OrderID + "-" + other.AccessToken,
		"/track/" + reg.OrderID + "-",
		"/track/" + reg.OrderID,
		"/track/garbage",
	}

	for _, accept := range []string{"text/html", "application/json"} {
		var first *httptest.ResponseRecorder
		for _, link := range links {
			rec := f.get(t, link, accept)
			assert.Equal(t, http.StatusNotFound, rec.Code, link)
			if first == nil {
				first = rec
				continue
			}
			assert.Equal(t, first.Body.String(), rec.Body.String(), "ответ для %s отличается", link)
			assert.Equal(t, first.Header().Get("Content-Type"), rec.Header().Get("Content-Type"))
		}
	}
}

func TestTrack_StoreUnavailable(t *testing.T) {
	f := newFixture(t)
	reg := f.create(t)
	f.store.SetFailure(repository.ErrUnavailable)

	rec := f.get(t, "/track/"+reg.OrderID+"-"+reg.AccessToken, "text/html")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.get(t, "/track/"+reg.OrderID+"-"+reg.AccessToken, "application/json")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "STORE_UNAVAILABLE")
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	f := newFixture(t)
	reg := f.create(t)
	link := "/unsubscribe?" + url.Values{"reg": {reg.ID}, "token": {reg.AccessToken}}.Encode()

	first := f.get(t, link, "")
	require.Equal(t, http.StatusOK, first.Code)
	second := f.get(t, link, "")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String(), "повторная отписка показывает ту же страницу")

	stored, err := f.regs.Get(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PreferenceNone, stored.NotificationPreference)

	history, err := f.regs.History(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2, "вторая отписка не пишет аудит")
}

func TestUnsubscribe_InvalidLink(t *testing.T) {
	f := newFixture(t)
	reg := f.create(t)

	notFound := f.get(t, "/track/garbage", "text/html")

	for _, link := range []string{
		"/unsubscribe",
		"/unsubscribe?reg=" + reg.ID + "&token=wrong",
		"/unsubscribe?reg=unknown&token=" + reg.AccessToken,
	} {
		rec := f.get(t, link, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, link)
		assert.Equal(t, notFound.Body.String(), rec.Body.String())
	}

	stored, err := f.regs.Get(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PreferenceSMS, stored.NotificationPreference)
	assert.False(t, strings.Contains(notFound.Body.String(), reg.OrderID))
}
