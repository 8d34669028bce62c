package server_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/dealerdesk/internal/api/handlers"
	"github.com/bigkaa/dealerdesk/internal/api/middleware"
	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/domain/rbac"
	"github.com/bigkaa/dealerdesk/internal/events"
	"github.com/bigkaa/dealerdesk/internal/messaging"
	"github.com/bigkaa/dealerdesk/internal/notify"
	"github.com/bigkaa/dealerdesk/internal/public"
	"github.com/bigkaa/dealerdesk/internal/repository/memstore"
	"github.com/bigkaa/dealerdesk/internal/server"
	"github.com/bigkaa/dealerdesk/internal/service"
)

const (
	testKeyID     = "test-key-dd"
	testIssuer    = "https://auth.test/realms/dealer"
	testVersion   = "1.4.2"
	publicBaseURL = "https://dealer.test"
	dealerPhone   = "(555) 010-2000"
)

var (
	testVehicleID = uuid.MustParse("6f1c2d3e-4a5b-4c6d-8e9f-0a1b2c3d4e5f").String()
	testPlateID   = uuid.MustParse("9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d").String()
)

type stubChecker struct {
	status, message string
}

func (c stubChecker) CheckReady() (string, string) { return c.status, c.message }

type testApp struct {
	handler http.Handler
	routes  server.Routes
	store   *memstore.Store
	key     *rsa.PrivateKey
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestApp собирает приложение целиком поверх хранилища в памяти.
func newTestApp(t *testing.T) *testApp {
	t.Helper()
	logger := testLogger()

	store := memstore.New()
	store.AddVehicle(model.Vehicle{
		ID:          testVehicleID,
		VIN:         "1HGCM82633A004352",
		Year:        2019,
		Make:        "Toyota",
		Model:       "Camry",
		PlateNumber: "7ABC123",
	})
	store.AddPlate(model.Plate{
		ID:          testPlateID,
		PlateNumber: "DLR100",
		ExpiresAt:   time.Now().UTC().AddDate(0, 0, 10),
	})

	broker := events.NewLocalBroker(logger)
	reporter := service.NewLogReporter(logger)
	dispatcher := notify.New(store, messaging.NewLogSender(logger), notify.Config{
		PublicBaseURL: publicBaseURL,
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
	tracker := service.NewTrackerService(store, dealerPhone, logger)

	api := handlers.NewAPIHandler(handlers.Services{
		Registrations: regs,
		Vehicles:      catalog,
		Plates:        service.NewPlateService(store, audit, broker, reporter, 30, logger),
		Rentals:       service.NewRentalService(store, audit, broker, reporter, logger),
		Broker:        broker,
		PublicBaseURL: publicBaseURL,
		SSEHeartbeat:  20 * time.Millisecond,
	}, logger)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey))
	require.NoError(t, err)
	auth := middleware.NewJWTAuthWithKeyfunc(kf, testIssuer, rbac.GroupMapping{
		Admin:  []string{"dd-admins"},
		Clerk:  []string{"dd-clerks"},
		Viewer: []string{"dd-viewers"},
	}, 5*time.Second, logger)

	routes := server.Routes{
		API:    api,
		Health: handlers.NewHealthHandler(testVersion, stubChecker{status: "ok"}, stubChecker{status: "ok"}, nil),
		Public: public.NewHandler(tracker, regs, dealerPhone, logger),
		Auth:   auth,
	}
	return &testApp{
		handler: server.NewRouter(testVersion, logger, routes),
		routes:  routes,
		store:   store,
		key:     key,
	}
}

func buildJWKSetJSON(pub *rsa.PublicKey) json.RawMessage {
	data, _ := json.Marshal(map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": testKeyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
	return data
}

func (a *testApp) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	claims["iss"] = testIssuer
	claims["exp"] = time.Now().Add(time.Hour).Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(a.key)
	require.NoError(t, err)
	return s
}

// userToken — токен сотрудника из группы IdP.
func (a *testApp) userToken(t *testing.T, group string) string {
	return a.sign(t, jwt.MapClaims{
		"sub":                "user-" + group,
		"preferred_username": group,
		"groups":             []string{group},
	})
}

// saToken — токен сервисного аккаунта складского учёта.
func (a *testApp) saToken(t *testing.T, scope string) string {
	return a.sign(t, jwt.MapClaims{
		"sub":       "sa-inventory",
		"client_id": "inventory",
		"scope":     scope,
	})
}

func (a *testApp) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	detail, ok := body["error"].(map[string]any)
	require.True(t, ok, "ожидался конверт ошибки: %s", rec.Body.String())
	code, _ := detail["code"].(string)
	return code
}

func registrationDraft() map[string]any {
	return map[string]any{
		"vehicle_id":     testVehicleID,
		"customer_name":  "Dana Ruiz",
		"customer_phone": "+15550101234",
		"customer_email": "dana@example.com",
	}
}

// createRegistration создаёт регистрацию от имени клерка.
func (a *testApp) createRegistration(t *testing.T) map[string]any {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/registrations", a.userToken(t, "dd-clerks"), registrationDraft())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(t, rec)
}
