package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/bigkaa/dealerdesk/internal/domain/rbac"
)

const (
	testKeyID  = "test-key-dd"
	testIssuer = "https://auth.test/realms/dealer"
)

var testGroups = rbac.GroupMapping{
	Admin:  []string{"dd-admins"},
	Clerk:  []string{"dd-clerks"},
	Viewer: []string{"dd-viewers"},
}

// generateTestKey генерирует RSA ключ для тестов.
func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// buildJWKSetJSON строит JWKS JSON из RSA публичного ключа.
func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
	data, _ := json.Marshal(jwks)
	return data
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestJWTAuth(t *testing.T, key *rsa.PrivateKey) *JWTAuth {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("не удалось создать keyfunc: %v", err)
	}
	return NewJWTAuthWithKeyfunc(kf, testIssuer, testGroups, 5*time.Second, testLogger())
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// userClaims — claims сотрудника с группами.
func userClaims(sub string, groups []string, exp time.Time) jwt.MapClaims {
	c := jwt.MapClaims{
		"sub":                sub,
		"preferred_username": sub,
		"email":              sub + "@dealer.test",
		"iss":                testIssuer,
		"exp":                jwt.NewNumericDate(exp),
		"iat":                jwt.NewNumericDate(time.Now()),
	}
	if len(groups) > 0 {
		c["groups"] = groups
	}
	return c
}

func saClaims(clientID, scope string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":       "sa-" + clientID,
		"client_id": clientID,
		"scope":     scope,
		"iss":       testIssuer,
		"exp":       jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

// serve прогоняет запрос через middleware и возвращает код и claims.
func serve(t *testing.T, h func(http.Handler) http.Handler, header string) (int, *AuthClaims) {
	t.Helper()
	var got *AuthClaims
	handler := h(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/registrations", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code, got
}

// TestJWTAuth_UserRoleFromGroups — роль сотрудника — старшая из групп.
func TestJWTAuth_UserRoleFromGroups(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	tests := []struct {
		name   string
		groups []string
		role   string
	}{
		{"viewer", []string{"dd-viewers"}, rbac.RoleViewer},
		{"clerk и viewer — clerk", []string{"dd-viewers", "dd-clerks"}, rbac.RoleClerk},
		{"admin", []string{"dd-admins", "dd-viewers"}, rbac.RoleAdmin},
		{"неизвестная группа", []string{"marketing"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := signToken(t, key, userClaims("u-1", tt.groups, time.Now().Add(time.Hour)))
			code, claims := serve(t, auth.Middleware(), "Bearer "+tok)
			if code != http.StatusOK {
				t.Fatalf("ожидался статус 200, получен %d", code)
			}
			if claims.SubjectType != SubjectTypeUser {
				t.Errorf("ожидался SubjectType=user, получен %s", claims.SubjectType)
			}
			if claims.Role != tt.role {
				t.Errorf("ожидалась роль %q, получена %q", tt.role, claims.Role)
			}
			if claims.Actor() != "u-1" {
				t.Errorf("ожидался актор u-1, получен %s", claims.Actor())
			}
		})
	}
}

// TestJWTAuth_RealmRolesFallback — без групп роль берётся из realm_access.
func TestJWTAuth_RealmRolesFallback(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	c := userClaims("u-2", nil, time.Now().Add(time.Hour))
	c["realm_access"] = map[string]any{"roles": []string{"offline_access", "clerk"}}

	code, claims := serve(t, auth.Middleware(), "Bearer "+signToken(t, key, c))
	if code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d", code)
	}
	if claims.Role != rbac.RoleClerk {
		t.Errorf("ожидалась роль clerk, получена %q", claims.Role)
	}
}

// TestJWTAuth_ServiceAccount — client_id и scope дают сервисный аккаунт.
func TestJWTAuth_ServiceAccount(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	tok := signToken(t, key, saClaims("inventory-sync", "openid registrations:write"))
	code, claims := serve(t, auth.Middleware(), "Bearer "+tok)
	if code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d", code)
	}
	if claims.SubjectType != SubjectTypeSA {
		t.Errorf("ожидался SubjectType=service_account, получен %s", claims.SubjectType)
	}
	if !claims.HasScope(ScopeRegistrationsWrite) {
		t.Error("ожидался scope registrations:write")
	}
	if claims.Allows(rbac.RoleViewer) {
		t.Error("сервисный аккаунт не должен получать роли сотрудника")
	}
	if claims.Actor() != "sa:inventory-sync" {
		t.Errorf("ожидался актор sa:inventory-sync, получен %s", claims.Actor())
	}
}

// TestJWTAuth_Rejected — токены, которые не проходят проверку.
func TestJWTAuth_Rejected(t *testing.T) {
	key := generateTestKey(t)
	other := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	wrongIssuer := userClaims("u-1", []string{"dd-admins"}, time.Now().Add(time.Hour))
	wrongIssuer["iss"] = "https://evil.test"
	noExp := userClaims("u-1", []string{"dd-admins"}, time.Now().Add(time.Hour))
	delete(noExp, "exp")
	noSub := userClaims("", []string{"dd-admins"}, time.Now().Add(time.Hour))

	tests := []struct {
		name   string
		header string
	}{
		{"нет заголовка", ""},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"без префикса", "token123"},
		{"пустой bearer", "Bearer "},
		{"мусор", "Bearer not.a.jwt"},
		{"просрочен", "Bearer " + signToken(t, key, userClaims("u-1", nil, time.Now().Add(-time.Hour)))},
		{"чужой ключ", "Bearer " + signToken(t, other, userClaims("u-1", nil, time.Now().Add(time.Hour)))},
		{"чужой issuer", "Bearer " + signToken(t, key, wrongIssuer)},
		{"без exp", "Bearer " + signToken(t, key, noExp)},
		{"без sub", "Bearer " + signToken(t, key, noSub)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, claims := serve(t, auth.Middleware(), tt.header)
			if code != http.StatusUnauthorized {
				t.Errorf("ожидался статус 401, получен %d", code)
			}
			if claims != nil {
				t.Error("handler не должен быть вызван")
			}
		})
	}
}

// TestRequireRoleOrScope — матрица доступа по ролям и scope.
func TestRequireRoleOrScope(t *testing.T) {
	viewer := &AuthClaims{Subject: "v", SubjectType: SubjectTypeUser, Role: rbac.RoleViewer}
	clerk := &AuthClaims{Subject: "c", SubjectType: SubjectTypeUser, Role: rbac.RoleClerk}
	admin := &AuthClaims{Subject: "a", SubjectType: SubjectTypeUser, Role: rbac.RoleAdmin}
	noRole := &AuthClaims{Subject: "n", SubjectType: SubjectTypeUser}
	sa := &AuthClaims{Subject: "s", SubjectType: SubjectTypeSA, ClientID: "inv", Scopes: []string{ScopeRegistrationsWrite}}
	saOther := &AuthClaims{Subject: "s", SubjectType: SubjectTypeSA, ClientID: "inv", Scopes: []string{"files:read"}}

	tests := []struct {
		name     string
		mw       func(http.Handler) http.Handler
		claims   *AuthClaims
		expected int
	}{
		{"viewer читает", RequireRole(rbac.RoleViewer), viewer, http.StatusOK},
		{"viewer не меняет", RequireRole(rbac.RoleClerk), viewer, http.StatusForbidden},
		{"clerk меняет", RequireRole(rbac.RoleClerk), clerk, http.StatusOK},
		{"clerk не архивирует", RequireRole(rbac.RoleAdmin), clerk, http.StatusForbidden},
		{"admin архивирует", RequireRole(rbac.RoleAdmin), admin, http.StatusOK},
		{"без роли", RequireRole(rbac.RoleViewer), noRole, http.StatusForbidden},
		{"SA без scope-правила", RequireRole(rbac.RoleViewer), sa, http.StatusForbidden},
		{"SA со scope создаёт", RequireRoleOrScope(rbac.RoleClerk, ScopeRegistrationsWrite), sa, http.StatusOK},
		{"SA с чужим scope", RequireRoleOrScope(rbac.RoleClerk, ScopeRegistrationsWrite), saOther, http.StatusForbidden},
		{"нет claims", RequireRole(rbac.RoleViewer), nil, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := tt.mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodPost, "/api/v1/registrations", nil)
			if tt.claims != nil {
				req = req.WithContext(WithClaims(req.Context(), tt.claims))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.expected {
				t.Errorf("ожидался статус %d, получен %d", tt.expected, rec.Code)
			}
		})
	}
}

// TestJWKSReadinessChecker — статус по ответу JWKS endpoint.
func TestJWKSReadinessChecker(t *testing.T) {
	key := generateTestKey(t)

	tests := []struct {
		name     string
		status   int
		body     string
		expected string
	}{
		{"ключи есть", http.StatusOK, string(buildJWKSetJSON(&key.PublicKey, testKeyID)), "ok"},
		{"пустой набор", http.StatusOK, `{"keys":[]}`, "degraded"},
		{"невалидный JSON", http.StatusOK, `{`, "degraded"},
		{"ошибка сервера", http.StatusInternalServerError, ``, "fail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			status, _ := NewJWKSReadinessChecker(srv.URL, time.Second).CheckReady()
			if status != tt.expected {
				t.Errorf("ожидался статус %s, получен %s", tt.expected, status)
			}
		})
	}
}

// TestAppVersion — заголовок версии на каждом ответе.
func TestAppVersion(t *testing.T) {
	handler := AppVersion("2026.10.1")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if got := rec.Header().Get("X-App-Version"); got != "2026.10.1" {
		t.Errorf("ожидался X-App-Version=2026.10.1, получен %q", got)
	}
}
