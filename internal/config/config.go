// Пакет config — загрузка и валидация конфигурации Dealer Desk
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия сборки, задаётся через -ldflags. Используется как значение
// по умолчанию для Config.AppVersion.
var Version = "dev"

// Config содержит все параметры конфигурации Dealer Desk.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// AppVersion — версия развёртывания, отдаётся фронтенду в X-App-Version
	AppVersion string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string
	// Лимиты пула. Нулевые значения — умолчания pgxpool.
	DBMaxConns        int
	DBMinConns        int
	DBMaxConnLifetime time.Duration
	DBMaxConnIdleTime time.Duration
	// Попытки подключения при старте: БД может подняться позже сервиса
	DBConnectAttempts int
	// Начальная пауза между попытками, удваивается до DBConnectMaxBackoff
	DBConnectBackoff    time.Duration
	DBConnectMaxBackoff time.Duration

	// --- Аутентификация (токены выдаёт внешний auth-провайдер) ---

	// URL JWKS endpoint провайдера
	AuthJWKSURL string
	// Ожидаемый issuer JWT (пусто — не проверяется)
	AuthIssuer string
	// Допустимое отклонение часов при проверке exp/nbf
	AuthJWTLeeway time.Duration
	// Интервал обновления JWKS
	AuthJWKSRefresh time.Duration

	// --- Маппинг групп → ролей ---

	RoleAdminGroups  []string
	RoleClerkGroups  []string
	RoleViewerGroups []string

	// --- Публичные ссылки ---

	// Базовый URL публичных страниц (трекер, отписка)
	PublicBaseURL string
	// Телефон дилера, показываемый клиенту на трекере
	DealerContactPhone string

	// --- Рассылка ---

	// URL шлюза SMS/email (пусто — сообщения только логируются)
	MessagingURL string
	// API-ключ шлюза
	MessagingAPIKey string
	// Таймаут HTTP-запроса к шлюзу
	MessagingTimeout time.Duration
	// Общий таймаут фоновой отправки уведомлений по одной смене стадии
	NotifyTimeout time.Duration

	// --- Лента изменений ---

	// URL Redis для pub/sub (пусто — лента внутри процесса)
	RedisURL string
	// Интервал heartbeat в SSE-потоке
	SSEHeartbeat time.Duration

	// --- Склад и парк ---

	VehicleCacheSize int
	VehicleCacheTTL  time.Duration
	// Порог предупреждения об истечении номерного знака, суток
	PlateExpiryAlertDays int

	// --- Мониторинг зависимостей ---

	DephealthCheckInterval time.Duration
	DephealthGroup         string

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("DD_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("DD_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("DD_PORT: значение %d вне диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("DD_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("DD_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("DD_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("DD_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.AppVersion = getEnvDefault("DD_APP_VERSION", Version)

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("DD_DB_HOST")
	if err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("DD_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("DD_DB_PORT: %w", err)
	}
	cfg.DBName, err = getEnvRequired("DD_DB_NAME")
	if err != nil {
		return nil, err
	}
	cfg.DBUser, err = getEnvRequired("DD_DB_USER")
	if err != nil {
		return nil, err
	}
	cfg.DBPassword, err = getEnvRequired("DD_DB_PASSWORD")
	if err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("DD_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("DD_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	cfg.DBMaxConns, err = getEnvInt("DD_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("DD_DB_MAX_CONNS: %w", err)
	}
	if cfg.DBMaxConns < 1 {
		return nil, fmt.Errorf("DD_DB_MAX_CONNS: значение %d должно быть >= 1", cfg.DBMaxConns)
	}
	cfg.DBMinConns, err = getEnvInt("DD_DB_MIN_CONNS", 1)
	if err != nil {
		return nil, fmt.Errorf("DD_DB_MIN_CONNS: %w", err)
	}
	if cfg.DBMinConns < 0 || cfg.DBMinConns > cfg.DBMaxConns {
		return nil, fmt.Errorf("DD_DB_MIN_CONNS: значение %d вне диапазона 0-%d", cfg.DBMinConns, cfg.DBMaxConns)
	}
	cfg.DBMaxConnLifetime, err = getEnvDuration("DD_DB_MAX_CONN_LIFETIME", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DD_DB_MAX_CONN_LIFETIME: %w", err)
	}
	cfg.DBMaxConnIdleTime, err = getEnvDuration("DD_DB_MAX_CONN_IDLE_TIME", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DD_DB_MAX_CONN_IDLE_TIME: %w", err)
	}
	cfg.DBConnectAttempts, err = getEnvInt("DD_DB_CONNECT_ATTEMPTS", 10)
	if err != nil {
		return nil, fmt.Errorf("DD_DB_CONNECT_ATTEMPTS: %w", err)
	}
	if cfg.DBConnectAttempts < 1 {
		return nil, fmt.Errorf("DD_DB_CONNECT_ATTEMPTS: значение %d должно быть >= 1", cfg.DBConnectAttempts)
	}
	cfg.DBConnectBackoff, err = getEnvDuration("DD_DB_CONNECT_BACKOFF", time.Second)
	if err != nil {
		return nil, fmt.Errorf("DD_DB_CONNECT_BACKOFF: %w", err)
	}
	cfg.DBConnectMaxBackoff, err = getEnvDuration("DD_DB_CONNECT_MAX_BACKOFF", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DD_DB_CONNECT_MAX_BACKOFF: %w", err)
	}

	// --- Аутентификация ---

	cfg.AuthJWKSURL, err = getEnvRequired("DD_AUTH_JWKS_URL")
	if err != nil {
		return nil, err
	}
	cfg.AuthIssuer = getEnvDefault("DD_AUTH_ISSUER", "")
	cfg.AuthJWTLeeway, err = getEnvDuration("DD_AUTH_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DD_AUTH_JWT_LEEWAY: %w", err)
	}
	cfg.AuthJWKSRefresh, err = getEnvDuration("DD_AUTH_JWKS_REFRESH", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DD_AUTH_JWKS_REFRESH: %w", err)
	}

	cfg.RoleAdminGroups = parseCSV(getEnvDefault("DD_ROLE_ADMIN_GROUPS", "dealer-admins"))
	cfg.RoleClerkGroups = parseCSV(getEnvDefault("DD_ROLE_CLERK_GROUPS", "title-clerks"))
	cfg.RoleViewerGroups = parseCSV(getEnvDefault("DD_ROLE_VIEWER_GROUPS", "dealer-staff"))

	// --- Публичные ссылки ---

	cfg.PublicBaseURL, err = getEnvRequired("DD_PUBLIC_BASE_URL")
	if err != nil {
		return nil, err
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if u, parseErr := url.Parse(cfg.PublicBaseURL); parseErr != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("DD_PUBLIC_BASE_URL: ожидается абсолютный URL, получено %q", cfg.PublicBaseURL)
	}
	cfg.DealerContactPhone = getEnvDefault("DD_DEALER_CONTACT_PHONE", "")

	// --- Рассылка ---

	cfg.MessagingURL = strings.TrimRight(getEnvDefault("DD_MESSAGING_URL", ""), "/")
	cfg.MessagingAPIKey = getEnvDefault("DD_MESSAGING_API_KEY", "")
	if cfg.MessagingURL != "" && cfg.MessagingAPIKey == "" {
		return nil, fmt.Errorf("DD_MESSAGING_API_KEY: обязателен при заданном DD_MESSAGING_URL")
	}
	cfg.MessagingTimeout, err = getEnvDuration("DD_MESSAGING_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DD_MESSAGING_TIMEOUT: %w", err)
	}
	cfg.NotifyTimeout, err = getEnvDuration("DD_NOTIFY_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DD_NOTIFY_TIMEOUT: %w", err)
	}

	// --- Лента изменений ---

	cfg.RedisURL = getEnvDefault("DD_REDIS_URL", "")
	cfg.SSEHeartbeat, err = getEnvDuration("DD_SSE_HEARTBEAT", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DD_SSE_HEARTBEAT: %w", err)
	}

	// --- Склад и парк ---

	cfg.VehicleCacheSize, err = getEnvInt("DD_VEHICLE_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("DD_VEHICLE_CACHE_SIZE: %w", err)
	}
	if cfg.VehicleCacheSize < 1 {
		return nil, fmt.Errorf("DD_VEHICLE_CACHE_SIZE: значение %d должно быть положительным", cfg.VehicleCacheSize)
	}
	cfg.VehicleCacheTTL, err = getEnvDuration("DD_VEHICLE_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DD_VEHICLE_CACHE_TTL: %w", err)
	}
	cfg.PlateExpiryAlertDays, err = getEnvInt("DD_PLATE_EXPIRY_ALERT_DAYS", 30)
	if err != nil {
		return nil, fmt.Errorf("DD_PLATE_EXPIRY_ALERT_DAYS: %w", err)
	}

	// --- Мониторинг зависимостей ---

	cfg.DephealthCheckInterval, err = getEnvDuration("DD_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DD_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("DD_DEPHEALTH_GROUP", "dealer-desk")

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("DD_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DD_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов метрик).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// MigrateURL возвращает URL для golang-migrate (драйвер pgx5).
func (c *Config) MigrateURL() string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
