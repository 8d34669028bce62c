// Точка входа Dealer Desk — учёт регистрации проданных автомобилей.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// создаёт диспетчер уведомлений и сервисный слой, публичный трекер,
// admin API с JWT middleware, запускает topologymetrics и HTTP-сервер
// с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/dealerdesk/internal/api/handlers"
	"github.com/bigkaa/dealerdesk/internal/api/middleware"
	"github.com/bigkaa/dealerdesk/internal/api/openapi"
	"github.com/bigkaa/dealerdesk/internal/config"
	"github.com/bigkaa/dealerdesk/internal/database"
	"github.com/bigkaa/dealerdesk/internal/domain/rbac"
	"github.com/bigkaa/dealerdesk/internal/events"
	"github.com/bigkaa/dealerdesk/internal/messaging"
	"github.com/bigkaa/dealerdesk/internal/notify"
	"github.com/bigkaa/dealerdesk/internal/public"
	"github.com/bigkaa/dealerdesk/internal/repository"
	"github.com/bigkaa/dealerdesk/internal/server"
	"github.com/bigkaa/dealerdesk/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Dealer Desk запускается",
		slog.String("version", cfg.AppVersion),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("DD_DEPHEALTH_GROUP") == "" {
		logger.Warn("DD_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Контракт admin API должен быть валиден до приёма запросов
	if _, err := openapi.Load(ctx); err != nil {
		logger.Error("Ошибка контракта admin API", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Подключение к PostgreSQL (pgxpool)
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 5.1 Адаптер pgxpool → *sql.DB для topologymetrics.
	// Проверка PostgreSQL идёт через тот же пул и замечает его исчерпание.
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	store := repository.NewPgStore(pool)

	// 6. Шлюз SMS/email. Без URL сообщения пишутся в лог.
	var sender notify.Sender
	if cfg.MessagingURL != "" {
		sender = messaging.New(cfg.MessagingURL, cfg.MessagingAPIKey, cfg.MessagingTimeout, logger)
		logger.Info("Шлюз рассылок подключён", slog.String("url", cfg.MessagingURL))
	} else {
		sender = messaging.NewLogSender(logger)
		logger.Warn("DD_MESSAGING_URL не задан, уведомления только пишутся в лог")
	}

	// 7. Лента изменений: Redis для нескольких реплик, иначе внутри процесса
	var (
		broker      events.Broker
		feedChecker handlers.ReadinessChecker
	)
	if cfg.RedisURL != "" {
		redisClient, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("Ошибка подключения к Redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer redisClient.Close()

		redisBroker, err := events.NewRedisBroker(ctx, redisClient, logger)
		if err != nil {
			logger.Error("Ошибка подписки на ленту изменений", slog.String("error", err.Error()))
			os.Exit(1)
		}
		broker = redisBroker
		feedChecker = events.NewReadinessChecker(redisClient)
		logger.Info("Лента изменений через Redis")
	} else {
		broker = events.NewLocalBroker(logger)
	}
	defer broker.Close()

	// 8. Services
	reporter := service.NewLogReporter(logger)
	dispatcher := notify.New(store, sender, notify.Config{
		PublicBaseURL: cfg.PublicBaseURL,
		DealerPhone:   cfg.DealerContactPhone,
		Timeout:       cfg.NotifyTimeout,
	}, reporter, logger)
	audit := service.NewAuditRecorder(store, logger)
	vehicles := service.NewVehicleCatalog(store, cfg.VehicleCacheSize, cfg.VehicleCacheTTL)

	registrationsSvc := service.NewRegistrationService(store, audit, vehicles, dispatcher, broker, reporter, logger)
	trackerSvc := service.NewTrackerService(store, cfg.DealerContactPhone, logger)
	platesSvc := service.NewPlateService(store, audit, broker, reporter, cfg.PlateExpiryAlertDays, logger)
	rentalsSvc := service.NewRentalService(store, audit, broker, reporter, logger)

	// 9. JWT middleware: ключи auth-провайдера обновляются в фоне
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.AuthJWKSURL,
		cfg.AuthIssuer,
		rbac.GroupMapping{
			Admin:  cfg.RoleAdminGroups,
			Clerk:  cfg.RoleClerkGroups,
			Viewer: cfg.RoleViewerGroups,
		},
		cfg.AuthJWKSRefresh,
		cfg.AuthJWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.AuthJWKSURL),
		slog.String("issuer", cfg.AuthIssuer),
	)

	// 10. Readiness checkers (PostgreSQL, auth JWKS, Redis)
	healthHandler := handlers.NewHealthHandler(
		cfg.AppVersion,
		database.NewReadinessChecker(pool),
		middleware.NewJWKSReadinessChecker(cfg.AuthJWKSURL, 5*time.Second),
		feedChecker,
	)

	// 11. topologymetrics — мониторинг зависимостей
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthParams{
		ServiceID:     "dealer-desk",
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		PgURL:         cfg.DatabaseURL(),
		JWKSURL:       cfg.AuthJWKSURL,
		MessagingURL:  cfg.MessagingURL,
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 12. HTTP handlers
	apiHandler := handlers.NewAPIHandler(handlers.Services{
		Registrations: registrationsSvc,
		Vehicles:      vehicles,
		Plates:        platesSvc,
		Rentals:       rentalsSvc,
		Broker:        broker,
		PublicBaseURL: cfg.PublicBaseURL,
		SSEHeartbeat:  cfg.SSEHeartbeat,
	}, logger)
	publicHandler := public.NewHandler(trackerSvc, registrationsSvc, cfg.DealerContactPhone, logger)

	// 13. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, server.Routes{
		API:    apiHandler,
		Health: healthHandler,
		Public: publicHandler,
		Auth:   jwtAuth,
	})
	if err := srv.Run(ctx); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
	}

	// 14. Остановка фоновых задач: уведомления досылаются до закрытия пула
	logger.Info("Останавливаем фоновые задачи...")
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	dispatcher.Wait()

	logger.Info("Dealer Desk остановлен")
}
