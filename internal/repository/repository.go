// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности или устаревшая версия записи.
	ErrConflict = errors.New("конфликт — запись уже существует или изменена")
	// ErrUnavailable — хранилище недоступно (нет соединения, таймаут).
	ErrUnavailable = errors.New("хранилище недоступно")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repos — набор репозиториев, работающих через один DBTX.
type Repos struct {
	Registrations RegistrationRepository
	Audit         AuditRepository
	Notifications NotificationRepository
	Vehicles      VehicleRepository
	Plates        PlateRepository
	Rentals       RentalRepository
}

// NewRepos создаёт набор репозиториев поверх db.
func NewRepos(db DBTX) Repos {
	return Repos{
		Registrations: NewRegistrationRepository(db),
		Audit:         NewAuditRepository(db),
		Notifications: NewNotificationRepository(db),
		Vehicles:      NewVehicleRepository(db),
		Plates:        NewPlateRepository(db),
		Rentals:       NewRentalRepository(db),
	}
}

// Store — точка доступа к репозиториям для сервисного слоя.
type Store interface {
	// Repos возвращает репозитории вне транзакции (чтение, одиночные записи).
	Repos() Repos
	// InTx выполняет fn в одной транзакции. Ошибка fn откатывает транзакцию.
	InTx(ctx context.Context, fn func(r Repos) error) error
}

// TxRunner позволяет выполнять операции в транзакции.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn транзакция откатывается, при успехе коммитится.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// PgStore — Store поверх pgxpool.
type PgStore struct {
	pool   *pgxpool.Pool
	runner *TxRunner
	repos  Repos
}

// NewPgStore создаёт Store для PostgreSQL.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{
		pool:   pool,
		runner: NewTxRunner(pool),
		repos:  NewRepos(pool),
	}
}

// Repos возвращает репозитории, работающие через пул.
func (s *PgStore) Repos() Repos {
	return s.repos
}

// InTx выполняет fn в транзакции с репозиториями, привязанными к pgx.Tx.
func (s *PgStore) InTx(ctx context.Context, fn func(r Repos) error) error {
	return s.runner.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(NewRepos(tx))
	})
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

