package database

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/dealerdesk/internal/config"
)

var errRefused = errors.New("connection refused")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func retryConfig(attempts int) *config.Config {
	return &config.Config{
		DBConnectAttempts:   attempts,
		DBConnectBackoff:    time.Millisecond,
		DBConnectMaxBackoff: 5 * time.Millisecond,
	}
}

// TestWaitReady_RetriesUntilAvailable — БД поднялась после нескольких отказов.
func TestWaitReady_RetriesUntilAvailable(t *testing.T) {
	calls := 0
	ping := func(ctx context.Context) error {
		calls++
		if _, ok := ctx.Deadline(); !ok {
			t.Error("попытка ping должна иметь таймаут")
		}
		if calls < 3 {
			return errRefused
		}
		return nil
	}

	if err := waitReady(context.Background(), retryConfig(5), quietLogger(), ping); err != nil {
		t.Fatalf("waitReady() = %v, ожидалось nil", err)
	}
	if calls != 3 {
		t.Errorf("ping вызван %d раз, ожидалось 3", calls)
	}
}

func TestWaitReady_AttemptsExhausted(t *testing.T) {
	calls := 0
	ping := func(context.Context) error {
		calls++
		return errRefused
	}

	err := waitReady(context.Background(), retryConfig(3), quietLogger(), ping)
	if !errors.Is(err, errRefused) {
		t.Fatalf("waitReady() = %v, ожидалась ошибка ping", err)
	}
	if calls != 3 {
		t.Errorf("ping вызван %d раз, ожидалось 3", calls)
	}
}

func TestWaitReady_ZeroAttemptsMeansOne(t *testing.T) {
	calls := 0
	ping := func(context.Context) error {
		calls++
		return errRefused
	}

	if err := waitReady(context.Background(), &config.Config{}, quietLogger(), ping); err == nil {
		t.Fatal("ожидалась ошибка")
	}
	if calls != 1 {
		t.Errorf("ping вызван %d раз, ожидался 1", calls)
	}
}

// TestWaitReady_StopsOnCancel — отмена контекста прерывает ожидание паузы.
func TestWaitReady_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &config.Config{
		DBConnectAttempts:   10,
		DBConnectBackoff:    time.Hour,
		DBConnectMaxBackoff: time.Hour,
	}

	calls := 0
	ping := func(context.Context) error {
		calls++
		cancel()
		return errRefused
	}

	done := make(chan error, 1)
	go func() { done <- waitReady(ctx, cfg, quietLogger(), ping) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("waitReady() = %v, ожидалось context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waitReady не завершился после отмены контекста")
	}
	if calls != 1 {
		t.Errorf("ping вызван %d раз, ожидался 1", calls)
	}
}

func TestApplyPoolLimits(t *testing.T) {
	poolCfg, err := pgxpool.ParseConfig("host=localhost dbname=dd user=dd password=x")
	if err != nil {
		t.Fatal(err)
	}
	defaults := *poolCfg

	applyPoolLimits(poolCfg, &config.Config{})
	if poolCfg.MaxConns != defaults.MaxConns || poolCfg.MaxConnLifetime != defaults.MaxConnLifetime {
		t.Error("нулевые значения не должны менять умолчания pgxpool")
	}

	applyPoolLimits(poolCfg, &config.Config{
		DBMaxConns:        20,
		DBMinConns:        2,
		DBMaxConnLifetime: 10 * time.Minute,
		DBMaxConnIdleTime: time.Minute,
	})
	if poolCfg.MaxConns != 20 || poolCfg.MinConns != 2 {
		t.Errorf("MaxConns/MinConns = %d/%d, ожидалось 20/2", poolCfg.MaxConns, poolCfg.MinConns)
	}
	if poolCfg.MaxConnLifetime != 10*time.Minute || poolCfg.MaxConnIdleTime != time.Minute {
		t.Errorf("MaxConnLifetime/MaxConnIdleTime = %v/%v", poolCfg.MaxConnLifetime, poolCfg.MaxConnIdleTime)
	}
}

// TestConnect_UnreachableFailsAfterRetries — закрытый порт, без контейнера.
func TestConnect_UnreachableFailsAfterRetries(t *testing.T) {
	cfg := retryConfig(2)
	cfg.DBHost = "127.0.0.1"
	cfg.DBPort = 1
	cfg.DBName = "dd"
	cfg.DBUser = "dd"
	cfg.DBPassword = "x"
	cfg.DBSSLMode = "disable"

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := Connect(ctx, cfg, quietLogger())
	if err == nil {
		pool.Close()
		t.Fatal("ожидалась ошибка подключения")
	}
}
