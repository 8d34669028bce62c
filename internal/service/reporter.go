// reporter.go — учёт ошибок, которые не возвращаются вызывающему
// (фоновая отправка уведомлений, публикация в ленту изменений).
package service

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reportedErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dd_reported_errors_total",
	Help: "Ошибки фоновых операций, переданные в ErrorReporter (по компоненту).",
}, []string{"component"})

// ErrorReporter — получатель ошибок фоновых операций.
// Передаётся в сервисы и Dispatcher через конструктор.
type ErrorReporter interface {
	Report(ctx context.Context, component string, err error)
}

// LogReporter — ErrorReporter, пишущий ошибку в лог и счётчик Prometheus.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter создаёт LogReporter.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger.With(slog.String("component", "error_reporter"))}
}

// Report фиксирует ошибку.
func (r *LogReporter) Report(ctx context.Context, component string, err error) {
	if err == nil {
		return
	}
	reportedErrors.WithLabelValues(component).Inc()
	r.logger.ErrorContext(ctx, "Ошибка фоновой операции",
		slog.String("source", component),
		slog.String("error", err.Error()),
	)
}
