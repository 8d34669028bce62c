// tracker.go — публичный трекер регистрации по ссылке с токеном доступа.
// Знание полного токена — единственная проверка доступа. Клиенту отдаётся
// сокращённая проекция без внутренних идентификаторов и истории.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/domain/stage"
	"github.com/bigkaa/dealerdesk/internal/repository"
)

var trackerLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dd_tracker_lookups_total",
	Help: "Обращения к публичному трекеру (по результату).",
}, []string{"result"})

// TrackerStep — шаг прогресс-бара.
type TrackerStep struct {
	Stage   stage.Stage `json:"stage"`
	Label   string      `json:"label"`
	Reached bool        `json:"reached"`
	Current bool        `json:"current"`
}

// TrackerView — то, что видит клиент на странице трекера.
type TrackerView struct {
	OrderID          string        `json:"order_id"`
	Vehicle          string        `json:"vehicle"`
	PlateNumber      string        `json:"plate_number,omitempty"`
	Stage            stage.Stage   `json:"stage"`
	StageLabel       string        `json:"stage_label"`
	Owner            stage.Owner   `json:"owner"`
	ExpectedDuration string        `json:"expected_duration"`
	ProgressPercent  int           `json:"progress_percent"`
	Steps            []TrackerStep `json:"steps"`
	SaleDate         *time.Time    `json:"sale_date,omitempty"`
	SubmissionDate   *time.Time    `json:"submission_date,omitempty"`
	ApprovalDate     *time.Time    `json:"approval_date,omitempty"`
	DeliveryDate     *time.Time    `json:"delivery_date,omitempty"`
	// RejectionNotes — только в стадии rejected
	RejectionNotes *string `json:"rejection_notes,omitempty"`
	DealerPhone    string  `json:"dealer_phone,omitempty"`
}

// TrackerService — разрешение ссылок трекера.
type TrackerService struct {
	store       repository.Store
	dealerPhone string
	logger      *slog.Logger
}

// NewTrackerService создаёт сервис трекера.
func NewTrackerService(store repository.Store, dealerPhone string, logger *slog.Logger) *TrackerService {
	return &TrackerService{
		store:       store,
		dealerPhone: dealerPhone,
		logger:      logger.With(slog.String("component", "tracker")),
	}
}

// Resolve возвращает проекцию регистрации по номеру заказа и токену.
// Неизвестный заказ и неверный токен дают одну ошибку ErrTrackerNotFound;
// причина пишется только в отладочный лог.
func (t *TrackerService) Resolve(ctx context.Context, orderID, token string) (*TrackerView, error) {
	reg, err := t.store.Repos().Registrations.GetByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			trackerLookups.WithLabelValues("not_found").Inc()
			t.logger.Debug("Трекер: заказ не найден", slog.String("order_id", orderID))
			return nil, ErrTrackerNotFound
		}
		trackerLookups.WithLabelValues("error").Inc()
		return nil, storeError("поиск регистрации для трекера", err)
	}

	if !tokensEqual(reg.AccessToken, token) {
		trackerLookups.WithLabelValues("not_found").Inc()
		t.logger.Debug("Трекер: неверный токен", slog.String("order_id", orderID))
		return nil, ErrTrackerNotFound
	}

	trackerLookups.WithLabelValues("found").Inc()
	return t.project(reg), nil
}

// ResolveRef разбирает ссылку "{orderId}-{token}" и вызывает Resolve.
func (t *TrackerService) ResolveRef(ctx context.Context, ref string) (*TrackerView, error) {
	orderID, token, ok := ParseTrackerRef(ref)
	if !ok {
		trackerLookups.WithLabelValues("not_found").Inc()
		return nil, ErrTrackerNotFound
	}
	return t.Resolve(ctx, orderID, token)
}

func (t *TrackerService) project(reg *model.Registration) *TrackerView {
	def := stage.MustLookup(reg.CurrentStage)
	v := &TrackerView{
		OrderID:          reg.OrderID,
		Vehicle:          reg.VehicleDescription(),
		PlateNumber:      reg.PlateNumber,
		Stage:            reg.CurrentStage,
		StageLabel:       def.Label,
		Owner:            def.Owner,
		ExpectedDuration: def.ExpectedDuration,
		ProgressPercent:  stage.ProgressPercent(reg.CurrentStage),
		SaleDate:         reg.SaleDate,
		SubmissionDate:   reg.SubmissionDate,
		ApprovalDate:     reg.ApprovalDate,
		DeliveryDate:     reg.DeliveryDate,
		DealerPhone:      t.dealerPhone,
	}

	for _, s := range stage.Ordered() {
		v.Steps = append(v.Steps, TrackerStep{
			Stage:   s,
			Label:   stage.MustLookup(s).Label,
			Reached: stage.IsReached(reg.CurrentStage, s),
			Current: s == reg.CurrentStage,
		})
	}

	if reg.CurrentStage == stage.Rejected && reg.RejectionNotes != nil {
		notes := *reg.RejectionNotes
		v.RejectionNotes = &notes
	}
	return v
}
