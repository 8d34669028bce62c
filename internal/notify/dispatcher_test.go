package notify_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/domain/stage"
	"github.com/bigkaa/dealerdesk/internal/messaging"
	"github.com/bigkaa/dealerdesk/internal/notify"
	"github.com/bigkaa/dealerdesk/internal/notify/mocks"
	"github.com/bigkaa/dealerdesk/internal/repository"
	"github.com/bigkaa/dealerdesk/internal/repository/memstore"
)

func ptr(s string) *string { return &s }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testConfig = notify.Config{
	PublicBaseURL: "https://dealer.example/",
	DealerPhone:   "(555) 010-2000",
	Timeout:       time.Second,
}

type fixture struct {
	store    *memstore.Store
	sender   *mocks.MockSender
	reporter *mocks.MockErrorReporter
	d        *notify.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		store:    memstore.New(),
		sender:   mocks.NewMockSender(ctrl),
		reporter: mocks.NewMockErrorReporter(ctrl),
	}
	f.d = notify.New(f.store, f.sender, testConfig, f.reporter, testLogger())
	return f
}

func (f *fixture) registration(t *testing.T, pref model.NotificationPreference, phone, email *string) *model.Registration {
	t.Helper()
	reg := &model.Registration{
		ID:                     "11111111-1111-1111-1111-111111111111",
		OrderID:                "RG7K3M9Q2X",
		AccessToken:            "tok-abc_123",
		VehicleYear:            2019,
		Make:                   "Toyota",
		Model:                  "Camry",
		CustomerName:           "Dana Ruiz",
		CustomerPhone:          phone,
		CustomerEmail:          email,
		CurrentStage:           stage.DocumentsCollected,
		NotificationPreference: pref,
	}
	require.NoError(t, f.store.Repos().Registrations.Create(context.Background(), reg))
	return reg
}

func change(reg *model.Registration) notify.Change {
	return notify.Change{Registration: reg, From: stage.SaleComplete, To: stage.DocumentsCollected}
}

func TestStageChanged_BothChannelsDelivered(t *testing.T) {
	f := newFixture(t)
	reg := f.registration(t, model.PreferenceBoth, ptr("+15550001111"), ptr("dana@example.com"))

	var mu sync.Mutex
	sent := map[model.Channel]messaging.Message{}
	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Times(2).DoAndReturn(
		func(_ context.Context, msg messaging.Message) error {
			mu.Lock()
			defer mu.Unlock()
			sent[msg.Channel] = msg
			return nil
		})

	rows, err := f.d.StageChanged(context.Background(), change(reg))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	for _, n := range rows {
		assert.True(t, n.Delivered)
		assert.Nil(t, n.Error)
		assert.Equal(t, stage.SaleComplete, n.OldStage)
		assert.Equal(t, stage.DocumentsCollected, n.NewStage)
	}

	sms := sent[model.ChannelSMS]
	assert.Equal(t, "+15550001111", sms.To)
	assert.Empty(t, sms.Subject)
	assert.Contains(t, sms.Body, stage.MustLookup(stage.DocumentsCollected).CustomerMessage)
	assert.Contains(t, sms.Body, "https://dealer.example/track/RG7K3M9Q2X-tok-abc_123")
	assert.Contains(t, sms.Body, "https://dealer.example/unsubscribe?reg=11111111-1111-1111-1111-111111111111&token=tok-abc_123")
	assert.Contains(t, sms.Body, "(555) 010-2000")

	email := sent[model.ChannelEmail]
	assert.Equal(t, "dana@example.com", email.To)
	assert.Equal(t, "Registration update: Documents collected (RG7K3M9Q2X)", email.Subject)
	assert.Contains(t, email.Body, "Hi Dana Ruiz")

	stored, err := f.store.Repos().Notifications.ListByRegistration(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestStageChanged_FailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	reg := f.registration(t, model.PreferenceSMS, ptr("+15550001111"), nil)

	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("carrier rejected number"))

	rows, err := f.d.StageChanged(context.Background(), change(reg))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Delivered)
	require.NotNil(t, rows[0].Error)
	assert.Equal(t, "carrier rejected number", *rows[0].Error)
}

func TestStageChanged_MissingRecipient(t *testing.T) {
	f := newFixture(t)
	reg := f.registration(t, model.PreferenceEmail, ptr("+15550001111"), nil)

	rows, err := f.d.StageChanged(context.Background(), change(reg))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.ChannelEmail, rows[0].Channel)
	assert.False(t, rows[0].Delivered)
	require.NotNil(t, rows[0].Error)
	assert.Equal(t, "no recipient on file", *rows[0].Error)
}

func TestStageChanged_PreferenceNone(t *testing.T) {
	f := newFixture(t)
	reg := f.registration(t, model.PreferenceNone, ptr("+15550001111"), ptr("dana@example.com"))

	rows, err := f.d.StageChanged(context.Background(), change(reg))
	require.NoError(t, err)
	assert.Empty(t, rows)

	stored, err := f.store.Repos().Notifications.ListByRegistration(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestDispatchAsync_WaitDrains(t *testing.T) {
	f := newFixture(t)
	reg := f.registration(t, model.PreferenceSMS, ptr("+15550001111"), nil)

	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ messaging.Message) error {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline, "фоновая отправка должна иметь таймаут")
			return nil
		})

	f.d.DispatchAsync(change(reg))
	f.d.Wait()

	stored, err := f.store.Repos().Notifications.ListByRegistration(context.Background(), reg.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Delivered)
}

func TestDispatchAsync_StoreFailureReported(t *testing.T) {
	f := newFixture(t)
	reg := f.registration(t, model.PreferenceSMS, ptr("+15550001111"), nil)
	f.store.SetFailure(repository.ErrUnavailable)

	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil)
	f.reporter.EXPECT().Report(gomock.Any(), "notify", gomock.Any()).Do(
		func(_ context.Context, _ string, err error) {
			assert.ErrorIs(t, err, repository.ErrUnavailable)
		})

	f.d.DispatchAsync(change(reg))
	f.d.Wait()
}

func TestDispatchAsync_HungGatewayStillRecorded(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := memstore.New()
	sender := mocks.NewMockSender(ctrl)
	reporter := mocks.NewMockErrorReporter(ctrl)
	cfg := testConfig
	cfg.Timeout = 100 * time.Millisecond
	d := notify.New(store, sender, cfg, reporter, testLogger())

	f := &fixture{store: store, sender: sender, reporter: reporter, d: d}
	reg := f.registration(t, model.PreferenceSMS, ptr("+15550001111"), nil)

	sender.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ messaging.Message) error {
			<-ctx.Done()
			return ctx.Err()
		})

	d.DispatchAsync(change(reg))
	d.Wait()

	stored, err := store.Repos().Notifications.ListByRegistration(context.Background(), reg.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1, "зависшая отправка должна быть записана как неудачная")
	assert.False(t, stored[0].Delivered)
	require.NotNil(t, stored[0].Error)
	assert.Contains(t, *stored[0].Error, context.DeadlineExceeded.Error())
}

func TestRetry_RecordedAfterCallerDeadline(t *testing.T) {
	f := newFixture(t)
	reg := f.registration(t, model.PreferenceSMS, ptr("+15550001111"), nil)

	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("timeout"))
	rows, err := f.d.StageChanged(context.Background(), change(reg))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ messaging.Message) error {
			<-ctx.Done()
			return ctx.Err()
		})

	retried, err := f.d.Retry(ctx, rows[0].ID)
	require.NoError(t, err)
	assert.False(t, retried.Delivered)

	stored, err := f.store.Repos().Notifications.ListByRegistration(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := f.registration(t, model.PreferenceSMS, ptr("+15550001111"), nil)

	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("timeout"))
	rows, err := f.d.StageChanged(ctx, change(reg))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	failed := rows[0]

	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil)
	retried, err := f.d.Retry(ctx, failed.ID)
	require.NoError(t, err)
	assert.True(t, retried.Delivered)
	require.NotNil(t, retried.RetryOf)
	assert.Equal(t, failed.ID, *retried.RetryOf)
	assert.NotEqual(t, failed.ID, retried.ID)

	original, err := f.store.Repos().Notifications.GetByID(ctx, failed.ID)
	require.NoError(t, err)
	assert.False(t, original.Delivered, "исходная попытка не должна изменяться")

	_, err = f.d.Retry(ctx, retried.ID)
	assert.ErrorIs(t, err, notify.ErrAlreadyDelivered)
}

func TestRetry_ChannelDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := f.registration(t, model.PreferenceSMS, ptr("+15550001111"), nil)

	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("timeout"))
	rows, err := f.d.StageChanged(ctx, change(reg))
	require.NoError(t, err)

	reg.NotificationPreference = model.PreferenceNone
	require.NoError(t, f.store.Repos().Registrations.Update(ctx, reg, reg.Version))

	_, err = f.d.Retry(ctx, rows[0].ID)
	assert.ErrorIs(t, err, notify.ErrChannelDisabled)
}

func TestRetry_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.Retry(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSendVerificationCode_IgnoresPreference(t *testing.T) {
	f := newFixture(t)
	reg := f.registration(t, model.PreferenceNone, ptr("+15550001111"), nil)

	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, msg messaging.Message) error {
			assert.Equal(t, "+15550001111", msg.To)
			assert.Contains(t, msg.Body, "482913")
			return nil
		})

	require.NoError(t, f.d.SendVerificationCode(context.Background(), model.ChannelSMS, *reg.CustomerPhone, "482913"))

	stored, err := f.store.Repos().Notifications.ListByRegistration(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Empty(t, stored, "код подтверждения не записывается как уведомление о стадии")

	assert.ErrorIs(t, f.d.SendVerificationCode(context.Background(), model.ChannelSMS, " ", "1"), notify.ErrInvalidRecipient)
}
