package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/dealerdesk/internal/domain/stage"
	"github.com/bigkaa/dealerdesk/internal/repository"
	"github.com/bigkaa/dealerdesk/internal/service"
)

func TestParseTrackerRef(t *testing.T) {
	tests := []struct {
		name      string
		ref       string
		wantOrder string
		wantToken string
		wantOK    bool
	}{
		{"простая ссылка", "RG7K3M9Q2X-abcDEF", "RG7K3M9Q2X", "abcDEF", true},
		{"дефис в токене", "RG7K3M9Q2X-ab-c_d", "RG7K3M9Q2X", "ab-c_d", true},
		{"без дефиса", "RG7K3M9Q2X", "", "", false},
		{"пустой токен", "RG7K3M9Q2X-", "", "", false},
		{"пустой номер", "-token", "", "", false},
		{"пустая строка", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, token, ok := service.ParseTrackerRef(tt.ref)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantOrder, order)
			assert.Equal(t, tt.wantToken, token)
		})
	}
}

func TestTracker_Resolve(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	reg := e.create(t)
	forceStage(t, e, reg.ID, stage.DMVProcessing)

	view, err := e.tracker.ResolveRef(ctx, reg.OrderID+"-"+reg.AccessToken)
	require.NoError(t, err)

	assert.Equal(t, reg.OrderID, view.OrderID)
	assert.Equal(t, "2019 Toyota Camry", view.Vehicle)
	assert.Equal(t, stage.DMVProcessing, view.Stage)
	assert.Equal(t, "DMV processing", view.StageLabel)
	assert.Equal(t, stage.OwnerDMV, view.Owner)
	assert.Equal(t, 66, view.ProgressPercent)
	assert.Equal(t, dealerPhone, view.DealerPhone)
	assert.Nil(t, view.RejectionNotes)

	require.Len(t, view.Steps, 6)
	assert.True(t, view.Steps[3].Reached)
	assert.True(t, view.Steps[3].Current)
	assert.False(t, view.Steps[4].Reached)
}

func TestTracker_RejectionNotesOnlyWhenRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	reg := e.create(t)
	forceStage(t, e, reg.ID, stage.DMVProcessing)

	_, err := e.regs.UpdateStage(ctx, reg.ID, service.StageChange{
		Target:         stage.Rejected,
		RejectionNotes: "VIN mismatch on title",
	}, clerk)
	require.NoError(t, err)

	view, err := e.tracker.Resolve(ctx, reg.OrderID, reg.AccessToken)
	require.NoError(t, err)
	require.NotNil(t, view.RejectionNotes)
	assert.Equal(t, "VIN mismatch on title", *view.RejectionNotes)
	assert.Equal(t, "Needs attention", view.StageLabel)
	assert.Equal(t, 66, view.ProgressPercent, "отказ не сбрасывает прогресс")
}

func TestTracker_NotFoundIsIndistinguishable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	reg := e.create(t)

	viewA, errUnknown := e.tracker.Resolve(ctx, "RGZZZZZZZZ", reg.AccessToken)
	viewB, errWrongToken := e.tracker.Resolve(ctx, reg.OrderID, "wrong-token")
	viewC, errPrefix := e.tracker.Resolve(ctx, reg.OrderID, reg.AccessToken[:10])
	_, errMalformed := e.tracker.ResolveRef(ctx, reg.OrderID)

	assert.Nil(t, viewA)
	assert.Nil(t, viewB)
	assert.Nil(t, viewC)
	for _, err := range []error{errUnknown, errWrongToken, errPrefix, errMalformed} {
		assert.Equal(t, service.ErrTrackerNotFound, err)
		assert.Equal(t, errUnknown.Error(), err.Error())
	}
}

func TestTracker_StoreUnavailable(t *testing.T) {
	e := newEnv(t)
	reg := e.create(t)

	e.store.SetFailure(repository.ErrUnavailable)
	_, err := e.tracker.Resolve(context.Background(), reg.OrderID, reg.AccessToken)
	assert.ErrorIs(t, err, service.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, service.ErrTrackerNotFound)
}
