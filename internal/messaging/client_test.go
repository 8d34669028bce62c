package messaging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_Send_Delivered(t *testing.T) {
	var got Message
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/messages", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "secret", time.Second, testLogger())
	err := c.Send(context.Background(), Message{
		Channel: model.ChannelSMS,
		To:      "+15551234567",
		Body:    "hello",
	})

	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, model.ChannelSMS, got.Channel)
	assert.Equal(t, "+15551234567", got.To)
	assert.Equal(t, "hello", got.Body)
}

func TestClient_Send_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"json error", http.StatusUnprocessableEntity, `{"error":"invalid phone number"}`, "invalid phone number"},
		{"plain text", http.StatusBadGateway, "carrier down", "carrier down"},
		{"empty body", http.StatusInternalServerError, "", "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := New(srv.URL, "", time.Second, testLogger())
			err := c.Send(context.Background(), Message{Channel: model.ChannelEmail, To: "a@b.c", Body: "x"})

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRejected)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestClient_Send_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(url, "", time.Second, testLogger())
	err := c.Send(context.Background(), Message{Channel: model.ChannelSMS, To: "1", Body: "x"})

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestLogSender_AlwaysDelivers(t *testing.T) {
	s := NewLogSender(testLogger())
	assert.NoError(t, s.Send(context.Background(), Message{Channel: model.ChannelSMS, To: "1", Body: "x"}))
}
