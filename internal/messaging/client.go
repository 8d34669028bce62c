// Пакет messaging — отправка SMS и email через HTTP-шлюз рассылок.
// Без настроенного шлюза используется LogSender: сообщения только пишутся в лог.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
)

// ErrRejected — шлюз ответил не-2xx статусом.
var ErrRejected = errors.New("шлюз отклонил сообщение")

// Message — одно исходящее сообщение.
type Message struct {
	Channel model.Channel `json:"channel"`
	To      string        `json:"to"`
	// Subject — тема письма (для SMS не используется)
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// Client — HTTP-клиент шлюза рассылок.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент шлюза.
// baseURL — адрес шлюза (например, https://messaging.internal),
// timeout — таймаут одного запроса (DD_MESSAGING_TIMEOUT).
func New(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger.With(slog.String("component", "messaging_client")),
	}
}

// BaseURL возвращает адрес шлюза (для мониторинга зависимостей).
func (c *Client) BaseURL() string {
	return c.baseURL
}

// gatewayError — тело ответа шлюза при ошибке.
type gatewayError struct {
	Error string `json:"error"`
}

// Send отправляет сообщение: POST {baseURL}/v1/messages.
// 2xx — доставлено, иначе ошибка с текстом из ответа шлюза.
func (c *Client) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("сериализация сообщения: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("создание запроса к шлюзу: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // URL из конфигурации
	if err != nil {
		return fmt.Errorf("запрос к шлюзу рассылок: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.logger.Debug("Сообщение передано шлюзу",
			slog.String("channel", string(msg.Channel)),
			slog.Int("status", resp.StatusCode),
		)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var ge gatewayError
	reason := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &ge) == nil && ge.Error != "" {
		reason = ge.Error
	}
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, reason)
}

// LogSender — отправитель для разработки: пишет сообщение в лог
// и считает его доставленным.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender создаёт LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With(slog.String("component", "messaging_log"))}
}

// Send пишет сообщение в лог.
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("Сообщение (шлюз не настроен)",
		slog.String("channel", string(msg.Channel)),
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("body", msg.Body),
	)
	return nil
}
