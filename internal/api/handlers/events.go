// events.go — SSE-поток изменений для обновления списков в админке.
// Каждый клиент обслуживается отдельной горутиной до отключения
// или до остановки сервера (CloseStreams).
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bigkaa/dealerdesk/internal/events"
)

// StreamEvents — GET /api/v1/events.
// Формат: event: registration.updated\ndata: {json}\n\n.
// Между событиями отправляется комментарий-пинг, чтобы прокси
// не закрывали соединение.
func (h *APIHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		http.Error(w, "SSE не поддерживается", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	feed := h.broker.Subscribe(ctx)

	h.logger.Debug("SSE клиент подключён",
		slog.String("actor", actor(r)),
		slog.String("remote_addr", r.RemoteAddr),
	)

	ticker := time.NewTicker(h.sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE клиент отключён", slog.String("actor", actor(r)))
			return
		case <-h.streamsDone:
			h.logger.Debug("SSE поток закрыт при остановке сервера", slog.String("actor", actor(r)))
			return
		case e, ok := <-feed:
			if !ok {
				return
			}
			if err := writeEvent(w, e); err != nil {
				return
			}
			_ = rc.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}
