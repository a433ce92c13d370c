package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/micro-nova/sensorsim/internal/models"
)

// snapshot is the first message of every event stream.
func (h *Handlers) snapshot() models.Event {
	return models.Event{Type: models.EventSnapshot, Peripherals: h.board.List()}
}

// sseEvents handles the SSE (Server-Sent Events) endpoint.
// Clients receive a peripheral snapshot immediately, then every monitor
// event as it happens. The SSE event name is the event type.
func (h *Handlers) sseEvents(w http.ResponseWriter, r *http.Request) {
	// Verify the client supports streaming
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	id := uuid.New().String()
	ch := h.events.Subscribe(id)
	defer h.events.Unsubscribe(id)

	sendSSE(w, flusher, h.snapshot())

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			sendSSE(w, flusher, e)
		case <-r.Context().Done():
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, e models.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	flusher.Flush()
}
