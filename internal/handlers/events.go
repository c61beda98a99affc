package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/garmaxai/backend/internal/logging"
	"github.com/garmaxai/backend/internal/models"
	"github.com/garmaxai/backend/internal/notify"
)

const heartbeatInterval = 15 * time.Second

// EventHandler streams live status events as server-sent events.
type EventHandler struct {
	Sessions SessionService
	Events   EventSource
}

// Stream handles GET /api/v1/tryon/sessions/{id}/events. The current state is
// sent first; the stream ends after a terminal status.
func (h EventHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	session, ok := SessionHandler{Sessions: h.Sessions}.owned(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok || h.Events == nil {
		respondJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	var (
		events <-chan []byte
		cancel func()
	)
	if !session.Status.Terminal() {
		var err error
		events, cancel, err = h.Events.Subscribe(ctx, notify.SessionTopic(session.ID))
		if err != nil {
			respondError(ctx, w, err)
			return
		}
		defer cancel()

		// Re-read after subscribing so no transition falls between the
		// snapshot and the first streamed event.
		if fresh, err := h.Sessions.GetSessionStatus(ctx, session.ID); err == nil {
			session = fresh
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	snapshot, err := json.Marshal(models.NewStatusEvent("", session, session.UpdatedAt))
	if err != nil {
		logger.Error("encode status snapshot", "error", err)
		return
	}
	if err := writeEvent(w, snapshot); err != nil {
		return
	}
	flusher.Flush()
	if session.Status.Terminal() {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, open := <-events:
			if !open {
				return
			}
			if err := writeEvent(w, msg); err != nil {
				logger.Info("event stream closed by client", "error", err)
				return
			}
			flusher.Flush()

			var ev models.StatusEvent
			if err := json.Unmarshal(msg, &ev); err == nil && ev.Status.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, data []byte) error {
	_, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
	return err
}
