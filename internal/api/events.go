package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

const sseKeepAlive = 15 * time.Second

// EventsHandler streams job lifecycle events as server-sent events.
type EventsHandler struct {
	sub core.EventSubscriber
}

func NewEventsHandler(sub core.EventSubscriber) *EventsHandler {
	return &EventsHandler{sub: sub}
}

// Stream handles GET /v1/events, optionally filtered by ?kind=.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, core.NewInternalError("Streaming unsupported."))
		return
	}

	var (
		events      <-chan *core.JobEvent
		unsubscribe func()
		err         error
	)
	if kind := r.URL.Query().Get("kind"); kind != "" {
		events, unsubscribe, err = h.sub.SubscribeKind(core.Kind(kind))
	} else {
		events, unsubscribe, err = h.sub.SubscribeAll()
	}
	if err != nil {
		HandleError(w, err)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("encoding event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
