package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"goa.design/clue/log"

	"goa.design/console/bus"
)

// eventBuffer bounds the per-connection event queue. Delivery from the bus
// runs under its registry lock and must never block on a slow client, so a
// full buffer drops the event for that connection.
const eventBuffer = 64

// streamEvents serves GET /sessions/{id}/events as a Server-Sent Events
// stream. The connection subscribes to the session's bus events and relays
// each one as a JSON-encoded SSE message until the client disconnects or the
// session's subscribers are dropped.
func (g *Gateway) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := g.sessions.GetSession(r.Context(), id); err != nil {
		respondFailure(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	events := make(chan bus.Event, eventBuffer)
	sub, err := g.bus.Subscribe(id, bus.HandlerFunc(func(ctx context.Context, event bus.Event) error {
		select {
		case events <- event:
			return nil
		default:
			return fmt.Errorf("subscriber buffer full, dropping %s event", event.Kind)
		}
	}))
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-events:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: ", event.Kind); err != nil {
				return
			}
			if err := enc.Encode(event); err != nil {
				log.Errorf(r.Context(), err, "encode event for session %s", id)
				return
			}
			if _, err := fmt.Fprint(w, "\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
