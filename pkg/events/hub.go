// Package events carries typed session events between pipeline stages and
// the connections observing them. The hub is purely in-process; delivery to
// subscribers is non-blocking and lossy by design.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"
)

// Hub fans typed events out to local subscribers.
type Hub struct {
	source string

	subMu       sync.RWMutex
	subscribers map[string]chan Envelope
}

// NewHub creates a hub whose envelopes are stamped with the given source.
func NewHub(source string) *Hub {
	return &Hub{
		source:      source,
		subscribers: make(map[string]chan Envelope),
	}
}

// Emit publishes a typed event to all local subscribers. A subscriber whose
// buffer is full misses the event.
func (h *Hub) Emit(ctx context.Context, eventType EventType, sessionID string, data interface{}) error {
	envelope := Envelope{
		ID:        xid.New().String(),
		Type:      eventType,
		Source:    h.source,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	envelope.Data = raw

	h.subMu.RLock()
	for id, ch := range h.subscribers {
		select {
		case ch <- envelope:
		default:
			slog.WarnContext(ctx, "event dropped: subscriber buffer full",
				slog.String("subscriber", id), slog.String("event_type", string(eventType)))
		}
	}
	h.subMu.RUnlock()

	return nil
}

// Subscribe creates a local subscription. The caller must call Unsubscribe
// with the same id to clean up.
func (h *Hub) Subscribe(id string, bufSize int) <-chan Envelope {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan Envelope, bufSize)
	h.subMu.Lock()
	h.subscribers[id] = ch
	h.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.subMu.Lock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
	h.subMu.Unlock()
}
