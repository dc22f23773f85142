package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventWriteTimeout    = 5 * time.Second
	subscriberBufferSize = 64
)

// EventHub fans security events out to connected websocket subscribers.
// Publish never blocks: a subscriber that cannot keep up is dropped, the
// durable record lives in the security_events table.
type EventHub struct {
	mu          sync.RWMutex
	subscribers map[chan SecurityEvent]struct{}
	upgrader    websocket.Upgrader
	logger      Logger
}

// NewEventHub creates the hub.
func NewEventHub(logger Logger) *EventHub {
	return &EventHub{
		subscribers: make(map[chan SecurityEvent]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.NewSystem("event-hub"),
	}
}

// Publish implements EventSink.
func (h *EventHub) Publish(event SecurityEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			h.logger.Warn("dropping event for slow subscriber", "eventType", event.EventType)
		}
	}
}

func (h *EventHub) subscribe() chan SecurityEvent {
	ch := make(chan SecurityEvent, subscriberBufferSize)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan SecurityEvent) {
	h.mu.Lock()
	delete(h.subscribers, ch)
	h.mu.Unlock()
}

// ServeWS upgrades the request to a websocket and streams security events
// until the client disconnects.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return err
	}
	defer conn.Close()

	events := h.subscribe()
	defer h.unsubscribe(events)

	// Reader goroutine only to detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Debug("event subscriber connected", "remote", conn.RemoteAddr().String())
	for {
		select {
		case <-done:
			return nil
		case event := <-events:
			if err := conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout)); err != nil {
				return err
			}
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("event subscriber write failed", "error", err)
				return err
			}
		}
	}
}

// MultiSink delivers each event to every wrapped sink in order.
type MultiSink []EventSink

// Publish implements EventSink.
func (m MultiSink) Publish(event SecurityEvent) {
	for _, sink := range m {
		sink.Publish(event)
	}
}
