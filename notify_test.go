package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventHubStreamsEvents(t *testing.T) {
	hub := NewEventHub(NewLoggerIPFS("root.test"))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server a moment to register the subscriber.
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.subscribers) == 1
	}, time.Second, 10*time.Millisecond)

	identity := "alice"
	hub.Publish(SecurityEvent{ID: 1, IdentityID: &identity, EventType: EventKeyRotated})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var received SecurityEvent
	require.NoError(t, conn.ReadJSON(&received))
	assert.Equal(t, EventKeyRotated, received.EventType)
	require.NotNil(t, received.IdentityID)
	assert.Equal(t, "alice", *received.IdentityID)
}

func TestEventHubDropsSlowSubscriber(t *testing.T) {
	hub := NewEventHub(NewLoggerIPFS("root.test"))

	// A subscriber that never drains.
	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	for i := 0; i < subscriberBufferSize+10; i++ {
		hub.Publish(SecurityEvent{EventType: EventTransferCreated})
	}

	// The buffer is full; the overflow was dropped without blocking.
	assert.Len(t, ch, subscriberBufferSize)
}
