package main

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogRecordAndList(t *testing.T) {
	h, cleanup := setupHarness(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, h.audit.Record(ctx, "alice", EventKeyCreated, map[string]any{"version": 1}))
	require.NoError(t, h.audit.Record(ctx, "alice", EventTransferCreated, map[string]any{"amount": "100"}))
	require.NoError(t, h.audit.Record(ctx, "bob", EventTransferCreated, nil))

	identity := "alice"
	events, err := h.audit.List(ctx, &identity, nil, nil)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	eventType := EventTransferCreated
	events, err = h.audit.List(ctx, nil, &eventType, nil)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = h.audit.List(ctx, &identity, &eventType, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].IdentityID)
	assert.Equal(t, "alice", *events[0].IdentityID)

	count, err := h.audit.Count(ctx, nil, &eventType)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestAuditLogPagination(t *testing.T) {
	h, cleanup := setupHarness(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		require.NoError(t, h.audit.Record(ctx, "alice", EventApprovalRecorded, nil))
	}

	events, err := h.audit.List(ctx, nil, nil, &ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, events, 10)

	events, err = h.audit.List(ctx, nil, nil, &ListOptions{Offset: 10, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func TestAuditLogListOrdering(t *testing.T) {
	h, cleanup := setupHarness(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, h.audit.Record(ctx, "alice", EventKeyCreated, nil))
	require.NoError(t, h.audit.Record(ctx, "alice", EventKeyRotated, nil))

	// Newest first by default.
	events, err := h.audit.List(ctx, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventKeyRotated, events[0].EventType)

	ascending := SortTypeAscending
	events, err = h.audit.List(ctx, nil, nil, &ListOptions{Sort: &ascending})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventKeyCreated, events[0].EventType)
}

func TestAuditLogSystemEvent(t *testing.T) {
	h, cleanup := setupHarness(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, h.audit.Record(ctx, "", EventTransferFailed, map[string]any{"reason": "sweep"}))

	eventType := EventTransferFailed
	events, err := h.audit.List(ctx, nil, &eventType, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].IdentityID)
}

func TestEventSinkFanOut(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	logger := NewLoggerIPFS("root.test")

	registry := prometheus.NewRegistry()
	metrics := NewMetricsWithRegistry(registry)
	hub := NewEventHub(logger)
	audit := NewAuditLog(db, MultiSink{hub, metrics}, logger)

	subscriber := hub.subscribe()
	defer hub.unsubscribe(subscriber)

	require.NoError(t, audit.Record(context.Background(), "alice", EventTransferCreated, nil))

	select {
	case event := <-subscriber:
		assert.Equal(t, EventTransferCreated, event.EventType)
	default:
		t.Fatal("expected the hub to receive the event")
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TransferAttemptsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SecurityEventsTotal.WithLabelValues(string(EventTransferCreated))))
}

func TestMetricsGaugeRefresh(t *testing.T) {
	h, cleanup := setupHarness(t)
	defer cleanup()

	registry := prometheus.NewRegistry()
	metrics := NewMetricsWithRegistry(registry)

	_, _, err := h.vault.GetActiveKey(context.Background(), "alice")
	require.NoError(t, err)

	metrics.UpdateKeyMetrics(h.db)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ActiveKeys))
}
