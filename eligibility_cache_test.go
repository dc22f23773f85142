package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEligibility struct {
	mu    sync.Mutex
	calls int
	fakeEligibility
}

func (c *countingEligibility) CheckEligibility(ctx context.Context, identityID string, amount decimal.Decimal) (EligibilityResult, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.fakeEligibility.CheckEligibility(ctx, identityID, amount)
}

func (c *countingEligibility) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestCachedEligibilityCheckerReusesVerdict(t *testing.T) {
	inner := &countingEligibility{fakeEligibility: fakeEligibility{eligible: true}}
	checker := NewCachedEligibilityChecker(inner, time.Minute)
	ctx := context.Background()
	amount := decimal.NewFromInt(100)

	for i := 0; i < 5; i++ {
		result, err := checker.CheckEligibility(ctx, "alice", amount)
		require.NoError(t, err)
		assert.True(t, result.Eligible)
	}
	assert.Equal(t, 1, inner.callCount())

	// A different tuple misses the cache.
	_, err := checker.CheckEligibility(ctx, "alice", decimal.NewFromInt(200))
	require.NoError(t, err)
	assert.Equal(t, 2, inner.callCount())

	// Invalidation forces a fresh check.
	checker.Invalidate("alice", amount)
	_, err = checker.CheckEligibility(ctx, "alice", amount)
	require.NoError(t, err)
	assert.Equal(t, 3, inner.callCount())
}

func TestCompletedTransferInvalidatesCachedVerdict(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	logger := NewLoggerIPFS("root.test")
	policy := DefaultPolicy()

	deriver, err := NewKeyDeriver(testMasterSecret)
	require.NoError(t, err)

	inner := &countingEligibility{fakeEligibility: fakeEligibility{eligible: true}}
	checker := NewCachedEligibilityChecker(inner, time.Minute)

	audit := NewAuditLog(db, nil, logger)
	vault := NewKeyVault(db, deriver, audit, policy.Rotation, logger)
	approvals := NewApprovalLedger(db, policy, audit, logger)
	engine := NewAuthorizationEngine(db, policy, vault, approvals, checker, audit, logger)
	executor := NewTransferExecutor(db, engine, vault, &fakeSettlement{}, &fakeBalanceLedger{},
		audit, checker, 18, 2*time.Second, logger)

	ctx := context.Background()
	amount := decimal.NewFromInt(100)

	request, _, err := executor.RequestTransfer(ctx, "alice", testDestination,
		amount, "reward_payout", "payout-cache")
	require.NoError(t, err)
	waitForStatus(t, db, request.ID, TransferStatusCompleted)
	require.Equal(t, 1, inner.callCount())

	// Settlement changed the balance, so the next check for the tuple must
	// reach the service again instead of replaying the cached verdict.
	require.Eventually(t, func() bool {
		_, err := engine.Authorize(ctx, "alice", amount, testDestination)
		require.NoError(t, err)
		return inner.callCount() >= 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEligibilityCacheExpiry(t *testing.T) {
	cache := newEligibilityCache(10 * time.Millisecond)
	cache.set("k", EligibilityResult{Eligible: true})

	_, ok := cache.get("k")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = cache.get("k")
	assert.False(t, ok)
}
