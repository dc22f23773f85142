package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	container "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupTestSqlite creates an in-memory SQLite DB for testing
func setupTestSqlite(t testing.TB) *gorm.DB {
	t.Helper()

	uniqueDSN := fmt.Sprintf("file::memory:test%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(uniqueDSN), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&KeyVersion{}, &ApprovalAssertion{}, &TransferRequest{}, &SecurityEvent{})
	require.NoError(t, err)

	return db
}

// setupTestPostgres creates a PostgreSQL database using testcontainers
func setupTestPostgres(ctx context.Context, t testing.TB) (*gorm.DB, testcontainers.Container) {
	t.Helper()

	const dbName = "postgres"
	const dbUser = "postgres"
	const dbPassword = "postgres"

	postgresContainer, err := container.Run(ctx,
		"postgres:16-alpine",
		container.WithDatabase(dbName),
		container.WithUsername(dbUser),
		container.WithPassword(dbPassword),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_HOST_AUTH_METHOD": "trust",
		}),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForLog("database system is ready to accept connections"),
				wait.ForListeningPort("5432/tcp"),
			)))
	require.NoError(t, err)
	log.Println("Started container:", postgresContainer.GetContainerID())

	url, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := gorm.Open(postgres.Open(url), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&KeyVersion{}, &ApprovalAssertion{}, &TransferRequest{}, &SecurityEvent{})
	require.NoError(t, err)

	return db, postgresContainer
}

// setupTestDB chooses SQLite or Postgres based on TEST_DB_DRIVER
func setupTestDB(t testing.TB) (*gorm.DB, func()) {
	t.Helper()

	ctx := context.Background()
	var db *gorm.DB
	var cleanup func()

	switch os.Getenv("TEST_DB_DRIVER") {
	case "postgres":
		log.Println("Using PostgreSQL for testing")
		var pgContainer testcontainers.Container
		db, pgContainer = setupTestPostgres(ctx, t)
		cleanup = func() {
			if pgContainer != nil {
				if err := pgContainer.Terminate(ctx); err != nil {
					log.Printf("Failed to terminate PostgreSQL container: %v", err)
				}
			}
		}
	default:
		db = setupTestSqlite(t)
		cleanup = func() {}
	}

	return db, cleanup
}

var testMasterSecret = []byte("unit-test-master-secret")

const testDestination = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

// fakeEligibility is a stub eligibility collaborator.
type fakeEligibility struct {
	mu       sync.Mutex
	eligible bool
	reason   string
	err      error
}

func (f *fakeEligibility) CheckEligibility(ctx context.Context, identityID string, amount decimal.Decimal) (EligibilityResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return EligibilityResult{}, f.err
	}
	return EligibilityResult{Eligible: f.eligible, Reason: f.reason}, nil
}

func (f *fakeEligibility) set(eligible bool, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eligible = eligible
	f.reason = reason
}

// fakeBalanceLedger records confirmed debits.
type fakeBalanceLedger struct {
	mu     sync.Mutex
	debits []string // request references
}

func (f *fakeBalanceLedger) DebitConfirmed(ctx context.Context, identityID string, amount decimal.Decimal, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debits = append(f.debits, reference)
	return nil
}

func (f *fakeBalanceLedger) debitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.debits)
}

// fakeSettlement simulates the settlement network in memory.
type fakeSettlement struct {
	mu          sync.Mutex
	submitErr   error
	waitErr     error
	submitDelay time.Duration
	submissions []*big.Int

	inFlight      int
	peakInFlight  int
	lookupReceipt *SettlementReceipt
	lookupErr     error
}

func (f *fakeSettlement) Submit(ctx context.Context, signer *Signer, destination common.Address, rawAmount *big.Int) (string, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.peakInFlight {
		f.peakInFlight = f.inFlight
	}
	delay := f.submitDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submissions = append(f.submissions, new(big.Int).Set(rawAmount))
	return "0x" + uuid.NewString(), nil
}

func (f *fakeSettlement) WaitConfirmation(ctx context.Context, txHash string) (*SettlementReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return &SettlementReceipt{TxHash: txHash, BlockNumber: 42}, nil
}

func (f *fakeSettlement) LookupReceipt(ctx context.Context, txHash string) (*SettlementReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.lookupReceipt, nil
}

func (f *fakeSettlement) submissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

// testHarness wires the full security core against in-memory collaborators.
type testHarness struct {
	db          *gorm.DB
	audit       *AuditLog
	vault       *KeyVault
	approvals   *ApprovalLedger
	engine      *AuthorizationEngine
	executor    *TransferExecutor
	settlement  *fakeSettlement
	ledger      *fakeBalanceLedger
	eligibility *fakeEligibility
}

func setupHarness(t testing.TB) (*testHarness, func()) {
	t.Helper()

	db, cleanup := setupTestDB(t)
	logger := NewLoggerIPFS("root.test")
	policy := DefaultPolicy()

	deriver, err := NewKeyDeriver(testMasterSecret)
	require.NoError(t, err)

	audit := NewAuditLog(db, nil, logger)
	vault := NewKeyVault(db, deriver, audit, policy.Rotation, logger)
	approvals := NewApprovalLedger(db, policy, audit, logger)
	eligibility := &fakeEligibility{eligible: true}
	engine := NewAuthorizationEngine(db, policy, vault, approvals, eligibility, audit, logger)

	settlement := &fakeSettlement{}
	ledger := &fakeBalanceLedger{}
	executor := NewTransferExecutor(db, engine, vault, settlement, ledger, audit, nil, 18, 2*time.Second, logger)

	return &testHarness{
		db:          db,
		audit:       audit,
		vault:       vault,
		approvals:   approvals,
		engine:      engine,
		executor:    executor,
		settlement:  settlement,
		ledger:      ledger,
		eligibility: eligibility,
	}, cleanup
}

// waitForStatus polls until the request reaches the wanted status or the
// deadline passes. Background execution makes some transitions asynchronous.
func waitForStatus(t testing.TB, db *gorm.DB, requestID string, want TransferStatus) *TransferRequest {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		request, err := GetTransferRequest(db, requestID)
		require.NoError(t, err)
		if request.Status == want {
			return request
		}
		time.Sleep(20 * time.Millisecond)
	}
	request, err := GetTransferRequest(db, requestID)
	require.NoError(t, err)
	t.Fatalf("request %s never reached status %s, last status %s", requestID, want, request.Status)
	return nil
}

func countEvents(t testing.TB, db *gorm.DB, eventType SecurityEventType) int64 {
	t.Helper()

	var count int64
	require.NoError(t, db.Model(&SecurityEvent{}).Where("event_type = ?", eventType).Count(&count).Error)
	return count
}
