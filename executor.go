package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// EligibilityInvalidator drops a cached eligibility verdict once the
// underlying balance has changed.
type EligibilityInvalidator interface {
	Invalidate(identityID string, amount decimal.Decimal)
}

// TransferExecutor drives transfer requests through their lifecycle:
// created, pending_approval, approved, submitting, and finally completed
// or failed. Exactly one execution attempt per request may be in flight,
// and at most one request per (identity, amount, destination) tuple may
// occupy the submitting state at a time; approved requests that lose the
// tuple race wait their turn and are re-driven when the holder resolves.
type TransferExecutor struct {
	db             *gorm.DB
	engine         *AuthorizationEngine
	vault          *KeyVault
	settlement     SettlementClient
	ledger         BalanceLedger
	audit          *AuditLog
	eligibility    EligibilityInvalidator
	logger         Logger
	tokenDecimals  uint8
	confirmTimeout time.Duration

	inflight      sync.Map // request id -> struct{}
	tupleInflight sync.Map // tuple digest -> struct{}
}

// NewTransferExecutor creates the executor. eligibility may be nil when the
// authorization path runs without a verdict cache.
func NewTransferExecutor(db *gorm.DB, engine *AuthorizationEngine, vault *KeyVault, settlement SettlementClient, ledger BalanceLedger, audit *AuditLog, eligibility EligibilityInvalidator, tokenDecimals uint8, confirmTimeout time.Duration, logger Logger) *TransferExecutor {
	return &TransferExecutor{
		db:             db,
		engine:         engine,
		vault:          vault,
		settlement:     settlement,
		ledger:         ledger,
		audit:          audit,
		eligibility:    eligibility,
		logger:         logger.NewSystem("executor"),
		tokenDecimals:  tokenDecimals,
		confirmTimeout: confirmTimeout,
	}
}

// RequestTransfer validates and authorizes a new transfer request. The
// request row is persisted before any settlement work happens, so a crash
// at any later point leaves a reconcilable record. An Approved verdict
// starts execution in the background; the returned request reflects the
// state at persist time.
func (x *TransferExecutor) RequestTransfer(ctx context.Context, identityID, destination string, amount decimal.Decimal, sourceType, sourceID string) (*TransferRequest, Verdict, error) {
	verdict, err := x.engine.Authorize(ctx, identityID, amount, destination)
	if err != nil {
		return nil, Verdict{}, err
	}

	if verdict.Kind == VerdictDenied {
		request, err := x.recordDenied(ctx, identityID, destination, amount, sourceType, sourceID, verdict)
		if err != nil {
			return nil, Verdict{}, err
		}
		return request, verdict, nil
	}

	var request *TransferRequest
	err = x.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		request, err = CreateTransferRequest(tx, identityID, destination, amount, sourceType, sourceID, verdict.Threshold)
		if err != nil {
			return err
		}
		return x.audit.RecordInTx(tx, identityID, EventTransferCreated, map[string]any{
			"request_id":          request.ID,
			"amount":              amount.String(),
			"destination":         destination,
			"required_signatures": verdict.Threshold,
		})
	})
	if err != nil {
		return nil, Verdict{}, err
	}

	switch verdict.Kind {
	case VerdictPendingApproval:
		err = x.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := transitionTransfer(tx, request.ID, TransferStatusCreated, TransferStatusPendingApproval, nil); err != nil {
				return err
			}
			return x.audit.RecordInTx(tx, identityID, EventTransferPendingApproval, map[string]any{
				"request_id":          request.ID,
				"required_signatures": verdict.Threshold,
				"missing_roles":       verdict.MissingRoles,
			})
		})
		if err != nil {
			return nil, Verdict{}, err
		}
		request.Status = TransferStatusPendingApproval

	case VerdictApproved:
		if err := x.markApproved(ctx, request); err != nil {
			return nil, Verdict{}, err
		}
		x.executeAsync(request.ID)
	}

	return request, verdict, nil
}

func (x *TransferExecutor) recordDenied(ctx context.Context, identityID, destination string, amount decimal.Decimal, sourceType, sourceID string, verdict Verdict) (*TransferRequest, error) {
	var request *TransferRequest
	err := x.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		request, err = CreateTransferRequest(tx, identityID, destination, amount, sourceType, sourceID, verdict.Threshold)
		if err != nil {
			return err
		}
		errClass := ErrClassAuthorization
		if err := transitionTransfer(tx, request.ID, TransferStatusCreated, TransferStatusFailed, map[string]any{
			"error_class":  errClass,
			"error_detail": verdict.Reason,
		}); err != nil {
			return err
		}
		request.Status = TransferStatusFailed
		request.ErrorClass = &errClass
		request.ErrorDetail = &verdict.Reason
		return x.audit.RecordInTx(tx, identityID, EventMultisigDenied, map[string]any{
			"request_id":  request.ID,
			"amount":      amount.String(),
			"destination": destination,
			"reason":      verdict.Reason,
		})
	})
	if err != nil {
		return nil, err
	}
	x.logger.Warn("denied transfer request", "requestID", request.ID, "reason", verdict.Reason)
	return request, nil
}

func (x *TransferExecutor) markApproved(ctx context.Context, request *TransferRequest) error {
	err := x.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		from := request.Status
		if err := transitionTransfer(tx, request.ID, from, TransferStatusApproved, nil); err != nil {
			return err
		}
		return x.audit.RecordInTx(tx, request.IdentityID, EventTransferApproved, map[string]any{
			"request_id":          request.ID,
			"required_signatures": request.RequiredSignatures,
		})
	})
	if err != nil {
		return err
	}
	request.Status = TransferStatusApproved
	return nil
}

// OnApprovalRecorded re-evaluates every request pending approval for the
// asserted tuple. The conditional status update guarantees a request is
// promoted to approved at most once even when approvals land concurrently.
func (x *TransferExecutor) OnApprovalRecorded(ctx context.Context, identityID string, amount decimal.Decimal, destination string) error {
	pending, err := GetPendingApprovalByTuple(x.db.WithContext(ctx), identityID, amount, destination)
	if err != nil {
		return err
	}

	for i := range pending {
		request := pending[i]
		verdict, err := x.engine.Authorize(ctx, identityID, amount, destination)
		if err != nil {
			return err
		}
		if verdict.Kind != VerdictApproved {
			continue
		}
		if err := x.markApproved(ctx, &request); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue // another approval got there first
			}
			return err
		}
		x.executeAsync(request.ID)
	}
	return nil
}

// Cancel aborts a request that has not begun execution. Requests in
// submitting or a terminal state cannot be cancelled.
func (x *TransferExecutor) Cancel(ctx context.Context, requestID, reason string) (*TransferRequest, error) {
	request, err := GetTransferRequest(x.db.WithContext(ctx), requestID)
	if err != nil {
		return nil, err
	}

	err = x.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		from := request.Status
		if from != TransferStatusCreated && from != TransferStatusPendingApproval {
			return ErrInvalidTransition
		}
		if err := transitionTransfer(tx, requestID, from, TransferStatusFailed, map[string]any{
			"error_class":  ErrClassCancelled,
			"error_detail": reason,
		}); err != nil {
			return err
		}
		return x.audit.RecordInTx(tx, request.IdentityID, EventTransferCancelled, map[string]any{
			"request_id": requestID,
			"reason":     reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return GetTransferRequest(x.db.WithContext(ctx), requestID)
}

func (x *TransferExecutor) executeAsync(requestID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), x.confirmTimeout+time.Minute)
		defer cancel()
		if err := x.Execute(ctx, requestID); err != nil {
			if errors.Is(err, ErrExecutionInFlight) || errors.Is(err, ErrInvalidTransition) {
				// Another attempt holds the request or its tuple; that
				// attempt's resolution re-drives the waiting queue.
				x.logger.Debug("execution attempt superseded", "requestID", requestID, "error", err)
				return
			}
			x.logger.Error("background execution failed", "requestID", requestID, "error", err)
		}
	}()
}

// Execute runs a single settlement attempt for an approved request. A
// second call for the same request, or for another request on the same
// tuple, fails with ErrExecutionInFlight while the first is still running;
// same-tuple requests stay approved and run once the holder resolves.
func (x *TransferExecutor) Execute(ctx context.Context, requestID string) error {
	if _, loaded := x.inflight.LoadOrStore(requestID, struct{}{}); loaded {
		return ErrExecutionInFlight
	}
	defer x.inflight.Delete(requestID)

	request, err := GetTransferRequest(x.db.WithContext(ctx), requestID)
	if err != nil {
		return err
	}
	if request.Status != TransferStatusApproved {
		return ErrInvalidTransition
	}

	if _, loaded := x.tupleInflight.LoadOrStore(request.TupleDigest, struct{}{}); loaded {
		return ErrExecutionInFlight
	}
	defer func() {
		x.tupleInflight.Delete(request.TupleDigest)
		x.resumeTuple(request.TupleDigest)
	}()

	signer, version, err := x.vault.GetActiveKey(ctx, request.IdentityID)
	if err != nil {
		return err
	}

	rawAmount := request.Amount.Shift(int32(x.tokenDecimals)).BigInt()
	if rawAmount.Sign() <= 0 {
		return x.markFailedFrom(ctx, request, TransferStatusApproved, ErrClassValidation, "amount rounds to zero at token precision", nil)
	}

	now := time.Now()
	keyAgeDays := int(version.Age(now).Hours() / 24)
	if err := transitionTransfer(x.db.WithContext(ctx), requestID, TransferStatusApproved, TransferStatusSubmitting, map[string]any{
		"key_version":         version.Version,
		"key_derivation_path": version.DerivationPath,
		"key_age_days":        keyAgeDays,
		"multisig_validated":  request.RequiredSignatures >= 2,
		"submitted_at":        now,
	}); err != nil {
		return err
	}
	x.logger.Info("submitting transfer", "requestID", requestID,
		"identity", request.IdentityID, "amount", request.Amount, "keyVersion", version.Version)

	txHash, err := x.settlement.Submit(ctx, signer, common.HexToAddress(request.Destination), rawAmount)
	if err != nil {
		return x.markFailed(ctx, request, ErrClassNetwork, err.Error(), nil)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, x.confirmTimeout)
	defer cancel()
	receipt, err := x.settlement.WaitConfirmation(confirmCtx, txHash)
	if err != nil {
		if errors.Is(err, ErrTransferReverted) {
			return x.markFailed(ctx, request, ErrClassNetwork, err.Error(), &txHash)
		}
		// Broadcast succeeded but confirmation never arrived. The hash is
		// kept so reconciliation can resolve the true outcome later.
		return x.markFailed(ctx, request, ErrClassAmbiguous, err.Error(), &txHash)
	}

	return x.markCompleted(ctx, request, receipt)
}

// resumeTuple drives the oldest approved request still waiting on the
// tuple. A request that lost the tuple in-flight race stays approved until
// the holder resolves and reaches the network through this chain; every
// completed or failed execution on the tuple pulls the next one forward.
func (x *TransferExecutor) resumeTuple(tupleDigest string) {
	waiting, err := GetApprovedByTupleDigest(x.db, tupleDigest, 1)
	if err != nil {
		x.logger.Error("failed to query waiting transfers for tuple", "tuple", tupleDigest, "error", err)
		return
	}
	if len(waiting) == 0 {
		return
	}
	x.executeAsync(waiting[0].ID)
}

func (x *TransferExecutor) markFailed(ctx context.Context, request *TransferRequest, class ErrorClass, detail string, txHash *string) error {
	return x.markFailedFrom(ctx, request, TransferStatusSubmitting, class, detail, txHash)
}

func (x *TransferExecutor) markFailedFrom(ctx context.Context, request *TransferRequest, from TransferStatus, class ErrorClass, detail string, txHash *string) error {
	updates := map[string]any{
		"error_class":  class,
		"error_detail": detail,
	}
	if txHash != nil {
		updates["tx_hash"] = *txHash
	}
	err := x.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := transitionTransfer(tx, request.ID, from, TransferStatusFailed, updates); err != nil {
			return err
		}
		meta := map[string]any{
			"request_id":   request.ID,
			"error_class":  class,
			"error_detail": detail,
		}
		if txHash != nil {
			meta["tx_hash"] = *txHash
		}
		return x.audit.RecordInTx(tx, request.IdentityID, EventTransferFailed, meta)
	})
	if err != nil {
		return err
	}
	x.logger.Warn("transfer failed", "requestID", request.ID, "class", class, "detail", detail)
	return nil
}

func (x *TransferExecutor) markCompleted(ctx context.Context, request *TransferRequest, receipt *SettlementReceipt) error {
	now := time.Now()
	err := x.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := transitionTransfer(tx, request.ID, TransferStatusSubmitting, TransferStatusCompleted, map[string]any{
			"tx_hash":      receipt.TxHash,
			"completed_at": now,
		}); err != nil {
			return err
		}
		return x.audit.RecordInTx(tx, request.IdentityID, EventTransferCompleted, map[string]any{
			"request_id":   request.ID,
			"tx_hash":      receipt.TxHash,
			"block_number": receipt.BlockNumber,
			"amount":       request.Amount.String(),
		})
	})
	if err != nil {
		return err
	}

	if err := x.ledger.DebitConfirmed(ctx, request.IdentityID, request.Amount, request.ID); err != nil {
		// The transfer is settled on chain regardless; the ledger catches
		// up through reconciliation.
		x.logger.Error("failed to notify balance ledger", "requestID", request.ID, "error", err)
	}
	if x.eligibility != nil {
		// The balance just changed; a cached verdict for the tuple is stale.
		x.eligibility.Invalidate(request.IdentityID, request.Amount)
	}
	x.logger.Info("transfer completed", "requestID", request.ID, "txHash", receipt.TxHash)
	return nil
}
