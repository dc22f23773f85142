package main

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Reconciler resolves transfers whose settlement outcome is unknown: failed
// requests recorded as ambiguous and requests stuck in submitting after a
// crash. It asks the network for the receipt of the retained transaction
// hash and settles the record either way.
type Reconciler struct {
	db         *gorm.DB
	settlement SettlementClient
	ledger     BalanceLedger
	audit      *AuditLog
	logger     Logger
}

// NewReconciler creates the reconciler.
func NewReconciler(db *gorm.DB, settlement SettlementClient, ledger BalanceLedger, audit *AuditLog, logger Logger) *Reconciler {
	return &Reconciler{
		db:         db,
		settlement: settlement,
		ledger:     ledger,
		audit:      audit,
		logger:     logger.NewSystem("reconcile"),
	}
}

// pendingReconciliation returns requests with a retained transaction hash
// whose final outcome is not yet known.
func (r *Reconciler) pendingReconciliation(ctx context.Context) ([]TransferRequest, error) {
	var requests []TransferRequest
	err := r.db.WithContext(ctx).
		Where("tx_hash IS NOT NULL").
		Where("(status = ? AND error_class = ?) OR status = ?",
			TransferStatusFailed, ErrClassAmbiguous, TransferStatusSubmitting).
		Order("created_at ASC").
		Find(&requests).Error
	return requests, err
}

// submittingStaleAfter bounds how long a submitting row without a broadcast
// record may sit before the sweep declares its outcome unknown. Live
// executions record the hash within seconds of entering submitting.
const submittingStaleAfter = 15 * time.Minute

// Run sweeps every unresolved request once and reports how many reached a
// terminal state.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	demoted, err := r.demoteStaleSubmitting(ctx)
	if err != nil {
		return 0, err
	}

	requests, err := r.pendingReconciliation(ctx)
	if err != nil {
		return demoted, err
	}
	r.logger.Info("reconciliation sweep", "candidates", len(requests), "demoted", demoted)

	resolved := demoted
	for i := range requests {
		ok, err := r.reconcileOne(ctx, &requests[i])
		if err != nil {
			r.logger.Error("failed to reconcile request", "requestID", requests[i].ID, "error", err)
			continue
		}
		if ok {
			resolved++
		}
	}
	return resolved, nil
}

// demoteStaleSubmitting fails submitting rows that never recorded a
// transaction hash. A crash between the submitting transition and the
// broadcast leaves such rows; past the staleness horizon their outcome is
// unknowable, so they become terminal with class ambiguous rather than
// sitting in submitting forever.
func (r *Reconciler) demoteStaleSubmitting(ctx context.Context) (int, error) {
	rows, err := GetTransfersByStatus(r.db.WithContext(ctx), TransferStatusSubmitting, 0)
	if err != nil {
		return 0, err
	}

	const detail = "no broadcast record after entering submitting"
	demoted := 0
	for i := range rows {
		row := rows[i]
		if row.TxHash != nil {
			continue // the receipt sweep resolves these
		}
		submitted := row.CreatedAt
		if row.SubmittedAt != nil {
			submitted = *row.SubmittedAt
		}
		if time.Since(submitted) < submittingStaleAfter {
			continue
		}

		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := transitionTransfer(tx, row.ID, TransferStatusSubmitting, TransferStatusFailed, map[string]any{
				"error_class":  ErrClassAmbiguous,
				"error_detail": detail,
			}); err != nil {
				return err
			}
			return r.audit.RecordInTx(tx, row.IdentityID, EventTransferFailed, map[string]any{
				"request_id":   row.ID,
				"error_class":  ErrClassAmbiguous,
				"error_detail": detail,
				"reconciled":   true,
			})
		})
		if err != nil {
			r.logger.Error("failed to demote stale submitting request", "requestID", row.ID, "error", err)
			continue
		}
		r.logger.Warn("demoted stale submitting request", "requestID", row.ID)
		demoted++
	}
	return demoted, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, request *TransferRequest) (bool, error) {
	receipt, err := r.settlement.LookupReceipt(ctx, *request.TxHash)
	if errors.Is(err, ErrTransferReverted) {
		return true, r.resolveFailed(ctx, request, err.Error())
	}
	if err != nil {
		return false, err
	}
	if receipt == nil {
		// Still unknown. Leave the record for a later sweep.
		r.logger.Debug("transaction still unresolved", "requestID", request.ID, "txHash", *request.TxHash)
		return false, nil
	}
	return true, r.resolveCompleted(ctx, request, receipt)
}

func (r *Reconciler) resolveCompleted(ctx context.Context, request *TransferRequest, receipt *SettlementReceipt) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := transitionTransfer(tx, request.ID, request.Status, TransferStatusCompleted, map[string]any{
			"completed_at": now,
			"error_class":  nil,
			"error_detail": nil,
		}); err != nil {
			return err
		}
		return r.audit.RecordInTx(tx, request.IdentityID, EventTransferCompleted, map[string]any{
			"request_id":   request.ID,
			"tx_hash":      receipt.TxHash,
			"block_number": receipt.BlockNumber,
			"amount":       request.Amount.String(),
			"reconciled":   true,
		})
	})
	if err != nil {
		return err
	}

	if err := r.ledger.DebitConfirmed(ctx, request.IdentityID, request.Amount, request.ID); err != nil {
		r.logger.Error("failed to notify balance ledger", "requestID", request.ID, "error", err)
	}
	r.logger.Info("reconciled transfer to completed", "requestID", request.ID, "txHash", receipt.TxHash)
	return nil
}

func (r *Reconciler) resolveFailed(ctx context.Context, request *TransferRequest, detail string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := transitionTransfer(tx, request.ID, request.Status, TransferStatusFailed, map[string]any{
			"error_class":  ErrClassNetwork,
			"error_detail": detail,
		}); err != nil {
			// Ambiguous failures are already in the failed state; record
			// the definite classification directly.
			if errors.Is(err, ErrInvalidTransition) {
				return tx.Model(&TransferRequest{}).
					Where("id = ?", request.ID).
					Updates(map[string]any{"error_class": ErrClassNetwork, "error_detail": detail}).Error
			}
			return err
		}
		return r.audit.RecordInTx(tx, request.IdentityID, EventTransferFailed, map[string]any{
			"request_id":   request.ID,
			"tx_hash":      *request.TxHash,
			"error_class":  ErrClassNetwork,
			"error_detail": detail,
			"reconciled":   true,
		})
	})
}

// runReconcileCli is the entry point for the reconcile command line interface.
// Example: vaultnode reconcile
func runReconcileCli(logger Logger) {
	logger = logger.NewSystem("reconcile")

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	db, err := ConnectToDB(config.dbConf)
	if err != nil {
		logger.Fatal("Failed to setup database", "error", err)
	}

	settlement, err := NewEthereumSettlement(config.settlementRPC, config.tokenAddress, config.chainID, logger)
	if err != nil {
		logger.Fatal("Failed to connect to settlement network", "error", err)
	}

	audit := NewAuditLog(db, nil, logger)
	ledger := NewHTTPBalanceLedger(config.balanceLedgerURL)
	reconciler := NewReconciler(db, settlement, ledger, audit, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	resolved, err := reconciler.Run(ctx)
	if err != nil {
		logger.Fatal("Reconciliation sweep failed", "error", err)
	}
	logger.Info("Reconciliation sweep finished", "resolved", resolved)
}
