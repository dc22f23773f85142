package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// VerdictKind classifies an authorization outcome.
type VerdictKind string

const (
	VerdictApproved        VerdictKind = "approved"
	VerdictPendingApproval VerdictKind = "pending_approval"
	VerdictDenied          VerdictKind = "denied"
)

// Denial reasons surfaced to callers.
const (
	DenyKeyRotationRequired = "key_rotation_required"
	DenyNotEligible         = "not_eligible"
)

// Verdict is the authorization engine's decision on a requested transfer.
type Verdict struct {
	Kind         VerdictKind `json:"kind"`
	Threshold    int         `json:"threshold"`
	MissingRoles []string    `json:"missing_roles,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}

// AuthorizationEngine determines the required signature threshold for a
// requested transfer from the risk-tier table and decides whether the
// approval ledger satisfies it.
type AuthorizationEngine struct {
	db          *gorm.DB
	policy      PolicyConfig
	vault       *KeyVault
	approvals   *ApprovalLedger
	eligibility EligibilityChecker
	audit       *AuditLog
	logger      Logger
}

// NewAuthorizationEngine creates the engine.
func NewAuthorizationEngine(db *gorm.DB, policy PolicyConfig, vault *KeyVault, approvals *ApprovalLedger, eligibility EligibilityChecker, audit *AuditLog, logger Logger) *AuthorizationEngine {
	return &AuthorizationEngine{
		db:          db,
		policy:      policy,
		vault:       vault,
		approvals:   approvals,
		eligibility: eligibility,
		audit:       audit,
		logger:      logger.NewSystem("authorization"),
	}
}

// ValidateTransferInput rejects malformed input before any state exists.
func ValidateTransferInput(identityID, destination string, amount decimal.Decimal) error {
	if identityID == "" {
		return APIErrorf("identity is required")
	}
	if !amount.IsPositive() {
		return APIErrorf("invalid amount: must be positive")
	}
	if !common.IsHexAddress(destination) {
		return APIErrorf("invalid destination address: %s", destination)
	}
	return nil
}

// Authorize evaluates a requested transfer. Below the large tier the
// verdict is Approved without consulting the approval ledger. On sensitive
// tiers the key-health gate runs first: a key past the rotation deadline
// denies the transfer regardless of how many approvals exist.
func (e *AuthorizationEngine) Authorize(ctx context.Context, identityID string, amount decimal.Decimal, destination string) (Verdict, error) {
	if err := ValidateTransferInput(identityID, destination, amount); err != nil {
		return Verdict{}, err
	}

	eligibility, err := e.eligibility.CheckEligibility(ctx, identityID, amount)
	if err != nil {
		return Verdict{}, fmt.Errorf("eligibility check failed: %w", err)
	}
	if !eligibility.Eligible {
		reason := eligibility.Reason
		if reason == "" {
			reason = DenyNotEligible
		}
		return Verdict{Kind: VerdictDenied, Reason: reason}, nil
	}

	threshold := e.policy.RequiredApprovals(amount)
	if threshold <= 1 {
		return Verdict{Kind: VerdictApproved, Threshold: threshold}, nil
	}

	// Stale keys must not move large sums.
	health, err := e.vault.CheckHealth(ctx, identityID)
	if err != nil {
		return Verdict{}, err
	}
	if health.NeedsRotation {
		e.logger.Warn("denied transfer on stale key", "identity", identityID,
			"keyAgeDays", health.DaysSinceRotation, "amount", amount)
		if err := e.audit.Record(ctx, identityID, EventKeyRotationOverdue, map[string]any{
			"amount":       amount.String(),
			"destination":  destination,
			"key_age_days": health.DaysSinceRotation,
		}); err != nil {
			e.logger.Error("failed to record key_rotation_overdue event", "error", err)
		}
		return Verdict{Kind: VerdictDenied, Threshold: threshold, Reason: DenyKeyRotationRequired}, nil
	}

	roles, err := e.approvals.ApprovedRoles(e.db.WithContext(ctx), identityID, amount, destination)
	if err != nil {
		return Verdict{}, err
	}

	if len(roles) >= threshold {
		return Verdict{Kind: VerdictApproved, Threshold: threshold}, nil
	}

	missing := e.policy.MissingRoles(roles, threshold-len(roles))
	return Verdict{
		Kind:         VerdictPendingApproval,
		Threshold:    threshold,
		MissingRoles: missing,
	}, nil
}
