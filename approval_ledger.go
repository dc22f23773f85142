package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ApprovalStatus represents an approver's decision
type ApprovalStatus string

const (
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// ApprovalAssertion is one approver's signed decision on a specific
// (identity, amount, destination) tuple. Assertions are immutable once
// created and stop counting after the validity window.
type ApprovalAssertion struct {
	ID           uint            `gorm:"primaryKey"`
	TupleDigest  string          `gorm:"column:tuple_digest;type:varchar(64);not null;index:idx_approval_tuple"`
	IdentityID   string          `gorm:"column:identity_id;not null;index"`
	Amount       decimal.Decimal `gorm:"column:amount;type:decimal(38,18);not null"`
	Destination  string          `gorm:"column:destination;not null"`
	ApproverRole string          `gorm:"column:approver_role;type:varchar(64);not null"`
	ApproverID   string          `gorm:"column:approver_id;not null"`
	Attestation  string          `gorm:"column:attestation;type:text;not null"`
	Status       ApprovalStatus  `gorm:"column:status;type:varchar(16);not null"`
	CreatedAt    time.Time
}

// TableName specifies the table name for the ApprovalAssertion model
func (ApprovalAssertion) TableName() string {
	return "approval_assertions"
}

// transferTupleDigest keys the (identity, amount, destination) tuple for
// indexing and for serializing concurrent approvals on the same tuple.
// Amounts are normalized before hashing so 50000 and 50000.00 collide.
func transferTupleDigest(identityID string, amount decimal.Decimal, destination string) string {
	sum := sha256.Sum256([]byte(identityID + "|" + amount.String() + "|" + destination))
	return hex.EncodeToString(sum[:])
}

// ApprovalLedger records approver assertions and tallies distinct approved
// roles within the validity window.
type ApprovalLedger struct {
	db     *gorm.DB
	policy PolicyConfig
	audit  *AuditLog
	logger Logger

	// locks serializes assertion recording per tuple so two concurrent
	// submissions from the same role cannot both pass the duplicate check.
	locks sync.Map
}

// NewApprovalLedger creates an approval ledger governed by the given policy.
func NewApprovalLedger(db *gorm.DB, policy PolicyConfig, audit *AuditLog, logger Logger) *ApprovalLedger {
	return &ApprovalLedger{
		db:     db,
		policy: policy,
		audit:  audit,
		logger: logger.NewSystem("approval-ledger"),
	}
}

func (l *ApprovalLedger) tupleLock(digest string) *sync.Mutex {
	lock, _ := l.locks.LoadOrStore(digest, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (l *ApprovalLedger) windowStart(now time.Time) time.Time {
	return now.Add(-time.Duration(l.policy.ApprovalWindowHours) * time.Hour)
}

// RecordAssertion stores an approver's decision. A second approved
// assertion from the same role for the same tuple inside the window is
// rejected: duplicates must not widen the tally.
func (l *ApprovalLedger) RecordAssertion(ctx context.Context, identityID string, amount decimal.Decimal, destination, approverRole, approverID, attestation string, status ApprovalStatus) (*ApprovalAssertion, error) {
	if !l.policy.IsKnownRole(approverRole) {
		return nil, ErrUnknownRole
	}
	if !amount.IsPositive() {
		return nil, APIErrorf("invalid amount: must be positive")
	}
	if status != ApprovalStatusApproved && status != ApprovalStatusRejected {
		return nil, APIErrorf("invalid approval status: %s", status)
	}

	digest := transferTupleDigest(identityID, amount, destination)
	lock := l.tupleLock(digest)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	assertion := &ApprovalAssertion{
		TupleDigest:  digest,
		IdentityID:   identityID,
		Amount:       amount,
		Destination:  destination,
		ApproverRole: approverRole,
		ApproverID:   approverID,
		Attestation:  attestation,
		Status:       status,
		CreatedAt:    now,
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&ApprovalAssertion{}).
			Where("tuple_digest = ? AND approver_role = ? AND status = ? AND created_at > ?",
				digest, approverRole, ApprovalStatusApproved, l.windowStart(now)).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("failed to check existing assertions: %w", err)
		}
		if count > 0 && status == ApprovalStatusApproved {
			return ErrDuplicateApproval
		}

		return tx.Create(assertion).Error
	})
	if err != nil {
		return nil, err
	}

	if err := l.audit.Record(ctx, identityID, EventApprovalRecorded, map[string]any{
		"amount":      amount.String(),
		"destination": destination,
		"role":        approverRole,
		"approver":    approverID,
		"status":      string(status),
	}); err != nil {
		l.logger.Error("failed to record approval event", "identity", identityID, "error", err)
	}

	return assertion, nil
}

// ApprovedRoles returns the set of distinct approver roles with an approved,
// in-window assertion for the tuple. Raw row counts are never used: one
// approver repeating themselves contributes a single role.
func (l *ApprovalLedger) ApprovedRoles(tx *gorm.DB, identityID string, amount decimal.Decimal, destination string) (map[string]struct{}, error) {
	digest := transferTupleDigest(identityID, amount, destination)

	var roles []string
	err := tx.Model(&ApprovalAssertion{}).
		Where("tuple_digest = ? AND status = ? AND created_at > ?",
			digest, ApprovalStatusApproved, l.windowStart(time.Now().UTC())).
		Distinct("approver_role").
		Pluck("approver_role", &roles).Error
	if err != nil {
		return nil, fmt.Errorf("failed to tally approver roles: %w", err)
	}

	set := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		set[role] = struct{}{}
	}
	return set, nil
}
