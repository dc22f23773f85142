package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransferStatus represents the lifecycle state of a transfer request.
// Transitions are monotonic: created -> pending_approval -> approved ->
// submitting -> completed | failed. A failed transfer is terminal; retry
// means a new request referencing the old one by source id.
type TransferStatus string

const (
	TransferStatusCreated         TransferStatus = "created"
	TransferStatusPendingApproval TransferStatus = "pending_approval"
	TransferStatusApproved        TransferStatus = "approved"
	TransferStatusSubmitting      TransferStatus = "submitting"
	TransferStatusCompleted       TransferStatus = "completed"
	TransferStatusFailed          TransferStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TransferStatus) Terminal() bool {
	return s == TransferStatusCompleted || s == TransferStatusFailed
}

// TransferRequest is a funds-release request owned by the execution state
// machine after authorization. The ID is assigned once at creation and
// never reused; external collaborators read it but never mutate it.
type TransferRequest struct {
	ID          string          `gorm:"column:id;primaryKey"`
	IdentityID  string          `gorm:"column:identity_id;not null;index"`
	Destination string          `gorm:"column:destination;not null"`
	Amount      decimal.Decimal `gorm:"column:amount;type:decimal(38,18);not null"`
	TupleDigest string          `gorm:"column:tuple_digest;type:varchar(64);not null;index"`
	SourceType  string          `gorm:"column:source_type;not null"`
	SourceID    string          `gorm:"column:source_id;not null;index"`
	Status      TransferStatus  `gorm:"column:status;type:varchar(32);not null;index"`

	// Security metadata captured at execution time. Immutable once the
	// request is terminal, regardless of later key rotations.
	RequiredSignatures int    `gorm:"column:required_signatures;not null"`
	KeyVersion         uint   `gorm:"column:key_version;default:0"`
	KeyDerivationPath  string `gorm:"column:key_derivation_path"`
	KeyAgeDays         int    `gorm:"column:key_age_days;default:0"`
	MultisigValidated  bool   `gorm:"column:multisig_validated;default:false"`

	TxHash      *string     `gorm:"column:tx_hash"`
	ErrorClass  *ErrorClass `gorm:"column:error_class;type:varchar(32)"`
	ErrorDetail *string     `gorm:"column:error_detail;type:text"`

	CreatedAt   time.Time
	UpdatedAt   time.Time
	SubmittedAt *time.Time `gorm:"column:submitted_at"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
}

// TableName specifies the table name for the TransferRequest model
func (TransferRequest) TableName() string {
	return "transfer_requests"
}

// TransferSummary is the caller-facing snapshot of a transfer request.
type TransferSummary struct {
	ID                 string          `json:"id"`
	IdentityID         string          `json:"identity_id"`
	Destination        string          `json:"destination"`
	Amount             decimal.Decimal `json:"amount"`
	Status             TransferStatus  `json:"status"`
	RequiredSignatures int             `json:"required_signatures"`
	TxHash             *string         `json:"tx_hash,omitempty"`
	ErrorClass         *ErrorClass     `json:"error_class,omitempty"`
	ErrorDetail        *string         `json:"error_detail,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Summary projects the request into its external snapshot.
func (t *TransferRequest) Summary() TransferSummary {
	return TransferSummary{
		ID:                 t.ID,
		IdentityID:         t.IdentityID,
		Destination:        t.Destination,
		Amount:             t.Amount,
		Status:             t.Status,
		RequiredSignatures: t.RequiredSignatures,
		TxHash:             t.TxHash,
		ErrorClass:         t.ErrorClass,
		ErrorDetail:        t.ErrorDetail,
		CreatedAt:          t.CreatedAt,
	}
}

// CreateTransferRequest inserts a new request in the created state with a
// fresh stable identifier.
func CreateTransferRequest(tx *gorm.DB, identityID, destination string, amount decimal.Decimal, sourceType, sourceID string, requiredSignatures int) (*TransferRequest, error) {
	request := &TransferRequest{
		ID:                 uuid.NewString(),
		IdentityID:         identityID,
		Destination:        destination,
		Amount:             amount,
		TupleDigest:        transferTupleDigest(identityID, amount, destination),
		SourceType:         sourceType,
		SourceID:           sourceID,
		Status:             TransferStatusCreated,
		RequiredSignatures: requiredSignatures,
	}

	if err := tx.Create(request).Error; err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}
	return request, nil
}

// GetTransferRequest retrieves a request by its ID
func GetTransferRequest(tx *gorm.DB, id string) (*TransferRequest, error) {
	var request TransferRequest
	if err := tx.Where("id = ?", id).First(&request).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &request, nil
}

// GetPendingApprovalByTuple finds requests awaiting approval for the exact
// (identity, amount, destination) tuple. An out-of-band approver action
// re-triggers authorization through these rows.
func GetPendingApprovalByTuple(tx *gorm.DB, identityID string, amount decimal.Decimal, destination string) ([]TransferRequest, error) {
	digest := transferTupleDigest(identityID, amount, destination)
	var requests []TransferRequest
	err := tx.Where("tuple_digest = ? AND status = ?", digest, TransferStatusPendingApproval).
		Order("created_at ASC").
		Find(&requests).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query pending approvals: %w", err)
	}
	return requests, nil
}

// GetApprovedByTupleDigest lists approved requests on the tuple, oldest
// first. These are the requests waiting for the tuple's in-flight execution
// to resolve.
func GetApprovedByTupleDigest(tx *gorm.DB, tupleDigest string, limit int) ([]TransferRequest, error) {
	query := tx.Where("tuple_digest = ? AND status = ?", tupleDigest, TransferStatusApproved).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var requests []TransferRequest
	if err := query.Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("failed to query approved transfers for tuple: %w", err)
	}
	return requests, nil
}

// GetTransfersByStatus lists requests in the given status, oldest first.
func GetTransfersByStatus(tx *gorm.DB, status TransferStatus, limit int) ([]TransferRequest, error) {
	query := tx.Where("status = ?", status).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var requests []TransferRequest
	if err := query.Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("failed to query transfers with status %s: %w", status, err)
	}
	return requests, nil
}

// transitionTransfer performs a transactional compare-and-swap of a
// request's status. The WHERE clause on the expected status is the
// serialization point: of N racing callers exactly one sees RowsAffected=1,
// the rest get ErrInvalidTransition.
func transitionTransfer(tx *gorm.DB, id string, from, to TransferStatus, updates map[string]any) error {
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = to
	updates["updated_at"] = time.Now().UTC()

	res := tx.Model(&TransferRequest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}
