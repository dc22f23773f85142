package main

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SecurityEventType labels an entry in the security audit log.
type SecurityEventType string

const (
	EventKeyCreated              SecurityEventType = "key_created"
	EventKeyRotated              SecurityEventType = "key_rotated"
	EventApprovalRecorded        SecurityEventType = "approval_recorded"
	EventTransferCreated         SecurityEventType = "transfer_created"
	EventTransferPendingApproval SecurityEventType = "transfer_pending_approval"
	EventTransferApproved        SecurityEventType = "transfer_approved"
	EventTransferCompleted       SecurityEventType = "transfer_completed"
	EventTransferFailed          SecurityEventType = "transfer_failed"
	EventTransferCancelled       SecurityEventType = "transfer_cancelled"
	EventMultisigDenied          SecurityEventType = "multisig_denied"
	EventKeyRotationOverdue      SecurityEventType = "key_rotation_overdue"
)

// SecurityEvent is the append-only audit record for key-lifecycle and
// transfer-lifecycle events. Rows are never updated or deleted.
type SecurityEvent struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	IdentityID *string           `gorm:"column:identity_id;type:varchar(255);index" json:"identity_id,omitempty"`
	EventType  SecurityEventType `gorm:"column:event_type;type:varchar(64);not null;index" json:"event_type"`
	Metadata   datatypes.JSON    `gorm:"column:metadata;type:text" json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"column:created_at" json:"created_at"`
}

// TableName specifies the table name for the SecurityEvent model.
func (SecurityEvent) TableName() string {
	return "security_events"
}

// EventSink receives committed audit events, e.g. for live fan-out to
// monitoring consumers. Implementations must not block.
type EventSink interface {
	Publish(event SecurityEvent)
}

// AuditLog stores and queries security events.
type AuditLog struct {
	db     *gorm.DB
	sink   EventSink
	logger Logger
}

// NewAuditLog creates a new audit log store. sink may be nil.
func NewAuditLog(db *gorm.DB, sink EventSink, logger Logger) *AuditLog {
	return &AuditLog{db: db, sink: sink, logger: logger.NewSystem("audit")}
}

// Record appends a security event. identityID may be empty for system-level
// events. The metadata map must not contain secret material; callers pass
// public keys, versions, amounts, and reasons only.
func (a *AuditLog) Record(ctx context.Context, identityID string, eventType SecurityEventType, metadata map[string]any) error {
	var payload datatypes.JSON
	if metadata != nil {
		bytes, err := json.Marshal(metadata)
		if err != nil {
			return APIErrorf("failed to encode event metadata: %w", err)
		}
		payload = bytes
	}

	event := &SecurityEvent{
		EventType: eventType,
		Metadata:  payload,
	}
	if identityID != "" {
		event.IdentityID = &identityID
	}

	if err := a.db.WithContext(ctx).Create(event).Error; err != nil {
		return err
	}

	a.logger.Info("security event recorded", "type", eventType, "identity", identityID)

	if a.sink != nil {
		a.sink.Publish(*event)
	}
	return nil
}

// RecordInTx appends a security event inside the caller's transaction so the
// event commits or rolls back with the state change it describes. The live
// sink is notified before the surrounding commit; consumers treat the
// security_events table as the authoritative record.
func (a *AuditLog) RecordInTx(tx *gorm.DB, identityID string, eventType SecurityEventType, metadata map[string]any) error {
	var payload datatypes.JSON
	if metadata != nil {
		bytes, err := json.Marshal(metadata)
		if err != nil {
			return APIErrorf("failed to encode event metadata: %w", err)
		}
		payload = bytes
	}

	event := &SecurityEvent{
		EventType: eventType,
		Metadata:  payload,
	}
	if identityID != "" {
		event.IdentityID = &identityID
	}

	if err := tx.Create(event).Error; err != nil {
		return err
	}
	if a.sink != nil {
		a.sink.Publish(*event)
	}
	return nil
}

// SortType orders event listings by recording time.
type SortType string

const (
	SortTypeAscending  SortType = "asc"
	SortTypeDescending SortType = "desc"
)

// Event pages default small and cap hard. The log is append-only and
// unbounded, so unpaged reads are never served.
const (
	defaultEventPageSize = 50
	maxEventPageSize     = 500
)

// ListOptions controls pagination and ordering of audit queries. The zero
// value yields the newest defaultEventPageSize events.
type ListOptions struct {
	Offset uint32    `json:"offset,omitempty"`
	Limit  uint32    `json:"limit,omitempty"`
	Sort   *SortType `json:"sort,omitempty"`
}

// scope applies ordering and the page window to an event query. A nil
// receiver means defaults.
func (o *ListOptions) scope(query *gorm.DB) *gorm.DB {
	order := "created_at DESC"
	limit := defaultEventPageSize
	offset := 0
	if o != nil {
		if o.Sort != nil && *o.Sort == SortTypeAscending {
			order = "created_at ASC"
		}
		if o.Limit > 0 {
			limit = int(o.Limit)
		}
		if limit > maxEventPageSize {
			limit = maxEventPageSize
		}
		offset = int(o.Offset)
	}
	return query.Order(order).Offset(offset).Limit(limit)
}

// List retrieves security events with optional filtering and pagination.
func (a *AuditLog) List(ctx context.Context, identityID *string, eventType *SecurityEventType, options *ListOptions) ([]SecurityEvent, error) {
	query := options.scope(a.db.WithContext(ctx))

	if identityID != nil {
		query = query.Where("identity_id = ?", *identityID)
	}
	if eventType != nil {
		query = query.Where("event_type = ?", *eventType)
	}

	var events []SecurityEvent
	err := query.Find(&events).Error
	return events, err
}

// Count returns the count of security events, with optional filtering.
func (a *AuditLog) Count(ctx context.Context, identityID *string, eventType *SecurityEventType) (int64, error) {
	query := a.db.WithContext(ctx).Model(&SecurityEvent{})

	if identityID != nil {
		query = query.Where("identity_id = ?", *identityID)
	}
	if eventType != nil {
		query = query.Where("event_type = ?", *eventType)
	}

	var count int64
	err := query.Count(&count).Error
	return count, err
}
