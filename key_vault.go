package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Rotation health recommendations, ordered by urgency.
const (
	HealthRotationRequired    = "rotation_required"
	HealthRotationRecommended = "rotation_recommended"
	HealthMonitor             = "monitor"
	HealthHealthy             = "healthy"
)

// KeyVersion is a versioned derivation coordinate for one identity's signing
// key. Raw key material is never stored: the row records where to re-derive
// it from the master secret. Rows are deactivated on rotation, never deleted.
type KeyVersion struct {
	ID             uint       `gorm:"primaryKey"`
	IdentityID     string     `gorm:"column:identity_id;not null;index;uniqueIndex:idx_key_identity_version,priority:1"`
	Version        uint       `gorm:"column:version;not null;uniqueIndex:idx_key_identity_version,priority:2"`
	DerivationPath string     `gorm:"column:derivation_path;not null;uniqueIndex"`
	PublicKey      string     `gorm:"column:public_key;not null"`
	Address        string     `gorm:"column:address;not null"`
	IsActive       bool       `gorm:"column:is_active;not null;index"`
	RotatedAt      *time.Time `gorm:"column:rotated_at"`
	LastRotation   time.Time  `gorm:"column:last_rotation;not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName specifies the table name for the KeyVersion model
func (KeyVersion) TableName() string {
	return "key_versions"
}

// Age returns how long this version has been the identity's signing key.
func (kv *KeyVersion) Age(now time.Time) time.Duration {
	return now.Sub(kv.LastRotation)
}

// KeyHealth is the advisory rotation snapshot for an identity's active key.
// The authorization engine also consumes NeedsRotation as a hard gate on
// sensitive transfer tiers.
type KeyHealth struct {
	IdentityID        string `json:"identity_id"`
	Version           uint   `json:"version"`
	NeedsRotation     bool   `json:"needs_rotation"`
	DaysSinceRotation int    `json:"days_since_rotation"`
	Recommendation    string `json:"recommendation"`
}

// RotationResult reports an atomic key swap. Only public material.
type RotationResult struct {
	IdentityID   string `json:"identity_id"`
	OldVersion   uint   `json:"old_version"`
	NewVersion   uint   `json:"new_version"`
	NewPublicKey string `json:"new_public_key"`
}

// KeyVault owns the lifecycle of per-identity key versions. It materializes
// signing keys on demand through the derivation unit and guarantees exactly
// one active version per identity at any time.
type KeyVault struct {
	db      *gorm.DB
	deriver *KeyDeriver
	audit   *AuditLog
	policy  RotationPolicy
	logger  Logger

	// locks serializes per-identity create/rotate so a rotation cannot be
	// observed half-applied and concurrent first-callers cannot race. The
	// unique (identity_id, version) index backs this up across processes.
	locks sync.Map
}

// NewKeyVault creates a vault over the given derivation unit.
func NewKeyVault(db *gorm.DB, deriver *KeyDeriver, audit *AuditLog, policy RotationPolicy, logger Logger) *KeyVault {
	return &KeyVault{
		db:      db,
		deriver: deriver,
		audit:   audit,
		policy:  policy,
		logger:  logger.NewSystem("key-vault"),
	}
}

func (v *KeyVault) identityLock(identityID string) *sync.Mutex {
	lock, _ := v.locks.LoadOrStore(identityID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// newDerivationPath mints a fresh, never-reused derivation coordinate.
func newDerivationPath(identityID string, version uint) string {
	return fmt.Sprintf("m/reward/%s/%d/%s", identityID, version, uuid.NewString())
}

// GetActiveKey returns a signer over the identity's active key version,
// creating version 1 on first use. Idempotent under concurrent first calls:
// the loser of the insert race re-reads the winner's row.
func (v *KeyVault) GetActiveKey(ctx context.Context, identityID string) (*Signer, *KeyVersion, error) {
	if identityID == "" {
		return nil, nil, APIErrorf("identity is required")
	}

	lock := v.identityLock(identityID)
	lock.Lock()
	defer lock.Unlock()

	version, err := v.activeVersion(ctx, identityID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		version, err = v.createFirstVersion(ctx, identityID)
	}
	if err != nil {
		return nil, nil, err
	}

	signer, err := v.materialize(identityID, version)
	if err != nil {
		return nil, nil, err
	}
	return signer, version, nil
}

func (v *KeyVault) activeVersion(ctx context.Context, identityID string) (*KeyVersion, error) {
	var version KeyVersion
	err := v.db.WithContext(ctx).
		Where("identity_id = ? AND is_active = ?", identityID, true).
		First(&version).Error
	if err != nil {
		return nil, err
	}
	return &version, nil
}

func (v *KeyVault) createFirstVersion(ctx context.Context, identityID string) (*KeyVersion, error) {
	now := time.Now().UTC()
	path := newDerivationPath(identityID, 1)

	key, err := v.deriver.Derive(identityID, path)
	if err != nil {
		return nil, err
	}
	signer, err := NewSigner(key)
	if err != nil {
		return nil, err
	}

	version := &KeyVersion{
		IdentityID:     identityID,
		Version:        1,
		DerivationPath: path,
		PublicKey:      signer.PublicKeyHex(),
		Address:        signer.GetAddress().Hex(),
		IsActive:       true,
		LastRotation:   now,
	}

	err = v.db.WithContext(ctx).Create(version).Error
	if err != nil {
		// Lost a cross-process race on the (identity_id, version) unique
		// index: another node created version 1 first. Use theirs.
		existing, readErr := v.activeVersion(ctx, identityID)
		if readErr != nil {
			return nil, err
		}
		return existing, nil
	}

	v.logger.Info("created first key version", "identity", identityID, "address", version.Address)
	if err := v.audit.Record(ctx, identityID, EventKeyCreated, map[string]any{
		"version":    version.Version,
		"public_key": version.PublicKey,
		"address":    version.Address,
	}); err != nil {
		v.logger.Error("failed to record key_created event", "identity", identityID, "error", err)
	}

	return version, nil
}

func (v *KeyVault) materialize(identityID string, version *KeyVersion) (*Signer, error) {
	key, err := v.deriver.Derive(identityID, version.DerivationPath)
	if err != nil {
		return nil, err
	}
	return NewSigner(key)
}

// Rotate deactivates the identity's current key version and activates
// version N+1 with a fresh derivation path, as a single atomic swap. The
// caller must already hold administrator privilege; this vault trusts the
// surrounding auth collaborator's verdict.
func (v *KeyVault) Rotate(ctx context.Context, identityID, reason string, isAdmin bool) (RotationResult, error) {
	if !isAdmin {
		return RotationResult{}, ErrAdminRequired
	}
	if identityID == "" {
		return RotationResult{}, APIErrorf("identity is required")
	}

	lock := v.identityLock(identityID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	var oldVersion KeyVersion
	var newVersion KeyVersion

	err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("identity_id = ? AND is_active = ?", identityID, true).
			First(&oldVersion).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrKeyVersionNotFound
			}
			return err
		}

		path := newDerivationPath(identityID, oldVersion.Version+1)
		key, err := v.deriver.Derive(identityID, path)
		if err != nil {
			return err
		}
		signer, err := NewSigner(key)
		if err != nil {
			return err
		}

		if err := tx.Model(&KeyVersion{}).
			Where("id = ? AND is_active = ?", oldVersion.ID, true).
			Updates(map[string]any{"is_active": false, "rotated_at": now}).Error; err != nil {
			return err
		}

		newVersion = KeyVersion{
			IdentityID:     identityID,
			Version:        oldVersion.Version + 1,
			DerivationPath: path,
			PublicKey:      signer.PublicKeyHex(),
			Address:        signer.GetAddress().Hex(),
			IsActive:       true,
			LastRotation:   now,
		}
		if err := tx.Create(&newVersion).Error; err != nil {
			return err
		}

		return v.audit.RecordInTx(tx, identityID, EventKeyRotated, map[string]any{
			"old_version":    oldVersion.Version,
			"old_public_key": oldVersion.PublicKey,
			"new_version":    newVersion.Version,
			"new_public_key": newVersion.PublicKey,
			"reason":         reason,
		})
	})
	if err != nil {
		return RotationResult{}, err
	}

	v.logger.Info("rotated key", "identity", identityID,
		"oldVersion", oldVersion.Version, "newVersion", newVersion.Version, "reason", reason)

	return RotationResult{
		IdentityID:   identityID,
		OldVersion:   oldVersion.Version,
		NewVersion:   newVersion.Version,
		NewPublicKey: newVersion.PublicKey,
	}, nil
}

// CheckHealth computes the active key's age against the rotation policy.
// Creates version 1 implicitly if the identity has no key yet.
func (v *KeyVault) CheckHealth(ctx context.Context, identityID string) (KeyHealth, error) {
	_, version, err := v.GetActiveKey(ctx, identityID)
	if err != nil {
		return KeyHealth{}, err
	}

	days := int(version.Age(time.Now().UTC()).Hours() / 24)

	recommendation := HealthHealthy
	switch {
	case days > v.policy.RequiredAfterDays:
		recommendation = HealthRotationRequired
	case days > v.policy.RecommendedAfterDays:
		recommendation = HealthRotationRecommended
	case days > v.policy.MonitorAfterDays:
		recommendation = HealthMonitor
	}

	return KeyHealth{
		IdentityID:        identityID,
		Version:           version.Version,
		NeedsRotation:     recommendation == HealthRotationRequired,
		DaysSinceRotation: days,
		Recommendation:    recommendation,
	}, nil
}

// GetVersionHistory lists every key version for an identity, newest first.
// Deactivated versions are retained for audit.
func (v *KeyVault) GetVersionHistory(ctx context.Context, identityID string) ([]KeyVersion, error) {
	var versions []KeyVersion
	err := v.db.WithContext(ctx).
		Where("identity_id = ?", identityID).
		Order("version DESC").
		Find(&versions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list key versions for %s: %w", identityID, err)
	}
	return versions, nil
}
