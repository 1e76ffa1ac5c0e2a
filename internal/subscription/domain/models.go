package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// Plan carries the default quota and duration of a subscription.
type Plan struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID     uuid.UUID    `gorm:"size:36;not null;index" json:"tenant_id"`
	Name         string       `gorm:"type:text;not null" json:"name"`
	QuotaBytes   *int64       `json:"quota_bytes,omitempty"`
	DurationDays int          `gorm:"not null" json:"duration_days"`
	CreatedAt    time.Time    `gorm:"not null" json:"created_at"`
}

func (Plan) TableName() string { return "plans" }

// Subscription is a user's entitlement to transfer bytes.
// ConsumedBytes, Active and the LastApplied fields belong to the quota ledger.
type Subscription struct {
	ID                  snowflake.ID  `gorm:"primaryKey" json:"id"`
	TenantID            uuid.UUID     `gorm:"size:36;not null;index" json:"tenant_id"`
	UserID              uuid.UUID     `gorm:"size:36;not null;index" json:"user_id"`
	PlanID              *snowflake.ID `gorm:"index" json:"plan_id,omitempty"`
	QuotaBytesOverride  *int64        `json:"quota_bytes_override,omitempty"`
	ConsumedBytes       uint64        `gorm:"not null" json:"consumed_bytes"`
	ExpiryAt            *time.Time    `json:"expiry_at,omitempty"`
	Active              bool          `gorm:"not null" json:"active"`
	Version             int64         `gorm:"not null" json:"version"`
	LastAppliedBucket   *time.Time    `json:"last_applied_bucket,omitempty"`
	LastAppliedChangeID int64         `gorm:"not null" json:"last_applied_change_id"`
	DeactivatedAt       *time.Time    `json:"deactivated_at,omitempty"`
	DeactivationReason  *string       `gorm:"type:text" json:"deactivation_reason,omitempty"`
	DeletedAt           *time.Time    `gorm:"index" json:"deleted_at,omitempty"`
	CreatedAt           time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time     `gorm:"not null" json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// QuotaView is a subscription joined with its plan quota.
type QuotaView struct {
	Subscription
	PlanQuotaBytes *int64 `gorm:"column:plan_quota_bytes"`
}

// EffectiveQuota returns the override, else the plan quota, else nil (unlimited).
func EffectiveQuota(override, planQuota *int64) *uint64 {
	pick := override
	if pick == nil {
		pick = planQuota
	}
	if pick == nil {
		return nil
	}
	value := uint64(0)
	if *pick > 0 {
		value = uint64(*pick)
	}
	return &value
}

func (v QuotaView) EffectiveQuota() *uint64 {
	return EffectiveQuota(v.QuotaBytesOverride, v.PlanQuotaBytes)
}

// RemainingBytes is nil for unlimited subscriptions.
func (v QuotaView) RemainingBytes() *uint64 {
	quota := v.EffectiveQuota()
	if quota == nil {
		return nil
	}
	remaining := uint64(0)
	if *quota > v.ConsumedBytes {
		remaining = *quota - v.ConsumedBytes
	}
	return &remaining
}

const (
	DeactivationQuotaExhausted = "quota_exhausted"
	DeactivationExpired        = "expired"
)
