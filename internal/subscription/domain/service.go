package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type CreatePlanRequest struct {
	TenantID     string `json:"tenant_id"`
	Name         string `json:"name"`
	QuotaBytes   *int64 `json:"quota_bytes,omitempty"`
	DurationDays int    `json:"duration_days"`
}

type CreateSubscriptionRequest struct {
	TenantID           string     `json:"tenant_id"`
	UserID             string     `json:"user_id"`
	PlanID             string     `json:"plan_id,omitempty"`
	QuotaBytesOverride *int64     `json:"quota_bytes_override,omitempty"`
	ExpiryAt           *time.Time `json:"expiry_at,omitempty"`
}

// UpdateTermsRequest changes plan, override or expiry. A nil field is left as is;
// ClearOverride and ClearExpiry remove the value instead.
type UpdateTermsRequest struct {
	SubscriptionID     string     `json:"-"`
	ExpectedVersion    *int64     `json:"version,omitempty"`
	PlanID             *string    `json:"plan_id,omitempty"`
	QuotaBytesOverride *int64     `json:"quota_bytes_override,omitempty"`
	ClearOverride      bool       `json:"clear_override,omitempty"`
	ExpiryAt           *time.Time `json:"expiry_at,omitempty"`
	ClearExpiry        bool       `json:"clear_expiry,omitempty"`
}

type VersionedRequest struct {
	SubscriptionID  string `json:"-"`
	ExpectedVersion *int64 `json:"version,omitempty"`
}

type QuotaStatus struct {
	SubscriptionID      string     `json:"subscription_id"`
	UserID              string     `json:"user_id"`
	Active              bool       `json:"active"`
	ConsumedBytes       uint64     `json:"consumed_bytes"`
	QuotaBytes          *uint64    `json:"quota_bytes,omitempty"`
	RemainingBytes      *uint64    `json:"remaining_bytes,omitempty"`
	ExpiryAt            *time.Time `json:"expiry_at,omitempty"`
	LastAppliedBucket   *time.Time `json:"last_applied_bucket,omitempty"`
	LastAppliedChangeID string     `json:"last_applied_change_id"`
	DeactivationReason  *string    `json:"deactivation_reason,omitempty"`
	Version             int64      `json:"version"`
}

type Service interface {
	CreatePlan(context.Context, CreatePlanRequest) (Plan, error)
	Create(context.Context, CreateSubscriptionRequest) (Subscription, error)
	GetByID(context.Context, string) (Subscription, error)
	GetActiveByUserID(context.Context, uuid.UUID) (Subscription, error)
	ActiveByUserIDs(context.Context, []uuid.UUID) (map[uuid.UUID]Subscription, error)
	QuotaStatus(context.Context, string) (QuotaStatus, error)

	UpdateTerms(context.Context, UpdateTermsRequest) (Subscription, error)
	Reactivate(context.Context, VersionedRequest) (Subscription, error)
	ResetConsumption(context.Context, VersionedRequest) (Subscription, error)
	Delete(context.Context, VersionedRequest) error
}

var (
	ErrInvalidTenant             = errors.New("invalid_tenant")
	ErrInvalidUser               = errors.New("invalid_user")
	ErrInvalidPlan               = errors.New("invalid_plan")
	ErrInvalidName               = errors.New("invalid_name")
	ErrInvalidQuota              = errors.New("invalid_quota")
	ErrInvalidDuration           = errors.New("invalid_duration")
	ErrInvalidSubscription       = errors.New("invalid_subscription")
	ErrPlanNotFound              = errors.New("plan_not_found")
	ErrSubscriptionNotFound      = errors.New("subscription_not_found")
	ErrSubscriptionDeleted       = errors.New("subscription_deleted")
	ErrActiveSubscriptionExists  = errors.New("active_subscription_exists")
	ErrVersionMismatch           = errors.New("version_mismatch")
	ErrConcurrencyConflict       = errors.New("concurrency_conflict")
	ErrSubscriptionAlreadyActive = errors.New("subscription_already_active")
)
