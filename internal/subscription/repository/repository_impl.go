package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	subscriptiondomain "github.com/smallbiznis/tunnelgate/internal/subscription/domain"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, tenant_id, user_id, plan_id, quota_bytes_override, consumed_bytes,
	 expiry_at, active, version, last_applied_bucket, last_applied_change_id, deactivated_at,
	 deactivation_reason, deleted_at, created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) InsertPlan(ctx context.Context, db *gorm.DB, plan *subscriptiondomain.Plan) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO plans (id, tenant_id, name, quota_bytes, duration_days, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		plan.ID,
		plan.TenantID,
		plan.Name,
		plan.QuotaBytes,
		plan.DurationDays,
		plan.CreatedAt,
	).Error
}

func (r *repo) FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Plan, error) {
	var plan subscriptiondomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, name, quota_bytes, duration_days, created_at
		 FROM plans WHERE id = ?`,
		id,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, s *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID,
		s.TenantID,
		s.UserID,
		s.PlanID,
		s.QuotaBytesOverride,
		s.ConsumedBytes,
		s.ExpiryAt,
		s.Active,
		s.Version,
		s.LastAppliedBucket,
		s.LastAppliedChangeID,
		s.DeactivatedAt,
		s.DeactivationReason,
		s.DeletedAt,
		s.CreatedAt,
		s.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindQuotaView(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.QuotaView, error) {
	var view subscriptiondomain.QuotaView
	err := db.WithContext(ctx).Raw(
		`SELECT s.id, s.tenant_id, s.user_id, s.plan_id, s.quota_bytes_override, s.consumed_bytes,
		 s.expiry_at, s.active, s.version, s.last_applied_bucket, s.last_applied_change_id,
		 s.deactivated_at, s.deactivation_reason, s.deleted_at, s.created_at, s.updated_at,
		 p.quota_bytes AS plan_quota_bytes
		 FROM subscriptions s
		 LEFT JOIN plans p ON p.id = s.plan_id
		 WHERE s.id = ?`,
		id,
	).Scan(&view).Error
	if err != nil {
		return nil, err
	}
	if view.ID == 0 {
		return nil, nil
	}
	return &view, nil
}

func (r *repo) FindActiveByUserID(ctx context.Context, db *gorm.DB, userID uuid.UUID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE user_id = ? AND active = ? AND deleted_at IS NULL
		 LIMIT 1`,
		userID,
		true,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) ListActiveByUserIDs(ctx context.Context, db *gorm.DB, userIDs []uuid.UUID) ([]subscriptiondomain.Subscription, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE user_id IN ? AND active = ? AND deleted_at IS NULL`,
		userIDs,
		true,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) ListByUserID(ctx context.Context, db *gorm.DB, userID uuid.UUID) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE user_id = ?
		 ORDER BY created_at ASC, id ASC`,
		userID,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) UpdateIfVersion(ctx context.Context, db *gorm.DB, id snowflake.ID, version int64, values map[string]any) (int64, error) {
	updates := make(map[string]any, len(values)+1)
	for key, value := range values {
		updates[key] = value
	}
	updates["version"] = gorm.Expr("version + 1")

	result := db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ? AND version = ? AND deleted_at IS NULL", id, version).
		Updates(updates)
	return result.RowsAffected, result.Error
}

func (r *repo) ListExpiredActive(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE active = ? AND deleted_at IS NULL AND expiry_at IS NOT NULL AND expiry_at <= ?
		 ORDER BY expiry_at ASC, id ASC
		 LIMIT ?`,
		true,
		now,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}
