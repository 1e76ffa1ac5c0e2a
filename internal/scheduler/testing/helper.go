// Package testing moves accounting state through time so scheduler jobs can
// be exercised without waiting for real hours or days to pass.
package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	rollupdomain "github.com/smallbiznis/tunnelgate/internal/rollup/domain"
	"gorm.io/gorm"
)

// TimeAccelerator rewrites timestamps that jobs compare against the clock.
type TimeAccelerator struct {
	db *gorm.DB
}

func NewTimeAccelerator(db *gorm.DB) *TimeAccelerator {
	return &TimeAccelerator{db: db}
}

// ExpireSubscription moves expiry_at to just before now.
func (ta *TimeAccelerator) ExpireSubscription(ctx context.Context, subscriptionID snowflake.ID, now time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET expiry_at = ?, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		now.Add(-time.Minute),
		now,
		subscriptionID,
	).Error
}

// ExpireAllActive expires every active subscription and reports how many moved.
func (ta *TimeAccelerator) ExpireAllActive(ctx context.Context, now time.Time) (int64, error) {
	result := ta.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET expiry_at = ?, updated_at = ?
		 WHERE active = ? AND deleted_at IS NULL`,
		now.Add(-time.Minute),
		now,
		true,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// RewindWatermark sets the hourly watermark so the next rollup refolds from
// there. A nil watermark makes the next run start at the oldest event.
func (ta *TimeAccelerator) RewindWatermark(ctx context.Context, to *time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE traffic_rollup_watermarks SET watermark_time = ? WHERE name = ?`,
		to,
		rollupdomain.HourlyWatermark,
	).Error
}

// PendingBuckets counts rollup rows still carrying an undrained delta.
func (ta *TimeAccelerator) PendingBuckets(ctx context.Context) (int64, error) {
	var count int64
	err := ta.db.WithContext(ctx).
		Model(&rollupdomain.Bucket{}).
		Where("pending_up > 0 OR pending_down > 0").
		Count(&count).Error
	return count, err
}

// StagePending writes a pending delta onto a bucket as if its drain had failed.
func (ta *TimeAccelerator) StagePending(ctx context.Context, bucketID snowflake.ID, up, down uint64) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE traffic_rollups_hourly SET pending_up = ?, pending_down = ? WHERE id = ?`,
		up,
		down,
		bucketID,
	).Error
}
