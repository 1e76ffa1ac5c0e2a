package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tunnelgate/internal/rollup/domain"
	"github.com/smallbiznis/tunnelgate/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) EnsureWatermark(ctx context.Context, conn *gorm.DB, name string, now time.Time) error {
	return conn.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&domain.Watermark{Name: name, UpdatedAt: now.UTC()}).Error
}

// LockWatermark reads the watermark row, holding a row lock until the transaction ends.
func (r *repo) LockWatermark(ctx context.Context, conn *gorm.DB, name string) (*domain.Watermark, error) {
	stmt := forUpdate(conn.WithContext(ctx))
	var rows []domain.Watermark
	if err := stmt.Where("name = ?", name).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) GetWatermark(ctx context.Context, conn *gorm.DB, name string) (*domain.Watermark, error) {
	var rows []domain.Watermark
	if err := conn.WithContext(ctx).Where("name = ?", name).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// AdvanceWatermark never moves the watermark backwards.
func (r *repo) AdvanceWatermark(ctx context.Context, conn *gorm.DB, name string, to time.Time, now time.Time) error {
	return conn.WithContext(ctx).
		Model(&domain.Watermark{}).
		Where("name = ? AND (watermark_time IS NULL OR watermark_time < ?)", name, to.UTC()).
		Updates(map[string]any{
			"watermark_time": to.UTC(),
			"updated_at":     now.UTC(),
		}).Error
}

// SaveProgress stores the change id sequence and the refold cursor of a run.
func (r *repo) SaveProgress(ctx context.Context, conn *gorm.DB, name string, lastChangeID int64, refoldCursor time.Time, now time.Time) error {
	return conn.WithContext(ctx).
		Model(&domain.Watermark{}).
		Where("name = ?", name).
		Updates(map[string]any{
			"last_change_id": lastChangeID,
			"refold_cursor":  refoldCursor.UTC(),
			"updated_at":     now.UTC(),
		}).Error
}

// LockBuckets returns the buckets starting in [from, to), locked against
// concurrent drains until the transaction ends.
func (r *repo) LockBuckets(ctx context.Context, conn *gorm.DB, from, to time.Time) ([]domain.Bucket, error) {
	var buckets []domain.Bucket
	err := forUpdate(conn.WithContext(ctx)).
		Where("bucket_start >= ? AND bucket_start < ?", from.UTC(), to.UTC()).
		Order("bucket_start ASC, subscription_id ASC, user_id ASC").
		Find(&buckets).Error
	if err != nil {
		return nil, err
	}
	return buckets, nil
}

func (r *repo) InsertBucket(ctx context.Context, conn *gorm.DB, bucket *domain.Bucket) error {
	return conn.WithContext(ctx).Create(bucket).Error
}

// LockBucket re-reads one bucket under a row lock.
func (r *repo) LockBucket(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Bucket, error) {
	var rows []domain.Bucket
	if err := forUpdate(conn.WithContext(ctx)).Where("id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// UpdateBucket replaces the totals of a bucket and adds addUp/addDown to its
// pending amounts. Pending is never overwritten, so a drain that committed
// after the bucket was read keeps its acknowledgement.
func (r *repo) UpdateBucket(ctx context.Context, conn *gorm.DB, bucket *domain.Bucket, addUp, addDown uint64) error {
	return conn.WithContext(ctx).
		Model(&domain.Bucket{}).
		Where("id = ?", bucket.ID).
		Updates(map[string]any{
			"tenant_id":    bucket.TenantID,
			"node_id":      bucket.NodeID,
			"bytes_up":     bucket.BytesUp,
			"bytes_down":   bucket.BytesDown,
			"event_count":  bucket.EventCount,
			"change_id":    bucket.ChangeID,
			"pending_up":   gorm.Expr("pending_up + ?", addUp),
			"pending_down": gorm.Expr("pending_down + ?", addDown),
			"updated_at":   bucket.UpdatedAt,
		}).Error
}

func (r *repo) SumByUser(ctx context.Context, conn *gorm.DB, from, to time.Time, userID string) ([]domain.UserSum, error) {
	stmt := conn.WithContext(ctx).
		Model(&domain.Bucket{}).
		Select("user_id, COALESCE(SUM(bytes_up), 0) AS total_up, COALESCE(SUM(bytes_down), 0) AS total_down").
		Where("bucket_start >= ? AND bucket_start < ?", from.UTC(), to.UTC()).
		Where("user_id <> ''")
	if userID != "" {
		stmt = stmt.Where("user_id = ?", userID)
	}
	var sums []domain.UserSum
	if err := stmt.Group("user_id").Order("user_id").Scan(&sums).Error; err != nil {
		return nil, err
	}
	return sums, nil
}

func (r *repo) ListPending(ctx context.Context, conn *gorm.DB, limit int) ([]domain.Bucket, error) {
	var buckets []domain.Bucket
	err := conn.WithContext(ctx).
		Where("pending_up > 0 OR pending_down > 0").
		Order("change_id ASC").
		Limit(limit).
		Find(&buckets).Error
	if err != nil {
		return nil, err
	}
	return buckets, nil
}

func (r *repo) SubtractPending(ctx context.Context, conn *gorm.DB, id snowflake.ID, up, down uint64) error {
	return subtractPending(conn.WithContext(ctx).Model(&domain.Bucket{}).Where("id = ?", id), up, down)
}

func subtractPending(stmt *gorm.DB, up, down uint64) error {
	return stmt.Updates(map[string]any{
		"pending_up":   gorm.Expr("CASE WHEN pending_up > ? THEN pending_up - ? ELSE 0 END", up, up),
		"pending_down": gorm.Expr("CASE WHEN pending_down > ? THEN pending_down - ? ELSE 0 END", down, down),
	}).Error
}

func forUpdate(stmt *gorm.DB) *gorm.DB {
	if db.SupportsRowLocks(stmt) {
		return stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return stmt
}
