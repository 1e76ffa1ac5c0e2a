package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/smallbiznis/tunnelgate/internal/migration"
	"github.com/smallbiznis/tunnelgate/internal/rollup/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var hour = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func setupRollupRepo(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.AutoMigrate(conn))
	return conn
}

func loadBucket(t *testing.T, conn *gorm.DB, id int64) domain.Bucket {
	t.Helper()
	var bucket domain.Bucket
	require.NoError(t, conn.First(&bucket, "id = ?", id).Error)
	return bucket
}

func TestUpdateBucketAddsToPending(t *testing.T) {
	conn := setupRollupRepo(t)
	r := Provide()
	ctx := context.Background()

	stale := domain.Bucket{
		ID:             1,
		Day:            time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		BucketStart:    hour,
		SubscriptionID: 77,
		UserID:         uuid.NewString(),
		BytesUp:        100,
		BytesDown:      10,
		EventCount:     2,
		ChangeID:       1,
		PendingUp:      100,
		PendingDown:    10,
		UpdatedAt:      hour,
	}
	require.NoError(t, r.InsertBucket(ctx, conn, &stale))

	// A drain acknowledges the staged amounts after the fold read the row.
	require.NoError(t, r.SubtractPending(ctx, conn, stale.ID, 100, 10))

	stale.BytesUp, stale.BytesDown, stale.EventCount, stale.ChangeID = 130, 10, 3, 2
	require.NoError(t, r.UpdateBucket(ctx, conn, &stale, 30, 0))

	got := loadBucket(t, conn, 1)
	assert.Equal(t, uint64(130), got.BytesUp)
	assert.Equal(t, uint64(3), got.EventCount)
	assert.Equal(t, int64(2), got.ChangeID)
	assert.Equal(t, uint64(30), got.PendingUp, "acknowledged bytes must not be staged twice")
	assert.Zero(t, got.PendingDown)

	// Without a drain in between the new delta stacks on the old one.
	stale.BytesUp, stale.ChangeID = 135, 3
	require.NoError(t, r.UpdateBucket(ctx, conn, &stale, 5, 0))
	assert.Equal(t, uint64(35), loadBucket(t, conn, 1).PendingUp)
}

func TestSubtractPendingNeverGoesNegative(t *testing.T) {
	conn := setupRollupRepo(t)
	r := Provide()
	ctx := context.Background()

	require.NoError(t, r.InsertBucket(ctx, conn, &domain.Bucket{
		ID: 2, Day: hour.Truncate(24 * time.Hour), BucketStart: hour, SubscriptionID: 78,
		BytesUp: 20, BytesDown: 20, EventCount: 1, ChangeID: 4, PendingUp: 20, PendingDown: 5, UpdatedAt: hour,
	}))
	require.NoError(t, r.SubtractPending(ctx, conn, 2, 15, 50))

	got := loadBucket(t, conn, 2)
	assert.Equal(t, uint64(5), got.PendingUp)
	assert.Zero(t, got.PendingDown)

	locked, err := r.LockBucket(ctx, conn, 2)
	require.NoError(t, err)
	require.NotNil(t, locked)
	assert.Equal(t, int64(4), locked.PendingDelta().ChangeID)

	missing, err := r.LockBucket(ctx, conn, 3)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSaveProgressKeepsWatermark(t *testing.T) {
	conn := setupRollupRepo(t)
	r := Provide()
	ctx := context.Background()

	require.NoError(t, r.EnsureWatermark(ctx, conn, domain.HourlyWatermark, hour))
	require.NoError(t, r.AdvanceWatermark(ctx, conn, domain.HourlyWatermark, hour, hour))
	require.NoError(t, r.SaveProgress(ctx, conn, domain.HourlyWatermark, 42, hour.Add(90*time.Minute), hour.Add(2*time.Hour)))

	wm, err := r.LockWatermark(ctx, conn, domain.HourlyWatermark)
	require.NoError(t, err)
	require.NotNil(t, wm)
	require.NotNil(t, wm.WatermarkTime)
	assert.True(t, wm.WatermarkTime.Equal(hour))
	assert.Equal(t, int64(42), wm.LastChangeID)
	require.NotNil(t, wm.RefoldCursor)
	assert.True(t, wm.RefoldCursor.Equal(hour.Add(90*time.Minute)))
}
