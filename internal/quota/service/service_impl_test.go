package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/smallbiznis/tunnelgate/internal/clock"
	"github.com/smallbiznis/tunnelgate/internal/config"
	"github.com/smallbiznis/tunnelgate/internal/migration"
	"github.com/smallbiznis/tunnelgate/internal/quota/domain"
	rollupdomain "github.com/smallbiznis/tunnelgate/internal/rollup/domain"
	rolluprepository "github.com/smallbiznis/tunnelgate/internal/rollup/repository"
	subscriptiondomain "github.com/smallbiznis/tunnelgate/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/tunnelgate/internal/subscription/repository"
	"github.com/smallbiznis/tunnelgate/pkg/counter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

type quotaFixture struct {
	svc   *Service
	db    *gorm.DB
	clock *clock.FakeClock
	subs  subscriptiondomain.Repository
}

func setupQuotaService(t *testing.T) quotaFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.AutoMigrate(db))

	// One connection keeps concurrent ledger writers from tripping sqlite table locks.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	fake := clock.NewFakeClock(testNow)
	subs := subscriptionrepository.Provide()
	svc := NewService(Params{
		DB:            db,
		Log:           zap.NewNop(),
		Clock:         fake,
		Config:        config.NewStaticAccountingConfig(config.DefaultAccountingConfig()),
		Subscriptions: subs,
		Rollups:       rolluprepository.Provide(),
	})
	return quotaFixture{svc: svc, db: db, clock: fake, subs: subs}
}

type subOption func(*subscriptiondomain.Subscription)

func withQuota(v int64) subOption {
	return func(s *subscriptiondomain.Subscription) { s.QuotaBytesOverride = &v }
}

func withConsumed(v uint64) subOption {
	return func(s *subscriptiondomain.Subscription) { s.ConsumedBytes = v }
}

func withExpiry(t time.Time) subOption {
	return func(s *subscriptiondomain.Subscription) { s.ExpiryAt = &t }
}

func (f quotaFixture) createSubscription(t *testing.T, id snowflake.ID, opts ...subOption) subscriptiondomain.Subscription {
	t.Helper()
	sub := subscriptiondomain.Subscription{
		ID:        id,
		TenantID:  uuid.New(),
		UserID:    uuid.New(),
		Active:    true,
		Version:   1,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	for _, opt := range opts {
		opt(&sub)
	}
	require.NoError(t, f.subs.Insert(context.Background(), f.db, &sub))
	return sub
}

func (f quotaFixture) load(t *testing.T, id snowflake.ID) subscriptiondomain.Subscription {
	t.Helper()
	sub, err := f.subs.FindByID(context.Background(), f.db, id)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return *sub
}

func TestApplyDeltaExhaustsQuota(t *testing.T) {
	f := setupQuotaService(t)
	ctx := context.Background()
	sub := f.createSubscription(t, 100, withQuota(1000), withConsumed(900))
	hour := testNow.Truncate(time.Hour)

	res, err := f.svc.ApplyDelta(ctx, domain.Delta{SubscriptionID: sub.ID, BucketStart: hour, ChangeID: 1, BytesUp: 50})
	require.NoError(t, err)
	assert.Equal(t, domain.Result{ConsumedBytes: 950, Active: true, Applied: true}, res)

	res, err = f.svc.ApplyDelta(ctx, domain.Delta{SubscriptionID: sub.ID, BucketStart: hour, ChangeID: 2, BytesDown: 60})
	require.NoError(t, err)
	assert.Equal(t, domain.Result{ConsumedBytes: 1010, Active: false, Applied: true}, res)

	stored := f.load(t, sub.ID)
	assert.Equal(t, uint64(1010), stored.ConsumedBytes)
	assert.False(t, stored.Active)
	require.NotNil(t, stored.DeactivationReason)
	assert.Equal(t, domain.ReasonQuotaExhausted, *stored.DeactivationReason)
	assert.NotNil(t, stored.DeactivatedAt)
	assert.Equal(t, int64(2), stored.LastAppliedChangeID)
	assert.Equal(t, int64(3), stored.Version)

	// Consumption keeps counting after deactivation.
	res, err = f.svc.ApplyDelta(ctx, domain.Delta{SubscriptionID: sub.ID, BucketStart: hour, ChangeID: 3, BytesUp: 5})
	require.NoError(t, err)
	assert.Equal(t, domain.Result{ConsumedBytes: 1015, Active: false, Applied: true}, res)
}

func TestApplyDeltaIgnoresRedelivery(t *testing.T) {
	f := setupQuotaService(t)
	ctx := context.Background()
	sub := f.createSubscription(t, 101)
	delta := domain.Delta{SubscriptionID: sub.ID, BucketStart: testNow.Truncate(time.Hour), ChangeID: 7, BytesUp: 10, BytesDown: 20}

	first, err := f.svc.ApplyDelta(ctx, delta)
	require.NoError(t, err)
	require.True(t, first.Applied)

	again, err := f.svc.ApplyDelta(ctx, delta)
	require.NoError(t, err)
	assert.Equal(t, domain.Result{ConsumedBytes: 30, Active: true, Applied: false}, again)

	older := delta
	older.ChangeID = 3
	stale, err := f.svc.ApplyDelta(ctx, older)
	require.NoError(t, err)
	assert.False(t, stale.Applied)
	assert.Equal(t, uint64(30), f.load(t, sub.ID).ConsumedBytes)
}

func TestApplyDeltaConcurrentRedeliveryAppliesOnce(t *testing.T) {
	f := setupQuotaService(t)
	ctx := context.Background()
	sub := f.createSubscription(t, 102)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.ApplyDelta(ctx, domain.Delta{
				SubscriptionID: sub.ID,
				BucketStart:    testNow.Truncate(time.Hour),
				ChangeID:       42,
				BytesUp:        100,
			})
			assert.NoError(t, err)
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	stored := f.load(t, sub.ID)
	assert.Equal(t, uint64(100), stored.ConsumedBytes)
	assert.Equal(t, int64(2), stored.Version)
}

func TestApplyDeltaOverflowLeavesRowUntouched(t *testing.T) {
	f := setupQuotaService(t)
	sub := f.createSubscription(t, 103, withConsumed(counter.Ceiling-10))

	_, err := f.svc.ApplyDelta(context.Background(), domain.Delta{
		SubscriptionID: sub.ID,
		BucketStart:    testNow.Truncate(time.Hour),
		ChangeID:       1,
		BytesUp:        11,
	})
	require.ErrorIs(t, err, domain.ErrOverflow)

	stored := f.load(t, sub.ID)
	assert.Equal(t, counter.Ceiling-10, stored.ConsumedBytes)
	assert.Zero(t, stored.LastAppliedChangeID)
}

func TestApplyDeltaValidation(t *testing.T) {
	f := setupQuotaService(t)
	ctx := context.Background()

	_, err := f.svc.ApplyDelta(ctx, domain.Delta{ChangeID: 1})
	require.ErrorIs(t, err, domain.ErrInvalidDelta)

	_, err = f.svc.ApplyDelta(ctx, domain.Delta{SubscriptionID: 999, ChangeID: 1})
	require.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}

func TestExpireDue(t *testing.T) {
	f := setupQuotaService(t)
	ctx := context.Background()

	due := f.createSubscription(t, 200, withExpiry(testNow.Add(-time.Hour)))
	later := f.createSubscription(t, 201, withExpiry(testNow.Add(time.Hour)))
	unlimited := f.createSubscription(t, 202)

	result, err := f.svc.ExpireDue(ctx, testNow, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)

	expired := f.load(t, due.ID)
	assert.False(t, expired.Active)
	require.NotNil(t, expired.DeactivationReason)
	assert.Equal(t, domain.ReasonExpired, *expired.DeactivationReason)
	assert.True(t, f.load(t, later.ID).Active)
	assert.True(t, f.load(t, unlimited.ID).Active)

	again, err := f.svc.ExpireDue(ctx, testNow, 0)
	require.NoError(t, err)
	assert.Zero(t, again.Expired)
}

func insertPendingBucket(t *testing.T, db *gorm.DB, id snowflake.ID, changeID int64, subscriptionID snowflake.ID, up, down uint64) {
	t.Helper()
	start := testNow.Truncate(time.Hour).Add(-time.Duration(id%24) * time.Hour)
	require.NoError(t, rolluprepository.Provide().InsertBucket(context.Background(), db, &rollupdomain.Bucket{
		ID:             id,
		Day:            time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC),
		BucketStart:    start,
		SubscriptionID: subscriptionID,
		UserID:         uuid.NewString(),
		BytesUp:        up,
		BytesDown:      down,
		EventCount:     1,
		ChangeID:       changeID,
		PendingUp:      up,
		PendingDown:    down,
		UpdatedAt:      testNow,
	}))
}

func TestProcessPendingDrainsInChangeOrder(t *testing.T) {
	f := setupQuotaService(t)
	ctx := context.Background()

	sub := f.createSubscription(t, 300, withQuota(1000), withConsumed(900))
	gone := f.createSubscription(t, 301)
	require.NoError(t, f.db.Exec(`UPDATE subscriptions SET deleted_at = ? WHERE id = ?`, testNow, gone.ID).Error)

	insertPendingBucket(t, f.db, 1, 11, sub.ID, 50, 0)
	insertPendingBucket(t, f.db, 2, 12, sub.ID, 0, 60)
	insertPendingBucket(t, f.db, 3, 13, gone.ID, 10, 10)
	insertPendingBucket(t, f.db, 4, 14, 999, 1, 1)

	result, err := f.svc.ProcessPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, rollupdomain.PendingResult{Applied: 2, Dropped: 2}, result)

	stored := f.load(t, sub.ID)
	assert.Equal(t, uint64(1010), stored.ConsumedBytes)
	assert.False(t, stored.Active)
	assert.Equal(t, int64(12), stored.LastAppliedChangeID)

	var left int64
	require.NoError(t, f.db.Model(&rollupdomain.Bucket{}).Where("pending_up > 0 OR pending_down > 0").Count(&left).Error)
	assert.Zero(t, left)

	again, err := f.svc.ProcessPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, rollupdomain.PendingResult{}, again)
}

func TestProcessPendingClearsAlreadyAppliedDelta(t *testing.T) {
	f := setupQuotaService(t)
	ctx := context.Background()

	sub := f.createSubscription(t, 400, withConsumed(70))
	require.NoError(t, f.db.Exec(`UPDATE subscriptions SET last_applied_change_id = ? WHERE id = ?`, 20, sub.ID).Error)
	insertPendingBucket(t, f.db, 5, 20, sub.ID, 30, 40)

	result, err := f.svc.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, rollupdomain.PendingResult{Duplicates: 1}, result)
	assert.Equal(t, uint64(70), f.load(t, sub.ID).ConsumedBytes)

	var bucket rollupdomain.Bucket
	require.NoError(t, f.db.First(&bucket, "id = ?", 5).Error)
	assert.False(t, bucket.HasPending())
}

func TestDrainBucketReReadsLockedRow(t *testing.T) {
	f := setupQuotaService(t)
	ctx := context.Background()

	sub := f.createSubscription(t, 500)
	insertPendingBucket(t, f.db, 6, 31, sub.ID, 25, 5)

	outcome, err := f.svc.drainBucket(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, drainApplied, outcome)

	// A second drain of the same bucket sees the acknowledged row.
	outcome, err = f.svc.drainBucket(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, drainSkipped, outcome)
	assert.Equal(t, uint64(30), f.load(t, sub.ID).ConsumedBytes)

	outcome, err = f.svc.drainBucket(ctx, 12345)
	require.NoError(t, err)
	assert.Equal(t, drainSkipped, outcome)
}
