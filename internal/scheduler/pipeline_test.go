package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/smallbiznis/tunnelgate/internal/clock"
	"github.com/smallbiznis/tunnelgate/internal/config"
	"github.com/smallbiznis/tunnelgate/internal/migration"
	"github.com/smallbiznis/tunnelgate/internal/noderegistry"
	partitionrepository "github.com/smallbiznis/tunnelgate/internal/partition/repository"
	partitionservice "github.com/smallbiznis/tunnelgate/internal/partition/service"
	quotaservice "github.com/smallbiznis/tunnelgate/internal/quota/service"
	rollupdomain "github.com/smallbiznis/tunnelgate/internal/rollup/domain"
	rolluprepository "github.com/smallbiznis/tunnelgate/internal/rollup/repository"
	rollupservice "github.com/smallbiznis/tunnelgate/internal/rollup/service"
	schedtesting "github.com/smallbiznis/tunnelgate/internal/scheduler/testing"
	subscriptiondomain "github.com/smallbiznis/tunnelgate/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/tunnelgate/internal/subscription/repository"
	trafficdomain "github.com/smallbiznis/tunnelgate/internal/traffic/domain"
	trafficrepository "github.com/smallbiznis/tunnelgate/internal/traffic/repository"
	trafficservice "github.com/smallbiznis/tunnelgate/internal/traffic/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var pipelineDay = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func clockAt(hour, minute int) time.Time {
	return pipelineDay.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

type pipeline struct {
	sched   *Scheduler
	db      *gorm.DB
	clock   *clock.FakeClock
	traffic trafficdomain.Service
	subs    subscriptiondomain.Repository
	accel   *schedtesting.TimeAccelerator
}

func setupPipeline(t *testing.T) pipeline {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.AutoMigrate(db))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	log := zap.NewNop()
	cfg := config.DefaultAccountingConfig()
	cfg.HorizonDays = 2
	holder := config.NewStaticAccountingConfig(cfg)
	fake := clock.NewFakeClock(clockAt(8, 30))
	subs := subscriptionrepository.Provide()
	rollups := rolluprepository.Provide()

	partitions := partitionservice.NewService(partitionservice.Params{
		DB: db, Log: log, GenID: node, Repo: partitionrepository.Provide(), Config: holder,
	})
	traffic := trafficservice.NewService(trafficservice.Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      fake,
		Repo:       trafficrepository.Provide(),
		Config:     holder,
		Partitions: partitions,
		Nodes:      noderegistry.AllowAll{},
	})
	ledger := quotaservice.NewService(quotaservice.Params{
		DB:            db,
		Log:           log,
		Clock:         fake,
		Config:        holder,
		Subscriptions: subs,
		Rollups:       rollups,
	})
	rollupSvc := rollupservice.NewService(rollupservice.Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      fake,
		Repo:       rollups,
		Config:     holder,
		Traffic:    traffic,
		Partitions: partitions,
		Pending:    ledger,
	})

	sched, err := New(Params{
		Log:        log,
		GenID:      node,
		Clock:      fake,
		Partitions: partitions,
		Rollups:    rollupSvc,
		Pending:    ledger,
		Quota:      ledger,
	})
	require.NoError(t, err)

	return pipeline{
		sched:   sched,
		db:      db,
		clock:   fake,
		traffic: traffic,
		subs:    subs,
		accel:   schedtesting.NewTimeAccelerator(db),
	}
}

func (p pipeline) subscription(t *testing.T, userID uuid.UUID, quota int64) snowflake.ID {
	t.Helper()
	id := snowflake.ID(7001)
	require.NoError(t, p.subs.Insert(context.Background(), p.db, &subscriptiondomain.Subscription{
		ID:                 id,
		TenantID:           uuid.New(),
		UserID:             userID,
		QuotaBytesOverride: &quota,
		Active:             true,
		Version:            1,
		CreatedAt:          p.clock.Now(),
		UpdatedAt:          p.clock.Now(),
	}))
	return id
}

func (p pipeline) send(t *testing.T, when time.Time, userID uuid.UUID, subID snowflake.ID, up, down int64) {
	t.Helper()
	res, err := p.traffic.Append(context.Background(), []trafficdomain.NewEvent{{
		EventTime:      when,
		UserID:         &userID,
		SubscriptionID: &subID,
		BytesUp:        up,
		BytesDown:      down,
		Source:         trafficdomain.SourceCollector,
	}})
	require.NoError(t, err)
	require.Empty(t, res.Rejected)
}

func (p pipeline) load(t *testing.T, id snowflake.ID) subscriptiondomain.Subscription {
	t.Helper()
	sub, err := p.subs.FindByID(context.Background(), p.db, id)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return *sub
}

func TestPipelineExhaustsQuotaAcrossTicks(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()
	userID := uuid.New()

	// First tick has nothing to fold but lays out partitions.
	require.NoError(t, p.sched.RunOnce(ctx))
	subID := p.subscription(t, userID, 1000)

	p.send(t, clockAt(8, 5), userID, subID, 300, 300)
	p.send(t, clockAt(8, 25), userID, subID, 100, 50)

	p.clock.Set(clockAt(9, 1))
	require.NoError(t, p.sched.RunOnce(ctx))
	sub := p.load(t, subID)
	assert.Equal(t, uint64(750), sub.ConsumedBytes)
	assert.True(t, sub.Active)

	p.clock.Set(clockAt(9, 45))
	p.send(t, clockAt(9, 30), userID, subID, 200, 100)
	p.clock.Set(clockAt(10, 2))
	require.NoError(t, p.sched.RunOnce(ctx))

	sub = p.load(t, subID)
	assert.Equal(t, uint64(1050), sub.ConsumedBytes)
	assert.False(t, sub.Active)
	require.NotNil(t, sub.DeactivationReason)
	assert.Equal(t, subscriptiondomain.DeactivationQuotaExhausted, *sub.DeactivationReason)

	pending, err := p.accel.PendingBuckets(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestPipelineExpiresSubscriptions(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.sched.RunOnce(ctx))
	subID := p.subscription(t, uuid.New(), 1<<30)
	require.NoError(t, p.accel.ExpireSubscription(ctx, subID, p.clock.Now()))

	res, err := p.sched.ExpireSubscriptions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	sub := p.load(t, subID)
	assert.False(t, sub.Active)
	require.NotNil(t, sub.DeactivationReason)
	assert.Equal(t, subscriptiondomain.DeactivationExpired, *sub.DeactivationReason)
}

func TestPipelineDrainClearsRedeliveredDelta(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, p.sched.RunOnce(ctx))
	subID := p.subscription(t, userID, 1<<30)
	p.send(t, clockAt(8, 10), userID, subID, 40, 60)

	p.clock.Set(clockAt(9, 5))
	_, err := p.sched.Rollup(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), p.load(t, subID).ConsumedBytes)

	var bucket rollupdomain.Bucket
	require.NoError(t, p.db.Where("subscription_id = ?", subID).First(&bucket).Error)
	require.NoError(t, p.accel.StagePending(ctx, bucket.ID, 40, 60))

	res, err := p.sched.DrainPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, uint64(100), p.load(t, subID).ConsumedBytes)

	pending, err := p.accel.PendingBuckets(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestPipelineRefoldsAfterWatermarkRewind(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, p.sched.RunOnce(ctx))
	subID := p.subscription(t, userID, 1<<30)
	p.send(t, clockAt(8, 10), userID, subID, 10, 10)

	p.clock.Set(clockAt(9, 5))
	require.NoError(t, p.sched.RunOnce(ctx))
	require.Equal(t, uint64(20), p.load(t, subID).ConsumedBytes)

	require.NoError(t, p.accel.RewindWatermark(ctx, nil))
	res, err := p.sched.Rollup(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Changed)
	assert.Equal(t, uint64(20), p.load(t, subID).ConsumedBytes)
}
