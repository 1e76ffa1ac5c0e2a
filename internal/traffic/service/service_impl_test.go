package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/tunnelgate/internal/audit/domain"
	auditrepository "github.com/smallbiznis/tunnelgate/internal/audit/repository"
	auditservice "github.com/smallbiznis/tunnelgate/internal/audit/service"
	"github.com/smallbiznis/tunnelgate/internal/clock"
	"github.com/smallbiznis/tunnelgate/internal/config"
	"github.com/smallbiznis/tunnelgate/internal/migration"
	partitiondomain "github.com/smallbiznis/tunnelgate/internal/partition/domain"
	partitionrepository "github.com/smallbiznis/tunnelgate/internal/partition/repository"
	partitionservice "github.com/smallbiznis/tunnelgate/internal/partition/service"
	subscriptiondomain "github.com/smallbiznis/tunnelgate/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/tunnelgate/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/tunnelgate/internal/subscription/service"
	"github.com/smallbiznis/tunnelgate/internal/traffic/domain"
	"github.com/smallbiznis/tunnelgate/internal/traffic/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) Exists(ctx context.Context, nodeID uuid.UUID) (bool, error) {
	args := m.Called(ctx, nodeID)
	return args.Bool(0), args.Error(1)
}

type trafficFixture struct {
	svc           *Service
	db            *gorm.DB
	clock         *clock.FakeClock
	partitions    partitiondomain.Service
	subscriptions subscriptiondomain.Service
	nodes         *mockRegistry
	tenant        uuid.UUID
}

func setupTrafficService(t *testing.T, cfg config.AccountingConfig) trafficFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.AutoMigrate(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	holder := config.NewStaticAccountingConfig(cfg)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	partitions := partitionservice.NewService(partitionservice.Params{
		DB: db, Log: log, GenID: node, Repo: partitionrepository.Provide(), Config: holder,
	})
	subscriptions := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fake, Repo: subscriptionrepository.Provide(), Config: holder,
	})
	audit := auditservice.NewService(auditservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Repo: auditrepository.Provide(),
	})
	nodes := &mockRegistry{}

	svc := NewService(Params{
		DB:            db,
		Log:           log,
		GenID:         node,
		Clock:         fake,
		Repo:          repository.Provide(),
		Config:        holder,
		Partitions:    partitions,
		Subscriptions: subscriptions,
		Nodes:         nodes,
		Audit:         audit,
	}).(*Service)

	return trafficFixture{
		svc:           svc,
		db:            db,
		clock:         fake,
		partitions:    partitions,
		subscriptions: subscriptions,
		nodes:         nodes,
		tenant:        uuid.New(),
	}
}

func (f trafficFixture) ensurePartitions(t *testing.T) {
	t.Helper()
	_, err := f.partitions.EnsureRange(context.Background(), f.clock.Now())
	require.NoError(t, err)
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func TestIngestRejectsInvalidEventsAndKeepsTheRest(t *testing.T) {
	f := setupTrafficService(t, config.DefaultAccountingConfig())
	f.ensurePartitions(t)
	ctx := context.Background()

	userID := uuid.New()
	sub, err := f.subscriptions.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		TenantID: f.tenant.String(),
		UserID:   userID.String(),
	})
	require.NoError(t, err)

	events := make([]domain.EventInput, 5)
	for i := range events {
		at := f.clock.Now().Add(-time.Duration(i) * time.Minute)
		events[i] = domain.EventInput{
			UserID:    userID.String(),
			BytesUp:   int64(gofakeit.Number(1, 1<<20)),
			BytesDown: int64(gofakeit.Number(1, 1<<20)),
			EventTime: &at,
		}
	}
	events[2].BytesUp = -1

	result, err := f.svc.Ingest(ctx, domain.IngestRequest{
		TenantID:    &f.tenant,
		IngestToken: "tg_live_0123456789abcdef",
		Events:      events,
	})
	require.NoError(t, err)
	require.Equal(t, 4, result.Ingested)
	require.Equal(t, []domain.Rejection{{Index: 2, Reason: domain.ErrInvalidBytesUp.Error()}}, result.Rejected)
	require.NotEmpty(t, result.BatchID)

	var stored []domain.Event
	require.NoError(t, f.db.Order("event_time ASC").Find(&stored).Error)
	require.Len(t, stored, 4)
	for _, ev := range stored {
		require.NotNil(t, ev.SubscriptionID)
		assert.Equal(t, sub.ID, *ev.SubscriptionID)
		assert.Equal(t, domain.SourceCollector, ev.Source)
		assert.Nil(t, ev.NodeID)
	}

	var audit []auditdomain.AuditLog
	require.NoError(t, f.db.Find(&audit).Error)
	require.Len(t, audit, 1)
	assert.Equal(t, auditdomain.ActionTrafficIngest, audit[0].Action)
	assert.Equal(t, result.BatchID, *audit[0].TargetID)
	assert.EqualValues(t, 5, audit[0].Metadata["events"])
	assert.EqualValues(t, 4, audit[0].Metadata["ingested"])
	assert.EqualValues(t, 1, audit[0].Metadata["rejected"])
	assert.NotContains(t, audit[0].Metadata["ingest_token"], "0123456789abcdef")
}

func TestIngestEmptyBatchStillAudits(t *testing.T) {
	f := setupTrafficService(t, config.DefaultAccountingConfig())

	result, err := f.svc.Ingest(context.Background(), domain.IngestRequest{TenantID: &f.tenant})
	require.NoError(t, err)
	require.Zero(t, result.Ingested)
	require.Empty(t, result.Rejected)
	require.Equal(t, int64(1), countRows(t, f.db, &auditdomain.AuditLog{}))
}

func TestIngestRefusesBatchWithoutPartitionAndWritesNothing(t *testing.T) {
	f := setupTrafficService(t, config.DefaultAccountingConfig())
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, domain.IngestRequest{
		TenantID: &f.tenant,
		Events:   []domain.EventInput{{BytesUp: 10, BytesDown: 20}},
	})
	require.ErrorIs(t, err, partitiondomain.ErrPartitionMissing)
	require.Zero(t, countRows(t, f.db, &domain.Event{}))
	require.Zero(t, countRows(t, f.db, &auditdomain.AuditLog{}))
}

func TestIngestStoresUnknownNodeAsNull(t *testing.T) {
	f := setupTrafficService(t, config.DefaultAccountingConfig())
	f.ensurePartitions(t)
	ctx := context.Background()

	known := uuid.New()
	unknown := uuid.New()
	f.nodes.On("Exists", mock.Anything, known).Return(true, nil).Once()
	f.nodes.On("Exists", mock.Anything, unknown).Return(false, nil).Once()

	result, err := f.svc.Ingest(ctx, domain.IngestRequest{
		TenantID: &f.tenant,
		Events: []domain.EventInput{
			{NodeID: known.String(), BytesUp: 1, BytesDown: 1},
			{NodeID: unknown.String(), BytesUp: 2, BytesDown: 2},
			{NodeID: "not-a-uuid", BytesUp: 3, BytesDown: 3},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 3, result.Ingested)

	var stored []domain.Event
	require.NoError(t, f.db.Order("bytes_up ASC").Find(&stored).Error)
	require.Len(t, stored, 3)
	require.NotNil(t, stored[0].NodeID)
	assert.Equal(t, known, *stored[0].NodeID)
	assert.Nil(t, stored[1].NodeID)
	assert.Nil(t, stored[2].NodeID)
	assert.Nil(t, stored[0].UserID)
	f.nodes.AssertExpectations(t)
}

func TestIngestRejectsOversizedBatch(t *testing.T) {
	cfg := config.DefaultAccountingConfig()
	cfg.MaxBatchSize = 2
	f := setupTrafficService(t, cfg)

	_, err := f.svc.Ingest(context.Background(), domain.IngestRequest{
		Events: make([]domain.EventInput, 3),
	})
	require.ErrorIs(t, err, domain.ErrBatchTooLarge)
}

func TestIngestReportsMalformedUserAndWindow(t *testing.T) {
	f := setupTrafficService(t, config.DefaultAccountingConfig())
	f.ensurePartitions(t)

	tooOld := f.clock.Now().Add(-30 * 24 * time.Hour)
	future := f.clock.Now().Add(time.Hour)
	result, err := f.svc.Ingest(context.Background(), domain.IngestRequest{
		Events: []domain.EventInput{
			{UserID: "bogus", BytesUp: 1},
			{BytesUp: 1, EventTime: &tooOld},
			{BytesUp: 1, EventTime: &future},
			{BytesUp: 1, Source: "carrier-pigeon"},
			{BytesUp: 1, Source: "NODE_PUSH"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Ingested)
	require.Equal(t, []domain.Rejection{
		{Index: 0, Reason: domain.ErrInvalidUserID.Error()},
		{Index: 1, Reason: domain.ErrEventTimeOutOfRange.Error()},
		{Index: 2, Reason: domain.ErrEventTimeOutOfRange.Error()},
		{Index: 3, Reason: domain.ErrInvalidSource.Error()},
	}, result.Rejected)
}

func TestAppendAssignsIncreasingIDsAndScanOrders(t *testing.T) {
	f := setupTrafficService(t, config.DefaultAccountingConfig())
	f.ensurePartitions(t)
	ctx := context.Background()

	userID := uuid.New()
	base := f.clock.Now().Truncate(time.Hour)
	batch := []domain.NewEvent{
		{EventTime: base.Add(20 * time.Minute), UserID: &userID, BytesUp: 5, BytesDown: 1, Source: domain.SourceNodePush},
		{EventTime: base.Add(10 * time.Minute), UserID: &userID, BytesUp: 7, BytesDown: 2, Source: domain.SourceNodePush},
		{EventTime: base.Add(30 * time.Minute), BytesUp: 100, BytesDown: 100, Source: domain.SourceReconcile},
	}
	result, err := f.svc.Append(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 3, result.Accepted)
	require.Len(t, result.EventIDs, 3)
	require.Less(t, result.EventIDs[0], result.EventIDs[1])
	require.Less(t, result.EventIDs[1], result.EventIDs[2])

	var scanned []domain.Event
	err = f.svc.Scan(ctx, domain.TimeRange{From: base, To: base.Add(time.Hour)}, domain.ScanFilter{}, func(ev domain.Event) error {
		scanned = append(scanned, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, scanned, 3)
	require.True(t, scanned[0].EventTime.Before(scanned[1].EventTime))
	require.True(t, scanned[1].EventTime.Before(scanned[2].EventTime))

	totals, err := f.svc.SumByUser(ctx, domain.TimeRange{From: base, To: base.Add(time.Hour)}, nil)
	require.NoError(t, err)
	require.Equal(t, []domain.UserTotals{{UserID: userID, TotalUp: 12, TotalDown: 3}}, totals)

	oldest, err := f.svc.OldestEventTime(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, oldest)
	require.True(t, oldest.Equal(base.Add(10*time.Minute)))
}

func TestIngestedHoursListsHoursWithNewEvents(t *testing.T) {
	f := setupTrafficService(t, config.DefaultAccountingConfig())
	f.ensurePartitions(t)
	ctx := context.Background()

	base := f.clock.Now().Truncate(time.Hour)
	_, err := f.svc.Append(ctx, []domain.NewEvent{
		{EventTime: base.Add(-3*time.Hour + 5*time.Minute), BytesUp: 1, Source: domain.SourceCollector},
	})
	require.NoError(t, err)

	cursor := f.clock.Now()
	f.clock.Set(cursor.Add(time.Hour))
	_, err = f.svc.Append(ctx, []domain.NewEvent{
		{EventTime: base.Add(-5*time.Hour + 40*time.Minute), BytesUp: 1, Source: domain.SourceNodePush},
		{EventTime: base.Add(-5*time.Hour + 10*time.Minute), BytesUp: 1, Source: domain.SourceNodePush},
		{EventTime: base.Add(-2*time.Hour + 30*time.Minute), BytesUp: 1, Source: domain.SourceNodePush},
		{EventTime: base.Add(10 * time.Minute), BytesUp: 1, Source: domain.SourceNodePush},
	})
	require.NoError(t, err)

	hours, err := f.svc.IngestedHoursTx(ctx, nil, cursor, domain.TimeRange{From: base.Add(-6 * time.Hour), To: base})
	require.NoError(t, err)
	require.Equal(t, []time.Time{base.Add(-5 * time.Hour), base.Add(-2 * time.Hour)}, hours)

	none, err := f.svc.IngestedHoursTx(ctx, nil, f.clock.Now(), domain.TimeRange{From: base.Add(-6 * time.Hour), To: base})
	require.NoError(t, err)
	require.Empty(t, none)
}
