package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/tunnelgate/internal/audit/domain"
	"github.com/smallbiznis/tunnelgate/internal/audit/repository"
	"github.com/smallbiznis/tunnelgate/internal/clock"
	"github.com/smallbiznis/tunnelgate/internal/migration"
	obscontext "github.com/smallbiznis/tunnelgate/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupAuditService(t *testing.T) (*Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.AutoMigrate(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Repo:  repository.Provide(),
	}).(*Service)
	return svc, db, fake
}

func TestAuditLogUsesRequestContext(t *testing.T) {
	svc, db, _ := setupAuditService(t)

	tenantID := uuid.New()
	actorID := uuid.New()
	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithTenantID(ctx, tenantID.String())
	ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeUser), actorID.String())
	ctx = obscontext.WithIPAddress(ctx, "10.0.0.7")
	ctx = obscontext.WithUserAgent(ctx, "collector/1.0")

	require.NoError(t, svc.AuditLog(ctx, auditdomain.Entry{
		Action:     auditdomain.ActionTrafficIngest,
		TargetType: auditdomain.TargetTrafficBatch,
		Metadata:   map[string]any{"ingested": 4},
	}))

	var row auditdomain.AuditLog
	require.NoError(t, db.First(&row).Error)
	require.NotNil(t, row.TenantID)
	assert.Equal(t, tenantID, *row.TenantID)
	require.NotNil(t, row.ActorUserID)
	assert.Equal(t, actorID, *row.ActorUserID)
	assert.Equal(t, string(auditdomain.ActorTypeUser), row.ActorType)
	assert.Equal(t, "10.0.0.7", *row.IPAddress)
	assert.Equal(t, "collector/1.0", *row.UserAgent)
	assert.Equal(t, "req-1", row.Metadata["request_id"])
	assert.EqualValues(t, 4, row.Metadata["ingested"])
}

func TestAuditLogDefaultsToSystemActor(t *testing.T) {
	svc, db, _ := setupAuditService(t)

	require.NoError(t, svc.AuditLog(context.Background(), auditdomain.Entry{Action: "partition.retire"}))

	var row auditdomain.AuditLog
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, string(auditdomain.ActorTypeSystem), row.ActorType)
	assert.Equal(t, "unknown", row.TargetType)
	assert.Nil(t, row.TenantID)

	err := svc.AuditLog(context.Background(), auditdomain.Entry{Action: "  "})
	require.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestAuditLogTxRollsBackWithCaller(t *testing.T) {
	svc, db, _ := setupAuditService(t)
	boom := errors.New("boom")

	err := db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, svc.AuditLogTx(context.Background(), tx, auditdomain.Entry{Action: auditdomain.ActionTrafficIngest}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, db.Model(&auditdomain.AuditLog{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	svc, _, fake := setupAuditService(t)
	ctx := context.Background()
	tenantID := uuid.New()
	other := uuid.New()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.AuditLog(ctx, auditdomain.Entry{TenantID: &tenantID, Action: auditdomain.ActionTrafficIngest}))
		fake.Advance(time.Minute)
	}
	require.NoError(t, svc.AuditLog(ctx, auditdomain.Entry{TenantID: &other, Action: auditdomain.ActionTrafficIngest}))

	req := auditdomain.ListAuditLogRequest{TenantID: tenantID.String()}
	req.PageSize = 2

	first, err := svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	require.True(t, first.HasMore)
	require.True(t, first.AuditLogs[0].CreatedAt.After(first.AuditLogs[1].CreatedAt))

	seen := map[snowflake.ID]struct{}{}
	for _, log := range first.AuditLogs {
		seen[log.ID] = struct{}{}
	}

	req.PageToken = first.NextPageToken
	second, err := svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 2)
	for _, log := range second.AuditLogs {
		require.NotContains(t, seen, log.ID)
		seen[log.ID] = struct{}{}
	}

	req.PageToken = second.NextPageToken
	third, err := svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, third.AuditLogs, 1)
	require.False(t, third.HasMore)
}

func TestListValidatesInput(t *testing.T) {
	svc, _, _ := setupAuditService(t)
	ctx := context.Background()

	_, err := svc.List(ctx, auditdomain.ListAuditLogRequest{TenantID: "x"})
	require.ErrorIs(t, err, auditdomain.ErrInvalidTenant)

	req := auditdomain.ListAuditLogRequest{}
	req.PageToken = "!!!"
	_, err = svc.List(ctx, req)
	require.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)

	start := time.Now()
	end := start.Add(-time.Hour)
	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	require.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)
}
