package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "wrapped_deadline",
			err:  fmt.Errorf("rollup: %w", context.DeadlineExceeded),
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "pq_lock_timeout",
			err:  fmt.Errorf("lock watermark: %w", &pq.Error{Code: "55P03"}),
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "sqlite_unique_violation",
			err:  errors.New("UNIQUE constraint failed: traffic_rollups_hourly.day"),
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ClassifySchedulerJobReason(tc.err))
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "tunnelgate",
		Environment: "test",
	})

	metrics.AddBatchProcessed("rollup", "buckets", 3)
	metrics.AddBatchProcessed("rollup", "buckets", 0)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("rollup", "buckets"))
	require.Equal(t, float64(3), got)
}

func TestStageErrorAndLag(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{})

	metrics.IncStageError(StageLedger, &pgconn.PgError{Code: "40001"})
	metrics.IncStageError(StageLedger, nil)
	metrics.SetRollupLag(-time.Second)

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.stageErrors.WithLabelValues(StageLedger, SchedulerErrorTypeDB)))
	require.Equal(t, float64(0), testutil.ToFloat64(metrics.rollupLag))
}

func TestIsSchedulerErrorRetryable(t *testing.T) {
	require.True(t, IsSchedulerErrorRetryable(&pgconn.PgError{Code: "40001"}))
	require.True(t, IsSchedulerErrorRetryable(context.Canceled))
	require.False(t, IsSchedulerErrorRetryable(errors.New("invalid")))
	require.False(t, IsSchedulerErrorRetryable(nil))
}
