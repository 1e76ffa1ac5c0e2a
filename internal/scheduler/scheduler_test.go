package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tunnelgate/internal/clock"
	obsmetrics "github.com/smallbiznis/tunnelgate/internal/observability/metrics"
	partitiondomain "github.com/smallbiznis/tunnelgate/internal/partition/domain"
	quotadomain "github.com/smallbiznis/tunnelgate/internal/quota/domain"
	"github.com/smallbiznis/tunnelgate/internal/ratelimit"
	rollupdomain "github.com/smallbiznis/tunnelgate/internal/rollup/domain"
	trafficdomain "github.com/smallbiznis/tunnelgate/internal/traffic/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubPartitions struct {
	ensureCalls atomic.Int32
	retireCalls atomic.Int32
	ensureErr   error
}

func (s *stubPartitions) EnsureRange(context.Context, time.Time) (partitiondomain.EnsureResult, error) {
	s.ensureCalls.Add(1)
	return partitiondomain.EnsureResult{Planned: 2, Activated: 2}, s.ensureErr
}

func (s *stubPartitions) RetireExpired(context.Context, time.Time) (partitiondomain.RetireResult, error) {
	s.retireCalls.Add(1)
	return partitiondomain.RetireResult{}, nil
}

func (s *stubPartitions) Require(context.Context, string, []time.Time) error { return nil }

func (s *stubPartitions) List(context.Context, string) ([]partitiondomain.Descriptor, error) {
	return nil, nil
}

type stubRollups struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	run     func(ctx context.Context) (rollupdomain.RunResult, error)
}

func (s *stubRollups) Run(ctx context.Context, _ time.Time) (rollupdomain.RunResult, error) {
	s.calls.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	if s.run != nil {
		return s.run(ctx)
	}
	return rollupdomain.RunResult{Buckets: 3, Events: 9}, nil
}

func (s *stubRollups) Watermark(context.Context, time.Time) (rollupdomain.WatermarkStatus, error) {
	return rollupdomain.WatermarkStatus{}, nil
}

func (s *stubRollups) Summary(context.Context, trafficdomain.SummaryRequest) ([]trafficdomain.UserTotals, error) {
	return nil, nil
}

type stubPending struct {
	mu      sync.Mutex
	results []rollupdomain.PendingResult
	calls   int
}

func (s *stubPending) ProcessPending(context.Context, int) (rollupdomain.PendingResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return rollupdomain.PendingResult{}, nil
	}
	next := s.results[0]
	s.results = s.results[1:]
	return next, nil
}

type stubQuota struct {
	expireCalls atomic.Int32
}

func (s *stubQuota) ApplyDelta(context.Context, quotadomain.Delta) (quotadomain.Result, error) {
	return quotadomain.Result{}, nil
}

func (s *stubQuota) ApplyDeltaTx(context.Context, *gorm.DB, quotadomain.Delta) (quotadomain.Result, error) {
	return quotadomain.Result{}, nil
}

func (s *stubQuota) ProcessPending(context.Context, int) (rollupdomain.PendingResult, error) {
	return rollupdomain.PendingResult{}, nil
}

func (s *stubQuota) ExpireDue(context.Context, time.Time, int) (quotadomain.ExpireResult, error) {
	s.expireCalls.Add(1)
	return quotadomain.ExpireResult{}, nil
}

type stubs struct {
	partitions *stubPartitions
	rollups    *stubRollups
	pending    *stubPending
	quota      *stubQuota
}

func newTestScheduler(t *testing.T, cfg Config, locker *ratelimit.Locker) (*Scheduler, stubs, *prometheus.Registry) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	registry := prometheus.NewRegistry()
	st := stubs{
		partitions: &stubPartitions{},
		rollups:    &stubRollups{},
		pending:    &stubPending{},
		quota:      &stubQuota{},
	}
	s, err := New(Params{
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clock.NewFakeClock(time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)),
		Partitions: st.partitions,
		Rollups:    st.rollups,
		Pending:    st.pending,
		Quota:      st.quota,
		Locker:     locker,
		Metrics:    obsmetrics.NewSchedulerMetricsForTest(registry),
		Config:     cfg,
	})
	require.NoError(t, err)
	return s, st, registry
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunOnceRunsEveryJob(t *testing.T) {
	s, st, registry := newTestScheduler(t, Config{}, nil)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.EqualValues(t, 1, st.partitions.ensureCalls.Load())
	assert.EqualValues(t, 1, st.rollups.calls.Load())
	assert.Equal(t, 1, st.pending.calls)
	assert.EqualValues(t, 1, st.quota.expireCalls.Load())
	assert.EqualValues(t, 1, st.partitions.retireCalls.Load())

	assert.Equal(t, float64(1), getCounterValue(t, registry, "tunnelgate_scheduler_job_runs_total", jobLabels(JobRollup)))
	assert.Equal(t, float64(3), getCounterValue(t, registry, "tunnelgate_scheduler_batch_processed_total", map[string]string{
		"service": "tunnelgate", "env": "test", "job": JobRollup, "resource": "bucket",
	}))
}

func TestRunOnceHonoursEnabledJobs(t *testing.T) {
	s, st, _ := newTestScheduler(t, Config{EnabledJobs: []string{"ROLLUP"}}, nil)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.EqualValues(t, 0, st.partitions.ensureCalls.Load())
	assert.EqualValues(t, 1, st.rollups.calls.Load())
	assert.EqualValues(t, 0, st.quota.expireCalls.Load())
}

func TestRunOnceJoinsErrorsAndKeepsGoing(t *testing.T) {
	s, st, registry := newTestScheduler(t, Config{}, nil)
	st.partitions.ensureErr = errors.New("ddl failed")

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ensure_partitions: ddl failed")
	assert.EqualValues(t, 1, st.rollups.calls.Load())
	assert.EqualValues(t, 1, st.quota.expireCalls.Load())

	assert.Equal(t, float64(1), getCounterValue(t, registry, "tunnelgate_scheduler_job_errors_total", map[string]string{
		"service": "tunnelgate", "env": "test", "job": JobEnsurePartitions, "reason": obsmetrics.SchedulerJobReasonUnknown,
	}))
}

func TestRunJobTimeoutIsSoft(t *testing.T) {
	s, st, registry := newTestScheduler(t, Config{RollupTimeout: 5 * time.Millisecond}, nil)
	st.rollups.run = func(ctx context.Context) (rollupdomain.RunResult, error) {
		<-ctx.Done()
		return rollupdomain.RunResult{}, ctx.Err()
	}

	_, err := s.Rollup(context.Background())
	require.NoError(t, err)

	assert.Equal(t, float64(1), getCounterValue(t, registry, "tunnelgate_scheduler_job_timeouts_total", jobLabels(JobRollup)))
	assert.Equal(t, float64(1), getCounterValue(t, registry, "tunnelgate_scheduler_job_errors_total", map[string]string{
		"service": "tunnelgate", "env": "test", "job": JobRollup, "reason": obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}))
}

func TestConcurrentTriggersShareOneRun(t *testing.T) {
	s, st, _ := newTestScheduler(t, Config{}, nil)
	st.rollups.entered = make(chan struct{}, 2)
	st.rollups.release = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]rollupdomain.RunResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Rollup(context.Background())
			assert.NoError(t, err)
			results[i] = res
		}(i)
		if i == 0 {
			<-st.rollups.entered
		}
	}
	// Give the second trigger time to join the flight.
	time.Sleep(50 * time.Millisecond)
	close(st.rollups.release)
	wg.Wait()

	assert.EqualValues(t, 1, st.rollups.calls.Load())
	assert.Equal(t, results[0], results[1])
}

func TestLeaseHeldElsewhereSkipsJob(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s, st, registry := newTestScheduler(t, Config{}, ratelimit.NewLocker(client))
	require.NoError(t, mr.Set("tunnelgate:lock:scheduler:rollup", "other-process"))

	_, err := s.Rollup(context.Background())
	require.ErrorIs(t, err, ErrJobLocked)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.EqualValues(t, 0, st.rollups.calls.Load())
	assert.EqualValues(t, 1, st.quota.expireCalls.Load())
	assert.Equal(t, float64(2), getCounterValue(t, registry, "tunnelgate_scheduler_batch_deferred_total", map[string]string{
		"service": "tunnelgate", "env": "test", "job": JobRollup, "reason": obsmetrics.SchedulerBatchDeferredReasonLockHeld,
	}))

	// Leases taken by this process are released after the run.
	assert.False(t, mr.Exists("tunnelgate:lock:scheduler:quota_expiry"))
}

func TestDrainPendingLoopsWhileBatchesAreFull(t *testing.T) {
	s, st, _ := newTestScheduler(t, Config{PendingBatchSize: 10}, nil)
	st.pending.results = []rollupdomain.PendingResult{
		{Applied: 7, Duplicates: 2, Dropped: 1},
		{Applied: 3},
	}

	res, err := s.DrainPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rollupdomain.PendingResult{Applied: 10, Duplicates: 2, Dropped: 1}, res)
	assert.Equal(t, 2, st.pending.calls)
}

func TestRunJobRejectsUnknownName(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{}, nil)
	_, err := s.RunJob(context.Background(), "compact")
	require.ErrorIs(t, err, ErrUnknownJob)
}

func jobLabels(job string) map[string]string {
	return map[string]string{"service": "tunnelgate", "env": "test", "job": job}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
