package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tunnelgate/internal/clock"
	obsmetrics "github.com/smallbiznis/tunnelgate/internal/observability/metrics"
	partitiondomain "github.com/smallbiznis/tunnelgate/internal/partition/domain"
	quotadomain "github.com/smallbiznis/tunnelgate/internal/quota/domain"
	"github.com/smallbiznis/tunnelgate/internal/ratelimit"
	rollupdomain "github.com/smallbiznis/tunnelgate/internal/rollup/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	JobEnsurePartitions = "ensure_partitions"
	JobRollup           = "rollup"
	JobPendingDeltas    = "pending_deltas"
	JobQuotaExpiry      = "quota_expiry"
	JobRetirePartitions = "retire_partitions"
)

var (
	ErrInvalidConfig = errors.New("invalid_scheduler_config")
	ErrJobLocked     = errors.New("job_locked")
	ErrUnknownJob    = errors.New("unknown_job")
)

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Partitions partitiondomain.Service
	Rollups    rollupdomain.Service
	Pending    rollupdomain.PendingProcessor
	Quota      quotadomain.Service
	Locker     *ratelimit.Locker            `optional:"true"`
	Metrics    *obsmetrics.SchedulerMetrics `optional:"true"`
	Config     Config                       `optional:"true"`
}

// Scheduler drives the periodic accounting jobs. Each job runs at most once
// at a time: concurrent callers in this process share the in-flight result,
// and with redis a lease keeps other processes off the same job.
type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	partitions partitiondomain.Service
	rollups    rollupdomain.Service
	pending    rollupdomain.PendingProcessor
	quota      quotadomain.Service
	locker     *ratelimit.Locker
	metrics    *obsmetrics.SchedulerMetrics

	flight singleflight.Group
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Partitions == nil || p.Rollups == nil || p.Pending == nil || p.Quota == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		partitions: p.Partitions,
		rollups:    p.Rollups,
		pending:    p.Pending,
		quota:      p.Quota,
		locker:     p.Locker,
		metrics:    p.Metrics,
	}, nil
}

// runJob executes fn under the job's single-flight key and lease. A deadline
// is a soft timeout: it is counted and logged but not returned.
func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) (any, error),
) (any, error) {
	value, err, shared := s.flight.Do(name, func() (any, error) {
		return s.runLeased(parent, name, timeout, fn)
	})
	if shared {
		s.metrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonInFlight)
	}
	return value, err
}

func (s *Scheduler) runLeased(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) (any, error),
) (any, error) {
	if s.locker.Enabled() {
		token, ok, err := s.locker.TryLock(parent, "scheduler:"+name, s.cfg.LockTTL)
		if err != nil {
			s.metrics.IncJobError(name, err)
			return nil, fmt.Errorf("%s: acquire lease: %w", name, err)
		}
		if !ok {
			s.metrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
			return nil, ErrJobLocked
		}
		defer func() {
			if err := s.locker.Release(context.Background(), "scheduler:"+name, token); err != nil {
				s.log.Warn("release job lease failed", zap.String("job", name), zap.Error(err))
			}
		}()
	}

	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.newJobRun(ctx, name)
	s.logJobStart(ctx, run)
	s.metrics.IncJobRun(name)

	value, err := fn(ctx, run)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return value, nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return value, nil
	}
	return value, fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job in pipeline order and joins their errors.
// A job held by another process is skipped.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, name := range []string{JobEnsurePartitions, JobRollup, JobPendingDeltas, JobQuotaExpiry, JobRetirePartitions} {
		if !s.isJobEnabled(name) {
			continue
		}
		_, jobErr := s.RunJob(parent, name)
		if errors.Is(jobErr, ErrJobLocked) {
			continue
		}
		err = errors.Join(err, jobErr)
	}
	return err
}

// RunJob runs one job by name. Admin triggers go through here and join a
// run already in flight.
func (s *Scheduler) RunJob(ctx context.Context, name string) (any, error) {
	switch name {
	case JobEnsurePartitions:
		return s.EnsurePartitions(ctx)
	case JobRollup:
		return s.Rollup(ctx)
	case JobPendingDeltas:
		return s.DrainPending(ctx)
	case JobQuotaExpiry:
		return s.ExpireSubscriptions(ctx)
	case JobRetirePartitions:
		return s.RetirePartitions(ctx)
	default:
		return nil, ErrUnknownJob
	}
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) EnsurePartitions(ctx context.Context) (partitiondomain.EnsureResult, error) {
	value, err := s.runJob(ctx, JobEnsurePartitions, s.cfg.JobTimeout, func(ctx context.Context, run *jobRun) (any, error) {
		res, err := s.partitions.EnsureRange(ctx, s.clock.Now())
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.partitions.ensure.failed", obsmetrics.StageEnsurePartitions, err)
			return res, err
		}
		run.AddProcessed(res.Activated)
		s.metrics.AddBatchProcessed(JobEnsurePartitions, "partition", res.Activated)
		return res, nil
	})
	res, _ := value.(partitiondomain.EnsureResult)
	return res, err
}

func (s *Scheduler) RetirePartitions(ctx context.Context) (partitiondomain.RetireResult, error) {
	value, err := s.runJob(ctx, JobRetirePartitions, s.cfg.JobTimeout, func(ctx context.Context, run *jobRun) (any, error) {
		res, err := s.partitions.RetireExpired(ctx, s.clock.Now())
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.partitions.retire.failed", obsmetrics.StageRetirePartitions, err)
			return res, err
		}
		run.AddProcessed(res.Retired)
		s.metrics.AddBatchProcessed(JobRetirePartitions, "partition", res.Retired)
		return res, nil
	})
	res, _ := value.(partitiondomain.RetireResult)
	return res, err
}

func (s *Scheduler) Rollup(ctx context.Context) (rollupdomain.RunResult, error) {
	value, err := s.runJob(ctx, JobRollup, s.cfg.RollupTimeout, func(ctx context.Context, run *jobRun) (any, error) {
		res, err := s.rollups.Run(ctx, s.clock.Now())
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.rollup.failed", obsmetrics.StageRollup, err)
			return res, err
		}
		run.AddProcessed(res.Buckets)
		s.metrics.AddBatchProcessed(JobRollup, "bucket", res.Buckets)
		s.metrics.AddBatchProcessed(JobRollup, "event", res.Events)
		return res, nil
	})
	res, _ := value.(rollupdomain.RunResult)
	return res, err
}

// DrainPending applies deltas left staged by an earlier rollup whose
// drain failed or was cut short.
func (s *Scheduler) DrainPending(ctx context.Context) (rollupdomain.PendingResult, error) {
	value, err := s.runJob(ctx, JobPendingDeltas, s.cfg.JobTimeout, func(ctx context.Context, run *jobRun) (any, error) {
		var total rollupdomain.PendingResult
		for {
			res, err := s.pending.ProcessPending(ctx, s.cfg.PendingBatchSize)
			total.Applied += res.Applied
			total.Duplicates += res.Duplicates
			total.Dropped += res.Dropped
			if err != nil {
				s.logSchedulerError(ctx, run, "scheduler.pending.failed", obsmetrics.StageLedger, err)
				return total, err
			}
			handled := res.Applied + res.Duplicates + res.Dropped
			run.AddProcessed(handled)
			if handled < s.cfg.PendingBatchSize {
				break
			}
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
		}
		s.metrics.AddBatchProcessed(JobPendingDeltas, "delta", total.Applied)
		return total, nil
	})
	res, _ := value.(rollupdomain.PendingResult)
	return res, err
}

func (s *Scheduler) ExpireSubscriptions(ctx context.Context) (quotadomain.ExpireResult, error) {
	value, err := s.runJob(ctx, JobQuotaExpiry, s.cfg.JobTimeout, func(ctx context.Context, run *jobRun) (any, error) {
		var total quotadomain.ExpireResult
		now := s.clock.Now()
		for {
			res, err := s.quota.ExpireDue(ctx, now, s.cfg.ExpiryBatchSize)
			total.Expired += res.Expired
			if err != nil {
				s.logSchedulerError(ctx, run, "scheduler.expiry.failed", obsmetrics.StageQuotaExpiry, err)
				return total, err
			}
			run.AddProcessed(res.Expired)
			if res.Expired < s.cfg.ExpiryBatchSize {
				break
			}
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
		}
		s.metrics.AddBatchProcessed(JobQuotaExpiry, "subscription", total.Expired)
		return total, nil
	})
	res, _ := value.(quotadomain.ExpireResult)
	return res, err
}
