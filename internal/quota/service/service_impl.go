package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tunnelgate/internal/cache"
	"github.com/smallbiznis/tunnelgate/internal/clock"
	"github.com/smallbiznis/tunnelgate/internal/config"
	obsmetrics "github.com/smallbiznis/tunnelgate/internal/observability/metrics"
	"github.com/smallbiznis/tunnelgate/internal/quota/domain"
	rollupdomain "github.com/smallbiznis/tunnelgate/internal/rollup/domain"
	subscriptiondomain "github.com/smallbiznis/tunnelgate/internal/subscription/domain"
	"github.com/smallbiznis/tunnelgate/pkg/counter"
	"github.com/smallbiznis/tunnelgate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Config        *config.AccountingConfigHolder
	Subscriptions subscriptiondomain.Repository
	Rollups       rollupdomain.Repository
	Cache         cache.IngestResolverCache    `optional:"true"`
	Metrics       *obsmetrics.Metrics          `optional:"true"`
	Scheduler     *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	cfg           *config.AccountingConfigHolder
	subscriptions subscriptiondomain.Repository
	rollups       rollupdomain.Repository
	cache         cache.IngestResolverCache
	metrics       *obsmetrics.Metrics
	scheduler     *obsmetrics.SchedulerMetrics

	stripes stripedMutex
	drainMu sync.Mutex
}

func NewService(p Params) *Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("quota.service"),
		clock:         p.Clock,
		cfg:           p.Config,
		subscriptions: p.Subscriptions,
		rollups:       p.Rollups,
		cache:         p.Cache,
		metrics:       p.Metrics,
		scheduler:     p.Scheduler,
	}
}

func (s *Service) ApplyDelta(ctx context.Context, delta domain.Delta) (domain.Result, error) {
	var result domain.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.ApplyDeltaTx(ctx, tx, delta)
		return err
	})
	return result, err
}

// ApplyDeltaTx adds the delta to consumed_bytes unless its change id was
// already applied, then re-evaluates the subscription. Writers of the same
// subscription are serialized by a stripe lock and the row version.
func (s *Service) ApplyDeltaTx(ctx context.Context, tx *gorm.DB, delta domain.Delta) (domain.Result, error) {
	if delta.SubscriptionID == 0 || delta.ChangeID == 0 {
		return domain.Result{}, domain.ErrInvalidDelta
	}

	waitStart := time.Now()
	unlock := s.stripes.lock(delta.SubscriptionID)
	defer unlock()
	s.scheduler.ObserveDBLockWait(obsmetrics.LockResourceSubscriptionLedger, time.Since(waitStart))

	var (
		result      domain.Result
		deactivated string
		view        *subscriptiondomain.QuotaView
	)
	err := db.RetryStale(ctx, s.cfg.Get().MaxConflictRetries, func() error {
		deactivated = ""
		var err error
		view, err = s.subscriptions.FindQuotaView(ctx, tx, delta.SubscriptionID)
		if err != nil {
			return err
		}
		if view == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if view.DeletedAt != nil {
			return subscriptiondomain.ErrSubscriptionDeleted
		}

		if delta.ChangeID <= view.LastAppliedChangeID {
			result = domain.Result{ConsumedBytes: view.ConsumedBytes, Active: view.Active, Applied: false}
			return nil
		}

		consumed, err := counter.AddAll(view.ConsumedBytes, delta.BytesUp, delta.BytesDown)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		decision := domain.Evaluate(consumed, view.EffectiveQuota(), view.ExpiryAt, now)
		values := map[string]any{
			"consumed_bytes":         consumed,
			"last_applied_change_id": delta.ChangeID,
			"last_applied_bucket":    delta.BucketStart.UTC(),
			"updated_at":             now,
		}
		active := view.Active
		if view.Active && !decision.Active {
			active = false
			deactivated = decision.Reason
			values["active"] = false
			values["deactivated_at"] = now
			values["deactivation_reason"] = decision.Reason
		}

		affected, err := s.subscriptions.UpdateIfVersion(ctx, tx, delta.SubscriptionID, view.Version, values)
		if err != nil {
			return err
		}
		if affected == 0 {
			return db.ErrStaleVersion
		}
		result = domain.Result{ConsumedBytes: consumed, Active: active, Applied: true}
		return nil
	})
	if errors.Is(err, db.ErrStaleVersion) {
		return domain.Result{}, fmt.Errorf("%w: subscription %s", domain.ErrConcurrencyConflict, delta.SubscriptionID)
	}
	if err != nil {
		return domain.Result{}, err
	}

	s.metrics.RecordDelta(ctx, result.Applied)
	if deactivated != "" {
		s.metrics.RecordQuotaExhausted(ctx, deactivated)
		s.invalidate(view)
		s.log.Info("subscription deactivated",
			zap.String("subscription_id", delta.SubscriptionID.String()),
			zap.String("reason", deactivated),
			zap.Uint64("consumed_bytes", result.ConsumedBytes),
		)
	}
	return result, nil
}

// ProcessPending drains staged bucket deltas in change id order. Each delta is
// applied and acknowledged in one transaction. Deltas that can never apply
// (deleted subscription, overflow) are acknowledged and logged. Change ids
// come from the rollup watermark sequence rather than host clocks, so the
// order holds across the processes that run folds.
func (s *Service) ProcessPending(ctx context.Context, limit int) (rollupdomain.PendingResult, error) {
	if limit <= 0 {
		limit = s.cfg.Get().PendingBatchSize
	}
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	buckets, err := s.rollups.ListPending(ctx, s.db, limit)
	if err != nil {
		return rollupdomain.PendingResult{}, err
	}

	var (
		result rollupdomain.PendingResult
		errs   []error
		failed = make(map[snowflake.ID]struct{})
	)
	for _, bucket := range buckets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		// A later change must not overtake an earlier one that failed.
		if _, ok := failed[bucket.SubscriptionID]; ok {
			continue
		}

		outcome, err := s.drainBucket(ctx, bucket.ID)
		switch outcome {
		case drainApplied:
			result.Applied++
		case drainDuplicate:
			result.Duplicates++
		case drainDropped:
			result.Dropped++
		}
		if err != nil {
			failed[bucket.SubscriptionID] = struct{}{}
			errs = append(errs, fmt.Errorf("bucket %s: %w", bucket.ID, err))
		}
	}

	s.scheduler.AddBatchProcessed("rollup", "quota_delta", result.Applied)
	return result, errors.Join(errs...)
}

type drainOutcome int

const (
	drainSkipped drainOutcome = iota
	drainApplied
	drainDuplicate
	drainDropped
)

// drainBucket applies and acknowledges one bucket's pending delta in a single
// transaction. The bucket is re-read under a row lock, so the amounts applied
// are exactly the amounts subtracted even while a fold of the same hour runs.
func (s *Service) drainBucket(ctx context.Context, bucketID snowflake.ID) (drainOutcome, error) {
	var outcome drainOutcome
	err := db.RetryTransient(ctx, s.cfg.Get().MaxConflictRetries, func() error {
		outcome = drainSkipped
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			bucket, err := s.rollups.LockBucket(ctx, tx, bucketID)
			if err != nil {
				return err
			}
			if bucket == nil || !bucket.HasPending() {
				return nil
			}

			pending := bucket.PendingDelta()
			res, err := s.ApplyDeltaTx(ctx, tx, domain.Delta{
				SubscriptionID: pending.SubscriptionID,
				BucketStart:    pending.BucketStart,
				ChangeID:       pending.ChangeID,
				BytesUp:        pending.BytesUp,
				BytesDown:      pending.BytesDown,
			})
			switch {
			case err == nil && res.Applied:
				outcome = drainApplied
			case err == nil:
				outcome = drainDuplicate
			case errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
				errors.Is(err, subscriptiondomain.ErrSubscriptionDeleted):
				outcome = drainDropped
				s.log.Warn("delta dropped for missing subscription",
					zap.String("subscription_id", pending.SubscriptionID.String()),
					zap.Int64("change_id", pending.ChangeID),
				)
			case errors.Is(err, counter.ErrOverflow):
				outcome = drainDropped
				s.metrics.RecordOverflow(ctx, "ledger")
				s.log.Error("delta dropped, consumed bytes would overflow",
					zap.String("subscription_id", pending.SubscriptionID.String()),
					zap.Int64("change_id", pending.ChangeID),
					zap.Uint64("bytes_up", pending.BytesUp),
					zap.Uint64("bytes_down", pending.BytesDown),
				)
			default:
				return err
			}
			return s.rollups.SubtractPending(ctx, tx, pending.BucketID, pending.BytesUp, pending.BytesDown)
		})
	})
	if err != nil {
		return drainSkipped, err
	}
	return outcome, nil
}

// ExpireDue deactivates active subscriptions whose expiry has passed.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, limit int) (domain.ExpireResult, error) {
	if limit <= 0 {
		limit = s.cfg.Get().PendingBatchSize
	}
	due, err := s.subscriptions.ListExpiredActive(ctx, s.db, now, limit)
	if err != nil {
		return domain.ExpireResult{}, err
	}

	var (
		result domain.ExpireResult
		errs   []error
	)
	for _, sub := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		expired, err := s.expire(ctx, sub.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		if expired {
			result.Expired++
		}
	}
	return result, errors.Join(errs...)
}

func (s *Service) expire(ctx context.Context, id snowflake.ID, now time.Time) (bool, error) {
	unlock := s.stripes.lock(id)
	defer unlock()

	var (
		expired bool
		view    *subscriptiondomain.QuotaView
	)
	err := db.RetryStale(ctx, s.cfg.Get().MaxConflictRetries, func() error {
		expired = false
		var err error
		view, err = s.subscriptions.FindQuotaView(ctx, s.db, id)
		if err != nil || view == nil || view.DeletedAt != nil || !view.Active {
			return err
		}
		if domain.Evaluate(view.ConsumedBytes, nil, view.ExpiryAt, now).Active {
			return nil
		}
		affected, err := s.subscriptions.UpdateIfVersion(ctx, s.db, id, view.Version, map[string]any{
			"active":              false,
			"deactivated_at":      now,
			"deactivation_reason": domain.ReasonExpired,
			"updated_at":          now,
		})
		if err != nil {
			return err
		}
		if affected == 0 {
			return db.ErrStaleVersion
		}
		expired = true
		return nil
	})
	if errors.Is(err, db.ErrStaleVersion) {
		return false, domain.ErrConcurrencyConflict
	}
	if err != nil {
		return false, err
	}
	if expired {
		s.metrics.RecordQuotaExhausted(ctx, domain.ReasonExpired)
		s.invalidate(view)
		s.log.Info("subscription expired", zap.String("subscription_id", id.String()))
	}
	return expired, nil
}

func (s *Service) invalidate(view *subscriptiondomain.QuotaView) {
	if s.cache != nil && view != nil {
		s.cache.InvalidateUser(view.UserID)
	}
}
