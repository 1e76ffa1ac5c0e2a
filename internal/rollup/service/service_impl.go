package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/tunnelgate/internal/clock"
	"github.com/smallbiznis/tunnelgate/internal/config"
	obsmetrics "github.com/smallbiznis/tunnelgate/internal/observability/metrics"
	partitiondomain "github.com/smallbiznis/tunnelgate/internal/partition/domain"
	"github.com/smallbiznis/tunnelgate/internal/rollup/domain"
	trafficdomain "github.com/smallbiznis/tunnelgate/internal/traffic/domain"
	"github.com/smallbiznis/tunnelgate/pkg/counter"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Config     *config.AccountingConfigHolder
	Traffic    trafficdomain.Service
	Partitions partitiondomain.Service
	Pending    domain.PendingProcessor      `optional:"true"`
	Metrics    *obsmetrics.Metrics          `optional:"true"`
	Scheduler  *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	cfg        *config.AccountingConfigHolder
	traffic    trafficdomain.Service
	partitions partitiondomain.Service
	pending    domain.PendingProcessor
	metrics    *obsmetrics.Metrics
	scheduler  *obsmetrics.SchedulerMetrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("rollup.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		cfg:        p.Config,
		traffic:    p.Traffic,
		partitions: p.Partitions,
		pending:    p.Pending,
		metrics:    p.Metrics,
		scheduler:  p.Scheduler,
	}
}

type aggregate struct {
	tenantID  *uuid.UUID
	nodeID    *uuid.UUID
	mixedNode bool
	up        uint64
	down      uint64
	count     uint64
}

// Run folds every closed hour from the watermark (minus the late arrival
// grace) up to now, bounded by the configured max window. Older hours that
// received events since the previous run are folded again as well. Buckets
// are recomputed from scratch and replaced, so reruns are idempotent. Deltas
// are staged on the bucket rows and drained into the ledger after commit.
func (s *Service) Run(ctx context.Context, now time.Time) (domain.RunResult, error) {
	cfg := s.cfg.Get()
	now = now.UTC()

	var result domain.RunResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.EnsureWatermark(ctx, tx, domain.HourlyWatermark, now); err != nil {
			return fmt.Errorf("ensure watermark: %w", err)
		}
		lockStart := time.Now()
		wm, err := s.repo.LockWatermark(ctx, tx, domain.HourlyWatermark)
		s.scheduler.ObserveDBLockWait(obsmetrics.LockResourceRollupWatermark, time.Since(lockStart))
		if err != nil {
			return fmt.Errorf("lock watermark: %w", err)
		}
		if wm == nil {
			wm = &domain.Watermark{Name: domain.HourlyWatermark}
		}

		var current *time.Time
		if wm.WatermarkTime != nil {
			t := wm.WatermarkTime.UTC()
			current = &t
		}
		result.Watermark = current

		var start time.Time
		if current == nil {
			oldest, err := s.traffic.OldestEventTime(ctx, tx)
			if err != nil {
				return fmt.Errorf("oldest event: %w", err)
			}
			if oldest == nil {
				return nil
			}
			start = oldest.Truncate(time.Hour)
		} else {
			start = current.Add(time.Hour - cfg.LateArrivalGrace).Truncate(time.Hour)
		}
		end := now.Truncate(time.Hour)
		if limit := start.Add(cfg.RollupMaxWindow); limit.Before(end) {
			end = limit
		}
		result.WindowStart, result.WindowEnd = start, end

		seq := &changeSeq{last: wm.LastChangeID}
		if current != nil && wm.RefoldCursor != nil {
			late, err := s.lateHours(ctx, tx, *wm.RefoldCursor, start, cfg)
			if err != nil {
				return fmt.Errorf("late hours: %w", err)
			}
			for _, hour := range late {
				if err := s.foldRange(ctx, tx, hour, hour.Add(time.Hour), seq, now, &result); err != nil {
					return err
				}
			}
			result.Refolded = len(late)
		}

		if start.Before(end) {
			if err := s.foldRange(ctx, tx, start, end, seq, now, &result); err != nil {
				return err
			}
			next := end.Add(-time.Hour)
			if current == nil || next.After(*current) {
				if err := s.repo.AdvanceWatermark(ctx, tx, domain.HourlyWatermark, next, now); err != nil {
					return fmt.Errorf("advance watermark: %w", err)
				}
				result.Watermark = &next
			}
		}

		cursor := now
		if wm.RefoldCursor != nil && wm.RefoldCursor.After(cursor) {
			cursor = wm.RefoldCursor.UTC()
		}
		if err := s.repo.SaveProgress(ctx, tx, domain.HourlyWatermark, seq.last, cursor, now); err != nil {
			return fmt.Errorf("save progress: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.RunResult{}, err
	}

	if result.Watermark != nil {
		s.scheduler.SetRollupLag(now.Sub(result.Watermark.Add(time.Hour)))
	}
	if result.Buckets > 0 {
		s.log.Info("rollup folded",
			zap.Time("window_start", result.WindowStart),
			zap.Time("window_end", result.WindowEnd),
			zap.Int("refolded_hours", result.Refolded),
			zap.Int("events", result.Events),
			zap.Int("buckets", result.Buckets),
			zap.Int("changed", result.Changed),
		)
	}

	if s.pending != nil && result.Changed > 0 {
		processed, err := s.pending.ProcessPending(ctx, cfg.PendingBatchSize)
		if err != nil {
			// Deltas stay staged on the bucket rows for the next drain.
			s.log.Warn("pending deltas not drained", zap.Error(err))
		}
		result.Deltas = processed.Applied
	}
	return result, nil
}

// lateHours lists the hours before start that received events since the
// previous run. The cursor is widened by the refold overlap so batches that
// committed slightly after their created_at are still seen.
func (s *Service) lateHours(ctx context.Context, tx *gorm.DB, cursor, start time.Time, cfg config.AccountingConfig) ([]time.Time, error) {
	since := cursor.UTC().Add(-cfg.RefoldOverlap)
	from := since.Add(-cfg.LateArrivalWindow).Truncate(time.Hour)
	if !from.Before(start) {
		return nil, nil
	}
	return s.traffic.IngestedHoursTx(ctx, tx, since, trafficdomain.TimeRange{From: from, To: start})
}

func (s *Service) foldRange(ctx context.Context, tx *gorm.DB, start, end time.Time, seq *changeSeq, now time.Time, result *domain.RunResult) error {
	if err := s.partitions.Require(ctx, partitiondomain.TableTrafficRollups, daysIn(start, end)); err != nil {
		return err
	}
	folded, err := s.fold(ctx, tx, start, end, result)
	if err != nil {
		return err
	}
	return s.replace(ctx, tx, start, end, folded, seq, now, result)
}

// changeSeq hands out change ids from the watermark row. Runs hold the
// watermark lock, so ids only grow, whichever process runs the fold.
type changeSeq struct {
	last int64
}

func (c *changeSeq) next() int64 {
	c.last++
	return c.last
}

func (s *Service) fold(ctx context.Context, tx *gorm.DB, start, end time.Time, result *domain.RunResult) (map[domain.BucketKey]*aggregate, error) {
	folded := make(map[domain.BucketKey]*aggregate)
	err := s.traffic.ScanTx(ctx, tx, trafficdomain.TimeRange{From: start, To: end}, trafficdomain.ScanFilter{}, func(ev trafficdomain.Event) error {
		key := domain.BucketKey{Start: ev.EventTime.UTC().Truncate(time.Hour)}
		if ev.SubscriptionID != nil {
			key.SubscriptionID = *ev.SubscriptionID
		}
		if ev.UserID != nil {
			key.UserID = ev.UserID.String()
		}

		agg, ok := folded[key]
		if !ok {
			agg = &aggregate{tenantID: ev.TenantID, nodeID: ev.NodeID}
			folded[key] = agg
		}

		up, errUp := counter.Add(agg.up, ev.BytesUp)
		down, errDown := counter.Add(agg.down, ev.BytesDown)
		if err := errors.Join(errUp, errDown); err != nil {
			result.Overflowed++
			s.metrics.RecordOverflow(ctx, "rollup")
			s.log.Error("traffic event excluded from rollup",
				zap.String("event_id", ev.ID.String()),
				zap.Time("bucket_start", key.Start),
				zap.Error(err),
			)
			return nil
		}
		if ok && !sameNode(agg.nodeID, ev.NodeID) {
			agg.mixedNode = true
		}
		agg.up, agg.down = up, down
		agg.count++
		result.Events++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return folded, nil
}

func (s *Service) replace(ctx context.Context, tx *gorm.DB, start, end time.Time, folded map[domain.BucketKey]*aggregate, seq *changeSeq, now time.Time, result *domain.RunResult) error {
	existing, err := s.repo.LockBuckets(ctx, tx, start, end)
	if err != nil {
		return fmt.Errorf("lock buckets: %w", err)
	}
	byKey := make(map[domain.BucketKey]domain.Bucket, len(existing))
	for _, b := range existing {
		byKey[b.Key()] = b
	}

	keys := make([]domain.BucketKey, 0, len(folded))
	for key := range folded {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	for _, key := range keys {
		agg := folded[key]
		nodeID := agg.nodeID
		if agg.mixedNode {
			nodeID = nil
		}
		result.Buckets++

		old, found := byKey[key]
		if found && old.BytesUp == agg.up && old.BytesDown == agg.down &&
			old.EventCount == agg.count && sameNode(old.NodeID, nodeID) {
			continue
		}

		bucket := domain.Bucket{
			ID:             s.genID.Generate(),
			Day:            partitiondomain.Day(key.Start),
			BucketStart:    key.Start,
			SubscriptionID: key.SubscriptionID,
			UserID:         key.UserID,
			TenantID:       agg.tenantID,
			NodeID:         nodeID,
			BytesUp:        agg.up,
			BytesDown:      agg.down,
			EventCount:     agg.count,
			UpdatedAt:      now,
		}
		var oldUp, oldDown uint64
		if found {
			bucket.ID = old.ID
			bucket.ChangeID = old.ChangeID
			oldUp, oldDown = old.BytesUp, old.BytesDown
		}

		var addUp, addDown uint64
		if agg.up != oldUp || agg.down != oldDown {
			result.Changed++
			bucket.ChangeID = seq.next()
			if key.SubscriptionID != 0 {
				addUp, addDown = s.delta(&bucket, oldUp, oldDown)
			}
		}

		if found {
			err = s.repo.UpdateBucket(ctx, tx, &bucket, addUp, addDown)
		} else {
			bucket.PendingUp, bucket.PendingDown = addUp, addDown
			err = s.repo.InsertBucket(ctx, tx, &bucket)
		}
		if err != nil {
			return fmt.Errorf("write bucket %s: %w", key.Start.Format(time.RFC3339), err)
		}
	}
	return nil
}

// delta returns new-old per direction. Totals that shrank are not taken back
// from the ledger, since consumption never decreases.
func (s *Service) delta(bucket *domain.Bucket, oldUp, oldDown uint64) (uint64, uint64) {
	deltaUp, shrankUp := counter.Sub(bucket.BytesUp, oldUp)
	deltaDown, shrankDown := counter.Sub(bucket.BytesDown, oldDown)
	if shrankUp || shrankDown {
		s.log.Warn("rollup bucket shrank, negative delta ignored",
			zap.String("bucket_id", bucket.ID.String()),
			zap.String("subscription_id", bucket.SubscriptionID.String()),
			zap.Time("bucket_start", bucket.BucketStart),
		)
	}
	return deltaUp, deltaDown
}

func (s *Service) Watermark(ctx context.Context, now time.Time) (domain.WatermarkStatus, error) {
	wm, err := s.repo.GetWatermark(ctx, s.db, domain.HourlyWatermark)
	if err != nil {
		return domain.WatermarkStatus{}, err
	}
	if wm == nil || wm.WatermarkTime == nil {
		return domain.WatermarkStatus{}, nil
	}
	t := wm.WatermarkTime.UTC()
	lag := int64(now.Sub(t.Add(time.Hour)) / time.Second)
	if lag < 0 {
		lag = 0
	}
	return domain.WatermarkStatus{Watermark: &t, LagSeconds: &lag}, nil
}

func sameNode(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func daysIn(start, end time.Time) []time.Time {
	days := make([]time.Time, 0, 2)
	for day := partitiondomain.Day(start); day.Before(end); day = day.Add(24 * time.Hour) {
		days = append(days, day)
	}
	return days
}
