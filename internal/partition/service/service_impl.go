package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tunnelgate/internal/config"
	obsmetrics "github.com/smallbiznis/tunnelgate/internal/observability/metrics"
	"github.com/smallbiznis/tunnelgate/internal/partition/domain"
	"github.com/smallbiznis/tunnelgate/internal/partition/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const day = 24 * time.Hour

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    domain.Repository
	Config  *config.AccountingConfigHolder
	Metrics *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    domain.Repository
	storage domain.Storage
	cfg     *config.AccountingConfigHolder
	metrics *obsmetrics.SchedulerMetrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("partition.service"),
		genID:   p.GenID,
		repo:    p.Repo,
		storage: repository.NewStorage(p.DB),
		cfg:     p.Config,
		metrics: p.Metrics,
	}
}

// managedTables lists partitioned tables with their retention in days.
func (s *Service) managedTables() []managedTable {
	cfg := s.cfg.Get()
	return []managedTable{
		{name: domain.TableTrafficEvents, retentionDays: cfg.RetentionDays},
		{name: domain.TableTrafficRollups, retentionDays: cfg.RollupRetentionDays},
	}
}

type managedTable struct {
	name          string
	retentionDays int
}

// EnsureRange makes every day in [today-1, today+horizon) ACTIVE for each
// managed table. Days already ACTIVE are left alone; days stuck in PLANNED
// from an earlier crash are completed.
func (s *Service) EnsureRange(ctx context.Context, now time.Time) (domain.EnsureResult, error) {
	today := domain.Day(now)
	from := today.Add(-day)
	to := today.Add(time.Duration(s.cfg.Get().HorizonDays) * day)

	var (
		result domain.EnsureResult
		errs   []error
	)
	for _, table := range s.managedTables() {
		existing, err := s.repo.ListRange(ctx, s.db, table.name, from, to)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: list partitions: %w", table.name, err))
			continue
		}
		byDay := make(map[string]domain.Descriptor, len(existing))
		for _, d := range existing {
			byDay[dayKey(d.RangeStart)] = d
		}

		for current := from; current.Before(to); current = current.Add(day) {
			if err := ctx.Err(); err != nil {
				return result, errors.Join(append(errs, err)...)
			}
			desc, ok := byDay[dayKey(current)]
			if !ok {
				planned, err := s.plan(ctx, table.name, current, now)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: plan %s: %w", table.name, dayKey(current), err))
					continue
				}
				result.Planned++
				desc = planned
			}
			if desc.State != domain.StatePlanned {
				continue
			}
			if err := s.activate(ctx, desc, now); err != nil {
				errs = append(errs, fmt.Errorf("%s: activate %s: %w", table.name, dayKey(current), err))
				continue
			}
			result.Activated++
		}
	}

	if len(errs) > 0 {
		return result, errors.Join(errs...)
	}
	if result.Planned > 0 || result.Activated > 0 {
		s.log.Info("partitions ensured",
			zap.Int("planned", result.Planned),
			zap.Int("activated", result.Activated),
			zap.Time("from", from),
			zap.Time("to", to),
		)
	}
	return result, nil
}

func (s *Service) plan(ctx context.Context, table string, start, now time.Time) (domain.Descriptor, error) {
	desc := domain.Descriptor{
		ID:          s.genID.Generate(),
		ParentTable: table,
		Day:         start,
		RangeStart:  start,
		RangeEnd:    start.Add(day),
		State:       domain.StatePlanned,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
	if err := s.repo.InsertPlanned(ctx, s.db, &desc); err != nil {
		return domain.Descriptor{}, err
	}

	// A concurrent tick may have won the insert; continue from its row.
	rows, err := s.repo.ListRange(ctx, s.db, table, start, start.Add(day))
	if err != nil {
		return domain.Descriptor{}, err
	}
	if len(rows) == 0 {
		return domain.Descriptor{}, fmt.Errorf("partition %s vanished after insert", desc.PartitionName())
	}
	return rows[0], nil
}

func (s *Service) activate(ctx context.Context, desc domain.Descriptor, now time.Time) error {
	if err := domain.CanTransition(desc.State, domain.StateActive); err != nil {
		return err
	}
	if err := s.storage.Create(ctx, s.db, desc); err != nil {
		return err
	}
	return s.transition(ctx, desc, domain.StateActive, now)
}

// RetireExpired drops partitions whose whole range is older than the table's
// retention. Retirement is irreversible.
func (s *Service) RetireExpired(ctx context.Context, now time.Time) (domain.RetireResult, error) {
	today := domain.Day(now)

	var (
		result domain.RetireResult
		errs   []error
	)
	for _, table := range s.managedTables() {
		cutoff := today.Add(-time.Duration(table.retentionDays) * day)
		candidates, err := s.repo.ListRetirable(ctx, s.db, table.name, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: list retirable: %w", table.name, err))
			continue
		}
		for _, desc := range candidates {
			if err := ctx.Err(); err != nil {
				return result, errors.Join(append(errs, err)...)
			}
			if err := domain.CanTransition(desc.State, domain.StateRetired); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := s.storage.Drop(ctx, s.db, desc); err != nil {
				errs = append(errs, fmt.Errorf("%s: drop: %w", desc.PartitionName(), err))
				continue
			}
			if err := s.transition(ctx, desc, domain.StateRetired, now); err != nil {
				errs = append(errs, fmt.Errorf("%s: retire: %w", desc.PartitionName(), err))
				continue
			}
			result.Retired++
			s.log.Info("partition retired",
				zap.String("partition", desc.PartitionName()),
				zap.Time("cutoff", cutoff),
			)
		}
	}
	return result, errors.Join(errs...)
}

func (s *Service) transition(ctx context.Context, desc domain.Descriptor, to domain.State, now time.Time) error {
	affected, err := s.repo.Transition(ctx, s.db, desc.ID, desc.State, to, now.UTC())
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s no longer %s", domain.ErrInvalidTransition, desc.PartitionName(), desc.State)
	}
	s.metrics.IncPartitionTransition(desc.ParentTable, string(desc.State), string(to))
	return nil
}

// Require fails with ErrPartitionMissing unless every day has an ACTIVE partition.
func (s *Service) Require(ctx context.Context, table string, days []time.Time) error {
	if _, err := repository.KeyColumn(table); err != nil {
		return err
	}
	if len(days) == 0 {
		return nil
	}

	needed := make(map[string]struct{}, len(days))
	minDay, maxDay := domain.Day(days[0]), domain.Day(days[0])
	for _, d := range days {
		d = domain.Day(d)
		needed[dayKey(d)] = struct{}{}
		if d.Before(minDay) {
			minDay = d
		}
		if d.After(maxDay) {
			maxDay = d
		}
	}

	rows, err := s.repo.ListRange(ctx, s.db, table, minDay, maxDay.Add(day))
	if err != nil {
		return err
	}
	for _, d := range rows {
		if d.State == domain.StateActive {
			delete(needed, dayKey(d.RangeStart))
		}
	}
	if len(needed) == 0 {
		return nil
	}

	missing := make([]string, 0, len(needed))
	for key := range needed {
		missing = append(missing, key)
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s %s", domain.ErrPartitionMissing, table, strings.Join(missing, ","))
}

func (s *Service) List(ctx context.Context, table string) ([]domain.Descriptor, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		table = domain.TableTrafficEvents
	}
	if _, err := repository.KeyColumn(table); err != nil {
		return nil, err
	}
	return s.repo.ListByTable(ctx, s.db, table)
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
