package trafficexport

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/tunnelgate/internal/clock"
	partitiondomain "github.com/smallbiznis/tunnelgate/internal/partition/domain"
	rollupdomain "github.com/smallbiznis/tunnelgate/internal/rollup/domain"
	subscriptiondomain "github.com/smallbiznis/tunnelgate/internal/subscription/domain"
	"gorm.io/gorm"
)

const namespace = "tunnelgate"

// Gauges is the accounting snapshot pushed on every export tick.
type Gauges struct {
	registry *prometheus.Registry

	activeSubscriptions    *prometheus.GaugeVec
	exhaustedSubscriptions *prometheus.GaugeVec
	watermarkLag           prometheus.Gauge
	partitions             *prometheus.GaugeVec
	lastRefresh            prometheus.Gauge
}

func NewGauges(registry *prometheus.Registry) *Gauges {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	g := &Gauges{
		registry: registry,
		activeSubscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions_active",
			Help:      "Active, non-deleted subscriptions per tenant.",
		}, []string{"tenant_id"}),
		exhaustedSubscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions_quota_exhausted",
			Help:      "Subscriptions deactivated for exceeding quota, per tenant.",
		}, []string{"tenant_id"}),
		watermarkLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rollup_watermark_lag_seconds",
			Help:      "Seconds between now and the rollup watermark.",
		}),
		partitions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partitions",
			Help:      "Daily partitions by table and lifecycle state.",
		}, []string{"table", "state"}),
		lastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "traffic_export_last_refresh_timestamp_seconds",
			Help:      "Unix time of the last successful snapshot.",
		}),
	}
	registry.MustRegister(g.activeSubscriptions, g.exhaustedSubscriptions, g.watermarkLag, g.partitions, g.lastRefresh)
	return g
}

func (g *Gauges) Registry() *prometheus.Registry {
	return g.registry
}

type tenantCount struct {
	TenantID string
	Total    int64
}

// Snapshotter reads the ledger and lifecycle state into Gauges.
type Snapshotter struct {
	db         *gorm.DB
	clock      clock.Clock
	rollups    rollupdomain.Service
	partitions partitiondomain.Service
	gauges     *Gauges
}

func NewSnapshotter(db *gorm.DB, clk clock.Clock, rollups rollupdomain.Service, partitions partitiondomain.Service, gauges *Gauges) *Snapshotter {
	return &Snapshotter{
		db:         db,
		clock:      clk,
		rollups:    rollups,
		partitions: partitions,
		gauges:     gauges,
	}
}

// Refresh replaces every gauge value. Tenants that disappeared since the
// previous snapshot are dropped from the vectors.
func (s *Snapshotter) Refresh(ctx context.Context) error {
	now := s.clock.Now().UTC()

	active, err := s.countSubscriptions(ctx, "active = ?", true)
	if err != nil {
		return fmt.Errorf("count active subscriptions: %w", err)
	}
	exhausted, err := s.countSubscriptions(ctx, "active = ? AND deactivation_reason = ?", false, subscriptiondomain.DeactivationQuotaExhausted)
	if err != nil {
		return fmt.Errorf("count exhausted subscriptions: %w", err)
	}

	s.gauges.activeSubscriptions.Reset()
	for _, row := range active {
		s.gauges.activeSubscriptions.WithLabelValues(row.TenantID).Set(float64(row.Total))
	}
	s.gauges.exhaustedSubscriptions.Reset()
	for _, row := range exhausted {
		s.gauges.exhaustedSubscriptions.WithLabelValues(row.TenantID).Set(float64(row.Total))
	}

	if s.rollups != nil {
		status, err := s.rollups.Watermark(ctx, now)
		if err != nil {
			return fmt.Errorf("read watermark: %w", err)
		}
		if status.LagSeconds != nil {
			s.gauges.watermarkLag.Set(float64(*status.LagSeconds))
		}
	}

	if s.partitions != nil {
		s.gauges.partitions.Reset()
		for _, table := range []string{partitiondomain.TableTrafficEvents, partitiondomain.TableTrafficRollups} {
			items, err := s.partitions.List(ctx, table)
			if err != nil {
				return fmt.Errorf("list partitions %s: %w", table, err)
			}
			counts := map[partitiondomain.State]int{}
			for _, item := range items {
				counts[item.State]++
			}
			for state, n := range counts {
				s.gauges.partitions.WithLabelValues(table, string(state)).Set(float64(n))
			}
		}
	}

	s.gauges.lastRefresh.Set(float64(now.Unix()))
	return nil
}

func (s *Snapshotter) countSubscriptions(ctx context.Context, where string, args ...any) ([]tenantCount, error) {
	var rows []tenantCount
	err := s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Select("tenant_id, COUNT(*) AS total").
		Where("deleted_at IS NULL").
		Where(where, args...).
		Group("tenant_id").
		Scan(&rows).Error
	return rows, err
}

// Tick refreshes the snapshot and pushes it.
func Tick(ctx context.Context, snap *Snapshotter, pusher Pusher, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := snap.Refresh(ctx); err != nil {
		return err
	}
	if pusher == nil {
		return nil
	}
	return pusher.Push(ctx, snap.gauges)
}
