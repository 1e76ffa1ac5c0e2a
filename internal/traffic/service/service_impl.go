package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	auditdomain "github.com/smallbiznis/tunnelgate/internal/audit/domain"
	"github.com/smallbiznis/tunnelgate/internal/audit/masking"
	"github.com/smallbiznis/tunnelgate/internal/cache"
	"github.com/smallbiznis/tunnelgate/internal/clock"
	"github.com/smallbiznis/tunnelgate/internal/config"
	"github.com/smallbiznis/tunnelgate/internal/noderegistry"
	obsmetrics "github.com/smallbiznis/tunnelgate/internal/observability/metrics"
	partitiondomain "github.com/smallbiznis/tunnelgate/internal/partition/domain"
	subscriptiondomain "github.com/smallbiznis/tunnelgate/internal/subscription/domain"
	"github.com/smallbiznis/tunnelgate/internal/traffic/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          domain.Repository
	Config        *config.AccountingConfigHolder
	Partitions    partitiondomain.Service
	Subscriptions subscriptiondomain.Service
	Nodes         noderegistry.Registry
	Audit         auditdomain.Service
	Cache         cache.IngestResolverCache `optional:"true"`
	Metrics       *obsmetrics.Metrics       `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          domain.Repository
	cfg           *config.AccountingConfigHolder
	partitions    partitiondomain.Service
	subscriptions subscriptiondomain.Service
	nodes         noderegistry.Registry
	audit         auditdomain.Service
	cache         cache.IngestResolverCache
	metrics       *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("traffic.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		cfg:           p.Config,
		partitions:    p.Partitions,
		subscriptions: p.Subscriptions,
		nodes:         p.Nodes,
		audit:         p.Audit,
		cache:         p.Cache,
		metrics:       p.Metrics,
	}
}

func (s *Service) Append(ctx context.Context, batch []domain.NewEvent) (domain.AppendResult, error) {
	var result domain.AppendResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.AppendTx(ctx, tx, batch)
		return err
	})
	if err != nil {
		return domain.AppendResult{}, err
	}
	return result, nil
}

// AppendTx drops invalid events, checks partitions for every touched day and
// writes the rest through tx in submission order.
func (s *Service) AppendTx(ctx context.Context, tx *gorm.DB, batch []domain.NewEvent) (domain.AppendResult, error) {
	cfg := s.cfg.Get()
	now := s.clock.Now()
	window := domain.Window{LateArrival: cfg.LateArrivalWindow, ClockSkew: cfg.ClockSkewTolerance}

	result := domain.AppendResult{Rejected: []domain.Rejection{}}
	events := make([]domain.Event, 0, len(batch))
	days := make([]time.Time, 0, len(batch))
	for i, ev := range batch {
		ev.EventTime = ev.EventTime.UTC()
		if err := domain.Validate(ev, now, window); err != nil {
			result.Rejected = append(result.Rejected, domain.Rejection{Index: i, Reason: err.Error()})
			continue
		}
		events = append(events, domain.Event{
			EventTime:      ev.EventTime,
			TenantID:       ev.TenantID,
			UserID:         ev.UserID,
			SubscriptionID: ev.SubscriptionID,
			NodeID:         ev.NodeID,
			BytesUp:        uint64(ev.BytesUp),
			BytesDown:      uint64(ev.BytesDown),
			Source:         ev.Source,
			CreatedAt:      now,
		})
		days = append(days, ev.EventTime)
	}
	if len(events) == 0 {
		return result, nil
	}

	if err := s.partitions.Require(ctx, partitiondomain.TableTrafficEvents, days); err != nil {
		return domain.AppendResult{}, err
	}

	ids := make([]snowflake.ID, len(events))
	for i := range events {
		events[i].ID = s.genID.Generate()
		ids[i] = events[i].ID
	}
	if err := s.repo.Insert(ctx, tx, events); err != nil {
		return domain.AppendResult{}, err
	}

	result.Accepted = len(events)
	result.EventIDs = ids
	return result, nil
}

// Ingest handles one gateway batch. The events and the audit row commit together.
func (s *Service) Ingest(ctx context.Context, req domain.IngestRequest) (domain.IngestResult, error) {
	cfg := s.cfg.Get()
	if len(req.Events) > cfg.MaxBatchSize {
		return domain.IngestResult{}, fmt.Errorf("%w: %d > %d", domain.ErrBatchTooLarge, len(req.Events), cfg.MaxBatchSize)
	}

	now := s.clock.Now()
	rejected := make([]domain.Rejection, 0)
	pending := make([]domain.NewEvent, 0, len(req.Events))
	positions := make([]int, 0, len(req.Events))
	userIDs := make([]uuid.UUID, 0, len(req.Events))

	for i, in := range req.Events {
		ev := domain.NewEvent{
			TenantID:  req.TenantID,
			BytesUp:   in.BytesUp,
			BytesDown: in.BytesDown,
			EventTime: now,
			Source:    domain.SourceCollector,
		}
		if in.EventTime != nil && !in.EventTime.IsZero() {
			ev.EventTime = in.EventTime.UTC()
		}
		if source := strings.TrimSpace(in.Source); source != "" {
			ev.Source = domain.Source(strings.ToLower(source))
		}
		if raw := strings.TrimSpace(in.UserID); raw != "" {
			userID, err := uuid.Parse(raw)
			if err != nil {
				rejected = append(rejected, domain.Rejection{Index: i, Reason: domain.ErrInvalidUserID.Error()})
				continue
			}
			ev.UserID = &userID
			userIDs = append(userIDs, userID)
		}
		ev.NodeID = s.resolveNode(ctx, in.NodeID)

		pending = append(pending, ev)
		positions = append(positions, i)
	}

	if len(userIDs) > 0 {
		active, err := s.subscriptions.ActiveByUserIDs(ctx, userIDs)
		if err != nil {
			return domain.IngestResult{}, err
		}
		for i := range pending {
			if pending[i].UserID == nil {
				continue
			}
			sub, ok := active[*pending[i].UserID]
			if !ok {
				continue
			}
			subscriptionID := sub.ID
			pending[i].SubscriptionID = &subscriptionID
			if pending[i].TenantID == nil {
				tenantID := sub.TenantID
				pending[i].TenantID = &tenantID
			}
		}
	}

	batchID := ulid.Make().String()
	var appended domain.AppendResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		appended, err = s.AppendTx(ctx, tx, pending)
		if err != nil {
			return err
		}
		for _, r := range appended.Rejected {
			rejected = append(rejected, domain.Rejection{Index: positions[r.Index], Reason: r.Reason})
		}
		sort.Slice(rejected, func(a, b int) bool { return rejected[a].Index < rejected[b].Index })

		metadata := map[string]any{
			"events":   len(req.Events),
			"ingested": appended.Accepted,
			"rejected": len(rejected),
		}
		if token := strings.TrimSpace(req.IngestToken); token != "" {
			metadata["ingest_token"] = masking.MaskSecret(token)
		}
		return s.audit.AuditLogTx(ctx, tx, auditdomain.Entry{
			TenantID:    req.TenantID,
			ActorUserID: req.ActorUserID,
			Action:      auditdomain.ActionTrafficIngest,
			TargetType:  auditdomain.TargetTrafficBatch,
			TargetID:    &batchID,
			Metadata:    metadata,
		})
	})
	if err != nil {
		if errors.Is(err, partitiondomain.ErrPartitionMissing) {
			s.log.Warn("traffic batch refused, partition missing",
				zap.String("batch_id", batchID),
				zap.Int("events", len(req.Events)),
				zap.Error(err),
			)
		}
		return domain.IngestResult{}, err
	}

	s.metrics.RecordIngest(ctx, "gateway", appended.Accepted, len(rejected))
	s.log.Debug("traffic batch ingested",
		zap.String("batch_id", batchID),
		zap.Int("ingested", appended.Accepted),
		zap.Int("rejected", len(rejected)),
	)
	return domain.IngestResult{
		BatchID:  batchID,
		Ingested: appended.Accepted,
		Rejected: rejected,
	}, nil
}

// resolveNode returns nil for empty, malformed or unknown node ids.
func (s *Service) resolveNode(ctx context.Context, raw string) *uuid.UUID {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	nodeID, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	if s.cache != nil {
		if exists, ok := s.cache.GetNode(nodeID); ok {
			if !exists {
				return nil
			}
			return &nodeID
		}
	}
	exists, err := s.nodes.Exists(ctx, nodeID)
	if err != nil {
		s.log.Warn("node lookup failed, storing event without node", zap.String("node_id", raw), zap.Error(err))
		return nil
	}
	if s.cache != nil {
		s.cache.SetNode(nodeID, exists)
	}
	if !exists {
		return nil
	}
	return &nodeID
}

func (s *Service) Scan(ctx context.Context, rng domain.TimeRange, filter domain.ScanFilter, fn func(domain.Event) error) error {
	return s.ScanTx(ctx, s.db, rng, filter, fn)
}

func (s *Service) ScanTx(ctx context.Context, tx *gorm.DB, rng domain.TimeRange, filter domain.ScanFilter, fn func(domain.Event) error) error {
	if rng.Empty() {
		return nil
	}
	if tx == nil {
		tx = s.db
	}
	return s.repo.Scan(ctx, tx, rng, filter, fn)
}

func (s *Service) SumByUser(ctx context.Context, rng domain.TimeRange, userID *uuid.UUID) ([]domain.UserTotals, error) {
	if rng.Empty() {
		return nil, nil
	}
	return s.repo.SumByUser(ctx, s.db, rng, userID)
}

func (s *Service) IngestedHoursTx(ctx context.Context, tx *gorm.DB, ingestedAfter time.Time, rng domain.TimeRange) ([]time.Time, error) {
	if rng.Empty() {
		return nil, nil
	}
	if tx == nil {
		tx = s.db
	}
	return s.repo.IngestedHours(ctx, tx, ingestedAfter, rng)
}

func (s *Service) OldestEventTime(ctx context.Context, tx *gorm.DB) (*time.Time, error) {
	if tx == nil {
		tx = s.db
	}
	event, err := s.repo.Oldest(ctx, tx)
	if err != nil || event == nil {
		return nil, err
	}
	t := event.EventTime.UTC()
	return &t, nil
}
