package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/tunnelgate/internal/cache"
	"github.com/smallbiznis/tunnelgate/internal/clock"
	"github.com/smallbiznis/tunnelgate/internal/config"
	subscriptiondomain "github.com/smallbiznis/tunnelgate/internal/subscription/domain"
	"github.com/smallbiznis/tunnelgate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  subscriptiondomain.Repository
	cfg   *config.AccountingConfigHolder
	cache cache.IngestResolverCache
}

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   subscriptiondomain.Repository
	Config *config.AccountingConfigHolder
	Cache  cache.IngestResolverCache `optional:"true"`
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		cfg:   p.Config,
		cache: p.Cache,
	}
}

func (s *Service) CreatePlan(ctx context.Context, req subscriptiondomain.CreatePlanRequest) (subscriptiondomain.Plan, error) {
	tenantID, err := parseUUID(req.TenantID, subscriptiondomain.ErrInvalidTenant)
	if err != nil {
		return subscriptiondomain.Plan{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return subscriptiondomain.Plan{}, subscriptiondomain.ErrInvalidName
	}
	if req.QuotaBytes != nil && *req.QuotaBytes < 0 {
		return subscriptiondomain.Plan{}, subscriptiondomain.ErrInvalidQuota
	}
	if req.DurationDays < 0 {
		return subscriptiondomain.Plan{}, subscriptiondomain.ErrInvalidDuration
	}

	plan := subscriptiondomain.Plan{
		ID:           s.genID.Generate(),
		TenantID:     tenantID,
		Name:         name,
		QuotaBytes:   req.QuotaBytes,
		DurationDays: req.DurationDays,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.repo.InsertPlan(ctx, s.db, &plan); err != nil {
		return subscriptiondomain.Plan{}, err
	}
	return plan, nil
}

// Create opens an active subscription. Expiry defaults to the plan duration.
func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (subscriptiondomain.Subscription, error) {
	tenantID, err := parseUUID(req.TenantID, subscriptiondomain.ErrInvalidTenant)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	userID, err := parseUUID(req.UserID, subscriptiondomain.ErrInvalidUser)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if req.QuotaBytesOverride != nil && *req.QuotaBytesOverride < 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidQuota
	}

	now := s.clock.Now()
	subscription := subscriptiondomain.Subscription{
		ID:                 s.genID.Generate(),
		TenantID:           tenantID,
		UserID:             userID,
		QuotaBytesOverride: req.QuotaBytesOverride,
		ExpiryAt:           utcPtr(req.ExpiryAt),
		Active:             true,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if strings.TrimSpace(req.PlanID) != "" {
			plan, err := s.loadPlan(ctx, tx, req.PlanID, tenantID)
			if err != nil {
				return err
			}
			subscription.PlanID = &plan.ID
			if subscription.ExpiryAt == nil && plan.DurationDays > 0 {
				expiry := now.AddDate(0, 0, plan.DurationDays)
				subscription.ExpiryAt = &expiry
			}
		}

		if err := s.repo.Insert(ctx, tx, &subscription); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return subscriptiondomain.ErrActiveSubscriptionExists
			}
			return err
		}
		return nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.invalidate(userID)
	s.log.Info("subscription created",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("user_id", userID.String()),
	)
	return subscription, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (subscriptiondomain.Subscription, error) {
	subscriptionID, err := parseID(id, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	item, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if item == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *item, nil
}

func (s *Service) GetActiveByUserID(ctx context.Context, userID uuid.UUID) (subscriptiondomain.Subscription, error) {
	if s.cache != nil {
		if cached, ok := s.cache.GetActiveSubscription(userID); ok {
			return cached, nil
		}
	}
	item, err := s.repo.FindActiveByUserID(ctx, s.db, userID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if item == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	if s.cache != nil {
		s.cache.SetActiveSubscription(userID, *item)
	}
	return *item, nil
}

// ActiveByUserIDs resolves the active subscription of each user. Users without one are absent from the map.
func (s *Service) ActiveByUserIDs(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]subscriptiondomain.Subscription, error) {
	out := make(map[uuid.UUID]subscriptiondomain.Subscription, len(userIDs))
	missing := make([]uuid.UUID, 0, len(userIDs))
	seen := make(map[uuid.UUID]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		if s.cache != nil {
			if cached, ok := s.cache.GetActiveSubscription(userID); ok {
				out[userID] = cached
				continue
			}
		}
		missing = append(missing, userID)
	}
	if len(missing) == 0 {
		return out, nil
	}

	rows, err := s.repo.ListActiveByUserIDs(ctx, s.db, missing)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.UserID] = row
		if s.cache != nil {
			s.cache.SetActiveSubscription(row.UserID, row)
		}
	}
	return out, nil
}

func (s *Service) QuotaStatus(ctx context.Context, id string) (subscriptiondomain.QuotaStatus, error) {
	subscriptionID, err := parseID(id, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return subscriptiondomain.QuotaStatus{}, err
	}
	view, err := s.repo.FindQuotaView(ctx, s.db, subscriptionID)
	if err != nil {
		return subscriptiondomain.QuotaStatus{}, err
	}
	if view == nil {
		return subscriptiondomain.QuotaStatus{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	return subscriptiondomain.QuotaStatus{
		SubscriptionID:      view.ID.String(),
		UserID:              view.UserID.String(),
		Active:              view.Active,
		ConsumedBytes:       view.ConsumedBytes,
		QuotaBytes:          view.EffectiveQuota(),
		RemainingBytes:      view.RemainingBytes(),
		ExpiryAt:            view.ExpiryAt,
		LastAppliedBucket:   view.LastAppliedBucket,
		LastAppliedChangeID: strconv.FormatInt(view.LastAppliedChangeID, 10),
		DeactivationReason:  view.DeactivationReason,
		Version:             view.Version,
	}, nil
}

func (s *Service) UpdateTerms(ctx context.Context, req subscriptiondomain.UpdateTermsRequest) (subscriptiondomain.Subscription, error) {
	if req.QuotaBytesOverride != nil && *req.QuotaBytesOverride < 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidQuota
	}
	return s.mutate(ctx, req.SubscriptionID, req.ExpectedVersion, "update_terms",
		func(tx *gorm.DB, current subscriptiondomain.Subscription, now time.Time) (map[string]any, error) {
			values := map[string]any{"updated_at": now}
			if req.PlanID != nil {
				if strings.TrimSpace(*req.PlanID) == "" {
					values["plan_id"] = nil
				} else {
					plan, err := s.loadPlan(ctx, tx, *req.PlanID, current.TenantID)
					if err != nil {
						return nil, err
					}
					values["plan_id"] = plan.ID
				}
			}
			switch {
			case req.ClearOverride:
				values["quota_bytes_override"] = nil
			case req.QuotaBytesOverride != nil:
				values["quota_bytes_override"] = *req.QuotaBytesOverride
			}
			switch {
			case req.ClearExpiry:
				values["expiry_at"] = nil
			case req.ExpiryAt != nil:
				values["expiry_at"] = req.ExpiryAt.UTC()
			}
			return values, nil
		})
}

// Reactivate turns an inactive subscription back on. Consumption is kept;
// callers that renew a plan also call ResetConsumption.
func (s *Service) Reactivate(ctx context.Context, req subscriptiondomain.VersionedRequest) (subscriptiondomain.Subscription, error) {
	return s.mutate(ctx, req.SubscriptionID, req.ExpectedVersion, "reactivate",
		func(_ *gorm.DB, current subscriptiondomain.Subscription, now time.Time) (map[string]any, error) {
			if current.Active {
				return nil, subscriptiondomain.ErrSubscriptionAlreadyActive
			}
			return map[string]any{
				"active":              true,
				"deactivated_at":      nil,
				"deactivation_reason": nil,
				"updated_at":          now,
			}, nil
		})
}

func (s *Service) ResetConsumption(ctx context.Context, req subscriptiondomain.VersionedRequest) (subscriptiondomain.Subscription, error) {
	return s.mutate(ctx, req.SubscriptionID, req.ExpectedVersion, "reset_consumption",
		func(_ *gorm.DB, _ subscriptiondomain.Subscription, now time.Time) (map[string]any, error) {
			return map[string]any{
				"consumed_bytes": uint64(0),
				"updated_at":     now,
			}, nil
		})
}

// Delete tombstones the subscription. Its traffic events are kept.
func (s *Service) Delete(ctx context.Context, req subscriptiondomain.VersionedRequest) error {
	_, err := s.mutate(ctx, req.SubscriptionID, req.ExpectedVersion, "delete",
		func(_ *gorm.DB, _ subscriptiondomain.Subscription, now time.Time) (map[string]any, error) {
			return map[string]any{
				"active":     false,
				"deleted_at": now,
				"updated_at": now,
			}, nil
		})
	return err
}

type mutation func(tx *gorm.DB, current subscriptiondomain.Subscription, now time.Time) (map[string]any, error)

// mutate applies fn under the row version. With an expected version a single
// attempt is made; without one, lost races are retried.
func (s *Service) mutate(ctx context.Context, rawID string, expected *int64, op string, fn mutation) (subscriptiondomain.Subscription, error) {
	id, err := parseID(rawID, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	retries := s.cfg.Get().MaxConflictRetries
	if expected != nil {
		retries = 0
	}

	var updated subscriptiondomain.Subscription
	err = db.RetryStale(ctx, retries, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			current, err := s.repo.FindByID(ctx, tx, id)
			if err != nil {
				return err
			}
			if current == nil {
				return subscriptiondomain.ErrSubscriptionNotFound
			}
			if current.DeletedAt != nil {
				return subscriptiondomain.ErrSubscriptionDeleted
			}
			if expected != nil && *expected != current.Version {
				return subscriptiondomain.ErrVersionMismatch
			}

			values, err := fn(tx, *current, s.clock.Now())
			if err != nil {
				return err
			}
			affected, err := s.repo.UpdateIfVersion(ctx, tx, id, current.Version, values)
			if err != nil {
				if db.IsDuplicateKeyErr(err) {
					return subscriptiondomain.ErrActiveSubscriptionExists
				}
				return err
			}
			if affected == 0 {
				if expected != nil {
					return subscriptiondomain.ErrVersionMismatch
				}
				return db.ErrStaleVersion
			}

			reloaded, err := s.repo.FindByID(ctx, tx, id)
			if err != nil {
				return err
			}
			updated = *reloaded
			return nil
		})
	})
	if errors.Is(err, db.ErrStaleVersion) {
		err = subscriptiondomain.ErrConcurrencyConflict
	}
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.invalidate(updated.UserID)
	s.log.Info("subscription updated",
		zap.String("op", op),
		zap.String("subscription_id", updated.ID.String()),
		zap.Int64("version", updated.Version),
	)
	return updated, nil
}

func (s *Service) loadPlan(ctx context.Context, tx *gorm.DB, rawID string, tenantID uuid.UUID) (*subscriptiondomain.Plan, error) {
	planID, err := parseID(rawID, subscriptiondomain.ErrInvalidPlan)
	if err != nil {
		return nil, err
	}
	plan, err := s.repo.FindPlanByID(ctx, tx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil || plan.TenantID != tenantID {
		return nil, subscriptiondomain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Service) invalidate(userID uuid.UUID) {
	if s.cache != nil {
		s.cache.InvalidateUser(userID)
	}
}

func parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}

func parseUUID(value string, invalidErr error) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, invalidErr
	}
	return id, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
