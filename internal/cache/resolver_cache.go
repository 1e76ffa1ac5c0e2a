package cache

import (
	"strings"
	"time"

	"github.com/google/uuid"
	subscriptiondomain "github.com/smallbiznis/tunnelgate/internal/subscription/domain"
	"go.uber.org/fx"
)

const (
	defaultSubscriptionTTL = 45 * time.Second
	defaultNodeTTL         = 5 * time.Minute
	defaultMaxItems        = 50_000
)

var Module = fx.Module("cache",
	fx.Provide(NewIngestResolverCache),
)

// IngestResolverCache stores hot-path lookups for traffic ingest.
type IngestResolverCache interface {
	GetActiveSubscription(userID uuid.UUID) (subscriptiondomain.Subscription, bool)
	SetActiveSubscription(userID uuid.UUID, subscription subscriptiondomain.Subscription)
	InvalidateUser(userID uuid.UUID)
	GetNode(nodeID uuid.UUID) (bool, bool)
	SetNode(nodeID uuid.UUID, exists bool)
}

type ingestResolverCache struct {
	subscriptions Cache[string, subscriptiondomain.Subscription]
	nodes         Cache[string, bool]
	subTTL        time.Duration
	nodeTTL       time.Duration
}

// NewIngestResolverCache returns an in-memory cache tuned for traffic ingest.
func NewIngestResolverCache() (IngestResolverCache, error) {
	subscriptions, err := NewTTLCache[string, subscriptiondomain.Subscription](defaultMaxItems)
	if err != nil {
		return nil, err
	}
	nodes, err := NewTTLCache[string, bool](defaultMaxItems)
	if err != nil {
		return nil, err
	}
	return &ingestResolverCache{
		subscriptions: subscriptions,
		nodes:         nodes,
		subTTL:        defaultSubscriptionTTL,
		nodeTTL:       defaultNodeTTL,
	}, nil
}

func (c *ingestResolverCache) GetActiveSubscription(userID uuid.UUID) (subscriptiondomain.Subscription, bool) {
	return c.subscriptions.Get(cacheKey("sub", userID.String()))
}

func (c *ingestResolverCache) SetActiveSubscription(userID uuid.UUID, subscription subscriptiondomain.Subscription) {
	if subscription.ID == 0 {
		return
	}
	c.subscriptions.Set(cacheKey("sub", userID.String()), subscription, c.subTTL)
}

func (c *ingestResolverCache) InvalidateUser(userID uuid.UUID) {
	c.subscriptions.Delete(cacheKey("sub", userID.String()))
}

func (c *ingestResolverCache) GetNode(nodeID uuid.UUID) (bool, bool) {
	return c.nodes.Get(cacheKey("node", nodeID.String()))
}

func (c *ingestResolverCache) SetNode(nodeID uuid.UUID, exists bool) {
	c.nodes.Set(cacheKey("node", nodeID.String()), exists, c.nodeTTL)
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
