package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tunnelgate/internal/clock"
	"github.com/smallbiznis/tunnelgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const keyTrafficIngestTenant = "tunnelgate:traffic:ingest:tenant:%s"

type IngestLimiterParams struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Clock  clock.Clock
	Redis  *redis.Client `optional:"true"`
}

// TrafficIngestLimiter throttles ingest batches per tenant. With redis the
// bucket is shared by every gateway replica; without it each process keeps
// its own limiter.
type TrafficIngestLimiter struct {
	enabled bool
	log     *zap.Logger
	clock   clock.Clock

	bucket *TokenBucket
	rate   float64
	burst  int

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

func NewTrafficIngestLimiter(p IngestLimiterParams) (*TrafficIngestLimiter, error) {
	limitCfg := p.Config.RateLimit
	if !limitCfg.Enabled {
		return &TrafficIngestLimiter{}, nil
	}
	if limitCfg.IngestTenantRate <= 0 || limitCfg.IngestBurst <= 0 {
		return nil, fmt.Errorf("traffic ingest limit: %w", ErrLimiterInvalidRate)
	}

	l := &TrafficIngestLimiter{
		enabled: true,
		log:     p.Log.Named("ratelimit.ingest"),
		clock:   p.Clock,
		bucket:  NewTokenBucket(p.Redis),
		rate:    limitCfg.IngestTenantRate,
		burst:   limitCfg.IngestBurst,
		local:   make(map[string]*rate.Limiter),
	}
	if l.bucket == nil {
		l.log.Info("redis not configured, using in-process ingest limiter")
	}
	return l, nil
}

func (l *TrafficIngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// Allow takes one token from the tenant's bucket. Anonymous batches share
// the "unknown" bucket.
func (l *TrafficIngestLimiter) Allow(ctx context.Context, tenantID string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		tenantID = "unknown"
	}
	if l.bucket != nil {
		return l.bucket.Allow(ctx, fmt.Sprintf(keyTrafficIngestTenant, tenantID), l.rate, l.burst)
	}
	return l.allowLocal(tenantID), nil
}

func (l *TrafficIngestLimiter) allowLocal(tenantID string) Result {
	l.mu.Lock()
	limiter, ok := l.local[tenantID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.rate), l.burst)
		l.local[tenantID] = limiter
	}
	l.mu.Unlock()

	now := l.now()
	reservation := limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return Result{Allowed: false, Limit: l.burst, RetryAfter: delay}
	}
	return Result{Allowed: true, Limit: l.burst, Remaining: int(limiter.TokensAt(now))}
}

func (l *TrafficIngestLimiter) now() time.Time {
	if l.clock == nil {
		return time.Now()
	}
	return l.clock.Now()
}
