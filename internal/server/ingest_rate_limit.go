package server

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tunnelgate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tunnelgate/internal/observability/metrics"
	"github.com/smallbiznis/tunnelgate/internal/ratelimit"
	"go.uber.org/zap"
)

const rateLimitReasonTenantRate = "tenant-rate"

// TrafficIngestRateLimit spends one token per batch from the tenant's bucket.
func (s *Server) TrafficIngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.ingestLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		tenant := ""
		if tenantID := tenantFromRequest(c); tenantID != nil {
			tenant = tenantID.String()
		}

		res, err := s.ingestLimiter.Allow(ctx, tenant)
		if err != nil {
			logger.FromContext(ctx).Warn("traffic ingest rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			denyTrafficIngestRateLimit(c, normalizeRateLimitEndpoint(c), res, s.obsMetrics)
			return
		}
		c.Next()
	}
}

func denyTrafficIngestRateLimit(c *gin.Context, endpoint string, res ratelimit.Result, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("traffic ingest rate limit exceeded",
		zap.String("reason", rateLimitReasonTenantRate),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, metrics)

	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(res)))
	c.Header("X-Rate-Limited-Reason", rateLimitReasonTenantRate)
	AbortWithError(c, ErrRateLimited)
}

func retryAfterSeconds(res ratelimit.Result) int {
	seconds := int(math.Ceil(res.RetryAfter.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

func recordRateLimitDenied(ctx context.Context, endpoint string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, endpoint)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
