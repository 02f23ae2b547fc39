package server

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/pulse/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/pulse/internal/observability/metrics"
	"go.uber.org/zap"
)

const rateLimitReasonSiteRate = "site-rate"

// SiteIngestRateLimit applies the per-site token bucket to ingestion.
// Limiter failures fail open.
func (s *Server) SiteIngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.siteLimiter == nil || !s.siteLimiter.Enabled() {
			c.Next()
			return
		}

		siteID := strings.TrimSpace(c.Param("siteId"))
		endpoint := normalizeRateLimitEndpoint(c)
		ctx := c.Request.Context()

		result, err := s.siteLimiter.AllowSite(ctx, siteID)
		if err != nil {
			logger.FromContext(ctx).Warn("site rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !result.Allowed {
			retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			c.Header("X-RateLimit-Remaining", "0")
			denySiteRateLimit(c, endpoint, siteID, rateLimitReasonSiteRate, s.obsMetrics)
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		recordRateLimitAllowed(ctx, endpoint, siteID, s.obsMetrics)
		c.Next()
	}
}

func denySiteRateLimit(c *gin.Context, endpoint, siteID, reason string, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("ingest rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, siteID, reason, metrics)

	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimitAllowed(ctx context.Context, endpoint, siteID string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, siteID, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, siteID, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, siteID, endpoint, reason)
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
