package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/pulse/internal/config"
)

const keySiteIngest = "pulse:ingest:site:%s"

// SiteIngestLimiter bounds HTTP ingestion per site. A disabled limiter allows
// everything.
type SiteIngestLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewSiteIngestLimiter(cfg config.Config, bucket *TokenBucket) *SiteIngestLimiter {
	if !cfg.RateLimit.Enabled || bucket == nil || cfg.RateLimit.SiteRate <= 0 || cfg.RateLimit.SiteBurst <= 0 {
		return &SiteIngestLimiter{}
	}
	return &SiteIngestLimiter{
		bucket: bucket,
		rate:   cfg.RateLimit.SiteRate,
		burst:  cfg.RateLimit.SiteBurst,
	}
}

func (l *SiteIngestLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *SiteIngestLimiter) AllowSite(ctx context.Context, siteID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keySiteIngest, strings.TrimSpace(siteID)), l.rate, l.burst)
}
