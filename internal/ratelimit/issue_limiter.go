package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/mintflow/internal/config"
)

const keyIssueAccount = "mint:issue:account:%s"

// IssueLimiter throttles payment request issuance per requester account.
type IssueLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewIssueLimiter returns nil (disabled) without Redis or with a non-positive rate.
func NewIssueLimiter(cfg config.Config, client *redis.Client) *IssueLimiter {
	if client == nil || cfg.IssueRateLimit <= 0 || cfg.IssueBurst <= 0 {
		return nil
	}
	return &IssueLimiter{
		bucket: NewTokenBucket(client),
		rate:   cfg.IssueRateLimit,
		burst:  cfg.IssueBurst,
	}
}

func (l *IssueLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *IssueLimiter) Allow(ctx context.Context, accountID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyIssueAccount, strings.TrimSpace(accountID)), l.rate, l.burst)
}
