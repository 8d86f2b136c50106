package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/rewards-service/internal/domain"
)

const (
	DefaultRedeemRateLimitPerMinute = 20

	defaultRateLimitPrefix = "rewards:rate_limit"
	redeemRateLimitScope   = "redeem"
	redeemWindow           = time.Minute
)

// admitRedeemScript admits an attempt while the window has room. Refused attempts are not
// counted. Returns {admitted, remaining, ttl_ms}.
var admitRedeemScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  redis.call("SET", KEYS[1], 1, "PX", window)
  return {1, limit - 1, window}
end
local used = tonumber(redis.call("GET", KEYS[1]))
if used >= limit then
  return {0, 0, ttl}
end
used = redis.call("INCR", KEYS[1])
return {1, limit - used, ttl}
`)

// RedeemLimiter admits or refuses a redeem attempt. A refusal is a
// *domain.RateLimitedError; any other error means the limiter could not decide.
type RedeemLimiter interface {
	AllowRedeem(ctx context.Context, userID string) error
}

// RedisRedeemLimiter caps redeem attempts per user per minute in Redis, so every replica
// shares one window per user.
type RedisRedeemLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
}

func NewRedisRedeemLimiter(client redis.UniversalClient, prefix string, perMinute int) *RedisRedeemLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	if perMinute <= 0 {
		perMinute = DefaultRedeemRateLimitPerMinute
	}
	return &RedisRedeemLimiter{client: client, prefix: prefix, limit: perMinute}
}

func (r *RedisRedeemLimiter) windowKey(userID string) string {
	return r.prefix + ":" + redeemRateLimitScope + ":" + userID
}

// AllowRedeem admits the attempt or returns a RateLimitedError carrying the time left in
// the user's window. A nil limiter admits everything.
func (r *RedisRedeemLimiter) AllowRedeem(ctx context.Context, userID string) error {
	if r == nil || r.client == nil {
		return nil
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}

	raw, err := admitRedeemScript.Run(ctx, r.client, []string{r.windowKey(userID)}, r.limit, redeemWindow.Milliseconds()).Int64Slice()
	if err != nil {
		return fmt.Errorf("redeem limiter: %w", err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("redeem limiter: unexpected reply of %d values", len(raw))
	}
	if raw[0] == 1 {
		return nil
	}
	return &domain.RateLimitedError{Scope: redeemRateLimitScope, RetryAfter: retryAfter(raw[2])}
}

// retryAfter rounds a remaining window up to whole seconds, never below one.
func retryAfter(ttlMs int64) time.Duration {
	secs := (ttlMs + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
