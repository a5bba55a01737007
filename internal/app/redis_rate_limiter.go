package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ingressThrottleScript counts deliveries per key inside a fixed window. The
// first hit arms the window's expiry; later hits report the remaining window
// so 429 responses can carry an accurate Retry-After. Runs as one atomic
// script so concurrent deliveries on different instances share one counter.
var ingressThrottleScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  return {hits, tonumber(ARGV[1])}
end
local remaining = redis.call("PTTL", KEYS[1])
if remaining < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  remaining = tonumber(ARGV[1])
end
return {hits, remaining}
`)

// RedisWebhookRateLimiter throttles inbound provider deliveries with a
// per-provider counter in Redis, shared across service instances. Providers
// retry aggressively when throttled, so the limiter only ever sheds load; a
// nil limiter and Redis errors both fail open because a broken cache must
// never drop payment events.
type RedisWebhookRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisWebhookRateLimiter(client redis.UniversalClient, prefix string) *RedisWebhookRateLimiter {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "givly:rate_limit"
	}
	return &RedisWebhookRateLimiter{client: client, prefix: p}
}

// ConsumeRateLimit records one delivery against scope/subject (for webhook
// ingress: "webhook"/provider name) and reports the hit count in the current
// window plus the seconds a throttled caller should wait. Callers compare
// count against limit; the limiter itself never rejects.
func (r *RedisWebhookRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if r == nil || r.client == nil || limit <= 0 || window <= 0 || scope == "" || subject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	raw, err := ingressThrottleScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 2 {
		return 0, 0, fmt.Errorf("unexpected throttle script reply: %T", raw)
	}
	hits, hitsOK := reply[0].(int64)
	remainingMs, ttlOK := reply[1].(int64)
	if !hitsOK || !ttlOK {
		return 0, 0, fmt.Errorf("unexpected throttle script reply values: %v", reply)
	}

	retryAfter := int((remainingMs + 999) / 1000)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(hits), retryAfter, nil
}
