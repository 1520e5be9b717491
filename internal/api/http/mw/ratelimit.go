package mw

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goredis "github.com/redis/go-redis/v9"

	"streamlease/internal/config"
	"streamlease/internal/security"
	"streamlease/internal/stores/redis"
)

type RateLimitMiddleware struct {
	Cfg      *config.RateLimitConfig
	Rdb      *redis.Client
	Verifier *security.RS256Verifier // optional, lets the limiter key by JWT subject on unauthenticated routes
}

func NewRateLimit(cfg *config.RateLimitConfig, rdb *redis.Client, v *security.RS256Verifier) *RateLimitMiddleware {
	if cfg == nil {
		panic("rate limit config cannot be nil")
	}
	if rdb == nil {
		panic("rate limit redis client cannot be nil")
	}

	// sane defaults
	if cfg.ByJWT.TTL == 0 {
		cfg.ByJWT.TTL = 2 * time.Minute
	}
	if cfg.ByIP.TTL == 0 {
		cfg.ByIP.TTL = 2 * time.Minute
	}

	return &RateLimitMiddleware{Cfg: cfg, Rdb: rdb, Verifier: v}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		now := time.Now()

		// by ip
		ip := extractClientIP(r, m.Cfg.TrustedProxiesList)

		okIP, remIP := m.allow(ctx, "rl:ip:"+ip, now, m.Cfg.ByIP)
		w.Header().Set("X-RateLimit-Limit-IP", strconv.Itoa(m.Cfg.ByIP.Burst))
		w.Header().Set("X-RateLimit-Remaining-IP", strconv.FormatInt(remIP, 10))

		// by JWT if exists/valid
		okJWT := true

		sub := subjectFromContext(r)
		if sub == "" && m.Verifier != nil {
			// try to parse ourselves
			if cl, err := m.Verifier.VerifyBearer(r.Header.Get("Authorization")); err == nil {
				if rc, ok := cl.(*jwt.RegisteredClaims); ok && rc.Subject != "" {
					sub = rc.Subject
				}
			}
		}
		if sub != "" {
			var remJWT int64
			okJWT, remJWT = m.allow(ctx, "rl:jwt:"+sub, now, m.Cfg.ByJWT)
			w.Header().Set("X-RateLimit-Limit-JWT", strconv.Itoa(m.Cfg.ByJWT.Burst))
			w.Header().Set("X-RateLimit-Remaining-JWT", strconv.FormatInt(remJWT, 10))
		}

		if !(okIP && okJWT) {
			w.Header().Set("Retry-After", strconv.Itoa(m.calculateRetryAfter(okIP, okJWT)))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// calculateRetryAfter picks the slowest exhausted bucket, in whole seconds, at least 1.
func (m *RateLimitMiddleware) calculateRetryAfter(okIP, okJWT bool) int {
	worst := 0.0

	if !okIP && m.Cfg.ByIP.RefillPerSec > 0 {
		if d := 1.0 / float64(m.Cfg.ByIP.RefillPerSec); d > worst {
			worst = d
		}
	}
	if !okJWT && m.Cfg.ByJWT.RefillPerSec > 0 {
		if d := 1.0 / float64(m.Cfg.ByJWT.RefillPerSec); d > worst {
			worst = d
		}
	}

	retry := int(math.Ceil(worst))
	if retry < 1 {
		retry = 1
	}
	return retry
}

// --- redis token-bucket (Lua) for atomic and one query ---
var luaTokenBucket = goredis.NewScript(`
-- KEYS[1] = key
-- ARGV[1] = now_ms
-- ARGV[2] = refill_per_sec (integer)
-- ARGV[3] = burst (integer)
-- ARGV[4] = ttl_seconds
local key   = KEYS[1]
local now   = tonumber(ARGV[1])
local rate  = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local ttl   = tonumber(ARGV[4])

-- read state
local last_ms = tonumber(redis.call('HGET', key, 'ts') or now)
local tokens  = tonumber(redis.call('HGET', key, 'tok') or burst)

-- replenish
if now > last_ms then
  local delta = (now - last_ms) / 1000.0
  tokens = math.min(burst, tokens + (delta * rate))
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', key, 'tok', tokens, 'ts', now)
redis.call('EXPIRE', key, ttl)

return {allowed, tokens}
`)

func (m *RateLimitMiddleware) allow(ctx context.Context, key string, now time.Time, b config.RateBucket) (bool, int64) {
	ttl := int(b.TTL.Seconds())
	if ttl <= 0 {
		ttl = 120
	}

	res, err := luaTokenBucket.Run(ctx, m.Rdb.Client, []string{key},
		now.UnixMilli(),
		b.RefillPerSec,
		b.Burst,
		ttl,
	).Result()
	if err != nil { // fail open, the limiter must not take the API down with it
		return true, int64(b.Burst)
	}

	arr, ok := res.([]any)
	if !ok || len(arr) < 2 {
		return true, int64(b.Burst)
	}

	return asInt64(arr[0]) == 1, asInt64(arr[1])
}

func asInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	}
	return 0
}

// extractClientIP returns the originating client IP. Forwarding headers are
// honored when no trusted proxy list is configured or when the peer is on it.
// Within X-Forwarded-For the first public hop wins, otherwise the first valid one.
func extractClientIP(r *http.Request, trustedProxies []string) string {
	peer := remoteAddrIP(r.RemoteAddr)

	trustHeaders := len(trustedProxies) == 0 || isTrusted(peer, trustedProxies)
	if trustHeaders {
		if ips := parseXFF(r.Header.Get("X-Forwarded-For")); len(ips) > 0 {
			for _, ip := range ips {
				if isPublicIP(ip) {
					return ip
				}
			}
			return ips[0]
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" && net.ParseIP(xrip) != nil {
			return xrip
		}
	}

	return peer
}

func isTrusted(ip string, trusted []string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	for _, t := range trusted {
		if strings.Contains(t, "/") {
			if _, cidr, err := net.ParseCIDR(t); err == nil && cidr.Contains(parsed) {
				return true
			}
			continue
		}
		if other := net.ParseIP(t); other != nil && other.Equal(parsed) {
			return true
		}
	}
	return false
}

func isPublicIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	if parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() ||
		parsed.IsLinkLocalMulticast() || parsed.IsUnspecified() {
		return false
	}
	return true
}

// parseXFF keeps only syntactically valid entries, left to right.
func parseXFF(xff string) []string {
	out := []string{}
	for _, part := range strings.Split(xff, ",") {
		ip := strings.TrimSpace(part)
		if ip == "" || net.ParseIP(ip) == nil {
			continue
		}
		out = append(out, ip)
	}
	return out
}

func remoteAddrIP(remoteAddr string) string {
	s := strings.TrimSpace(remoteAddr)

	if host, _, err := net.SplitHostPort(s); err == nil {
		if net.ParseIP(host) != nil {
			return host
		}
		return "unknown"
	}

	if net.ParseIP(s) != nil {
		return s
	}
	return "unknown"
}
