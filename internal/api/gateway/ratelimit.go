// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter enforces fixed-window per-minute limits backed by Redis
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
	config RateLimitConfig
	script *redis.Script
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Enabled        bool                      `yaml:"enabled"`
	Tier           string                    `yaml:"tier"` // tier applied when the request names none
	TierHeader     string                    `yaml:"tier_header"`
	Tiers          map[string]TierLimits     `yaml:"tiers"`
	Endpoints      map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders bool                      `yaml:"include_headers"`
}

// TierLimits defines rate limits per client tier
type TierLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// EndpointLimits defines rate limits for specific endpoints
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CostMultiplier    int    `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Tier       string
	Reason     string
}

// DefaultRateLimitConfig returns the limiter defaults. Limiting is off until
// enabled in config.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Tier:           "default",
		TierHeader:     "X-APTForge-Tier",
		Tiers:          DefaultTiers(),
		Endpoints:      DefaultEndpointLimits(),
		IncludeHeaders: true,
	}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(redisClient *redis.Client, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.Tier == "" {
		cfg.Tier = "default"
	}

	return &RateLimiter{
		redis:  redisClient,
		logger: logger,
		config: cfg,
		script: redis.NewScript(`
		local current = redis.call('INCR', KEYS[1])
		if current == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return current
	`),
	}
}

// DefaultTiers returns default tier configurations
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		"default":  {RequestsPerMinute: 120},
		"analyst":  {RequestsPerMinute: 600},
		"internal": {RequestsPerMinute: 3000},
	}
}

// DefaultEndpointLimits returns default endpoint-specific limits. Analysis
// drives two LLM calls per request and is limited hardest.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		"POST:/api/v1/analyze": {
			Path:              "/api/v1/analyze",
			Method:            http.MethodPost,
			RequestsPerMinute: 10,
			CostMultiplier:    1,
		},
		"POST:/api/v1/ttps/match": {
			Path:              "/api/v1/ttps/match",
			Method:            http.MethodPost,
			RequestsPerMinute: 60,
			CostMultiplier:    2,
		},
		"POST:/api/v1/apts/attribute": {
			Path:              "/api/v1/apts/attribute",
			Method:            http.MethodPost,
			RequestsPerMinute: 300,
			CostMultiplier:    1,
		},
	}
}

// Check performs a rate limit check. Redis failures fail open.
func (rl *RateLimiter) Check(ctx context.Context, tier, clientID, endpoint, method string) (*RateLimitResult, error) {
	tierLimits := rl.getTierLimits(tier)
	endpointLimits := rl.getEndpointLimits(endpoint, method)
	effective := rl.calculateEffectiveLimits(tierLimits, endpointLimits)

	bucket := "default"
	if endpointLimits != nil {
		bucket = method + ":" + endpointLimits.Path
	}
	redisKey := fmt.Sprintf("aptforge:ratelimit:%s:%s:%s:minute", tier, clientID, bucket)
	now := time.Now()

	result, err := rl.script.Run(ctx, rl.redis, []string{redisKey}, 60000).Int()
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Tier: tier}, nil
	}

	allowed := result <= effective.RequestsPerMinute
	remaining := effective.RequestsPerMinute - result
	if remaining < 0 {
		remaining = 0
	}

	ttl, _ := rl.redis.PTTL(ctx, redisKey).Result()
	if ttl < 0 {
		ttl = time.Minute
	}
	resetAt := now.Add(ttl)

	var retryAfter time.Duration
	var reason string
	if !allowed {
		retryAfter = ttl
		reason = "Rate limit exceeded"
	}

	return &RateLimitResult{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      effective.RequestsPerMinute,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
		Tier:       tier,
		Reason:     reason,
	}, nil
}

func (rl *RateLimiter) getTierLimits(tier string) TierLimits {
	if limits, ok := rl.config.Tiers[tier]; ok {
		return limits
	}
	return rl.config.Tiers[rl.config.Tier]
}

func (rl *RateLimiter) getEndpointLimits(endpoint, method string) *EndpointLimits {
	key := method + ":" + endpoint
	if limits, ok := rl.config.Endpoints[key]; ok {
		return &limits
	}
	return nil
}

func (rl *RateLimiter) calculateEffectiveLimits(tier TierLimits, endpoint *EndpointLimits) TierLimits {
	if endpoint == nil {
		return tier
	}
	effective := tier
	if endpoint.RequestsPerMinute > 0 && endpoint.RequestsPerMinute < tier.RequestsPerMinute {
		effective.RequestsPerMinute = endpoint.RequestsPerMinute
	}
	if endpoint.CostMultiplier > 1 {
		effective.RequestsPerMinute /= endpoint.CostMultiplier
	}
	if effective.RequestsPerMinute < 1 {
		effective.RequestsPerMinute = 1
	}
	return effective
}

// TierFromHeader resolves the caller's tier from the configured header.
func (rl *RateLimiter) TierFromHeader(r *http.Request) string {
	if rl.config.TierHeader != "" {
		if tier := r.Header.Get(rl.config.TierHeader); tier != "" {
			if _, ok := rl.config.Tiers[tier]; ok {
				return tier
			}
		}
	}
	return rl.config.Tier
}

// Middleware returns an HTTP middleware for rate limiting
func (rl *RateLimiter) Middleware(getTier func(r *http.Request) string, getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tier := getTier(r)
			clientID := ""
			if getClientID != nil {
				clientID = getClientID(r)
			}
			if clientID == "" {
				clientID = getClientIP(r)
			}

			result, err := rl.Check(ctx, tier, clientID, r.URL.Path, r.Method)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if rl.config.IncludeHeaders && result.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				rl.logger.Info("Rate limit exceeded",
					zap.String("tier", tier),
					zap.String("client", clientID),
					zap.String("path", r.URL.Path),
				)
				w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":"%s","retry_after":%d}`,
					result.Reason, int(result.RetryAfter.Seconds()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
