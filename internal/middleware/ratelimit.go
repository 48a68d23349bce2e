package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	apperrors "heartlink-backend/pkg/errors"
	"heartlink-backend/pkg/response"
)

// RateLimiter implements Redis-based fixed-window rate limiting. Call
// initiation is the hot path it protects: a misbehaving client must not be
// able to make a match's phone ring in a loop.
type RateLimiter struct {
	redisClient *redis.Client
	requests    int
	window      time.Duration
}

// NewRateLimiter creates a rate limiter allowing requests per window
func NewRateLimiter(redisClient *redis.Client, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		requests:    requests,
		window:      window,
	}
}

// Middleware returns a Gin middleware for rate limiting. Authenticated
// requests are limited per user, anonymous ones per client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var identifier string
		if userID, exists := c.Get("user_id"); exists {
			identifier = fmt.Sprintf("user:%v", userID)
		} else {
			identifier = fmt.Sprintf("ip:%s", c.ClientIP())
		}

		count, ttl, err := rl.hit(c.Request.Context(), identifier)
		if err != nil {
			// Fail-open: Redis being down should not take the API down
			c.Next()
			return
		}

		remaining := rl.requests - count
		if remaining < 0 {
			remaining = 0
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(ttl).Unix(), 10))

		if count > rl.requests {
			appErr := apperrors.RateLimitExceededError()
			response.Error(c, appErr.StatusCode, string(appErr.Code), appErr.Message)
			c.Abort()
			return
		}

		c.Next()
	}
}

// hit counts the request against the identifier's current window
func (rl *RateLimiter) hit(ctx context.Context, identifier string) (int, time.Duration, error) {
	key := fmt.Sprintf("ratelimit:%s", identifier)

	pipe := rl.redisClient.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rl.window)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to count rate limit hit: %w", err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = rl.window
	}

	return int(incr.Val()), ttl, nil
}
