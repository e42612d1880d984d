package middleware

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"notehub/internal/metrics"
	"notehub/internal/ratelimit"
)

type limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Decision, error)
}

// RateLimit budgets requests per client IP under name. When redis is
// unreachable requests are let through.
func RateLimit(l limiter, name string, limit int, window time.Duration, m *metrics.Metrics, log zerolog.Logger, respond ErrorResponder) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision, err := l.Allow(c.Request.Context(), name+":"+c.ClientIP(), limit, window)
		if err != nil {
			log.Warn().Err(err).Str("limit", name).Msg("rate limiter unavailable")
			c.Next()
			return
		}
		if !decision.Allowed {
			m.RateLimited(name)
			seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(seconds))
			respond(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
