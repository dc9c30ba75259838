package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/unihealth/unihealth/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleExpiry drops a client's limiter once it has made no request for
	// this long.
	IdleExpiry time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		IdleExpiry:        3 * time.Minute,
	}
}

// AuthRateLimitConfig throttles the credential endpoints per client IP.
func AuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         10,
		IdleExpiry:        3 * time.Minute,
	}
}

// ClientKey identifies the caller for rate limiting: the client IP, prefixed
// with the signed-in user when there is one.
func ClientKey(c echo.Context) string {
	key := c.RealIP()
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		key = uid + ":" + key
	}
	return key
}

// RateLimit returns a token bucket middleware keyed by ClientKey, backed by
// echo's in-memory limiter store. Denied requests get 429 with Retry-After.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)
	retry := strconv.Itoa(retryAfter(cfg.RequestsPerSecond))

	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RequestsPerSecond),
		Burst:     cfg.BurstSize,
		ExpiresIn: cfg.IdleExpiry,
	})

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		BeforeFunc: func(c echo.Context) {
			c.Response().Header().Set("X-RateLimit-Limit", limit)
		},
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return ClientKey(c), nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			h := c.Response().Header()
			h.Set("Retry-After", retry)
			h.Set("X-RateLimit-Remaining", "0")
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}

// retryAfter is the whole number of seconds until one token refills.
func retryAfter(perSecond float64) int {
	if perSecond <= 0 {
		return 1
	}
	return max(1, int(math.Ceil(1/perSecond)))
}
