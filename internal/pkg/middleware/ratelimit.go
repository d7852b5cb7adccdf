package middleware

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/ClubPay/internal/pkg/env"
)

// RateLimitConfig configures the admin API limiter
type RateLimitConfig struct {
	Max        int
	Expiration time.Duration
	// Storage shares counters between instances. Nil keeps them in memory.
	Storage fiber.Storage
}

// LoadRateLimitConfig reads RATE_LIMIT_MAX and RATE_LIMIT_WINDOW
func LoadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Max:        env.GetEnvInt("RATE_LIMIT_MAX", 120),
		Expiration: env.GetEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
	}
}

// RateLimiter limits requests per client IP
func RateLimiter(cfg RateLimitConfig) fiber.Handler {
	if cfg.Max <= 0 {
		cfg.Max = 120
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = time.Minute
	}
	return limiter.New(limiter.Config{
		Max:          cfg.Max,
		Expiration:   cfg.Expiration,
		Storage:      cfg.Storage,
		KeyGenerator: ClientIP,
		LimitReached: func(c *fiber.Ctx) error {
			return Abort(c, fiber.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
		},
	})
}

// NewRedisStorage creates limiter storage on the cache server, using database
// 1 so counters never collide with the idempotency keys in database 0.
func NewRedisStorage(client *redis.Client) fiber.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if client != nil {
		addr := client.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := client.Options().Password; p != "" {
			password = p
		}
	}

	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: env.GetEnvInt("RATE_LIMIT_CACHE_DB", 1),
		Reset:    false,
	})
}

// ClientIP returns the originating client address, preferring proxy headers
func ClientIP(c *fiber.Ctx) string {
	if ip := strings.TrimSpace(c.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := c.Get("X-Forwarded-For"); xff != "" {
		// the first entry is the original client
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	ip := c.IP()
	if strings.HasPrefix(ip, "::ffff:") && strings.Contains(ip, ".") {
		return strings.TrimPrefix(ip, "::ffff:")
	}
	return ip
}
