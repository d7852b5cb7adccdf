package middleware

import (
	"crypto/sha256"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/crypto/bcrypt"
)

// AdminAPIKey authenticates admin requests against a bcrypt hash of the
// admin API key. Keys that passed bcrypt once are remembered by their
// SHA-256 so repeated calls skip the expensive comparison.
func AdminAPIKey(hash string) fiber.Handler {
	var mu sync.RWMutex
	verified := make(map[[sha256.Size]byte]struct{})

	return func(c *fiber.Ctx) error {
		if hash == "" {
			log.Error("[Auth] ADMIN_API_KEY_HASH is not configured, rejecting admin request")
			return Abort(c, fiber.StatusServiceUnavailable, "ADMIN_DISABLED", "Admin API is not configured")
		}

		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return Abort(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "Missing API key")
		}

		sum := sha256.Sum256([]byte(apiKey))
		mu.RLock()
		_, ok := verified[sum]
		mu.RUnlock()
		if ok {
			return c.Next()
		}

		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)); err != nil {
			log.Warnf("[Auth] Invalid admin API key from %s", ClientIP(c))
			return Abort(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "Invalid API key")
		}

		mu.Lock()
		verified[sum] = struct{}{}
		mu.Unlock()
		return c.Next()
	}
}

// Abort writes the JSON error body used across the API
func Abort(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{"code": code, "message": message},
	})
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
