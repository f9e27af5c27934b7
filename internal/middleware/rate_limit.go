package middleware

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ryan11yuan/gravitas/internal/utils"
)

// RateLimit creates a per-session rate limiter middleware instance.
func RateLimit(identifier string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			return fmt.Sprintf("%s:%s", identifier, limiterKey(c))
		},
		LimitReached: func(c *fiber.Ctx) error {
			return utils.SendError(c, fiber.StatusTooManyRequests, "too many analysis requests")
		},
	})
}

func limiterKey(c *fiber.Ctx) string {
	if userID := UserID(c); userID != "" {
		return "user:" + userID
	}
	if session := strings.TrimSpace(c.Get(HeaderSessionID)); session != "" {
		return "session:" + session
	}
	return "ip:" + c.IP()
}
