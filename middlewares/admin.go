package middlewares

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"ledgersync/helpers"

	"github.com/gofiber/fiber/v2"
)

const (
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
	HeaderActor     = "X-Actor-ID"
)

// SignAdminRequest is hex(HMAC-SHA256(secret, timestamp\nMETHOD\npath\nbody)).
func SignAdminRequest(secret, timestamp, method, path string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp + "\n" + method + "\n" + path + "\n"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// AdminAuth checks the request signature and rejects timestamps further
// than maxSkew from the server clock.
func AdminAuth(secret string, maxSkew time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		timestamp := c.Get(HeaderTimestamp)
		signature := c.Get(HeaderSignature)
		if timestamp == "" || signature == "" {
			return helpers.JSONStatus(c, fiber.StatusUnauthorized, "SIGNATURE_REQUIRED")
		}

		sec, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return helpers.JSONStatus(c, fiber.StatusUnauthorized, "INVALID_TIMESTAMP")
		}
		skew := time.Since(time.Unix(sec, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > maxSkew {
			return helpers.JSONStatus(c, fiber.StatusUnauthorized, "TIMESTAMP_EXPIRED")
		}

		expected := SignAdminRequest(secret, timestamp, c.Method(), c.Path(), c.Body())
		if !hmac.Equal([]byte(expected), []byte(signature)) {
			return helpers.JSONStatus(c, fiber.StatusUnauthorized, "INVALID_SIGNATURE")
		}

		actor := "admin"
		if v := c.Get(HeaderActor); v != "" {
			actor = "admin:" + v
		}
		c.Locals("actor", actor)
		return c.Next()
	}
}
