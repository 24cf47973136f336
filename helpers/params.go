package helpers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// UintParam reads a positive integer route parameter.
func UintParam(c *fiber.Ctx, name string) (uint, bool) {
	n, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}

// ActorID identifies who triggered a manual action; it ends up in balance logs.
func ActorID(c *fiber.Ctx) string {
	if actor, ok := c.Locals("actor").(string); ok && actor != "" {
		return actor
	}
	return "admin"
}

func LowerParam(c *fiber.Ctx, name string) string {
	return strings.ToLower(strings.TrimSpace(c.Params(name)))
}
