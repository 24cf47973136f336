package routes

import (
	"context"
	"time"

	"ledgersync/config"
	"ledgersync/controllers/admin"
	"ledgersync/helpers"
	"ledgersync/middlewares"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ping reports whether the ledger database is reachable.
type Ping func(ctx context.Context) error

func Setup(app *fiber.App, h *admin.Handler, cfg config.AdminConfig, ping Ping) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		if ping != nil {
			ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				return helpers.JSONStatus(c, fiber.StatusServiceUnavailable, "DATABASE_UNAVAILABLE")
			}
		}
		return helpers.JSONSuccess(c, "ok", nil)
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	adminroutes := app.Group("/admin", middlewares.AdminAuth(cfg.Secret, cfg.MaxSkew))
	adminroutes.Get("/status", h.Status)
	adminroutes.Post("/sync/:apiType/:operatorID", h.RunSync)
	adminroutes.Post("/balance/:apiType/:operatorID/refresh", h.RefreshBalance)
	adminroutes.Get("/operators/:operatorID", h.OperatorInfo)
	adminroutes.Get("/users/:username/balance", h.UserBalance)
	adminroutes.Get("/partners/:partnerID/summary", h.DownlineSummary)
	adminroutes.Post("/ratelimit/clear", h.ClearQueues)
	adminroutes.Post("/sessions/evaluate", h.EvaluateSessions)
}
