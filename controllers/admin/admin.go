package admin

import (
	"context"
	"errors"
	"time"

	"ledgersync/database"
	"ledgersync/helpers"
	"ledgersync/logger"
	"ledgersync/models"
	"ledgersync/providers"
	"ledgersync/services"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type Engine interface {
	RunCycle(ctx context.Context, t services.Target) (services.CycleResult, error)
	RefreshOperatorBalance(ctx context.Context, t services.Target, actorID string) (*models.PartnerBalanceLog, error)
	InFlight() []services.Target
	QueueLengths() map[string]int
}

type Store interface {
	DownlineSummary(ctx context.Context, partnerID uint) (database.DownlineSummary, error)
	OperatorOverview(ctx context.Context, partnerID uint) (*database.OperatorOverview, error)
	ResolveUsersByUsername(ctx context.Context, usernames []string) (map[string]database.UserRef, error)
}

type Jobs interface {
	Names() []string
}

type Queues interface {
	ClearAll() int
}

type Monitor interface {
	Evaluate(ctx context.Context, now time.Time) (services.EvaluateResult, error)
}

type Handler struct {
	Engine  Engine
	Store   Store
	Jobs    Jobs
	Queues  Queues
	Monitor Monitor
}

func target(c *fiber.Ctx) (services.Target, bool) {
	id, ok := helpers.UintParam(c, "operatorID")
	apiType := helpers.LowerParam(c, "apiType")
	if !ok || apiType == "" {
		return services.Target{}, false
	}
	return services.Target{OperatorID: id, APIType: apiType}, true
}

// failure maps engine errors to a status code and message.
func failure(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrCycleInFlight):
		return helpers.JSONStatus(c, fiber.StatusConflict, "SYNC_IN_FLIGHT")
	case errors.Is(err, gorm.ErrRecordNotFound):
		return helpers.JSONStatus(c, fiber.StatusNotFound, "TARGET_NOT_FOUND")
	case errors.Is(err, providers.ErrNotSupported):
		return helpers.JSONError(c, "NOT_SUPPORTED_BY_PROVIDER")
	case errors.Is(err, providers.ErrConfig), errors.Is(err, providers.ErrUnknownProvider):
		return helpers.JSONError(c, "PROVIDER_NOT_CONFIGURED")
	case providers.IsRejected(err):
		return helpers.JSONStatus(c, fiber.StatusBadGateway, "PROVIDER_REJECTED")
	default:
		return helpers.JSONStatus(c, fiber.StatusBadGateway, "PROVIDER_UNAVAILABLE")
	}
}

// RunSync triggers one cycle outside the schedule.
func (h *Handler) RunSync(c *fiber.Ctx) error {
	t, ok := target(c)
	if !ok {
		return helpers.JSONError(c, "INVALID_TARGET")
	}

	res, err := h.Engine.RunCycle(c.UserContext(), t)
	if err != nil {
		logger.Warn().Err(err).Str("target", t.String()).Str("actor", helpers.ActorID(c)).Msg("[Admin] manual sync failed")
		return failure(c, err)
	}
	return helpers.JSONSuccess(c, "Sync cycle completed", res)
}

func (h *Handler) RefreshBalance(c *fiber.Ctx) error {
	t, ok := target(c)
	if !ok {
		return helpers.JSONError(c, "INVALID_TARGET")
	}

	entry, err := h.Engine.RefreshOperatorBalance(c.UserContext(), t, helpers.ActorID(c))
	if err != nil {
		logger.Warn().Err(err).Str("target", t.String()).Msg("[Admin] balance refresh failed")
		return failure(c, err)
	}
	if entry == nil {
		return helpers.JSONSuccess(c, "Balance unchanged", fiber.Map{"changed": false})
	}
	return helpers.JSONSuccess(c, "Balance updated", fiber.Map{
		"changed": true,
		"before":  entry.BeforeAmount.String(),
		"after":   entry.AfterAmount.String(),
		"delta":   entry.Delta.String(),
		"ref_id":  entry.RefID,
	})
}

func (h *Handler) Status(c *fiber.Ctx) error {
	return helpers.JSONSuccess(c, "Status retrieved successfully", fiber.Map{
		"providers": providers.Registered(),
		"jobs":      h.Jobs.Names(),
		"in_flight": h.Engine.InFlight(),
		"queues":    h.Engine.QueueLengths(),
	})
}

func (h *Handler) DownlineSummary(c *fiber.Ctx) error {
	id, ok := helpers.UintParam(c, "partnerID")
	if !ok {
		return helpers.JSONError(c, "INVALID_PARTNER_ID")
	}

	sum, err := h.Store.DownlineSummary(c.UserContext(), id)
	if err != nil {
		logger.Error().Err(err).Uint("partner_id", id).Msg("[Admin] downline summary failed")
		return helpers.JSONStatus(c, fiber.StatusInternalServerError, "FAILED_TO_FETCH_SUMMARY")
	}
	if sum.PartnerCount == 0 {
		return helpers.JSONStatus(c, fiber.StatusNotFound, "PARTNER_NOT_FOUND")
	}

	return helpers.JSONSuccess(c, "Downline summary retrieved successfully", fiber.Map{
		"partner_id":    id,
		"partner_count": sum.PartnerCount,
		"record_count":  sum.RecordCount,
		"total_bet":     sum.TotalBet.String(),
		"total_win":     sum.TotalWin.String(),
		"net":           sum.TotalBet.Sub(sum.TotalWin).String(),
	})
}

func (h *Handler) ClearQueues(c *fiber.Ctx) error {
	dropped := h.Queues.ClearAll()
	logger.Warn().Int("dropped", dropped).Str("actor", helpers.ActorID(c)).Msg("[Admin] rate limit queues cleared")
	return helpers.JSONSuccess(c, "Queues cleared", fiber.Map{"dropped": dropped})
}

func (h *Handler) EvaluateSessions(c *fiber.Ctx) error {
	res, err := h.Monitor.Evaluate(c.UserContext(), time.Now().UTC())
	if err != nil {
		logger.Error().Err(err).Msg("[Admin] session evaluation failed")
		return helpers.JSONStatus(c, fiber.StatusInternalServerError, "FAILED_TO_EVALUATE_SESSIONS")
	}
	return helpers.JSONSuccess(c, "Sessions evaluated", res)
}
