package admin

import (
	"errors"

	"ledgersync/helpers"
	"ledgersync/logger"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// OperatorInfo shows an operator's provider balances next to the total it
// owes its users.
func (h *Handler) OperatorInfo(c *fiber.Ctx) error {
	id, ok := helpers.UintParam(c, "operatorID")
	if !ok {
		return helpers.JSONError(c, "INVALID_OPERATOR_ID")
	}

	ov, err := h.Store.OperatorOverview(c.UserContext(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return helpers.JSONStatus(c, fiber.StatusNotFound, "OPERATOR_NOT_FOUND")
	}
	if err != nil {
		logger.Error().Err(err).Uint("operator_id", id).Msg("[Admin] operator overview failed")
		return helpers.JSONStatus(c, fiber.StatusInternalServerError, "FAILED_TO_FETCH_OPERATOR")
	}

	apis := make([]fiber.Map, 0, len(ov.APIConfigs))
	for _, cfg := range ov.APIConfigs {
		apis = append(apis, fiber.Map{
			"api_type":           cfg.APIProvider,
			"balance":            cfg.Balance.String(),
			"balance_updated_at": cfg.BalanceUpdatedAt,
			"token_expires_at":   cfg.TokenExpiresAt,
			"is_active":          cfg.IsActive,
		})
	}

	return helpers.JSONSuccess(c, "Operator info retrieved successfully", fiber.Map{
		"operator_id":        ov.Partner.ID,
		"username":           ov.Partner.Username,
		"level":              ov.Partner.Level,
		"apis":               apis,
		"user_count":         ov.UserCount,
		"total_user_balance": ov.TotalUserBalance.String(),
	})
}

func (h *Handler) UserBalance(c *fiber.Ctx) error {
	username := c.Params("username")
	if username == "" {
		return helpers.JSONError(c, "USERNAME_REQUIRED")
	}

	users, err := h.Store.ResolveUsersByUsername(c.UserContext(), []string{username})
	if err != nil {
		logger.Error().Err(err).Str("username", username).Msg("[Admin] user lookup failed")
		return helpers.JSONStatus(c, fiber.StatusInternalServerError, "FAILED_TO_FETCH_USER")
	}
	u, ok := users[username]
	if !ok {
		return helpers.JSONStatus(c, fiber.StatusNotFound, "USER_NOT_FOUND")
	}

	return helpers.JSONSuccess(c, "Balance retrieved successfully", fiber.Map{
		"username":    username,
		"user_id":     u.UserID,
		"referrer_id": u.ReferrerID,
		"balance":     u.Balance.String(),
	})
}
