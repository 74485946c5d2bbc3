package controllers

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/welldanyogia/webrana-cloud-sub000/app/models"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/accounts"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/apperrors"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/digitalocean"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/env"
)

// VpsController serves droplet-level actions on active orders
type VpsController struct {
	db        *gorm.DB
	accounts  *accounts.Manager
	newClient accounts.ClientFactory

	legacyToken string
}

func NewVpsController(db *gorm.DB, accountManager *accounts.Manager, factory accounts.ClientFactory) *VpsController {
	if factory == nil {
		factory = digitalocean.NewClient
	}
	return &VpsController{
		db:          db,
		accounts:    accountManager,
		newClient:   factory,
		legacyToken: env.GetEnv("DO_API_TOKEN", ""),
	}
}

var powerActions = map[string]string{
	"power_on":  digitalocean.ActionPowerOn,
	"power_off": digitalocean.ActionPowerOff,
	"reboot":    digitalocean.ActionReboot,
}

// HandlePowerAction triggers power_on, power_off or reboot on the order's
// droplet. The order must be ACTIVE and the droplet must exist.
func (vc *VpsController) HandlePowerAction(c *fiber.Ctx) error {
	orderID, ok := parseIDParam(c, "id")
	if !ok {
		return respondCode(c, apperrors.CodeOrderNotFound, "invalid order id")
	}

	action, known := powerActions[c.Params("action")]
	if !known {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody{Error: errorDetail{
			Code:    apperrors.CodePowerActionFailed,
			Message: fmt.Sprintf("unsupported power action %q", c.Params("action")),
		}})
	}

	order, err := models.FindOrderByID(vc.db, orderID)
	if err != nil {
		return respondError(c, apperrors.Wrap(apperrors.CodeOrderNotFound,
			fmt.Sprintf("order %d not found", orderID), err))
	}
	caller := callerIdentity(c)
	if !caller.isAdmin() && caller.UserID != order.UserID {
		return respondCode(c, apperrors.CodeOrderAccessDenied, "this order belongs to another user")
	}
	if order.Status != models.OrderStatusActive {
		return respondCode(c, apperrors.CodeOrderNotActive,
			fmt.Sprintf("order %d is %s, power actions require ACTIVE", orderID, order.Status))
	}

	task, err := models.FindProvisioningTaskByOrderID(vc.db, orderID)
	if err != nil || task.DropletID == nil {
		return respondCode(c, apperrors.CodeDropletNotReady,
			fmt.Sprintf("order %d has no droplet yet", orderID))
	}

	token := vc.legacyToken
	if task.DoAccountID != nil {
		token, err = vc.accounts.TokenFor(*task.DoAccountID)
		if err != nil {
			return respondError(c, err)
		}
	}
	if token == "" {
		return respondCode(c, apperrors.CodePowerActionFailed, "no provider credential configured")
	}

	if err := vc.newClient(token).PerformAction(*task.DropletID, action); err != nil {
		log.Warnf("[VPS] %s failed for order %d droplet %d: %v", action, orderID, *task.DropletID, err)
		return respondError(c, apperrors.Wrap(apperrors.CodePowerActionFailed,
			fmt.Sprintf("%s failed for order %d", action, orderID), err))
	}

	return c.JSON(fiber.Map{
		"order_id": orderID,
		"action":   action,
		"status":   "accepted",
	})
}
