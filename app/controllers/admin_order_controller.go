package controllers

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/welldanyogia/webrana-cloud-sub000/app/models"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/apperrors"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/provisioning"
)

// AdminOrderController serves the admin overrides on orders. Mark-paid
// stands in for a real payment gateway callback.
type AdminOrderController struct {
	db     *gorm.DB
	engine *provisioning.Engine
}

func NewAdminOrderController(db *gorm.DB, engine *provisioning.Engine) *AdminOrderController {
	return &AdminOrderController{db: db, engine: engine}
}

func requireAdmin(c *fiber.Ctx) (identity, bool) {
	caller := callerIdentity(c)
	return caller, caller.isAdmin()
}

// HandleMarkPaid confirms payment manually and kicks provisioning off
func (ac *AdminOrderController) HandleMarkPaid(c *fiber.Ctx) error {
	caller, isAdmin := requireAdmin(c)
	if !isAdmin {
		return respondCode(c, apperrors.CodeOrderAccessDenied, "admin identity required")
	}

	orderID, ok := parseIDParam(c, "id")
	if !ok {
		return respondCode(c, apperrors.CodeOrderNotFound, "invalid order id")
	}
	order, err := models.FindOrderByID(ac.db, orderID)
	if err != nil {
		return respondError(c, apperrors.Wrap(apperrors.CodeOrderNotFound,
			fmt.Sprintf("order %d not found", orderID), err))
	}
	if order.Status != models.OrderStatusPendingPayment {
		return respondCode(c, apperrors.CodePaymentStatusConflict,
			fmt.Sprintf("order %d is %s, mark-paid requires PENDING_PAYMENT", orderID, order.Status))
	}

	now := time.Now()
	ok, err = models.UpdateOrderStatusChecked(ac.db, orderID, models.OrderStatusPendingPayment, order.Version, map[string]interface{}{
		"status":  models.OrderStatusPaid,
		"paid_at": now,
	})
	if err != nil {
		return respondError(c, err)
	}
	if !ok {
		return respondCode(c, apperrors.CodeStateTransitionConflict,
			fmt.Sprintf("order %d changed concurrently", orderID))
	}

	actor := fmt.Sprintf("admin:%d", caller.AdminID)
	if err := models.AppendStatusHistory(ac.db, orderID, models.OrderStatusPendingPayment, models.OrderStatusPaid,
		actor, "payment confirmed (manual override)", nil); err != nil {
		log.Errorf("[Admin] History append failed for order %d: %v", orderID, err)
	}

	if err := ac.engine.StartProvisioning(orderID); err != nil {
		// The order stays PAID; the admin can retry once the cause is fixed.
		log.Errorf("[Admin] Provisioning kickoff failed for order %d: %v", orderID, err)
		return respondError(c, err)
	}

	fresh, err := models.FindOrderByID(ac.db, orderID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fresh)
}

// HandleRetryProvisioning resets a FAILED order and reruns provisioning
func (ac *AdminOrderController) HandleRetryProvisioning(c *fiber.Ctx) error {
	caller, isAdmin := requireAdmin(c)
	if !isAdmin {
		return respondCode(c, apperrors.CodeOrderAccessDenied, "admin identity required")
	}

	orderID, ok := parseIDParam(c, "id")
	if !ok {
		return respondCode(c, apperrors.CodeOrderNotFound, "invalid order id")
	}

	if err := ac.engine.ResetForRetry(orderID, caller.AdminID); err != nil {
		return respondError(c, err)
	}

	fresh, err := models.FindOrderByID(ac.db, orderID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fresh)
}
