package controllers

import (
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/welldanyogia/webrana-cloud-sub000/app/models"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/apperrors"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/clients"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/lifecycle"
)

var validate = validator.New()

// OrderController serves the customer-facing order endpoints
type OrderController struct {
	db        *gorm.DB
	catalog   *clients.CatalogClient
	lifecycle *lifecycle.Manager
}

func NewOrderController(db *gorm.DB, catalog *clients.CatalogClient, lifecycleManager *lifecycle.Manager) *OrderController {
	return &OrderController{db: db, catalog: catalog, lifecycle: lifecycleManager}
}

type createOrderRequest struct {
	PlanID        uint   `json:"plan_id" validate:"required"`
	ImageID       uint   `json:"image_id" validate:"required"`
	BillingPeriod string `json:"billing_period" validate:"required"`
	Duration      int    `json:"duration"`
	CouponCode    string `json:"coupon_code"`
	AutoRenew     bool   `json:"auto_renew"`
}

// HandleCreateOrder creates a PENDING_PAYMENT order with a full price
// snapshot. Payment itself happens out of band (admin mark-paid override).
func (oc *OrderController) HandleCreateOrder(c *fiber.Ctx) error {
	caller := callerIdentity(c)
	if caller.UserID == 0 {
		return c.Status(fiber.StatusUnauthorized).JSON(errorBody{Error: errorDetail{
			Code: "UNAUTHORIZED", Message: "missing user identity",
		}})
	}

	var req createOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody{Error: errorDetail{
			Code: "BAD_REQUEST", Message: "request body is not valid JSON",
		}})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(errorBody{Error: errorDetail{
			Code: "VALIDATION_FAILED", Message: err.Error(),
		}})
	}
	if !models.IsBillingPeriodValid(req.BillingPeriod) {
		return respondCode(c, apperrors.CodeInvalidBillingPeriod,
			fmt.Sprintf("billing period %q is not supported", req.BillingPeriod))
	}
	if req.Duration < 1 {
		return respondCode(c, apperrors.CodeInvalidDuration, "duration must be at least 1 billing period")
	}

	plan, err := oc.catalog.GetPlanByID(req.PlanID)
	if err != nil {
		return respondError(c, err)
	}
	image, err := oc.catalog.GetImageByID(req.ImageID)
	if err != nil {
		return respondError(c, err)
	}

	basePrice := plan.PriceFor(req.BillingPeriod).Mul(decimal.NewFromInt(int64(req.Duration)))
	couponDiscount := decimal.Zero
	if req.CouponCode != "" {
		coupon, err := oc.catalog.ValidateCoupon(clients.CouponQuery{
			Code:   req.CouponCode,
			PlanID: req.PlanID,
			UserID: caller.UserID,
			Amount: basePrice,
		})
		if err != nil {
			return respondError(c, err)
		}
		couponDiscount = coupon.DiscountAmount
		if couponDiscount.IsZero() && !coupon.DiscountPercent.IsZero() {
			couponDiscount = basePrice.Mul(coupon.DiscountPercent).Div(decimal.NewFromInt(100))
		}
	}

	finalPrice := basePrice.Sub(couponDiscount)
	if finalPrice.IsNegative() {
		finalPrice = decimal.Zero
	}

	order := &models.Order{
		UserID:         caller.UserID,
		PlanID:         strconv.FormatUint(uint64(req.PlanID), 10),
		PlanName:       plan.Name,
		ImageID:        strconv.FormatUint(uint64(req.ImageID), 10),
		ImageName:      image.Name,
		BillingPeriod:  req.BillingPeriod,
		BasePrice:      basePrice,
		CouponCode:     req.CouponCode,
		CouponDiscount: couponDiscount,
		FinalPrice:     finalPrice,
		Currency:       "IDR",
		Duration:       req.Duration,
		Status:         models.OrderStatusPendingPayment,
		AutoRenew:      req.AutoRenew,
	}
	if err := oc.db.Create(order).Error; err != nil {
		log.Errorf("[Orders] Create failed for user %d: %v", caller.UserID, err)
		return respondError(c, err)
	}

	if err := models.AppendStatusHistory(oc.db, order.ID, "", models.OrderStatusPendingPayment,
		fmt.Sprintf("user:%d", caller.UserID), "order created", nil); err != nil {
		log.Errorf("[Orders] History append failed for order %d: %v", order.ID, err)
	}

	return c.Status(fiber.StatusCreated).JSON(order)
}

// HandleGetOrder returns one order to its owner or an admin
func (oc *OrderController) HandleGetOrder(c *fiber.Ctx) error {
	orderID, ok := parseIDParam(c, "id")
	if !ok {
		return respondCode(c, apperrors.CodeOrderNotFound, "invalid order id")
	}

	order, err := models.FindOrderByID(oc.db, orderID)
	if err != nil {
		return respondError(c, apperrors.Wrap(apperrors.CodeOrderNotFound,
			fmt.Sprintf("order %d not found", orderID), err))
	}

	caller := callerIdentity(c)
	if !caller.isAdmin() && caller.UserID != order.UserID {
		return respondCode(c, apperrors.CodeOrderAccessDenied, "this order belongs to another user")
	}

	return c.JSON(order)
}

// HandleListOrders returns the caller's own orders, newest first
func (oc *OrderController) HandleListOrders(c *fiber.Ctx) error {
	caller := callerIdentity(c)
	if caller.UserID == 0 {
		return c.Status(fiber.StatusUnauthorized).JSON(errorBody{Error: errorDetail{
			Code: "UNAUTHORIZED", Message: "missing user identity",
		}})
	}

	orders, err := models.FindOrdersByUserID(oc.db, caller.UserID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"orders": orders})
}

// HandleRenewOrder is the manual renewal endpoint
func (oc *OrderController) HandleRenewOrder(c *fiber.Ctx) error {
	orderID, ok := parseIDParam(c, "id")
	if !ok {
		return respondCode(c, apperrors.CodeOrderNotFound, "invalid order id")
	}

	order, err := models.FindOrderByID(oc.db, orderID)
	if err != nil {
		return respondError(c, apperrors.Wrap(apperrors.CodeOrderNotFound,
			fmt.Sprintf("order %d not found", orderID), err))
	}
	caller := callerIdentity(c)
	if !caller.isAdmin() && caller.UserID != order.UserID {
		return respondCode(c, apperrors.CodeOrderAccessDenied, "this order belongs to another user")
	}

	renewed, err := oc.lifecycle.RenewOrder(orderID, models.RenewalTypeManual)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(renewed)
}

// HandleCancelOrder cancels an order that has not been paid yet
func (oc *OrderController) HandleCancelOrder(c *fiber.Ctx) error {
	orderID, ok := parseIDParam(c, "id")
	if !ok {
		return respondCode(c, apperrors.CodeOrderNotFound, "invalid order id")
	}

	order, err := models.FindOrderByID(oc.db, orderID)
	if err != nil {
		return respondError(c, apperrors.Wrap(apperrors.CodeOrderNotFound,
			fmt.Sprintf("order %d not found", orderID), err))
	}
	caller := callerIdentity(c)
	if !caller.isAdmin() && caller.UserID != order.UserID {
		return respondCode(c, apperrors.CodeOrderAccessDenied, "this order belongs to another user")
	}
	if order.Status != models.OrderStatusPendingPayment {
		return respondCode(c, apperrors.CodeStateTransitionConflict,
			fmt.Sprintf("order %d is %s, only PENDING_PAYMENT orders can be canceled", orderID, order.Status))
	}

	ok, err = models.UpdateOrderStatusChecked(oc.db, orderID, models.OrderStatusPendingPayment, order.Version, map[string]interface{}{
		"status": models.OrderStatusCanceled,
	})
	if err != nil {
		return respondError(c, err)
	}
	if !ok {
		return respondCode(c, apperrors.CodeStateTransitionConflict,
			fmt.Sprintf("order %d changed concurrently", orderID))
	}

	if err := models.AppendStatusHistory(oc.db, orderID, models.OrderStatusPendingPayment, models.OrderStatusCanceled,
		fmt.Sprintf("user:%d", caller.UserID), "canceled by user", nil); err != nil {
		log.Errorf("[Orders] History append failed for order %d: %v", orderID, err)
	}

	fresh, err := models.FindOrderByID(oc.db, orderID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fresh)
}
