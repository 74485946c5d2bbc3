package controllers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/apperrors"
)

// errorBody is the uniform error envelope: {error: {code, message, details?}}
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// statusForCode maps application error codes to HTTP status codes
func statusForCode(code string) int {
	switch code {
	case apperrors.CodeOrderNotFound, apperrors.CodeDoAccountNotFound:
		return fiber.StatusNotFound
	case apperrors.CodeOrderAccessDenied:
		return fiber.StatusForbidden
	case apperrors.CodeInvalidPlan, apperrors.CodeInvalidImage, apperrors.CodeInvalidCoupon,
		apperrors.CodeInvalidDuration, apperrors.CodeInvalidBillingPeriod:
		return fiber.StatusUnprocessableEntity
	case apperrors.CodePaymentStatusConflict, apperrors.CodeStateTransitionConflict,
		apperrors.CodeOrderNotActive, apperrors.CodeDropletNotReady:
		return fiber.StatusConflict
	case apperrors.CodeInsufficientBalance:
		return fiber.StatusPaymentRequired
	case apperrors.CodeCatalogServiceUnavailable, apperrors.CodeBillingServiceUnavailable,
		apperrors.CodeDigitalOceanUnavailable:
		return fiber.StatusServiceUnavailable
	case apperrors.CodeNoAvailableAccount, apperrors.CodeAllAccountsFull:
		return fiber.StatusServiceUnavailable
	case apperrors.CodePowerActionFailed, apperrors.CodeConsoleAccessFailed, apperrors.CodeDoAPIError:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// respondError renders any error as the error envelope. Application errors
// keep their code and mapped status; everything else becomes a 500.
func respondError(c *fiber.Ctx, err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return c.Status(statusForCode(appErr.Code)).JSON(errorBody{Error: errorDetail{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		}})
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(errorBody{Error: errorDetail{
			Code:    apperrors.CodeOrderNotFound,
			Message: "resource not found",
		}})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(errorBody{Error: errorDetail{
		Code:    "INTERNAL_ERROR",
		Message: "an unexpected error occurred",
	}})
}

func respondCode(c *fiber.Ctx, code, message string) error {
	return c.Status(statusForCode(code)).JSON(errorBody{Error: errorDetail{Code: code, Message: message}})
}

// identity carries the caller extracted from the gateway headers. Auth
// happens upstream; these headers arrive pre-verified.
type identity struct {
	UserID  uint
	AdminID uint
}

func (i identity) isAdmin() bool {
	return i.AdminID > 0
}

func callerIdentity(c *fiber.Ctx) identity {
	var id identity
	if v, err := strconv.ParseUint(c.Get("X-User-ID"), 10, 32); err == nil {
		id.UserID = uint(v)
	}
	if v, err := strconv.ParseUint(c.Get("X-Admin-ID"), 10, 32); err == nil {
		id.AdminID = uint(v)
	}
	return id
}

func parseIDParam(c *fiber.Ctx, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Params(name), 10, 32)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint(v), true
}
