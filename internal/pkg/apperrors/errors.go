package apperrors

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to API consumers. The presentation layer maps
// them to HTTP statuses; the codes themselves are the contract.
const (
	CodeOrderNotFound             = "ORDER_NOT_FOUND"
	CodeOrderAccessDenied         = "ORDER_ACCESS_DENIED"
	CodeInvalidPlan               = "INVALID_PLAN"
	CodeInvalidImage              = "INVALID_IMAGE"
	CodeInvalidCoupon             = "INVALID_COUPON"
	CodeInvalidDuration           = "INVALID_DURATION"
	CodeInvalidBillingPeriod      = "INVALID_BILLING_PERIOD"
	CodePaymentStatusConflict     = "PAYMENT_STATUS_CONFLICT"
	CodeStateTransitionConflict   = "STATE_TRANSITION_CONFLICT"
	CodeCatalogServiceUnavailable = "CATALOG_SERVICE_UNAVAILABLE"
	CodeBillingServiceUnavailable = "BILLING_SERVICE_UNAVAILABLE"
	CodeInsufficientBalance       = "INSUFFICIENT_BALANCE"
	CodeProvisioningFailed        = "PROVISIONING_FAILED"
	CodeDigitalOceanUnavailable   = "DIGITALOCEAN_UNAVAILABLE"
	CodeProvisioningTimeout       = "PROVISIONING_TIMEOUT"
	CodeNoAvailableAccount        = "NO_AVAILABLE_ACCOUNT"
	CodeAllAccountsFull           = "ALL_ACCOUNTS_FULL"
	CodeDoAccountNotFound         = "DO_ACCOUNT_NOT_FOUND"
	CodeTokenDecryptionFailed     = "TOKEN_DECRYPTION_FAILED"
	CodeDoAPIError                = "DO_API_ERROR"
	CodeOrderNotActive            = "ORDER_NOT_ACTIVE"
	CodeDropletNotReady           = "DROPLET_NOT_READY"
	CodeConsoleAccessFailed       = "CONSOLE_ACCESS_FAILED"
	CodePowerActionFailed         = "POWER_ACTION_FAILED"
)

// Error is a coded application error. Details is optional structured context
// (e.g. required/available amounts on INSUFFICIENT_BALANCE).
type Error struct {
	Code    string
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches two coded errors by code so callers can compare against
// sentinel instances with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates a coded error
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message
func Newf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error wrapping an underlying cause
func Wrap(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails attaches structured context and returns the error
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the application error code, or "" for uncoded errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
