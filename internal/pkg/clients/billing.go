package clients

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/apperrors"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/env"
)

const defaultBillingBaseURL = "http://localhost:8081"

// BillingClient talks to the billing service's internal API. Balance amounts
// travel as decimal strings; never floats.
type BillingClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewBillingClientFromEnv() *BillingClient {
	return &BillingClient{
		BaseURL: strings.TrimRight(env.GetEnv("BILLING_SERVICE_URL", defaultBillingBaseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// InsufficientBalanceError reports a deduction the user's balance cannot cover
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s, available %s",
		e.Required.String(), e.Available.String())
}

type balanceResponse struct {
	UserID  uint   `json:"user_id"`
	Balance string `json:"balance"`
}

type balanceMutationRequest struct {
	UserID      uint   `json:"user_id"`
	Amount      string `json:"amount"`
	RefType     string `json:"ref_type"`
	RefID       uint   `json:"ref_id"`
	Description string `json:"description"`
}

type billingErrorResponse struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Required  string `json:"required"`
		Available string `json:"available"`
	} `json:"error"`
}

// GetBalance returns the user's current wallet balance
func (c *BillingClient) GetBalance(userID uint) (decimal.Decimal, error) {
	resp, err := c.HTTPClient.Get(fmt.Sprintf("%s/internal/billing/users/%d/balance", c.BaseURL, userID))
	if err != nil {
		return decimal.Zero, apperrors.Wrap(apperrors.CodeBillingServiceUnavailable, "billing service unreachable", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := c.classify(resp.StatusCode, body); err != nil {
		return decimal.Zero, err
	}

	var out balanceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return decimal.Zero, fmt.Errorf("billing balance response invalid: %w", err)
	}
	balance, err := decimal.NewFromString(out.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("billing balance not a decimal: %w", err)
	}
	return balance, nil
}

// CheckSufficientBalance reports whether the user's balance covers amount
func (c *BillingClient) CheckSufficientBalance(userID uint, amount decimal.Decimal) (bool, error) {
	balance, err := c.GetBalance(userID)
	if err != nil {
		return false, err
	}
	return balance.GreaterThanOrEqual(amount), nil
}

// DeductBalance charges the user's wallet. An uncoverable charge comes back
// as *InsufficientBalanceError.
func (c *BillingClient) DeductBalance(userID uint, amount decimal.Decimal, refType string, refID uint, description string) error {
	return c.mutate("/internal/billing/deduct", userID, amount, refType, refID, description)
}

// RefundBalance credits a previously charged amount back to the wallet
func (c *BillingClient) RefundBalance(userID uint, amount decimal.Decimal, refType string, refID uint, description string) error {
	return c.mutate("/internal/billing/refund", userID, amount, refType, refID, description)
}

func (c *BillingClient) mutate(path string, userID uint, amount decimal.Decimal, refType string, refID uint, description string) error {
	payload, err := json.Marshal(balanceMutationRequest{
		UserID:      userID,
		Amount:      amount.String(),
		RefType:     refType,
		RefID:       refID,
		Description: description,
	})
	if err != nil {
		return err
	}

	resp, err := c.HTTPClient.Post(c.BaseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeBillingServiceUnavailable, "billing service unreachable", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return c.classify(resp.StatusCode, body)
}

// classify maps billing HTTP outcomes to the caller-facing error types:
// 402 carries the required/available pair, 5xx means the service itself is
// down, and any other 4xx passes through as a plain error.
func (c *BillingClient) classify(statusCode int, body []byte) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusPaymentRequired:
		var errResp billingErrorResponse
		_ = json.Unmarshal(body, &errResp)
		required, _ := decimal.NewFromString(errResp.Error.Required)
		available, _ := decimal.NewFromString(errResp.Error.Available)
		return &InsufficientBalanceError{Required: required, Available: available}
	case statusCode >= 500:
		return apperrors.Newf(apperrors.CodeBillingServiceUnavailable, "billing service returned %d", statusCode)
	default:
		var errResp billingErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			return fmt.Errorf("billing request rejected (%d): %s", statusCode, errResp.Error.Message)
		}
		return fmt.Errorf("billing request rejected with status %d", statusCode)
	}
}
