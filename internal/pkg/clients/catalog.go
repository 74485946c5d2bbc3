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

const defaultCatalogBaseURL = "http://localhost:8082"

// CatalogClient resolves plans, images and coupons from the catalog service
type CatalogClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewCatalogClientFromEnv() *CatalogClient {
	return &CatalogClient{
		BaseURL: strings.TrimRight(env.GetEnv("CATALOG_SERVICE_URL", defaultCatalogBaseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Plan is a purchasable VPS plan
type Plan struct {
	ID           uint            `json:"id"`
	Name         string          `json:"name"`
	SizeSlug     string          `json:"size_slug"`
	PriceDaily   decimal.Decimal `json:"price_daily"`
	PriceMonthly decimal.Decimal `json:"price_monthly"`
	PriceYearly  decimal.Decimal `json:"price_yearly"`
	IsActive     bool            `json:"is_active"`
}

// PriceFor returns the plan price for one unit of the given billing period
func (p *Plan) PriceFor(billingPeriod string) decimal.Decimal {
	switch billingPeriod {
	case "DAILY":
		return p.PriceDaily
	case "YEARLY":
		return p.PriceYearly
	default:
		return p.PriceMonthly
	}
}

// Image is an installable OS image
type Image struct {
	ID       uint   `json:"id"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	IsActive bool   `json:"is_active"`
}

// Coupon is a validated discount code
type Coupon struct {
	Code            string          `json:"code"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
}

// CouponQuery carries the context a coupon is validated against
type CouponQuery struct {
	Code   string          `json:"code"`
	PlanID uint            `json:"plan_id,omitempty"`
	UserID uint            `json:"user_id,omitempty"`
	Amount decimal.Decimal `json:"amount"`
}

// GetPlanByID fetches a plan; a missing or inactive plan is INVALID_PLAN
func (c *CatalogClient) GetPlanByID(id uint) (*Plan, error) {
	var plan Plan
	if err := c.get(fmt.Sprintf("/internal/catalog/plans/%d", id), &plan, apperrors.CodeInvalidPlan, fmt.Sprintf("plan %d not found", id)); err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, apperrors.Newf(apperrors.CodeInvalidPlan, "plan %d is not active", id)
	}
	return &plan, nil
}

// GetImageByID fetches an image; a missing or inactive image is INVALID_IMAGE
func (c *CatalogClient) GetImageByID(id uint) (*Image, error) {
	var image Image
	if err := c.get(fmt.Sprintf("/internal/catalog/images/%d", id), &image, apperrors.CodeInvalidImage, fmt.Sprintf("image %d not found", id)); err != nil {
		return nil, err
	}
	if !image.IsActive {
		return nil, apperrors.Newf(apperrors.CodeInvalidImage, "image %d is not active", id)
	}
	return &image, nil
}

// ValidateCoupon checks a coupon code against the purchase context. A
// rejected or unknown code is INVALID_COUPON.
func (c *CatalogClient) ValidateCoupon(query CouponQuery) (*Coupon, error) {
	payload, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Post(c.BaseURL+"/internal/catalog/coupons/validate", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCatalogServiceUnavailable, "catalog service unreachable", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var coupon Coupon
		if err := json.Unmarshal(body, &coupon); err != nil {
			return nil, fmt.Errorf("catalog coupon response invalid: %w", err)
		}
		return &coupon, nil
	case resp.StatusCode >= 500:
		return nil, apperrors.Newf(apperrors.CodeCatalogServiceUnavailable, "catalog service returned %d", resp.StatusCode)
	default:
		return nil, apperrors.Newf(apperrors.CodeInvalidCoupon, "coupon %q rejected", query.Code)
	}
}

func (c *CatalogClient) get(path string, out interface{}, missingCode, missingMessage string) error {
	resp, err := c.HTTPClient.Get(c.BaseURL + path)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeCatalogServiceUnavailable, "catalog service unreachable", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return json.Unmarshal(body, out)
	case resp.StatusCode >= 500:
		return apperrors.Newf(apperrors.CodeCatalogServiceUnavailable, "catalog service returned %d", resp.StatusCode)
	default:
		return apperrors.New(missingCode, missingMessage)
	}
}
