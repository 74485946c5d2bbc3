package clients

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/apperrors"
)

func newBillingClient(baseURL string) *BillingClient {
	return &BillingClient{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: 2 * time.Second}}
}

func newCatalogClient(baseURL string) *CatalogClient {
	return &CatalogClient{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: 2 * time.Second}}
}

func TestBillingGetBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/billing/users/42/balance", r.URL.Path)
		w.Write([]byte(`{"user_id":42,"balance":"150000.50"}`))
	}))
	defer srv.Close()

	balance, err := newBillingClient(srv.URL).GetBalance(42)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("150000.50")))
}

func TestBillingCheckSufficientBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"user_id":42,"balance":"100000"}`))
	}))
	defer srv.Close()

	client := newBillingClient(srv.URL)

	ok, err := client.CheckSufficientBalance(42, decimal.RequireFromString("100000"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.CheckSufficientBalance(42, decimal.RequireFromString("100000.01"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBillingDeductInsufficientBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":{"code":"INSUFFICIENT_BALANCE","message":"balance too low","required":"50000","available":"12000"}}`))
	}))
	defer srv.Close()

	err := newBillingClient(srv.URL).DeductBalance(42, decimal.RequireFromString("50000"), "vps_order", 7, "renewal")
	require.Error(t, err)

	var insufficient *InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.True(t, insufficient.Required.Equal(decimal.RequireFromString("50000")))
	assert.True(t, insufficient.Available.Equal(decimal.RequireFromString("12000")))
}

func TestBillingServiceUnavailable(t *testing.T) {
	t.Run("5xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := newBillingClient(srv.URL).GetBalance(42)
		assert.Equal(t, apperrors.CodeBillingServiceUnavailable, apperrors.CodeOf(err))
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		_, err := newBillingClient(srv.URL).GetBalance(42)
		assert.Equal(t, apperrors.CodeBillingServiceUnavailable, apperrors.CodeOf(err))
	})
}

func TestBillingOther4xxPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"BAD_REQUEST","message":"ref_type missing"}}`))
	}))
	defer srv.Close()

	err := newBillingClient(srv.URL).RefundBalance(42, decimal.RequireFromString("1000"), "vps_order", 7, "refund")
	require.Error(t, err)
	assert.Empty(t, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "ref_type missing")
}

func TestCatalogGetPlanByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/catalog/plans/3", r.URL.Path)
		w.Write([]byte(`{"id":3,"name":"Basic","size_slug":"s-1vcpu-1gb","price_daily":"5000","price_monthly":"100000","price_yearly":"1000000","is_active":true}`))
	}))
	defer srv.Close()

	plan, err := newCatalogClient(srv.URL).GetPlanByID(3)
	require.NoError(t, err)
	assert.Equal(t, "s-1vcpu-1gb", plan.SizeSlug)
	assert.True(t, plan.PriceFor("MONTHLY").Equal(decimal.RequireFromString("100000")))
	assert.True(t, plan.PriceFor("DAILY").Equal(decimal.RequireFromString("5000")))
	assert.True(t, plan.PriceFor("YEARLY").Equal(decimal.RequireFromString("1000000")))
}

func TestCatalogInvalidResources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/internal/catalog/plans/9":
			w.WriteHeader(http.StatusNotFound)
		case "/internal/catalog/plans/10":
			w.Write([]byte(`{"id":10,"name":"Retired","size_slug":"s-1vcpu-1gb","is_active":false}`))
		case "/internal/catalog/images/9":
			w.WriteHeader(http.StatusNotFound)
		case "/internal/catalog/coupons/validate":
			w.WriteHeader(http.StatusUnprocessableEntity)
		}
	}))
	defer srv.Close()

	client := newCatalogClient(srv.URL)

	_, err := client.GetPlanByID(9)
	assert.Equal(t, apperrors.CodeInvalidPlan, apperrors.CodeOf(err))

	_, err = client.GetPlanByID(10)
	assert.Equal(t, apperrors.CodeInvalidPlan, apperrors.CodeOf(err))

	_, err = client.GetImageByID(9)
	assert.Equal(t, apperrors.CodeInvalidImage, apperrors.CodeOf(err))

	_, err = client.ValidateCoupon(CouponQuery{Code: "NOPE", Amount: decimal.RequireFromString("100000")})
	assert.Equal(t, apperrors.CodeInvalidCoupon, apperrors.CodeOf(err))
}

func TestCatalogServiceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := newCatalogClient(srv.URL).GetImageByID(1)
	assert.Equal(t, apperrors.CodeCatalogServiceUnavailable, apperrors.CodeOf(err))
}

func TestCatalogValidateCoupon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var query CouponQuery
		require.NoError(t, json.NewDecoder(r.Body).Decode(&query))
		assert.Equal(t, "WELCOME10", query.Code)
		w.Write([]byte(`{"code":"WELCOME10","discount_percent":"10","discount_amount":"10000"}`))
	}))
	defer srv.Close()

	coupon, err := newCatalogClient(srv.URL).ValidateCoupon(CouponQuery{
		Code:   "WELCOME10",
		PlanID: 3,
		UserID: 42,
		Amount: decimal.RequireFromString("100000"),
	})
	require.NoError(t, err)
	assert.True(t, coupon.DiscountAmount.Equal(decimal.RequireFromString("10000")))
}

func TestNotificationSendFireAndForget(t *testing.T) {
	received := make(chan notificationRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req notificationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		received <- req
	}))
	defer srv.Close()

	client := &NotificationClient{BaseURL: srv.URL, HTTPClient: &http.Client{Timeout: 2 * time.Second}}
	client.Send(42, EventVpsRenewed, map[string]interface{}{"order_id": 7})

	select {
	case req := <-received:
		assert.Equal(t, uint(42), req.UserID)
		assert.Equal(t, EventVpsRenewed, req.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("notification was never delivered")
	}
}

func TestNotificationFailureNeverPropagates(t *testing.T) {
	client := &NotificationClient{
		BaseURL:    "http://127.0.0.1:1", // nothing listens here
		HTTPClient: &http.Client{Timeout: 200 * time.Millisecond},
	}

	// Send must not panic or block the caller even with the service down.
	done := make(chan struct{})
	go func() {
		client.Send(42, EventVpsSuspended, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked the caller")
	}
}
