package controllers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/welldanyogia/webrana-cloud-sub000/app/models"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/clients"
)

func newControllerTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single pool connection keeps every query on the same in-memory database.
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Order{}, &models.StatusHistory{}, &models.RenewalHistory{},
	))
	return db
}

func newCatalogStub(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/internal/catalog/plans/1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": 1, "name": "Basic", "size_slug": "s-1vcpu-1gb",
			"price_daily": "5000", "price_monthly": "100000", "price_yearly": "1000000",
			"is_active": true,
		})
	})
	mux.HandleFunc("/internal/catalog/plans/2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": 2, "name": "Retired", "is_active": false,
		})
	})
	mux.HandleFunc("/internal/catalog/images/10", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": 10, "name": "Ubuntu 22.04", "slug": "ubuntu-22-04-x64", "is_active": true,
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newOrderTestApp(t *testing.T) (*fiber.App, *gorm.DB) {
	t.Helper()

	db := newControllerTestDB(t)
	catalog := &clients.CatalogClient{
		BaseURL:    newCatalogStub(t).URL,
		HTTPClient: http.DefaultClient,
	}
	oc := NewOrderController(db, catalog, nil)

	app := fiber.New()
	app.Post("/api/v1/orders", oc.HandleCreateOrder)
	app.Get("/api/v1/orders", oc.HandleListOrders)
	app.Get("/api/v1/orders/:id", oc.HandleGetOrder)
	app.Post("/api/v1/orders/:id/cancel", oc.HandleCancelOrder)
	return app, db
}

func jsonRequest(t *testing.T, method, target string, body interface{}, headers map[string]string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	resp.Body.Close()
}

func TestCreateOrderHappyPath(t *testing.T) {
	app, db := newOrderTestApp(t)

	req := jsonRequest(t, fiber.MethodPost, "/api/v1/orders", map[string]interface{}{
		"plan_id": 1, "image_id": 10, "billing_period": "MONTHLY", "duration": 2,
	}, map[string]string{"X-User-ID": "7"})

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var created models.Order
	decodeBody(t, resp, &created)
	assert.Equal(t, models.OrderStatusPendingPayment, created.Status)
	assert.Equal(t, uint(7), created.UserID)
	assert.Equal(t, "Basic", created.PlanName)
	assert.Equal(t, 2, created.Duration)
	assert.Equal(t, "200000", created.FinalPrice.String())

	var history []models.StatusHistory
	require.NoError(t, db.Where("order_id = ?", created.ID).Find(&history).Error)
	require.Len(t, history, 1)
	assert.Equal(t, "user:7", history[0].Actor)
}

func TestCreateOrderRequiresIdentity(t *testing.T) {
	app, _ := newOrderTestApp(t)

	req := jsonRequest(t, fiber.MethodPost, "/api/v1/orders", map[string]interface{}{
		"plan_id": 1, "image_id": 10, "billing_period": "MONTHLY", "duration": 1,
	}, nil)

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestCreateOrderRejectsInactivePlan(t *testing.T) {
	app, _ := newOrderTestApp(t)

	req := jsonRequest(t, fiber.MethodPost, "/api/v1/orders", map[string]interface{}{
		"plan_id": 2, "image_id": 10, "billing_period": "MONTHLY", "duration": 1,
	}, map[string]string{"X-User-ID": "7"})

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)

	var body errorBody
	decodeBody(t, resp, &body)
	assert.Equal(t, "INVALID_PLAN", body.Error.Code)
}

func TestCreateOrderRejectsBadPeriodAndDuration(t *testing.T) {
	app, _ := newOrderTestApp(t)

	req := jsonRequest(t, fiber.MethodPost, "/api/v1/orders", map[string]interface{}{
		"plan_id": 1, "image_id": 10, "billing_period": "WEEKLY", "duration": 1,
	}, map[string]string{"X-User-ID": "7"})
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)

	req = jsonRequest(t, fiber.MethodPost, "/api/v1/orders", map[string]interface{}{
		"plan_id": 1, "image_id": 10, "billing_period": "MONTHLY", "duration": 0,
	}, map[string]string{"X-User-ID": "7"})
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
}

func TestGetOrderEnforcesOwnership(t *testing.T) {
	app, db := newOrderTestApp(t)

	order := &models.Order{
		UserID: 7, PlanID: "1", PlanName: "Basic", ImageID: "10", ImageName: "Ubuntu 22.04",
		BillingPeriod: models.BillingPeriodMonthly, Status: models.OrderStatusActive,
	}
	require.NoError(t, db.Create(order).Error)
	target := "/api/v1/orders/" + strconv.FormatUint(uint64(order.ID), 10)

	resp, err := app.Test(jsonRequest(t, fiber.MethodGet, target, nil,
		map[string]string{"X-User-ID": "8"}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, err = app.Test(jsonRequest(t, fiber.MethodGet, target, nil,
		map[string]string{"X-User-ID": "7"}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	// Admins can read any order.
	resp, err = app.Test(jsonRequest(t, fiber.MethodGet, target, nil,
		map[string]string{"X-Admin-ID": "1"}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestCancelOrderOnlyPendingPayment(t *testing.T) {
	app, db := newOrderTestApp(t)

	pending := &models.Order{
		UserID: 7, PlanID: "1", PlanName: "Basic", ImageID: "10", ImageName: "Ubuntu 22.04",
		BillingPeriod: models.BillingPeriodMonthly, Status: models.OrderStatusPendingPayment,
	}
	require.NoError(t, db.Create(pending).Error)
	active := &models.Order{
		UserID: 7, PlanID: "1", PlanName: "Basic", ImageID: "10", ImageName: "Ubuntu 22.04",
		BillingPeriod: models.BillingPeriodMonthly, Status: models.OrderStatusActive,
	}
	require.NoError(t, db.Create(active).Error)

	resp, err := app.Test(jsonRequest(t, fiber.MethodPost,
		"/api/v1/orders/"+strconv.FormatUint(uint64(pending.ID), 10)+"/cancel", nil,
		map[string]string{"X-User-ID": "7"}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	got, err := models.FindOrderByID(db, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCanceled, got.Status)

	resp, err = app.Test(jsonRequest(t, fiber.MethodPost,
		"/api/v1/orders/"+strconv.FormatUint(uint64(active.ID), 10)+"/cancel", nil,
		map[string]string{"X-User-ID": "7"}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestListOrdersReturnsOnlyOwn(t *testing.T) {
	app, db := newOrderTestApp(t)

	for _, userID := range []uint{7, 7, 8} {
		require.NoError(t, db.Create(&models.Order{
			UserID: userID, PlanID: "1", PlanName: "Basic", ImageID: "10", ImageName: "Ubuntu 22.04",
			BillingPeriod: models.BillingPeriodMonthly, Status: models.OrderStatusActive,
			CreatedAt: time.Now(),
		}).Error)
	}

	resp, err := app.Test(jsonRequest(t, fiber.MethodGet, "/api/v1/orders", nil,
		map[string]string{"X-User-ID": "7"}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Orders []models.Order `json:"orders"`
	}
	decodeBody(t, resp, &body)
	assert.Len(t, body.Orders, 2)
}
