package router

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/welldanyogia/webrana-cloud-sub000/app/controllers"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/accounts"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/clients"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/lifecycle"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/provisioning"
)

// Dependencies carries the wired managers the API handlers need
type Dependencies struct {
	DB        *gorm.DB
	Catalog   *clients.CatalogClient
	Lifecycle *lifecycle.Manager
	Engine    *provisioning.Engine
	Accounts  *accounts.Manager
	Factory   accounts.ClientFactory
}

type ApiRouter struct {
	deps Dependencies
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/health", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	v1 := api.Group("/v1")

	orderController := controllers.NewOrderController(h.deps.DB, h.deps.Catalog, h.deps.Lifecycle)
	vpsController := controllers.NewVpsController(h.deps.DB, h.deps.Accounts, h.deps.Factory)
	adminOrderController := controllers.NewAdminOrderController(h.deps.DB, h.deps.Engine)
	adminAccountController := controllers.NewAdminAccountController(h.deps.DB, h.deps.Accounts)

	orders := v1.Group("/orders")
	orders.Post("/", orderController.HandleCreateOrder)
	orders.Get("/", orderController.HandleListOrders)
	orders.Get("/:id", orderController.HandleGetOrder)
	orders.Post("/:id/renew", orderController.HandleRenewOrder)
	orders.Post("/:id/cancel", orderController.HandleCancelOrder)
	orders.Post("/:id/power/:action", vpsController.HandlePowerAction)

	admin := v1.Group("/admin")
	admin.Post("/orders/:id/mark-paid", adminOrderController.HandleMarkPaid)
	admin.Post("/orders/:id/retry-provisioning", adminOrderController.HandleRetryProvisioning)

	adminAccounts := admin.Group("/do-accounts")
	adminAccounts.Get("/", adminAccountController.HandleListAccounts)
	adminAccounts.Post("/", adminAccountController.HandleCreateAccount)
	adminAccounts.Post("/sync", adminAccountController.HandleSyncAccounts)
	adminAccounts.Get("/:id", adminAccountController.HandleGetAccount)
	adminAccounts.Put("/:id", adminAccountController.HandleUpdateAccount)
	adminAccounts.Delete("/:id", adminAccountController.HandleDeleteAccount)
	adminAccounts.Post("/:id/health-check", adminAccountController.HandleHealthCheck)
}
