package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/accounts"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/cache"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/clients"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/database"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/env"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/lifecycle"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/lock"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/provisioning"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/router"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/scheduler"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/security"
)

func main() {
	app, sched := NewApplication()
	sched.Start()

	// Graceful shutdown: stop the scheduler before the listener dies.
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-done
		sched.Stop()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
	if err := app.Listen(addr); err != nil {
		log.Fatal(err)
	}
}

// NewApplication wires the full service: database, cache, managers,
// scheduler and HTTP surface.
func NewApplication() (*fiber.App, *scheduler.Scheduler) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()

	crypto, err := security.NewTokenCrypto(env.GetEnv("TOKEN_ENCRYPTION_KEY", ""))
	if err != nil {
		log.Fatalf("token encryption setup failed: %v", err)
	}

	accountManager := accounts.NewManager(db, crypto, nil)
	billing := clients.NewBillingClientFromEnv()
	catalog := clients.NewCatalogClientFromEnv()
	notifier := clients.NewNotificationClientFromEnv()

	engine := provisioning.NewEngine(db, accountManager, notifier, nil)
	lifecycleManager := lifecycle.NewManager(db, billing, notifier, accountManager, nil)
	lockService := lock.NewService(db)
	sched := scheduler.NewScheduler(lifecycleManager, accountManager, lockService)

	app := fiber.New(fiber.Config{
		AppName: "webrana-cloud",
	})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())

	router.InstallRouter(app, router.Dependencies{
		DB:        db,
		Catalog:   catalog,
		Lifecycle: lifecycleManager,
		Engine:    engine,
		Accounts:  accountManager,
	})

	return app, sched
}
