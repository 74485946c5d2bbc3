package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router is one installable route group
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter wires all route groups into the app
func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
