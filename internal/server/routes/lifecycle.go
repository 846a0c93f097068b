package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/sovpdf/swcache/internal/offline"
)

// WorkerFactory 为每次更新构造一个全新的 worker。
type WorkerFactory func() (*offline.Worker, error)

// RegisterLifecycleRoutes 暴露 /-/lifecycle 诊断接口，并允许手动触发一次重新注册。
func RegisterLifecycleRoutes(app *fiber.App, registration *offline.Registration, factory WorkerFactory) {
	if app == nil || registration == nil {
		return
	}

	app.Get("/-/lifecycle", func(c fiber.Ctx) error {
		return c.JSON(registration.Snapshot())
	})

	app.Post("/-/lifecycle/update", func(c fiber.Ctx) error {
		if factory == nil {
			return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "update_unavailable"})
		}
		w, err := factory()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "worker_build_failed"})
		}
		if err := registration.Register(c.Context(), w); err != nil {
			// 旧 worker 继续控制页面。
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":  "install_failed",
				"detail": err.Error(),
				"status": registration.Snapshot(),
			})
		}
		return c.JSON(registration.Snapshot())
	})
}
