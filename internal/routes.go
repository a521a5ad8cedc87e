package internal

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// SetupRoutes mounts the payment api. initiateLimit caps STK pushes per
// client ip and minute.
func SetupRoutes(app *fiber.App, h *Handlers, initiateLimit int) {
	app.Get("/health", h.Health)

	pay := app.Group("/payment")
	pay.Post("/initiate", limiter.New(limiter.Config{
		Max:        initiateLimit,
		Expiration: time.Minute,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"status": "error", "message": "Too many payment requests, please try later."})
		},
	}), h.InitiatePayment)
	pay.Get("/status", h.PaymentStatus)
	pay.Post("/callback", h.PaymentCallback)
}
