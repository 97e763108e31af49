// Package httputil holds small Fiber helpers shared by the Admin API and the WebSocket upgrade route: uniform
// success/failure JSON envelopes and request logging.
package httputil

import "github.com/gofiber/fiber/v3"

// Success replies with the admin surface's success envelope and an optional payload merged alongside status.
func Success(c fiber.Ctx, extra map[string]any) error {
	body := map[string]any{"status": "success"}
	for k, v := range extra {
		body[k] = v
	}
	return c.JSON(body)
}

// Fail replies HTTP 200 with the admin surface's failure envelope — validation and not-found errors are reported
// in-band, not via HTTP status, matching the backend's expectations for this surface.
func Fail(c fiber.Ctx, message string) error {
	return c.JSON(map[string]any{"status": "failed", "error": message})
}

// Unauthorized replies with the fixed body the backend checks for a missing/incorrect service key.
func Unauthorized(c fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(map[string]any{"error": "Invalid service key."})
}

// NotFound replies HTTP 404 with the fixed plaintext body unknown admin paths return.
func NotFound(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).SendString("Not Found.")
}
