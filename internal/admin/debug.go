package admin

import (
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/relaygate/relaygate/internal/httputil"
)

// ToggleDebug handles POST debug/toggle, body {debug: bool}. It sets the process-wide zerolog level to debug when
// debug is true and to info otherwise — there is deliberately no per-request override, since the whole point
// is to let an operator crank up verbosity on a live process without a restart.
func (h *Handler) ToggleDebug(c fiber.Ctx) error {
	var body struct {
		Debug bool `json:"debug"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, "invalid body")
	}

	if body.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	return httputil.Success(c, map[string]any{"debug": body.Debug})
}
