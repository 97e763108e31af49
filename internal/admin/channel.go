package admin

import (
	"github.com/gofiber/fiber/v3"

	"github.com/relaygate/relaygate/internal/httputil"
)

// AddChannel handles POST channel/add/:channel. Fails if the channel already exists.
func (h *Handler) AddChannel(c fiber.Ctx) error {
	channel := c.Params("channel")
	if !validChannel(channel) {
		return httputil.Fail(c, "invalid channel")
	}
	if !h.manager.Store().AddChannel(channel) {
		return httputil.Fail(c, "channel already exists")
	}
	return httputil.Success(c, nil)
}

// CheckChannel handles GET channel/check/:channel.
func (h *Handler) CheckChannel(c fiber.Ctx) error {
	channel := c.Params("channel")
	if !validChannel(channel) {
		return httputil.Fail(c, "invalid channel")
	}
	return httputil.Success(c, map[string]any{"result": h.manager.Store().ChannelExists(channel)})
}

// RemoveChannel handles POST channel/remove/:channel. Fails if the channel does not exist.
func (h *Handler) RemoveChannel(c fiber.Ctx) error {
	channel := c.Params("channel")
	if !validChannel(channel) {
		return httputil.Fail(c, "invalid channel")
	}
	if !h.manager.Store().RemoveChannel(channel) {
		return httputil.Fail(c, "channel does not exist")
	}
	return httputil.Success(c, nil)
}
