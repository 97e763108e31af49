package admin

import (
	"github.com/gofiber/fiber/v3"

	"github.com/relaygate/relaygate/internal/httputil"
)

// Publish handles POST publish, body {channel?, broadcast?, ...}. Broadcasts to every authenticated socket when
// the broadcast flag is set, otherwise fans out to the named channel's members.
func (h *Handler) Publish(c fiber.Ctx) error {
	var body map[string]any
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, "invalid body")
	}
	body = httputil.SanitizeStrings(body).(map[string]any)

	if broadcast, _ := body["broadcast"].(bool); broadcast {
		n := h.manager.Store().AuthenticatedCount()
		h.manager.Broadcast(body)
		return httputil.Success(c, map[string]any{"sent": n})
	}

	channel, _ := body["channel"].(string)
	if !validChannel(channel) {
		return httputil.Fail(c, "channel required")
	}
	members, ok := h.manager.Store().ChannelMembers(channel)
	if !ok {
		return httputil.Fail(c, "channel does not exist")
	}

	h.manager.PublishToChannel(body)
	return httputil.Success(c, map[string]any{"sent": len(members)})
}
