package admin

import (
	"github.com/gofiber/fiber/v3"

	"github.com/relaygate/relaygate/internal/httputil"
)

// HealthCheck handles GET health/check: connection counts plus a snapshot of pending content tokens per channel.
func (h *Handler) HealthCheck(c fiber.Ctx) error {
	store := h.manager.Store()
	return httputil.Success(c, map[string]any{
		"sockets":       store.AuthenticatedCount(),
		"preAuth":       store.SocketCount() - store.AuthenticatedCount(),
		"identities":    store.IdentityCount(),
		"channels":      store.ChannelCount(),
		"tokenChannels": store.TokenChannelCount(),
		"onlineUsers":   store.OnlineUserCount(),
		"contentTokens": store.TokenChannelTokenCounts(),
		"version":       h.version,
	})
}
