package transport

import (
	fiberws "github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaygate/relaygate/internal/gateway"
)

// Registrar is the subset of gateway.Manager the upgrade handler needs: hand a freshly connected ClientHandle over
// and let the Session Manager take it from there.
type Registrar interface {
	OnConnect(handle gateway.ClientHandle)
}

// Handler serves the WebSocket upgrade endpoint.
type Handler struct {
	manager Registrar
	log     zerolog.Logger
}

// NewHandler constructs a Handler bound to manager.
func NewHandler(manager Registrar, logger zerolog.Logger) *Handler {
	return &Handler{manager: manager, log: logger.With().Str("component", "transport").Logger()}
}

// Upgrade handles the gateway's WebSocket upgrade route. It assigns a new session id, wraps the connection in a
// Client, registers it with the Session Manager, and blocks (inside the Fiber-managed goroutine) until the
// connection tears down.
func (h *Handler) Upgrade(c fiber.Ctx) error {
	if !fiberws.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return fiberws.New(func(conn *fiberws.Conn) {
		client := New(uuid.NewString(), conn.Conn, h.log)
		h.manager.OnConnect(client)
		client.Serve()
	})(c)
}
