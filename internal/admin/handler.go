// Package admin implements the Admin API: the HTTP verb handlers the content-management backend calls to push
// messages, manage channel membership, and observe gateway state. Every route (save those an extension declares
// auth=false) is gated on the shared service key.
package admin

import (
	"regexp"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/relaygate/relaygate/internal/backend"
	"github.com/relaygate/relaygate/internal/gateway"
	"github.com/relaygate/relaygate/internal/httputil"
)

var (
	uidPattern     = regexp.MustCompile(`^\d+$`)
	channelPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// Handler serves the Admin API surface.
type Handler struct {
	manager *gateway.Manager
	backend *backend.Client
	version string
	log     zerolog.Logger
}

// New constructs a Handler bound to manager and backend. version is reported by healthCheck.
func New(manager *gateway.Manager, be *backend.Client, version string, logger zerolog.Logger) *Handler {
	return &Handler{
		manager: manager,
		backend: be,
		version: version,
		log:     logger.With().Str("component", "admin").Logger(),
	}
}

// Register binds every Admin API route under router, rooted at the configured baseAuthPath (e.g. "/nodejs"). All
// routes require the NodejsServiceKey header.
func (h *Handler) Register(router fiber.Router) {
	router.Use(h.requireServiceKey)

	router.Post("/publish", h.Publish)
	router.Post("/user/kick/:uid", h.KickUser)
	router.Post("/user/logout/:authtoken", h.LogoutUser)
	router.Post("/user/channel/add/:channel/:uid", h.AddUserToChannel)
	router.Post("/user/channel/remove/:channel/:uid", h.RemoveUserFromChannel)
	router.Post("/channel/add/:channel", h.AddChannel)
	router.Get("/channel/check/:channel", h.CheckChannel)
	router.Post("/channel/remove/:channel", h.RemoveChannel)
	router.Get("/health/check", h.HealthCheck)
	router.Get("/user/presence-list/:uid/:uidList", h.SetUserPresenceList)
	router.Post("/debug/toggle", h.ToggleDebug)
	router.Post("/content/token/users", h.GetContentTokenUsers)
	router.Post("/content/token", h.SetContentToken)
	router.Post("/content/token/message", h.PublishMessageToContentChannel)
	router.Post("/authtoken/channel/add/:channel/:authToken", h.AddAuthTokenToChannel)
	router.Post("/authtoken/channel/remove/:channel/:authToken", h.RemoveAuthTokenFromChannel)

	router.Use(func(c fiber.Ctx) error { return httputil.NotFound(c) })
}

// requireServiceKey gates every admin route behind the shared NodejsServiceKey header.
func (h *Handler) requireServiceKey(c fiber.Ctx) error {
	if !h.backend.CheckServiceKey(c.Get("NodejsServiceKey")) {
		return httputil.Unauthorized(c)
	}
	return c.Next()
}

func validUID(s string) bool { return uidPattern.MatchString(s) }

func validChannel(s string) bool { return channelPattern.MatchString(s) }
