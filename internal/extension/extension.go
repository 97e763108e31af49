// Package extension loads optional, independently-failing add-ons that observe gateway lifecycle events over the
// event bus. An extension never sees socket payloads directly and cannot write to the store; it only reacts to
// what the Session Manager and Admin API already publish.
package extension

import (
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/relaygate/relaygate/internal/eventbus"
)

// Extension is a named add-on that wires its own subscriptions onto a Bus at startup.
type Extension interface {
	Name() string
	Register(bus *eventbus.Bus) error
}

// Route is an HTTP route an extension wants mounted on the gateway's bearer-gated extension routes group — the
// "auth=false" alternative to the shared service key the Admin API otherwise requires.
type Route struct {
	Method  string
	Path    string
	Handler fiber.Handler
}

// RouteProvider is implemented by extensions that also expose HTTP routes alongside their bus subscriptions.
type RouteProvider interface {
	Routes() []Route
}

// Manager owns the set of loaded extensions and registers each one against a shared Bus. A failing extension is
// logged and skipped; it never stops the remaining ones from loading.
type Manager struct {
	extensions []Extension
	log        zerolog.Logger
}

// New creates an empty Manager.
func New(logger zerolog.Logger) *Manager {
	return &Manager{log: logger.With().Str("component", "extension").Logger()}
}

// Add appends ext to the set of extensions that StartAll will register.
func (m *Manager) Add(ext Extension) {
	m.extensions = append(m.extensions, ext)
}

// StartAll registers every added extension against bus, in the order they were added. An extension whose Register
// call returns an error is logged and skipped.
func (m *Manager) StartAll(bus *eventbus.Bus) {
	for _, ext := range m.extensions {
		if err := ext.Register(bus); err != nil {
			m.log.Error().Err(err).Str("extension", ext.Name()).Msg("extension failed to register, skipping")
			continue
		}
		m.log.Info().Str("extension", ext.Name()).Msg("extension registered")
	}
}

// Routes collects every Route exposed by a registered extension that implements RouteProvider, in the order
// extensions were added.
func (m *Manager) Routes() []Route {
	var routes []Route
	for _, ext := range m.extensions {
		if rp, ok := ext.(RouteProvider); ok {
			routes = append(routes, rp.Routes()...)
		}
	}
	return routes
}
