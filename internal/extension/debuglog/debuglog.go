// Package debuglog is the built-in extension that mirrors every lifecycle event onto the structured logger at
// debug level, so an operator can toggle debug/toggle on a live process and see the event stream without attaching
// a separate tool. It also keeps a small bounded ring buffer of the same events and exposes it over a bearer-gated
// HTTP route, giving the extension system's "auth=false" route mechanism a real exerciser.
package debuglog

import (
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/relaygate/relaygate/internal/eventbus"
	"github.com/relaygate/relaygate/internal/extension"
)

// maxRecent bounds the ring buffer so a busy gateway never grows it unbounded.
const maxRecent = 200

// Extension logs every event the bus carries and retains the most recent ones for inspection.
type Extension struct {
	log zerolog.Logger

	mu     sync.Mutex
	recent []observedEvent
}

type observedEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// New constructs the debug-log extension.
func New(logger zerolog.Logger) *Extension {
	return &Extension{log: logger.With().Str("extension", "debuglog").Logger()}
}

// Name identifies the extension in startup logs and error messages.
func (e *Extension) Name() string { return "debuglog" }

// Register subscribes to every event name the gateway emits.
func (e *Extension) Register(bus *eventbus.Bus) error {
	for _, event := range []string{
		eventbus.ClientConnection,
		eventbus.ClientAuthenticated,
		eventbus.ClientToClientMsg,
		eventbus.ClientToChannelMsg,
		eventbus.ClientDisconnect,
		eventbus.MessagePublished,
	} {
		event := event
		bus.Subscribe(event, func(payload any) {
			e.log.Debug().Str("event", event).Interface("payload", payload).Msg("event")
			e.record(event, payload)
		})
	}
	return nil
}

func (e *Extension) record(event string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recent = append(e.recent, observedEvent{Event: event, Payload: payload})
	if len(e.recent) > maxRecent {
		e.recent = e.recent[len(e.recent)-maxRecent:]
	}
}

func (e *Extension) snapshot() []observedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]observedEvent, len(e.recent))
	copy(out, e.recent)
	return out
}

// Routes exposes a single read-only GET /events route returning the retained event history as JSON.
func (e *Extension) Routes() []extension.Route {
	return []extension.Route{
		{Method: fiber.MethodGet, Path: "/events", Handler: e.handleEvents},
	}
}

func (e *Extension) handleEvents(c fiber.Ctx) error {
	return c.JSON(map[string]any{"events": e.snapshot()})
}
