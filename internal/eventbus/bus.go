// Package eventbus implements the gateway's process-wide named pub/sub: extensions subscribe to lifecycle events
// emitted by the Session Manager and Admin API, delivered synchronously and in emission order.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event names. These are the only six the Session Manager and Admin API emit.
const (
	ClientConnection     = "client-connection"
	ClientAuthenticated  = "client-authenticated"
	ClientToClientMsg    = "client-to-client-message"
	ClientToChannelMsg   = "client-to-channel-message"
	ClientDisconnect     = "client-disconnect"
	MessagePublished     = "message-published"
)

// Handler receives an emitted event's payload. A handler should not panic; if it does, Bus recovers and logs so
// that later subscribers for the same emission still run.
type Handler func(payload any)

// Bus is a synchronous, in-process named event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
	log         zerolog.Logger
}

// New creates an empty Bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string][]Handler),
		log:         logger.With().Str("component", "eventbus").Logger(),
	}
}

// Subscribe registers fn to be called, in registration order, every time event is emitted. Subscription happens at
// extension setup time; there is no Unsubscribe because extensions are static for the lifetime of the process.
func (b *Bus) Subscribe(event string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[event] = append(b.subscribers[event], fn)
}

// Emit delivers payload to every subscriber of event, synchronously, in subscription order. A subscriber panic is
// recovered and logged; it never prevents delivery to subscribers registered after it.
func (b *Bus) Emit(event string, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.subscribers[event]))
	copy(handlers, b.subscribers[event])
	b.mu.RUnlock()

	for _, h := range handlers {
		b.callSafely(event, h, payload)
	}
}

func (b *Bus) callSafely(event string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("event", event).
				Interface("panic", r).
				Msg("event subscriber panicked, continuing to remaining subscribers")
		}
	}()
	h(payload)
}
