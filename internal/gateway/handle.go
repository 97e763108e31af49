package gateway

import "encoding/json"

// ClientHandle is the transport-agnostic capability the Session Manager needs from a live socket connection. The
// concrete websocket adapter lives in internal/transport; tests use an in-memory fake. The core never imports a
// websocket package directly.
type ClientHandle interface {
	// ID returns the transport-issued socket id.
	ID() string

	// SendJSON best-effort sends v as a single JSON message. A send to a torn-down connection returns an error,
	// never panics.
	SendJSON(v any) error

	// Disconnect closes the underlying connection. Idempotent.
	Disconnect()

	// OnMessage registers fn to be invoked whenever the client sends a message matching name. The transport adapter
	// is responsible for demultiplexing inbound frames onto the right name. "disconnect" is a reserved name: the
	// transport invokes it (with a nil payload) exactly once when the connection tears down, for any reason.
	OnMessage(name string, fn func(payload json.RawMessage))
}
