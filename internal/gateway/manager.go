// Package gateway implements the Session Manager: socket lifecycle (connect, authenticate, route, disconnect with
// grace period) on top of the state store, the backend client, and the event bus.
package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaygate/relaygate/internal/backend"
	"github.com/relaygate/relaygate/internal/eventbus"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/store"
)

// Config holds the Session Manager's runtime-tunable behaviour.
type Config struct {
	// GracePeriod is how long to wait, after a socket disconnects, before declaring its uid offline or firing a
	// token-channel disconnect notification. Spec default: 2000ms.
	GracePeriod time.Duration

	// ClientsCanWriteToClients gates processMessage's global fallback permission for messages with no channel set.
	ClientsCanWriteToClients bool

	// Limiter, if set, caps how often an authenticated socket may send "message"/"join-token-channel" events. A
	// socket that exceeds it is disconnected, mirroring the teacher's rateLimited/closeWithCode pairing. Nil
	// disables rate limiting entirely.
	Limiter ratelimit.Limiter
}

// Manager is the Session Manager (component C): it owns socket registration, authentication, message routing, and
// disconnect/grace-period cleanup. It is the only thing, besides the Admin API, that mutates the Store.
type Manager struct {
	store   *store.Store
	backend *backend.Client
	bus     *eventbus.Bus
	cfg     Config
	log     zerolog.Logger

	timers *timerRegistry

	handlesMu sync.RWMutex
	handles   map[string]ClientHandle
}

// New constructs a Manager.
func New(st *store.Store, be *backend.Client, bus *eventbus.Bus, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		store:   st,
		backend: be,
		bus:     bus,
		cfg:     cfg,
		log:     logger.With().Str("component", "gateway").Logger(),
		timers:  newTimerRegistry(),
		handles: make(map[string]ClientHandle),
	}
}

// OnConnect registers a newly connected socket and binds its message handlers. Call this once per new transport
// connection, before any messages from it are dispatched.
func (m *Manager) OnConnect(handle ClientHandle) {
	id := handle.ID()
	m.store.AddPreAuth(id)
	m.registerHandle(id, handle)
	m.bus.Emit(eventbus.ClientConnection, id)

	handle.OnMessage("authenticate", func(payload json.RawMessage) {
		m.handleAuthenticate(handle, payload)
	})
	handle.OnMessage("join-token-channel", func(payload json.RawMessage) {
		m.handleJoinTokenChannel(handle, payload)
	})
	handle.OnMessage("message", func(payload json.RawMessage) {
		m.handleMessage(handle, payload)
	})
	handle.OnMessage("disconnect", func(json.RawMessage) {
		m.handleDisconnect(id)
		m.unregisterHandle(id)
	})
}

func (m *Manager) registerHandle(id string, handle ClientHandle) {
	m.handlesMu.Lock()
	defer m.handlesMu.Unlock()
	m.handles[id] = handle
}

func (m *Manager) unregisterHandle(id string) {
	m.handlesMu.Lock()
	defer m.handlesMu.Unlock()
	delete(m.handles, id)
}

func (m *Manager) handle(id string) (ClientHandle, bool) {
	m.handlesMu.RLock()
	defer m.handlesMu.RUnlock()
	h, ok := m.handles[id]
	return h, ok
}

// PublishToClient sends v to a single session id, if it still has a live handle.
func (m *Manager) PublishToClient(sessionID string, v any) {
	h, ok := m.handle(sessionID)
	if !ok {
		return
	}
	if err := h.SendJSON(v); err != nil {
		m.log.Debug().Err(err).Str("session_id", sessionID).Msg("publish to client failed")
	}
}

// PublishToChannel sends v to every session currently a member of the channel named by v's "channel" field.
func (m *Manager) PublishToChannel(v map[string]any) {
	channelName, _ := v["channel"].(string)
	members, ok := m.store.ChannelMembers(channelName)
	if !ok {
		return
	}
	for _, sid := range members {
		m.PublishToClient(sid, v)
	}
	m.bus.Emit(eventbus.MessagePublished, MessagePublishedEvent{Channel: channelName, Payload: v})
}

// PublishToTokenChannel sends v to every session currently redeemed into the named token channel.
func (m *Manager) PublishToTokenChannel(channelName string, v any) {
	sockets, ok := m.store.TokenChannelSockets(channelName)
	if !ok {
		return
	}
	for _, entry := range sockets {
		m.PublishToClient(entry.SessionID, v)
	}
	m.bus.Emit(eventbus.MessagePublished, MessagePublishedEvent{Channel: channelName, Payload: v})
}

// Broadcast sends v to every currently authenticated socket.
func (m *Manager) Broadcast(v any) {
	m.handlesMu.RLock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.handlesMu.RUnlock()

	for _, id := range ids {
		if m.store.IsAuthenticated(id) {
			m.PublishToClient(id, v)
		}
	}
	m.bus.Emit(eventbus.MessagePublished, MessagePublishedEvent{Payload: v})
}

// MessagePublishedEvent is the payload emitted on eventbus.MessagePublished. Channel is empty for a broadcast.
type MessagePublishedEvent struct {
	Channel string
	Payload any
}

type authenticateMessage struct {
	AuthToken     string            `json:"authToken"`
	ContentTokens map[string]string `json:"contentTokens"`
	Ack           bool              `json:"ack"`
}

// handleAuthenticate resolves an authToken against the identity cache first. On a cache miss it hands the backend
// round-trip off to its own goroutine so other sockets keep being serviced while it's in flight; the socket stays
// valid in preAuth and remains cancellable via its own disconnect handler meanwhile.
func (m *Manager) handleAuthenticate(handle ClientHandle, payload json.RawMessage) {
	var msg authenticateMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.log.Debug().Err(err).Str("session_id", handle.ID()).Msg("malformed authenticate payload")
		return
	}

	if cached, ok := m.store.Identity(msg.AuthToken); ok {
		if m.setupConnection(handle, handle.ID(), cached, msg.ContentTokens) && msg.Ack {
			_ = handle.SendJSON(map[string]any{"result": "success"})
		}
		return
	}

	go m.authenticateViaBackend(handle, msg)
}

func (m *Manager) authenticateViaBackend(handle ClientHandle, msg authenticateMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := m.backend.SendToBackend(ctx, map[string]any{
		"authToken":     msg.AuthToken,
		"contentTokens": msg.ContentTokens,
		"messageType":   "authenticate",
		"clientId":      handle.ID(),
	})
	if err != nil || resp.Status == 404 || resp.Status == 301 || resp.HasError() || !resp.ValidAuthToken() {
		m.log.Debug().Err(err).Str("session_id", handle.ID()).Msg("authentication rejected by backend")
		handle.Disconnect()
		m.store.RemovePreAuth(handle.ID())
		return
	}

	identity, err := decodeIdentity(resp.Body)
	if err != nil {
		m.log.Warn().Err(err).Str("session_id", handle.ID()).Msg("backend returned unparsable identity")
		handle.Disconnect()
		m.store.RemovePreAuth(handle.ID())
		return
	}

	if m.setupConnection(handle, handle.ID(), identity, msg.ContentTokens) {
		m.store.SetIdentity(identity)
		if msg.Ack {
			_ = handle.SendJSON(map[string]any{"result": "success"})
		}
	}
}

func decodeIdentity(body map[string]any) (store.AuthIdentity, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return store.AuthIdentity{}, err
	}
	var identity store.AuthIdentity
	if err := json.Unmarshal(raw, &identity); err != nil {
		return store.AuthIdentity{}, err
	}
	return identity, nil
}

// setupConnection finishes authenticating a socket against a resolved identity: channel membership, presence
// bookkeeping, and content-token redemption. It returns false if the socket vanished before authentication
// completed or had already been cleaned up.
func (m *Manager) setupConnection(handle ClientHandle, sessionID string, identity store.AuthIdentity, contentTokens map[string]string) bool {
	if !m.store.InPreAuth(sessionID) {
		return false
	}
	if !m.store.Authenticate(sessionID, identity.AuthToken, identity.UID) {
		return false
	}

	for _, ch := range identity.Channels {
		m.store.AddChannelMember(ch, sessionID)
	}

	if identity.UID > 0 {
		m.timers.cancelPresence(identity.UID)

		if m.store.MarkOnline(identity.UID, identity.PresenceUids) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if _, err := m.backend.SendToBackend(ctx, map[string]any{"uid": identity.UID, "messageType": "userOnline"}); err != nil {
					m.log.Debug().Err(err).Int64("uid", identity.UID).Msg("userOnline notification failed")
				}
			}()
			m.sendPresenceChange(identity.UID, "online")
		}
	}

	for tokenChannelName, token := range contentTokens {
		if _, ok := m.store.RedeemToken(tokenChannelName, sessionID, token, identity.UID, identity.AuthToken); ok {
			m.timers.cancelTokenChannel(tokenChannelName, identity.UID)
		}
	}

	m.bus.Emit(eventbus.ClientAuthenticated, ClientAuthenticatedEvent{SessionID: sessionID, Identity: identity})
	_ = handle.SendJSON(map[string]any{"callback": "clientAuthenticated", "data": identity})
	return true
}

// ClientAuthenticatedEvent is the payload emitted on eventbus.ClientAuthenticated.
type ClientAuthenticatedEvent struct {
	SessionID string
	Identity  store.AuthIdentity
}

// sendPresenceChange notifies every observer uid recorded when uid came online, on each of its own currently
// authenticated sockets.
func (m *Manager) sendPresenceChange(uid int64, event string) {
	observers, ok := m.store.OnlineObservers(uid)
	if !ok {
		return
	}
	for _, observer := range observers {
		for _, sid := range m.store.AuthenticatedSocketIDsForUID(observer) {
			m.PublishToClient(sid, map[string]any{"presenceNotification": map[string]any{"uid": uid, "event": event}})
		}
	}
}

type joinTokenChannelMessage struct {
	Channel      string `json:"channel"`
	ContentToken string `json:"contentToken"`
}

// handleJoinTokenChannel redeems a content token against a token channel and fans the channel's current state out
// to every session already in it.
func (m *Manager) handleJoinTokenChannel(handle ClientHandle, payload json.RawMessage) {
	if !m.store.IsAuthenticated(handle.ID()) {
		return
	}
	if m.rateLimited(handle) {
		return
	}

	var msg joinTokenChannelMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Channel == "" || msg.ContentToken == "" {
		return
	}

	m.store.EnsureTokenChannel(msg.Channel)

	sock, _ := m.store.Socket(handle.ID())
	if redeemed, ok := m.store.RedeemToken(msg.Channel, handle.ID(), msg.ContentToken, sock.UID, sock.AuthToken); ok {
		m.timers.cancelTokenChannel(msg.Channel, sock.UID)
		_ = redeemed
	}

	sockets, _ := m.store.TokenChannelSockets(msg.Channel)
	for _, entry := range sockets {
		m.PublishToClient(entry.SessionID, map[string]any{"callback": "clientJoinedTokenChannel", "data": json.RawMessage(entry.Payload)})
	}
}

type clientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// handleMessage routes a client-originated message to a channel (membership + writability checked) or, failing
// that, treats it as a direct client-to-client write gated by the clientsCanWriteToClients flag.
func (m *Manager) handleMessage(handle ClientHandle, payload json.RawMessage) {
	if !m.store.IsAuthenticated(handle.ID()) {
		return
	}
	if m.rateLimited(handle) {
		return
	}

	var msg clientMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Type == "" {
		return
	}

	if msg.Channel != "" {
		if !m.store.ChannelWritable(msg.Channel) || !m.store.ChannelHasMember(msg.Channel, handle.ID()) {
			m.log.Debug().Str("session_id", handle.ID()).Str("channel", msg.Channel).Msg("dropped unauthorized channel write")
			return
		}
		m.bus.Emit(eventbus.ClientToChannelMsg, ClientMessageEvent{SessionID: handle.ID(), Payload: payload})
		return
	}

	if !m.cfg.ClientsCanWriteToClients {
		m.log.Debug().Str("session_id", handle.ID()).Msg("dropped unauthorized client-to-client write")
		return
	}
	m.bus.Emit(eventbus.ClientToClientMsg, ClientMessageEvent{SessionID: handle.ID(), Payload: payload})
}

// ClientMessageEvent is the payload emitted on eventbus.ClientToChannelMsg / ClientToClientMsg.
type ClientMessageEvent struct {
	SessionID string
	Payload   json.RawMessage
}

// rateLimited reports whether handle has exceeded its configured event rate, disconnecting it if so. It is a
// no-op (always false) when no limiter is configured.
func (m *Manager) rateLimited(handle ClientHandle) bool {
	if m.cfg.Limiter == nil {
		return false
	}
	if m.cfg.Limiter.Allow(handle.ID()) {
		return false
	}
	m.log.Warn().Str("session_id", handle.ID()).Msg("socket exceeded event rate limit, disconnecting")
	handle.Disconnect()
	return true
}

// handleDisconnect tears a socket down: channel membership and token-channel socket entries are dropped
// immediately, but presence updates and token-channel disconnect notifications wait out the grace period in case
// the same uid reconnects.
func (m *Manager) handleDisconnect(sessionID string) {
	m.bus.Emit(eventbus.ClientDisconnect, sessionID)

	if f, ok := m.cfg.Limiter.(ratelimit.Forgetter); ok {
		f.Forget(sessionID)
	}

	if m.store.RemovePreAuth(sessionID) {
		return
	}

	m.store.RemoveSessionFromAllChannels(sessionID)

	sock, ok := m.store.RemoveAuthenticated(sessionID)
	if !ok {
		return
	}

	if sock.UID > 0 {
		m.timers.armPresence(sock.UID, m.cfg.GracePeriod, func() {
			if len(m.store.AuthenticatedSocketIDsForUID(sock.UID)) > 0 {
				return
			}
			m.store.MarkOffline(sock.UID)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := m.backend.SendToBackend(ctx, map[string]any{"uid": sock.UID, "messageType": "userOffline"}); err != nil {
				m.log.Debug().Err(err).Int64("uid", sock.UID).Msg("userOffline notification failed")
			}
			m.sendPresenceChange(sock.UID, "offline")
		})
	}

	for channelName, entry := range m.store.TokenChannelSocketsForSession(sessionID) {
		channelName, uid := channelName, entry.UID
		remaining := m.store.RemoveTokenChannelSocket(channelName, sessionID)
		if !entry.NotifyOnDisconnect || remaining > 0 {
			continue
		}
		m.timers.armTokenChannel(channelName, uid, m.cfg.GracePeriod, func() {
			if m.store.TokenChannelSocketCountForUID(channelName, uid) > 0 {
				return
			}
			m.PublishToTokenChannel(channelName, map[string]any{
				"contentChannelNotification": true,
				"data":                       map[string]any{"uid": uid, "type": "disconnect"},
			})
		})
	}
}

// ParseUID is the single place a path/query uid parameter is converted to the numeric type the store compares
// against, so kick/presence-list/membership checks never compare a string to an int64.
func ParseUID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// Store exposes the underlying state store for read-only admin projections (checkChannel, healthCheck, and
// similar). Admin writes that require socket-level side effects go through the methods below instead.
func (m *Manager) Store() *store.Store { return m.store }

// DisconnectSessions closes the transport for every session id in ids and lets each one's own disconnect handler
// drive normal store cleanup — the close-then-cleanup ordering the Admin API's kick/logout verbs depend on.
func (m *Manager) DisconnectSessions(ids []string) {
	for _, id := range ids {
		if h, ok := m.handle(id); ok {
			h.Disconnect()
		}
	}
}
