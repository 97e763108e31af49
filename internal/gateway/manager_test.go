package gateway

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaygate/relaygate/internal/backend"
	"github.com/relaygate/relaygate/internal/eventbus"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/store"
)

// fakeHandle is an in-memory ClientHandle test double, grounded on the same fake-collaborator idiom used throughout
// the rest of this codebase's tests: a struct that records what was sent to it and lets a test drive its message
// handlers directly.
type fakeHandle struct {
	id string

	mu       sync.Mutex
	sent     []any
	handlers map[string]func(json.RawMessage)
	closed   bool
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: id, handlers: make(map[string]func(json.RawMessage))}
}

func (f *fakeHandle) ID() string { return f.id }

func (f *fakeHandle) SendJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeHandle) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeHandle) OnMessage(name string, fn func(json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = fn
}

func (f *fakeHandle) deliver(name string, payload json.RawMessage) {
	f.mu.Lock()
	fn := f.handlers[name]
	f.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

func (f *fakeHandle) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeHandle) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st := store.New()
	be := backend.New(backend.Config{}, zerolog.Nop())
	bus := eventbus.New(zerolog.Nop())
	return New(st, be, bus, Config{GracePeriod: 30 * time.Millisecond, ClientsCanWriteToClients: false}, zerolog.Nop())
}

func TestOnConnectRegistersPreAuthAndEmitsConnection(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	var gotID string
	m.bus.Subscribe(eventbus.ClientConnection, func(payload any) {
		gotID, _ = payload.(string)
	})

	h := newFakeHandle("sid1")
	m.OnConnect(h)

	if !m.store.InPreAuth("sid1") {
		t.Fatalf("expected sid1 registered in preAuth")
	}
	if gotID != "sid1" {
		t.Errorf("client-connection payload = %q, want sid1", gotID)
	}
}

func TestAuthenticateCacheHitCompletesSynchronously(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	m.store.SetIdentity(store.AuthIdentity{AuthToken: "tok1", UID: 7, Channels: []string{"general"}})

	h := newFakeHandle("sid1")
	m.OnConnect(h)

	h.deliver("authenticate", json.RawMessage(`{"authToken":"tok1"}`))

	if !m.store.IsAuthenticated("sid1") {
		t.Fatalf("expected sid1 authenticated")
	}
	if !m.store.ChannelHasMember("general", "sid1") {
		t.Errorf("expected sid1 added to general channel")
	}
	if h.sentCount() == 0 {
		t.Errorf("expected clientAuthenticated callback sent")
	}
}

func TestAuthenticateAckSendsResultMessage(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	m.store.SetIdentity(store.AuthIdentity{AuthToken: "tok1", UID: 1})

	h := newFakeHandle("sid1")
	m.OnConnect(h)
	h.deliver("authenticate", json.RawMessage(`{"authToken":"tok1","ack":true}`))

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sent) != 2 {
		t.Fatalf("sent = %d messages, want 2 (callback + ack result)", len(h.sent))
	}
}

func TestPresenceChangeNotifiesObservers(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	m.store.SetIdentity(store.AuthIdentity{AuthToken: "observer-tok", UID: 1})
	m.store.SetIdentity(store.AuthIdentity{AuthToken: "subject-tok", UID: 2, PresenceUids: []int64{1}})

	observerHandle := newFakeHandle("sid-observer")
	m.OnConnect(observerHandle)
	observerHandle.deliver("authenticate", json.RawMessage(`{"authToken":"observer-tok"}`))

	subjectHandle := newFakeHandle("sid-subject")
	m.OnConnect(subjectHandle)

	before := observerHandle.sentCount()
	subjectHandle.deliver("authenticate", json.RawMessage(`{"authToken":"subject-tok"}`))

	if observerHandle.sentCount() <= before {
		t.Errorf("expected observer to receive a presence notification")
	}
}

func TestProcessMessageDropsUnwritableChannel(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	m.store.SetIdentity(store.AuthIdentity{AuthToken: "tok1", UID: 1, Channels: []string{"readonly"}})

	var emitted bool
	m.bus.Subscribe(eventbus.ClientToChannelMsg, func(any) { emitted = true })

	h := newFakeHandle("sid1")
	m.OnConnect(h)
	h.deliver("authenticate", json.RawMessage(`{"authToken":"tok1"}`))
	h.deliver("message", json.RawMessage(`{"type":"chat","channel":"readonly"}`))

	if emitted {
		t.Errorf("expected message on non-writable channel to be dropped")
	}
}

func TestProcessMessageDeliversToWritableChannel(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	m.store.SetChannelWritable("lobby", true)
	m.store.SetIdentity(store.AuthIdentity{AuthToken: "tok1", UID: 1, Channels: []string{"lobby"}})

	var emitted bool
	m.bus.Subscribe(eventbus.ClientToChannelMsg, func(any) { emitted = true })

	h := newFakeHandle("sid1")
	m.OnConnect(h)
	h.deliver("authenticate", json.RawMessage(`{"authToken":"tok1"}`))
	h.deliver("message", json.RawMessage(`{"type":"chat","channel":"lobby"}`))

	if !emitted {
		t.Errorf("expected message on writable channel to be emitted")
	}
}

func TestDisconnectGracePeriodMarksOfflineWhenNoReconnect(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	m.store.SetIdentity(store.AuthIdentity{AuthToken: "tok1", UID: 1})

	h := newFakeHandle("sid1")
	m.OnConnect(h)
	h.deliver("authenticate", json.RawMessage(`{"authToken":"tok1"}`))

	if !m.store.IsOnline(1) {
		t.Fatalf("expected uid 1 online after authenticate")
	}

	h.deliver("disconnect", nil)
	m.unregisterHandle("sid1")

	if !m.store.IsOnline(1) {
		t.Errorf("expected uid still online immediately after disconnect (grace period not yet elapsed)")
	}

	time.Sleep(80 * time.Millisecond)

	if m.store.IsOnline(1) {
		t.Errorf("expected uid offline after grace period elapsed with no reconnect")
	}
}

func TestDisconnectGracePeriodCancelledByReconnect(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	m.store.SetIdentity(store.AuthIdentity{AuthToken: "tok1", UID: 1})

	h1 := newFakeHandle("sid1")
	m.OnConnect(h1)
	h1.deliver("authenticate", json.RawMessage(`{"authToken":"tok1"}`))
	h1.deliver("disconnect", nil)
	m.unregisterHandle("sid1")

	h2 := newFakeHandle("sid2")
	m.OnConnect(h2)
	h2.deliver("authenticate", json.RawMessage(`{"authToken":"tok1"}`))

	time.Sleep(80 * time.Millisecond)

	if !m.store.IsOnline(1) {
		t.Errorf("expected uid to remain online after reconnect cancelled the grace timer")
	}
}

func TestJoinTokenChannelFansOutToExistingMembers(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	m.store.SetIdentity(store.AuthIdentity{AuthToken: "tok1", UID: 1})
	m.store.SetIdentity(store.AuthIdentity{AuthToken: "tok2", UID: 2})
	m.store.SetToken("page_1", "ct-a", []byte(`{"title":"a"}`))
	m.store.SetToken("page_1", "ct-b", []byte(`{"title":"b"}`))

	h1 := newFakeHandle("sid1")
	m.OnConnect(h1)
	h1.deliver("authenticate", json.RawMessage(`{"authToken":"tok1"}`))
	h1.deliver("join-token-channel", json.RawMessage(`{"channel":"page_1","contentToken":"ct-a"}`))

	before := h1.sentCount()

	h2 := newFakeHandle("sid2")
	m.OnConnect(h2)
	h2.deliver("authenticate", json.RawMessage(`{"authToken":"tok2"}`))
	h2.deliver("join-token-channel", json.RawMessage(`{"channel":"page_1","contentToken":"ct-b"}`))

	if h1.sentCount() <= before {
		t.Errorf("expected existing member sid1 to receive fan-out when sid2 joined")
	}
}

func TestPublishToChannelReachesMembersOnly(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	m.store.SetChannelWritable("lobby", true)
	m.store.AddChannelMember("lobby", "sid1")

	h1 := newFakeHandle("sid1")
	m.registerHandle("sid1", h1)
	h2 := newFakeHandle("sid2")
	m.registerHandle("sid2", h2)

	m.PublishToChannel(map[string]any{"channel": "lobby", "data": "hi"})

	if h1.sentCount() != 1 {
		t.Errorf("sid1 sentCount = %d, want 1", h1.sentCount())
	}
	if h2.sentCount() != 0 {
		t.Errorf("sid2 sentCount = %d, want 0 (not a member)", h2.sentCount())
	}
}

func TestDisconnectNotifiesTokenChannelAfterGracePeriod(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	m.store.SetIdentity(store.AuthIdentity{AuthToken: "tok1", UID: 1})
	m.store.SetIdentity(store.AuthIdentity{AuthToken: "tok2", UID: 2})
	m.store.SetToken("page_1", "ct-a", []byte(`{"notifyOnDisconnect":true}`))
	m.store.SetToken("page_1", "ct-b", []byte(`{}`))

	h1 := newFakeHandle("sid1")
	m.OnConnect(h1)
	h1.deliver("authenticate", json.RawMessage(`{"authToken":"tok1"}`))
	h1.deliver("join-token-channel", json.RawMessage(`{"channel":"page_1","contentToken":"ct-a"}`))

	h2 := newFakeHandle("sid2")
	m.OnConnect(h2)
	h2.deliver("authenticate", json.RawMessage(`{"authToken":"tok2"}`))
	h2.deliver("join-token-channel", json.RawMessage(`{"channel":"page_1","contentToken":"ct-b"}`))

	before := h2.sentCount()

	h1.deliver("disconnect", nil)
	m.unregisterHandle("sid1")

	sockets, ok := m.store.TokenChannelSockets("page_1")
	if !ok {
		t.Fatalf("expected page_1 token channel to still exist")
	}
	for _, s := range sockets {
		if s.SessionID == "sid1" {
			t.Fatalf("expected sid1's socket entry removed from the token channel immediately on disconnect")
		}
	}

	if h2.sentCount() != before {
		t.Errorf("expected no disconnect notification before the grace period elapses")
	}

	time.Sleep(80 * time.Millisecond)

	if h2.sentCount() != before+1 {
		t.Fatalf("sid2 sentCount = %d, want %d after grace period (disconnect notification)", h2.sentCount(), before+1)
	}
	last := h2.sent[len(h2.sent)-1]
	notice, ok := last.(map[string]any)
	if !ok {
		t.Fatalf("expected last message to sid2 to be a map, got %T", last)
	}
	if notice["contentChannelNotification"] != true {
		t.Errorf("expected contentChannelNotification=true, got %v", notice["contentChannelNotification"])
	}
	data, _ := notice["data"].(map[string]any)
	if data["uid"] != int64(1) || data["type"] != "disconnect" {
		t.Errorf("unexpected notification data: %v", notice["data"])
	}
}

func TestDisconnectRemovesTokenChannelSocketWithoutNotify(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	m.store.SetIdentity(store.AuthIdentity{AuthToken: "tok1", UID: 1})
	m.store.SetToken("page_1", "ct-a", []byte(`{}`))

	h1 := newFakeHandle("sid1")
	m.OnConnect(h1)
	h1.deliver("authenticate", json.RawMessage(`{"authToken":"tok1"}`))
	h1.deliver("join-token-channel", json.RawMessage(`{"channel":"page_1","contentToken":"ct-a"}`))

	h1.deliver("disconnect", nil)
	m.unregisterHandle("sid1")

	sockets, ok := m.store.TokenChannelSockets("page_1")
	if !ok {
		t.Fatalf("expected page_1 token channel to still exist")
	}
	if len(sockets) != 0 {
		t.Errorf("expected sid1's socket entry removed immediately even without notifyOnDisconnect, got %d entries", len(sockets))
	}
}

func TestDisconnectReconnectWithinGraceDoesNotLeakTokenChannelSocket(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	m.store.SetIdentity(store.AuthIdentity{AuthToken: "tok1", UID: 1})
	m.store.SetToken("page_1", "ct-a", []byte(`{"notifyOnDisconnect":true}`))

	h1 := newFakeHandle("sid1")
	m.OnConnect(h1)
	h1.deliver("authenticate", json.RawMessage(`{"authToken":"tok1"}`))
	h1.deliver("join-token-channel", json.RawMessage(`{"channel":"page_1","contentToken":"ct-a"}`))
	h1.deliver("disconnect", nil)
	m.unregisterHandle("sid1")

	h2 := newFakeHandle("sid1b")
	m.OnConnect(h2)
	h2.deliver("authenticate", json.RawMessage(`{"authToken":"tok1"}`))
	m.store.SetToken("page_1", "ct-a2", []byte(`{"notifyOnDisconnect":true}`))
	h2.deliver("join-token-channel", json.RawMessage(`{"channel":"page_1","contentToken":"ct-a2"}`))

	time.Sleep(80 * time.Millisecond)

	sockets, ok := m.store.TokenChannelSockets("page_1")
	if !ok {
		t.Fatalf("expected page_1 token channel to still exist")
	}
	if len(sockets) != 1 {
		t.Fatalf("expected exactly one socket entry for the reconnected uid, got %d", len(sockets))
	}
	if sockets[0].SessionID != "sid1b" {
		t.Errorf("expected surviving entry to be the reconnected session, got %q", sockets[0].SessionID)
	}
}

func TestPublishEmitsMessagePublished(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	m.store.SetChannelWritable("lobby", true)
	m.store.AddChannelMember("lobby", "sid1")
	h1 := newFakeHandle("sid1")
	m.registerHandle("sid1", h1)

	var channelGot string
	var calls int
	m.bus.Subscribe(eventbus.MessagePublished, func(payload any) {
		calls++
		if ev, ok := payload.(MessagePublishedEvent); ok {
			channelGot = ev.Channel
		}
	})

	m.PublishToChannel(map[string]any{"channel": "lobby", "data": "hi"})
	if calls != 1 {
		t.Fatalf("PublishToChannel: MessagePublished emitted %d times, want 1", calls)
	}
	if channelGot != "lobby" {
		t.Errorf("PublishToChannel: MessagePublished channel = %q, want lobby", channelGot)
	}

	m.Broadcast(map[string]any{"data": "hi all"})
	if calls != 2 {
		t.Fatalf("Broadcast: MessagePublished emitted total %d times, want 2", calls)
	}
}

func TestRateLimitedMessageDisconnectsSocket(t *testing.T) {
	t.Parallel()

	st := store.New()
	be := backend.New(backend.Config{}, zerolog.Nop())
	bus := eventbus.New(zerolog.Nop())
	m := New(st, be, bus, Config{
		GracePeriod: 30 * time.Millisecond,
		Limiter:     ratelimit.NewWindow(1, time.Minute),
	}, zerolog.Nop())
	m.store.SetIdentity(store.AuthIdentity{AuthToken: "tok1", UID: 1, Channels: []string{"lobby"}})
	m.store.SetChannelWritable("lobby", true)

	h := newFakeHandle("sid1")
	m.OnConnect(h)
	h.deliver("authenticate", json.RawMessage(`{"authToken":"tok1"}`))

	h.deliver("message", json.RawMessage(`{"type":"chat","channel":"lobby"}`))
	if h.isClosed() {
		t.Fatalf("expected first message within limit to not disconnect the socket")
	}

	h.deliver("message", json.RawMessage(`{"type":"chat","channel":"lobby"}`))
	if !h.isClosed() {
		t.Errorf("expected socket to be disconnected after exceeding the rate limit")
	}
}

func TestRateLimitedJoinTokenChannelDisconnectsSocket(t *testing.T) {
	t.Parallel()

	st := store.New()
	be := backend.New(backend.Config{}, zerolog.Nop())
	bus := eventbus.New(zerolog.Nop())
	m := New(st, be, bus, Config{
		GracePeriod: 30 * time.Millisecond,
		Limiter:     ratelimit.NewWindow(1, time.Minute),
	}, zerolog.Nop())
	m.store.SetIdentity(store.AuthIdentity{AuthToken: "tok1", UID: 1})

	h := newFakeHandle("sid1")
	m.OnConnect(h)
	h.deliver("authenticate", json.RawMessage(`{"authToken":"tok1"}`))

	h.deliver("join-token-channel", json.RawMessage(`{"channel":"page_1","contentToken":"ct-a"}`))
	if h.isClosed() {
		t.Fatalf("expected first event within limit to not disconnect the socket")
	}

	h.deliver("join-token-channel", json.RawMessage(`{"channel":"page_1","contentToken":"ct-b"}`))
	if !h.isClosed() {
		t.Errorf("expected socket to be disconnected after exceeding the rate limit")
	}
}

func TestNoLimiterConfiguredNeverDisconnects(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	m.store.SetChannelWritable("lobby", true)
	m.store.SetIdentity(store.AuthIdentity{AuthToken: "tok1", UID: 1, Channels: []string{"lobby"}})

	h := newFakeHandle("sid1")
	m.OnConnect(h)
	h.deliver("authenticate", json.RawMessage(`{"authToken":"tok1"}`))

	for i := 0; i < 5; i++ {
		h.deliver("message", json.RawMessage(`{"type":"chat","channel":"lobby"}`))
	}

	if h.isClosed() {
		t.Errorf("expected socket to remain connected when no limiter is configured")
	}
}

func TestDisconnectForgetsRateLimiterState(t *testing.T) {
	t.Parallel()

	st := store.New()
	be := backend.New(backend.Config{}, zerolog.Nop())
	bus := eventbus.New(zerolog.Nop())
	limiter := ratelimit.NewWindow(1, time.Minute)
	m := New(st, be, bus, Config{GracePeriod: 10 * time.Millisecond, Limiter: limiter}, zerolog.Nop())

	if !limiter.Allow("sid-gone") {
		t.Fatalf("expected first event to consume the session's only allowance")
	}
	if limiter.Allow("sid-gone") {
		t.Fatalf("expected second event to be rejected before disconnect forgets the session")
	}

	m.handleDisconnect("sid-gone")

	if !limiter.Allow("sid-gone") {
		t.Errorf("expected limiter state for a disconnected session to be forgotten")
	}
}
