package gateway

import (
	"sync"
	"time"
)

// tokenChannelKey identifies an armed token-channel disconnect timer.
type tokenChannelKey struct {
	channel string
	uid     int64
}

// timerRegistry holds the cancellable grace-period timers the Session Manager arms on disconnect: one per uid for
// presence, one per (tokenChannel, uid) for token-channel disconnect notifications. A reconnect before a timer
// fires cancels it; nothing else ever touches *time.Timer directly.
type timerRegistry struct {
	mu            sync.Mutex
	presence      map[int64]*time.Timer
	tokenChannels map[tokenChannelKey]*time.Timer
}

func newTimerRegistry() *timerRegistry {
	return &timerRegistry{
		presence:      make(map[int64]*time.Timer),
		tokenChannels: make(map[tokenChannelKey]*time.Timer),
	}
}

// armPresence starts (or restarts) a grace-period timer for uid. fn runs after d unless cancelPresence is called
// first.
func (r *timerRegistry) armPresence(uid int64, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.presence[uid]; ok {
		t.Stop()
	}
	r.presence[uid] = time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.presence, uid)
		r.mu.Unlock()
		fn()
	})
}

// cancelPresence stops uid's armed presence timer, if any. Called unconditionally whenever a socket with a
// nonzero uid successfully (re-)authenticates, since a uid stays in onlineUsers across a disconnect until its
// grace timer actually fires.
func (r *timerRegistry) cancelPresence(uid int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.presence[uid]; ok {
		t.Stop()
		delete(r.presence, uid)
	}
}

// armTokenChannel starts (or restarts) a grace-period timer for a (channel, uid) pair.
func (r *timerRegistry) armTokenChannel(channel string, uid int64, d time.Duration, fn func()) {
	key := tokenChannelKey{channel: channel, uid: uid}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokenChannels[key]; ok {
		t.Stop()
	}
	r.tokenChannels[key] = time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.tokenChannels, key)
		r.mu.Unlock()
		fn()
	})
}

// cancelTokenChannel stops the armed (channel, uid) disconnect timer, if any.
func (r *timerRegistry) cancelTokenChannel(channel string, uid int64) {
	key := tokenChannelKey{channel: channel, uid: uid}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokenChannels[key]; ok {
		t.Stop()
		delete(r.tokenChannels, key)
	}
}
