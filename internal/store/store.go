package store

import (
	"encoding/json"
	"sync"
)

// socketStatus records which of the two disjoint socket sets a socket id currently belongs to.
type socketStatus int

const (
	statusPreAuth socketStatus = iota + 1 // zero value means "not tracked"
	statusAuthenticated
)

// Store is the single in-memory owner of gateway state: sockets, authenticated identities, channels, token
// channels, and presence. Every method is invariant-preserving; callers never receive a reference into the
// store's interior, only copies.
type Store struct {
	mu sync.Mutex

	sockets    map[string]*Socket
	status     map[string]socketStatus
	identities map[string]AuthIdentity // keyed by authToken

	channels map[string]*Channel // keyed by channel name

	tokenChannels map[string]*TokenChannel // keyed by token channel name

	// onlineUsers maps a uid to the list of observer uids that should be notified of that uid's presence changes
	// (identity.presenceUids at the time the uid came online). A uid is a member of onlineUsers iff it has at
	// least one authenticated socket, or a grace-period offline timer is still armed for it.
	onlineUsers map[int64][]int64

	// presenceLists is the administrative uid -> observed-uid-list entity set via setUserPresenceList. It is
	// storage only; nothing in the Session Manager consults it directly.
	presenceLists map[int64][]int64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		sockets:       make(map[string]*Socket),
		status:        make(map[string]socketStatus),
		identities:    make(map[string]AuthIdentity),
		channels:      make(map[string]*Channel),
		tokenChannels: make(map[string]*TokenChannel),
		onlineUsers:   make(map[int64][]int64),
		presenceLists: make(map[int64][]int64),
	}
}

// --- socket lifecycle ---

// AddPreAuth registers a newly connected socket id in the preAuth set.
func (s *Store) AddPreAuth(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets[id] = &Socket{ID: id}
	s.status[id] = statusPreAuth
}

// InPreAuth reports whether id is still awaiting authentication.
func (s *Store) InPreAuth(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[id] == statusPreAuth
}

// IsAuthenticated reports whether id has completed authentication.
func (s *Store) IsAuthenticated(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[id]
	return ok && st == statusAuthenticated
}

// RemovePreAuth drops id from the preAuth set, returning false if it was not there.
func (s *Store) RemovePreAuth(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status[id] != statusPreAuth {
		return false
	}
	delete(s.sockets, id)
	delete(s.status, id)
	return true
}

// Authenticate moves a socket from preAuth to authenticated and stamps its authToken/uid. It returns false if the
// socket was not in preAuth (it vanished mid-authentication).
func (s *Store) Authenticate(id, authToken string, uid int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status[id] != statusPreAuth {
		return false
	}
	sock := s.sockets[id]
	sock.AuthToken = authToken
	sock.UID = uid
	s.status[id] = statusAuthenticated
	return true
}

// Socket returns a copy of the tracked socket and whether it exists.
func (s *Store) Socket(id string) (Socket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, ok := s.sockets[id]
	if !ok {
		return Socket{}, false
	}
	return *sock, true
}

// RemoveAuthenticated deletes an authenticated socket entirely, returning its last known state.
func (s *Store) RemoveAuthenticated(id string) (Socket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status[id] != statusAuthenticated {
		return Socket{}, false
	}
	sock := *s.sockets[id]
	delete(s.sockets, id)
	delete(s.status, id)
	return sock, true
}

// AuthenticatedSocketIDsForUID returns every currently authenticated socket id belonging to uid.
func (s *Store) AuthenticatedSocketIDsForUID(uid int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticatedSocketIDsForUIDLocked(uid)
}

func (s *Store) authenticatedSocketIDsForUIDLocked(uid int64) []string {
	var ids []string
	for id, st := range s.status {
		if st != statusAuthenticated {
			continue
		}
		if s.sockets[id].UID == uid {
			ids = append(ids, id)
		}
	}
	return ids
}

// AuthenticatedSocketIDsForAuthToken returns every currently authenticated socket id stamped with authToken.
func (s *Store) AuthenticatedSocketIDsForAuthToken(authToken string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, st := range s.status {
		if st != statusAuthenticated {
			continue
		}
		if s.sockets[id].AuthToken == authToken {
			ids = append(ids, id)
		}
	}
	return ids
}

// AuthenticatedCount returns the number of currently authenticated sockets.
func (s *Store) AuthenticatedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.status {
		if st == statusAuthenticated {
			n++
		}
	}
	return n
}

// SocketCount returns the total number of tracked sockets (preAuth + authenticated).
func (s *Store) SocketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// --- auth identities ---

// SetIdentity stores/overwrites the cached identity for an authToken.
func (s *Store) SetIdentity(identity AuthIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.AuthToken] = identity
}

// Identity returns a copy of the cached identity for authToken.
func (s *Store) Identity(authToken string) (AuthIdentity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[authToken]
	return id, ok
}

// DeleteIdentity removes the cached identity for authToken.
func (s *Store) DeleteIdentity(authToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.identities, authToken)
}

// IdentitiesWithUID returns every cached identity whose uid matches, snapshotting keys before the caller iterates
// so the caller can range over the result safely while the store keeps mutating.
func (s *Store) IdentitiesWithUID(uid int64) []AuthIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuthIdentity
	for _, id := range s.identities {
		if id.UID == uid {
			out = append(out, id)
		}
	}
	return out
}

// DeleteIdentitiesWithUID removes every cached identity whose uid matches, returning their auth tokens.
func (s *Store) DeleteIdentitiesWithUID(uid int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tokens []string
	for token, id := range s.identities {
		if id.UID == uid {
			tokens = append(tokens, token)
		}
	}
	for _, token := range tokens {
		delete(s.identities, token)
	}
	return tokens
}

// IdentityCount returns the number of cached auth identities.
func (s *Store) IdentityCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.identities)
}

// AppendChannelToIdentitiesWithUID adds channel to identity.Channels (if absent) for every cached identity whose
// uid matches. Used by addUserToChannel so a later reconnect using the cached identity rejoins the channel.
func (s *Store) AppendChannelToIdentitiesWithUID(uid int64, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, id := range s.identities {
		if id.UID != uid {
			continue
		}
		if containsString(id.Channels, channel) {
			continue
		}
		id.Channels = append(id.Channels, channel)
		s.identities[token] = id
	}
}

// AppendChannelToIdentity adds channel to the identity's Channels (if absent) for the given authToken.
func (s *Store) AppendChannelToIdentity(authToken, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[authToken]
	if !ok || containsString(id.Channels, channel) {
		return
	}
	id.Channels = append(id.Channels, channel)
	s.identities[authToken] = id
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// --- channels ---

// AddChannel creates a channel, returning false if it already exists.
func (s *Store) AddChannel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[name]; ok {
		return false
	}
	s.channels[name] = &Channel{Name: name}
	return true
}

// EnsureChannel creates the channel if absent; it never fails.
func (s *Store) EnsureChannel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureChannelLocked(name)
}

func (s *Store) ensureChannelLocked(name string) *Channel {
	c, ok := s.channels[name]
	if !ok {
		c = &Channel{Name: name}
		s.channels[name] = c
	}
	return c
}

// RemoveChannel deletes a channel, returning false if it did not exist.
func (s *Store) RemoveChannel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[name]; !ok {
		return false
	}
	delete(s.channels, name)
	return true
}

// ChannelExists reports whether a channel has been created.
func (s *Store) ChannelExists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[name]
	return ok
}

// SetChannelWritable sets the isClientWritable flag, creating the channel if absent.
func (s *Store) SetChannelWritable(name string, writable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureChannelLocked(name).IsClientWritable = writable
}

// ChannelWritable reports a channel's isClientWritable flag.
func (s *Store) ChannelWritable(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[name]
	return ok && c.IsClientWritable
}

// AddChannelMember adds sessionID to a channel's member set, creating the channel if absent. Adding twice is a
// no-op.
func (s *Store) AddChannelMember(channelName, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensureChannelLocked(channelName)
	for _, id := range c.SessionIDs {
		if id == sessionID {
			return
		}
	}
	c.SessionIDs = append(c.SessionIDs, sessionID)
}

// RemoveChannelMember removes sessionID from a channel's member set. It returns false if the channel did not exist.
func (s *Store) RemoveChannelMember(channelName, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channelName]
	if !ok {
		return false
	}
	for i, id := range c.SessionIDs {
		if id == sessionID {
			c.SessionIDs = append(c.SessionIDs[:i], c.SessionIDs[i+1:]...)
			break
		}
	}
	return true
}

// RemoveSessionFromAllChannels removes sessionID from every channel's member set. Used on disconnect.
func (s *Store) RemoveSessionFromAllChannels(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.channels {
		for i, id := range c.SessionIDs {
			if id == sessionID {
				c.SessionIDs = append(c.SessionIDs[:i], c.SessionIDs[i+1:]...)
				break
			}
		}
	}
}

// ChannelMembers returns a copy of a channel's member session ids.
func (s *Store) ChannelMembers(channelName string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channelName]
	if !ok {
		return nil, false
	}
	out := make([]string, len(c.SessionIDs))
	copy(out, c.SessionIDs)
	return out, true
}

// ChannelHasMember reports whether sessionID is a member of channelName.
func (s *Store) ChannelHasMember(channelName, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channelName]
	if !ok {
		return false
	}
	for _, id := range c.SessionIDs {
		if id == sessionID {
			return true
		}
	}
	return false
}

// ChannelCount returns the number of known channels.
func (s *Store) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// --- token channels ---

func (s *Store) ensureTokenChannelLocked(name string) *TokenChannel {
	tc, ok := s.tokenChannels[name]
	if !ok {
		tc = &TokenChannel{Name: name, Tokens: make(map[string]json.RawMessage)}
		s.tokenChannels[name] = tc
	}
	return tc
}

// EnsureTokenChannel creates the token channel if absent.
func (s *Store) EnsureTokenChannel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureTokenChannelLocked(name)
}

// SetToken queues a one-use token with its payload on a token channel, creating the channel if absent.
func (s *Store) SetToken(channelName, token string, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureTokenChannelLocked(channelName).Tokens[token] = payload
}

// tokenFlags is the subset of a token payload the store itself interprets, regardless of whatever other shape the
// admin-supplied payload carries.
type tokenFlags struct {
	NotifyOnDisconnect bool `json:"notifyOnDisconnect"`
}

// RedeemToken moves a queued token's payload onto sessionID's entry in the token channel's socket set and deletes
// the token: a token may appear in at most one token channel's pending set, and redeeming it removes it. It
// returns false if the token was not queued.
func (s *Store) RedeemToken(channelName, sessionID, token string, uid int64, authToken string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.tokenChannels[channelName]
	if !ok {
		return nil, false
	}
	payload, ok := tc.Tokens[token]
	if !ok {
		return nil, false
	}
	delete(tc.Tokens, token)

	var flags tokenFlags
	_ = json.Unmarshal(payload, &flags) // payload shape is admin-supplied; absence of the field just means false

	tc.Sockets = append(tc.Sockets, TokenChannelSocket{
		SessionID:          sessionID,
		UID:                uid,
		AuthToken:          authToken,
		Payload:            payload,
		NotifyOnDisconnect: flags.NotifyOnDisconnect,
	})
	return payload, true
}

// TokenChannelSockets returns a copy of a token channel's redeemed-socket entries.
func (s *Store) TokenChannelSockets(channelName string) ([]TokenChannelSocket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.tokenChannels[channelName]
	if !ok {
		return nil, false
	}
	out := make([]TokenChannelSocket, len(tc.Sockets))
	copy(out, tc.Sockets)
	return out, true
}

// TokenChannelSocketsForSession returns the (channelName, entry) pairs across every token channel that currently
// contains sessionID. Used on disconnect.
func (s *Store) TokenChannelSocketsForSession(sessionID string) map[string]TokenChannelSocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TokenChannelSocket)
	for name, tc := range s.tokenChannels {
		for _, e := range tc.Sockets {
			if e.SessionID == sessionID {
				out[name] = e
				break
			}
		}
	}
	return out
}

// RemoveTokenChannelSocket removes sessionID's entry from a token channel's socket set, returning the number of
// entries for that uid remaining in the channel after removal.
func (s *Store) RemoveTokenChannelSocket(channelName, sessionID string) (remainingForUID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.tokenChannels[channelName]
	if !ok {
		return 0
	}
	var uid int64
	for i, e := range tc.Sockets {
		if e.SessionID == sessionID {
			uid = e.UID
			tc.Sockets = append(tc.Sockets[:i], tc.Sockets[i+1:]...)
			break
		}
	}
	for _, e := range tc.Sockets {
		if e.UID == uid {
			remainingForUID++
		}
	}
	return remainingForUID
}

// TokenChannelSocketCountForUID returns how many sockets belonging to uid are currently present in the named
// token channel. Used to recheck, at disconnect-notification fire time, whether uid has since rejoined.
func (s *Store) TokenChannelSocketCountForUID(channelName string, uid int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.tokenChannels[channelName]
	if !ok {
		return 0
	}
	var count int
	for _, e := range tc.Sockets {
		if e.UID == uid {
			count++
		}
	}
	return count
}

// TokenChannelExists reports whether a token channel has been created.
func (s *Store) TokenChannelExists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokenChannels[name]
	return ok
}

// TokenChannelTokenCounts returns, for every token channel with at least one pending token, the list of pending
// token strings. Used by healthCheck's contentTokens snapshot.
func (s *Store) TokenChannelTokenCounts() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string)
	for name, tc := range s.tokenChannels {
		if len(tc.Tokens) == 0 {
			continue
		}
		tokens := make([]string, 0, len(tc.Tokens))
		for t := range tc.Tokens {
			tokens = append(tokens, t)
		}
		out[name] = tokens
	}
	return out
}

// TokenChannelCount returns the number of known token channels.
func (s *Store) TokenChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokenChannels)
}

// --- presence / online users ---

// MarkOnline records that uid is now online and lists the observer uids that should learn about its presence
// changes. It is a no-op if the uid is already online.
func (s *Store) MarkOnline(uid int64, observers []int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.onlineUsers[uid]; ok {
		return false
	}
	cp := make([]int64, len(observers))
	copy(cp, observers)
	s.onlineUsers[uid] = cp
	return true
}

// MarkOffline removes uid from onlineUsers.
func (s *Store) MarkOffline(uid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.onlineUsers, uid)
}

// IsOnline reports whether uid is currently marked online.
func (s *Store) IsOnline(uid int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.onlineUsers[uid]
	return ok
}

// OnlineObservers returns the observer uids recorded when uid came online.
func (s *Store) OnlineObservers(uid int64) ([]int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obs, ok := s.onlineUsers[uid]
	if !ok {
		return nil, false
	}
	out := make([]int64, len(obs))
	copy(out, obs)
	return out, true
}

// SetPresenceList stores the administrative presence-list entity for uid.
func (s *Store) SetPresenceList(uid int64, uids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]int64, len(uids))
	copy(cp, uids)
	s.presenceLists[uid] = cp
}

// PresenceList returns the administrative presence-list entity for uid.
func (s *Store) PresenceList(uid int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.presenceLists[uid]
	out := make([]int64, len(l))
	copy(out, l)
	return out
}

// OnlineUserCount returns the number of uids currently marked online.
func (s *Store) OnlineUserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.onlineUsers)
}
