package admin

import (
	"github.com/gofiber/fiber/v3"

	"github.com/relaygate/relaygate/internal/gateway"
	"github.com/relaygate/relaygate/internal/httputil"
)

// KickUser handles POST user/kick/:uid. It purges every cached auth identity for that uid, closes its sockets (the
// resulting disconnect events clean up channel membership and presence), and replies failed if the uid never had a
// live identity to purge.
func (h *Handler) KickUser(c fiber.Ctx) error {
	uidStr := c.Params("uid")
	if !validUID(uidStr) {
		return httputil.Fail(c, "invalid uid")
	}
	uid, err := gateway.ParseUID(uidStr)
	if err != nil {
		return httputil.Fail(c, "invalid uid")
	}

	tokens := h.manager.Store().DeleteIdentitiesWithUID(uid)
	if len(tokens) == 0 {
		return httputil.Fail(c, "unknown uid")
	}

	h.manager.DisconnectSessions(h.manager.Store().AuthenticatedSocketIDsForUID(uid))
	return httputil.Success(c, nil)
}

// LogoutUser handles POST user/logout/:authtoken. The transport is closed first, then the cached identity is
// dropped — the subsequent disconnect event runs the normal (idempotent) cleanup path even if the socket was
// already gone.
func (h *Handler) LogoutUser(c fiber.Ctx) error {
	authToken := c.Params("authtoken")
	if authToken == "" {
		return httputil.Fail(c, "authtoken required")
	}

	h.manager.DisconnectSessions(h.manager.Store().AuthenticatedSocketIDsForAuthToken(authToken))
	h.manager.Store().DeleteIdentity(authToken)
	return httputil.Success(c, nil)
}

// AddUserToChannel handles POST user/channel/add/:channel/:uid. Succeeds only if uid had at least one active
// session; the channel is created if absent, every live session for uid is added to its member set, and the
// channel name is appended to each cached identity for uid so a later reconnect rejoins automatically.
func (h *Handler) AddUserToChannel(c fiber.Ctx) error {
	channel, uid, ok := h.parseChannelAndUID(c)
	if !ok {
		return httputil.Fail(c, "invalid channel or uid")
	}

	sessions := h.manager.Store().AuthenticatedSocketIDsForUID(uid)
	if len(sessions) == 0 {
		return httputil.Fail(c, "uid has no active session")
	}

	h.manager.Store().EnsureChannel(channel)
	for _, sid := range sessions {
		h.manager.Store().AddChannelMember(channel, sid)
	}
	h.manager.Store().AppendChannelToIdentitiesWithUID(uid, channel)
	return httputil.Success(c, nil)
}

// RemoveUserFromChannel handles POST user/channel/remove/:channel/:uid. Succeeds only if the channel exists.
func (h *Handler) RemoveUserFromChannel(c fiber.Ctx) error {
	channel, uid, ok := h.parseChannelAndUID(c)
	if !ok {
		return httputil.Fail(c, "invalid channel or uid")
	}

	if !h.manager.Store().ChannelExists(channel) {
		return httputil.Fail(c, "channel does not exist")
	}

	for _, sid := range h.manager.Store().AuthenticatedSocketIDsForUID(uid) {
		h.manager.Store().RemoveChannelMember(channel, sid)
	}
	return httputil.Success(c, nil)
}

// AddAuthTokenToChannel handles POST authtoken/channel/add/:channel/:authToken — the authToken-keyed counterpart
// of AddUserToChannel, for sessions observed only by their token rather than a resolved uid.
func (h *Handler) AddAuthTokenToChannel(c fiber.Ctx) error {
	channel := c.Params("channel")
	authToken := c.Params("authToken")
	if !validChannel(channel) || authToken == "" {
		return httputil.Fail(c, "invalid channel or authToken")
	}

	h.manager.Store().EnsureChannel(channel)
	for _, sid := range h.manager.Store().AuthenticatedSocketIDsForAuthToken(authToken) {
		h.manager.Store().AddChannelMember(channel, sid)
	}
	h.manager.Store().AppendChannelToIdentity(authToken, channel)
	return httputil.Success(c, nil)
}

// RemoveAuthTokenFromChannel handles POST authtoken/channel/remove/:channel/:authToken.
func (h *Handler) RemoveAuthTokenFromChannel(c fiber.Ctx) error {
	channel := c.Params("channel")
	authToken := c.Params("authToken")
	if !validChannel(channel) || authToken == "" {
		return httputil.Fail(c, "invalid channel or authToken")
	}

	for _, sid := range h.manager.Store().AuthenticatedSocketIDsForAuthToken(authToken) {
		h.manager.Store().RemoveChannelMember(channel, sid)
	}
	return httputil.Success(c, nil)
}

func (h *Handler) parseChannelAndUID(c fiber.Ctx) (channel string, uid int64, ok bool) {
	channel = c.Params("channel")
	uidStr := c.Params("uid")
	if !validChannel(channel) || !validUID(uidStr) {
		return "", 0, false
	}
	uid, err := gateway.ParseUID(uidStr)
	if err != nil {
		return "", 0, false
	}
	return channel, uid, true
}
