package admin

import (
	"encoding/json"

	"github.com/gofiber/fiber/v3"

	"github.com/relaygate/relaygate/internal/httputil"
)

// SetContentToken handles POST content/token, body {channel, token}. The decoded {channel, token} pair is
// re-encoded and stored as the token's payload, since joinTokenChannel's fan-out replays it as-is to every session
// already in the channel. Always succeeds once the request itself parses.
func (h *Handler) SetContentToken(c fiber.Ctx) error {
	var body struct {
		Channel string `json:"channel"`
		Token   string `json:"token"`
	}
	if err := c.Bind().Body(&body); err != nil || body.Channel == "" || body.Token == "" {
		return httputil.Fail(c, "channel and token required")
	}
	if !validChannel(body.Channel) {
		return httputil.Fail(c, "invalid channel")
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return httputil.Fail(c, "invalid body")
	}

	h.manager.Store().SetToken(body.Channel, body.Token, raw)
	return httputil.Success(c, nil)
}

// GetContentTokenUsers handles POST content/token/users, body {channel}. Reports every redeemed socket's uid (if
// nonzero) or else its authToken.
func (h *Handler) GetContentTokenUsers(c fiber.Ctx) error {
	var body struct {
		Channel string `json:"channel"`
	}
	if err := c.Bind().Body(&body); err != nil || !validChannel(body.Channel) {
		return httputil.Fail(c, "invalid channel")
	}

	sockets, ok := h.manager.Store().TokenChannelSockets(body.Channel)
	if !ok {
		return httputil.Fail(c, "channel does not exist")
	}

	uids := make([]int64, 0, len(sockets))
	authTokens := make([]string, 0)
	for _, s := range sockets {
		if s.UID > 0 {
			uids = append(uids, s.UID)
		} else {
			authTokens = append(authTokens, s.AuthToken)
		}
	}
	return httputil.Success(c, map[string]any{"uids": uids, "authTokens": authTokens})
}

// PublishMessageToContentChannel handles POST content/token/message, body {channel, ...}. Fails if the token
// channel does not exist.
func (h *Handler) PublishMessageToContentChannel(c fiber.Ctx) error {
	var body map[string]any
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, "invalid body")
	}
	body = httputil.SanitizeStrings(body).(map[string]any)
	channel, _ := body["channel"].(string)
	if !validChannel(channel) {
		return httputil.Fail(c, "invalid channel")
	}
	if !h.manager.Store().TokenChannelExists(channel) {
		return httputil.Fail(c, "channel does not exist")
	}

	h.manager.PublishToTokenChannel(channel, body)
	return httputil.Success(c, nil)
}
