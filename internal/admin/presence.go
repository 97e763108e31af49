package admin

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/relaygate/relaygate/internal/gateway"
	"github.com/relaygate/relaygate/internal/httputil"
)

// SetUserPresenceList handles GET user/presence-list/:uid/:uidList. uidList is a comma-separated list of
// digit-strings; every entry must validate before anything is stored.
func (h *Handler) SetUserPresenceList(c fiber.Ctx) error {
	uidStr := c.Params("uid")
	if !validUID(uidStr) {
		return httputil.Fail(c, "invalid uid")
	}
	uid, err := gateway.ParseUID(uidStr)
	if err != nil {
		return httputil.Fail(c, "invalid uid")
	}

	raw := c.Params("uidList")
	var entries []string
	if raw != "" {
		entries = strings.Split(raw, ",")
	}

	uids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		if !validUID(entry) {
			return httputil.Fail(c, "invalid uid in uidList")
		}
		parsed, err := gateway.ParseUID(entry)
		if err != nil {
			return httputil.Fail(c, "invalid uid in uidList")
		}
		uids = append(uids, parsed)
	}

	h.manager.Store().SetPresenceList(uid, uids)
	return httputil.Success(c, nil)
}
