package httputil

import "github.com/microcosm-cc/bluemonday"

var sanitizePolicy = bluemonday.StrictPolicy()

// SanitizeStrings walks v (as produced by JSON unmarshaling into map[string]any/[]any/string/etc.) and returns a
// copy with every string value passed through bluemonday's strict policy, stripping any HTML an admin-pushed
// payload might carry before it is fanned out to browser sockets as data rather than markup. Non-string,
// non-container values are returned unchanged.
func SanitizeStrings(v any) any {
	switch val := v.(type) {
	case string:
		return sanitizePolicy.Sanitize(val) //nolint:misspell // bluemonday API uses American English spelling.
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = SanitizeStrings(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = SanitizeStrings(item)
		}
		return out
	default:
		return v
	}
}
