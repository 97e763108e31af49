package httputil

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
)

// RequireBearer returns Fiber middleware gating a route behind an HMAC-signed JWT bearer token rather than the
// shared service key, the "auth=false" alternative extension-declared routes can opt into. The token's subject is
// stored in c.Locals("bearerSubject") for handlers that want it.
func RequireBearer(secret string) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		const prefix = "Bearer "
		if len(header) <= len(prefix) || !strings.HasPrefix(header, prefix) {
			return c.Status(fiber.StatusUnauthorized).JSON(map[string]any{"status": "failed", "error": "missing bearer token"})
		}
		tokenStr := header[len(prefix):]

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return c.Status(fiber.StatusUnauthorized).JSON(map[string]any{"status": "failed", "error": "invalid bearer token"})
		}

		c.Locals("bearerSubject", claims.Subject)
		return c.Next()
	}
}
