package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

// ContextKeyAPIKey holds the index of the matched key in the configured list.
const ContextKeyAPIKey = "api_key_id"

// APIKeyMiddleware authenticates requests using the X-API-Key header against
// a static key list. With no keys configured every request is rejected.
func APIKeyMiddleware(keys []string) echo.MiddlewareFunc {
	allowed := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			allowed = append(allowed, []byte(k))
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			for i, a := range allowed {
				if subtle.ConstantTimeCompare(a, []byte(key)) == 1 {
					c.Set(ContextKeyAPIKey, i)
					return next(c)
				}
			}
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
		}
	}
}
