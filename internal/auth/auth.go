// Package auth guards the management API with a static API key.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "auth"))
}

const headerAPIKey = "X-Api-Key"

// APIKeyMiddleware rejects requests whose X-Api-Key header does not match
// the configured key. With no key configured every request passes; the
// status listener is expected to be bound to a trusted interface then.
func APIKeyMiddleware(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}
			presented := c.Request().Header.Get(headerAPIKey)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
				logger.Warn("management request with bad api key",
					zap.String("remote", c.RealIP()),
					zap.String("path", c.Path()))
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
			}
			return next(c)
		}
	}
}
