// Package server wires the HTTP surfaces: the plain-HTTP challenge
// responder, the management/status API and the TLS certificate callback
// backed by the serving cache.
package server

import (
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/blockadesystems/certfoundry/internal/auth"
	"github.com/blockadesystems/certfoundry/internal/certs"
	"github.com/blockadesystems/certfoundry/internal/challenge"
	"github.com/blockadesystems/certfoundry/internal/config"
	"github.com/blockadesystems/certfoundry/internal/management"
	"github.com/blockadesystems/certfoundry/internal/storage"
)

// acmeTLSProtocol is the ALPN protocol id for tls-alpn-01 handshakes.
const acmeTLSProtocol = "acme-tls/1"

// Deps bundles what the handlers need from the rest of the process.
type Deps struct {
	Store      storage.Store
	Config     *config.Config
	Challenges *challenge.Handler
	Cache      *certs.Cache
	// Kick asks the renewal manager for an immediate sweep. Optional.
	Kick func()
}

// ApplyCommonMiddleware installs recovery, request ids and the context
// values every handler expects.
func ApplyCommonMiddleware(e *echo.Echo, deps Deps, baseLogger *zap.Logger) {
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			reqLogger := baseLogger.With(zap.String("request_id", reqID))

			c.Set("store", deps.Store)
			c.Set("cfg", deps.Config)
			c.Set("challenges", deps.Challenges)
			c.Set("cache", deps.Cache)
			c.Set("kick", deps.Kick)
			c.Set("logger", reqLogger)
			return next(c)
		}
	})
}

// SetupRouter defines the routes on both instances. The challenge endpoint
// must live on the plain HTTP instance; the management API on the status
// instance, behind the API key.
func SetupRouter(httpInstance, statusInstance *echo.Echo, deps Deps) {
	httpInstance.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "certfoundry is running")
	})
	httpInstance.GET("/.well-known/acme-challenge/:token", HandleChallengeToken)

	statusInstance.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	apiGroup := statusInstance.Group("/api/v1")
	apiGroup.Use(auth.APIKeyMiddleware(deps.Config.APIKey))
	apiGroup.POST("/domains", management.HandleAddDomain)
	apiGroup.GET("/domains", management.HandleListDomains)
	apiGroup.GET("/domains/:domain", management.HandleGetDomain)
	apiGroup.PUT("/domains/:domain", management.HandleUpdateDomain)
	apiGroup.DELETE("/domains/:domain", management.HandleDeleteDomain)
	apiGroup.POST("/domains/:domain/renew", management.HandleRenewDomain)
}

// HandleChallengeToken serves http-01 responses. Unknown tokens 404 so the
// CA's validator sees a clean miss.
func HandleChallengeToken(c echo.Context) error {
	challenges := c.Get("challenges").(*challenge.Handler)
	reqLogger := c.Get("logger").(*zap.Logger)

	token := c.Param("token")
	keyAuth, ok := challenges.LookupToken(token)
	if !ok {
		reqLogger.Debug("challenge token not published", zap.String("token", token))
		return echo.NewHTTPError(http.StatusNotFound, "unknown token")
	}

	reqLogger.Info("answered http-01 challenge", zap.String("token", token))
	return c.Blob(http.StatusOK, "application/octet-stream", []byte(keyAuth))
}

// TLSConfig builds the serving TLS configuration: tls-alpn-01 handshakes
// get the published challenge certificate, everything else the managed
// certificate for the SNI name, with the self-signed fallback last.
func TLSConfig(deps Deps) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"h2", "http/1.1", acmeTLSProtocol},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			for _, proto := range hello.SupportedProtos {
				if proto == acmeTLSProtocol {
					if cert, ok := deps.Challenges.TLSALPNCert(hello.ServerName); ok {
						return cert, nil
					}
					return nil, fmt.Errorf("server: no tls-alpn-01 response published for %q", hello.ServerName)
				}
			}
			if cert, ok := deps.Cache.Certificate(hello.ServerName); ok {
				return cert, nil
			}
			return deps.Cache.Fallback([]string{deps.Config.FallbackCN})
		},
	}
}
