// Package challenge publishes ACME challenge responses for the domains a
// renewal job is currently proving control over. http-01 tokens are served
// over the plain HTTP listener, tls-alpn-01 certificates are handed to the
// TLS layer during the acme-tls/1 handshake.
package challenge

import (
	"crypto"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"sync"

	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certfoundry/internal/certs"
	"github.com/blockadesystems/certfoundry/internal/model"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "challenge"))
}

// Handler holds the published responses. Safe for concurrent use by the
// order driver and the serving listeners.
type Handler struct {
	tlsALPNEnabled bool

	mu     sync.RWMutex
	tokens map[string]string           // http-01 token -> key authorization
	alpn   map[string]*tls.Certificate // domain -> tls-alpn-01 certificate
}

func NewHandler(tlsALPNEnabled bool) *Handler {
	return &Handler{
		tlsALPNEnabled: tlsALPNEnabled,
		tokens:         make(map[string]string),
		alpn:           make(map[string]*tls.Certificate),
	}
}

// Select picks the challenge to respond to from the CA's offer. tls-alpn-01
// is preferred when the TLS listener can answer it, http-01 otherwise.
func (h *Handler) Select(offered []model.ChallengeResource) (*model.ChallengeResource, error) {
	var http01 *model.ChallengeResource
	for i := range offered {
		c := &offered[i]
		switch c.Type {
		case model.ChallengeTLSALPN01:
			if h.tlsALPNEnabled {
				return c, nil
			}
		case model.ChallengeHTTP01:
			http01 = c
		}
	}
	if http01 != nil {
		return http01, nil
	}
	return nil, fmt.Errorf("challenge: no supported challenge type offered")
}

// KeyAuthorization computes token.thumbprint for the given account key.
func KeyAuthorization(token string, accountKey crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: accountKey.Public()}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("challenge: failed to compute key thumbprint: %w", err)
	}
	return token + "." + base64.RawURLEncoding.EncodeToString(thumb), nil
}

// Setup publishes the response for a selected challenge and returns the key
// authorization to send back to the CA.
func (h *Handler) Setup(domain string, c *model.ChallengeResource, accountKey crypto.Signer) (string, error) {
	keyAuth, err := KeyAuthorization(c.Token, accountKey)
	if err != nil {
		return "", err
	}

	switch c.Type {
	case model.ChallengeHTTP01:
		h.mu.Lock()
		h.tokens[c.Token] = keyAuth
		h.mu.Unlock()
	case model.ChallengeTLSALPN01:
		keyPEM, certPEM, err := certs.CreateTLSALPNCert(domain, keyAuth)
		if err != nil {
			return "", err
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return "", fmt.Errorf("challenge: failed to assemble tls-alpn-01 pair: %w", err)
		}
		h.mu.Lock()
		h.alpn[domain] = &cert
		h.mu.Unlock()
	default:
		return "", fmt.Errorf("challenge: unsupported challenge type %q", c.Type)
	}

	logger.Debug("challenge response published",
		zap.String("domain", domain),
		zap.String("type", c.Type))
	return keyAuth, nil
}

// Teardown removes everything published for a domain. Called when its
// authorization reaches a final state, valid or not.
func (h *Handler) Teardown(domain string, c *model.ChallengeResource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c != nil {
		delete(h.tokens, c.Token)
	}
	delete(h.alpn, domain)
}

// LookupToken resolves an http-01 token to its key authorization.
func (h *Handler) LookupToken(token string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	keyAuth, ok := h.tokens[token]
	return keyAuth, ok
}

// TLSALPNCert returns the published tls-alpn-01 certificate for a domain.
// The TLS layer must serve it only on handshakes offering acme-tls/1.
func (h *Handler) TLSALPNCert(domain string) (*tls.Certificate, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cert, ok := h.alpn[domain]
	return cert, ok
}
