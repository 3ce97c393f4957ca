package challenge

import (
	"crypto/x509"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certfoundry/internal/certs"
	"github.com/blockadesystems/certfoundry/internal/model"
)

func TestSelectPrefersTLSALPNWhenEnabled(t *testing.T) {
	offered := []model.ChallengeResource{
		{Type: model.ChallengeHTTP01, Token: "tok-http"},
		{Type: model.ChallengeTLSALPN01, Token: "tok-alpn"},
		{Type: "dns-01", Token: "tok-dns"},
	}

	h := NewHandler(true)
	c, err := h.Select(offered)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeTLSALPN01, c.Type)

	h = NewHandler(false)
	c, err = h.Select(offered)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeHTTP01, c.Type)
}

func TestSelectNoSupportedType(t *testing.T) {
	h := NewHandler(false)
	_, err := h.Select([]model.ChallengeResource{{Type: "dns-01", Token: "tok"}})
	assert.Error(t, err)
}

func TestHTTP01SetupAndTeardown(t *testing.T) {
	key, err := certs.GenerateKey()
	require.NoError(t, err)

	h := NewHandler(false)
	c := &model.ChallengeResource{Type: model.ChallengeHTTP01, Token: "abc123"}
	keyAuth, err := h.Setup("example.org", c, key)
	require.NoError(t, err)

	// token.thumbprint shape
	parts := strings.SplitN(keyAuth, ".", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "abc123", parts[0])
	assert.NotEmpty(t, parts[1])

	got, ok := h.LookupToken("abc123")
	require.True(t, ok)
	assert.Equal(t, keyAuth, got)

	_, ok = h.LookupToken("unknown")
	assert.False(t, ok)

	h.Teardown("example.org", c)
	_, ok = h.LookupToken("abc123")
	assert.False(t, ok)
}

func TestTLSALPNSetupAndTeardown(t *testing.T) {
	key, err := certs.GenerateKey()
	require.NoError(t, err)

	h := NewHandler(true)
	c := &model.ChallengeResource{Type: model.ChallengeTLSALPN01, Token: "alpntok"}
	_, err = h.Setup("example.org", c, key)
	require.NoError(t, err)

	cert, ok := h.TLSALPNCert("example.org")
	require.True(t, ok)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"example.org"}, leaf.DNSNames)

	// the acmeIdentifier extension must be present and critical
	found := false
	for _, ext := range leaf.Extensions {
		if ext.Id.String() == "1.3.6.1.5.5.7.1.31" {
			found = true
			assert.True(t, ext.Critical)
		}
	}
	assert.True(t, found)

	h.Teardown("example.org", c)
	_, ok = h.TLSALPNCert("example.org")
	assert.False(t, ok)
}

func TestKeyAuthorizationIsStablePerKey(t *testing.T) {
	key, err := certs.GenerateKey()
	require.NoError(t, err)

	a, err := KeyAuthorization("tok", key)
	require.NoError(t, err)
	b, err := KeyAuthorization("tok", key)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := certs.GenerateKey()
	require.NoError(t, err)
	c, err := KeyAuthorization("tok", other)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
