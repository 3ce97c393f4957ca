// Package testutils provides shared test fixtures: a temp-dir backed store
// and an in-process fake ACME CA covering the directory, nonce, account,
// order, authorization, challenge, finalize and certificate endpoints.
package testutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certfoundry/internal/model"
	"github.com/blockadesystems/certfoundry/internal/storage"
)

// NewTestStore creates a file store in a per-test temp directory.
func NewTestStore(t *testing.T) *storage.FileStore {
	t.Helper()
	s, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

// FakeACMEOptions configures the fake CA's behavior.
type FakeACMEOptions struct {
	// RequireEAB makes new-account reject requests without an external
	// account binding.
	RequireEAB bool
	// EABKeys maps accepted binding kids to their base64url HMAC keys.
	// A binding with an unknown kid or a bad signature is rejected.
	EABKeys map[string]string
	// FailDomains marks authorizations for these domains invalid with the
	// given problem instead of validating them.
	FailDomains map[string]*model.Problem
	// HTTPSolver, when set, is consulted on challenge acceptance the way a
	// real CA would fetch the well-known URL. It receives the token and
	// must return the expected key authorization.
	HTTPSolver func(token string) (string, bool)
	// RejectFirstNonce makes the first POST fail with badNonce to exercise
	// client retry.
	RejectFirstNonce bool
	// CertLifetime bounds issued certificates. Defaults to 90 days.
	CertLifetime time.Duration
}

type fakeOrder struct {
	domains  []string
	status   string
	authzIDs []string
	certID   string
}

type fakeAuthz struct {
	domain  string
	status  string
	token   string
	problem *model.Problem
}

// FakeACME is an in-process ACME CA for tests.
type FakeACME struct {
	Server *httptest.Server

	opts   FakeACMEOptions
	caKey  *ecdsa.PrivateKey
	caCert *x509.Certificate

	mu             sync.Mutex
	rejectedNonce  bool
	accounts       map[string]string // account URL -> eab kid ("" without EAB)
	orders         map[string]*fakeOrder
	authzs         map[string]*fakeAuthz
	certs          map[string][]byte
	AccountsOpened int // new-account registrations performed
	FinalizePosts  int // CSR submissions received
}

// NewFakeACME starts the fake CA. It is shut down with the test.
func NewFakeACME(t *testing.T, opts FakeACMEOptions) *FakeACME {
	t.Helper()
	if opts.CertLifetime == 0 {
		opts.CertLifetime = 90 * 24 * time.Hour
	}

	f := &FakeACME{
		opts:     opts,
		accounts: make(map[string]string),
		orders:   make(map[string]*fakeOrder),
		authzs:   make(map[string]*fakeAuthz),
		certs:    make(map[string][]byte),
	}
	f.initCA(t)

	e := echo.New()
	e.HideBanner = true
	e.GET("/directory", f.handleDirectory)
	e.HEAD("/new-nonce", f.handleNonce)
	e.GET("/new-nonce", f.handleNonce)
	e.POST("/new-account", f.handleNewAccount)
	e.POST("/new-order", f.handleNewOrder)
	e.POST("/order/:id", f.handleOrder)
	e.POST("/authz/:id", f.handleAuthz)
	e.POST("/chall/:id", f.handleChallenge)
	e.POST("/finalize/:id", f.handleFinalize)
	e.POST("/cert/:id", f.handleCert)

	f.Server = httptest.NewServer(e)
	t.Cleanup(f.Server.Close)
	return f
}

// DirectoryURL returns the directory endpoint clients should start from.
func (f *FakeACME) DirectoryURL() string {
	return f.Server.URL + "/directory"
}

func (f *FakeACME) initCA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fake acme root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour * 365),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	f.caKey = key
	f.caCert = cert
}

func (f *FakeACME) setNonce(c echo.Context) {
	c.Response().Header().Set("Replay-Nonce", uuid.New().String())
}

func (f *FakeACME) problem(c echo.Context, status int, typ, detail string) error {
	f.setNonce(c)
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	c.Response().WriteHeader(status)
	return json.NewEncoder(c.Response()).Encode(model.Problem{
		Type:   typ,
		Detail: detail,
		Status: status,
	})
}

func (f *FakeACME) handleDirectory(c echo.Context) error {
	base := f.Server.URL
	dir := map[string]any{
		"newNonce":   base + "/new-nonce",
		"newAccount": base + "/new-account",
		"newOrder":   base + "/new-order",
		"revokeCert": base + "/revoke-cert",
		"keyChange":  base + "/key-change",
		"meta": map[string]any{
			"termsOfService":          base + "/tos",
			"externalAccountRequired": f.opts.RequireEAB,
		},
	}
	return c.JSON(http.StatusOK, dir)
}

func (f *FakeACME) handleNonce(c echo.Context) error {
	f.setNonce(c)
	return c.NoContent(http.StatusNoContent)
}

func (f *FakeACME) handleNewAccount(c echo.Context) error {
	payload, header, err := f.unwrapJWS(c)
	if err != nil {
		return nil
	}

	var req struct {
		TermsOfServiceAgreed   bool            `json:"termsOfServiceAgreed"`
		Contact                []string        `json:"contact"`
		ExternalAccountBinding json.RawMessage `json:"externalAccountBinding"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return f.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "bad account payload")
	}

	kid := ""
	if f.opts.RequireEAB || len(req.ExternalAccountBinding) > 0 {
		if len(req.ExternalAccountBinding) == 0 {
			return f.problem(c, http.StatusForbidden,
				"urn:ietf:params:acme:error:externalAccountRequired",
				"an external account binding is required")
		}
		boundKID, ok := f.verifyEAB(req.ExternalAccountBinding, header.JSONWebKey)
		if !ok {
			return f.problem(c, http.StatusUnauthorized,
				"urn:ietf:params:acme:error:unauthorized",
				"external account binding rejected")
		}
		kid = boundKID
	}

	f.mu.Lock()
	accountURL := fmt.Sprintf("%s/acct/%s", f.Server.URL, uuid.New().String())
	f.accounts[accountURL] = kid
	f.AccountsOpened++
	f.mu.Unlock()

	f.setNonce(c)
	c.Response().Header().Set("Location", accountURL)
	return c.JSON(http.StatusCreated, map[string]any{
		"status":  "valid",
		"contact": req.Contact,
	})
}

// verifyEAB checks the inner JWS: known kid, valid HS256 signature with
// that kid's key, payload matching the outer account JWK.
func (f *FakeACME) verifyEAB(binding json.RawMessage, outerJWK *jose.JSONWebKey) (string, bool) {
	var flat struct {
		Protected string `json:"protected"`
		Payload   string `json:"payload"`
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(binding, &flat); err != nil {
		return "", false
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(flat.Protected)
	if err != nil {
		return "", false
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil || header.Alg != "HS256" {
		return "", false
	}

	keyB64, ok := f.opts.EABKeys[header.Kid]
	if !ok {
		return "", false
	}
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(keyB64, "="))
	if err != nil {
		return "", false
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(flat.Protected + "." + flat.Payload))
	sig, err := base64.RawURLEncoding.DecodeString(flat.Signature)
	if err != nil || !hmac.Equal(sig, mac.Sum(nil)) {
		return "", false
	}

	// bound key must be the account key from the outer request
	if outerJWK == nil {
		return "", false
	}
	outerJSON, err := outerJWK.MarshalJSON()
	if err != nil {
		return "", false
	}
	boundJSON, err := base64.RawURLEncoding.DecodeString(flat.Payload)
	if err != nil {
		return "", false
	}
	var outer, bound map[string]any
	if json.Unmarshal(outerJSON, &outer) != nil || json.Unmarshal(boundJSON, &bound) != nil {
		return "", false
	}
	for _, field := range []string{"kty", "crv", "x", "y", "n", "e"} {
		if fmt.Sprint(outer[field]) != fmt.Sprint(bound[field]) {
			return "", false
		}
	}
	return header.Kid, true
}

func (f *FakeACME) handleNewOrder(c echo.Context) error {
	payload, _, err := f.unwrapJWS(c)
	if err != nil {
		return nil
	}

	var req struct {
		Identifiers []model.Identifier `json:"identifiers"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || len(req.Identifiers) == 0 {
		return f.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "bad order payload")
	}

	f.mu.Lock()
	orderID := uuid.New().String()
	order := &fakeOrder{status: "pending"}
	for _, ident := range req.Identifiers {
		authzID := uuid.New().String()
		f.authzs[authzID] = &fakeAuthz{
			domain: ident.Value,
			status: "pending",
			token:  uuid.New().String(),
		}
		order.domains = append(order.domains, ident.Value)
		order.authzIDs = append(order.authzIDs, authzID)
	}
	f.orders[orderID] = order
	f.mu.Unlock()

	f.setNonce(c)
	c.Response().Header().Set("Location", fmt.Sprintf("%s/order/%s", f.Server.URL, orderID))
	return c.JSON(http.StatusCreated, f.orderJSON(orderID, order))
}

func (f *FakeACME) orderJSON(id string, order *fakeOrder) map[string]any {
	identifiers := make([]model.Identifier, len(order.domains))
	authzURLs := make([]string, len(order.authzIDs))
	for i, d := range order.domains {
		identifiers[i] = model.Identifier{Type: "dns", Value: d}
	}
	for i, aid := range order.authzIDs {
		authzURLs[i] = fmt.Sprintf("%s/authz/%s", f.Server.URL, aid)
	}
	out := map[string]any{
		"status":         order.status,
		"identifiers":    identifiers,
		"authorizations": authzURLs,
		"finalize":       fmt.Sprintf("%s/finalize/%s", f.Server.URL, id),
	}
	if order.certID != "" {
		out["certificate"] = fmt.Sprintf("%s/cert/%s", f.Server.URL, order.certID)
	}
	return out
}

func (f *FakeACME) handleOrder(c echo.Context) error {
	if _, _, err := f.unwrapJWS(c); err != nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[c.Param("id")]
	if !ok {
		return f.problem(c, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such order")
	}
	f.refreshOrderLocked(order)
	f.setNonce(c)
	return c.JSON(http.StatusOK, f.orderJSON(c.Param("id"), order))
}

// refreshOrderLocked recomputes the order status from its authorizations.
func (f *FakeACME) refreshOrderLocked(order *fakeOrder) {
	if order.status == "valid" || order.status == "invalid" {
		return
	}
	ready := true
	for _, aid := range order.authzIDs {
		switch f.authzs[aid].status {
		case "invalid":
			order.status = "invalid"
			return
		case "valid":
		default:
			ready = false
		}
	}
	if ready {
		order.status = "ready"
	}
}

func (f *FakeACME) authzJSON(id string, authz *fakeAuthz) map[string]any {
	challenges := []map[string]any{
		{
			"type":   model.ChallengeHTTP01,
			"url":    fmt.Sprintf("%s/chall/%s", f.Server.URL, id),
			"status": authz.status,
			"token":  authz.token,
		},
		{
			"type":   model.ChallengeTLSALPN01,
			"url":    fmt.Sprintf("%s/chall/%s", f.Server.URL, id),
			"status": authz.status,
			"token":  authz.token,
		},
	}
	if authz.problem != nil {
		for _, ch := range challenges {
			ch["error"] = authz.problem
		}
	}
	return map[string]any{
		"identifier": model.Identifier{Type: "dns", Value: authz.domain},
		"status":     authz.status,
		"challenges": challenges,
	}
}

func (f *FakeACME) handleAuthz(c echo.Context) error {
	if _, _, err := f.unwrapJWS(c); err != nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	authz, ok := f.authzs[c.Param("id")]
	if !ok {
		return f.problem(c, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such authorization")
	}
	f.setNonce(c)
	return c.JSON(http.StatusOK, f.authzJSON(c.Param("id"), authz))
}

// handleChallenge validates immediately: configured failures become
// invalid authorizations, otherwise the solver hook (if any) is consulted
// and the authorization turns valid.
func (f *FakeACME) handleChallenge(c echo.Context) error {
	if _, _, err := f.unwrapJWS(c); err != nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	authz, ok := f.authzs[c.Param("id")]
	if !ok {
		return f.problem(c, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such challenge")
	}

	if prob, failed := f.opts.FailDomains[authz.domain]; failed {
		authz.status = "invalid"
		authz.problem = prob
	} else if f.opts.HTTPSolver != nil {
		if _, found := f.opts.HTTPSolver(authz.token); found {
			authz.status = "valid"
		} else {
			authz.status = "invalid"
			authz.problem = &model.Problem{
				Type:   "urn:ietf:params:acme:error:unauthorized",
				Detail: fmt.Sprintf("no response published for token %s", authz.token),
			}
		}
	} else {
		authz.status = "valid"
	}

	f.setNonce(c)
	return c.JSON(http.StatusOK, map[string]any{
		"type":   model.ChallengeHTTP01,
		"url":    fmt.Sprintf("%s/chall/%s", f.Server.URL, c.Param("id")),
		"status": authz.status,
		"token":  authz.token,
	})
}

func (f *FakeACME) handleFinalize(c echo.Context) error {
	payload, _, err := f.unwrapJWS(c)
	if err != nil {
		return nil
	}
	f.mu.Lock()
	f.FinalizePosts++
	f.mu.Unlock()

	var req struct {
		CSR string `json:"csr"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return f.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "bad finalize payload")
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(req.CSR)
	if err != nil {
		return f.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:badCSR", "csr is not valid base64url")
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return f.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:badCSR", "csr does not parse")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	orderID := c.Param("id")
	order, ok := f.orders[orderID]
	if !ok {
		return f.problem(c, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such order")
	}
	f.refreshOrderLocked(order)
	if order.status != "ready" {
		return f.problem(c, http.StatusForbidden, "urn:ietf:params:acme:error:orderNotReady",
			fmt.Sprintf("order is %s", order.status))
	}

	chainPEM, err := f.issueLocked(csr)
	if err != nil {
		return f.problem(c, http.StatusInternalServerError, "urn:ietf:params:acme:error:serverInternal", err.Error())
	}
	certID := uuid.New().String()
	f.certs[certID] = chainPEM
	order.certID = certID
	order.status = "valid"

	f.setNonce(c)
	return c.JSON(http.StatusOK, f.orderJSON(orderID, order))
}

func (f *FakeACME) issueLocked(csr *x509.CertificateRequest) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(f.opts.CertLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, f.caCert, csr.PublicKey, f.caKey)
	if err != nil {
		return nil, err
	}

	var buf []byte
	buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: f.caCert.Raw})...)
	return buf, nil
}

func (f *FakeACME) handleCert(c echo.Context) error {
	if _, _, err := f.unwrapJWS(c); err != nil {
		return nil
	}
	f.mu.Lock()
	chain, ok := f.certs[c.Param("id")]
	f.mu.Unlock()
	if !ok {
		return f.problem(c, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such certificate")
	}
	f.setNonce(c)
	return c.Blob(http.StatusOK, "application/pem-certificate-chain", chain)
}

// errRejected signals that a problem response has already been written;
// handlers must return nil without touching the response again.
var errRejected = fmt.Errorf("request rejected")

// unwrapJWS parses the request body as a flattened JWS and returns its
// payload and protected header without verifying the outer signature.
func (f *FakeACME) unwrapJWS(c echo.Context) ([]byte, jose.Header, error) {
	f.mu.Lock()
	mustReject := f.opts.RejectFirstNonce && !f.rejectedNonce
	if mustReject {
		f.rejectedNonce = true
	}
	f.mu.Unlock()
	if mustReject {
		f.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:badNonce", "nonce replayed")
		return nil, jose.Header{}, errRejected
	}

	var flat struct {
		Protected string `json:"protected"`
		Payload   string `json:"payload"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(c.Request().Body).Decode(&flat); err != nil {
		f.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "body is not a flattened JWS")
		return nil, jose.Header{}, errRejected
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(flat.Protected)
	if err != nil {
		f.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "protected header is not base64url")
		return nil, jose.Header{}, errRejected
	}
	var rawHeader struct {
		Kid string          `json:"kid"`
		Jwk json.RawMessage `json:"jwk"`
	}
	if err := json.Unmarshal(headerJSON, &rawHeader); err != nil {
		f.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "protected header does not parse")
		return nil, jose.Header{}, errRejected
	}
	var header jose.Header
	header.KeyID = rawHeader.Kid
	if len(rawHeader.Jwk) > 0 {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(rawHeader.Jwk); err != nil {
			f.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "embedded jwk does not parse")
			return nil, jose.Header{}, errRejected
		}
		header.JSONWebKey = &jwk
	}

	payload, err := base64.RawURLEncoding.DecodeString(flat.Payload)
	if err != nil {
		f.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "payload is not base64url")
		return nil, jose.Header{}, errRejected
	}
	return payload, header, nil
}
