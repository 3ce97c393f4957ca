package server

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/certfoundry/internal/certs"
	"github.com/blockadesystems/certfoundry/internal/challenge"
	"github.com/blockadesystems/certfoundry/internal/config"
	"github.com/blockadesystems/certfoundry/internal/model"
	"github.com/blockadesystems/certfoundry/internal/testutils"
)

type testServer struct {
	deps   Deps
	http   *echo.Echo
	status *echo.Echo
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	store := testutils.NewTestStore(t)
	if cfg == nil {
		cfg = &config.Config{
			ACMEDirectory: "https://acme.test/directory",
			FallbackCN:    "certfoundry fallback",
		}
	}

	deps := Deps{
		Store:      store,
		Config:     cfg,
		Challenges: challenge.NewHandler(cfg.TLSALPNEnabled),
		Cache:      certs.NewCache(store.LoadKeyPair, cfg.FallbackCN),
	}

	httpInstance := echo.New()
	statusInstance := echo.New()
	logger := zaptest.NewLogger(t)
	ApplyCommonMiddleware(httpInstance, deps, logger)
	ApplyCommonMiddleware(statusInstance, deps, logger)
	SetupRouter(httpInstance, statusInstance, deps)

	return &testServer{deps: deps, http: httpInstance, status: statusInstance}
}

func (ts *testServer) request(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.status.ServeHTTP(rec, req)
	return rec
}

func TestAddAndGetDomain(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.request(http.MethodPost, "/api/v1/domains",
		`{"domains":["example.org","www.example.org"],"contacts":["mailto:admin@example.org"]}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created model.DomainStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "example.org", created.Name)
	assert.Equal(t, model.StateIncomplete, created.State)
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, "https://acme.test/directory", created.CA.URL)

	rec = ts.request(http.MethodGet, "/api/v1/domains/example.org", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.DomainStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"example.org", "www.example.org"}, got.Domains)
	assert.Nil(t, got.ValidTo)
}

func TestAddDomainValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.request(http.MethodPost, "/api/v1/domains", `{"domains":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.request(http.MethodPost, "/api/v1/domains", `{"domains":["a.org","a.org"]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.request(http.MethodPost, "/api/v1/domains", `{"domains":["example.org"]}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.request(http.MethodPost, "/api/v1/domains", `{"domains":["example.org"]}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAddDomainRejectsClaimedName(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.request(http.MethodPost, "/api/v1/domains",
		`{"domains":["example.org","www.example.org"]}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	// a name covered by an existing record cannot become its own record
	rec = ts.request(http.MethodPost, "/api/v1/domains", `{"domains":["www.example.org"]}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// nor may a new record list it among its domains
	rec = ts.request(http.MethodPost, "/api/v1/domains",
		`{"domains":["other.org","www.example.org"]}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.request(http.MethodPost, "/api/v1/domains", `{"domains":["other.org"]}`, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestUpdateDomainRejectsClaimedName(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.request(http.MethodPost, "/api/v1/domains", `{"domains":["a.example.org"]}`, nil)
	ts.request(http.MethodPost, "/api/v1/domains", `{"domains":["b.example.org"]}`, nil)

	rec := ts.request(http.MethodPut, "/api/v1/domains/a.example.org",
		`{"domains":["a.example.org","b.example.org"]}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// a record keeping its own names is not in conflict with itself
	rec = ts.request(http.MethodPut, "/api/v1/domains/a.example.org",
		`{"domains":["a.example.org","api.a.example.org"]}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListDomains(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.request(http.MethodPost, "/api/v1/domains", `{"domains":["a.example.org"]}`, nil)
	ts.request(http.MethodPost, "/api/v1/domains", `{"domains":["b.example.org"]}`, nil)

	rec := ts.request(http.MethodGet, "/api/v1/domains", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []model.DomainStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 2)
}

func TestUpdateDomain(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.request(http.MethodPost, "/api/v1/domains", `{"domains":["example.org"]}`, nil)

	rec := ts.request(http.MethodPut, "/api/v1/domains/example.org",
		`{"domains":["example.org","api.example.org"]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.DomainStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"example.org", "api.example.org"}, got.Domains)
	assert.Equal(t, 2, got.Version)

	// renaming the primary domain is not an update
	rec = ts.request(http.MethodPut, "/api/v1/domains/example.org",
		`{"domains":["other.org"]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.request(http.MethodPut, "/api/v1/domains/unknown.org",
		`{"domains":["unknown.org"]}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteDomain(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.request(http.MethodPost, "/api/v1/domains", `{"domains":["example.org"]}`, nil)

	rec := ts.request(http.MethodDelete, "/api/v1/domains/example.org", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.request(http.MethodGet, "/api/v1/domains/example.org", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.request(http.MethodDelete, "/api/v1/domains/example.org", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRenewTrigger(t *testing.T) {
	store := testutils.NewTestStore(t)
	kicked := false
	deps := Deps{
		Store:      store,
		Config:     &config.Config{ACMEDirectory: "https://acme.test/directory"},
		Challenges: challenge.NewHandler(false),
		Cache:      certs.NewCache(store.LoadKeyPair, "certfoundry fallback"),
		Kick:       func() { kicked = true },
	}
	httpInstance, statusInstance := echo.New(), echo.New()
	logger := zaptest.NewLogger(t)
	ApplyCommonMiddleware(httpInstance, deps, logger)
	ApplyCommonMiddleware(statusInstance, deps, logger)
	SetupRouter(httpInstance, statusInstance, deps)
	ts := &testServer{deps: deps, http: httpInstance, status: statusInstance}

	ts.request(http.MethodPost, "/api/v1/domains", `{"domains":["example.org"]}`, nil)

	// simulate a backed-off job
	job := &model.RenewalJob{
		Name: "example.org", State: model.JobFailed, Errors: 2,
		NextAttempt: time.Now().Add(time.Hour),
	}
	require.NoError(t, ts.deps.Store.StageJob("example.org", job))

	rec := ts.request(http.MethodPost, "/api/v1/domains/example.org/renew", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, kicked)

	got, err := ts.deps.Store.LoadJob("example.org")
	require.NoError(t, err)
	assert.True(t, got.NextAttempt.IsZero())
}

func TestStatusIncludesRenewalOutcome(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.request(http.MethodPost, "/api/v1/domains", `{"domains":["example.org"]}`, nil)

	job := &model.RenewalJob{
		Name: "example.org", State: model.JobFailed, Errors: 3,
		Last: &model.LastOutcome{
			At:      time.Now().UTC(),
			Problem: "urn:ietf:params:acme:error:unauthorized",
			Detail:  "validation refused",
		},
	}
	require.NoError(t, ts.deps.Store.StageJob("example.org", job))

	rec := ts.request(http.MethodGet, "/api/v1/domains/example.org", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.DomainStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.Renewal)
	assert.Equal(t, 3, got.Renewal.Errors)
	assert.Equal(t, "urn:ietf:params:acme:error:unauthorized", got.Renewal.Last.Problem)
}

func TestAPIKeyGuard(t *testing.T) {
	ts := newTestServer(t, &config.Config{
		ACMEDirectory: "https://acme.test/directory",
		APIKey:        "sekrit",
	})

	rec := ts.request(http.MethodGet, "/api/v1/domains", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.request(http.MethodGet, "/api/v1/domains", "", map[string]string{"X-Api-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.request(http.MethodGet, "/api/v1/domains", "", map[string]string{"X-Api-Key": "sekrit"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// health stays open
	rec = ts.request(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChallengeEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	key, err := certs.GenerateKey()
	require.NoError(t, err)
	chal := &model.ChallengeResource{Type: model.ChallengeHTTP01, Token: "tok123"}
	keyAuth, err := ts.deps.Challenges.Setup("example.org", chal, key)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/tok123", nil)
	rec := httptest.NewRecorder()
	ts.http.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, keyAuth, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/unknown", nil)
	rec = httptest.NewRecorder()
	ts.http.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTLSConfigSelection(t *testing.T) {
	ts := newTestServer(t, nil)
	tlsCfg := TLSConfig(ts.deps)

	// no managed cert yet: the fallback is served
	cert, err := tlsCfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.org"})
	require.NoError(t, err)
	require.NotNil(t, cert)

	// an acme-tls/1 handshake without a published response is refused
	_, err = tlsCfg.GetCertificate(&tls.ClientHelloInfo{
		ServerName:      "example.org",
		SupportedProtos: []string{acmeTLSProtocol},
	})
	assert.Error(t, err)

	// with a published tls-alpn-01 response it is served
	key, err := certs.GenerateKey()
	require.NoError(t, err)
	chal := &model.ChallengeResource{Type: model.ChallengeTLSALPN01, Token: "tok"}
	_, err = ts.deps.Challenges.Setup("example.org", chal, key)
	require.NoError(t, err)

	alpnCert, err := tlsCfg.GetCertificate(&tls.ClientHelloInfo{
		ServerName:      "example.org",
		SupportedProtos: []string{acmeTLSProtocol},
	})
	require.NoError(t, err)
	assert.NotEqual(t, cert, alpnCert)
}
