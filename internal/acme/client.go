// Package acme implements the client side of RFC 8555: account
// registration with optional external account binding, order placement,
// authorization handling and certificate retrieval. It only talks the
// protocol; persistence belongs to the storage package and scheduling to
// the renew package.
package acme

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certfoundry/internal/model"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "acme"))
}

const (
	contentTypeJOSE = "application/jose+json"

	errBadNonce                = "urn:ietf:params:acme:error:badNonce"
	errExternalAccountRequired = "urn:ietf:params:acme:error:externalAccountRequired"
)

// ProblemError carries an RFC 8555 problem document returned by the CA, or
// a locally detected certfoundry:* problem.
type ProblemError struct {
	Problem model.Problem
}

func (e *ProblemError) Error() string {
	return fmt.Sprintf("acme: %s: %s", e.Problem.Type, e.Problem.Detail)
}

// IsProblem reports whether err wraps a problem of the given type.
func IsProblem(err error, problemType string) bool {
	var pe *ProblemError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Problem.Type == problemType
}

// Client speaks to one ACME directory. It caches the directory document and
// pools replay nonces harvested from every response.
type Client struct {
	DirectoryURL string

	httpClient *http.Client

	mu     sync.Mutex
	dir    *model.Directory
	nonces []string
}

func NewClient(directoryURL string) *Client {
	return &Client{
		DirectoryURL: directoryURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Directory fetches and caches the directory document.
func (c *Client) Directory(ctx context.Context) (*model.Directory, error) {
	c.mu.Lock()
	if c.dir != nil {
		defer c.mu.Unlock()
		return c.dir, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.DirectoryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to build directory request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to fetch directory %s: %w", c.DirectoryURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("acme: directory %s returned %s", c.DirectoryURL, resp.Status)
	}

	var dir model.Directory
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return nil, fmt.Errorf("acme: failed to decode directory: %w", err)
	}

	c.mu.Lock()
	c.dir = &dir
	c.mu.Unlock()
	logger.Debug("directory fetched", zap.String("url", c.DirectoryURL))
	return &dir, nil
}

// nonce pops a pooled nonce or requests a fresh one from newNonce.
func (c *Client) nonce(ctx context.Context) (string, error) {
	c.mu.Lock()
	if n := len(c.nonces); n > 0 {
		nonce := c.nonces[n-1]
		c.nonces = c.nonces[:n-1]
		c.mu.Unlock()
		return nonce, nil
	}
	c.mu.Unlock()

	dir, err := c.Directory(ctx)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, dir.NewNonce, nil)
	if err != nil {
		return "", fmt.Errorf("acme: failed to build nonce request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("acme: failed to fetch nonce: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	nonce := resp.Header.Get("Replay-Nonce")
	if nonce == "" {
		return "", fmt.Errorf("acme: newNonce response carried no Replay-Nonce header")
	}
	return nonce, nil
}

func (c *Client) rememberNonce(resp *http.Response) {
	if nonce := resp.Header.Get("Replay-Nonce"); nonce != "" {
		c.mu.Lock()
		c.nonces = append(c.nonces, nonce)
		c.mu.Unlock()
	}
}

type clientNonceSource struct {
	ctx context.Context
	c   *Client
}

func (s clientNonceSource) Nonce() (string, error) {
	return s.c.nonce(s.ctx)
}

func sigAlgFor(key crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch key.Public().(type) {
	case *ecdsa.PublicKey:
		return jose.ES256, nil
	case *rsa.PublicKey:
		return jose.RS256, nil
	default:
		return "", fmt.Errorf("acme: unsupported account key type %T", key.Public())
	}
}

// postJWS signs the payload and POSTs it to url. With kid empty the account
// key is embedded as a JWK (new-account requests); otherwise kid is the
// account URL. A nil payload sends POST-as-GET. One retry on badNonce.
func (c *Client) postJWS(ctx context.Context, key crypto.Signer, kid, url string, payload, out any) (*http.Response, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("acme: failed to encode payload for %s: %w", url, err)
		}
	}

	var resp *http.Response
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err = c.postOnce(ctx, key, kid, url, body, out)
		if err != nil && IsProblem(err, errBadNonce) {
			logger.Debug("retrying after stale nonce", zap.String("url", url))
			continue
		}
		break
	}
	return resp, err
}

func (c *Client) postOnce(ctx context.Context, key crypto.Signer, kid, url string, payload []byte, out any) (*http.Response, error) {
	alg, err := sigAlgFor(key)
	if err != nil {
		return nil, err
	}

	opts := &jose.SignerOptions{
		NonceSource: clientNonceSource{ctx: ctx, c: c},
		ExtraHeaders: map[jose.HeaderKey]any{
			jose.HeaderKey("url"): url,
		},
	}
	if kid == "" {
		opts.EmbedJWK = true
	} else {
		opts.ExtraHeaders[jose.HeaderKey("kid")] = kid
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, opts)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to build signer for %s: %w", url, err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to sign request for %s: %w", url, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(jws.FullSerialize()))
	if err != nil {
		return nil, fmt.Errorf("acme: failed to build request for %s: %w", url, err)
	}
	req.Header.Set("Content-Type", contentTypeJOSE)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("acme: request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	c.rememberNonce(resp)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to read response from %s: %w", url, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return resp, problemFrom(resp, data, url)
	}

	if out != nil {
		switch dst := out.(type) {
		case *bytes.Buffer:
			dst.Write(data)
		default:
			if err := json.Unmarshal(data, out); err != nil {
				return resp, fmt.Errorf("acme: failed to decode response from %s: %w", url, err)
			}
		}
	}
	return resp, nil
}

// postAsGet fetches a resource with an empty-payload POST.
func (c *Client) postAsGet(ctx context.Context, key crypto.Signer, kid, url string, out any) (*http.Response, error) {
	return c.postJWS(ctx, key, kid, url, nil, out)
}

func problemFrom(resp *http.Response, body []byte, url string) error {
	prob := model.Problem{
		Type:   "urn:ietf:params:acme:error:serverInternal",
		Detail: fmt.Sprintf("unexpected response %s from %s", resp.Status, url),
		Status: resp.StatusCode,
	}
	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/problem+json") || strings.HasPrefix(ct, "application/json") {
		var decoded model.Problem
		if err := json.Unmarshal(body, &decoded); err == nil && decoded.Type != "" {
			prob = decoded
			prob.Status = resp.StatusCode
		}
	}
	return &ProblemError{Problem: prob}
}
