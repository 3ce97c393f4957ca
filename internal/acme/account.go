package acme

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blockadesystems/certfoundry/internal/certs"
	"github.com/blockadesystems/certfoundry/internal/config"
	"github.com/blockadesystems/certfoundry/internal/model"
	"github.com/blockadesystems/certfoundry/internal/storage"
)

// AccountConfig describes how to register at a CA when no stored account
// matches.
type AccountConfig struct {
	Contacts  []string
	Agreement string
	EAB       *model.EAB
}

// Registry resolves CA accounts for managed domains. Accounts are shared
// across domains: the lookup key is the directory URL plus the external
// account binding key id, so a changed kid yields a fresh registration
// while the old account and any certificates issued under it stay intact.
type Registry struct {
	store storage.Store
}

func NewRegistry(store storage.Store) *Registry {
	return &Registry{store: store}
}

type newAccountRequest struct {
	TermsOfServiceAgreed   bool            `json:"termsOfServiceAgreed,omitempty"`
	Contact                []string        `json:"contact,omitempty"`
	ExternalAccountBinding json.RawMessage `json:"externalAccountBinding,omitempty"`
}

type accountResource struct {
	Status  string   `json:"status"`
	Contact []string `json:"contact,omitempty"`
	Orders  string   `json:"orders,omitempty"`
}

// EnsureAccount returns an account usable against the client's directory,
// registering one if necessary.
func (r *Registry) EnsureAccount(ctx context.Context, client *Client, cfg AccountConfig) (*model.Account, crypto.Signer, error) {
	l := logger.With(zap.String("directory", client.DirectoryURL))

	// The binding key is validated before anything goes on the wire. A
	// malformed key can never succeed, so no request is attempted.
	var hmacKey []byte
	var eabKID string
	if cfg.EAB != nil {
		eabKID = cfg.EAB.KeyID
		decoded, err := config.DecodeEABKey(cfg.EAB.HMACKey)
		if err != nil {
			return nil, nil, &ProblemError{Problem: model.Problem{
				Type:   model.ProblemEABHMACInvalid,
				Detail: fmt.Sprintf("external account binding key for kid %q is not valid base64: %v", cfg.EAB.KeyID, err),
			}}
		}
		hmacKey = decoded
	}

	if acct, key, err := r.findStored(client.DirectoryURL, eabKID); err != nil {
		return nil, nil, err
	} else if acct != nil {
		l.Debug("reusing stored account", zap.String("account", acct.ID))
		return acct, key, nil
	}

	dir, err := client.Directory(ctx)
	if err != nil {
		return nil, nil, err
	}
	if dir.Meta.ExternalAccountRequired && cfg.EAB == nil {
		return nil, nil, &ProblemError{Problem: model.Problem{
			Type:   errExternalAccountRequired,
			Detail: "CA requires an external account binding and none is configured",
			Status: http.StatusForbidden,
		}}
	}

	key, err := certs.GenerateKey()
	if err != nil {
		return nil, nil, err
	}

	payload := newAccountRequest{
		TermsOfServiceAgreed: true,
		Contact:              cfg.Contacts,
	}
	if cfg.EAB != nil {
		binding, err := signEAB(dir.NewAccount, key, cfg.EAB.KeyID, hmacKey)
		if err != nil {
			return nil, nil, err
		}
		payload.ExternalAccountBinding = binding
	}

	var res accountResource
	resp, err := client.postJWS(ctx, key, "", dir.NewAccount, payload, &res)
	if err != nil {
		return nil, nil, err
	}
	accountURL := resp.Header.Get("Location")
	if accountURL == "" {
		return nil, nil, fmt.Errorf("acme: newAccount response carried no Location header")
	}

	agreement := cfg.Agreement
	if agreement == "" {
		agreement = dir.Meta.TermsOfService
	}
	acct := &model.Account{
		ID:          uuid.New().String(),
		URL:         accountURL,
		DirectoryCA: client.DirectoryURL,
		Contacts:    cfg.Contacts,
		AgreedTOS:   agreement,
		EABKeyID:    eabKID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.SaveAccount(acct, key); err != nil {
		return nil, nil, err
	}

	l.Info("account registered",
		zap.String("account", acct.ID),
		zap.String("url", accountURL),
		zap.String("eab_kid", eabKID))
	return acct, key, nil
}

// findStored returns the first stored account for the directory whose EAB
// kid matches, or nil.
func (r *Registry) findStored(directoryURL, eabKID string) (*model.Account, crypto.Signer, error) {
	accts, err := r.store.ListAccounts()
	if err != nil {
		return nil, nil, err
	}
	for _, acct := range accts {
		if acct.DirectoryCA != directoryURL || acct.EABKeyID != eabKID {
			continue
		}
		full, key, err := r.store.LoadAccount(acct.ID)
		if err != nil {
			return nil, nil, err
		}
		return full, key, nil
	}
	return nil, nil, nil
}

// signEAB produces the inner JWS binding the fresh account key to the
// CA-issued external account: HS256 over the account's public JWK, with the
// external kid in the protected header and no nonce.
func signEAB(newAccountURL string, accountKey crypto.Signer, kid string, hmacKey []byte) (json.RawMessage, error) {
	jwk := jose.JSONWebKey{Key: accountKey.Public()}
	jwkJSON, err := jwk.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("acme: failed to encode account key for binding: %w", err)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: hmacKey},
		&jose.SignerOptions{
			ExtraHeaders: map[jose.HeaderKey]any{
				jose.HeaderKey("kid"): kid,
				jose.HeaderKey("url"): newAccountURL,
			},
		})
	if err != nil {
		return nil, fmt.Errorf("acme: failed to build binding signer: %w", err)
	}
	jws, err := signer.Sign(jwkJSON)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to sign external account binding: %w", err)
	}
	return json.RawMessage(jws.FullSerialize()), nil
}
