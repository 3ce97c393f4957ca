package model

import (
	"encoding/json"
	"time"
)

// Managed domain states, recomputed from on-disk artifacts at load time.
const (
	StateUnknown    = "unknown"
	StateIncomplete = "incomplete" // no usable key+cert pair on disk
	StateComplete   = "complete"   // valid, unexpired key+cert pair present and matching
	StateExpired    = "expired"    // cert present but serving of it is explicitly blocked
	StateError      = "error"      // artifacts present but structurally invalid
)

// Order driver states for a RenewalJob.
const (
	JobCreated     = "created"
	JobAuthorizing = "authorizing"
	JobValidating  = "validating"
	JobFinalizing  = "finalizing"
	JobValid       = "valid"
	JobFailed      = "failed"
)

// ACME challenge types this manager can satisfy.
const (
	ChallengeHTTP01    = "http-01"
	ChallengeTLSALPN01 = "tls-alpn-01"
)

// Internal problem codes for failures detected before any network exchange.
// ACME server failures carry their original urn:ietf:params:acme:error:* type.
const (
	ProblemEABHMACInvalid = "certfoundry:eab-hmac-invalid"
	ProblemConfigInvalid  = "certfoundry:config-invalid"
)

// CAInfo describes the ACME endpoint a managed domain is bound to.
type CAInfo struct {
	URL       string `json:"url"`
	Protocol  string `json:"proto"`
	Agreement string `json:"agreement,omitempty"` // ToS URL the admin accepted
	AccountID string `json:"account,omitempty"`   // local account id, set after first registration
	EABKeyID  string `json:"eab_kid,omitempty"`
}

// ManagedDomain is the persistent record for one certificate-managed domain
// group. Name is the primary domain and always equals Domains[0]. State is
// never trusted from disk; the store recomputes it from the key and cert
// artifacts on every load.
type ManagedDomain struct {
	Name     string   `json:"name"`
	Domains  []string `json:"domains"`
	State    string   `json:"state"`
	Renew    bool     `json:"renew,omitempty"` // cert present but due for replacement
	CA       CAInfo   `json:"ca"`
	Contacts []string `json:"contacts"`
	Version  int      `json:"version"` // bumped on every committed change, names archive snapshots
}

// Clone returns a deep copy so callers can mutate without racing a cached record.
func (m *ManagedDomain) Clone() *ManagedDomain {
	out := *m
	out.Domains = append([]string(nil), m.Domains...)
	out.Contacts = append([]string(nil), m.Contacts...)
	return &out
}

// ContainsDomain reports whether name is part of the managed SAN set.
func (m *ManagedDomain) ContainsDomain(name string) bool {
	for _, d := range m.Domains {
		if d == name {
			return true
		}
	}
	return false
}

// SameDomains reports whether the managed SAN set exactly matches names,
// order included. Order is significant: the CN is the first domain.
func (m *ManagedDomain) SameDomains(names []string) bool {
	if len(m.Domains) != len(names) {
		return false
	}
	for i := range names {
		if m.Domains[i] != names[i] {
			return false
		}
	}
	return true
}

// EAB carries External Account Binding credentials. The HMAC key stays in its
// base64url form until the inner JWS is signed and never appears in the
// status API.
type EAB struct {
	KeyID   string `json:"kid"`
	HMACKey string `json:"hmac,omitempty"`
}

// Account is a registered ACME account. The private key lives in a separate
// PEM file next to account.json and is never serialized here.
type Account struct {
	ID          string    `json:"id"` // local identifier, also the directory name
	URL         string    `json:"url"`
	DirectoryCA string    `json:"ca"` // ACME directory URL this account belongs to
	Contacts    []string  `json:"contacts,omitempty"`
	AgreedTOS   string    `json:"agreement,omitempty"`
	EABKeyID    string    `json:"eab_kid,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// LastOutcome records the most recent renewal attempt result, success or
// failure, for the status document.
type LastOutcome struct {
	At      time.Time `json:"at"`
	Problem string    `json:"problem,omitempty"` // ACME URN or certfoundry:* code
	Detail  string    `json:"detail,omitempty"`
}

// AuthzState tracks one authorization inside a renewal job.
type AuthzState struct {
	Domain    string   `json:"domain"`
	URL       string   `json:"url"`
	Challenge string   `json:"challenge,omitempty"` // chosen challenge type
	Status    string   `json:"status"`
	Problem   *Problem `json:"problem,omitempty"`
}

// RenewalJob is the staging record persisted after every order driver
// transition so a restarted process can resume instead of starting over.
type RenewalJob struct {
	Name        string                 `json:"name"`
	Domains     []string               `json:"domains"`
	State       string                 `json:"state"`
	OrderURL    string                 `json:"order,omitempty"`
	FinalizeURL string                 `json:"finalize,omitempty"`
	CertURL     string                 `json:"certificate,omitempty"`
	Authzs      map[string]*AuthzState `json:"authorizations,omitempty"` // keyed by domain
	Errors      int                    `json:"errors"`
	Last        *LastOutcome           `json:"last,omitempty"`
	Finished    bool                   `json:"finished"`
	NextAttempt time.Time              `json:"next_attempt,omitempty"`
}

// Problem is the ACME error object (RFC 8555 section 6.7).
type Problem struct {
	Type        string          `json:"type"`
	Detail      string          `json:"detail"`
	Status      int             `json:"status,omitempty"`
	Instance    string          `json:"instance,omitempty"`
	Subproblems json.RawMessage `json:"subproblems,omitempty"`
}

// --- ACME wire records (client view, JSON at the boundary only) ---

// Directory is the ACME server's resource index.
type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
	RevokeCert string `json:"revokeCert"`
	KeyChange  string `json:"keyChange"`
	Meta       struct {
		TermsOfService          string `json:"termsOfService,omitempty"`
		ExternalAccountRequired bool   `json:"externalAccountRequired,omitempty"`
	} `json:"meta"`
}

// Identifier names a domain inside an order or authorization.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// OrderResource is the server's order object.
type OrderResource struct {
	Status         string       `json:"status"`
	Expires        time.Time    `json:"expires,omitempty"`
	Identifiers    []Identifier `json:"identifiers"`
	Authorizations []string     `json:"authorizations"`
	Finalize       string       `json:"finalize"`
	Certificate    string       `json:"certificate,omitempty"`
	Error          *Problem     `json:"error,omitempty"`
}

// AuthzResource is the server's authorization object.
type AuthzResource struct {
	Identifier Identifier          `json:"identifier"`
	Status     string              `json:"status"`
	Expires    time.Time           `json:"expires,omitempty"`
	Challenges []ChallengeResource `json:"challenges"`
	Wildcard   bool                `json:"wildcard,omitempty"`
}

// ChallengeResource is the server's challenge object.
type ChallengeResource struct {
	Type   string   `json:"type"`
	URL    string   `json:"url"`
	Status string   `json:"status"`
	Token  string   `json:"token"`
	Error  *Problem `json:"error,omitempty"`
}

// --- Status documents (serving layer / management API) ---

// RenewalStatus is the renewal block of a domain status document.
type RenewalStatus struct {
	Errors   int          `json:"errors"`
	Last     *LastOutcome `json:"last,omitempty"`
	Finished bool         `json:"finished"`
}

// DomainStatus is the JSON status document for one managed domain.
type DomainStatus struct {
	Name     string         `json:"name"`
	Domains  []string       `json:"domains"`
	State    string         `json:"state"`
	Renew    bool           `json:"renew,omitempty"`
	CA       CAInfo         `json:"ca"`
	Contacts []string       `json:"contacts"`
	Version  int            `json:"version"`
	ValidTo  *time.Time     `json:"valid_until,omitempty"`
	Renewal  *RenewalStatus `json:"renewal,omitempty"`
}
