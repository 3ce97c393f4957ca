package acme

import (
	"bytes"
	"context"
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certfoundry/internal/certs"
	"github.com/blockadesystems/certfoundry/internal/challenge"
	"github.com/blockadesystems/certfoundry/internal/model"
	"github.com/blockadesystems/certfoundry/internal/storage"
)

// Order and authorization statuses defined by RFC 8555.
const (
	statusPending    = "pending"
	statusReady      = "ready"
	statusProcessing = "processing"
	statusValid      = "valid"
	statusInvalid    = "invalid"
)

var errStillPending = fmt.Errorf("acme: resource still pending")

// Driver runs one renewal attempt for a managed domain: order, authorize,
// validate, finalize, download. Every transition is staged to the store so
// an interrupted attempt resumes where it stopped. The resulting key and
// chain land in staging; committing them is the renewal manager's call.
type Driver struct {
	store      storage.Store
	challenges *challenge.Handler
	client     *Client
	account    *model.Account
	key        crypto.Signer

	// PollInterval paces authorization and order polling. Shortened in tests.
	PollInterval time.Duration
	PollTimeout  time.Duration
}

func NewDriver(store storage.Store, challenges *challenge.Handler, client *Client, account *model.Account, key crypto.Signer) *Driver {
	return &Driver{
		store:        store,
		challenges:   challenges,
		client:       client,
		account:      account,
		key:          key,
		PollInterval: 2 * time.Second,
		PollTimeout:  2 * time.Minute,
	}
}

// Run drives a renewal job for md until the certificate is staged or the
// attempt fails. The returned job reflects the final state either way; on
// failure it is also staged so the error counter survives restarts.
func (d *Driver) Run(ctx context.Context, md *model.ManagedDomain) (*model.RenewalJob, error) {
	l := logger.With(zap.String("domain", md.Name))

	job, err := d.resumeOrStart(ctx, md)
	if err != nil {
		return nil, err
	}

	for !job.Finished {
		var err error
		switch job.State {
		case model.JobCreated:
			err = d.placeOrder(ctx, job)
		case model.JobAuthorizing:
			err = d.startAuthorizations(ctx, job)
		case model.JobValidating:
			err = d.awaitAuthorizations(ctx, job)
		case model.JobFinalizing:
			err = d.finalize(ctx, job)
		case model.JobValid:
			job.Finished = true
		default:
			err = fmt.Errorf("acme: job for %q in unexpected state %q", job.Name, job.State)
		}

		if err != nil {
			d.recordFailure(job, err)
			if stageErr := d.store.StageJob(job.Name, job); stageErr != nil {
				l.Error("failed to stage failed job", zap.Error(stageErr))
			}
			return job, err
		}
		if err := d.store.StageJob(job.Name, job); err != nil {
			return job, err
		}
	}

	l.Info("renewal attempt succeeded", zap.String("order", job.OrderURL))
	return job, nil
}

// resumeOrStart reuses a staged, unfinished job for the same domain set if
// its order is still alive at the CA. Anything else starts over, keeping
// the error counter from the previous attempt.
func (d *Driver) resumeOrStart(ctx context.Context, md *model.ManagedDomain) (*model.RenewalJob, error) {
	fresh := &model.RenewalJob{
		Name:    md.Name,
		Domains: append([]string(nil), md.Domains...),
		State:   model.JobCreated,
	}

	prev, err := d.store.LoadJob(md.Name)
	if errors.Is(err, storage.ErrNotFound) {
		return fresh, nil
	}
	if err != nil {
		return nil, err
	}
	if prev.Finished {
		return fresh, nil
	}
	// failures from earlier attempts keep counting toward backoff
	fresh.Errors = prev.Errors
	fresh.Last = prev.Last

	if !md.SameDomains(prev.Domains) || prev.OrderURL == "" {
		return fresh, nil
	}

	var order model.OrderResource
	if _, err := d.client.postAsGet(ctx, d.key, d.account.URL, prev.OrderURL, &order); err != nil {
		logger.Debug("staged order no longer usable, starting over",
			zap.String("domain", md.Name), zap.Error(err))
		return fresh, nil
	}
	switch order.Status {
	case statusPending, statusReady, statusProcessing, statusValid:
		logger.Info("resuming staged renewal job",
			zap.String("domain", md.Name),
			zap.String("state", prev.State),
			zap.String("order", prev.OrderURL))
		return prev, nil
	default:
		return fresh, nil
	}
}

func (d *Driver) placeOrder(ctx context.Context, job *model.RenewalJob) error {
	identifiers := make([]model.Identifier, len(job.Domains))
	for i, domain := range job.Domains {
		identifiers[i] = model.Identifier{Type: "dns", Value: domain}
	}

	dir, err := d.client.Directory(ctx)
	if err != nil {
		return err
	}

	var order model.OrderResource
	resp, err := d.client.postJWS(ctx, d.key, d.account.URL, dir.NewOrder,
		map[string]any{"identifiers": identifiers}, &order)
	if err != nil {
		return err
	}
	orderURL := resp.Header.Get("Location")
	if orderURL == "" {
		return fmt.Errorf("acme: newOrder response carried no Location header")
	}

	job.OrderURL = orderURL
	job.FinalizeURL = order.Finalize
	job.Authzs = make(map[string]*model.AuthzState)
	for _, authzURL := range order.Authorizations {
		var authz model.AuthzResource
		if _, err := d.client.postAsGet(ctx, d.key, d.account.URL, authzURL, &authz); err != nil {
			return err
		}
		job.Authzs[authz.Identifier.Value] = &model.AuthzState{
			Domain: authz.Identifier.Value,
			URL:    authzURL,
			Status: authz.Status,
		}
	}
	job.State = model.JobAuthorizing

	logger.Info("order placed",
		zap.String("domain", job.Name),
		zap.String("order", orderURL),
		zap.Int("authorizations", len(job.Authzs)))
	return nil
}

// startAuthorizations publishes a challenge response for every pending
// authorization and tells the CA to validate it.
func (d *Driver) startAuthorizations(ctx context.Context, job *model.RenewalJob) error {
	for domain, authz := range job.Authzs {
		if authz.Status == statusValid {
			continue
		}

		var res model.AuthzResource
		if _, err := d.client.postAsGet(ctx, d.key, d.account.URL, authz.URL, &res); err != nil {
			return err
		}
		authz.Status = res.Status
		if res.Status == statusValid {
			continue
		}
		if res.Status != statusPending {
			return &ProblemError{Problem: model.Problem{
				Type:   "urn:ietf:params:acme:error:malformed",
				Detail: fmt.Sprintf("authorization for %q is %s, not pending", domain, res.Status),
			}}
		}

		chal, err := d.challenges.Select(res.Challenges)
		if err != nil {
			return err
		}
		if _, err := d.challenges.Setup(domain, chal, d.key); err != nil {
			return err
		}
		authz.Challenge = chal.Type

		// empty JSON object acknowledges readiness
		if _, err := d.client.postJWS(ctx, d.key, d.account.URL, chal.URL, struct{}{}, nil); err != nil {
			d.challenges.Teardown(domain, chal)
			return err
		}
		logger.Debug("challenge accepted",
			zap.String("domain", domain),
			zap.String("type", chal.Type))
	}

	job.State = model.JobValidating
	return nil
}

// awaitAuthorizations polls until every authorization is valid. A single
// invalid authorization aborts the attempt immediately with the CA's
// problem attached.
func (d *Driver) awaitAuthorizations(ctx context.Context, job *model.RenewalJob) error {
	for domain, authz := range job.Authzs {
		if authz.Status == statusValid {
			continue
		}

		final, err := d.pollAuthz(ctx, authz.URL)
		d.challenges.Teardown(domain, d.findChallenge(final, authz.Challenge))
		if err != nil {
			return err
		}
		authz.Status = final.Status

		if final.Status != statusValid {
			prob := challengeProblem(final, authz.Challenge)
			authz.Problem = prob
			return &ProblemError{Problem: *prob}
		}
	}

	job.State = model.JobFinalizing
	return nil
}

func (d *Driver) findChallenge(authz *model.AuthzResource, challengeType string) *model.ChallengeResource {
	if authz == nil {
		return nil
	}
	for i := range authz.Challenges {
		if authz.Challenges[i].Type == challengeType {
			return &authz.Challenges[i]
		}
	}
	return nil
}

// pollAuthz fetches the authorization until it leaves the pending and
// processing states.
func (d *Driver) pollAuthz(ctx context.Context, url string) (*model.AuthzResource, error) {
	var authz model.AuthzResource
	err := backoff.Retry(func() error {
		if _, err := d.client.postAsGet(ctx, d.key, d.account.URL, url, &authz); err != nil {
			return backoff.Permanent(err)
		}
		if authz.Status == statusPending || authz.Status == statusProcessing {
			return errStillPending
		}
		return nil
	}, d.pollBackoff(ctx))
	if err != nil {
		return &authz, err
	}
	return &authz, nil
}

func (d *Driver) pollBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.PollInterval
	bo.MaxElapsedTime = d.PollTimeout
	return backoff.WithContext(bo, ctx)
}

// challengeProblem digs the most specific problem out of a failed
// authorization: the chosen challenge's error, then any challenge error,
// then a generic one.
func challengeProblem(authz *model.AuthzResource, challengeType string) *model.Problem {
	var fallback *model.Problem
	for i := range authz.Challenges {
		c := &authz.Challenges[i]
		if c.Error == nil {
			continue
		}
		if c.Type == challengeType {
			return c.Error
		}
		if fallback == nil {
			fallback = c.Error
		}
	}
	if fallback != nil {
		return fallback
	}
	return &model.Problem{
		Type:   "urn:ietf:params:acme:error:unauthorized",
		Detail: fmt.Sprintf("authorization for %q ended %s", authz.Identifier.Value, authz.Status),
	}
}

// finalize submits the CSR, waits for issuance and stages the new key and
// chain. The key is staged before the CSR goes out; a resumed attempt whose
// CSR was already accepted skips straight to the download instead of
// re-finalizing a valid order. The downloaded leaf must cover exactly the
// job's domains.
func (d *Driver) finalize(ctx context.Context, job *model.RenewalJob) error {
	var order model.OrderResource
	if _, err := d.client.postAsGet(ctx, d.key, d.account.URL, job.OrderURL, &order); err != nil {
		return err
	}

	switch order.Status {
	case statusValid, statusProcessing:
		logger.Info("order already finalized, fetching certificate",
			zap.String("domain", job.Name),
			zap.String("order", job.OrderURL))
	case statusPending, statusReady:
		domainKey, err := certs.GenerateKey()
		if err != nil {
			return err
		}
		keyPEM, err := certs.EncodePrivateKey(domainKey)
		if err != nil {
			return err
		}
		if err := d.store.StageKey(job.Name, keyPEM); err != nil {
			return err
		}
		csr, err := certs.CreateCSR(domainKey, job.Domains)
		if err != nil {
			return err
		}
		if _, err := d.client.postJWS(ctx, d.key, d.account.URL, job.FinalizeURL,
			map[string]string{"csr": base64.RawURLEncoding.EncodeToString(csr)}, &order); err != nil {
			return err
		}
	default:
		prob := order.Error
		if prob == nil {
			prob = &model.Problem{
				Type:   "urn:ietf:params:acme:error:serverInternal",
				Detail: fmt.Sprintf("order for %q is %s and cannot be finalized", job.Name, order.Status),
			}
		}
		return &ProblemError{Problem: *prob}
	}

	if order.Certificate == "" {
		finished, err := d.pollOrder(ctx, job.OrderURL)
		if err != nil {
			return err
		}
		order = *finished
	}
	if order.Status != statusValid || order.Certificate == "" {
		prob := order.Error
		if prob == nil {
			prob = &model.Problem{
				Type:   "urn:ietf:params:acme:error:serverInternal",
				Detail: fmt.Sprintf("order for %q ended %s without a certificate", job.Name, order.Status),
			}
		}
		return &ProblemError{Problem: *prob}
	}
	job.CertURL = order.Certificate

	var chainPEM bytes.Buffer
	if _, err := d.client.postAsGet(ctx, d.key, d.account.URL, order.Certificate, &chainPEM); err != nil {
		return err
	}
	chain, err := certs.ParseCertificateChain(chainPEM.Bytes())
	if err != nil {
		return fmt.Errorf("acme: CA returned an unparsable chain for %q: %w", job.Name, err)
	}
	if !certs.SANsMatch(chain[0], job.Domains) {
		return fmt.Errorf("acme: issued certificate for %q does not cover the managed domains (got %v)",
			job.Name, chain[0].DNSNames)
	}

	keyPEM, err := d.store.LoadStagedKey(job.Name)
	if err != nil {
		return fmt.Errorf("acme: staged key for %q is gone, the issued certificate is unusable: %w", job.Name, err)
	}
	domainKey, err := certs.ParsePrivateKey(keyPEM)
	if err != nil {
		return fmt.Errorf("acme: staged key for %q does not parse: %w", job.Name, err)
	}
	if !certs.KeyMatchesCert(domainKey, chain[0]) {
		return fmt.Errorf("acme: issued certificate for %q does not match the staged key", job.Name)
	}
	if err := d.store.StageCertificate(job.Name, keyPEM, chainPEM.Bytes()); err != nil {
		return err
	}

	job.State = model.JobValid
	job.Finished = true
	// a successful attempt wipes the error counter, backoff starts fresh
	job.Errors = 0
	job.Last = &model.LastOutcome{At: time.Now().UTC()}
	logger.Info("certificate staged",
		zap.String("domain", job.Name),
		zap.Time("not_after", chain[0].NotAfter))
	return nil
}

// pollOrder fetches the order until issuance finishes one way or the other.
func (d *Driver) pollOrder(ctx context.Context, url string) (*model.OrderResource, error) {
	var order model.OrderResource
	err := backoff.Retry(func() error {
		if _, err := d.client.postAsGet(ctx, d.key, d.account.URL, url, &order); err != nil {
			return backoff.Permanent(err)
		}
		switch order.Status {
		case statusValid, statusInvalid:
			return nil
		default:
			return errStillPending
		}
	}, d.pollBackoff(ctx))
	if err != nil {
		return &order, err
	}
	return &order, nil
}

// recordFailure books an attempt failure on the job. A dead order is
// cleared so the next attempt starts a fresh one; the error counter and
// last outcome survive for backoff and status reporting.
func (d *Driver) recordFailure(job *model.RenewalJob, err error) {
	job.Errors++
	job.State = model.JobFailed

	outcome := &model.LastOutcome{At: time.Now().UTC(), Detail: err.Error()}
	var pe *ProblemError
	if errors.As(err, &pe) {
		outcome.Problem = pe.Problem.Type
		outcome.Detail = pe.Problem.Detail
	}
	job.Last = outcome

	job.OrderURL = ""
	job.FinalizeURL = ""
	job.Authzs = nil

	logger.Warn("renewal attempt failed",
		zap.String("domain", job.Name),
		zap.Int("errors", job.Errors),
		zap.String("problem", outcome.Problem),
		zap.Error(err))
}
