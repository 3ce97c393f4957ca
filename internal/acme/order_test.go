package acme

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certfoundry/internal/certs"
	"github.com/blockadesystems/certfoundry/internal/challenge"
	"github.com/blockadesystems/certfoundry/internal/model"
	"github.com/blockadesystems/certfoundry/internal/storage"
	"github.com/blockadesystems/certfoundry/internal/testutils"
)

func newTestDriver(t *testing.T, fake *testutils.FakeACME, store storage.Store, handler *challenge.Handler) *Driver {
	t.Helper()
	client := NewClient(fake.DirectoryURL())
	acct, key, err := NewRegistry(store).EnsureAccount(context.Background(), client, AccountConfig{})
	require.NoError(t, err)

	d := NewDriver(store, handler, client, acct, key)
	d.PollInterval = 10 * time.Millisecond
	d.PollTimeout = 5 * time.Second
	return d
}

func TestDriverObtainsCertificate(t *testing.T) {
	handler := challenge.NewHandler(false)
	fake := testutils.NewFakeACME(t, testutils.FakeACMEOptions{
		// the CA checks the published token the way a real one would
		HTTPSolver: handler.LookupToken,
	})
	store := testutils.NewTestStore(t)
	d := newTestDriver(t, fake, store, handler)

	md := &model.ManagedDomain{Name: "example.org", Domains: []string{"example.org", "www.example.org"}}
	require.NoError(t, store.SaveMD(md))

	job, err := d.Run(context.Background(), md)
	require.NoError(t, err)
	assert.True(t, job.Finished)
	assert.Equal(t, model.JobValid, job.State)
	assert.Zero(t, job.Errors)
	require.NotNil(t, job.Last)
	assert.Empty(t, job.Last.Problem)

	// committing the staged pair makes the domain complete
	require.NoError(t, store.CommitJob(md.Name))
	got, err := store.LoadMD(md.Name)
	require.NoError(t, err)
	assert.Equal(t, model.StateComplete, got.State)

	keyPEM, chainPEM, err := store.LoadKeyPair(md.Name)
	require.NoError(t, err)
	chain, err := certs.ParseCertificateChain(chainPEM)
	require.NoError(t, err)
	assert.True(t, certs.SANsMatch(chain[0], md.Domains))
	key, err := certs.ParsePrivateKey(keyPEM)
	require.NoError(t, err)
	assert.True(t, certs.KeyMatchesCert(key, chain[0]))

	// nothing left published once the run is over
	_, ok := handler.LookupToken("any")
	assert.False(t, ok)
}

func TestDriverRecordsFailedAuthorization(t *testing.T) {
	handler := challenge.NewHandler(false)
	prob := &model.Problem{
		Type:   "urn:ietf:params:acme:error:unauthorized",
		Detail: "CAA record forbids issuance",
	}
	fake := testutils.NewFakeACME(t, testutils.FakeACMEOptions{
		FailDomains: map[string]*model.Problem{"bad.example.org": prob},
	})
	store := testutils.NewTestStore(t)
	d := newTestDriver(t, fake, store, handler)

	md := &model.ManagedDomain{Name: "bad.example.org", Domains: []string{"bad.example.org"}}
	require.NoError(t, store.SaveMD(md))

	job, err := d.Run(context.Background(), md)
	require.Error(t, err)
	assert.True(t, IsProblem(err, "urn:ietf:params:acme:error:unauthorized"))

	assert.Equal(t, model.JobFailed, job.State)
	assert.False(t, job.Finished)
	assert.Equal(t, 1, job.Errors)
	require.NotNil(t, job.Last)
	assert.Equal(t, prob.Type, job.Last.Problem)
	assert.Equal(t, prob.Detail, job.Last.Detail)
	// a dead order is not worth resuming
	assert.Empty(t, job.OrderURL)

	// the failure outcome survives in the store for status reporting
	staged, err := store.LoadJob(md.Name)
	require.NoError(t, err)
	assert.Equal(t, 1, staged.Errors)
	assert.Equal(t, prob.Type, staged.Last.Problem)
}

func TestDriverErrorCounterAccumulates(t *testing.T) {
	handler := challenge.NewHandler(false)
	fake := testutils.NewFakeACME(t, testutils.FakeACMEOptions{
		FailDomains: map[string]*model.Problem{"bad.example.org": {
			Type:   "urn:ietf:params:acme:error:connection",
			Detail: "could not reach host",
		}},
	})
	store := testutils.NewTestStore(t)
	d := newTestDriver(t, fake, store, handler)

	md := &model.ManagedDomain{Name: "bad.example.org", Domains: []string{"bad.example.org"}}
	require.NoError(t, store.SaveMD(md))

	_, err := d.Run(context.Background(), md)
	require.Error(t, err)
	job, err2 := d.Run(context.Background(), md)
	require.Error(t, err2)
	assert.Equal(t, 2, job.Errors)
}

func TestDriverStartsOverAfterDomainSetChange(t *testing.T) {
	handler := challenge.NewHandler(false)
	fake := testutils.NewFakeACME(t, testutils.FakeACMEOptions{})
	store := testutils.NewTestStore(t)
	d := newTestDriver(t, fake, store, handler)

	stale := &model.RenewalJob{
		Name:     "example.org",
		Domains:  []string{"example.org"},
		State:    model.JobValidating,
		OrderURL: fake.DirectoryURL(), // never consulted
		Errors:   3,
	}
	require.NoError(t, store.StageJob("example.org", stale))

	md := &model.ManagedDomain{Name: "example.org", Domains: []string{"example.org", "www.example.org"}}
	require.NoError(t, store.SaveMD(md))

	job, err := d.Run(context.Background(), md)
	require.NoError(t, err)
	assert.True(t, job.Finished)
	assert.Equal(t, []string{"example.org", "www.example.org"}, job.Domains)
	// the old order was abandoned and the success wiped the error history
	assert.Zero(t, job.Errors)
}

func TestDriverClearsErrorsAfterSuccess(t *testing.T) {
	handler := challenge.NewHandler(false)
	fake := testutils.NewFakeACME(t, testutils.FakeACMEOptions{})
	store := testutils.NewTestStore(t)
	d := newTestDriver(t, fake, store, handler)

	md := &model.ManagedDomain{Name: "example.org", Domains: []string{"example.org"}}
	require.NoError(t, store.SaveMD(md))

	failed := &model.RenewalJob{
		Name:    "example.org",
		Domains: []string{"example.org"},
		State:   model.JobFailed,
		Errors:  2,
		Last: &model.LastOutcome{
			At:      time.Now().UTC(),
			Problem: "urn:ietf:params:acme:error:connection",
		},
	}
	require.NoError(t, store.StageJob("example.org", failed))

	job, err := d.Run(context.Background(), md)
	require.NoError(t, err)
	assert.True(t, job.Finished)
	assert.Zero(t, job.Errors)
	require.NotNil(t, job.Last)
	assert.Empty(t, job.Last.Problem)

	// the cleared counter is what lands in the store
	staged, err := store.LoadJob("example.org")
	require.NoError(t, err)
	assert.True(t, staged.Finished)
	assert.Zero(t, staged.Errors)
}

func TestDriverResumesInterruptedFinalize(t *testing.T) {
	handler := challenge.NewHandler(false)
	fake := testutils.NewFakeACME(t, testutils.FakeACMEOptions{})
	store := testutils.NewTestStore(t)
	d := newTestDriver(t, fake, store, handler)

	md := &model.ManagedDomain{Name: "example.org", Domains: []string{"example.org"}}
	require.NoError(t, store.SaveMD(md))

	first, err := d.Run(context.Background(), md)
	require.NoError(t, err)
	require.Equal(t, 1, fake.FinalizePosts)

	// as if the process died after the CA accepted the CSR but before the
	// chain was staged
	interrupted := &model.RenewalJob{
		Name:        "example.org",
		Domains:     []string{"example.org"},
		State:       model.JobFinalizing,
		OrderURL:    first.OrderURL,
		FinalizeURL: first.FinalizeURL,
		Authzs:      first.Authzs,
	}
	require.NoError(t, store.StageJob("example.org", interrupted))

	job, err := d.Run(context.Background(), md)
	require.NoError(t, err)
	assert.True(t, job.Finished)
	assert.Equal(t, first.CertURL, job.CertURL)
	// the already accepted CSR is not submitted a second time
	assert.Equal(t, 1, fake.FinalizePosts)

	require.NoError(t, store.CommitJob("example.org"))
	got, err := store.LoadMD("example.org")
	require.NoError(t, err)
	assert.Equal(t, model.StateComplete, got.State)
}

func TestDriverTLSALPNPreferred(t *testing.T) {
	handler := challenge.NewHandler(true)
	fake := testutils.NewFakeACME(t, testutils.FakeACMEOptions{})
	store := testutils.NewTestStore(t)
	d := newTestDriver(t, fake, store, handler)

	md := &model.ManagedDomain{Name: "example.org", Domains: []string{"example.org"}}
	require.NoError(t, store.SaveMD(md))

	job, err := d.Run(context.Background(), md)
	require.NoError(t, err)
	require.True(t, job.Finished)
	assert.Equal(t, model.ChallengeTLSALPN01, job.Authzs["example.org"].Challenge)
}
