package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certfoundry/internal/certs"
	"github.com/blockadesystems/certfoundry/internal/model"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func testMD(name string, domains ...string) *model.ManagedDomain {
	return &model.ManagedDomain{
		Name:    name,
		Domains: append([]string{name}, domains...),
		CA: model.CAInfo{
			URL:      "https://acme.test/directory",
			Protocol: "ACME",
		},
	}
}

// installCert writes a committed key and chain for a domain, bypassing the
// staging flow, so state recomputation can be tested in isolation.
func installCert(t *testing.T, s *FileStore, name string, lifetime time.Duration) {
	t.Helper()
	keyPEM, certPEM, err := certs.CreateFallbackCert(name, []string{name}, lifetime)
	require.NoError(t, err)
	dir := s.domainDir(name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, privKeyFile), keyPEM, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, pubCertFile), certPEM, 0644))
}

func TestSaveAndLoadMD(t *testing.T) {
	s := newTestStore(t)

	md := testMD("example.org", "www.example.org")
	require.NoError(t, s.SaveMD(md))
	assert.Equal(t, 1, md.Version)

	got, err := s.LoadMD("example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"example.org", "www.example.org"}, got.Domains)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, model.StateIncomplete, got.State)
	assert.False(t, got.Renew)
}

func TestSaveMDBumpsVersionAndArchives(t *testing.T) {
	s := newTestStore(t)

	md := testMD("example.org")
	require.NoError(t, s.SaveMD(md))

	md.Contacts = []string{"mailto:admin@example.org"}
	require.NoError(t, s.SaveMD(md))
	assert.Equal(t, 2, md.Version)

	// version 1 is snapshotted under the archive
	_, err := os.Stat(filepath.Join(s.archiveDomainDir("example.org", 1), mdFile))
	assert.NoError(t, err)

	got, err := s.LoadMD("example.org")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, []string{"mailto:admin@example.org"}, got.Contacts)
}

func TestSaveMDRejectsInvalidRecords(t *testing.T) {
	s := newTestStore(t)

	err := s.SaveMD(&model.ManagedDomain{Name: "example.org"})
	assert.Error(t, err)

	err = s.SaveMD(&model.ManagedDomain{Name: "example.org", Domains: []string{"other.org"}})
	assert.Error(t, err)
}

func TestLoadMDNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadMD("missing.example.org")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStateCompleteWithValidCert(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveMD(testMD("example.org")))
	installCert(t, s, "example.org", 90*24*time.Hour)

	got, err := s.LoadMD("example.org")
	require.NoError(t, err)
	assert.Equal(t, model.StateComplete, got.State)
	assert.False(t, got.Renew)
}

func TestStateExpiredCertNeedsRenewal(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveMD(testMD("example.org")))
	installCert(t, s, "example.org", -time.Hour)

	got, err := s.LoadMD("example.org")
	require.NoError(t, err)
	assert.Equal(t, model.StateIncomplete, got.State)
	assert.True(t, got.Renew)
}

func TestStateCorruptArtifacts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveMD(testMD("example.org")))
	installCert(t, s, "example.org", 90*24*time.Hour)

	dir := s.domainDir("example.org")
	require.NoError(t, os.WriteFile(filepath.Join(dir, privKeyFile), []byte("not a key"), 0600))

	got, err := s.LoadMD("example.org")
	require.NoError(t, err)
	assert.Equal(t, model.StateError, got.State)
}

func TestStateKeyCertMismatch(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveMD(testMD("example.org")))
	installCert(t, s, "example.org", 90*24*time.Hour)

	// swap in a key that does not belong to the certificate
	otherKey, err := certs.GenerateKey()
	require.NoError(t, err)
	keyPEM, err := certs.EncodePrivateKey(otherKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.domainDir("example.org"), privKeyFile), keyPEM, 0600))

	got, err := s.LoadMD("example.org")
	require.NoError(t, err)
	assert.Equal(t, model.StateError, got.State)
}

func TestListMDs(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveMD(testMD("a.example.org")))
	require.NoError(t, s.SaveMD(testMD("b.example.org")))

	mds, err := s.ListMDs()
	require.NoError(t, err)
	require.Len(t, mds, 2)
}

func TestPurgeMD(t *testing.T) {
	s := newTestStore(t)
	md := testMD("example.org")
	require.NoError(t, s.SaveMD(md))
	require.NoError(t, s.SaveMD(md)) // create an archive entry

	require.NoError(t, s.PurgeMD("example.org"))

	_, err := s.LoadMD("example.org")
	assert.ErrorIs(t, err, ErrNotFound)

	mds, err := s.ListMDs()
	require.NoError(t, err)
	assert.Empty(t, mds)

	archives, err := filepath.Glob(filepath.Join(s.root, archiveDir, "example.org.*"))
	require.NoError(t, err)
	assert.Empty(t, archives)
}

func TestAccountRoundTrip(t *testing.T) {
	s := newTestStore(t)

	key, err := certs.GenerateKey()
	require.NoError(t, err)
	acct := &model.Account{
		ID:          uuid.New().String(),
		URL:         "https://acme.test/acct/1",
		DirectoryCA: "https://acme.test/directory",
		Contacts:    []string{"mailto:admin@example.org"},
		AgreedTOS:   "accepted",
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveAccount(acct, key))

	got, gotKey, err := s.LoadAccount(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, acct.URL, got.URL)
	assert.Equal(t, acct.DirectoryCA, got.DirectoryCA)
	require.NotNil(t, gotKey)
	assert.True(t, gotKey.Public().(interface{ Equal(x any) bool }).Equal(key.Public()))

	// key file must be owner-only
	info, err := os.Stat(filepath.Join(s.accountDir(acct.ID), acctKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	accts, err := s.ListAccounts()
	require.NoError(t, err)
	require.Len(t, accts, 1)
}

func TestStageAndCommitJob(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveMD(testMD("example.org")))
	installCert(t, s, "example.org", -time.Hour) // old, expired pair

	keyPEM, certPEM, err := certs.CreateFallbackCert("example.org", []string{"example.org"}, 90*24*time.Hour)
	require.NoError(t, err)

	job := &model.RenewalJob{
		Name:     "example.org",
		Domains:  []string{"example.org"},
		State:    model.JobValid,
		Finished: true,
	}
	require.NoError(t, s.StageJob("example.org", job))
	require.NoError(t, s.StageCertificate("example.org", keyPEM, certPEM))
	require.NoError(t, s.CommitJob("example.org"))

	// committed pair is the staged one and the domain is now complete
	gotKey, gotChain, err := s.LoadKeyPair("example.org")
	require.NoError(t, err)
	assert.Equal(t, keyPEM, gotKey)
	assert.Equal(t, certPEM, gotChain)

	md, err := s.LoadMD("example.org")
	require.NoError(t, err)
	assert.Equal(t, model.StateComplete, md.State)
	assert.Equal(t, 2, md.Version)

	// prior pair survives under the archive
	_, err = os.Stat(filepath.Join(s.archiveDomainDir("example.org", 1), pubCertFile))
	assert.NoError(t, err)

	// staging is cleared, the finished job remains readable
	_, err = os.Stat(s.stagingDomainDir("example.org"))
	assert.True(t, os.IsNotExist(err))
	gotJob, err := s.LoadJob("example.org")
	require.NoError(t, err)
	assert.True(t, gotJob.Finished)

	info, err := os.Stat(filepath.Join(s.domainDir("example.org"), privKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestCommitJobWithoutStagedPair(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveMD(testMD("example.org")))

	err := s.CommitJob("example.org")
	assert.Error(t, err)
}

func TestStagedKeySurvivesUntilCommit(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadStagedKey("example.org")
	assert.ErrorIs(t, err, ErrNotFound)

	keyPEM, _, err := certs.CreateFallbackCert("example.org", []string{"example.org"}, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.StageKey("example.org", keyPEM))

	got, err := s.LoadStagedKey("example.org")
	require.NoError(t, err)
	assert.Equal(t, keyPEM, got)

	info, err := os.Stat(filepath.Join(s.stagingDomainDir("example.org"), privKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, s.DropJob("example.org"))
	_, err = s.LoadStagedKey("example.org")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDropJob(t *testing.T) {
	s := newTestStore(t)
	job := &model.RenewalJob{Name: "example.org", State: model.JobCreated}
	require.NoError(t, s.StageJob("example.org", job))

	_, err := s.LoadJob("example.org")
	require.NoError(t, err)

	require.NoError(t, s.DropJob("example.org"))
	_, err = s.LoadJob("example.org")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTryLockDomain(t *testing.T) {
	s := newTestStore(t)

	release, ok := s.TryLockDomain("example.org")
	require.True(t, ok)

	_, ok = s.TryLockDomain("example.org")
	assert.False(t, ok)

	// other domains are independent
	release2, ok := s.TryLockDomain("other.org")
	assert.True(t, ok)
	release2()

	release()
	release3, ok := s.TryLockDomain("example.org")
	assert.True(t, ok)
	release3()
}
