package storage

import (
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certfoundry/internal/certs"
	"github.com/blockadesystems/certfoundry/internal/model"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "storage"))
}

// ErrNotFound is returned when a managed domain, account or staged job does
// not exist in the store.
var ErrNotFound = errors.New("storage: not found")

// File names inside the store, mirrored by the status and serving layers.
const (
	indexFile   = "md_store.json"
	mdFile      = "md.json"
	privKeyFile = "privkey.pem"
	pubCertFile = "pubcert.pem"
	jobFile     = "job.json"
	acctFile    = "account.json"
	acctKeyFile = "account.pem"

	domainsDir  = "domains"
	stagingDir  = "staging"
	archiveDir  = "archive"
	accountsDir = "accounts"
)

// Permission classes. Secret material is owner-only; directories holding
// secrets are owner-only traversable. Staged intermediates and public
// metadata may be wider.
const (
	secretFileMode = os.FileMode(0600)
	secretDirMode  = os.FileMode(0700)
	publicFileMode = os.FileMode(0644)
	publicDirMode  = os.FileMode(0755)
)

// Store is the persistence contract for managed domains, accounts and
// renewal jobs. It has no network or protocol knowledge.
type Store interface {
	// Managed domains. LoadMD recomputes the domain state from the on-disk
	// key and certificate artifacts; the cached state in md.json is never
	// trusted. SaveMD bumps the version and archives the prior record.
	LoadMD(name string) (*model.ManagedDomain, error)
	SaveMD(md *model.ManagedDomain) error
	ListMDs() ([]*model.ManagedDomain, error)
	PurgeMD(name string) error

	// Accounts. The private key travels separately from the JSON record and
	// is written owner-only.
	LoadAccount(id string) (*model.Account, crypto.Signer, error)
	SaveAccount(acct *model.Account, key crypto.Signer) error
	ListAccounts() ([]*model.Account, error)

	// Renewal jobs and staged artifacts. CommitJob atomically promotes the
	// staged key+cert+job into the domain directory, archiving the prior
	// version first.
	StageJob(name string, job *model.RenewalJob) error
	LoadJob(name string) (*model.RenewalJob, error)
	DropJob(name string) error
	StageKey(name string, keyPEM []byte) error
	LoadStagedKey(name string) ([]byte, error)
	StageCertificate(name string, keyPEM, chainPEM []byte) error
	CommitJob(name string) error

	// LoadKeyPair returns the committed private key and certificate chain
	// PEM for the serving layer, or ErrNotFound if incomplete.
	LoadKeyPair(name string) (keyPEM []byte, chainPEM []byte, err error)

	// Per-domain advisory locking. All mutating operations on one domain
	// directory must run under its lock; different domains are independent.
	LockDomain(name string) (release func())
	TryLockDomain(name string) (release func(), ok bool)
}

// FileStore implements Store on a plain directory tree:
//
//	md_store.json                      top-level index (owner-only)
//	domains/<name>/md.json             managed domain record
//	domains/<name>/privkey.pem         private key (owner-only)
//	domains/<name>/pubcert.pem         certificate chain
//	domains/<name>/job.json            last finished renewal job
//	staging/<name>/...                 in-progress artifacts
//	archive/<name>.<version>/...       prior versions, kept for rollback
//	accounts/<id>/account.json         account metadata
//	accounts/<id>/account.pem          account key (owner-only)
type FileStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Compile-time check.
var _ Store = (*FileStore)(nil)

type storeIndex struct {
	Version int      `json:"version"`
	Domains []string `json:"domains"`
}

// NewFileStore opens (or initializes) a store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	s := &FileStore{
		root:  dir,
		locks: make(map[string]*sync.Mutex),
	}

	if err := ensureDir(dir, secretDirMode); err != nil {
		return nil, err
	}
	for _, sub := range []string{domainsDir, archiveDir, accountsDir} {
		if err := ensureDir(filepath.Join(dir, sub), secretDirMode); err != nil {
			return nil, err
		}
	}
	if err := ensureDir(filepath.Join(dir, stagingDir), publicDirMode); err != nil {
		return nil, err
	}

	if _, err := os.Stat(filepath.Join(dir, indexFile)); os.IsNotExist(err) {
		if err := s.writeIndex(&storeIndex{Version: 1}); err != nil {
			return nil, err
		}
		logger.Info("initialized new store", zap.String("dir", dir))
	} else if err != nil {
		return nil, fmt.Errorf("storage: failed to stat store index: %w", err)
	}

	return s, nil
}

// --- Locking ---

func (s *FileStore) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// LockDomain blocks until the per-domain lock is held.
func (s *FileStore) LockDomain(name string) func() {
	l := s.lockFor(name)
	l.Lock()
	return l.Unlock
}

// TryLockDomain acquires the per-domain lock without blocking. It is how the
// renewal manager guarantees at most one active job per domain.
func (s *FileStore) TryLockDomain(name string) (func(), bool) {
	l := s.lockFor(name)
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}

// --- Managed domains ---

func (s *FileStore) domainDir(name string) string {
	return filepath.Join(s.root, domainsDir, name)
}

func (s *FileStore) stagingDomainDir(name string) string {
	return filepath.Join(s.root, stagingDir, name)
}

func (s *FileStore) archiveDomainDir(name string, version int) string {
	return filepath.Join(s.root, archiveDir, name+"."+strconv.Itoa(version))
}

// LoadMD reads md.json and recomputes the domain state from the key and
// certificate files. The state is a pure function of the artifacts on disk.
func (s *FileStore) LoadMD(name string) (*model.ManagedDomain, error) {
	md, err := s.readMD(s.domainDir(name))
	if err != nil {
		return nil, err
	}
	md.State, md.Renew = s.computeState(name)
	return md, nil
}

func (s *FileStore) readMD(dir string) (*model.ManagedDomain, error) {
	data, err := os.ReadFile(filepath.Join(dir, mdFile))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to read md record: %w", err)
	}
	var md model.ManagedDomain
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("storage: failed to decode md record: %w", err)
	}
	return &md, nil
}

// computeState classifies the on-disk artifacts for a domain:
// absent -> incomplete; unparsable or key/cert mismatch -> error;
// expired -> incomplete with renew set; otherwise complete.
func (s *FileStore) computeState(name string) (state string, renew bool) {
	dir := s.domainDir(name)
	keyPEM, keyErr := os.ReadFile(filepath.Join(dir, privKeyFile))
	certPEM, certErr := os.ReadFile(filepath.Join(dir, pubCertFile))

	if os.IsNotExist(keyErr) && os.IsNotExist(certErr) {
		return model.StateIncomplete, false
	}
	if keyErr != nil || certErr != nil {
		// one of the pair missing or unreadable
		return model.StateError, false
	}

	key, err := certs.ParsePrivateKey(keyPEM)
	if err != nil {
		return model.StateError, false
	}
	chain, err := certs.ParseCertificateChain(certPEM)
	if err != nil {
		return model.StateError, false
	}
	leaf := chain[0]
	if !certs.KeyMatchesCert(key, leaf) {
		return model.StateError, false
	}

	now := time.Now()
	if now.After(leaf.NotAfter) {
		return model.StateIncomplete, true
	}
	if now.Before(leaf.NotBefore) {
		return model.StateError, false
	}
	return model.StateComplete, false
}

// SaveMD persists a managed domain record, bumping its version and archiving
// the prior version of the domain directory first.
func (s *FileStore) SaveMD(md *model.ManagedDomain) error {
	if err := validateMD(md); err != nil {
		return err
	}

	dir := s.domainDir(md.Name)
	record := md.Clone()

	prev, err := s.readMD(dir)
	switch {
	case err == nil:
		record.Version = prev.Version + 1
		if err := s.archiveDomain(md.Name, prev.Version); err != nil {
			return err
		}
	case errors.Is(err, ErrNotFound):
		record.Version = 1
	default:
		return err
	}

	if err := ensureDir(dir, secretDirMode); err != nil {
		return err
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: failed to encode md record: %w", err)
	}
	if err := s.writeFileAtomic(filepath.Join(dir, mdFile), data, secretFileMode); err != nil {
		return err
	}
	if err := s.addToIndex(md.Name); err != nil {
		return err
	}

	md.Version = record.Version
	logger.Debug("md record saved", zap.String("domain", md.Name), zap.Int("version", record.Version))
	return nil
}

func validateMD(md *model.ManagedDomain) error {
	if len(md.Domains) == 0 {
		return fmt.Errorf("storage: md %q has an empty domain list", md.Name)
	}
	if md.Name != md.Domains[0] {
		return fmt.Errorf("storage: md name %q must equal its first domain %q", md.Name, md.Domains[0])
	}
	return nil
}

// ListMDs loads every managed domain named in the index, states recomputed.
func (s *FileStore) ListMDs() ([]*model.ManagedDomain, error) {
	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	out := make([]*model.ManagedDomain, 0, len(idx.Domains))
	for _, name := range idx.Domains {
		md, err := s.LoadMD(name)
		if errors.Is(err, ErrNotFound) {
			logger.Warn("index references missing domain", zap.String("domain", name))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, md)
	}
	return out, nil
}

// PurgeMD removes a managed domain, its staging area and its archives.
func (s *FileStore) PurgeMD(name string) error {
	for _, dir := range []string{s.domainDir(name), s.stagingDomainDir(name)} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("storage: failed to purge %q: %w", name, err)
		}
	}
	archives, err := filepath.Glob(filepath.Join(s.root, archiveDir, name+".*"))
	if err == nil {
		for _, a := range archives {
			os.RemoveAll(a)
		}
	}
	if err := s.removeFromIndex(name); err != nil {
		return err
	}
	logger.Info("md purged", zap.String("domain", name))
	return nil
}

// archiveDomain snapshots the current domain directory under a versioned
// archive name. An existing snapshot for the same version is replaced.
func (s *FileStore) archiveDomain(name string, version int) error {
	src := s.domainDir(name)
	dst := s.archiveDomainDir(name, version)
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("storage: failed to clear archive slot: %w", err)
	}
	if err := ensureDir(dst, secretDirMode); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("storage: failed to read domain dir for archiving: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, e.Name()))
		if err != nil {
			return fmt.Errorf("storage: failed to archive %s: %w", e.Name(), err)
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("storage: failed to stat %s: %w", e.Name(), err)
		}
		if err := s.writeFileAtomic(filepath.Join(dst, e.Name()), data, info.Mode().Perm()); err != nil {
			return err
		}
	}
	logger.Debug("domain archived", zap.String("domain", name), zap.Int("version", version))
	return nil
}

// --- Accounts ---

func (s *FileStore) accountDir(id string) string {
	return filepath.Join(s.root, accountsDir, id)
}

// LoadAccount reads an account record and its private key.
func (s *FileStore) LoadAccount(id string) (*model.Account, crypto.Signer, error) {
	dir := s.accountDir(id)
	data, err := os.ReadFile(filepath.Join(dir, acctFile))
	if os.IsNotExist(err) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("storage: failed to read account %q: %w", id, err)
	}
	var acct model.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, nil, fmt.Errorf("storage: failed to decode account %q: %w", id, err)
	}

	keyPEM, err := os.ReadFile(filepath.Join(dir, acctKeyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("storage: failed to read account key for %q: %w", id, err)
	}
	key, err := certs.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: failed to parse account key for %q: %w", id, err)
	}
	return &acct, key, nil
}

// SaveAccount persists an account record and its private key. The key file
// is owner-only; the metadata may be group-readable.
func (s *FileStore) SaveAccount(acct *model.Account, key crypto.Signer) error {
	dir := s.accountDir(acct.ID)
	if err := ensureDir(dir, secretDirMode); err != nil {
		return err
	}

	keyPEM, err := certs.EncodePrivateKey(key)
	if err != nil {
		return fmt.Errorf("storage: failed to encode account key for %q: %w", acct.ID, err)
	}
	if err := s.writeFileAtomic(filepath.Join(dir, acctKeyFile), keyPEM, secretFileMode); err != nil {
		return err
	}

	data, err := json.MarshalIndent(acct, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: failed to encode account %q: %w", acct.ID, err)
	}
	if err := s.writeFileAtomic(filepath.Join(dir, acctFile), data, publicFileMode); err != nil {
		return err
	}
	logger.Debug("account saved", zap.String("account", acct.ID))
	return nil
}

// ListAccounts returns all stored account records (without keys).
func (s *FileStore) ListAccounts() ([]*model.Account, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, accountsDir))
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list accounts: %w", err)
	}
	out := make([]*model.Account, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, accountsDir, e.Name(), acctFile))
		if err != nil {
			logger.Warn("skipping unreadable account", zap.String("account", e.Name()), zap.Error(err))
			continue
		}
		var acct model.Account
		if err := json.Unmarshal(data, &acct); err != nil {
			logger.Warn("skipping corrupt account record", zap.String("account", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, &acct)
	}
	return out, nil
}

// --- Renewal jobs and staging ---

// StageJob persists the renewal job into the staging area. Called after
// every order driver transition so a crash can resume.
func (s *FileStore) StageJob(name string, job *model.RenewalJob) error {
	dir := s.stagingDomainDir(name)
	if err := ensureDir(dir, publicDirMode); err != nil {
		return err
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: failed to encode job for %q: %w", name, err)
	}
	return s.writeFileAtomic(filepath.Join(dir, jobFile), data, publicFileMode)
}

// LoadJob returns the staged renewal job, falling back to the last
// committed one if nothing is staged.
func (s *FileStore) LoadJob(name string) (*model.RenewalJob, error) {
	for _, path := range []string{
		filepath.Join(s.stagingDomainDir(name), jobFile),
		filepath.Join(s.domainDir(name), jobFile),
	} {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("storage: failed to read job for %q: %w", name, err)
		}
		var job model.RenewalJob
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("storage: failed to decode job for %q: %w", name, err)
		}
		return &job, nil
	}
	return nil, ErrNotFound
}

// DropJob discards the staging area for a domain.
func (s *FileStore) DropJob(name string) error {
	if err := os.RemoveAll(s.stagingDomainDir(name)); err != nil {
		return fmt.Errorf("storage: failed to drop staged job for %q: %w", name, err)
	}
	return nil
}

// StageKey writes a candidate private key into the staging area. The order
// driver stages the key before its CSR goes out, so that an attempt
// interrupted after finalization can still claim the issued certificate.
// The key is owner-only even while staged.
func (s *FileStore) StageKey(name string, keyPEM []byte) error {
	dir := s.stagingDomainDir(name)
	if err := ensureDir(dir, publicDirMode); err != nil {
		return err
	}
	return s.writeFileAtomic(filepath.Join(dir, privKeyFile), keyPEM, secretFileMode)
}

// LoadStagedKey returns the staged private key, or ErrNotFound if nothing
// is staged.
func (s *FileStore) LoadStagedKey(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.stagingDomainDir(name), privKeyFile))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to read staged key for %q: %w", name, err)
	}
	return data, nil
}

// StageCertificate writes the freshly obtained key and chain into the
// staging area.
func (s *FileStore) StageCertificate(name string, keyPEM, chainPEM []byte) error {
	if err := s.StageKey(name, keyPEM); err != nil {
		return err
	}
	return s.writeFileAtomic(filepath.Join(s.stagingDomainDir(name), pubCertFile), chainPEM, publicFileMode)
}

// CommitJob promotes the staged key, chain and job into the domain
// directory. The prior version is archived first; the staged files are
// moved with rename so a reader never observes a partial pair.
func (s *FileStore) CommitJob(name string) error {
	staged := s.stagingDomainDir(name)
	if _, err := os.Stat(filepath.Join(staged, privKeyFile)); err != nil {
		return fmt.Errorf("storage: nothing staged to commit for %q: %w", name, err)
	}
	if _, err := os.Stat(filepath.Join(staged, pubCertFile)); err != nil {
		return fmt.Errorf("storage: staged chain missing for %q: %w", name, err)
	}

	dir := s.domainDir(name)
	md, err := s.readMD(dir)
	if err != nil {
		return err
	}
	if err := s.archiveDomain(name, md.Version); err != nil {
		return err
	}

	for _, f := range []string{privKeyFile, pubCertFile, jobFile} {
		src := filepath.Join(staged, f)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := os.Rename(src, filepath.Join(dir, f)); err != nil {
			return fmt.Errorf("storage: failed to commit %s for %q: %w", f, name, err)
		}
	}
	// committed private key must be owner-only regardless of staging mode
	if err := os.Chmod(filepath.Join(dir, privKeyFile), secretFileMode); err != nil {
		return fmt.Errorf("storage: failed to restrict committed key for %q: %w", name, err)
	}

	md.Version++
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: failed to encode md record: %w", err)
	}
	if err := s.writeFileAtomic(filepath.Join(dir, mdFile), data, secretFileMode); err != nil {
		return err
	}
	if err := os.RemoveAll(staged); err != nil {
		return fmt.Errorf("storage: failed to clear staging for %q: %w", name, err)
	}

	logger.Info("renewal committed", zap.String("domain", name), zap.Int("version", md.Version))
	return nil
}

// LoadKeyPair returns the committed key and chain PEM for the serving layer.
func (s *FileStore) LoadKeyPair(name string) ([]byte, []byte, error) {
	dir := s.domainDir(name)
	keyPEM, err := os.ReadFile(filepath.Join(dir, privKeyFile))
	if os.IsNotExist(err) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("storage: failed to read key for %q: %w", name, err)
	}
	chainPEM, err := os.ReadFile(filepath.Join(dir, pubCertFile))
	if os.IsNotExist(err) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("storage: failed to read chain for %q: %w", name, err)
	}
	return keyPEM, chainPEM, nil
}

// --- Index ---

func (s *FileStore) readIndex() (*storeIndex, error) {
	data, err := os.ReadFile(filepath.Join(s.root, indexFile))
	if err != nil {
		return nil, fmt.Errorf("storage: failed to read store index: %w", err)
	}
	var idx storeIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("storage: failed to decode store index: %w", err)
	}
	return &idx, nil
}

func (s *FileStore) writeIndex(idx *storeIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: failed to encode store index: %w", err)
	}
	return s.writeFileAtomic(filepath.Join(s.root, indexFile), data, secretFileMode)
}

func (s *FileStore) addToIndex(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	for _, d := range idx.Domains {
		if d == name {
			return nil
		}
	}
	idx.Domains = append(idx.Domains, name)
	return s.writeIndex(idx)
}

func (s *FileStore) removeFromIndex(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	kept := idx.Domains[:0]
	for _, d := range idx.Domains {
		if d != name {
			kept = append(kept, d)
		}
	}
	idx.Domains = kept
	return s.writeIndex(idx)
}

// --- File helpers ---

// writeFileAtomic stages the data into a temp file in the target directory
// and renames it into place, enforcing the permission class on both the
// file and, for secrets, the containing directory. Partial writes are never
// visible under the final name.
func (s *FileStore) writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if mode == secretFileMode {
		if err := restrictDir(dir); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: failed to set mode on %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("storage: failed to move %s into place: %w", path, err)
	}
	return nil
}

// restrictDir refuses to leave a directory holding secret material
// accessible to group or others.
func restrictDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("storage: failed to stat %s: %w", dir, err)
	}
	if info.Mode().Perm()&0077 != 0 {
		if err := os.Chmod(dir, secretDirMode); err != nil {
			return fmt.Errorf("storage: failed to restrict %s: %w", dir, err)
		}
		logger.Warn("tightened permissions on secret directory", zap.String("dir", dir))
	}
	return nil
}

func ensureDir(dir string, mode os.FileMode) error {
	if err := os.MkdirAll(dir, mode); err != nil {
		return fmt.Errorf("storage: failed to create directory %s: %w", dir, err)
	}
	return nil
}
