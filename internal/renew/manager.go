// Package renew schedules certificate renewals: it watches every managed
// domain, decides when one needs a new certificate, drives the ACME order
// for it and commits the result into the store.
package renew

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certfoundry/internal/acme"
	"github.com/blockadesystems/certfoundry/internal/certs"
	"github.com/blockadesystems/certfoundry/internal/challenge"
	"github.com/blockadesystems/certfoundry/internal/config"
	"github.com/blockadesystems/certfoundry/internal/model"
	"github.com/blockadesystems/certfoundry/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "renew"))
}

// Manager owns the renewal loop. At most cfg.MaxParallel renewals run at
// once and never more than one per domain.
type Manager struct {
	cfg        *config.Config
	store      storage.Store
	challenges *challenge.Handler
	registry   *acme.Registry

	// OnCommit is invoked after a renewed certificate is committed, with
	// the domain name. The serving layer hooks its cache reload here.
	OnCommit func(name string)

	mu      sync.Mutex
	clients map[string]*acme.Client

	sem chan struct{}
}

func NewManager(cfg *config.Config, store storage.Store, challenges *challenge.Handler) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      store,
		challenges: challenges,
		registry:   acme.NewRegistry(store),
		clients:    make(map[string]*acme.Client),
		sem:        make(chan struct{}, cfg.MaxParallel),
	}
}

// clientFor caches one ACME client per directory URL.
func (m *Manager) clientFor(directoryURL string) *acme.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[directoryURL]
	if !ok {
		c = acme.NewClient(directoryURL)
		m.clients[directoryURL] = c
	}
	return c
}

// Run ticks until the context is canceled. A sweep runs immediately on
// start so a restart never waits a full interval.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll sweeps every managed domain once and waits for the renewals it
// started. Domains already being worked on are skipped, not queued.
func (m *Manager) CheckAll(ctx context.Context) {
	mds, err := m.store.ListMDs()
	if err != nil {
		logger.Error("failed to list managed domains", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, md := range mds {
		due, reason := m.due(md)
		if !due {
			continue
		}

		release, ok := m.store.TryLockDomain(md.Name)
		if !ok {
			continue // a renewal for this domain is already running
		}

		select {
		case m.sem <- struct{}{}:
		case <-ctx.Done():
			release()
			return
		}

		wg.Add(1)
		go func(md *model.ManagedDomain, reason string) {
			defer wg.Done()
			defer release()
			defer func() { <-m.sem }()
			m.renewOne(ctx, md, reason)
		}(md, reason)
	}
	wg.Wait()
}

// due decides whether a domain needs renewal now.
func (m *Manager) due(md *model.ManagedDomain) (bool, string) {
	if skip, until := m.inBackoff(md.Name); skip {
		logger.Debug("domain in error backoff",
			zap.String("domain", md.Name), zap.Time("until", until))
		return false, ""
	}

	switch md.State {
	case model.StateError:
		// broken artifacts need admin attention, not another order
		return false, ""
	case model.StateIncomplete:
		if md.Renew {
			return true, "certificate expired"
		}
		return true, "no certificate"
	}

	_, chainPEM, err := m.store.LoadKeyPair(md.Name)
	if err != nil {
		return true, "certificate unreadable"
	}
	chain, err := certs.ParseCertificateChain(chainPEM)
	if err != nil {
		return true, "certificate unparsable"
	}
	leaf := chain[0]

	if !certs.SANsMatch(leaf, md.Domains) {
		return true, "domain list changed"
	}
	if md.CA.EABKeyID != m.cfg.EABKeyID {
		return true, "external account binding changed"
	}
	if time.Until(leaf.NotAfter) <= m.cfg.RenewWindow {
		return true, "renewal window reached"
	}
	return false, ""
}

// inBackoff reports whether the domain's last failed job pushed the next
// attempt into the future.
func (m *Manager) inBackoff(name string) (bool, time.Time) {
	job, err := m.store.LoadJob(name)
	if err != nil {
		return false, time.Time{}
	}
	if job.Finished || job.Errors == 0 {
		return false, time.Time{}
	}
	if time.Now().Before(job.NextAttempt) {
		return true, job.NextAttempt
	}
	return false, time.Time{}
}

// renewOne performs a single renewal attempt for a domain whose lock is
// already held.
func (m *Manager) renewOne(ctx context.Context, md *model.ManagedDomain, reason string) {
	l := logger.With(zap.String("domain", md.Name))
	l.Info("starting renewal", zap.String("reason", reason))

	client := m.clientFor(md.CA.URL)
	acct, key, err := m.registry.EnsureAccount(ctx, client, m.accountConfig(md))
	if err != nil {
		l.Warn("account resolution failed", zap.Error(err))
		m.bookAccountFailure(md.Name, err)
		return
	}
	if md.CA.AccountID != acct.ID || md.CA.EABKeyID != acct.EABKeyID {
		md.CA.AccountID = acct.ID
		md.CA.EABKeyID = acct.EABKeyID
		if err := m.store.SaveMD(md); err != nil {
			l.Error("failed to record account on domain", zap.Error(err))
			return
		}
	}

	driver := acme.NewDriver(m.store, m.challenges, client, acct, key)
	job, err := driver.Run(ctx, md)
	if err != nil {
		m.scheduleRetry(job)
		return
	}

	if err := m.store.CommitJob(md.Name); err != nil {
		l.Error("failed to commit renewed certificate", zap.Error(err))
		return
	}
	l.Info("certificate renewed")
	if m.OnCommit != nil {
		m.OnCommit(md.Name)
	}
}

// accountConfig builds the registration parameters for a domain, contacts
// from the domain record with the global configuration as fallback.
func (m *Manager) accountConfig(md *model.ManagedDomain) acme.AccountConfig {
	cfg := acme.AccountConfig{
		Contacts:  md.Contacts,
		Agreement: m.cfg.Agreement,
	}
	if len(cfg.Contacts) == 0 {
		cfg.Contacts = m.cfg.Contacts
	}
	if m.cfg.EABKeyID != "" {
		cfg.EAB = &model.EAB{KeyID: m.cfg.EABKeyID, HMACKey: m.cfg.EABHMACKey}
	}
	return cfg
}

// bookAccountFailure records a pre-order failure on the domain's job so it
// shows up in status output and counts toward backoff.
func (m *Manager) bookAccountFailure(name string, err error) {
	job, loadErr := m.store.LoadJob(name)
	if loadErr != nil || job.Finished {
		job = &model.RenewalJob{Name: name, State: model.JobFailed}
	}
	job.Errors++
	job.State = model.JobFailed

	outcome := &model.LastOutcome{At: time.Now().UTC(), Detail: err.Error()}
	var pe *acme.ProblemError
	if errors.As(err, &pe) {
		outcome.Problem = pe.Problem.Type
		outcome.Detail = pe.Problem.Detail
	}
	job.Last = outcome

	m.scheduleRetry(job)
}

// scheduleRetry pushes a failed job's next attempt out by a number of
// check intervals that doubles with each consecutive failure, capped by
// MaxErrorBackoff.
func (m *Manager) scheduleRetry(job *model.RenewalJob) {
	if job == nil {
		return
	}
	cycles := 1
	for i := 1; i < job.Errors && cycles < m.cfg.MaxErrorBackoff; i++ {
		cycles *= 2
	}
	if cycles > m.cfg.MaxErrorBackoff {
		cycles = m.cfg.MaxErrorBackoff
	}
	job.NextAttempt = time.Now().Add(time.Duration(cycles) * m.cfg.CheckInterval)

	if err := m.store.StageJob(job.Name, job); err != nil {
		logger.Error("failed to stage retry schedule",
			zap.String("domain", job.Name), zap.Error(err))
	}
	logger.Info("renewal backed off",
		zap.String("domain", job.Name),
		zap.Int("errors", job.Errors),
		zap.Int("skipped_cycles", cycles),
		zap.Time("next_attempt", job.NextAttempt))
}
