package certs

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"
)

// KeyPairLoader fetches the committed key and chain PEM for a domain.
type KeyPairLoader func(name string) (keyPEM []byte, chainPEM []byte, err error)

// Cache holds the certificates the serving layer hands out, keyed by every
// DNS name they cover. Lookups never touch the disk; the renewal manager
// refreshes entries after each commit.
type Cache struct {
	loader     KeyPairLoader
	fallbackCN string

	mu       sync.RWMutex
	byName   map[string]*tls.Certificate
	validTo  map[string]time.Time
	fallback *tls.Certificate
}

func NewCache(loader KeyPairLoader, fallbackCN string) *Cache {
	return &Cache{
		loader:     loader,
		fallbackCN: fallbackCN,
		byName:     make(map[string]*tls.Certificate),
		validTo:    make(map[string]time.Time),
	}
}

// Refresh loads the committed pair for a managed domain and indexes it
// under every name on the leaf. An expired pair is dropped instead: serving
// a cert past its notAfter is worse than serving none.
func (c *Cache) Refresh(name string) error {
	keyPEM, chainPEM, err := c.loader(name)
	if err != nil {
		return err
	}
	cert, err := tls.X509KeyPair(chainPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("certs: failed to assemble pair for %q: %w", name, err)
	}
	chain, err := ParseCertificateChain(chainPEM)
	if err != nil {
		return err
	}
	leaf := chain[0]
	cert.Leaf = leaf

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(name)
	if time.Now().After(leaf.NotAfter) {
		return fmt.Errorf("certs: committed certificate for %q is expired", name)
	}
	for _, dns := range leaf.DNSNames {
		c.byName[dns] = &cert
		c.validTo[dns] = leaf.NotAfter
	}
	return nil
}

// Drop removes a domain's certificate from the cache, e.g. after a purge.
func (c *Cache) Drop(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(name)
}

// dropLocked removes every index entry pointing at name's certificate.
func (c *Cache) dropLocked(name string) {
	cert, ok := c.byName[name]
	if !ok {
		return
	}
	for dns, other := range c.byName {
		if other == cert {
			delete(c.byName, dns)
			delete(c.validTo, dns)
		}
	}
}

// Certificate returns the cached certificate covering the given DNS name.
func (c *Cache) Certificate(domain string) (*tls.Certificate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cert, ok := c.byName[domain]
	return cert, ok
}

// ValidTo reports the notAfter of the cached certificate for a name.
func (c *Cache) ValidTo(domain string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.validTo[domain]
	return t, ok
}

// Fallback returns a lazily created self-signed certificate presented for
// domains whose managed certificate is not available yet.
func (c *Cache) Fallback(domains []string) (*tls.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fallback != nil {
		return c.fallback, nil
	}

	keyPEM, certPEM, err := CreateFallbackCert(c.fallbackCN, domains, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("certs: failed to assemble fallback pair: %w", err)
	}
	c.fallback = &cert
	return c.fallback, nil
}
