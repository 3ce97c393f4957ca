// Package management exposes the admin API for managed domains: create,
// update, inspect, remove and trigger renewals. Handlers pull their
// dependencies out of the echo context, set up by the server package.
package management

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certfoundry/internal/certs"
	"github.com/blockadesystems/certfoundry/internal/config"
	"github.com/blockadesystems/certfoundry/internal/model"
	"github.com/blockadesystems/certfoundry/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "management"))
}

// domainRequest is the JSON body for creating or updating a managed domain.
type domainRequest struct {
	Domains  []string `json:"domains"`
	Contacts []string `json:"contacts,omitempty"`
	CAURL    string   `json:"ca_url,omitempty"`
}

func (r *domainRequest) normalize() error {
	cleaned := make([]string, 0, len(r.Domains))
	seen := make(map[string]bool)
	for _, d := range r.Domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if seen[d] {
			return fmt.Errorf("duplicate domain %q", d)
		}
		seen[d] = true
		cleaned = append(cleaned, d)
	}
	if len(cleaned) == 0 {
		return errors.New("at least one domain is required")
	}
	r.Domains = cleaned
	return nil
}

// conflictingClaim reports the first requested domain already claimed by a
// managed record other than self. Every domain belongs to at most one record.
func conflictingClaim(store storage.Store, self string, domains []string) (domain, owner string, err error) {
	mds, err := store.ListMDs()
	if err != nil {
		return "", "", err
	}
	for _, other := range mds {
		if other.Name == self {
			continue
		}
		for _, d := range domains {
			if other.ContainsDomain(d) {
				return d, other.Name, nil
			}
		}
	}
	return "", "", nil
}

// HandleAddDomain handles POST /api/v1/domains.
func HandleAddDomain(c echo.Context) error {
	store := c.Get("store").(storage.Store)
	cfg := c.Get("cfg").(*config.Config)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleAddDomain"))

	var req domainRequest
	if err := c.Bind(&req); err != nil {
		reqLogger.Warn("failed to bind request body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	if err := req.normalize(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	name := req.Domains[0]
	if _, err := store.LoadMD(name); err == nil {
		return echo.NewHTTPError(http.StatusConflict, fmt.Sprintf("domain %q already managed", name))
	} else if !errors.Is(err, storage.ErrNotFound) {
		reqLogger.Error("failed to check for existing domain", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to check for existing domain")
	}
	if dom, owner, err := conflictingClaim(store, name, req.Domains); err != nil {
		reqLogger.Error("failed to check for conflicting claims", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to check for conflicting claims")
	} else if dom != "" {
		return echo.NewHTTPError(http.StatusConflict,
			fmt.Sprintf("domain %q is already claimed by %q", dom, owner))
	}

	caURL := req.CAURL
	if caURL == "" {
		caURL = cfg.ACMEDirectory
	}
	md := &model.ManagedDomain{
		Name:     name,
		Domains:  req.Domains,
		Contacts: req.Contacts,
		CA:       model.CAInfo{URL: caURL, Protocol: "ACME"},
	}
	if err := store.SaveMD(md); err != nil {
		reqLogger.Error("failed to save domain", zap.String("domain", name), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save domain")
	}

	reqLogger.Info("domain added", zap.String("domain", name), zap.Strings("domains", req.Domains))
	return c.JSON(http.StatusCreated, statusFor(store, md))
}

// HandleUpdateDomain handles PUT /api/v1/domains/:domain. Changing the
// domain list marks the certificate stale; the renewal manager picks the
// drift up on its next sweep.
func HandleUpdateDomain(c echo.Context) error {
	store := c.Get("store").(storage.Store)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleUpdateDomain"))
	name := c.Param("domain")

	md, err := store.LoadMD(name)
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("domain %q is not managed", name))
	}
	if err != nil {
		reqLogger.Error("failed to load domain", zap.String("domain", name), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load domain")
	}

	var req domainRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	if err := req.normalize(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Domains[0] != name {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("the first domain must stay %q, delete and re-add to rename", name))
	}
	if dom, owner, err := conflictingClaim(store, name, req.Domains); err != nil {
		reqLogger.Error("failed to check for conflicting claims", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to check for conflicting claims")
	} else if dom != "" {
		return echo.NewHTTPError(http.StatusConflict,
			fmt.Sprintf("domain %q is already claimed by %q", dom, owner))
	}

	md.Domains = req.Domains
	if req.Contacts != nil {
		md.Contacts = req.Contacts
	}
	if req.CAURL != "" {
		md.CA.URL = req.CAURL
	}
	if err := store.SaveMD(md); err != nil {
		reqLogger.Error("failed to save domain", zap.String("domain", name), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save domain")
	}

	reqLogger.Info("domain updated", zap.String("domain", name), zap.Strings("domains", req.Domains))
	return c.JSON(http.StatusOK, statusFor(store, md))
}

// HandleListDomains handles GET /api/v1/domains.
func HandleListDomains(c echo.Context) error {
	store := c.Get("store").(storage.Store)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleListDomains"))

	mds, err := store.ListMDs()
	if err != nil {
		reqLogger.Error("failed to list domains", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list domains")
	}

	out := make([]*model.DomainStatus, 0, len(mds))
	for _, md := range mds {
		out = append(out, statusFor(store, md))
	}
	return c.JSON(http.StatusOK, out)
}

// HandleGetDomain handles GET /api/v1/domains/:domain.
func HandleGetDomain(c echo.Context) error {
	store := c.Get("store").(storage.Store)
	name := c.Param("domain")

	md, err := store.LoadMD(name)
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("domain %q is not managed", name))
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load domain")
	}
	return c.JSON(http.StatusOK, statusFor(store, md))
}

// HandleDeleteDomain handles DELETE /api/v1/domains/:domain.
func HandleDeleteDomain(c echo.Context) error {
	store := c.Get("store").(storage.Store)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleDeleteDomain"))
	name := c.Param("domain")

	if _, err := store.LoadMD(name); errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("domain %q is not managed", name))
	}

	// wait for any running renewal before tearing the directory down
	release := store.LockDomain(name)
	defer release()

	if err := store.PurgeMD(name); err != nil {
		reqLogger.Error("failed to purge domain", zap.String("domain", name), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to purge domain")
	}
	if cache, ok := c.Get("cache").(*certs.Cache); ok && cache != nil {
		cache.Drop(name)
	}

	reqLogger.Info("domain removed", zap.String("domain", name))
	return c.NoContent(http.StatusNoContent)
}

// HandleRenewDomain handles POST /api/v1/domains/:domain/renew: it clears
// any error backoff so the next sweep retries immediately.
func HandleRenewDomain(c echo.Context) error {
	store := c.Get("store").(storage.Store)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleRenewDomain"))
	name := c.Param("domain")

	md, err := store.LoadMD(name)
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("domain %q is not managed", name))
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load domain")
	}

	job, err := store.LoadJob(name)
	if err == nil && !job.Finished && !job.NextAttempt.IsZero() {
		job.NextAttempt = time.Time{}
		if err := store.StageJob(name, job); err != nil {
			reqLogger.Error("failed to clear backoff", zap.String("domain", name), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to clear backoff")
		}
	}

	if kick, ok := c.Get("kick").(func()); ok && kick != nil {
		kick()
	}
	reqLogger.Info("renewal requested", zap.String("domain", name))
	return c.JSON(http.StatusAccepted, statusFor(store, md))
}

// statusFor assembles the externally visible view of a managed domain:
// the record itself, the leaf's notAfter and the latest renewal outcome.
func statusFor(store storage.Store, md *model.ManagedDomain) *model.DomainStatus {
	status := &model.DomainStatus{
		Name:     md.Name,
		Domains:  md.Domains,
		State:    md.State,
		Renew:    md.Renew,
		CA:       md.CA,
		Contacts: md.Contacts,
		Version:  md.Version,
	}

	if _, chainPEM, err := store.LoadKeyPair(md.Name); err == nil {
		if chain, err := certs.ParseCertificateChain(chainPEM); err == nil {
			notAfter := chain[0].NotAfter
			status.ValidTo = &notAfter
		}
	}

	if job, err := store.LoadJob(md.Name); err == nil {
		if !job.Finished || job.Errors > 0 {
			status.Renewal = &model.RenewalStatus{
				Errors:   job.Errors,
				Last:     job.Last,
				Finished: job.Finished,
			}
		}
	}
	return status
}
