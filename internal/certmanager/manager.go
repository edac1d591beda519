package certmanager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/certificatemanager/apiv1/certificatemanagerpb"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// filterChunkSize bounds how many domains one FilterSLDsWithoutCert probe
// round touches, keeping request volume against the cloud API tame.
const filterChunkSize = 10

// Manager performs CRUD on Certificate Manager resources for domains under
// one TLD, inside one project and one certificate map.
type Manager struct {
	api    API
	tld    string
	parent string // projects/{id}/locations/global
	mapID  string
	logger *zap.Logger
}

// NewManager creates a resource manager rooted at the given project and
// certificate map.
func NewManager(api API, projectID, tld, mapID string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		api:    api,
		tld:    tld,
		parent: "projects/" + projectID + "/locations/global",
		mapID:  mapID,
		logger: logger,
	}
}

// Domain returns the full domain for a second-level label.
func (m *Manager) Domain(sld string) string { return sld + "." + m.tld }

// CertificateMapName returns the full resource name of the fixed map.
func (m *Manager) CertificateMapName() string {
	return m.parent + "/certificateMaps/" + m.mapID
}

func (m *Manager) certName(id CertID) string {
	return m.parent + "/certificates/" + id.ResourceID()
}

func (m *Manager) dnsAuthName(domain string) string {
	return m.parent + "/dnsAuthorizations/" + strings.ReplaceAll(domain, ".", "-")
}

func (m *Manager) mapEntryName(domain string, wildcard bool) string {
	return m.CertificateMapName() + "/certificateMapEntries/" + MapEntryID(domain, wildcard)
}

// CreateDNSAuthorization creates (and awaits) a DNS authorization for the
// domain and returns it, including the CNAME record the CA expects published.
func (m *Manager) CreateDNSAuthorization(ctx context.Context, domain string) (*certificatemanagerpb.DnsAuthorization, error) {
	id := strings.ReplaceAll(domain, ".", "-")
	if _, err := m.api.CreateDNSAuthorization(ctx, m.parent, id, &certificatemanagerpb.DnsAuthorization{Domain: domain}); err != nil {
		m.logGCPError(err, "create dns authorization", domain)
		return nil, fmt.Errorf("certmanager: create dns authorization for %s: %w", domain, err)
	}
	auth, err := m.api.GetDNSAuthorization(ctx, m.dnsAuthName(domain))
	if err != nil {
		return nil, fmt.Errorf("certmanager: get dns authorization for %s: %w", domain, err)
	}
	return auth, nil
}

// GetDNSAuthorization returns the domain's DNS authorization, or nil when it
// does not exist.
func (m *Manager) GetDNSAuthorization(ctx context.Context, domain string) (*certificatemanagerpb.DnsAuthorization, error) {
	auth, err := m.api.GetDNSAuthorization(ctx, m.dnsAuthName(domain))
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("certmanager: get dns authorization for %s: %w", domain, err)
	}
	return auth, nil
}

// CreateSelfManagedCertificate registers a PEM certificate/key pair under the
// deterministic ID for (domain, suffix) and returns the full certificate
// resource name.
func (m *Manager) CreateSelfManagedCertificate(ctx context.Context, domain string, certPEM, keyPEM []byte, suffix string) (string, error) {
	id := CertID{Domain: domain, Suffix: suffix}
	cert := &certificatemanagerpb.Certificate{
		Type: &certificatemanagerpb.Certificate_SelfManaged{
			SelfManaged: &certificatemanagerpb.Certificate_SelfManagedCertificate{
				PemCertificate: normalizePEM(certPEM),
				PemPrivateKey:  normalizePEM(keyPEM),
			},
		},
	}
	if _, err := m.api.CreateCertificate(ctx, m.parent, id.ResourceID(), cert); err != nil {
		m.logGCPError(err, "create self-managed certificate", domain)
		return "", fmt.Errorf("certmanager: create certificate %s: %w", id.ResourceID(), err)
	}
	return m.certName(id), nil
}

// CreateManagedCertificate provisions a Google-managed certificate covering
// the domain and its wildcard via a DNS authorization. Legacy path kept for
// the purchase flow.
func (m *Manager) CreateManagedCertificate(ctx context.Context, domain string) (string, error) {
	dnsAuthName := m.dnsAuthName(domain)
	id := CertID{Domain: domain}
	cert := &certificatemanagerpb.Certificate{
		Type: &certificatemanagerpb.Certificate_Managed{
			Managed: &certificatemanagerpb.Certificate_ManagedCertificate{
				Domains:           []string{domain, "*." + domain},
				DnsAuthorizations: []string{dnsAuthName},
			},
		},
	}
	if _, err := m.api.CreateCertificate(ctx, m.parent, id.ResourceID(), cert); err != nil {
		m.logGCPError(err, "create managed certificate", domain)
		return "", fmt.Errorf("certmanager: create managed certificate %s: %w", id.ResourceID(), err)
	}
	return m.certName(id), nil
}

// GetCertificate returns the certificate for (sld, suffix), or nil when it
// does not exist.
func (m *Manager) GetCertificate(ctx context.Context, sld, suffix string) (*certificatemanagerpb.Certificate, error) {
	id := CertID{Domain: m.Domain(sld), Suffix: suffix}
	cert, err := m.api.GetCertificate(ctx, m.certName(id))
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("certmanager: get certificate %s: %w", id.ResourceID(), err)
	}
	return cert, nil
}

// GetCertificateByID returns the certificate stored under an arbitrary
// resource ID (used for batch certificates), or nil when absent.
func (m *Manager) GetCertificateByID(ctx context.Context, resourceID string) (*certificatemanagerpb.Certificate, error) {
	cert, err := m.api.GetCertificate(ctx, m.parent+"/certificates/"+resourceID)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("certmanager: get certificate %s: %w", resourceID, err)
	}
	return cert, nil
}

// CreateCertificateByID registers a PEM pair under an arbitrary resource ID
// (used for batch certificates) and returns the full resource name.
func (m *Manager) CreateCertificateByID(ctx context.Context, resourceID string, certPEM, keyPEM []byte) (string, error) {
	cert := &certificatemanagerpb.Certificate{
		Type: &certificatemanagerpb.Certificate_SelfManaged{
			SelfManaged: &certificatemanagerpb.Certificate_SelfManagedCertificate{
				PemCertificate: normalizePEM(certPEM),
				PemPrivateKey:  normalizePEM(keyPEM),
			},
		},
	}
	if _, err := m.api.CreateCertificate(ctx, m.parent, resourceID, cert); err != nil {
		m.logGCPError(err, "create batch certificate", resourceID)
		return "", fmt.Errorf("certmanager: create certificate %s: %w", resourceID, err)
	}
	return m.parent + "/certificates/" + resourceID, nil
}

// DeleteCertificate removes the certificate for (sld, suffix).
func (m *Manager) DeleteCertificate(ctx context.Context, sld, suffix string) error {
	id := CertID{Domain: m.Domain(sld), Suffix: suffix}
	if err := m.api.DeleteCertificate(ctx, m.certName(id)); err != nil {
		return fmt.Errorf("certmanager: delete certificate %s: %w", id.ResourceID(), err)
	}
	return nil
}

// ListCertificates returns every certificate in the project.
func (m *Manager) ListCertificates(ctx context.Context) ([]*certificatemanagerpb.Certificate, error) {
	certs, err := m.api.ListCertificates(ctx, m.parent)
	if err != nil {
		return nil, fmt.Errorf("certmanager: list certificates: %w", err)
	}
	return certs, nil
}

// CreateCertificateMapEntry binds the naked hostname to certName inside the
// fixed map and returns the map's resource name. The entry is usable once
// this returns.
func (m *Manager) CreateCertificateMapEntry(ctx context.Context, domain, certName string) (string, error) {
	entry := &certificatemanagerpb.CertificateMapEntry{
		Match:        &certificatemanagerpb.CertificateMapEntry_Hostname{Hostname: domain},
		Certificates: []string{certName},
	}
	if _, err := m.api.CreateCertificateMapEntry(ctx, m.CertificateMapName(), MapEntryID(domain, false), entry); err != nil {
		m.logGCPError(err, "create certificate map entry", domain)
		return "", fmt.Errorf("certmanager: create map entry for %s: %w", domain, err)
	}
	return m.CertificateMapName(), nil
}

// CreateWildcardCertificateMapEntry binds *.domain to certName inside the
// fixed map and returns the map's resource name.
func (m *Manager) CreateWildcardCertificateMapEntry(ctx context.Context, domain, certName string) (string, error) {
	entry := &certificatemanagerpb.CertificateMapEntry{
		Match:        &certificatemanagerpb.CertificateMapEntry_Hostname{Hostname: "*." + domain},
		Certificates: []string{certName},
	}
	if _, err := m.api.CreateCertificateMapEntry(ctx, m.CertificateMapName(), MapEntryID(domain, true), entry); err != nil {
		m.logGCPError(err, "create wildcard certificate map entry", domain)
		return "", fmt.Errorf("certmanager: create wildcard map entry for %s: %w", domain, err)
	}
	return m.CertificateMapName(), nil
}

// GetCertificateMapEntry returns the map entry for the domain (wildcard or
// naked), or nil when it does not exist.
func (m *Manager) GetCertificateMapEntry(ctx context.Context, sld string, wildcard bool) (*certificatemanagerpb.CertificateMapEntry, error) {
	entry, err := m.api.GetCertificateMapEntry(ctx, m.mapEntryName(m.Domain(sld), wildcard))
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("certmanager: get map entry for %s: %w", sld, err)
	}
	return entry, nil
}

// DeleteCertificateMapEntry removes the naked map entry for the domain.
func (m *Manager) DeleteCertificateMapEntry(ctx context.Context, sld string) error {
	if err := m.api.DeleteCertificateMapEntry(ctx, m.mapEntryName(m.Domain(sld), false)); err != nil {
		return fmt.Errorf("certmanager: delete map entry for %s: %w", sld, err)
	}
	return nil
}

// DeleteWildcardCertificateMapEntry removes the wildcard map entry for the
// domain.
func (m *Manager) DeleteWildcardCertificateMapEntry(ctx context.Context, sld string) error {
	if err := m.api.DeleteCertificateMapEntry(ctx, m.mapEntryName(m.Domain(sld), true)); err != nil {
		return fmt.Errorf("certmanager: delete wildcard map entry for %s: %w", sld, err)
	}
	return nil
}

// DeleteDNSAuthorization removes the domain's DNS authorization.
func (m *Manager) DeleteDNSAuthorization(ctx context.Context, sld string) error {
	if err := m.api.DeleteDNSAuthorization(ctx, m.dnsAuthName(m.Domain(sld))); err != nil {
		return fmt.Errorf("certmanager: delete dns authorization for %s: %w", sld, err)
	}
	return nil
}

// FilterOptions adjusts which probes FilterSLDsWithoutCert performs.
type FilterOptions struct {
	CheckWildcard bool
	CheckExpiry   bool
}

// FilterSLDsWithoutCert probes existing map-entry coverage in chunks and
// returns the subset of slds that still need a certificate: those missing a
// naked entry, missing a wildcard entry (when CheckWildcard), or whose
// certificate has already expired (when CheckExpiry).
func (m *Manager) FilterSLDsWithoutCert(ctx context.Context, slds []string, opts FilterOptions) ([]string, error) {
	var out []string
	for start := 0; start < len(slds); start += filterChunkSize {
		end := start + filterChunkSize
		if end > len(slds) {
			end = len(slds)
		}
		for _, sld := range slds[start:end] {
			need, err := m.needsCert(ctx, sld, opts)
			if err != nil {
				return nil, err
			}
			if need {
				out = append(out, sld)
			}
		}
	}
	return out, nil
}

func (m *Manager) needsCert(ctx context.Context, sld string, opts FilterOptions) (bool, error) {
	entry, err := m.GetCertificateMapEntry(ctx, sld, false)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return true, nil
	}
	if opts.CheckWildcard {
		wcEntry, err := m.GetCertificateMapEntry(ctx, sld, true)
		if err != nil {
			return false, err
		}
		if wcEntry == nil {
			return true, nil
		}
	}
	if opts.CheckExpiry {
		cert, err := m.GetCertificate(ctx, sld, "")
		if err != nil {
			return false, err
		}
		if cert != nil && cert.GetExpireTime() != nil && cert.GetExpireTime().AsTime().Before(time.Now()) {
			return true, nil
		}
	}
	return false, nil
}

// Cleanup tears down all four resource kinds for a domain: both map entries,
// the certificate, and the DNS authorization. Missing resources are skipped;
// partial issuance failures routinely leave some of them absent.
func (m *Manager) Cleanup(ctx context.Context, sld string) error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"map entry", func() error { return m.DeleteCertificateMapEntry(ctx, sld) }},
		{"wildcard map entry", func() error { return m.DeleteWildcardCertificateMapEntry(ctx, sld) }},
		{"certificate", func() error { return m.DeleteCertificate(ctx, sld, "") }},
		{"dns authorization", func() error { return m.DeleteDNSAuthorization(ctx, sld) }},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil && !isNotFound(err) {
			return fmt.Errorf("certmanager: cleanup %s for %s: %w", step.name, sld, err)
		}
	}
	return nil
}

// normalizePEM collapses accidental blank lines inside PEM blocks; the cloud
// API rejects them.
func normalizePEM(pem []byte) string {
	return strings.ReplaceAll(string(pem), "\n\n", "\n")
}

func isNotFound(err error) bool {
	return err != nil && status.Code(err) == codes.NotFound
}

// logGCPError logs each structured detail entry attached to a Certificate
// Manager error; conflicts and precondition failures carry their diagnosis
// there rather than in the top-level message.
func (m *Manager) logGCPError(err error, op, subject string) {
	st, ok := status.FromError(err)
	if !ok {
		return
	}
	for i, detail := range st.Details() {
		m.logger.Error("gcp error detail",
			zap.String("op", op),
			zap.String("subject", subject),
			zap.Int("index", i),
			zap.Any("detail", detail))
	}
}
