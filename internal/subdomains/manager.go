package subdomains

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hiddenstate/registrar-relay/internal/dnszone"
)

// Reserved redirect labels; these carry fixed semantics (apex, mail service,
// canonical www) and are never turned into redirect records.
var reservedRedirects = map[string]struct{}{"@": {}, "mail": {}, "www": {}}

// ErrReservedSubdomain is returned when a redirect targets a label the relay
// manages itself.
var ErrReservedSubdomain = errors.New("subdomains: reserved subdomain")

// ErrAlreadyEnabled is returned when enabling something twice.
var ErrAlreadyEnabled = errors.New("subdomains: already enabled")

const recordTTL = 300

// Config carries the service IPs records point at.
type Config struct {
	// EWSIP is the embedded web service handling wildcard subdomains.
	EWSIP string
	// EASIP is the embedded attachment (mail) service.
	EASIP string
	// RedirectIPs are the HTTP redirect servers.
	RedirectIPs []string
}

// Manager writes subdomain records to the main zone store and redirect
// records to the (possibly separate) redirect zone store.
type Manager struct {
	zones    *dnszone.Store
	redirect *dnszone.Store
	cfg      Config
	logger   *zap.Logger
}

// NewManager creates a manager. redirect may equal zones when redirects live
// on the same Redis instance.
func NewManager(zones, redirect *dnszone.Store, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if redirect == nil {
		redirect = zones
	}
	return &Manager{zones: zones, redirect: redirect, cfg: cfg, logger: logger}
}

// EnableWildcard points *.sld.tld at the embedded web service.
func (m *Manager) EnableWildcard(ctx context.Context, sld string) error {
	zone := m.zones.Zone(sld)
	rs := &dnszone.RecordSet{A: []dnszone.ARecord{{IP: m.cfg.EWSIP, TTL: recordTTL}}}
	if err := m.zones.Set(ctx, zone, "*", rs); err != nil {
		return fmt.Errorf("subdomains: enable wildcard for %s: %w", sld, err)
	}
	m.logger.Info("wildcard subdomains enabled", zap.String("sld", sld))
	return nil
}

// WildcardRecord returns the wildcard record, or nil when not enabled.
func (m *Manager) WildcardRecord(ctx context.Context, sld string) (*dnszone.RecordSet, error) {
	return m.zones.Get(ctx, m.zones.Zone(sld), "*")
}

// EnableMail points mail.sld.tld at the embedded attachment service.
// Enabling twice returns ErrAlreadyEnabled.
func (m *Manager) EnableMail(ctx context.Context, sld string) error {
	enabled, err := m.MailEnabled(ctx, sld)
	if err != nil {
		return err
	}
	if enabled {
		return fmt.Errorf("%w: mail for %s", ErrAlreadyEnabled, sld)
	}
	zone := m.zones.Zone(sld)
	rs := &dnszone.RecordSet{A: []dnszone.ARecord{{IP: m.cfg.EASIP, TTL: recordTTL}}}
	if err := m.zones.Set(ctx, zone, "mail", rs); err != nil {
		return fmt.Errorf("subdomains: enable mail for %s: %w", sld, err)
	}
	m.logger.Info("mail enabled", zap.String("sld", sld))
	return nil
}

// MailEnabled reports whether the mail record points at the attachment
// service.
func (m *Manager) MailEnabled(ctx context.Context, sld string) (bool, error) {
	rs, err := m.zones.Get(ctx, m.zones.Zone(sld), "mail")
	if err != nil {
		return false, err
	}
	return rs != nil && len(rs.A) > 0 && rs.A[0].IP == m.cfg.EASIP, nil
}

// SetCNAME points subdomain.sld.tld at target. An empty target deletes the
// record.
func (m *Manager) SetCNAME(ctx context.Context, sld, subdomain, target string) error {
	zone := m.zones.Zone(sld)
	if target == "" {
		if err := m.zones.Delete(ctx, zone, subdomain); err != nil {
			return fmt.Errorf("subdomains: delete cname %s.%s: %w", subdomain, sld, err)
		}
		m.logger.Info("cname deleted", zap.String("sld", sld), zap.String("subdomain", subdomain))
		return nil
	}
	if !strings.HasSuffix(target, ".") {
		target += "."
	}
	rs := &dnszone.RecordSet{CNAME: []dnszone.CNAMERecord{{Host: target, TTL: recordTTL}}}
	if err := m.zones.Set(ctx, zone, subdomain, rs); err != nil {
		return fmt.Errorf("subdomains: set cname %s.%s: %w", subdomain, sld, err)
	}
	m.logger.Info("cname set",
		zap.String("sld", sld),
		zap.String("subdomain", subdomain),
		zap.String("target", target))
	return nil
}

// SetRedirect points subdomain.sld.tld at the redirect servers and records
// the destination URL for them. An empty target deletes both. Labels the
// relay manages itself are rejected.
func (m *Manager) SetRedirect(ctx context.Context, sld, subdomain, target string) error {
	if _, ok := reservedRedirects[subdomain]; ok {
		return fmt.Errorf("%w: %q", ErrReservedSubdomain, subdomain)
	}
	zone := m.redirect.Zone(sld)
	if target == "" {
		if err := m.redirect.Delete(ctx, zone, subdomain); err != nil {
			return fmt.Errorf("subdomains: delete redirect %s.%s: %w", subdomain, sld, err)
		}
		if err := m.redirect.DeleteRedirectTarget(ctx, zone, subdomain); err != nil {
			return err
		}
		m.logger.Info("redirect deleted", zap.String("sld", sld), zap.String("subdomain", subdomain))
		return nil
	}

	rs := &dnszone.RecordSet{}
	for _, ip := range m.cfg.RedirectIPs {
		rs.A = append(rs.A, dnszone.ARecord{IP: ip, TTL: recordTTL})
	}
	if err := m.redirect.Set(ctx, zone, subdomain, rs); err != nil {
		return fmt.Errorf("subdomains: set redirect %s.%s: %w", subdomain, sld, err)
	}
	if err := m.redirect.SetRedirectTarget(ctx, zone, subdomain, target); err != nil {
		return err
	}
	m.logger.Info("redirect set",
		zap.String("sld", sld),
		zap.String("subdomain", subdomain),
		zap.String("target", target))
	return nil
}

// RedirectTarget returns the destination URL for subdomain.sld.tld, or ""
// when no redirect is configured.
func (m *Manager) RedirectTarget(ctx context.Context, sld, subdomain string) (string, error) {
	return m.redirect.RedirectTarget(ctx, m.redirect.Zone(sld), subdomain)
}
