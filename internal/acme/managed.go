package acme

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hiddenstate/registrar-relay/internal/dnszone"
)

// authRecordTTL is the TTL for the DNS authorization CNAME published while a
// Google-managed certificate validates.
const authRecordTTL = 3600

// IssueManaged provisions a Google-managed certificate for sld.tld and its
// wildcard. Unlike Issue, the CA drives validation itself: the relay only
// publishes the DNS authorization CNAME and binds the map entries. The
// certificate becomes active once Google finishes validating, which can take
// several minutes after this returns.
func (is *Issuer) IssueManaged(ctx context.Context, sld string) (string, error) {
	domain, err := is.domainFor(sld)
	if err != nil {
		return "", err
	}

	if is.zones != nil {
		if err := is.zones.SeedApex(ctx, domain); err != nil {
			return "", err
		}
	}

	auth, err := is.certs.CreateDNSAuthorization(ctx, domain)
	if err != nil {
		return "", err
	}
	rr := auth.GetDnsResourceRecord()
	if rr == nil {
		return "", fmt.Errorf("acme: dns authorization for %s has no resource record", domain)
	}
	if is.zones != nil {
		name := strings.TrimSuffix(rr.GetName(), "."+domain+".")
		zone := domain + "."
		err := is.zones.Update(ctx, zone, name, func(*dnszone.RecordSet) (*dnszone.RecordSet, error) {
			return &dnszone.RecordSet{
				CNAME: []dnszone.CNAMERecord{{Host: rr.GetData(), TTL: authRecordTTL}},
			}, nil
		})
		if err != nil {
			return "", err
		}
		if is.reloader != nil {
			_ = is.reloader.Reload(ctx, zone)
		}
	}

	certName, err := is.certs.CreateManagedCertificate(ctx, domain)
	if err != nil {
		return "", err
	}
	if _, err := is.certs.CreateCertificateMapEntry(ctx, domain, certName); err != nil {
		return "", err
	}
	if _, err := is.certs.CreateWildcardCertificateMapEntry(ctx, domain, certName); err != nil {
		return "", err
	}
	is.logger.Info("managed certificate requested",
		zap.String("domain", domain),
		zap.String("cert", certName),
		zap.String("auth_record", rr.GetName()))
	return certName, nil
}
