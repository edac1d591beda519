package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	xacme "golang.org/x/crypto/acme"
	"golang.org/x/net/idna"

	"github.com/hiddenstate/registrar-relay/internal/certmanager"
	"github.com/hiddenstate/registrar-relay/internal/dnszone"
	"github.com/hiddenstate/registrar-relay/internal/metrics"
)

// Let's Encrypt directory endpoints.
const (
	DirectoryURL        = "https://acme-v02.api.letsencrypt.org/directory"
	StagingDirectoryURL = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

// ErrMultiLabel is returned when issuance is requested for anything other
// than a second-level domain. Certificates for deeper names are covered by
// the wildcard and never issued individually.
var ErrMultiLabel = errors.New("acme: only second-level domains are issued certificates")

// Mode selects which identifiers a certificate covers.
type Mode string

const (
	// ModeCombined covers the naked domain and its wildcard.
	ModeCombined Mode = "combined"
	// ModeWildcardOnly covers only *.domain.
	ModeWildcardOnly Mode = "wildcard"
	// ModeNakedOnly covers only the naked domain.
	ModeNakedOnly Mode = "naked"
)

// Suffix returns the certificate resource ID suffix for the mode.
func (m Mode) Suffix() string {
	switch m {
	case ModeWildcardOnly:
		return certmanager.SuffixWildcard
	case ModeNakedOnly:
		return certmanager.SuffixNaked
	default:
		return ""
	}
}

// orderClient is the slice of *xacme.Client the issuer drives. Split out so
// the order flow is testable without a live CA.
type orderClient interface {
	Register(ctx context.Context, acct *xacme.Account, prompt func(tosURL string) bool) (*xacme.Account, error)
	AuthorizeOrder(ctx context.Context, ids []xacme.AuthzID, opts ...xacme.OrderOption) (*xacme.Order, error)
	GetAuthorization(ctx context.Context, url string) (*xacme.Authorization, error)
	Accept(ctx context.Context, chal *xacme.Challenge) (*xacme.Challenge, error)
	WaitAuthorization(ctx context.Context, url string) (*xacme.Authorization, error)
	WaitOrder(ctx context.Context, url string) (*xacme.Order, error)
	CreateOrderCert(ctx context.Context, url string, csr []byte, bundle bool) ([][]byte, string, error)
	HTTP01ChallengeResponse(token string) (string, error)
	DNS01ChallengeRecord(token string) (string, error)
}

// Issuer obtains certificates from the CA and publishes them as Certificate
// Manager resources with map entries under the relay's certificate map.
type Issuer struct {
	client    orderClient
	certs     *certmanager.Manager
	zones     *dnszone.Store
	reloader  *dnszone.Reloader
	dns01     Solver
	http01    Solver
	tld       string
	email     string
	swapPause time.Duration
	logger    *zap.Logger

	registered bool
}

// IssuerConfig wires an Issuer.
type IssuerConfig struct {
	AccountKey *ecdsa.PrivateKey
	Email      string
	Staging    bool
	TLD        string
	// SwapPause is slept between deleting old map entries and creating the
	// replacements during renewal, letting the map settle.
	SwapPause time.Duration
}

// NewIssuer creates an issuer against Let's Encrypt (or its staging
// environment).
func NewIssuer(cfg IssuerConfig, certs *certmanager.Manager, zones *dnszone.Store, reloader *dnszone.Reloader, dns01, http01 Solver, logger *zap.Logger) *Issuer {
	dir := DirectoryURL
	if cfg.Staging {
		dir = StagingDirectoryURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{
		client:    &xacme.Client{Key: cfg.AccountKey, DirectoryURL: dir},
		certs:     certs,
		zones:     zones,
		reloader:  reloader,
		dns01:     dns01,
		http01:    http01,
		tld:       cfg.TLD,
		email:     cfg.Email,
		swapPause: cfg.SwapPause,
		logger:    logger,
	}
}

// Issue obtains a certificate for sld.tld in the given mode, uploads it, and
// binds the matching map entries. It returns the certificate resource name.
func (is *Issuer) Issue(ctx context.Context, sld string, mode Mode) (string, error) {
	domain, err := is.domainFor(sld)
	if err != nil {
		return "", err
	}
	certName, err := is.issueCert(ctx, domain, mode, mode.Suffix())
	if err != nil {
		metrics.CertIssuance.WithLabelValues(string(mode), "error").Inc()
		return "", err
	}

	if mode != ModeWildcardOnly {
		if _, err := is.certs.CreateCertificateMapEntry(ctx, domain, certName); err != nil {
			return "", err
		}
	}
	if mode != ModeNakedOnly {
		if _, err := is.certs.CreateWildcardCertificateMapEntry(ctx, domain, certName); err != nil {
			return "", err
		}
	}
	metrics.CertIssuance.WithLabelValues(string(mode), "ok").Inc()
	is.logger.Info("certificate issued",
		zap.String("domain", domain),
		zap.String("mode", string(mode)),
		zap.String("cert", certName))
	return certName, nil
}

// Renew obtains a fresh combined certificate under a time-suffixed resource
// ID and repoints both map entries at it. The superseded certificate resource
// is left in place for later cleanup.
func (is *Issuer) Renew(ctx context.Context, sld string) (string, error) {
	domain, err := is.domainFor(sld)
	if err != nil {
		return "", err
	}
	suffix := certmanager.TimeSuffix(time.Now())
	certName, err := is.issueCert(ctx, domain, ModeCombined, suffix)
	if err != nil {
		metrics.CertIssuance.WithLabelValues("renew", "error").Inc()
		return "", err
	}

	if err := is.certs.DeleteCertificateMapEntry(ctx, sld); err != nil {
		is.logger.Warn("old map entry missing during renewal", zap.String("domain", domain), zap.Error(err))
	}
	if err := is.certs.DeleteWildcardCertificateMapEntry(ctx, sld); err != nil {
		is.logger.Warn("old wildcard map entry missing during renewal", zap.String("domain", domain), zap.Error(err))
	}
	if is.swapPause > 0 {
		select {
		case <-time.After(is.swapPause):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if _, err := is.certs.CreateCertificateMapEntry(ctx, domain, certName); err != nil {
		return "", err
	}
	if _, err := is.certs.CreateWildcardCertificateMapEntry(ctx, domain, certName); err != nil {
		return "", err
	}
	metrics.CertIssuance.WithLabelValues("renew", "ok").Inc()
	is.logger.Info("certificate renewed", zap.String("domain", domain), zap.String("cert", certName))
	return certName, nil
}

// domainFor validates sld and returns the punycode-normalized full domain.
func (is *Issuer) domainFor(sld string) (string, error) {
	if sld == "" || strings.Contains(sld, ".") {
		return "", fmt.Errorf("%w: %q", ErrMultiLabel, sld)
	}
	domain, err := idna.Lookup.ToASCII(sld + "." + is.tld)
	if err != nil {
		return "", fmt.Errorf("acme: normalize %s.%s: %w", sld, is.tld, err)
	}
	return domain, nil
}

// issueCert runs the full order flow for one domain and uploads the result
// under (domain, suffix).
func (is *Issuer) issueCert(ctx context.Context, domain string, mode Mode, suffix string) (string, error) {
	if is.zones != nil {
		if err := is.zones.SeedApex(ctx, domain); err != nil {
			return "", err
		}
		if is.reloader != nil {
			_ = is.reloader.Reload(ctx, domain+".")
		}
	}
	if err := is.ensureRegistered(ctx); err != nil {
		return "", err
	}

	order, err := is.client.AuthorizeOrder(ctx, identifiersFor(domain, mode))
	if err != nil {
		return "", fmt.Errorf("acme: authorize order for %s: %w", domain, err)
	}
	preferHTTP := mode == ModeNakedOnly
	for _, authzURL := range order.AuthzURLs {
		if err := is.solveAuthz(ctx, authzURL, preferHTTP); err != nil {
			return "", err
		}
	}
	if _, err := is.client.WaitOrder(ctx, order.URI); err != nil {
		return "", fmt.Errorf("acme: wait order for %s: %w", domain, err)
	}

	certPEM, keyPEM, err := is.finalize(ctx, order, commonNameFor(domain, mode), dnsNamesFor(domain, mode))
	if err != nil {
		return "", err
	}
	return is.certs.CreateSelfManagedCertificate(ctx, domain, certPEM, keyPEM, suffix)
}

// solveAuthz answers one pending authorization and waits for it to validate.
func (is *Issuer) solveAuthz(ctx context.Context, authzURL string, preferHTTP bool) error {
	az, err := is.client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("acme: get authorization: %w", err)
	}
	if az.Status == xacme.StatusValid {
		return nil
	}

	chal := pickChallenge(az, preferHTTP)
	if chal == nil {
		return fmt.Errorf("acme: no usable challenge for %s", az.Identifier.Value)
	}

	var solver Solver
	var value string
	switch chal.Type {
	case "dns-01":
		solver = is.dns01
		value, err = is.client.DNS01ChallengeRecord(chal.Token)
	case "http-01":
		solver = is.http01
		value, err = is.client.HTTP01ChallengeResponse(chal.Token)
	}
	if err != nil {
		return fmt.Errorf("acme: challenge response for %s: %w", az.Identifier.Value, err)
	}
	if solver == nil {
		return fmt.Errorf("acme: no %s solver configured for %s", chal.Type, az.Identifier.Value)
	}

	domain := az.Identifier.Value
	if err := solver.Present(ctx, domain, chal.Token, value); err != nil {
		return err
	}
	defer func() {
		if err := solver.Cleanup(context.WithoutCancel(ctx), domain, chal.Token, value); err != nil {
			is.logger.Warn("challenge cleanup failed", zap.String("domain", domain), zap.Error(err))
		}
	}()

	if _, err := is.client.Accept(ctx, chal); err != nil {
		return fmt.Errorf("acme: accept challenge for %s: %w", domain, err)
	}
	if _, err := is.client.WaitAuthorization(ctx, az.URI); err != nil {
		return fmt.Errorf("acme: authorization for %s: %w", domain, err)
	}
	return nil
}

// finalize builds a key and CSR, submits it, and returns the PEM-encoded
// certificate chain and private key.
func (is *Issuer) finalize(ctx context.Context, order *xacme.Order, cn string, sans []string) ([]byte, []byte, error) {
	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("acme: generate certificate key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: cn},
		DNSNames: sans,
	}, certKey)
	if err != nil {
		return nil, nil, fmt.Errorf("acme: create csr for %s: %w", cn, err)
	}

	der, _, err := is.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, nil, fmt.Errorf("acme: finalize order for %s: %w", cn, err)
	}

	var certPEM []byte
	for _, b := range der {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: b})...)
	}
	keyDER, err := x509.MarshalECPrivateKey(certKey)
	if err != nil {
		return nil, nil, fmt.Errorf("acme: encode certificate key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func (is *Issuer) ensureRegistered(ctx context.Context) error {
	if is.registered {
		return nil
	}
	acct := &xacme.Account{}
	if is.email != "" {
		acct.Contact = []string{"mailto:" + is.email}
	}
	_, err := is.client.Register(ctx, acct, xacme.AcceptTOS)
	if err != nil && !errors.Is(err, xacme.ErrAccountAlreadyExists) {
		return fmt.Errorf("acme: register account: %w", err)
	}
	is.registered = true
	return nil
}

func identifiersFor(domain string, mode Mode) []xacme.AuthzID {
	switch mode {
	case ModeWildcardOnly:
		return []xacme.AuthzID{{Type: "dns", Value: "*." + domain}}
	case ModeNakedOnly:
		return []xacme.AuthzID{{Type: "dns", Value: domain}}
	default:
		return []xacme.AuthzID{
			{Type: "dns", Value: domain},
			{Type: "dns", Value: "*." + domain},
		}
	}
}

func commonNameFor(domain string, mode Mode) string {
	if mode == ModeWildcardOnly {
		return "*." + domain
	}
	return domain
}

func dnsNamesFor(domain string, mode Mode) []string {
	switch mode {
	case ModeWildcardOnly:
		return []string{"*." + domain}
	case ModeNakedOnly:
		return []string{domain}
	default:
		return []string{domain, "*." + domain}
	}
}

// pickChallenge selects http-01 when preferred and offered, falling back to
// dns-01. Wildcard authorizations only ever offer dns-01.
func pickChallenge(az *xacme.Authorization, preferHTTP bool) *xacme.Challenge {
	var dns, http *xacme.Challenge
	for _, c := range az.Challenges {
		switch c.Type {
		case "dns-01":
			dns = c
		case "http-01":
			http = c
		}
	}
	if preferHTTP && http != nil {
		return http
	}
	if dns != nil {
		return dns
	}
	return http
}
