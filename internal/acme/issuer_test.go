package acme

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"cloud.google.com/go/certificatemanager/apiv1/certificatemanagerpb"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	xacme "golang.org/x/crypto/acme"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hiddenstate/registrar-relay/internal/certmanager"
)

// fakeCM is an in-memory certmanager.API.
type fakeCM struct {
	certs   map[string]*certificatemanagerpb.Certificate
	entries map[string]*certificatemanagerpb.CertificateMapEntry
	auths   map[string]*certificatemanagerpb.DnsAuthorization
}

func newFakeCM() *fakeCM {
	return &fakeCM{
		certs:   map[string]*certificatemanagerpb.Certificate{},
		entries: map[string]*certificatemanagerpb.CertificateMapEntry{},
		auths:   map[string]*certificatemanagerpb.DnsAuthorization{},
	}
}

func (f *fakeCM) CreateDNSAuthorization(_ context.Context, parent, id string, auth *certificatemanagerpb.DnsAuthorization) (*certificatemanagerpb.DnsAuthorization, error) {
	name := parent + "/dnsAuthorizations/" + id
	a := &certificatemanagerpb.DnsAuthorization{
		Name:   name,
		Domain: auth.Domain,
		DnsResourceRecord: &certificatemanagerpb.DnsAuthorization_DnsResourceRecord{
			Name: "_acme-challenge." + auth.Domain + ".",
			Type: "CNAME",
			Data: id + ".9.authorize.certificatemanager.goog.",
		},
	}
	f.auths[name] = a
	return a, nil
}

func (f *fakeCM) GetDNSAuthorization(_ context.Context, name string) (*certificatemanagerpb.DnsAuthorization, error) {
	a, ok := f.auths[name]
	if !ok {
		return nil, status.Error(codes.NotFound, "absent")
	}
	return a, nil
}

func (f *fakeCM) DeleteDNSAuthorization(_ context.Context, name string) error {
	if _, ok := f.auths[name]; !ok {
		return status.Error(codes.NotFound, "absent")
	}
	delete(f.auths, name)
	return nil
}

func (f *fakeCM) CreateCertificate(_ context.Context, parent, id string, cert *certificatemanagerpb.Certificate) (*certificatemanagerpb.Certificate, error) {
	name := parent + "/certificates/" + id
	c := &certificatemanagerpb.Certificate{Name: name, Type: cert.Type}
	f.certs[name] = c
	return c, nil
}

func (f *fakeCM) GetCertificate(_ context.Context, name string) (*certificatemanagerpb.Certificate, error) {
	c, ok := f.certs[name]
	if !ok {
		return nil, status.Error(codes.NotFound, "absent")
	}
	return c, nil
}

func (f *fakeCM) DeleteCertificate(_ context.Context, name string) error {
	if _, ok := f.certs[name]; !ok {
		return status.Error(codes.NotFound, "absent")
	}
	delete(f.certs, name)
	return nil
}

func (f *fakeCM) ListCertificates(context.Context, string) ([]*certificatemanagerpb.Certificate, error) {
	var out []*certificatemanagerpb.Certificate
	for _, c := range f.certs {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeCM) CreateCertificateMapEntry(_ context.Context, parent, id string, entry *certificatemanagerpb.CertificateMapEntry) (*certificatemanagerpb.CertificateMapEntry, error) {
	name := parent + "/certificateMapEntries/" + id
	if _, ok := f.entries[name]; ok {
		return nil, status.Error(codes.AlreadyExists, name)
	}
	e := &certificatemanagerpb.CertificateMapEntry{Name: name, Match: entry.Match, Certificates: entry.Certificates}
	f.entries[name] = e
	return e, nil
}

func (f *fakeCM) GetCertificateMapEntry(_ context.Context, name string) (*certificatemanagerpb.CertificateMapEntry, error) {
	e, ok := f.entries[name]
	if !ok {
		return nil, status.Error(codes.NotFound, "absent")
	}
	return e, nil
}

func (f *fakeCM) DeleteCertificateMapEntry(_ context.Context, name string) error {
	if _, ok := f.entries[name]; !ok {
		return status.Error(codes.NotFound, "absent")
	}
	delete(f.entries, name)
	return nil
}

// fakeCA drives the order flow in memory.
type fakeCA struct {
	ids        []xacme.AuthzID
	accepted   []string
	registered bool
	orders     int
	failOrder  bool
}

func (f *fakeCA) Register(_ context.Context, _ *xacme.Account, _ func(string) bool) (*xacme.Account, error) {
	if f.registered {
		return nil, xacme.ErrAccountAlreadyExists
	}
	f.registered = true
	return &xacme.Account{}, nil
}

func (f *fakeCA) AuthorizeOrder(_ context.Context, ids []xacme.AuthzID, _ ...xacme.OrderOption) (*xacme.Order, error) {
	if f.failOrder {
		return nil, fmt.Errorf("order refused")
	}
	f.ids = ids
	f.orders++
	urls := make([]string, len(ids))
	for i := range ids {
		urls[i] = "authz-" + strconv.Itoa(i)
	}
	return &xacme.Order{URI: "order-1", FinalizeURL: "finalize-1", AuthzURLs: urls, Status: xacme.StatusPending}, nil
}

func (f *fakeCA) GetAuthorization(_ context.Context, url string) (*xacme.Authorization, error) {
	i, err := strconv.Atoi(strings.TrimPrefix(url, "authz-"))
	if err != nil {
		return nil, err
	}
	id := f.ids[i]
	wildcard := strings.HasPrefix(id.Value, "*.")
	az := &xacme.Authorization{
		URI:        url,
		Status:     xacme.StatusPending,
		Identifier: xacme.AuthzID{Type: "dns", Value: strings.TrimPrefix(id.Value, "*.")},
		Wildcard:   wildcard,
		Challenges: []*xacme.Challenge{{Type: "dns-01", Token: "dtok-" + strconv.Itoa(i), URI: url + "/dns"}},
	}
	if !wildcard {
		az.Challenges = append(az.Challenges,
			&xacme.Challenge{Type: "http-01", Token: "htok-" + strconv.Itoa(i), URI: url + "/http"})
	}
	return az, nil
}

func (f *fakeCA) Accept(_ context.Context, chal *xacme.Challenge) (*xacme.Challenge, error) {
	f.accepted = append(f.accepted, chal.Type)
	return chal, nil
}

func (f *fakeCA) WaitAuthorization(_ context.Context, url string) (*xacme.Authorization, error) {
	return &xacme.Authorization{URI: url, Status: xacme.StatusValid}, nil
}

func (f *fakeCA) WaitOrder(_ context.Context, url string) (*xacme.Order, error) {
	return &xacme.Order{URI: url, FinalizeURL: "finalize-1", Status: xacme.StatusReady}, nil
}

func (f *fakeCA) CreateOrderCert(_ context.Context, _ string, _ []byte, _ bool) ([][]byte, string, error) {
	return [][]byte{[]byte("leaf"), []byte("chain")}, "cert-url", nil
}

func (f *fakeCA) HTTP01ChallengeResponse(token string) (string, error) { return token + ".auth", nil }
func (f *fakeCA) DNS01ChallengeRecord(token string) (string, error)   { return "txt-" + token, nil }

// recordingSolver logs presents and cleanups.
type recordingSolver struct {
	typ       string
	presented []string
	cleaned   []string
}

func (r *recordingSolver) Type() string { return r.typ }

func (r *recordingSolver) Present(_ context.Context, domain, _, value string) error {
	r.presented = append(r.presented, domain+"="+value)
	return nil
}

func (r *recordingSolver) Cleanup(_ context.Context, domain, _, value string) error {
	r.cleaned = append(r.cleaned, domain+"="+value)
	return nil
}

func testIssuer(t *testing.T) (*Issuer, *fakeCA, *fakeCM, *recordingSolver, *recordingSolver) {
	t.Helper()
	ca := &fakeCA{}
	cm := newFakeCM()
	dns := &recordingSolver{typ: "dns-01"}
	http := &recordingSolver{typ: "http-01"}
	is := &Issuer{
		client: ca,
		certs:  certmanager.NewManager(cm, "proj", "country", "relay-map", nil),
		dns01:  dns,
		http01: http,
		tld:    "country",
		email:  "ops@example.com",
		logger: zap.NewNop(),
	}
	return is, ca, cm, dns, http
}

func TestIssueCombined(t *testing.T) {
	is, ca, cm, dns, http := testIssuer(t)

	certName, err := is.Issue(context.Background(), "ab", ModeCombined)
	require.NoError(t, err)
	require.Equal(t, "projects/proj/locations/global/certificates/ab-country", certName)

	require.Equal(t, []xacme.AuthzID{
		{Type: "dns", Value: "ab.country"},
		{Type: "dns", Value: "*.ab.country"},
	}, ca.ids)
	// Combined issuance never touches http-01.
	require.Equal(t, []string{"dns-01", "dns-01"}, ca.accepted)
	require.Empty(t, http.presented)
	require.Len(t, dns.presented, 2)
	require.Equal(t, dns.presented, dns.cleaned)

	require.Len(t, cm.entries, 2)
	require.Contains(t, cm.entries,
		"projects/proj/locations/global/certificateMaps/relay-map/certificateMapEntries/ab-country")
	require.Contains(t, cm.entries,
		"projects/proj/locations/global/certificateMaps/relay-map/certificateMapEntries/wc-ab-country")
}

func TestIssueNakedPrefersHTTP(t *testing.T) {
	is, ca, cm, dns, http := testIssuer(t)

	certName, err := is.Issue(context.Background(), "ab", ModeNakedOnly)
	require.NoError(t, err)
	require.Equal(t, "projects/proj/locations/global/certificates/ab-country-naked", certName)

	require.Equal(t, []string{"http-01"}, ca.accepted)
	require.Len(t, http.presented, 1)
	require.Empty(t, dns.presented)

	// Only the naked entry is bound.
	require.Len(t, cm.entries, 1)
	require.Contains(t, cm.entries,
		"projects/proj/locations/global/certificateMaps/relay-map/certificateMapEntries/ab-country")
}

func TestIssueWildcardOnly(t *testing.T) {
	is, ca, cm, _, _ := testIssuer(t)

	certName, err := is.Issue(context.Background(), "ab", ModeWildcardOnly)
	require.NoError(t, err)
	require.Equal(t, "projects/proj/locations/global/certificates/ab-country-wc", certName)
	require.Equal(t, []xacme.AuthzID{{Type: "dns", Value: "*.ab.country"}}, ca.ids)
	require.Len(t, cm.entries, 1)
	require.Contains(t, cm.entries,
		"projects/proj/locations/global/certificateMaps/relay-map/certificateMapEntries/wc-ab-country")
}

func TestIssueRejectsMultiLabel(t *testing.T) {
	is, _, _, _, _ := testIssuer(t)
	_, err := is.Issue(context.Background(), "sub.ab", ModeCombined)
	require.ErrorIs(t, err, ErrMultiLabel)
	_, err = is.Issue(context.Background(), "", ModeCombined)
	require.ErrorIs(t, err, ErrMultiLabel)
}

func TestRenewRepointsMapEntries(t *testing.T) {
	is, _, cm, _, _ := testIssuer(t)
	ctx := context.Background()

	oldName, err := is.Issue(ctx, "ab", ModeCombined)
	require.NoError(t, err)

	newName, err := is.Renew(ctx, "ab")
	require.NoError(t, err)
	require.NotEqual(t, oldName, newName)
	require.Contains(t, newName, "ab-country-")

	// Both entries exist and point at the renewed certificate.
	require.Len(t, cm.entries, 2)
	for _, e := range cm.entries {
		require.Equal(t, []string{newName}, e.Certificates)
	}
	// The superseded certificate resource is kept.
	require.Contains(t, cm.certs, oldName)
	require.Contains(t, cm.certs, newName)
}

func TestIssueBatchOrdersOnceAndBindsAll(t *testing.T) {
	is, ca, cm, _, _ := testIssuer(t)
	ctx := context.Background()

	err := is.IssueBatch(ctx, "batch-7-aa-cc", []string{"cc", "aa", "bb"}, BatchOptions{SkipInitDNS: true})
	require.NoError(t, err)

	require.Equal(t, 1, ca.orders)
	// Sorted, naked then wildcard per domain.
	require.Equal(t, xacme.AuthzID{Type: "dns", Value: "aa.country"}, ca.ids[0])
	require.Equal(t, xacme.AuthzID{Type: "dns", Value: "*.aa.country"}, ca.ids[1])
	require.Len(t, ca.ids, 6)

	require.Contains(t, cm.certs, "projects/proj/locations/global/certificates/batch-7-aa-cc")
	require.Len(t, cm.entries, 6)
}

func TestIssueBatchReusesExistingCertificate(t *testing.T) {
	is, ca, cm, _, _ := testIssuer(t)
	ctx := context.Background()

	_, err := cm.CreateCertificate(ctx, "projects/proj/locations/global", "batch-7-aa-bb",
		&certificatemanagerpb.Certificate{})
	require.NoError(t, err)

	ca.failOrder = true
	err = is.IssueBatch(ctx, "batch-7-aa-bb", []string{"aa", "bb"}, BatchOptions{SkipInitDNS: true})
	require.NoError(t, err)
	require.Equal(t, 0, ca.orders)
	require.Len(t, cm.entries, 4)
}

func TestPickChallenge(t *testing.T) {
	dns := &xacme.Challenge{Type: "dns-01"}
	http := &xacme.Challenge{Type: "http-01"}
	az := &xacme.Authorization{Challenges: []*xacme.Challenge{dns, http}}

	require.Equal(t, dns, pickChallenge(az, false))
	require.Equal(t, http, pickChallenge(az, true))

	wc := &xacme.Authorization{Challenges: []*xacme.Challenge{dns}}
	require.Equal(t, dns, pickChallenge(wc, true))
}
