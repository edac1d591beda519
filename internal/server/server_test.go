package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/hiddenstate/registrar-relay/internal/acme"
	"github.com/hiddenstate/registrar-relay/internal/certjobs"
	"github.com/hiddenstate/registrar-relay/internal/chain"
	"github.com/hiddenstate/registrar-relay/internal/config"
	"github.com/hiddenstate/registrar-relay/internal/dnszone"
	"github.com/hiddenstate/registrar-relay/internal/purchase"
	"github.com/hiddenstate/registrar-relay/internal/registrar"
	"github.com/hiddenstate/registrar-relay/internal/subdomains"
)

type fakeRegistrar struct {
	check     *registrar.CheckResult
	checkErr  error
	order     *registrar.PurchaseResult
	orderErr  error
	purchased []string
}

func (f *fakeRegistrar) Check(context.Context, string) (*registrar.CheckResult, error) {
	return f.check, f.checkErr
}

func (f *fakeRegistrar) Purchase(_ context.Context, sld string) (*registrar.PurchaseResult, error) {
	f.purchased = append(f.purchased, sld)
	return f.order, f.orderErr
}

func (f *fakeRegistrar) Renew(context.Context, string, int) (*registrar.RenewResult, error) {
	return &registrar.RenewResult{Success: true}, nil
}

type fakeOracle struct {
	event    *chain.Registration
	eventErr error
	expires  time.Time
	owner    common.Address
}

func (f *fakeOracle) RegistrationEvent(context.Context, common.Hash) (*chain.Registration, error) {
	return f.event, f.eventErr
}

func (f *fakeOracle) NameExpires(context.Context, string) (time.Time, error) {
	return f.expires, nil
}

func (f *fakeOracle) OwnerOf(context.Context, string) (common.Address, error) {
	return f.owner, nil
}

type fakeSched struct {
	jobs      map[string]*certjobs.Job
	scheduled []string
}

func (f *fakeSched) Schedule(_ context.Context, sld string, wildcard, renew bool) (*certjobs.Job, error) {
	f.scheduled = append(f.scheduled, fmt.Sprintf("%s/%v/%v", sld, wildcard, renew))
	return &certjobs.Job{ID: "job-1", Domain: sld, Wildcard: wildcard, Renew: renew, State: certjobs.StateScheduled}, nil
}

func (f *fakeSched) Lookup(_ context.Context, sld string, wildcard bool) (*certjobs.Job, error) {
	for _, j := range f.jobs {
		if j.Domain == sld && j.Wildcard == wildcard {
			return j, nil
		}
	}
	return nil, nil
}

func (f *fakeSched) LookupByJobID(_ context.Context, id string) (*certjobs.Job, error) {
	return f.jobs[id], nil
}

func (f *fakeSched) List(context.Context) ([]*certjobs.Job, error) {
	var out []*certjobs.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

type fakeCertIssuer struct {
	issued  []string
	mode    acme.Mode
	renewed []string
	managed []string
	err     error
}

func (f *fakeCertIssuer) Issue(_ context.Context, sld string, mode acme.Mode) (string, error) {
	f.issued = append(f.issued, sld)
	f.mode = mode
	return "certs/" + sld, f.err
}

func (f *fakeCertIssuer) Renew(_ context.Context, sld string) (string, error) {
	f.renewed = append(f.renewed, sld)
	return "certs/" + sld + "-renewed", f.err
}

func (f *fakeCertIssuer) IssueManaged(_ context.Context, sld string) (string, error) {
	f.managed = append(f.managed, sld)
	return "certs/" + sld, f.err
}

type testEnv struct {
	srv       *Server
	handler   http.Handler
	reg       *fakeRegistrar
	oracle    *fakeOracle
	sched     *fakeSched
	issuer    *fakeCertIssuer
	zones     *dnszone.Store
	purchases *purchase.Store
	ownerKey  *ecdsa.PrivateKey
	maintKey  *ecdsa.PrivateKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ownerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	maintKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	zones := dnszone.NewStore(rdb, dnszone.Config{TLD: "country", ServerIP: "10.0.0.1"}, nil)
	subs := subdomains.NewManager(zones, nil, subdomains.Config{
		EWSIP:       "10.0.0.2",
		EASIP:       "10.0.0.3",
		RedirectIPs: []string{"10.0.0.4"},
	}, nil)
	purchases := purchase.NewStore(rdb)

	cfg := &config.Config{
		TLD: "country",
		HTTP: config.HTTPConfig{
			Port:                3001,
			MaxRequestBodyBytes: 1 << 20,
		},
		DNS: config.DNSConfig{
			Maintainers: []string{crypto.PubkeyToAddress(maintKey.PublicKey).Hex()},
		},
	}

	env := &testEnv{
		reg:       &fakeRegistrar{},
		oracle:    &fakeOracle{owner: crypto.PubkeyToAddress(ownerKey.PublicKey)},
		sched:     &fakeSched{jobs: map[string]*certjobs.Job{}},
		issuer:    &fakeCertIssuer{},
		zones:     zones,
		purchases: purchases,
		ownerKey:  ownerKey,
		maintKey:  maintKey,
	}
	env.srv = New(cfg, env.reg, env.oracle, subs, env.sched, env.issuer, purchases, nil)
	env.handler = env.srv.Router()
	return env
}

func (e *testEnv) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func sign(t *testing.T, key *ecdsa.PrivateKey, req subdomains.SignedRequest) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(req.Message())), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckDomain(t *testing.T) {
	env := newTestEnv(t)
	env.reg.check = &registrar.CheckResult{Available: true, RegPrice: 12.5}

	rec := env.post(t, "/check-domain", map[string]string{"sld": "abc"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["isAvailable"])

	rec = env.post(t, "/check-domain", map[string]string{"sld": "Not Valid!"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnableSubdomains(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := env.post(t, "/enable-subdomains", map[string]string{"domain": "ab.country"})
	require.Equal(t, http.StatusOK, rec.Code)

	rs, err := env.zones.Get(ctx, "ab.country.", "*")
	require.NoError(t, err)
	require.NotNil(t, rs)
	require.Equal(t, "10.0.0.2", rs.A[0].IP)

	rec = env.post(t, "/enable-subdomains", map[string]string{"domain": "ab.country"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "already enabled", decodeBody(t, rec)["error"])

	rec = env.post(t, "/enable-subdomains", map[string]string{"domain": "ab.example"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnableMail(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.expires = time.Now().Add(24 * time.Hour)

	rec := env.post(t, "/enable-mail", map[string]string{"domain": "ab.country"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.post(t, "/enable-mail", map[string]string{"domain": "ab.country"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "mail already enabled", decodeBody(t, rec)["error"])

	env.oracle.expires = time.Now().Add(-time.Hour)
	rec = env.post(t, "/enable-mail", map[string]string{"domain": "cd.country"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "domain expired", decodeBody(t, rec)["error"])
}

func TestCNAME(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	deadline := time.Now().Add(time.Minute).Unix()

	signed := subdomains.SignedRequest{
		Action:    subdomains.ActionUpdate,
		Subdomain: "blog",
		Domain:    "ab.country",
		Target:    "pages.example.com",
		Deadline:  deadline,
	}
	rec := env.post(t, "/cname", map[string]any{
		"domain":       "ab.country",
		"subdomain":    "blog",
		"targetDomain": "pages.example.com",
		"deadline":     deadline,
		"signature":    sign(t, env.ownerKey, signed),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rs, err := env.zones.Get(ctx, "ab.country.", "blog")
	require.NoError(t, err)
	require.NotNil(t, rs)
	require.Equal(t, "pages.example.com.", rs.CNAME[0].Host)

	// A signature from an unrelated key is rejected.
	stranger, err := crypto.GenerateKey()
	require.NoError(t, err)
	rec = env.post(t, "/cname", map[string]any{
		"domain":       "ab.country",
		"subdomain":    "blog",
		"targetDomain": "pages.example.com",
		"deadline":     deadline,
		"signature":    sign(t, stranger, signed),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid signature", decodeBody(t, rec)["error"])

	// Expired deadline.
	old := signed
	old.Deadline = time.Now().Add(-time.Minute).Unix()
	rec = env.post(t, "/cname", map[string]any{
		"domain":       "ab.country",
		"subdomain":    "blog",
		"targetDomain": "pages.example.com",
		"deadline":     old.Deadline,
		"signature":    sign(t, env.ownerKey, old),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "deadline exceeded", decodeBody(t, rec)["error"])

	// Deletion signs the delete action with an empty target.
	del := subdomains.SignedRequest{
		Action:    subdomains.ActionDelete,
		Subdomain: "blog",
		Domain:    "ab.country",
		Target:    "pages.example.com",
		Deadline:  deadline,
	}
	rec = env.post(t, "/cname", map[string]any{
		"domain":       "ab.country",
		"subdomain":    "blog",
		"targetDomain": "pages.example.com",
		"deadline":     deadline,
		"deleteRecord": true,
		"signature":    sign(t, env.ownerKey, del),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rs, err = env.zones.Get(ctx, "ab.country.", "blog")
	require.NoError(t, err)
	require.Nil(t, rs)
}

func TestRedirectMaintainerSignature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	deadline := time.Now().Add(time.Minute).Unix()

	signed := subdomains.SignedRequest{
		Action:    subdomains.ActionUpdate,
		Subdomain: "docs",
		Domain:    "ab.country",
		Target:    "https://docs.example.com/start",
		Deadline:  deadline,
	}
	rec := env.post(t, "/redirect", map[string]any{
		"domain":    "ab.country",
		"subdomain": "docs",
		"target":    "https://docs.example.com/start",
		"deadline":  deadline,
		"signature": sign(t, env.maintKey, signed),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	target, err := env.srv.subs.RedirectTarget(ctx, "ab", "docs")
	require.NoError(t, err)
	require.Equal(t, "https://docs.example.com/start", target)

	rs, err := env.zones.Get(ctx, "ab.country.", "docs")
	require.NoError(t, err)
	require.NotNil(t, rs)
	require.Equal(t, "10.0.0.4", rs.A[0].IP)
}

func TestRedirectReservedSubdomain(t *testing.T) {
	env := newTestEnv(t)
	deadline := time.Now().Add(time.Minute).Unix()

	signed := subdomains.SignedRequest{
		Action:    subdomains.ActionUpdate,
		Subdomain: "www",
		Domain:    "ab.country",
		Target:    "https://example.com",
		Deadline:  deadline,
	}
	rec := env.post(t, "/redirect", map[string]any{
		"domain":    "ab.country",
		"subdomain": "www",
		"target":    "https://example.com",
		"deadline":  deadline,
		"signature": sign(t, env.ownerKey, signed),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "reserved subdomain", decodeBody(t, rec)["error"])
}

func TestCertAsync(t *testing.T) {
	env := newTestEnv(t)

	rec := env.post(t, "/cert", map[string]any{"domain": "ab.country", "wc": true, "async": true})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "job-1", body["jobId"])
	require.Equal(t, []string{"ab/true/false"}, env.sched.scheduled)
	require.Empty(t, env.issuer.issued)
}

func TestCertSync(t *testing.T) {
	env := newTestEnv(t)

	rec := env.post(t, "/cert", map[string]any{"domain": "ab.country", "wc": true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "certs/ab", decodeBody(t, rec)["certId"])
	require.Equal(t, []string{"ab"}, env.issuer.issued)
	require.Equal(t, acme.ModeWildcardOnly, env.issuer.mode)

	rec = env.post(t, "/cert", map[string]any{"domain": "cd.country"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, acme.ModeNakedOnly, env.issuer.mode)

	rec = env.post(t, "/cert", map[string]any{"domain": "ab.country", "renew": true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"ab"}, env.issuer.renewed)
}

func TestCertJobLookup(t *testing.T) {
	env := newTestEnv(t)
	env.sched.jobs["j-1"] = &certjobs.Job{ID: "j-1", Domain: "ab", State: certjobs.StateSucceeded}

	rec := env.get(t, "/cert/job/j-1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "j-1", decodeBody(t, rec)["jobId"])

	rec = env.get(t, "/cert/job/missing")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCertJobListingHidesDetail(t *testing.T) {
	env := newTestEnv(t)
	env.sched.jobs["j-1"] = &certjobs.Job{
		ID: "j-1", Domain: "ab", State: certjobs.StateFailed, Attempts: 2, Error: "boom",
	}
	env.sched.jobs["j-2"] = &certjobs.Job{
		ID: "j-2", Domain: "cd", State: certjobs.StateSucceeded, Completed: true, Success: true,
	}

	rec := env.get(t, "/cert/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	// Completed jobs are dropped and error detail never leaves the listing.
	require.NotContains(t, rec.Body.String(), "error")
	require.NotContains(t, rec.Body.String(), "boom")
	jobs := decodeBody(t, rec)["jobs"].([]any)
	require.Len(t, jobs, 1)
	require.Equal(t, "j-1", jobs[0].(map[string]any)["jobId"])

	// Filtering by domain goes through the pending-job lookup.
	rec = env.get(t, "/cert/jobs?sld=ab")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "boom")
	jobs = decodeBody(t, rec)["jobs"].([]any)
	require.Len(t, jobs, 1)
	require.Equal(t, "j-1", jobs[0].(map[string]any)["jobId"])

	rec = env.get(t, "/cert/jobs?sld=cd")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decodeBody(t, rec)["jobs"])

	rec = env.get(t, "/cert/jobs?sld=No!Good")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The by-ID endpoint still returns the full record.
	rec = env.get(t, "/cert/job/j-1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "boom", decodeBody(t, rec)["error"])
}

func purchaseBody(owner common.Address) map[string]string {
	return map[string]string{
		"txHash":  "0xab00000000000000000000000000000000000000000000000000000000000000",
		"domain":  "ab.country",
		"address": owner.Hex(),
	}
}

func TestPurchase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.oracle.owner
	env.oracle.event = &chain.Registration{
		Name:    "ab",
		Owner:   owner,
		Expires: time.Now().Add(365 * 24 * time.Hour),
	}
	env.reg.check = &registrar.CheckResult{Available: true}
	env.reg.order = &registrar.PurchaseResult{
		Success:    true,
		OrderID:    "order-9",
		PricePaid:  11.18,
		ExpiryDate: "8/31/2027",
	}

	rec := env.post(t, "/purchase", purchaseBody(owner))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["success"])
	require.Equal(t, []string{"ab"}, env.reg.purchased)
	require.Equal(t, []string{"ab"}, env.issuer.managed)

	saved, err := env.purchases.Get(ctx, "ab.country")
	require.NoError(t, err)
	require.NotNil(t, saved)
	require.Equal(t, "order-9", saved.OrderID)
	require.True(t, saved.Success)
}

func TestPurchaseEventMissing(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.eventErr = chain.ErrNoRegistrationEvent

	rec := env.post(t, "/purchase", purchaseBody(env.oracle.owner))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPurchaseOwnerMismatch(t *testing.T) {
	env := newTestEnv(t)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	env.oracle.event = &chain.Registration{
		Name:    "ab",
		Owner:   crypto.PubkeyToAddress(other.PublicKey),
		Expires: time.Now().Add(365 * 24 * time.Hour),
	}

	rec := env.post(t, "/purchase", purchaseBody(env.oracle.owner))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, env.reg.purchased)
}

func TestPurchaseStaleRegistration(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.event = &chain.Registration{
		Name:  "ab",
		Owner: env.oracle.owner,
		// Registered two hours ago, outside the relay window.
		Expires: time.Now().Add(365*24*time.Hour - 2*time.Hour),
	}

	rec := env.post(t, "/purchase", purchaseBody(env.oracle.owner))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "registration too old", decodeBody(t, rec)["error"])
}

func TestPurchaseUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.event = &chain.Registration{
		Name:    "ab",
		Owner:   env.oracle.owner,
		Expires: time.Now().Add(365 * 24 * time.Hour),
	}
	env.reg.check = &registrar.CheckResult{Available: false, Text: "taken"}

	rec := env.post(t, "/purchase", purchaseBody(env.oracle.owner))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "domain not available", decodeBody(t, rec)["error"])
	require.Empty(t, env.reg.purchased)
}

func TestPurchaseOrderRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.oracle.event = &chain.Registration{
		Name:    "ab",
		Owner:   env.oracle.owner,
		Expires: time.Now().Add(365 * 24 * time.Hour),
	}
	env.reg.check = &registrar.CheckResult{Available: true}
	env.reg.order = &registrar.PurchaseResult{Success: false, ResponseCode: 540, Text: "rejected"}

	rec := env.post(t, "/purchase", purchaseBody(env.oracle.owner))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Empty(t, env.issuer.managed)

	// The failed order is still recorded.
	saved, err := env.purchases.Get(ctx, "ab.country")
	require.NoError(t, err)
	require.NotNil(t, saved)
	require.False(t, saved.Success)
}
