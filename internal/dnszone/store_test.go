package dnszone

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewStore(rdb, Config{
		TLD:      "country",
		ServerIP: "10.0.0.1",
		SOA: SOARecord{
			NS: "ns1.example.com.", MBox: "hostmaster.example.com.",
			Refresh: 86400, Retry: 7200, Expire: 3600, MinTTL: 300, TTL: 300,
		},
	}, nil)
	return store, mr
}

func TestRecordSetWireFormat(t *testing.T) {
	rs := &RecordSet{
		A:   []ARecord{{IP: "1.2.3.4", TTL: 300}},
		TXT: []TXTRecord{{Text: "hello", TTL: 300}},
	}
	b, err := rs.Marshal()
	require.NoError(t, err)
	require.JSONEq(t, `{"a":[{"ip":"1.2.3.4","ttl":300}],"txt":[{"text":"hello","ttl":300}]}`, string(b))

	back, err := UnmarshalRecordSet(b)
	require.NoError(t, err)
	require.Equal(t, rs, back)
}

func TestRecordSetSOAWireFormat(t *testing.T) {
	rs := &RecordSet{SOA: &SOARecord{NS: "ns1.x.", MBox: "admin.x.", Refresh: 1, Retry: 2, Expire: 3, MinTTL: 4, TTL: 5}}
	b, err := rs.Marshal()
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	soa, ok := m["soa"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "ns1.x.", soa["ns"])
	require.Equal(t, "admin.x.", soa["MBox"])
	require.Equal(t, float64(4), soa["minttl"])
}

func TestValidateCNAMEConflict(t *testing.T) {
	rs := &RecordSet{
		CNAME: []CNAMERecord{{Host: "other.example.com.", TTL: 300}},
		A:     []ARecord{{IP: "1.2.3.4", TTL: 300}},
	}
	require.ErrorIs(t, rs.Validate(), ErrCNAMEConflict)

	apex := &RecordSet{
		A:   []ARecord{{IP: "1.2.3.4", TTL: 300}},
		CAA: []CAARecord{{Flag: 0, Tag: "issue", Value: "letsencrypt.org", TTL: 300}},
		SOA: &SOARecord{NS: "ns1.x."},
	}
	require.NoError(t, apex.Validate())
}

func TestGetAbsentReturnsNil(t *testing.T) {
	store, _ := testStore(t)
	rs, err := store.Get(context.Background(), "ab.country.", "nope")
	require.NoError(t, err)
	require.Nil(t, rs)
}

func TestSetGetDelete(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	zone := store.Zone("ab")
	require.Equal(t, "ab.country.", zone)

	rs := &RecordSet{A: []ARecord{{IP: "10.0.0.1", TTL: 300}}}
	require.NoError(t, store.Set(ctx, zone, "sub", rs))

	got, err := store.Get(ctx, zone, "sub")
	require.NoError(t, err)
	require.Equal(t, rs, got)

	require.NoError(t, store.Delete(ctx, zone, "sub"))
	got, err = store.Get(ctx, zone, "sub")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSeedApex(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.SeedApex(ctx, "ab.country"))

	rs, err := store.Get(ctx, "ab.country.", Apex)
	require.NoError(t, err)
	require.NotNil(t, rs)
	require.Equal(t, "10.0.0.1", rs.A[0].IP)
	require.NotNil(t, rs.SOA)
	require.Len(t, rs.CAA, 2)
	require.Equal(t, "letsencrypt.org", rs.CAA[0].Value)
	require.Equal(t, "pki.goog", rs.CAA[1].Value)
}

func TestUpdateDeletesWhenEmpty(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	zone := store.Zone("ab")

	rs := &RecordSet{TXT: []TXTRecord{{Text: "k", TTL: 300}}}
	require.NoError(t, store.Set(ctx, zone, ChallengeRecord, rs))

	err := store.Update(ctx, zone, ChallengeRecord, func(cur *RecordSet) (*RecordSet, error) {
		cur.TXT = nil
		return cur, nil
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, zone, ChallengeRecord)
	require.NoError(t, err)
	require.Nil(t, got)
}

// Concurrent add/remove pairs on the challenge record must not lose updates:
// after every pair completes the record is gone.
func TestUpdateConcurrentChallengePairs(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	zone := store.Zone("ab")

	keys := []string{"naked-key", "wildcard-key"}
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			err := store.Update(ctx, zone, ChallengeRecord, func(cur *RecordSet) (*RecordSet, error) {
				if cur == nil {
					cur = &RecordSet{}
				}
				cur.TXT = append(cur.TXT, TXTRecord{Text: key, TTL: 300})
				return cur, nil
			})
			require.NoError(t, err)
			err = store.Update(ctx, zone, ChallengeRecord, func(cur *RecordSet) (*RecordSet, error) {
				if cur == nil {
					return nil, nil
				}
				kept := cur.TXT[:0]
				for _, e := range cur.TXT {
					if e.Text != key {
						kept = append(kept, e)
					}
				}
				cur.TXT = kept
				return cur, nil
			})
			require.NoError(t, err)
		}(key)
	}
	wg.Wait()

	got, err := store.Get(ctx, zone, ChallengeRecord)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCompareAndSwap(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	zone := store.Zone("ab")

	first := &RecordSet{A: []ARecord{{IP: "1.1.1.1", TTL: 300}}}
	ok, err := store.CompareAndSwap(ctx, zone, "sub", nil, first)
	require.NoError(t, err)
	require.True(t, ok)

	// Stale expectation must fail.
	second := &RecordSet{A: []ARecord{{IP: "2.2.2.2", TTL: 300}}}
	ok, err = store.CompareAndSwap(ctx, zone, "sub", nil, second)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.CompareAndSwap(ctx, zone, "sub", first, second)
	require.NoError(t, err)
	require.True(t, ok)

	// Empty replacement deletes.
	ok, err = store.CompareAndSwap(ctx, zone, "sub", second, nil)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.Get(ctx, zone, "sub")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestReloader(t *testing.T) {
	var gotZone string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotZone = r.URL.Query().Get("zone")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"loaded":true,"success":true}`))
	}))
	defer srv.Close()

	rl := NewReloader(srv.URL, nil)
	require.NoError(t, rl.Reload(context.Background(), "ab.country."))
	require.Equal(t, "ab.country.", gotZone)

	// Disabled reloader is a no-op.
	require.NoError(t, NewReloader("", nil).Reload(context.Background(), "x."))
}
