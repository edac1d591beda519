package purchase

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb)
}

func TestSaveGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	got, err := s.Get(ctx, "ab.country")
	require.NoError(t, err)
	require.Nil(t, got)

	rec := &Record{
		Domain:    "ab.country",
		Owner:     "0x1111111111111111111111111111111111111111",
		TxHash:    "0xdead",
		OrderID:   "158752",
		PricePaid: 12.5,
		Success:   true,
		ExpiresAt: time.Now().Add(365 * 24 * time.Hour).UTC().Truncate(time.Second),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.Save(ctx, rec))

	got, err = s.Get(ctx, "ab.country")
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestLockUnlock(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ok, err := s.Lock(ctx, "ab.country")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Lock(ctx, "ab.country")
	require.NoError(t, err)
	require.False(t, ok)

	// A different domain is unaffected.
	ok, err = s.Lock(ctx, "cd.country")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Unlock(ctx, "ab.country"))
	ok, err = s.Lock(ctx, "ab.country")
	require.NoError(t, err)
	require.True(t, ok)
}
