package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*ViewCache, *miniredis.Miniredis) {
	t.Helper()
	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewViewCache(client, time.Minute), mini
}

func TestFetchJSONCachesLoaderResult(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	calls := 0
	loader := func(ctx context.Context) (any, error) {
		calls++
		return []StockEntry{{ID: 1, LocationID: 2, ProductID: 100}}, nil
	}

	key := cache.EntriesKey(ctx, 2)
	var first []StockEntry
	require.NoError(t, cache.FetchJSON(ctx, key, &first, loader))
	var second []StockEntry
	require.NoError(t, cache.FetchJSON(ctx, key, &second, loader))

	require.Equal(t, 1, calls)
	require.Equal(t, first, second)
	require.EqualValues(t, 100, second[0].ProductID)
}

func TestBumpInvalidatesLocationViews(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	before := cache.EntriesKey(ctx, 2)
	cache.Bump(ctx, 2)
	after := cache.EntriesKey(ctx, 2)
	require.NotEqual(t, before, after)

	// Other locations keep their version.
	other := cache.EntriesKey(ctx, 3)
	cache.Bump(ctx, 2)
	require.Equal(t, other, cache.EntriesKey(ctx, 3))
}

func TestFetchJSONWithoutClientFallsThrough(t *testing.T) {
	cache := NewViewCache(nil, 0)
	ctx := context.Background()

	calls := 0
	loader := func(ctx context.Context) (any, error) {
		calls++
		return []SerialRecord{{SerialNumber: "SN1"}}, nil
	}

	var out []SerialRecord
	require.NoError(t, cache.FetchJSON(ctx, cache.SerialsKey(ctx, 2, 100), &out, loader))
	require.NoError(t, cache.FetchJSON(ctx, cache.SerialsKey(ctx, 2, 100), &out, loader))
	require.Equal(t, 2, calls)
	require.Equal(t, "SN1", out[0].SerialNumber)
}
