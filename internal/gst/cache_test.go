package gst

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/easygst/easygst/internal/ledger"
)

func newCachedService(t *testing.T, repo Repository) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewService(repo, NewCache(client, time.Minute), nil)
}

func TestLiveSummaryCaches(t *testing.T) {
	repo := newMemoryGstRepo()
	repo.agg = sampleLines()
	svc := newCachedService(t, repo)

	ctx := context.Background()
	start, end := date(2026, time.January, 1), date(2026, time.March, 31)

	summary, err := svc.LiveSummary(ctx, 1, start, end)
	require.NoError(t, err)
	require.True(t, summary.OutputGst.Equal(dec("900.00")))
	require.Equal(t, 1, repo.aggCalls)

	// second call served from cache
	summary, err = svc.LiveSummary(ctx, 1, start, end)
	require.NoError(t, err)
	require.True(t, summary.OutputGst.Equal(dec("900.00")))
	require.Equal(t, 1, repo.aggCalls)

	// a different period is its own key
	_, err = svc.LiveSummary(ctx, 1, start, date(2026, time.February, 28))
	require.NoError(t, err)
	require.Equal(t, 2, repo.aggCalls)
}

func TestFilingInvalidatesCachedSummaries(t *testing.T) {
	repo := newMemoryGstRepo()
	repo.agg = sampleLines()
	svc := newCachedService(t, repo)

	ctx := context.Background()
	start, end := date(2026, time.January, 1), date(2026, time.March, 31)

	_, err := svc.LiveSummary(ctx, 1, start, end)
	require.NoError(t, err)
	calls := repo.aggCalls

	ret, err := svc.Prepare(ctx, q1Input())
	require.NoError(t, err)
	_, err = svc.File(ctx, 1, ret.ID, 5)
	require.NoError(t, err)

	// filing bumped the version; the stale entry is never read again
	repo.agg = append(repo.agg, ReturnLine{
		Side: SideOutput, Classification: ledger.TaxStandard,
		TaxableAmount: dec("1000.00"), TaxAmount: dec("90.00"),
	})
	summary, err := svc.LiveSummary(ctx, 1, start, end)
	require.NoError(t, err)
	require.Greater(t, repo.aggCalls, calls+2)
	require.True(t, summary.OutputGst.Equal(dec("990.00")))
}

func TestCacheVersioning(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, time.Minute)

	ctx := context.Background()
	ver, err := cache.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), ver)

	before, err := cache.BuildKey(ctx, keySummary(1, date(2026, time.January, 1), date(2026, time.March, 31))...)
	require.NoError(t, err)

	require.NoError(t, cache.Bump(ctx))
	after, err := cache.BuildKey(ctx, keySummary(1, date(2026, time.January, 1), date(2026, time.March, 31))...)
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestNilCacheDegrades(t *testing.T) {
	var cache *Cache
	ctx := context.Background()

	ver, err := cache.Version(ctx)
	require.NoError(t, err)
	require.Zero(t, ver)

	key, err := cache.BuildKey(ctx, "gst", "summary", "1")
	require.NoError(t, err)
	require.Equal(t, "gst:summary:1", key)

	require.NoError(t, cache.Bump(ctx))

	var out map[string]string
	err = cache.FetchJSON(ctx, key, &out, func(context.Context) (interface{}, error) {
		return map[string]string{"k": "v"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "v", out["k"])
}
