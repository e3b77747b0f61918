package dashcache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fintrack/internal/core"
)

func TestGet_CoalescesConcurrentCallers(t *testing.T) {
	store := newSpyStore()
	svc := newTestService(store, newFakeClock())
	key := testKey("2025-03", "")

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return "snapshot", nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Get(context.Background(), svc, key, compute)
		}(i)
	}

	<-started
	assert.Equal(t, 1, svc.InFlightCount())
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "snapshot", results[i])
	}
	assert.Equal(t, int64(1), svc.Metrics().CacheMiss)
	assert.Equal(t, 0, svc.InFlightCount())
	assert.Equal(t, int32(1), store.upserts.Load())
}

func TestGet_TTL(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(newSpyStore(), clock)
	key := testKey("2025-03", "")
	ctx := context.Background()

	var calls atomic.Int32
	_, err := Get(ctx, svc, key, constCompute(&calls, "v1"))
	require.NoError(t, err)

	clock.Advance(299 * time.Second)
	v, err := Get(ctx, svc, key, constCompute(&calls, "v2"))
	require.NoError(t, err)
	assert.Equal(t, "v1", v, "entry is still fresh at 299s")
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(2 * time.Second)
	v, err = Get(ctx, svc, key, constCompute(&calls, "v2"))
	require.NoError(t, err)
	assert.Equal(t, "v2", v, "entry is stale at 301s")
	assert.Equal(t, int32(2), calls.Load())

	m := svc.Metrics()
	assert.Equal(t, int64(1), m.CacheHit)
	assert.Equal(t, int64(2), m.CacheMiss)
}

func TestGet_StorageFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("write failure still returns the value", func(t *testing.T) {
		store := newSpyStore()
		store.upsertErr = errors.New("disk full")
		svc := newTestService(store, newFakeClock())

		var calls atomic.Int32
		v, err := Get(ctx, svc, testKey("2025-03", ""), constCompute(&calls, "ok"))
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
		assert.Equal(t, int64(1), svc.Metrics().CacheError)
		assert.Equal(t, 0, store.next.Len())
	})

	t.Run("read failure falls back to compute", func(t *testing.T) {
		store := newSpyStore()
		store.findErr = errors.New("connection reset")
		svc := newTestService(store, newFakeClock())

		var calls atomic.Int32
		v, err := Get(ctx, svc, testKey("2025-03", ""), constCompute(&calls, "ok"))
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, int64(1), svc.Metrics().CacheError)
		assert.Equal(t, int64(1), svc.Metrics().CacheMiss)
	})

	t.Run("undecodable entry is recomputed", func(t *testing.T) {
		store := newSpyStore()
		clock := newFakeClock()
		svc := newTestService(store, clock)
		key := testKey("2025-03", "")
		require.NoError(t, store.next.Upsert(ctx, Entry{Key: key.String(), Data: []byte("{not json"), FetchedAt: clock.Now()}))

		var calls atomic.Int32
		v, err := Get(ctx, svc, key, constCompute(&calls, "fresh"))
		require.NoError(t, err)
		assert.Equal(t, "fresh", v)
		assert.Equal(t, int64(1), svc.Metrics().CacheError)
	})
}

func TestGet_SizeCeiling(t *testing.T) {
	store := newSpyStore()
	cfg := DefaultConfig()
	cfg.MaxSizeBytes = 16
	svc := NewService(store, nil, cfg)

	var calls atomic.Int32
	big := strings.Repeat("x", 64)
	v, err := Get(context.Background(), svc, testKey("2025-03", ""), constCompute(&calls, big))
	require.NoError(t, err)
	assert.Equal(t, big, v)
	assert.Equal(t, int32(0), store.upserts.Load())
	assert.Equal(t, int64(0), svc.Metrics().CacheError)
	assert.Equal(t, 16, svc.MaxCacheSizeBytes())
}

func TestGet_ComputeErrorReachesEveryWaiter(t *testing.T) {
	store := newSpyStore()
	svc := newTestService(store, newFakeClock())
	boom := errors.New("ledger unavailable")

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	compute := func(context.Context) (int, error) {
		once.Do(func() { close(started) })
		<-release
		return 0, boom
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = Get(context.Background(), svc, testKey("2025-03", ""), compute)
		}(i)
	}
	<-started
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, int32(0), store.upserts.Load())
	assert.Equal(t, int64(0), svc.Metrics().CacheMiss)
	assert.Equal(t, 0, svc.InFlightCount())
}

func TestGet_WaiterDeadline(t *testing.T) {
	store := newSpyStore()
	svc := newTestService(store, newFakeClock())
	key := testKey("2025-03", "")

	release := make(chan struct{})
	var calls atomic.Int32
	compute := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "late", ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	v, err := Get(ctx, svc, key, compute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, v)
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	require.Eventually(t, func() bool {
		return store.upserts.Load() == 1 && svc.InFlightCount() == 0
	}, time.Second, 5*time.Millisecond)

	v, err = Get(context.Background(), svc, key, compute)
	require.NoError(t, err)
	assert.Equal(t, "late", v)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), svc.Metrics().CacheHit)
}

func TestGet_CancelledWaiterDoesNotFailOthers(t *testing.T) {
	svc := newTestService(newSpyStore(), newFakeClock())
	key := testKey("2025-03", "")

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	compute := func(ctx context.Context) (string, error) {
		once.Do(func() { close(started) })
		<-release
		return "done", ctx.Err()
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := Get(leaderCtx, svc, key, compute)
		leaderErr <- err
	}()
	<-started

	follower := make(chan string, 1)
	go func() {
		v, _ := Get(context.Background(), svc, key, compute)
		follower <- v
	}()

	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	assert.Equal(t, "done", <-follower)
}

func TestMetrics(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(newSpyStore(), clock)
	ctx := context.Background()

	t.Run("hit rate is zero without observations", func(t *testing.T) {
		m := svc.Metrics()
		assert.Equal(t, 0.0, m.HitRate)
		assert.Equal(t, clock.Now(), m.LastReset.UTC())
	})

	t.Run("three hits and one miss give 75", func(t *testing.T) {
		var calls atomic.Int32
		key := testKey("2025-03", "")
		for i := 0; i < 4; i++ {
			_, err := Get(ctx, svc, key, constCompute(&calls, "v"))
			require.NoError(t, err)
		}
		m := svc.Metrics()
		assert.Equal(t, int64(3), m.CacheHit)
		assert.Equal(t, int64(1), m.CacheMiss)
		assert.Equal(t, 75.0, m.HitRate)
	})

	t.Run("reset zeroes counters", func(t *testing.T) {
		clock.Advance(time.Minute)
		svc.ResetMetrics()
		m := svc.Metrics()
		assert.Zero(t, m.CacheHit)
		assert.Zero(t, m.CacheMiss)
		assert.Zero(t, m.CacheError)
		assert.Equal(t, clock.Now(), m.LastReset.UTC())
	})
}

func TestHitRateRounding(t *testing.T) {
	assert.Equal(t, 66.67, hitRate(2, 1))
	assert.Equal(t, 33.33, hitRate(1, 2))
	assert.Equal(t, 100.0, hitRate(5, 0))
	assert.Equal(t, 0.0, hitRate(0, 0))
}

func TestDashboard(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit accounts bypass the cache", func(t *testing.T) {
		store := newSpyStore()
		var calls atomic.Int32
		compute := func(_ context.Context, p core.DashboardParams) (core.Snapshot, error) {
			calls.Add(1)
			return core.Snapshot{Month: p.MonthKey}, nil
		}
		svc := NewService(store, compute, DefaultConfig())

		p := core.DashboardParams{
			MonthKey: "2025-03",
			Accounts: []core.Account{{ID: "acc-1", Name: "Checking", Currency: "EUR"}},
		}
		for i := 0; i < 3; i++ {
			snap, err := svc.Dashboard(ctx, p)
			require.NoError(t, err)
			assert.Equal(t, core.MonthKey("2025-03"), snap.Month)
		}
		assert.Equal(t, int32(3), calls.Load())
		assert.Zero(t, store.finds.Load())
		assert.Zero(t, store.upserts.Load())
		assert.Zero(t, svc.Metrics().CacheMiss)
	})

	t.Run("default params are cached", func(t *testing.T) {
		store := newSpyStore()
		var calls atomic.Int32
		compute := func(_ context.Context, p core.DashboardParams) (core.Snapshot, error) {
			calls.Add(1)
			return core.Snapshot{Month: p.MonthKey, Currency: "EUR"}, nil
		}
		svc := NewService(store, compute, DefaultConfig())

		p := core.DashboardParams{MonthKey: "2025-03", UserID: "u1"}
		first, err := svc.Dashboard(ctx, p)
		require.NoError(t, err)
		second, err := svc.Dashboard(ctx, p)
		require.NoError(t, err)

		assert.Equal(t, first.Month, second.Month)
		assert.Equal(t, "EUR", second.Currency)
		assert.Equal(t, int32(1), calls.Load())

		e, err := store.next.Find(ctx, "dashboard:u1:2025-03:ALL:DEFAULT")
		require.NoError(t, err)
		assert.Equal(t, "2025-03", e.MonthKey)
		assert.Nil(t, e.AccountID)
		assert.Nil(t, e.PreferredCurrency)
	})
}
