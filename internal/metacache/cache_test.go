package metacache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rzbill/ledger/internal/clock"
)

func u32(v uint32) *uint32 { return &v }

func TestGetMaxAgeCachesSentinelNoMetadata(t *testing.T) {
	var loads int32
	c := New(Options{
		Expiry: time.Minute,
		Clock:  clock.System,
		Loader: func(ctx context.Context, streamID string) (*uint32, bool, error) {
			atomic.AddInt32(&loads, 1)
			return nil, false, nil // "no metadata set"
		},
	})

	for i := 0; i < 3; i++ {
		v, err := c.GetMaxAge(context.Background(), "orders-1")
		if err != nil {
			t.Fatalf("GetMaxAge: %v", err)
		}
		if v != nil {
			t.Fatalf("expected nil (no metadata), got %v", *v)
		}
	}
	if n := atomic.LoadInt32(&loads); n != 1 {
		t.Fatalf("sentinel value must be cached, not reloaded every read; loaded %d times", n)
	}
}

func TestGetMaxAgeReturnsLoadedValue(t *testing.T) {
	c := New(Options{
		Expiry: time.Minute,
		Clock:  clock.System,
		Loader: func(ctx context.Context, streamID string) (*uint32, bool, error) {
			return u32(10), true, nil
		},
	})
	v, err := c.GetMaxAge(context.Background(), "orders-1")
	if err != nil {
		t.Fatalf("GetMaxAge: %v", err)
	}
	if v == nil || *v != 10 {
		t.Fatalf("expected max_age=10, got %v", v)
	}
}

func TestGetMaxAgeRefreshesAfterExpiry(t *testing.T) {
	now := time.Now()
	cl := clock.Fixed(now)
	var loads int32
	c := New(Options{
		Expiry: 10 * time.Millisecond,
		Clock:  func() time.Time { return cl() },
		Loader: func(ctx context.Context, streamID string) (*uint32, bool, error) {
			atomic.AddInt32(&loads, 1)
			return u32(uint32(atomic.LoadInt32(&loads))), true, nil
		},
	})

	v1, _ := c.GetMaxAge(context.Background(), "s")
	if *v1 != 1 {
		t.Fatalf("expected first load to return 1, got %d", *v1)
	}

	// Still within TTL: must not reload.
	v2, _ := c.GetMaxAge(context.Background(), "s")
	if *v2 != 1 {
		t.Fatalf("expected cached value 1 within TTL, got %d", *v2)
	}

	// Advance the clock past the TTL.
	advanced := now.Add(time.Hour)
	cl = clock.Fixed(advanced)
	v3, _ := c.GetMaxAge(context.Background(), "s")
	if *v3 != 2 {
		t.Fatalf("expected reload after TTL expiry to return 2, got %d", *v3)
	}
}

func TestGetMaxAgeCoalescesConcurrentLoads(t *testing.T) {
	var loads int32
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	c := New(Options{
		Expiry: time.Minute,
		Clock:  clock.System,
		Loader: func(ctx context.Context, streamID string) (*uint32, bool, error) {
			atomic.AddInt32(&loads, 1)
			once.Do(func() { close(started) })
			<-release
			return u32(5), true, nil
		},
	})

	const n = 10
	var wg sync.WaitGroup
	results := make([]*uint32, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetMaxAge(context.Background(), "shared")
			results[i] = v
			errs[i] = err
		}(i)
	}

	<-started
	time.Sleep(20 * time.Millisecond) // let every goroutine reach the coalescing point
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&loads); n != 1 {
		t.Fatalf("expected exactly 1 underlying load, got %d", n)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("unexpected error from goroutine %d: %v", i, errs[i])
		}
		if results[i] == nil || *results[i] != 5 {
			t.Fatalf("goroutine %d got unexpected value %v", i, results[i])
		}
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(Options{
		MaxSize: 2,
		Expiry:  time.Minute,
		Clock:   clock.System,
		Loader: func(ctx context.Context, streamID string) (*uint32, bool, error) {
			return u32(1), true, nil
		},
	})

	ctx := context.Background()
	c.GetMaxAge(ctx, "a")
	c.GetMaxAge(ctx, "b")
	c.GetMaxAge(ctx, "a") // touch "a" so "b" becomes least-recently-used
	c.GetMaxAge(ctx, "c") // exceeds MaxSize=2, evicts "b"

	if c.Len() != 2 {
		t.Fatalf("expected cache size capped at 2, got %d", c.Len())
	}
	if _, ok := c.entries["b"]; ok {
		t.Fatalf("expected least-recently-used %q to be evicted", "b")
	}
	if _, ok := c.entries["a"]; !ok {
		t.Fatalf("expected recently touched %q to remain cached", "a")
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	var loads int32
	c := New(Options{
		Expiry: time.Hour,
		Clock:  clock.System,
		Loader: func(ctx context.Context, streamID string) (*uint32, bool, error) {
			atomic.AddInt32(&loads, 1)
			return u32(uint32(atomic.LoadInt32(&loads))), true, nil
		},
	})

	ctx := context.Background()
	v1, _ := c.GetMaxAge(ctx, "s")
	c.Invalidate("s")
	v2, _ := c.GetMaxAge(ctx, "s")
	if *v1 == *v2 {
		t.Fatalf("expected Invalidate to force a fresh load, got same value twice: %d", *v1)
	}
}
