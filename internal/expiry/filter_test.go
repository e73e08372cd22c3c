package expiry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/ledger/internal/clock"
	"github.com/rzbill/ledger/internal/engine"
	"github.com/rzbill/ledger/internal/metacache"
)

func u32(v uint32) *uint32 { return &v }

func newTestFilter(t *testing.T, now time.Time, maxAge *uint32) (*Filter, *[]engine.Message) {
	t.Helper()
	cache := metacache.New(metacache.Options{
		Expiry: time.Hour,
		Clock:  clock.Fixed(now),
		Loader: func(ctx context.Context, streamID string) (*uint32, bool, error) {
			return maxAge, maxAge != nil, nil
		},
	})

	var purged []engine.Message
	var mu sync.Mutex
	purgedCh := make(chan struct{}, 100)
	f := New(Options{
		Cache: cache,
		Clock: clock.Fixed(now),
		Purge: func(ctx context.Context, msg engine.Message) error {
			mu.Lock()
			purged = append(purged, msg)
			mu.Unlock()
			purgedCh <- struct{}{}
			return nil
		},
	})
	t.Cleanup(func() {
		// Drain any purge signals still buffered once the test has finished.
		for len(purgedCh) > 0 {
			<-purgedCh
		}
	})
	return f, &purged
}

func msgAt(streamID string, createdUTC time.Time) engine.Message {
	return engine.Message{StreamID: streamID, MessageID: uuid.New(), CreatedUTC: createdUTC, Type: "t"}
}

func TestFilterKeepsMessagesUnderMaxAge(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 20, 0, time.UTC)
	f, _ := newTestFilter(t, now, u32(10))

	messages := []engine.Message{
		msgAt("s1", now.Add(-5*time.Second)), // 5s old, under 10s max_age
	}
	kept := f.Apply(context.Background(), messages)
	if len(kept) != 1 {
		t.Fatalf("expected message under max_age to survive, got %d", len(kept))
	}
}

func TestFilterDropsExpiredMessagesAndPurges(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 20, 0, time.UTC)
	f, purged := newTestFilter(t, now, u32(10))

	messages := []engine.Message{
		msgAt("s1", now.Add(-20*time.Second)), // created at t=0 -> age 20s
		msgAt("s1", now.Add(-15*time.Second)), // created at t=5 -> age 15s
		msgAt("s1", now.Add(-5*time.Second)),  // created at t=15 -> age 5s, survives
	}
	kept := f.Apply(context.Background(), messages)
	if len(kept) != 1 {
		t.Fatalf("expected only the 5s-old message to survive, got %d", len(kept))
	}

	time.Sleep(50 * time.Millisecond) // purge is fire-and-forget
	if len(*purged) != 2 {
		t.Fatalf("expected 2 purge calls for the expired messages, got %d", len(*purged))
	}
}

func TestFilterPassesSystemStreamsUnfiltered(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 20, 0, time.UTC)
	f, purged := newTestFilter(t, now, u32(1)) // 1 second max_age, everything ancient

	messages := []engine.Message{
		msgAt("$deleted", now.Add(-time.Hour)),
	}
	kept := f.Apply(context.Background(), messages)
	if len(kept) != 1 {
		t.Fatalf("system stream messages must never be age-filtered, got %d kept", len(kept))
	}
	time.Sleep(20 * time.Millisecond)
	if len(*purged) != 0 {
		t.Fatalf("system stream messages must never be purged, got %d", len(*purged))
	}
}

func TestFilterNoMaxAgeKeepsEverything(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 20, 0, time.UTC)
	f, _ := newTestFilter(t, now, nil) // no metadata set

	messages := []engine.Message{
		msgAt("s1", now.Add(-10*time.Hour)),
	}
	kept := f.Apply(context.Background(), messages)
	if len(kept) != 1 {
		t.Fatalf("absent max_age must mean unlimited retention, got %d kept", len(kept))
	}
}

func TestFilterNeverTouchesCursorFields(t *testing.T) {
	// Apply operates purely on the message slice; the cursor fields belong
	// to the caller (store.AllPage/StreamPage) and are asserted separately
	// in store_test.go. This test only documents that Apply's signature
	// has no cursor in or out, guarding against a future regression.
	now := time.Now()
	f, _ := newTestFilter(t, now, u32(10))
	kept := f.Apply(context.Background(), nil)
	if kept != nil {
		t.Fatalf("expected nil in, nil out for an empty page")
	}
}
