package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/ledger/internal/clock"
	"github.com/rzbill/ledger/internal/engine"
	pebblestore "github.com/rzbill/ledger/internal/storage/pebble"
	"github.com/rzbill/ledger/internal/subscription"
)

func newTestEngine(t *testing.T, cl clock.Func) (*engine.Engine, func()) {
	t.Helper()
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	eng, err := engine.Open(engine.Options{DB: db, Clock: cl})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	// The database is closed through t.Cleanup, not by the returned func:
	// deferred calls run before cleanups, and cleanups run last-in first-out,
	// so a store registered later by newTestStore is closed (and its notifier
	// has stopped polling) before the database goes away.
	t.Cleanup(func() { db.Close() })
	return eng, func() {}
}

func appendOne(t *testing.T, eng *engine.Engine, streamID string, typ string) {
	t.Helper()
	_, err := eng.Append(context.Background(), streamID, engine.ExpectedVersionAny, []engine.NewMessage{
		{MessageID: uuid.New(), Type: typ, JSONData: []byte(`{}`)},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
}

func newTestStore(t *testing.T, eng *engine.Engine, opts Options) *Store {
	t.Helper()
	s, err := New(eng, opts)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReadAllForwardsDenseStream(t *testing.T) {
	eng, cleanup := newTestEngine(t, clock.System)
	defer cleanup()

	for i := 0; i < 5; i++ {
		appendOne(t, eng, "orders-1", "item-added")
	}

	s := newTestStore(t, eng, Options{PollInterval: 50 * time.Millisecond})

	page, err := s.ReadAllForwards(context.Background(), 0, 10, false)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(page.Messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(page.Messages))
	}
	if !page.IsEnd {
		t.Fatalf("expected is_end=true for a page covering the whole store")
	}
	for i, m := range page.Messages {
		if m.Position != int64(i) {
			t.Fatalf("expected dense positions, got %v at %d", m.Position, i)
		}
	}
}

func TestReadAllForwardsFollowsContinuationClosure(t *testing.T) {
	eng, cleanup := newTestEngine(t, clock.System)
	defer cleanup()

	for i := 0; i < 3; i++ {
		appendOne(t, eng, "orders-1", "item-added")
	}

	s := newTestStore(t, eng, Options{PollInterval: 50 * time.Millisecond})

	page, err := s.ReadAllForwards(context.Background(), 0, 2, false)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(page.Messages) != 2 || page.IsEnd {
		t.Fatalf("expected a partial page, got %+v", page)
	}

	next, err := page.ReadNext(context.Background())
	if err != nil {
		t.Fatalf("read next: %v", err)
	}
	if len(next.Messages) != 1 || !next.IsEnd {
		t.Fatalf("expected the final single message, got %+v", next)
	}
	if next.Messages[0].Position != 2 {
		t.Fatalf("expected position 2, got %d", next.Messages[0].Position)
	}
}

func TestReadStreamForwardsNotFound(t *testing.T) {
	eng, cleanup := newTestEngine(t, clock.System)
	defer cleanup()

	s := newTestStore(t, eng, Options{PollInterval: 50 * time.Millisecond})

	page, err := s.ReadStreamForwards(context.Background(), "missing", 0, 10, false)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if page.Status != engine.StatusNotFound {
		t.Fatalf("expected StatusNotFound, got %v", page.Status)
	}
}

func TestReadAllForwardsValidatesArguments(t *testing.T) {
	eng, cleanup := newTestEngine(t, clock.System)
	defer cleanup()
	s := newTestStore(t, eng, Options{PollInterval: 50 * time.Millisecond})

	if _, err := s.ReadAllForwards(context.Background(), -1, 10, false); !errors.Is(err, ErrArgument) {
		t.Fatalf("expected ErrArgument for negative from_position, got %v", err)
	}
	if _, err := s.ReadAllForwards(context.Background(), 0, 0, false); !errors.Is(err, ErrArgument) {
		t.Fatalf("expected ErrArgument for max_count 0, got %v", err)
	}
}

func TestExpiryFilterDropsAgedMessagesAndPurges(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	cl := func() time.Time { return now }

	eng, cleanup := newTestEngine(t, cl)
	defer cleanup()

	streamID := "carts-1"
	appendOne(t, eng, streamID, "cart-created")

	maxAge := uint32(1)
	if _, err := eng.SetStreamMetadata(context.Background(), streamID, &maxAge, nil, nil, engine.ExpectedVersionAny); err != nil {
		t.Fatalf("set metadata: %v", err)
	}

	s := newTestStore(t, eng, Options{PollInterval: 50 * time.Millisecond, Clock: cl})

	page, err := s.ReadAllForwards(context.Background(), 0, 10, false)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(page.Messages) != 1 {
		t.Fatalf("expected message still fresh, got %d", len(page.Messages))
	}

	now = base.Add(5 * time.Second)
	s.cache.Invalidate(streamID)

	page, err = s.ReadAllForwards(context.Background(), 0, 10, false)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(page.Messages) != 0 {
		t.Fatalf("expected the expired message to be filtered out, got %d", len(page.Messages))
	}

	deadline := time.Now().Add(time.Second)
	for {
		raw, err := eng.ReadStreamForwardsInternal(context.Background(), streamID, 0, 1, false)
		if err != nil {
			t.Fatalf("read raw stream: %v", err)
		}
		if len(raw.Messages) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expired message was never purged")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The purge above deleted the stream entry but left the all-stream link
	// at position 0 pointing at it. A subsequent all-read must skip the
	// dangling link rather than fail the whole read (spec.md §4.B).
	page, err = s.ReadAllForwards(context.Background(), 0, 10, false)
	if err != nil {
		t.Fatalf("read after purge: expected dangling all-link to be skipped, got error: %v", err)
	}
	if len(page.Messages) != 0 {
		t.Fatalf("expected no messages after purge, got %d", len(page.Messages))
	}
	if !page.IsEnd {
		t.Fatalf("expected is_end once the dangling link is the only entry and is skipped")
	}
}

func TestSubscribeToAllCatchesUpThenLiveFollows(t *testing.T) {
	eng, cleanup := newTestEngine(t, clock.System)
	defer cleanup()

	appendOne(t, eng, "orders-1", "item-added")
	appendOne(t, eng, "orders-1", "item-added")

	s := newTestStore(t, eng, Options{PollInterval: 20 * time.Millisecond})

	var mu sync.Mutex
	var delivered []int64
	caughtUp := make(chan bool, 8)

	fromStart := int64(-1)
	cancel, err := s.SubscribeToAll(context.Background(), SubscribeOptions{
		ContinueAfter: &fromStart,
		OnMessage: func(ctx context.Context, msg engine.Message) (subscription.ControlFlow, error) {
			mu.Lock()
			delivered = append(delivered, msg.Position)
			mu.Unlock()
			return subscription.Continue, nil
		},
		OnCaughtUp: func(v bool) { caughtUp <- v },
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	select {
	case v := <-caughtUp:
		if !v {
			t.Fatalf("expected first caught-up to be true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never caught up")
	}

	mu.Lock()
	n := len(delivered)
	mu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 messages during catch-up, got %d", n)
	}

	appendOne(t, eng, "orders-2", "item-added")

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("live-follow never delivered the new message")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStoreCloseIsIdempotentAndDisposesReads(t *testing.T) {
	eng, cleanup := newTestEngine(t, clock.System)
	defer cleanup()

	s, err := New(eng, Options{PollInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}

	if _, err := s.ReadAllForwards(context.Background(), 0, 10, false); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed after close, got %v", err)
	}
}
