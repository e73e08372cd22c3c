package gapreconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/ledger/internal/engine"
	logpkg "github.com/rzbill/ledger/pkg/log"
)

// fakeAllStream is a tiny in-memory all-stream that can simulate permanent
// and transient position gaps by withholding a position from the returned
// slice for a configurable number of reads.
type fakeAllStream struct {
	mu        sync.Mutex
	positions []int64 // every position ever committed, sorted
	// withhold maps a position to the number of remaining reads that must
	// still omit it (simulating a reservation not yet committed).
	withhold map[int64]int
	reads    int
}

func newFakeAllStream(positions []int64) *fakeAllStream {
	return &fakeAllStream{positions: positions, withhold: map[int64]int{}}
}

func (f *fakeAllStream) withholdFor(pos int64, reads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withhold[pos] = reads
}

func (f *fakeAllStream) read(ctx context.Context, from int64, max int, prefetch bool) (engine.RawAllPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++

	var msgs []engine.Message
	for _, p := range f.positions {
		if p < from {
			continue
		}
		if n, ok := f.withhold[p]; ok && n > 0 {
			f.withhold[p] = n - 1
			continue
		}
		if len(msgs) >= max {
			break
		}
		msgs = append(msgs, engine.Message{Position: p})
	}

	isEnd := len(msgs) < max
	next := from
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].Position + 1
	}
	return engine.RawAllPage{FromPosition: from, NextPosition: next, IsEnd: isEnd, Messages: msgs}, nil
}

func TestReconcilerDenseReadNeverReloads(t *testing.T) {
	src := newFakeAllStream([]int64{0, 1, 2})
	r := New(src.read, time.Millisecond, logpkg.NewLogger())

	page, err := r.ReadForwards(context.Background(), 0, 10, false)
	if err != nil {
		t.Fatalf("ReadForwards: %v", err)
	}
	if len(page.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(page.Messages))
	}
	if src.reads != 1 {
		t.Fatalf("dense page must not trigger a reload, got %d reads", src.reads)
	}
}

func TestReconcilerFastPathSkipsNonTerminalPage(t *testing.T) {
	// A full (non-terminal) page with an internal gap must be returned
	// as-is: gaps at the tail of a non-terminal page would be spurious to
	// reconcile per spec.md §4.C step 2.
	src := newFakeAllStream([]int64{0, 2, 3})
	src.withholdFor(2, 100) // position 1 doesn't exist; page is still "full"

	r := New(src.read, time.Millisecond, logpkg.NewLogger())
	page, err := r.ReadForwards(context.Background(), 0, 2, false) // max=2 -> is_end=false
	if err != nil {
		t.Fatalf("ReadForwards: %v", err)
	}
	if page.IsEnd {
		t.Fatalf("expected non-terminal page")
	}
	if src.reads != 1 {
		t.Fatalf("non-terminal page must not reload, got %d reads", src.reads)
	}
}

func TestReconcilerPermanentGapReturnsAfterOneReload(t *testing.T) {
	// Positions {1,3,4} exist; 2 was rolled back and will never appear.
	src := newFakeAllStream([]int64{1, 3, 4})
	r := New(src.read, 5*time.Millisecond, logpkg.NewLogger())

	start := time.Now()
	page, err := r.ReadForwards(context.Background(), 1, 10, false)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("ReadForwards: %v", err)
	}
	if len(page.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(page.Messages))
	}
	if elapsed < 5*time.Millisecond {
		t.Fatalf("expected at least one reload delay, elapsed=%v", elapsed)
	}
	if src.reads != 2 {
		t.Fatalf("expected exactly one reload (2 total reads), got %d", src.reads)
	}
}

func TestReconcilerTransientGapResolvesOnRetry(t *testing.T) {
	// Position 2 is withheld for exactly one read, then becomes visible.
	src := newFakeAllStream([]int64{1, 2, 3})
	src.withholdFor(2, 1)
	r := New(src.read, 5*time.Millisecond, logpkg.NewLogger())

	page, err := r.ReadForwards(context.Background(), 1, 10, false)
	if err != nil {
		t.Fatalf("ReadForwards: %v", err)
	}
	got := make([]int64, len(page.Messages))
	for i, m := range page.Messages {
		got[i] = m.Position
	}
	want := []int64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestReconcilerHeadGapReloadsBeforeBodyLoop(t *testing.T) {
	// The first message in the page isn't the requested start position:
	// position 0 is missing from the very head of the range.
	src := newFakeAllStream([]int64{0, 1, 2})
	src.withholdFor(0, 1)
	r := New(src.read, 5*time.Millisecond, logpkg.NewLogger())

	page, err := r.ReadForwards(context.Background(), 0, 10, false)
	if err != nil {
		t.Fatalf("ReadForwards: %v", err)
	}
	if len(page.Messages) == 0 || page.Messages[0].Position != 0 {
		t.Fatalf("expected head gap to resolve and include position 0, got %+v", page.Messages)
	}
}

func TestReconcilerHonoursCancellationDuringReload(t *testing.T) {
	src := newFakeAllStream([]int64{1, 3, 4})
	r := New(src.read, time.Hour, logpkg.NewLogger()) // reload would block "forever"

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.ReadForwards(ctx, 1, 10, false)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}
