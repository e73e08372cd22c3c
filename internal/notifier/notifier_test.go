package notifier

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNotifierPrimesBaselineWithoutEmitting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	n := New(Options{
		PollInterval: 5 * time.Millisecond,
		ReadHeadPosition: func(ctx context.Context) (int64, error) {
			atomic.AddInt32(&calls, 1)
			return 10, nil
		},
	})

	events, unsub := n.Subscribe()
	defer unsub()

	go n.Run(ctx)

	select {
	case <-n.Started():
	case <-time.After(time.Second):
		t.Fatal("notifier never reported started")
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected event on baseline priming: %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestNotifierEmitsOnAdvance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var head int64 = 5
	n := New(Options{
		PollInterval: 5 * time.Millisecond,
		ReadHeadPosition: func(ctx context.Context) (int64, error) {
			return atomic.LoadInt64(&head), nil
		},
	})

	events, unsub := n.Subscribe()
	defer unsub()

	go n.Run(ctx)

	<-n.Started()

	atomic.StoreInt64(&head, 6)

	select {
	case ev := <-events:
		if ev.Head != 6 {
			t.Fatalf("expected head=6, got %d", ev.Head)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an event after head advanced")
	}
}

func TestNotifierLateSubscriberMissesPastEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var head int64 = 1
	n := New(Options{
		PollInterval: 5 * time.Millisecond,
		ReadHeadPosition: func(ctx context.Context) (int64, error) {
			return atomic.LoadInt64(&head), nil
		},
	})

	go n.Run(ctx)
	<-n.Started()

	atomic.StoreInt64(&head, 2)
	time.Sleep(30 * time.Millisecond)

	late, unsub := n.Subscribe()
	defer unsub()

	select {
	case ev := <-late:
		t.Fatalf("late subscriber should not see past events, got %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestNotifierRetriesIndefinitelyOnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	failUntil := int32(3)
	n := New(Options{
		PollInterval: 5 * time.Millisecond,
		ReadHeadPosition: func(ctx context.Context) (int64, error) {
			if atomic.AddInt32(&attempts, 1) < failUntil {
				return 0, errors.New("transient engine error")
			}
			return 1, nil
		},
	})

	go n.Run(ctx)

	select {
	case <-n.Started():
	case <-time.After(time.Second):
		t.Fatal("notifier should recover from transient errors and still start")
	}
}

func TestNotifierSubscribeCancelIdempotent(t *testing.T) {
	n := New(Options{ReadHeadPosition: func(ctx context.Context) (int64, error) { return 0, nil }})
	_, cancel := n.Subscribe()
	cancel()
	cancel() // must not panic
}

func TestNotifierRunStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := New(Options{
		PollInterval:     5 * time.Millisecond,
		ReadHeadPosition: func(ctx context.Context) (int64, error) { return 0, nil },
	})

	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	<-n.Started()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context.Canceled from Run")
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
