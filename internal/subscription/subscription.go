// Package subscription implements the subscription lifecycle (component
// F): the shared state machine behind both per-stream and all-stream
// subscriptions, bridging the head-position notifier's live events with
// catch-up reads while preserving strict ordering and at-least-once
// delivery.
//
// Grounded on the catch-up/live read loop, per-subscriber channel, and
// structured delivery logging of
// internal/services/streams/service.go's streamSubscribeSingle, adapted
// from a multi-tenant gRPC delivery loop into a single in-process callback
// subscription with no wire framing.
package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rzbill/ledger/internal/engine"
	logpkg "github.com/rzbill/ledger/pkg/log"
)

// ControlFlow is returned by a delivery callback to signal whether the
// subscription should keep delivering or stop.
type ControlFlow int

const (
	Continue ControlFlow = iota
	Stop
)

// State is a point in the subscription lifecycle state machine.
type State int

const (
	Initializing State = iota
	CatchingUp
	Subscribed
	Disposed
	Dropped
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case CatchingUp:
		return "catching_up"
	case Subscribed:
		return "subscribed"
	case Disposed:
		return "disposed"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// DropReason classifies why a subscription transitioned to Dropped.
type DropReason int

const (
	DropDisposed DropReason = iota
	DropSubscriberError
	DropEngineError
	DropNotifierClosed
)

func (r DropReason) String() string {
	switch r {
	case DropDisposed:
		return "disposed"
	case DropSubscriberError:
		return "subscriber_error"
	case DropEngineError:
		return "engine_error"
	case DropNotifierClosed:
		return "notifier_closed"
	default:
		return "unknown"
	}
}

// Page is the minimal shape a subscription needs from a read result: the
// messages delivered plus enough cursor information to know whether it
// caught up. NextCursor is the version (stream subscription) or position
// (all subscription) that the next read should start from — fully
// analogous to the façade's StreamPage/AllPage, but decoupled from the
// store package to avoid an import cycle (store depends on subscription,
// not the reverse).
type Page struct {
	Messages   []engine.Message
	NextCursor int64
	IsEnd      bool
}

// ReadFunc performs one read starting at fromCursorInclusive, already
// routed through the store's gap reconciliation and expiry filtering.
type ReadFunc func(ctx context.Context, fromCursorInclusive int64, max int, prefetch bool) (Page, error)

// HeadCursorFunc resolves "the current head" cursor used when a
// subscription is created with no explicit continuation point — it must
// return the last existing cursor value (so the next read starts one past
// it), or -1 if the stream/all-store is empty.
type HeadCursorFunc func(ctx context.Context) (int64, error)

// OnMessageFunc is the delivery callback. The runtime awaits it and honours
// its returned ControlFlow before advancing to the next message — this is
// the subscription's only form of backpressure.
type OnMessageFunc func(ctx context.Context, msg engine.Message) (ControlFlow, error)

// OnDroppedFunc is invoked exactly once when a subscription terminates
// abnormally (or is disposed).
type OnDroppedFunc func(reason DropReason, err error)

// OnCaughtUpFunc is invoked on each true/false edge transition: true when
// the subscription parks after exhausting all currently-available
// messages, false when it resumes draining a backlog.
type OnCaughtUpFunc func(caughtUp bool)

// Options configures a Subscription. Kind and Cursor plumbing (stream vs
// all) are supplied by the caller via Read/HeadCursor; Options itself is
// kind-agnostic.
type Options struct {
	Name     string
	Kind     string // "stream" or "all", used only for logging
	Prefetch bool
	// MaxBatch bounds how many messages a single underlying read may
	// return; spec.md §4.F suggests ~100.
	MaxBatch int
	// PollBackupInterval is how often the live-follow loop wakes up on its
	// own, in case a notifier event was missed.
	PollBackupInterval time.Duration

	Read           ReadFunc
	HeadCursor     HeadCursorFunc
	Events         <-chan struct{} // edge-triggered wake signal; nil content is fine, only the tick matters
	UnsubscribeAll func()          // releases the notifier subscription backing Events

	OnMessage  OnMessageFunc
	OnDropped  OnDroppedFunc
	OnCaughtUp OnCaughtUpFunc

	// TypeFilter, if set, narrows catch-up and live delivery to messages
	// whose Type it accepts; rejected messages are skipped without
	// invoking OnMessage. A simpler, single-predicate analogue of the
	// teacher's CEL-based subscription filter (see DESIGN.md).
	TypeFilter func(messageType string) bool

	Logger logpkg.Logger
}

// Subscription is a single independent, single-consumer subscription task.
type Subscription struct {
	opts        Options
	log         logpkg.Logger
	startCursor *int64

	mu    sync.Mutex
	state State

	dropOnce sync.Once
}

// New constructs a Subscription. continueAfter is the exclusive
// continuation cursor (nil means "from the current head"). Call Run to
// start the subscription's task; Run blocks until the subscription
// terminates.
func New(continueAfter *int64, opts Options) *Subscription {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 100
	}
	if opts.PollBackupInterval <= 0 {
		opts.PollBackupInterval = 5 * time.Second
	}
	lg := opts.Logger
	if lg == nil {
		lg = logpkg.NewLogger()
	}
	s := &Subscription{
		opts:  opts,
		log:   lg.WithComponent("subscription").With(logpkg.Str("name", opts.Name), logpkg.Str("kind", opts.Kind)),
		state: Initializing,
	}
	s.startCursor = continueAfter
	return s
}

// State reports the subscription's current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run executes the subscription's catch-up and live-follow loop until ctx
// is cancelled or a fatal error occurs. It invokes OnDropped exactly once
// on any terminal exit.
func (s *Subscription) Run(ctx context.Context) {
	defer func() {
		if s.opts.UnsubscribeAll != nil {
			s.opts.UnsubscribeAll()
		}
	}()

	next, err := s.resolveStartCursor(ctx)
	if err != nil {
		s.drop(ctx, err)
		return
	}

	s.setState(CatchingUp)
	next, ok := s.drain(ctx, next)
	if !ok {
		return
	}

	if s.opts.OnCaughtUp != nil {
		s.opts.OnCaughtUp(true)
	}
	s.setState(Subscribed)
	s.liveFollow(ctx, next)
}

func (s *Subscription) resolveStartCursor(ctx context.Context) (int64, error) {
	if s.startCursor != nil {
		return *s.startCursor + 1, nil
	}
	head, err := s.opts.HeadCursor(ctx)
	if err != nil {
		return 0, err
	}
	return head + 1, nil
}

// drain issues reads from `next` until a read returns is_end with zero
// messages beyond the cursor (spec.md §4.F's catch-up termination
// condition). It returns the updated cursor and false if the subscription
// terminated (dropped or disposed) during the drain.
func (s *Subscription) drain(ctx context.Context, next int64) (int64, bool) {
	for {
		if ctx.Err() != nil {
			s.drop(ctx, ctx.Err())
			return next, false
		}

		page, err := s.opts.Read(ctx, next, s.opts.MaxBatch, s.opts.Prefetch)
		if err != nil {
			s.drop(ctx, err)
			return next, false
		}

		delivered, newNext, stopped := s.dispatch(ctx, page.Messages, next)
		if delivered > 0 {
			next = newNext
		} else {
			// Every message in this page was filtered out (e.g. expiry) even
			// though is_end is false; the cursor must still advance to the
			// engine-provided next cursor or the next read would observe the
			// exact same range forever (spec.md §4.B's "filtered page may be
			// short ... while is_end=false" consequence). An end-of-stream
			// marker below the current cursor (-1) never moves it back.
			if page.NextCursor > next {
				next = page.NextCursor
			}
		}
		if stopped {
			return next, false
		}

		if page.IsEnd && delivered == 0 {
			return next, true
		}
	}
}

// dispatch delivers each message in order, honouring the callback's
// returned ControlFlow and advancing the cursor after each successful
// delivery. It returns the count delivered, the updated cursor, and
// whether the subscription was stopped/dropped mid-dispatch.
func (s *Subscription) dispatch(ctx context.Context, messages []engine.Message, cursor int64) (int, int64, bool) {
	delivered := 0
	for _, m := range messages {
		if ctx.Err() != nil {
			s.drop(ctx, ctx.Err())
			return delivered, cursor, true
		}
		if s.opts.TypeFilter != nil && !s.opts.TypeFilter(m.Type) {
			continue
		}
		cf, err := s.opts.OnMessage(ctx, m)
		if err != nil {
			s.dropReason(DropSubscriberError, err)
			return delivered, cursor, true
		}
		cursor = cursorAfter(m, s.opts.Kind)
		delivered++
		if cf == Stop {
			s.dropReason(DropDisposed, nil)
			return delivered, cursor, true
		}
	}
	return delivered, cursor, false
}

func cursorAfter(m engine.Message, kind string) int64 {
	if kind == "stream" {
		return int64(m.StreamVersion) + 1
	}
	return m.Position + 1
}

// liveFollow parks the subscription, waking on notifier events or a
// periodic backup timer (to recover from a missed notification), and
// drains any newly available messages on each wake.
func (s *Subscription) liveFollow(ctx context.Context, next int64) {
	ticker := time.NewTicker(s.opts.PollBackupInterval)
	defer ticker.Stop()

	caughtUp := true
	for {
		select {
		case <-ctx.Done():
			s.drop(ctx, ctx.Err())
			return
		case _, ok := <-s.opts.Events:
			if !ok {
				// Store.Close cancels ctx and closes the notifier's Events
				// channel from the same call, so both cases can be ready at
				// once and select may pick this one; re-check ctx so a
				// disposal is always reported as DropDisposed rather than
				// racing DropNotifierClosed.
				if ctx.Err() != nil {
					s.drop(ctx, ctx.Err())
					return
				}
				s.dropReason(DropNotifierClosed, nil)
				return
			}
		case <-ticker.C:
		}

		if caughtUp {
			caughtUp = false
			if s.opts.OnCaughtUp != nil {
				s.opts.OnCaughtUp(false)
			}
		}

		updated, ok := s.drain(ctx, next)
		if !ok {
			return
		}
		next = updated

		if !caughtUp {
			caughtUp = true
			if s.opts.OnCaughtUp != nil {
				s.opts.OnCaughtUp(true)
			}
		}
	}
}

// drop classifies err (context cancellation means client/store-initiated
// disposal, per spec.md §4.F) and reports it exactly once.
func (s *Subscription) drop(ctx context.Context, err error) {
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		s.dropReason(DropDisposed, nil)
		return
	}
	s.dropReason(DropEngineError, err)
}

func (s *Subscription) dropReason(reason DropReason, err error) {
	s.dropOnce.Do(func() {
		s.setState(stateFor(reason))
		if err != nil {
			s.log.Warn("subscription dropped", logpkg.Str("reason", reason.String()), logpkg.Err(err))
		} else {
			s.log.Debug("subscription dropped", logpkg.Str("reason", reason.String()))
		}
		if s.opts.OnDropped != nil {
			s.opts.OnDropped(reason, err)
		}
	})
}

func stateFor(reason DropReason) State {
	if reason == DropDisposed {
		return Disposed
	}
	return Dropped
}
