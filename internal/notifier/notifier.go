// Package notifier implements the head-position notifier (component E): a
// single polling loop that turns a pull-only "read the head position"
// probe into a push-style "streams updated" event, fanned out to any
// number of independent, independently-cancellable subscribers.
//
// Grounded on the per-subscriber outbound channel used for live delivery in
// the teacher's streaming service (internal/services/streams/service.go,
// streamSubscribeSingle's outCh) and the notify-channel wakeup in
// internal/eventlog/blocking.go's Log.WaitForAppend, generalized here into
// a broadcast fan-out instead of a single reader's private channel.
package notifier

import (
	"context"
	"sync"
	"time"

	logpkg "github.com/rzbill/ledger/pkg/log"
)

// Event is emitted whenever the head position advances. StreamCounts is a
// hint only — spec.md §4.E does not require it to be populated; subscribers
// must treat it as advisory and catch up by reading.
type Event struct {
	Head         int64
	StreamCounts map[string]int
}

// ReadHeadPositionFunc probes the current head position.
type ReadHeadPositionFunc func(ctx context.Context) (int64, error)

// Options configures a Notifier.
type Options struct {
	ReadHeadPosition ReadHeadPositionFunc
	PollInterval     time.Duration // default 1s
	SubscriberBuffer int           // default 16, drop-oldest once full
	Logger           logpkg.Logger
}

// Notifier polls ReadHeadPosition and fans a "streams updated" Event out to
// every current subscriber when the head advances. Late subscribers never
// see past events. A slow observer never blocks the publisher: once its
// buffer is full, its oldest queued event is dropped to make room.
type Notifier struct {
	readHead ReadHeadPosition
	interval time.Duration
	bufSize  int
	log      logpkg.Logger

	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	started chan struct{}
	once    sync.Once
}

// ReadHeadPosition is re-exported for callers that want the function type
// name to read naturally at the call site.
type ReadHeadPosition = ReadHeadPositionFunc

// New constructs a Notifier. PollInterval defaults to 1s if zero/negative.
func New(opts Options) *Notifier {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	buf := opts.SubscriberBuffer
	if buf <= 0 {
		buf = 16
	}
	lg := opts.Logger
	if lg == nil {
		lg = logpkg.NewLogger()
	}
	return &Notifier{
		readHead: opts.ReadHeadPosition,
		interval: interval,
		bufSize:  buf,
		log:      lg.WithComponent("notifier"),
		subs:     make(map[int]chan Event),
		started:  make(chan struct{}),
	}
}

// Started returns a channel that closes the first time a head-position read
// completes successfully. This resolves spec.md §9's open question: an
// implementer must choose between "first successful poll" and "first event
// emitted"; this notifier uses the former, since the head may never advance
// and should not permanently prevent callers from observing readiness.
func (n *Notifier) Started() <-chan struct{} {
	return n.started
}

// Run executes the notifier's single background task until ctx is
// cancelled. Callers normally launch Run in its own goroutine (e.g. via an
// errgroup owned by the store) and rely on ctx cancellation for shutdown.
func (n *Notifier) Run(ctx context.Context) error {
	previous := int64(-1)
	for {
		if ctx.Err() != nil {
			n.closeAll()
			return ctx.Err()
		}

		head, err := n.readReliably(ctx)
		if err != nil {
			n.closeAll()
			return err
		}

		if previous == -1 {
			previous = head
			n.markStarted()
		} else if head > previous {
			previous = head
			n.broadcast(Event{Head: head})
		}

		if err := sleepCtx(ctx, n.interval); err != nil {
			n.closeAll()
			return err
		}
	}
}

// readReliably retries the head-position probe indefinitely on error,
// honouring cancellation — a deliberate availability choice (spec.md §7):
// a temporarily unreachable store must not permanently silence subscribers.
func (n *Notifier) readReliably(ctx context.Context) (int64, error) {
	for {
		head, err := n.readHead(ctx)
		if err == nil {
			return head, nil
		}
		n.log.Error("head position poll failed, retrying", logpkg.Err(err))
		if serr := sleepCtx(ctx, n.interval); serr != nil {
			return 0, serr
		}
	}
}

func (n *Notifier) markStarted() {
	n.once.Do(func() { close(n.started) })
}

// Subscribe registers a new observer and returns its event channel plus a
// cancel function. Cancel is idempotent and safe to call concurrently with
// broadcast.
func (n *Notifier) Subscribe() (<-chan Event, func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	ch := make(chan Event, n.bufSize)
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			if c, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(c)
			}
			n.mu.Unlock()
		})
	}
	return ch, cancel
}

func (n *Notifier) broadcast(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		select {
		case ch <- ev:
		default:
			// Buffer full: drop the oldest queued event to make room rather
			// than block the publisher or the other subscribers.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
			n.log.Warn("dropped notifier event for slow subscriber", logpkg.Int("subscriber_id", id))
		}
	}
}

func (n *Notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
