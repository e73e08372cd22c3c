// Package store implements the read façade (component D): the public
// surface that wires the metadata-age cache, expiry filter, gap
// reconciler, head-position notifier, and subscription runtime on top of
// a bare storage-engine adapter.
//
// Grounded on internal/runtime/runtime.go's role as the top-level object
// that owns a storage backend and hands out request-scoped operations,
// generalized here from a namespace/workqueue runtime into an event-store
// read façade; subscription wiring is grounded on
// internal/services/streams/service.go's per-call subscription setup.
package store

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/ledger/internal/clock"
	"github.com/rzbill/ledger/internal/engine"
	"github.com/rzbill/ledger/internal/expiry"
	"github.com/rzbill/ledger/internal/gapreconciler"
	"github.com/rzbill/ledger/internal/metacache"
	"github.com/rzbill/ledger/internal/notifier"
	"github.com/rzbill/ledger/internal/subscription"
	"github.com/rzbill/ledger/pkg/id"
	logpkg "github.com/rzbill/ledger/pkg/log"
)

// Store is the read façade: every read, metadata lookup, and subscription
// a caller performs against the ledger goes through here. It owns no
// write path — callers append and administer streams directly against an
// engine.WriteEngine.
type Store struct {
	engine engine.ReadEngine
	opts   Options
	log    logpkg.Logger
	clock  clock.Func

	cache      *metacache.Cache
	filter     *expiry.Filter
	reconciler *gapreconciler.Reconciler
	notify     *notifier.Notifier
	idGen      *id.Generator

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	disposed bool
}

// New constructs a Store bound to eng and starts its background head-
// position notifier. Callers must call Close to release the background
// goroutine and terminate any live subscriptions.
func New(eng engine.ReadEngine, opts Options) (*Store, error) {
	if eng == nil {
		return nil, argErr("engine must not be nil")
	}
	opts = opts.withDefaults()
	log := opts.Logger.WithComponent("store").With(logpkg.Str("instance", opts.LogName))

	cache := metacache.New(metacache.Options{
		MaxSize: opts.MetadataCacheMaxSize,
		Expiry:  opts.MetadataCacheExpiry,
		Clock:   opts.Clock,
		Loader: func(ctx context.Context, streamID string) (*uint32, bool, error) {
			meta, err := eng.GetStreamMetadataInternal(ctx, streamID)
			if err != nil {
				return nil, false, err
			}
			return meta.MaxAgeSeconds, meta.Exists, nil
		},
	})

	filter := expiry.New(expiry.Options{
		Cache: cache,
		Clock: opts.Clock,
		Purge: eng.PurgeExpiredMessage,
		Logger: opts.Logger,
	})

	reconciler := gapreconciler.New(eng.ReadAllForwardsInternal, opts.GapReloadInterval, opts.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	s := &Store{
		engine:     eng,
		opts:       opts,
		log:        log,
		clock:      opts.Clock,
		cache:      cache,
		filter:     filter,
		reconciler: reconciler,
		idGen:      id.NewGenerator(),
		ctx:        ctx,
		cancel:     cancel,
		group:      g,
	}

	s.notify = notifier.New(notifier.Options{
		ReadHeadPosition: eng.ReadHeadPositionInternal,
		PollInterval:     opts.PollInterval,
		Logger:           opts.Logger,
	})
	g.Go(func() error {
		err := s.notify.Run(gctx)
		if err != nil && errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	return s, nil
}

// Close disposes the Store: it cancels the notifier loop, drops every
// live subscription with DropDisposed, and makes every subsequent read
// or subscribe call return ErrDisposed. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	s.mu.Unlock()

	s.cancel()
	_ = s.group.Wait()
	return nil
}

func (s *Store) checkDisposed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrDisposed
	}
	return nil
}

func validateMaxCount(max int) error {
	if max < 1 {
		return argErr("max_count must be >= 1, got %d", max)
	}
	return nil
}

// ReadAllForwards reads forward across the whole store starting at
// fromPosition (>= 0), gap-reconciling and expiry-filtering the result.
func (s *Store) ReadAllForwards(ctx context.Context, fromPosition int64, max int, prefetch bool) (AllPage, error) {
	if err := s.checkDisposed(); err != nil {
		return AllPage{}, err
	}
	if fromPosition < 0 {
		return AllPage{}, argErr("from_position must be >= 0, got %d", fromPosition)
	}
	if err := validateMaxCount(max); err != nil {
		return AllPage{}, err
	}

	raw, err := s.reconciler.ReadForwards(ctx, fromPosition, max, prefetch)
	if err != nil {
		return AllPage{}, wrapEngineErr(err)
	}
	raw.Messages = s.filter.Apply(ctx, raw.Messages)

	return s.bindAllPage(raw, max, prefetch), nil
}

// ReadAllBackwards reads backward across the whole store starting at
// fromPosition (>= -1, where -1 means "from the current head").
func (s *Store) ReadAllBackwards(ctx context.Context, fromPosition int64, max int, prefetch bool) (AllPage, error) {
	if err := s.checkDisposed(); err != nil {
		return AllPage{}, err
	}
	if fromPosition < -1 {
		return AllPage{}, argErr("from_position must be >= -1, got %d", fromPosition)
	}
	if err := validateMaxCount(max); err != nil {
		return AllPage{}, err
	}

	raw, err := s.engine.ReadAllBackwardsInternal(ctx, fromPosition, max, prefetch)
	if err != nil {
		return AllPage{}, wrapEngineErr(err)
	}
	raw.Messages = s.filter.Apply(ctx, raw.Messages)

	return s.bindAllPageBackwards(raw, max, prefetch), nil
}

func (s *Store) bindAllPage(raw engine.RawAllPage, max int, prefetch bool) AllPage {
	p := AllPage{
		FromPosition: raw.FromPosition,
		NextPosition: raw.NextPosition,
		IsEnd:        raw.IsEnd,
		Direction:    raw.Direction,
		Messages:     raw.Messages,
	}
	p.readNext = func(ctx context.Context) (AllPage, error) {
		return s.ReadAllForwards(ctx, p.NextPosition, max, prefetch)
	}
	return p
}

func (s *Store) bindAllPageBackwards(raw engine.RawAllPage, max int, prefetch bool) AllPage {
	p := AllPage{
		FromPosition: raw.FromPosition,
		NextPosition: raw.NextPosition,
		IsEnd:        raw.IsEnd,
		Direction:    raw.Direction,
		Messages:     raw.Messages,
	}
	p.readNext = func(ctx context.Context) (AllPage, error) {
		return s.ReadAllBackwards(ctx, p.NextPosition, max, prefetch)
	}
	return p
}

// ReadStreamForwards reads a single stream forward starting at
// fromVersion (>= 0).
func (s *Store) ReadStreamForwards(ctx context.Context, streamID string, fromVersion int64, max int, prefetch bool) (StreamPage, error) {
	if err := s.checkDisposed(); err != nil {
		return StreamPage{}, err
	}
	if streamID == "" {
		return StreamPage{}, argErr("stream_id must not be empty")
	}
	if fromVersion < 0 {
		return StreamPage{}, argErr("from_version must be >= 0, got %d", fromVersion)
	}
	if err := validateMaxCount(max); err != nil {
		return StreamPage{}, err
	}

	raw, err := s.engine.ReadStreamForwardsInternal(ctx, streamID, fromVersion, max, prefetch)
	if err != nil {
		return StreamPage{}, wrapEngineErr(err)
	}
	raw.Messages = s.filter.Apply(ctx, raw.Messages)

	return s.bindStreamPage(raw, max, prefetch, true), nil
}

// ReadStreamBackwards reads a single stream backward starting at
// fromVersion (>= -1, where -1 means "from the current head").
func (s *Store) ReadStreamBackwards(ctx context.Context, streamID string, fromVersion int64, max int, prefetch bool) (StreamPage, error) {
	if err := s.checkDisposed(); err != nil {
		return StreamPage{}, err
	}
	if streamID == "" {
		return StreamPage{}, argErr("stream_id must not be empty")
	}
	if fromVersion < -1 {
		return StreamPage{}, argErr("from_version must be >= -1, got %d", fromVersion)
	}
	if err := validateMaxCount(max); err != nil {
		return StreamPage{}, err
	}

	raw, err := s.engine.ReadStreamBackwardsInternal(ctx, streamID, fromVersion, max, prefetch)
	if err != nil {
		return StreamPage{}, wrapEngineErr(err)
	}
	raw.Messages = s.filter.Apply(ctx, raw.Messages)

	return s.bindStreamPage(raw, max, prefetch, false), nil
}

func (s *Store) bindStreamPage(raw engine.RawStreamPage, max int, prefetch, forwards bool) StreamPage {
	p := StreamPage{
		StreamID:     raw.StreamID,
		Status:       raw.Status,
		FromVersion:  raw.FromVersion,
		NextVersion:  raw.NextVersion,
		LastVersion:  raw.LastVersion,
		LastPosition: raw.LastPosition,
		Direction:    raw.Direction,
		IsEnd:        raw.IsEnd,
		Messages:     raw.Messages,
	}
	if forwards {
		p.readNext = func(ctx context.Context) (StreamPage, error) {
			return s.ReadStreamForwards(ctx, p.StreamID, p.NextVersion, max, prefetch)
		}
	} else {
		p.readNext = func(ctx context.Context) (StreamPage, error) {
			return s.ReadStreamBackwards(ctx, p.StreamID, p.NextVersion, max, prefetch)
		}
	}
	return p
}

// GetStreamMetadata returns a stream's current metadata. It reads the
// authoritative value straight from the engine, bypassing the metadata-age
// cache, and then invalidates the stream's cache entry so the next expiry
// decision reloads it.
func (s *Store) GetStreamMetadata(ctx context.Context, streamID string) (engine.StreamMetadataResult, error) {
	if err := s.checkDisposed(); err != nil {
		return engine.StreamMetadataResult{}, err
	}
	if streamID == "" {
		return engine.StreamMetadataResult{}, argErr("stream_id must not be empty")
	}
	if engine.IsSystemStream(streamID) && streamID != engine.DeletedStreamID {
		return engine.StreamMetadataResult{}, argErr("stream_id must not start with '$' except the well-known deleted-stream id")
	}
	meta, err := s.engine.GetStreamMetadataInternal(ctx, streamID)
	if err != nil {
		return engine.StreamMetadataResult{}, wrapEngineErr(err)
	}
	s.cache.Invalidate(streamID)
	return meta, nil
}

// ReadHeadPosition returns the current head position of the all-stream.
func (s *Store) ReadHeadPosition(ctx context.Context) (int64, error) {
	if err := s.checkDisposed(); err != nil {
		return 0, err
	}
	head, err := s.engine.ReadHeadPositionInternal(ctx)
	if err != nil {
		return 0, wrapEngineErr(err)
	}
	return head, nil
}

// SubscribeOptions configures a subscription created via SubscribeToStream
// or SubscribeToAll.
type SubscribeOptions struct {
	// Name identifies the subscription in logs; auto-generated if empty.
	Name string
	// ContinueAfter is the exclusive continuation cursor (a stream version
	// for SubscribeToStream, a global position for SubscribeToAll); nil
	// means "start from the current head".
	ContinueAfter *int64
	MaxBatch      int
	Prefetch      bool
	OnMessage     subscription.OnMessageFunc
	OnDropped     subscription.OnDroppedFunc
	OnCaughtUp    subscription.OnCaughtUpFunc
	// TypeFilter, if set, narrows delivery to messages whose Type it
	// accepts. See subscription.Options.TypeFilter.
	TypeFilter func(messageType string) bool
}

// SubscribeToStream starts a subscription over a single stream's messages.
// The returned cancel function stops the subscription; it is idempotent
// and safe to call concurrently with delivery.
func (s *Store) SubscribeToStream(ctx context.Context, streamID string, opts SubscribeOptions) (func(), error) {
	if err := s.checkDisposed(); err != nil {
		return nil, err
	}
	if streamID == "" {
		return nil, argErr("stream_id must not be empty")
	}

	name := opts.Name
	if name == "" {
		name = s.idGen.Next().String()
	}

	events, unsub := s.notify.Subscribe()
	subCtx, cancel := context.WithCancel(s.ctx)

	read := func(ctx context.Context, fromVersion int64, max int, prefetch bool) (subscription.Page, error) {
		page, err := s.ReadStreamForwards(ctx, streamID, fromVersion, max, prefetch)
		if err != nil {
			return subscription.Page{}, err
		}
		return subscription.Page{Messages: page.Messages, NextCursor: page.NextVersion, IsEnd: page.IsEnd}, nil
	}
	headCursor := func(ctx context.Context) (int64, error) {
		page, err := s.ReadStreamBackwards(ctx, streamID, -1, 1, false)
		if err != nil {
			return 0, err
		}
		if page.Status == engine.StatusNotFound || len(page.Messages) == 0 {
			return -1, nil
		}
		return int64(page.Messages[0].StreamVersion), nil
	}

	sub := subscription.New(opts.ContinueAfter, subscription.Options{
		Name:               name,
		Kind:               "stream",
		Prefetch:           opts.Prefetch,
		MaxBatch:           opts.MaxBatch,
		Read:               read,
		HeadCursor:         headCursor,
		Events:             eventsChan(events),
		UnsubscribeAll:     unsub,
		OnMessage:          opts.OnMessage,
		OnDropped:          opts.OnDropped,
		OnCaughtUp:         opts.OnCaughtUp,
		TypeFilter:         opts.TypeFilter,
		Logger:             s.opts.Logger,
	})

	s.group.Go(func() error {
		sub.Run(subCtx)
		return nil
	})

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// SubscribeToAll starts a subscription over the whole store's messages in
// position order.
func (s *Store) SubscribeToAll(ctx context.Context, opts SubscribeOptions) (func(), error) {
	if err := s.checkDisposed(); err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = s.idGen.Next().String()
	}

	events, unsub := s.notify.Subscribe()
	subCtx, cancel := context.WithCancel(s.ctx)

	read := func(ctx context.Context, fromPosition int64, max int, prefetch bool) (subscription.Page, error) {
		page, err := s.ReadAllForwards(ctx, fromPosition, max, prefetch)
		if err != nil {
			return subscription.Page{}, err
		}
		return subscription.Page{Messages: page.Messages, NextCursor: page.NextPosition, IsEnd: page.IsEnd}, nil
	}
	headCursor := func(ctx context.Context) (int64, error) {
		return s.ReadHeadPosition(ctx)
	}

	sub := subscription.New(opts.ContinueAfter, subscription.Options{
		Name:               name,
		Kind:               "all",
		Prefetch:           opts.Prefetch,
		MaxBatch:           opts.MaxBatch,
		Read:               read,
		HeadCursor:         headCursor,
		Events:             eventsChan(events),
		UnsubscribeAll:     unsub,
		OnMessage:          opts.OnMessage,
		OnDropped:          opts.OnDropped,
		OnCaughtUp:         opts.OnCaughtUp,
		TypeFilter:         opts.TypeFilter,
		Logger:             s.opts.Logger,
	})

	s.group.Go(func() error {
		sub.Run(subCtx)
		return nil
	})

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// eventsChan adapts a notifier.Event channel into the plain wake signal
// subscription.Options expects; the subscription only cares that a tick
// occurred, never the event payload (it always re-reads authoritatively).
func eventsChan(in <-chan notifier.Event) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for range in {
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out
}
