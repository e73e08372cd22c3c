// Package expiry implements the expiry filter (component B): it drops
// messages older than their stream's max_age from a read page's message
// slice, without ever touching the page's cursor fields, and fires an
// async purge for each dropped message.
package expiry

import (
	"context"
	"time"

	"github.com/rzbill/ledger/internal/clock"
	"github.com/rzbill/ledger/internal/engine"
	"github.com/rzbill/ledger/internal/metacache"
	logpkg "github.com/rzbill/ledger/pkg/log"
)

// PurgeFunc physically removes an expired message. Failures are logged, not
// propagated — corresponds to the ExpiryPurgeFailed error kind, which is
// never surfaced to callers.
type PurgeFunc func(ctx context.Context, msg engine.Message) error

// Filter drops expired messages from read pages.
type Filter struct {
	cache *metacache.Cache
	clock clock.Func
	purge PurgeFunc
	log   logpkg.Logger
}

// Options configures a new Filter.
type Options struct {
	Cache  *metacache.Cache
	Clock  clock.Func
	Purge  PurgeFunc
	Logger logpkg.Logger
}

func New(opts Options) *Filter {
	cl := opts.Clock
	if cl == nil {
		cl = clock.System
	}
	lg := opts.Logger
	if lg == nil {
		lg = logpkg.NewLogger()
	}
	return &Filter{cache: opts.Cache, clock: cl, purge: opts.Purge, log: lg.WithComponent("expiry")}
}

// Apply returns a new slice holding the subset of messages that survives;
// the input slice is not modified.
// Cursor fields belong to the caller and are never touched here — a
// filtered page may end up shorter than the raw engine page, even empty,
// while is_end remains false; callers must keep calling read_next.
func (f *Filter) Apply(ctx context.Context, messages []engine.Message) []engine.Message {
	if len(messages) == 0 {
		return messages
	}
	now := f.clock()
	kept := make([]engine.Message, 0, len(messages))
	for _, m := range messages {
		if engine.IsSystemStream(m.StreamID) {
			kept = append(kept, m)
			continue
		}
		maxAge, err := f.cache.GetMaxAge(ctx, m.StreamID)
		if err != nil {
			// A cache load failure must not make otherwise-valid messages
			// disappear; treat as "no limit" for this read.
			f.log.Warn("metadata lookup failed, treating message as not expired",
				logpkg.Str("stream_id", m.StreamID), logpkg.Err(err))
			kept = append(kept, m)
			continue
		}
		if maxAge == nil {
			kept = append(kept, m)
			continue
		}
		expiresAt := m.CreatedUTC.Add(secondsToDuration(*maxAge))
		if now.Before(expiresAt) {
			kept = append(kept, m)
			continue
		}
		f.purgeAsync(m)
	}
	return kept
}

func secondsToDuration(seconds uint32) time.Duration {
	return time.Duration(seconds) * time.Second
}

func (f *Filter) purgeAsync(m engine.Message) {
	go func() {
		if err := f.purge(context.Background(), m); err != nil {
			f.log.Warn("expiry purge failed",
				logpkg.Str("stream_id", m.StreamID),
				logpkg.Int64("position", m.Position),
				logpkg.Err(err))
		}
	}()
}
