// Package gapreconciler implements the gap-tolerant forward all-stream read
// (component C): it distinguishes transient position-sequence holes (an
// in-flight reservation not yet committed) from permanent ones (a rolled
// back transaction) by re-reading the same starting position after a delay.
package gapreconciler

import (
	"context"
	"time"

	"github.com/rzbill/ledger/internal/engine"
	logpkg "github.com/rzbill/ledger/pkg/log"
)

// ReadFunc performs one raw forward all-stream read. The reconciler never
// calls anything else on the engine.
type ReadFunc func(ctx context.Context, fromPosition int64, max int, prefetch bool) (engine.RawAllPage, error)

// Reconciler wraps a ReadFunc with the reload-and-compare algorithm.
type Reconciler struct {
	read        ReadFunc
	reloadDelay time.Duration
	log         logpkg.Logger
}

// New constructs a Reconciler. reloadDelay defaults to 3s if zero or negative.
func New(read ReadFunc, reloadDelay time.Duration, log logpkg.Logger) *Reconciler {
	if reloadDelay <= 0 {
		reloadDelay = 3 * time.Second
	}
	if log == nil {
		log = logpkg.NewLogger()
	}
	return &Reconciler{read: read, reloadDelay: reloadDelay, log: log.WithComponent("gapreconciler")}
}

// ReadForwards returns a raw all-stream page starting at fromPosition,
// reconciling any position gaps observed along the way.
func (r *Reconciler) ReadForwards(ctx context.Context, fromPosition int64, max int, prefetch bool) (engine.RawAllPage, error) {
	page, err := r.read(ctx, fromPosition, max, prefetch)
	if err != nil {
		return page, err
	}

	// Fast path: gaps at the tail of a non-terminal page, or in pages too
	// small to have an internal gap, would be spurious to reconcile.
	if !page.IsEnd || len(page.Messages) <= 1 {
		return page, nil
	}

	if page.Messages[0].Position != fromPosition {
		reloaded, err := r.reload(ctx, fromPosition, max, prefetch)
		if err != nil {
			return page, err
		}
		page = reloaded
	}

	prevMissing := map[int64]struct{}{}
	for {
		currentMissing := missingPositions(page)
		fresh := subtract(currentMissing, prevMissing)
		if len(fresh) == 0 {
			// Any remaining gaps have now been observed twice, reload_delay
			// apart, without resolving: they are persistent rollbacks.
			return page, nil
		}
		prevMissing = currentMissing
		reloaded, err := r.reload(ctx, fromPosition, max, prefetch)
		if err != nil {
			return page, err
		}
		page = reloaded
	}
}

func (r *Reconciler) reload(ctx context.Context, fromPosition int64, max int, prefetch bool) (engine.RawAllPage, error) {
	if err := sleepCtx(ctx, r.reloadDelay); err != nil {
		return engine.RawAllPage{}, err
	}
	return r.read(ctx, fromPosition, max, prefetch)
}

func missingPositions(page engine.RawAllPage) map[int64]struct{} {
	missing := make(map[int64]struct{})
	for i := 0; i+1 < len(page.Messages); i++ {
		lo := page.Messages[i].Position + 1
		hi := page.Messages[i+1].Position
		for p := lo; p < hi; p++ {
			missing[p] = struct{}{}
		}
	}
	return missing
}

func subtract(a, b map[int64]struct{}) map[int64]struct{} {
	out := make(map[int64]struct{})
	for p := range a {
		if _, ok := b[p]; !ok {
			out[p] = struct{}{}
		}
	}
	return out
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
