package store

import (
	"context"

	"github.com/rzbill/ledger/internal/engine"
)

// StreamPage is a page of a single stream's messages, carrying a
// continuation closure bound to "read the page that logically follows
// this one under the same direction and options" (spec.md §3 invariant 5,
// §9's continuation-closure design note).
type StreamPage struct {
	StreamID     string
	Status       engine.StreamStatus
	FromVersion  int64
	NextVersion  int64
	LastVersion  int64
	LastPosition int64
	Direction    engine.Direction
	IsEnd        bool
	Messages     []engine.Message

	readNext func(ctx context.Context) (StreamPage, error)
}

// ReadNext invokes the bound continuation. If the page's owning Store has
// since been disposed, it returns ErrDisposed — the closure holds only a
// weak reference (the store's disposed flag is checked on every call, not
// captured at bind time).
func (p StreamPage) ReadNext(ctx context.Context) (StreamPage, error) {
	if p.readNext == nil {
		return StreamPage{}, ErrDisposed
	}
	return p.readNext(ctx)
}

// AllPage is a page of all-stream messages, carrying the same kind of
// continuation closure as StreamPage.
type AllPage struct {
	FromPosition int64
	NextPosition int64
	IsEnd        bool
	Direction    engine.Direction
	Messages     []engine.Message

	readNext func(ctx context.Context) (AllPage, error)
}

// ReadNext invokes the bound continuation.
func (p AllPage) ReadNext(ctx context.Context) (AllPage, error) {
	if p.readNext == nil {
		return AllPage{}, ErrDisposed
	}
	return p.readNext(ctx)
}
