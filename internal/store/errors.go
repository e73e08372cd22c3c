package store

import (
	"errors"
	"fmt"
)

// ErrArgument reports an invalid argument: a bad stream id, an
// out-of-range cursor, or a non-positive max_count.
var ErrArgument = errors.New("store: invalid argument")

// ErrDisposed reports an operation attempted on a disposed Store.
var ErrDisposed = errors.New("store: disposed")

// ErrSubscriber names the subscriber-error kind. No Store method returns
// it, and OnDropped does not receive it either: a subscription dropped by
// its delivery callback reports reason DropSubscriberError together with
// the callback's own error, unwrapped.
var ErrSubscriber = errors.New("store: subscriber error")

// argErr wraps ErrArgument with a human-readable detail while remaining
// matchable via errors.Is(err, ErrArgument).
func argErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrArgument, fmt.Sprintf(format, args...))
}

// ErrEngine marks an underlying storage-engine error; wrapEngineErr wraps
// the cause so callers can detect it with errors.Is while still seeing the
// original cause via %w chaining.
var ErrEngine = errors.New("store: engine error")

func wrapEngineErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrEngine, err)
}
