package engine

import "context"

// ReadEngine is the narrow read-side boundary the core depends on (component
// G). All methods must be safe for concurrent invocation. Implementations
// never see the gap reconciler, expiry filter, or metadata cache — those
// live above this contract.
type ReadEngine interface {
	ReadAllForwardsInternal(ctx context.Context, fromPosition int64, max int, prefetch bool) (RawAllPage, error)
	ReadAllBackwardsInternal(ctx context.Context, fromPosition int64, max int, prefetch bool) (RawAllPage, error)
	ReadStreamForwardsInternal(ctx context.Context, streamID string, fromVersion int64, max int, prefetch bool) (RawStreamPage, error)
	ReadStreamBackwardsInternal(ctx context.Context, streamID string, fromVersion int64, max int, prefetch bool) (RawStreamPage, error)
	ReadHeadPositionInternal(ctx context.Context) (int64, error)
	GetStreamMetadataInternal(ctx context.Context, streamID string) (StreamMetadataResult, error)
	PurgeExpiredMessage(ctx context.Context, msg Message) error
}

// WriteEngine is the append/administrative surface. It is outside the
// specified read-path core but is required for the concrete embedded engine
// to be independently useful and testable end-to-end.
type WriteEngine interface {
	Append(ctx context.Context, streamID string, expectedVersion int64, messages []NewMessage) (AppendResult, error)
	DeleteStream(ctx context.Context, streamID string) error
	DeleteMessage(ctx context.Context, streamID string, version uint32) error
	SetStreamMetadata(ctx context.Context, streamID string, maxAgeSeconds, maxCount *uint32, metadataJSON []byte, expectedMetadataVersion int64) (uint32, error)
}

// ExpectedVersionAny disables the optimistic-concurrency check on Append.
const ExpectedVersionAny int64 = -2

// ExpectedVersionNoStream asserts the stream does not yet exist.
const ExpectedVersionNoStream int64 = -1
