package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/rzbill/ledger/internal/clock"
	pebblestore "github.com/rzbill/ledger/internal/storage/pebble"
	logpkg "github.com/rzbill/ledger/pkg/log"
)

// Engine is the one concrete, embedded ReadEngine/WriteEngine implementation,
// backed by Pebble. It owns both the write path (append, deletes, metadata)
// and the raw read path the core's gap reconciler/expiry filter/metadata
// cache sit on top of.
type Engine struct {
	db    *pebblestore.DB
	pos   *positionAllocator
	clock clock.Func
	log   logpkg.Logger

	mu sync.Mutex // serializes appends and metadata writes per engine instance
}

// Options configures a new Engine.
type Options struct {
	DB         *pebblestore.DB
	Clock      clock.Func
	Logger     logpkg.Logger
	BufferSize int // position allocator reservation size; 0 uses the default
}

// Open constructs an Engine over an already-open Pebble database.
func Open(opts Options) (*Engine, error) {
	if opts.DB == nil {
		return nil, errors.New("engine: Options.DB is required")
	}
	pos, err := newPositionAllocator(opts.DB, opts.BufferSize)
	if err != nil {
		return nil, err
	}
	cl := opts.Clock
	if cl == nil {
		cl = clock.System
	}
	lg := opts.Logger
	if lg == nil {
		lg = logpkg.NewLogger()
	}
	return &Engine{db: opts.DB, pos: pos, clock: cl, log: lg.WithComponent("engine")}, nil
}

// --- Write path -------------------------------------------------------

func (e *Engine) Append(ctx context.Context, streamID string, expectedVersion int64, messages []NewMessage) (AppendResult, error) {
	if streamID == "" {
		return AppendResult{}, errors.New("engine: streamID is required")
	}
	if len(messages) == 0 {
		return AppendResult{}, errors.New("engine: at least one message is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	meta, err := e.loadStreamMeta(streamID)
	if err != nil {
		return AppendResult{}, err
	}

	var lastVersion int64 = -1
	if meta != nil {
		lastVersion = int64(meta.lastVersion)
	}

	switch expectedVersion {
	case ExpectedVersionAny:
		// no check
	case ExpectedVersionNoStream:
		if meta != nil {
			return AppendResult{}, ErrWrongExpectedVersion
		}
	default:
		if expectedVersion != lastVersion {
			return AppendResult{}, ErrWrongExpectedVersion
		}
	}

	b := e.db.NewBatch()
	defer b.Close()

	now := e.clock()
	firstVersion := uint32(lastVersion + 1)
	version := firstVersion
	var lastPosition int64

	for _, m := range messages {
		id := m.MessageID
		if id == uuid.Nil {
			id = uuid.New()
		}
		header := messageHeader{
			MessageID:    id,
			Type:         m.Type,
			CreatedUTC:   now,
			JSONMetadata: json.RawMessage(nonNilJSON(m.JSONMetadata)),
		}
		record, err := encodeMessageRecord(header, m.JSONData)
		if err != nil {
			return AppendResult{}, err
		}
		if err := b.Set(KeyStreamEntry(streamID, version), record, nil); err != nil {
			return AppendResult{}, err
		}

		position, err := e.pos.next()
		if err != nil {
			return AppendResult{}, err
		}
		if err := b.Set(KeyAllEntry(position), encodeAllLink(streamID, version), nil); err != nil {
			return AppendResult{}, err
		}
		lastPosition = position
		version++
	}

	newMeta := streamMeta{lastVersion: version - 1}
	if meta != nil {
		newMeta.metadataVersion = meta.metadataVersion
		newMeta.maxAgeSeconds = meta.maxAgeSeconds
		newMeta.maxCount = meta.maxCount
		newMeta.metadataJSON = meta.metadataJSON
		newMeta.hasMetadata = meta.hasMetadata
	}
	if err := e.putStreamMeta(b, streamID, newMeta); err != nil {
		return AppendResult{}, err
	}

	if err := e.db.CommitBatch(ctx, b); err != nil {
		return AppendResult{}, err
	}

	return AppendResult{StreamID: streamID, FirstVersion: firstVersion, LastVersion: version - 1, LastPosition: lastPosition}, nil
}

func (e *Engine) DeleteStream(ctx context.Context, streamID string) error {
	if streamID == "" {
		return errors.New("engine: streamID is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	meta, err := e.loadStreamMeta(streamID)
	if err != nil {
		return err
	}
	if meta == nil {
		return ErrStreamNotFound
	}

	low := KeyStreamEntryLowBound(streamID)
	hi := KeyStreamEntryHighBound(streamID)
	b := e.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(low, hi, nil); err != nil {
		return err
	}
	if err := b.Delete(KeyStreamMeta(streamID), nil); err != nil {
		return err
	}

	tombstone := messageHeader{MessageID: uuid.New(), Type: "stream-deleted", CreatedUTC: e.clock()}
	payload, _ := json.Marshal(map[string]string{"stream_id": streamID})
	record, err := encodeMessageRecord(tombstone, payload)
	if err != nil {
		return err
	}
	delMeta, err := e.loadStreamMeta(DeletedStreamID)
	if err != nil {
		return err
	}
	delVersion := uint32(0)
	if delMeta != nil {
		delVersion = delMeta.lastVersion + 1
	}
	if err := b.Set(KeyStreamEntry(DeletedStreamID, delVersion), record, nil); err != nil {
		return err
	}
	position, err := e.pos.next()
	if err != nil {
		return err
	}
	if err := b.Set(KeyAllEntry(position), encodeAllLink(DeletedStreamID, delVersion), nil); err != nil {
		return err
	}
	if err := e.putStreamMeta(b, DeletedStreamID, streamMeta{lastVersion: delVersion}); err != nil {
		return err
	}

	return e.db.CommitBatch(ctx, b)
}

func (e *Engine) DeleteMessage(ctx context.Context, streamID string, version uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db.Delete(KeyStreamEntry(streamID, version))
}

// PurgeExpiredMessage is the engine-side hook the expiry filter invokes
// fire-and-forget when a read observes an expired message.
func (e *Engine) PurgeExpiredMessage(ctx context.Context, msg Message) error {
	return e.DeleteMessage(ctx, msg.StreamID, msg.StreamVersion)
}

func (e *Engine) SetStreamMetadata(ctx context.Context, streamID string, maxAgeSeconds, maxCount *uint32, metadataJSON []byte, expectedMetadataVersion int64) (uint32, error) {
	if IsSystemStream(streamID) {
		return 0, ErrSystemStreamMetadata
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	meta, err := e.loadStreamMeta(streamID)
	if err != nil {
		return 0, err
	}
	var current streamMeta
	if meta != nil {
		current = *meta
	}
	if expectedMetadataVersion != ExpectedVersionAny {
		var have int64 = -1
		if current.hasMetadata {
			have = int64(current.metadataVersion)
		}
		if expectedMetadataVersion != have {
			return 0, ErrWrongExpectedVersion
		}
	}

	newVersion := current.metadataVersion
	if current.hasMetadata {
		newVersion++
	}
	current.hasMetadata = true
	current.metadataVersion = newVersion
	current.maxAgeSeconds = maxAgeSeconds
	current.maxCount = maxCount
	current.metadataJSON = metadataJSON

	b := e.db.NewBatch()
	defer b.Close()
	if err := e.putStreamMeta(b, streamID, current); err != nil {
		return 0, err
	}
	if err := e.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// --- Read path ----------------------------------------------------------

func (e *Engine) ReadHeadPositionInternal(ctx context.Context) (int64, error) {
	low := KeyAllEntryLowBound()
	hi := KeyAllEntryHighBound()
	iter, err := e.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return -1, err
	}
	defer iter.Close()
	if !iter.Last() {
		return -1, nil
	}
	return positionFromAllKey(iter.Key()), nil
}

func (e *Engine) GetStreamMetadataInternal(ctx context.Context, streamID string) (StreamMetadataResult, error) {
	meta, err := e.loadStreamMeta(streamID)
	if err != nil {
		return StreamMetadataResult{}, err
	}
	if meta == nil || !meta.hasMetadata {
		return StreamMetadataResult{StreamID: streamID, Exists: false}, nil
	}
	return StreamMetadataResult{
		StreamID:              streamID,
		Exists:                true,
		MetadataStreamVersion: meta.metadataVersion,
		MaxAgeSeconds:         meta.maxAgeSeconds,
		MaxCount:              meta.maxCount,
		MetadataJSON:          meta.metadataJSON,
	}, nil
}

func (e *Engine) ReadStreamForwardsInternal(ctx context.Context, streamID string, fromVersion int64, max int, prefetch bool) (RawStreamPage, error) {
	return e.readStream(streamID, fromVersion, max, prefetch, Forwards)
}

func (e *Engine) ReadStreamBackwardsInternal(ctx context.Context, streamID string, fromVersion int64, max int, prefetch bool) (RawStreamPage, error) {
	return e.readStream(streamID, fromVersion, max, prefetch, Backwards)
}

func (e *Engine) readStream(streamID string, fromVersion int64, max int, prefetch bool, dir Direction) (RawStreamPage, error) {
	meta, err := e.loadStreamMeta(streamID)
	if err != nil {
		return RawStreamPage{}, err
	}
	if meta == nil {
		return RawStreamPage{StreamID: streamID, Status: StatusNotFound, Direction: dir, IsEnd: true}, nil
	}

	low := KeyStreamEntryLowBound(streamID)
	hi := KeyStreamEntryHighBound(streamID)
	iter, err := e.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return RawStreamPage{}, err
	}
	defer iter.Close()

	page := RawStreamPage{StreamID: streamID, Status: StatusOk, FromVersion: fromVersion, Direction: dir, LastVersion: int64(meta.lastVersion)}
	page.Messages = make([]Message, 0, maxOrOne(max))

	if dir == Forwards {
		startVersion := uint32(0)
		if fromVersion > 0 {
			startVersion = uint32(fromVersion)
		}
		if !iter.SeekGE(KeyStreamEntry(streamID, startVersion)) {
			page.IsEnd = true
			page.NextVersion = int64(meta.lastVersion) + 1
			return page, nil
		}
		for iter.Valid() && len(page.Messages) < max {
			msg, err := e.decodeStreamMessage(streamID, iter.Key(), iter.Value(), prefetch)
			if err != nil {
				return RawStreamPage{}, err
			}
			page.Messages = append(page.Messages, msg)
			if !iter.Next() {
				break
			}
		}
		if len(page.Messages) == 0 {
			page.NextVersion = fromVersion
		} else {
			last := page.Messages[len(page.Messages)-1]
			page.NextVersion = int64(last.StreamVersion) + 1
			page.LastPosition = last.Position
		}
		page.IsEnd = page.NextVersion > int64(meta.lastVersion)
		return page, nil
	}

	// Backwards.
	startVersion := meta.lastVersion
	if fromVersion >= 0 {
		startVersion = uint32(fromVersion)
	}
	if !iter.SeekLT(append(KeyStreamEntry(streamID, startVersion), 0x00)) {
		page.IsEnd = true
		page.NextVersion = -1
		return page, nil
	}
	for iter.Valid() && len(page.Messages) < max {
		msg, err := e.decodeStreamMessage(streamID, iter.Key(), iter.Value(), prefetch)
		if err != nil {
			return RawStreamPage{}, err
		}
		page.Messages = append(page.Messages, msg)
		if !iter.Prev() {
			break
		}
	}
	if len(page.Messages) == 0 {
		page.NextVersion = -1
		page.IsEnd = true
	} else {
		lastDelivered := page.Messages[len(page.Messages)-1].StreamVersion
		page.LastPosition = page.Messages[len(page.Messages)-1].Position
		if lastDelivered == 0 {
			page.NextVersion = -1
			page.IsEnd = true
		} else {
			page.NextVersion = int64(lastDelivered) - 1
			page.IsEnd = false
		}
	}
	return page, nil
}

func (e *Engine) ReadAllForwardsInternal(ctx context.Context, fromPosition int64, max int, prefetch bool) (RawAllPage, error) {
	return e.readAll(fromPosition, max, prefetch, Forwards)
}

func (e *Engine) ReadAllBackwardsInternal(ctx context.Context, fromPosition int64, max int, prefetch bool) (RawAllPage, error) {
	return e.readAll(fromPosition, max, prefetch, Backwards)
}

func (e *Engine) readAll(fromPosition int64, max int, prefetch bool, dir Direction) (RawAllPage, error) {
	low := KeyAllEntryLowBound()
	hi := KeyAllEntryHighBound()
	iter, err := e.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return RawAllPage{}, err
	}
	defer iter.Close()

	page := RawAllPage{FromPosition: fromPosition, Direction: dir}
	page.Messages = make([]Message, 0, maxOrOne(max))

	if dir == Forwards {
		if fromPosition <= 0 {
			if !iter.First() {
				page.IsEnd = true
				page.NextPosition = -1
				return page, nil
			}
		} else if !iter.SeekGE(KeyAllEntry(fromPosition)) {
			page.IsEnd = true
			page.NextPosition = -1
			return page, nil
		}
		lastSeenPosition := fromPosition - 1
		for iter.Valid() && len(page.Messages) < max {
			msg, skip, err := e.resolveAllLink(iter.Key(), iter.Value(), prefetch)
			if err != nil {
				return RawAllPage{}, err
			}
			if skip {
				lastSeenPosition = positionFromAllKey(iter.Key())
				if !iter.Next() {
					break
				}
				continue
			}
			page.Messages = append(page.Messages, msg)
			lastSeenPosition = msg.Position
			if !iter.Next() {
				break
			}
		}
		if len(page.Messages) == 0 {
			if lastSeenPosition >= fromPosition {
				page.NextPosition = lastSeenPosition + 1
			} else {
				page.NextPosition = fromPosition
			}
			page.IsEnd = !iter.Valid()
		} else {
			page.NextPosition = page.Messages[len(page.Messages)-1].Position + 1
			page.IsEnd = !iter.Valid()
		}
		return page, nil
	}

	// Backwards; fromPosition == -1 means "from the end".
	if fromPosition < 0 {
		if !iter.Last() {
			page.IsEnd = true
			page.NextPosition = -1
			return page, nil
		}
	} else if !iter.SeekLT(append(KeyAllEntry(fromPosition), 0x00)) {
		page.IsEnd = true
		page.NextPosition = -1
		return page, nil
	}
	lastSeenPosition := int64(-1)
	for iter.Valid() && len(page.Messages) < max {
		msg, skip, err := e.resolveAllLink(iter.Key(), iter.Value(), prefetch)
		if err != nil {
			return RawAllPage{}, err
		}
		if skip {
			lastSeenPosition = positionFromAllKey(iter.Key())
			if !iter.Prev() {
				break
			}
			continue
		}
		page.Messages = append(page.Messages, msg)
		lastSeenPosition = msg.Position
		if !iter.Prev() {
			break
		}
	}
	if len(page.Messages) == 0 {
		if lastSeenPosition > 0 {
			page.NextPosition = lastSeenPosition - 1
		} else {
			page.NextPosition = -1
		}
		page.IsEnd = !iter.Valid()
	} else {
		last := page.Messages[len(page.Messages)-1].Position
		if last == 0 {
			page.NextPosition = -1
			page.IsEnd = true
		} else {
			page.NextPosition = last - 1
		}
	}
	return page, nil
}

// resolveAllLink dereferences an all-stream link to its stream entry. A
// stream entry removed by DeleteStream/DeleteMessage/PurgeExpiredMessage
// leaves the all-link dangling; per spec.md §4.B that is "message no longer
// present," not a decode error, so the caller must skip the position rather
// than fail the read. skip is true exactly when the link could not be
// resolved for that reason.
func (e *Engine) resolveAllLink(key, value []byte, prefetch bool) (msg Message, skip bool, err error) {
	streamID, version, ok := decodeAllLink(value)
	if !ok {
		return Message{}, false, errors.New("engine: corrupt all-stream link")
	}
	raw, err := e.db.Get(KeyStreamEntry(streamID, version))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Message{}, true, nil
		}
		return Message{}, false, err
	}
	dec, err := decodeMessageRecord(raw, prefetch)
	if err != nil {
		return Message{}, false, err
	}
	return Message{
		StreamID:      streamID,
		StreamVersion: version,
		Position:      positionFromAllKey(key),
		MessageID:     dec.Header.MessageID,
		Type:          dec.Header.Type,
		CreatedUTC:    dec.Header.CreatedUTC,
		JSONMetadata:  dec.Header.JSONMetadata,
		JSONData:      dec.Payload,
	}, false, nil
}

func (e *Engine) decodeStreamMessage(streamID string, key, value []byte, prefetch bool) (Message, error) {
	version := versionFromStreamKey(key)
	dec, err := decodeMessageRecord(value, prefetch)
	if err != nil {
		return Message{}, err
	}
	position, err := e.positionForStreamVersion(streamID, version)
	if err != nil {
		return Message{}, err
	}
	return Message{
		StreamID:      streamID,
		StreamVersion: version,
		Position:      position,
		MessageID:     dec.Header.MessageID,
		Type:          dec.Header.Type,
		CreatedUTC:    dec.Header.CreatedUTC,
		JSONMetadata:  dec.Header.JSONMetadata,
		JSONData:      dec.Payload,
	}, nil
}

// positionForStreamVersion resolves a stream entry's global position by
// scanning the all-stream link keyspace for the link whose StreamID/Version
// match. The position is not stored redundantly alongside the stream entry
// itself, so a stream-keyed read must recover it this way; the scan is O(N)
// in the all-stream's size, which is acceptable for this harness but would
// want a bounded or indexed lookup under a heavier stream-read workload.
func (e *Engine) positionForStreamVersion(streamID string, version uint32) (int64, error) {
	low := KeyAllEntryLowBound()
	hi := KeyAllEntryHighBound()
	iter, err := e.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		sid, v, ok := decodeAllLink(iter.Value())
		if ok && sid == streamID && v == version {
			return positionFromAllKey(iter.Key()), nil
		}
	}
	return 0, ErrStreamNotFound
}

// --- stream metadata storage ---------------------------------------------

type streamMeta struct {
	lastVersion     uint32
	hasMetadata     bool
	metadataVersion uint32
	maxAgeSeconds   *uint32
	maxCount        *uint32
	metadataJSON    []byte
}

type streamMetaWire struct {
	LastVersion     uint32 `json:"last_version"`
	HasMetadata     bool   `json:"has_metadata,omitempty"`
	MetadataVersion uint32 `json:"metadata_version,omitempty"`
	MaxAgeSeconds   *uint32 `json:"max_age_seconds,omitempty"`
	MaxCount        *uint32 `json:"max_count,omitempty"`
	MetadataJSON    []byte `json:"metadata_json,omitempty"`
}

func (e *Engine) loadStreamMeta(streamID string) (*streamMeta, error) {
	raw, err := e.db.Get(KeyStreamMeta(streamID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var w streamMetaWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return &streamMeta{
		lastVersion:     w.LastVersion,
		hasMetadata:     w.HasMetadata,
		metadataVersion: w.MetadataVersion,
		maxAgeSeconds:   w.MaxAgeSeconds,
		maxCount:        w.MaxCount,
		metadataJSON:    w.MetadataJSON,
	}, nil
}

func (e *Engine) putStreamMeta(b *pebble.Batch, streamID string, m streamMeta) error {
	w := streamMetaWire{
		LastVersion:     m.lastVersion,
		HasMetadata:     m.hasMetadata,
		MetadataVersion: m.metadataVersion,
		MaxAgeSeconds:   m.maxAgeSeconds,
		MaxCount:        m.maxCount,
		MetadataJSON:    m.metadataJSON,
	}
	buf, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return b.Set(KeyStreamMeta(streamID), buf, nil)
}

func maxOrOne(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func nonNilJSON(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
