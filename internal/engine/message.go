// Package engine implements the storage engine adapter that the read
// façade and subscription runtime depend on (component G), plus the one
// concrete, embedded implementation backed by Pebble (component H).
//
// The core above this package never touches Pebble directly; it only sees
// the ReadEngine/WriteEngine contracts in contract.go.
package engine

import (
	"time"

	"github.com/google/uuid"
)

// Direction distinguishes forward from backward reads.
type Direction int

const (
	Forwards Direction = iota
	Backwards
)

func (d Direction) String() string {
	if d == Backwards {
		return "backwards"
	}
	return "forwards"
}

// StreamStatus reports whether a stream read resolved to an existing stream.
type StreamStatus int

const (
	StatusOk StreamStatus = iota
	StatusNotFound
)

// DeletedStreamID is the well-known system stream that accumulates purge
// tombstones for deleted streams; it is exempt from metadata/expiry checks
// along with every other identifier starting with '$'.
const DeletedStreamID = "$deleted"

// IsSystemStream reports whether id is a system stream, identified by the
// legacy leading-'$' convention. Preserved bit-exactly for compatibility
// with existing on-disk data.
func IsSystemStream(id string) bool {
	return len(id) > 0 && id[0] == '$'
}

// Message is a single immutable, committed event.
type Message struct {
	StreamID     string
	StreamVersion uint32
	Position      int64
	MessageID     uuid.UUID
	Type          string
	CreatedUTC    time.Time
	JSONMetadata  []byte
	JSONData      []byte // nil when read without prefetch and not yet fetched
}

// NewMessage is the input shape for an append: everything the caller
// supplies, including the message id (the engine generates one only when
// it is uuid.Nil). Version, position and timestamp are assigned by the
// engine on commit.
type NewMessage struct {
	MessageID    uuid.UUID
	Type         string
	JSONMetadata []byte
	JSONData     []byte
}

// StreamMetadataResult is the stored metadata for a stream, or the
// "no metadata set" sentinel when Exists is false.
type StreamMetadataResult struct {
	StreamID             string
	Exists               bool
	MetadataStreamVersion uint32
	MaxAgeSeconds         *uint32
	MaxCount              *uint32
	MetadataJSON          []byte
}

// RawStreamPage is what the engine returns for a stream read, before the
// read façade binds continuation closures around it.
type RawStreamPage struct {
	StreamID     string
	Status       StreamStatus
	FromVersion  int64
	NextVersion  int64
	LastVersion  int64
	LastPosition int64
	Direction    Direction
	IsEnd        bool
	Messages     []Message
}

// RawAllPage is what the engine returns for an all-stream read, before gap
// reconciliation and continuation binding.
type RawAllPage struct {
	FromPosition int64
	NextPosition int64
	IsEnd        bool
	Direction    Direction
	Messages     []Message
}

// AppendResult reports the outcome of a successful append.
type AppendResult struct {
	StreamID    string
	FirstVersion uint32
	LastVersion  uint32
	LastPosition int64
}
