package engine

import "encoding/binary"

// Keyspace (byte-wise, lexicographically sortable), grounded on the
// namespace/topic/partition layout of the log package this store replaces
// but reshaped around stream id + global position:
//
//	strm/{stream_id}/meta        -> stream metadata record
//	strm/{stream_id}/e/{ver_be4} -> encoded message, keyed by stream version
//	all/e/{pos_be8}              -> link record pointing at (stream_id, version)
//	all/seq                      -> global position allocator high-water mark

var (
	strmPrefix = []byte("strm/")
	metaSuffix = []byte("/meta")
	entrySeg   = []byte("/e/")
	allPrefix  = []byte("all/e/")
	allSeqKey  = []byte("all/seq")
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(dst, b[:]...)
}

// KeyStreamMeta builds the per-stream metadata key.
func KeyStreamMeta(streamID string) []byte {
	k := make([]byte, 0, len(strmPrefix)+len(streamID)+len(metaSuffix))
	k = append(k, strmPrefix...)
	k = append(k, streamID...)
	k = append(k, metaSuffix...)
	return k
}

// KeyStreamEntry builds the per-stream, per-version message key.
func KeyStreamEntry(streamID string, version uint32) []byte {
	k := make([]byte, 0, len(strmPrefix)+len(streamID)+len(entrySeg)+4)
	k = append(k, strmPrefix...)
	k = append(k, streamID...)
	k = append(k, entrySeg...)
	k = appendBE4(k, version)
	return k
}

// KeyStreamEntryLowBound is the smallest possible entry key for streamID.
func KeyStreamEntryLowBound(streamID string) []byte {
	return KeyStreamEntry(streamID, 0)
}

// KeyStreamEntryHighBound is the largest possible entry key for streamID
// (exclusive upper bound once a trailing zero byte is appended).
func KeyStreamEntryHighBound(streamID string) []byte {
	k := KeyStreamEntry(streamID, ^uint32(0))
	return append(k, 0x00)
}

// KeyAllEntry builds the all-stream link key for a global position.
func KeyAllEntry(position int64) []byte {
	k := make([]byte, 0, len(allPrefix)+8)
	k = append(k, allPrefix...)
	k = appendBE8(k, position)
	return k
}

// KeyAllEntryLowBound is the smallest possible all-stream link key.
func KeyAllEntryLowBound() []byte {
	return KeyAllEntry(0)
}

// KeyAllEntryHighBound is the largest possible all-stream link key
// (exclusive upper bound once a trailing zero byte is appended).
func KeyAllEntryHighBound() []byte {
	k := KeyAllEntry(int64(^uint64(0) >> 1))
	return append(k, 0x00)
}

// positionFromAllKey extracts the position suffix from an all/e/ key.
func positionFromAllKey(key []byte) int64 {
	if len(key) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]))
}

// versionFromStreamKey extracts the version suffix from a strm/.../e/ key.
func versionFromStreamKey(key []byte) uint32 {
	if len(key) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(key[len(key)-4:])
}
