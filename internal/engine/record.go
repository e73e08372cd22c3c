package engine

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"time"

	"github.com/google/uuid"
)

// Record encoding: varint(headerLen) | header(JSON) | payload | crc32c(header|payload).
// Adapted from the log package's opaque header/payload framing; here the
// header is a small JSON envelope carrying the fields every message needs
// regardless of payload shape.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type messageHeader struct {
	MessageID    uuid.UUID       `json:"message_id"`
	Type         string          `json:"type"`
	CreatedUTC   time.Time       `json:"created_utc"`
	JSONMetadata json.RawMessage `json:"metadata,omitempty"`
}

// encodeMessageRecord serializes a message's fixed header and its payload
// into the on-disk record format.
func encodeMessageRecord(h messageHeader, payload []byte) ([]byte, error) {
	header, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return encodeRecord(header, payload), nil
}

func encodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, 10+len(header)+len(payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(header)))
	out = append(out, tmp[:n]...)
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	return append(out, crcb[:]...)
}

type decodedRecord struct {
	Header  messageHeader
	Payload []byte
}

var errChecksumMismatch = newEngineErr("engine: record checksum mismatch")

func decodeMessageRecord(b []byte, prefetch bool) (decodedRecord, error) {
	if len(b) < 1+4 {
		return decodedRecord{}, errChecksumMismatch
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || int(n)+int(hlen)+4 > len(b) {
		return decodedRecord{}, errChecksumMismatch
	}
	headerBytes := b[n : n+int(hlen)]
	payload := b[n+int(hlen) : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])

	crc := crc32.Update(0, castagnoli, headerBytes)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return decodedRecord{}, errChecksumMismatch
	}

	var h messageHeader
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		return decodedRecord{}, err
	}

	out := decodedRecord{Header: h}
	if prefetch {
		out.Payload = append([]byte(nil), payload...)
	}
	return out, nil
}

// encodeAllLink builds the value stored at all/e/{position}: a
// length-prefixed stream id followed by its big-endian version. It is a
// pointer record ("link") into the owning stream entry, never a copy of the
// message itself.
func encodeAllLink(streamID string, version uint32) []byte {
	out := make([]byte, 0, 2+len(streamID)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(streamID)))
	out = append(out, tmp[:n]...)
	out = append(out, streamID...)
	var vb [4]byte
	binary.BigEndian.PutUint32(vb[:], version)
	return append(out, vb[:]...)
}

func decodeAllLink(b []byte) (streamID string, version uint32, ok bool) {
	slen, n := binary.Uvarint(b)
	if n <= 0 || int(n)+int(slen)+4 > len(b) {
		return "", 0, false
	}
	streamID = string(b[n : n+int(slen)])
	version = binary.BigEndian.Uint32(b[n+int(slen):])
	return streamID, version, true
}
