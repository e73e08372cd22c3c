package engine

import "errors"

// ErrStreamNotFound is returned by DeleteStream when a stream has no entries
// and no metadata, and by the stream-version-to-position lookup when no
// all-stream link for the stream is found. A stream read of a stream with
// no header does not return it; the page reports StatusNotFound instead.
var ErrStreamNotFound = errors.New("engine: stream not found")

// ErrWrongExpectedVersion is returned by Append when the caller's
// expected-version check fails against the stream's actual last version.
var ErrWrongExpectedVersion = errors.New("engine: wrong expected version")

// ErrSystemStreamMetadata is returned by SetStreamMetadata for any system
// ('$'-prefixed) stream, the deleted-stream id included.
var ErrSystemStreamMetadata = errors.New("engine: system streams do not carry metadata")

func newEngineErr(msg string) error { return errors.New(msg) }
