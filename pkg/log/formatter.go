package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// JSONFormatter renders log entries as single-line JSON objects.
type JSONFormatter struct {
	// TimeFormat overrides the timestamp layout. Defaults to time.RFC3339Nano.
	TimeFormat string
}

func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	layout := f.TimeFormat
	if layout == "" {
		layout = time.RFC3339Nano
	}

	out := make(map[string]interface{}, len(entry.Fields)+4)
	for k, v := range entry.Fields {
		out[k] = v
	}
	out["level"] = entry.Level.String()
	out["msg"] = entry.Message
	out["ts"] = ts.Format(layout)
	if entry.Caller != "" {
		out["caller"] = entry.Caller
	}
	if entry.Error != nil {
		out["error"] = entry.Error.Error()
	}

	buf, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return append(buf, '\n'), nil
}

// TextFormatter renders log entries as human-readable lines, sorted by key
// for deterministic output.
type TextFormatter struct {
	TimeFormat string
}

func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	layout := f.TimeFormat
	if layout == "" {
		layout = "2006-01-02T15:04:05.000Z07:00"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s [%s] %s", ts.Format(layout), entry.Level.String(), entry.Message)

	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&buf, " %s=%v", k, entry.Fields[k])
		}
	}
	if entry.Caller != "" {
		fmt.Fprintf(&buf, " caller=%s", entry.Caller)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
