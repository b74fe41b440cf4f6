package events

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
)

// lineCodec is the audit line encoding. ConfigStd sorts map keys, so a given
// event always encodes to the same bytes.
var lineCodec = sonic.ConfigStd

// ErrUnencodable marks an event the line codec cannot render. It describes
// the record, not the sink.
var ErrUnencodable = errors.New("event not encodable")

// EncodeLine renders e as one newline-terminated JSON object.
func EncodeLine(e Event) ([]byte, error) {
	data, err := lineCodec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w: %w", ErrUnencodable, err)
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return nil, fmt.Errorf("encode event: %w: encoded record contains a newline", ErrUnencodable)
	}
	return append(data, '\n'), nil
}

// makeEncodable rewrites the payload of an event the codec rejects. Values
// that fail on their own are replaced by their printed form and data_error
// names the first offending key. If that is still not enough the whole
// payload becomes data_error plus data_repr. It reports whether e changed.
func makeEncodable(e *Event) bool {
	_, err := EncodeLine(*e)
	if err == nil {
		return false
	}

	original := e.Data
	keys := make([]string, 0, len(original))
	for k := range original {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clean := make(map[string]interface{}, len(original)+1)
	var firstErr error
	for _, k := range keys {
		v := original[k]
		if _, verr := lineCodec.Marshal(v); verr != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", k, verr)
			}
			clean[k] = fmt.Sprint(v)
			continue
		}
		clean[k] = v
	}
	if firstErr == nil {
		firstErr = err
	}
	clean["data_error"] = firstErr.Error()
	e.Data = clean

	if _, err := EncodeLine(*e); err != nil {
		e.Data = map[string]interface{}{
			"data_error": err.Error(),
			"data_repr":  fmt.Sprint(original),
		}
	}
	return true
}

// DecodeLine parses and validates one audit line.
func DecodeLine(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, fmt.Errorf("empty line")
	}
	var e Event
	if err := lineCodec.Unmarshal(line, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, fmt.Errorf("invalid event: %w", err)
	}
	return e, nil
}
