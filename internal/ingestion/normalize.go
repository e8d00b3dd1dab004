// Package ingestion coerces heterogeneous log input into one canonical shape:
// a list of JSON objects.
package ingestion

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnsupportedLog is returned for JSON values that cannot be a log entry,
// such as numbers or nested arrays.
var ErrUnsupportedLog = errors.New("unsupported log entry format")

// LogEntry is either a raw text line or a structured record.
type LogEntry struct {
	Raw        string
	Structured map[string]any
}

// IsRaw reports whether the entry carries unparsed text.
func (e LogEntry) IsRaw() bool {
	return e.Structured == nil
}

// Map returns the canonical form. Raw lines become
// {"timestamp": <now>, "raw_log": <line>}.
func (e LogEntry) Map(now time.Time) map[string]any {
	if e.Structured != nil {
		return e.Structured
	}
	return map[string]any{
		"timestamp": now.UTC().Format(time.RFC3339Nano),
		"raw_log":   strings.TrimSpace(e.Raw),
	}
}

// Normalizer turns raw input into canonical records.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer creates a normalizer using the wall clock.
func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// Normalize accepts a JSON array, a JSON object, a JSON string holding
// either, or line-delimited text where each line is a JSON object or raw
// text.
func (n *Normalizer) Normalize(input []byte) ([]map[string]any, error) {
	entries, err := Parse(input)
	if err != nil {
		return nil, err
	}
	return n.Canonical(entries), nil
}

// NormalizeValue normalizes an already decoded JSON value.
func (n *Normalizer) NormalizeValue(v any) ([]map[string]any, error) {
	entries, err := fromValue(v, true)
	if err != nil {
		return nil, err
	}
	return n.Canonical(entries), nil
}

// Canonical maps entries to their canonical form with one shared timestamp.
func (n *Normalizer) Canonical(entries []LogEntry) []map[string]any {
	now := n.now()
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Map(now))
	}
	return out
}

// Parse classifies input into log entries.
func Parse(input []byte) ([]LogEntry, error) {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err == nil {
		switch v.(type) {
		case []any, map[string]any, string:
			return fromValue(v, true)
		}
	}
	return parseLines(string(trimmed)), nil
}

// fromValue walks a decoded JSON value. Strings are parsed again when
// top-level so a JSON-encoded log document is accepted.
func fromValue(v any, top bool) ([]LogEntry, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return []LogEntry{{Structured: x}}, nil
	case string:
		if top {
			return Parse([]byte(x))
		}
		return []LogEntry{entryFromLine(x)}, nil
	case []any:
		out := make([]LogEntry, 0, len(x))
		for i, item := range x {
			switch it := item.(type) {
			case map[string]any:
				out = append(out, LogEntry{Structured: it})
			case string:
				if strings.TrimSpace(it) == "" {
					continue
				}
				out = append(out, entryFromLine(it))
			default:
				return nil, fmt.Errorf("%w: item %d is %T", ErrUnsupportedLog, i, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedLog, v)
	}
}

func parseLines(text string) []LogEntry {
	var out []LogEntry
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, entryFromLine(line))
	}
	return out
}

// entryFromLine keeps JSON object lines structured and everything else raw.
func entryFromLine(line string) LogEntry {
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err == nil && obj != nil {
		return LogEntry{Structured: obj}
	}
	return LogEntry{Raw: strings.TrimSpace(line)}
}
