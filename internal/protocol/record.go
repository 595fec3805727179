package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// record is a loosely typed JSON object. The remote services mix camelCase payloads,
// nested detail objects and snake_case database rows carrying the original payload under
// "data"; accessors take every accepted alias in priority order.
type record map[string]any

func parseRecord(raw []byte) (record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	return flatten(record(m)), nil
}

func parseList(raw []byte) ([]record, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var items []any
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	out := make([]record, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, flatten(record(m)))
		}
	}
	return out, nil
}

// flatten overlays a database row on the payload it stored under "data". Row columns win
// because they carry in-place updates such as a reduced amount.
func flatten(r record) record {
	inner, ok := r["data"].(map[string]any)
	if !ok {
		return r
	}
	out := make(record, len(inner)+len(r))
	for k, v := range inner {
		out[k] = v
	}
	for k, v := range r {
		if k == "data" || isEmpty(v) {
			continue
		}
		out[k] = v
	}
	return out
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}

func (r record) has(key string) bool {
	_, ok := r[key]
	return ok
}

func (r record) sub(keys ...string) record {
	for _, k := range keys {
		if m, ok := r[k].(map[string]any); ok {
			return record(m)
		}
	}
	return record{}
}

func (r record) list(keys ...string) []record {
	for _, k := range keys {
		items, ok := r[k].([]any)
		if !ok {
			continue
		}
		out := make([]record, 0, len(items))
		for _, it := range items {
			if m, ok := it.(map[string]any); ok {
				out = append(out, record(m))
			}
		}
		return out
	}
	return nil
}

func (r record) str(keys ...string) string {
	for _, k := range keys {
		switch v := r[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

func (r record) decimal(keys ...string) (decimal.Decimal, bool) {
	for _, k := range keys {
		s := r.str(k)
		if s == "" {
			continue
		}
		d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
		if err == nil {
			return d, true
		}
	}
	return decimal.Zero, false
}

func (r record) uint(keys ...string) uint64 {
	for _, k := range keys {
		s := r.str(k)
		if s == "" {
			continue
		}
		if hex, ok := strings.CutPrefix(s, "0x"); ok {
			if n, err := strconv.ParseUint(hex, 16, 64); err == nil {
				return n
			}
			continue
		}
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func (r record) int(keys ...string) int64 {
	for _, k := range keys {
		if n, err := strconv.ParseInt(r.str(k), 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func (r record) bool(keys ...string) bool {
	for _, k := range keys {
		switch v := r[k].(type) {
		case bool:
			return v
		case json.Number:
			return v.String() != "0"
		}
	}
	return false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (r record) time(keys ...string) time.Time {
	for _, k := range keys {
		if n, ok := r[k].(json.Number); ok {
			if ms, err := n.Int64(); err == nil {
				return time.UnixMilli(ms).UTC()
			}
			continue
		}
		s := r.str(k)
		if s == "" {
			continue
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}
