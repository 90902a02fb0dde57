package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Fields is a decoded JSON object read leniently: every accessor takes a list of alias keys and
// returns the first usable value, so callers can normalize heterogeneous backend payloads without
// propagating nulls.
type Fields map[string]json.RawMessage

// ParseFields decodes a JSON object. A null or empty document yields an empty Fields.
func ParseFields(raw []byte) (Fields, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Fields{}, nil
	}
	var f Fields
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	if f == nil {
		f = Fields{}
	}
	return f, nil
}

// Has reports whether any key is present with a non-null value.
func (f Fields) Has(keys ...string) bool {
	return f.Raw(keys...) != nil
}

// Raw returns the first present, non-null value.
func (f Fields) Raw(keys ...string) json.RawMessage {
	for _, key := range keys {
		raw, ok := f[key]
		if !ok {
			continue
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			continue
		}
		return trimmed
	}
	return nil
}

// String returns the first non-blank string. Numbers are rendered verbatim, and populated
// references ({"_id": ...}) collapse to their identifier.
func (f Fields) String(keys ...string) string {
	for _, key := range keys {
		if s := stringOf(f.Raw(key)); s != "" {
			return s
		}
	}
	return ""
}

// Decimal returns the first value that parses as a number, quoted or not.
func (f Fields) Decimal(keys ...string) (decimal.Decimal, bool) {
	for _, key := range keys {
		raw := f.Raw(key)
		if raw == nil {
			continue
		}
		if d, ok := decimalOf(raw); ok {
			return d, true
		}
	}
	return decimal.Zero, false
}

// Int returns the first value that parses as an integer, or zero.
func (f Fields) Int(keys ...string) int {
	for _, key := range keys {
		if d, ok := decimalOf(f.Raw(key)); ok {
			return int(d.IntPart())
		}
	}
	return 0
}

// Bool returns the first boolean value. Strings "true"/"false" are accepted.
func (f Fields) Bool(keys ...string) (bool, bool) {
	for _, key := range keys {
		raw := f.Raw(key)
		if raw == nil {
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return b, true
		}
		if v, err := strconv.ParseBool(stringOf(raw)); err == nil {
			return v, true
		}
	}
	return false, false
}

// Object returns the first value that is a JSON object, or nil.
func (f Fields) Object(keys ...string) Fields {
	for _, key := range keys {
		raw := f.Raw(key)
		if len(raw) == 0 || raw[0] != '{' {
			continue
		}
		var inner Fields
		if err := json.Unmarshal(raw, &inner); err == nil {
			return inner
		}
	}
	return nil
}

// Array returns the elements of the first value that is a JSON array.
func (f Fields) Array(keys ...string) []json.RawMessage {
	for _, key := range keys {
		raw := f.Raw(key)
		if len(raw) == 0 || raw[0] != '[' {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err == nil {
			return items
		}
	}
	return nil
}

// Strings returns the first array value as strings; a single string is split on commas.
func (f Fields) Strings(keys ...string) []string {
	for _, key := range keys {
		raw := f.Raw(key)
		if raw == nil {
			continue
		}
		if raw[0] == '[' {
			var out []string
			for _, item := range f.Array(key) {
				if s := stringOf(item); s != "" {
					out = append(out, s)
				}
			}
			return out
		}
		if s := stringOf(raw); s != "" {
			var out []string
			for _, part := range strings.Split(s, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			return out
		}
	}
	return nil
}

func stringOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return strings.TrimSpace(s)
		}
	case '{':
		var ref Fields
		if err := json.Unmarshal(raw, &ref); err == nil {
			return ref.String("_id", "id")
		}
	case '[':
		return ""
	default:
		s := strings.TrimSpace(string(raw))
		if s == "null" {
			return ""
		}
		return s
	}
	return ""
}

func decimalOf(raw json.RawMessage) (decimal.Decimal, bool) {
	s := stringOf(raw)
	if s == "" || (len(raw) > 0 && raw[0] == '{') {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
