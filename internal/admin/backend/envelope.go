package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// List holds the raw items of a collection response together with its pagination metadata.
type List struct {
	Items      []json.RawMessage
	Total      int
	TotalPages int
}

// Result is the decoded {success, data, message} envelope returned by mutating endpoints.
type Result struct {
	Success bool
	Data    json.RawMessage
	Message string

	enveloped bool
}

// Decode unmarshals the result data into target. Empty data leaves target untouched.
func (r Result) Decode(target any) error {
	if len(bytes.TrimSpace(r.Data)) == 0 || bytes.Equal(bytes.TrimSpace(r.Data), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(r.Data, target); err != nil {
		return fmt.Errorf("decode result data: %w", err)
	}
	return nil
}

var defaultListKeys = []string{"items", "results", "docs"}

// DecodeList extracts collection items from any of the envelope shapes the backend emits:
// a bare array, {items, pagination}, {data: [...]}, or {success, data: {items, pagination}}.
func DecodeList(body []byte, keys ...string) (List, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return List{}, nil
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return List{}, fmt.Errorf("decode list: %w", err)
		}
		return List{Items: items, Total: len(items), TotalPages: pagesFor(len(items))}, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return List{}, fmt.Errorf("decode list envelope: %w", err)
	}

	if raw, ok := obj["success"]; ok {
		var success bool
		if err := json.Unmarshal(raw, &success); err == nil && !success {
			return List{}, fmt.Errorf("%w: %s", ErrUnsuccessful, messageOf(obj))
		}
	}

	searchKeys := append(append([]string(nil), defaultListKeys...), keys...)

	list, found := listFromObject(obj, searchKeys)
	if !found {
		if data, ok := obj["data"]; ok {
			dataTrimmed := bytes.TrimSpace(data)
			switch {
			case len(dataTrimmed) > 0 && dataTrimmed[0] == '[':
				nested, err := DecodeList(dataTrimmed)
				if err != nil {
					return List{}, err
				}
				if total, pages := paginationFrom(obj); total > 0 {
					nested.Total, nested.TotalPages = total, pages
				}
				list, found = nested, true
			case len(dataTrimmed) > 0 && dataTrimmed[0] == '{':
				var inner map[string]json.RawMessage
				if err := json.Unmarshal(dataTrimmed, &inner); err != nil {
					return List{}, fmt.Errorf("decode list data: %w", err)
				}
				list, found = listFromObject(inner, searchKeys)
				if found && list.Total == 0 && list.TotalPages == 0 {
					list.Total, list.TotalPages = paginationFrom(obj)
				}
			}
		}
	}
	if !found {
		return List{}, nil
	}

	if list.Total == 0 {
		list.Total = len(list.Items)
	}
	if list.TotalPages == 0 {
		list.TotalPages = pagesFor(list.Total)
	}
	return list, nil
}

func listFromObject(obj map[string]json.RawMessage, keys []string) (List, bool) {
	for _, key := range keys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			continue
		}
		total, pages := paginationFrom(obj)
		return List{Items: items, Total: total, TotalPages: pages}, true
	}
	return List{}, false
}

func paginationFrom(obj map[string]json.RawMessage) (int, int) {
	raw, ok := obj["pagination"]
	if !ok {
		return intField(obj, "total"), intField(obj, "totalPages")
	}
	var pagination map[string]json.RawMessage
	if err := json.Unmarshal(raw, &pagination); err != nil {
		return 0, 0
	}
	return intField(pagination, "total"), intField(pagination, "totalPages")
}

func intField(obj map[string]json.RawMessage, key string) int {
	raw, ok := obj[key]
	if !ok {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0
		}
		n = json.Number(strings.TrimSpace(s))
	}
	v, err := strconv.Atoi(n.String())
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return 0
		}
		return int(f)
	}
	return v
}

func pagesFor(total int) int {
	if total <= 0 {
		return 0
	}
	return 1
}

func decodeResult(body []byte) (Result, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Result{Data: json.RawMessage(trimmed)}, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return Result{}, fmt.Errorf("decode result envelope: %w", err)
	}
	raw, ok := obj["success"]
	if !ok {
		return Result{Data: json.RawMessage(trimmed)}, nil
	}
	var success bool
	if err := json.Unmarshal(raw, &success); err != nil {
		return Result{}, errors.New("decode result envelope: success is not a boolean")
	}
	return Result{
		Success:   success,
		Data:      obj["data"],
		Message:   messageOf(obj),
		enveloped: true,
	}, nil
}

func messageOf(obj map[string]json.RawMessage) string {
	for _, key := range []string{"message", "error"} {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		var msg string
		if err := json.Unmarshal(raw, &msg); err == nil && strings.TrimSpace(msg) != "" {
			return strings.TrimSpace(msg)
		}
	}
	return ""
}
