package store

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Document is a structured JSON object: command payloads, event data,
// command results and service details.
type Document map[string]any

// MarshalDocument converts a Document to compact JSON TEXT for storage.
// Object keys are sorted and HTML characters are not escaped, so equal
// documents always produce identical text.
func MarshalDocument(d Document) (string, error) {
	if d == nil {
		return "{}", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(d)); err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// UnmarshalDocument parses stored JSON TEXT into a Document.
//
// Numbers decode as json.Number so integers above 2^53 survive. A JSON value
// that is not an object is wrapped as {"raw": value}.
func UnmarshalDocument(data string) (Document, error) {
	if data == "" || data == "{}" {
		return Document{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	if m, ok := v.(map[string]any); ok {
		return Document(m), nil
	}
	return Document{"raw": v}, nil
}

// MarshalNullable is MarshalDocument for nullable columns: nil becomes SQL NULL.
func MarshalNullable(d Document) (any, error) {
	if d == nil {
		return nil, nil
	}
	return MarshalDocument(d)
}

// String returns the string at key, or "" when absent or not a string.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Int64 returns the integer at key.
// It accepts json.Number and native numeric types.
func (d Document) Int64(key string) (int64, bool) {
	switch v := d[key].(type) {
	case interface{ Int64() (int64, error) }:
		n, err := v.Int64()
		return n, err == nil
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), v == float64(int64(v))
	default:
		return 0, false
	}
}

// Float64 returns the number at key.
func (d Document) Float64(key string) (float64, bool) {
	switch v := d[key].(type) {
	case interface{ Float64() (float64, error) }:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
