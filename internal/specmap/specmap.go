// Package specmap holds the ordered key/value report exchanged between agents
// and the collector.
//
// Key order is part of the format: RAM module attributes are the fields that
// follow a "--- Módulo RAM N ---" marker, so the map keeps insertion order
// through JSON encoding and decoding.
package specmap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Field is a single report entry.
type Field struct {
	Key   string
	Value any
}

// Map is an insertion-ordered string-keyed map. The zero value is ready to use.
type Map struct {
	fields []Field
	index  map[string]int
}

// New returns an empty Map.
func New() *Map {
	return &Map{}
}

// Set stores value under key. An existing key keeps its position.
func (m *Map) Set(key string, value any) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if i, ok := m.index[key]; ok {
		m.fields[i].Value = value
		return
	}
	m.index[key] = len(m.fields)
	m.fields = append(m.fields, Field{Key: key, Value: value})
}

// Get returns the raw value for key.
func (m *Map) Get(key string) (any, bool) {
	if m == nil || m.index == nil {
		return nil, false
	}
	i, ok := m.index[key]
	if !ok {
		return nil, false
	}
	return m.fields[i].Value, true
}

// Has reports whether key is present.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// String returns the value for key rendered as text; absent keys yield "".
func (m *Map) String(key string) string {
	v, _ := m.Get(key)
	return Text(v)
}

// Len returns the number of fields.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.fields)
}

// Fields returns the entries in order. The slice must not be modified.
func (m *Map) Fields() []Field {
	if m == nil {
		return nil
	}
	return m.fields
}

// Text renders a decoded JSON scalar as a string.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%g", t)
	case int:
		return fmt.Sprintf("%d", t)
	case int64:
		return fmt.Sprintf("%d", t)
	case uint64:
		return fmt.Sprintf("%d", t)
	default:
		return fmt.Sprint(t)
	}
}

// MarshalJSON encodes the map as a JSON object in insertion order.
func (m *Map) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range m.Fields() {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("encoding %q: %w", f.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a single JSON object, keeping key order. Numbers are
// kept as json.Number. Trailing data after the object is an error.
func (m *Map) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("specmap: expected object, got %v", tok)
	}

	m.fields = nil
	m.index = nil
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("specmap: expected key, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("specmap: decoding %q: %w", key, err)
		}
		m.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("specmap: trailing data after object")
	}
	return nil
}

// Parse decodes data into a new Map.
func Parse(data []byte) (*Map, error) {
	m := New()
	if err := m.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return m, nil
}
