package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Meta is a string-keyed attribute map that remembers insertion order.
// The order survives a JSON round trip, and decoded numbers are kept as
// json.Number. A nil *Meta behaves as empty for reads.
type Meta struct {
	keys []string
	vals map[string]any
}

// NewMeta returns an empty Meta.
func NewMeta() *Meta {
	return &Meta{vals: make(map[string]any)}
}

// MetaOf builds a Meta from alternating key/value pairs.
func MetaOf(kv ...any) *Meta {
	m := NewMeta()
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		m.Set(k, kv[i+1])
	}
	return m
}

// Set stores v under k. Existing keys keep their position.
func (m *Meta) Set(k string, v any) {
	if m.vals == nil {
		m.vals = make(map[string]any)
	}
	if _, ok := m.vals[k]; !ok {
		m.keys = append(m.keys, k)
	}
	m.vals[k] = v
}

func (m *Meta) Get(k string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.vals[k]
	return v, ok
}

// String returns the value under k when it is a string.
func (m *Meta) String(k string) string {
	v, _ := m.Get(k)
	s, _ := v.(string)
	return s
}

func (m *Meta) Delete(k string) {
	if m == nil {
		return
	}
	if _, ok := m.vals[k]; !ok {
		return
	}
	delete(m.vals, k)
	for i, key := range m.keys {
		if key == k {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

func (m *Meta) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *Meta) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Clone returns a shallow copy; nested values are shared.
func (m *Meta) Clone() *Meta {
	if m == nil {
		return nil
	}
	c := &Meta{keys: make([]string, len(m.keys)), vals: make(map[string]any, len(m.vals))}
	copy(c.keys, m.keys)
	for k, v := range m.vals {
		c.vals[k] = v
	}
	return c
}

func (m *Meta) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m.vals[k])
		if err != nil {
			return nil, fmt.Errorf("meta %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *Meta) UnmarshalJSON(data []byte) error {
	m.keys = nil
	m.vals = make(map[string]any)

	dec := json.NewDecoder(bytes.NewReader(data))
	// Numbers stay json.Number so integers beyond 2^53 survive a round trip.
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("meta: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		k, ok := tok.(string)
		if !ok {
			return fmt.Errorf("meta: expected key, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("meta %q: %w", k, err)
		}
		m.Set(k, v)
	}
	_, err = dec.Token()
	return err
}
