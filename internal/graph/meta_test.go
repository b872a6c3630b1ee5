package graph

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMetaPreservesOrder(t *testing.T) {
	m := NewMeta()
	m.Set("zeta", 1.0)
	m.Set("alpha", "a")
	m.Set("mid", true)
	m.Set("zeta", 2.0) // overwrite keeps position

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"zeta":2,"alpha":"a","mid":true}`
	if string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}

	var back Meta
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff([]string{"zeta", "alpha", "mid"}, back.Keys()); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	if v, _ := back.Get("zeta"); v != json.Number("2") {
		t.Errorf("zeta = %#v, want json.Number 2", v)
	}
}

func TestMetaKeepsLargeIntegers(t *testing.T) {
	in := `{"seq":9007199254740993,"ratio":0.25,"nested":{"id":18446744073709551615}}`
	var m Meta
	if err := json.Unmarshal([]byte(in), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := json.Marshal(&m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != in {
		t.Errorf("round trip = %s, want %s", out, in)
	}

	var again Meta
	if err := json.Unmarshal(out, &again); err != nil {
		t.Fatalf("second unmarshal: %v", err)
	}
	if v, _ := again.Get("seq"); v != json.Number("9007199254740993") {
		t.Errorf("seq = %v, want 9007199254740993", v)
	}
}

func TestMetaDeleteAndClone(t *testing.T) {
	m := MetaOf("a", 1.0, "b", 2.0, "c", 3.0)
	c := m.Clone()
	m.Delete("b")

	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}
	if diff := cmp.Diff([]string{"a", "c"}, m.Keys()); diff != "" {
		t.Errorf("keys after delete (-want +got):\n%s", diff)
	}
	if c.Len() != 3 {
		t.Errorf("clone Len = %d, want 3 (clone must not share keys)", c.Len())
	}
}

func TestNilMetaReads(t *testing.T) {
	var m *Meta
	if m.Len() != 0 {
		t.Error("nil meta Len != 0")
	}
	if _, ok := m.Get("x"); ok {
		t.Error("nil meta Get returned ok")
	}
	if m.String("x") != "" {
		t.Error("nil meta String not empty")
	}
	if m.Clone() != nil {
		t.Error("nil meta Clone not nil")
	}
}

func TestMetaUnmarshalRejectsArray(t *testing.T) {
	var m Meta
	if err := json.Unmarshal([]byte(`[1,2]`), &m); err == nil {
		t.Error("expected error for array input")
	}
}
