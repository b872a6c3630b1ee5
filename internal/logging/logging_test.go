package logging

import "testing"

func TestNewLevels(t *testing.T) {
	for _, lvl := range []string{"", "debug", "info", "warn", "error"} {
		l, err := New(lvl, true)
		if err != nil {
			t.Errorf("New(%q): %v", lvl, err)
			continue
		}
		l.Sync()
	}
	if _, err := New("loud", false); err == nil {
		t.Error("New(loud): expected error")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	l, _ := New("info", false)
	if OrNop(l) != l {
		t.Error("OrNop should return the given logger")
	}
}
