package graph

import (
	"errors"
	"testing"
)

func TestParseTier(t *testing.T) {
	tests := []struct {
		in   string
		want Tier
		err  bool
	}{
		{"durable", Durable, false},
		{"Cached", Cached, false},
		{" EPHEMERAL ", Ephemeral, false},
		{"", "", true},
		{"hot", "", true},
	}
	for _, tt := range tests {
		got, err := ParseTier(tt.in)
		if tt.err {
			if !errors.Is(err, ErrUnknownTier) {
				t.Errorf("ParseTier(%q) err = %v, want ErrUnknownTier", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTier(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMoreFluid(t *testing.T) {
	tests := []struct {
		a, b, want Tier
	}{
		{Durable, Durable, Durable},
		{Durable, Cached, Cached},
		{Cached, Durable, Cached},
		{Cached, Ephemeral, Ephemeral},
		{Ephemeral, Durable, Ephemeral},
	}
	for _, tt := range tests {
		if got := MoreFluid(tt.a, tt.b); got != tt.want {
			t.Errorf("MoreFluid(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestPersistent(t *testing.T) {
	if !Durable.Persistent() || !Cached.Persistent() {
		t.Error("durable and cached should be persistent")
	}
	if Ephemeral.Persistent() {
		t.Error("ephemeral should not be persistent")
	}
	if Tier("bogus").Persistent() {
		t.Error("unknown tier should not be persistent")
	}
}
