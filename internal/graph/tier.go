package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Tier is the durability class of an object. It decides which backend, if
// any, holds the object.
type Tier string

const (
	Durable   Tier = "durable"
	Cached    Tier = "cached"
	Ephemeral Tier = "ephemeral"
)

// ErrUnknownTier is returned for tier values outside Durable, Cached and Ephemeral.
var ErrUnknownTier = errors.New("unknown tier")

// Tiers lists every tier from least to most fluid.
var Tiers = []Tier{Durable, Cached, Ephemeral}

// ParseTier parses a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	switch t {
	case Durable, Cached, Ephemeral:
		return true
	}
	return false
}

// Fluidity ranks tiers by volatility: Ephemeral 2, Cached 1, Durable 0.
// Unknown tiers rank as Ephemeral so they never end up persisted.
func (t Tier) Fluidity() int {
	switch t {
	case Durable:
		return 0
	case Cached:
		return 1
	default:
		return 2
	}
}

// Persistent reports whether objects of this tier are written to a backend.
func (t Tier) Persistent() bool {
	return t == Durable || t == Cached
}

// MoreFluid returns whichever of a and b is more volatile.
func MoreFluid(a, b Tier) Tier {
	if b.Fluidity() > a.Fluidity() {
		return b
	}
	return a
}
