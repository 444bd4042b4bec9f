// Package progress tracks the phase, completion percent and remaining time of one rewrite session.
package progress

import (
	"errors"
	"fmt"
)

// Phase is a session phase. Phases only move forward.
type Phase int

const (
	Fetching Phase = iota
	Analyzing
	Rewriting
	Finalizing
)

// ErrIllegalTransition is returned for any transition not in the table.
var ErrIllegalTransition = errors.New("illegal phase transition")

// transitions is the complete set of allowed moves.
// Analyzing may skip straight to Finalizing for cache hits and empty streams.
var transitions = map[Phase][]Phase{
	Fetching:  {Analyzing},
	Analyzing: {Rewriting, Finalizing},
	Rewriting: {Finalizing},
}

func (p Phase) String() string {
	switch p {
	case Fetching:
		return "fetching"
	case Analyzing:
		return "analyzing"
	case Rewriting:
		return "rewriting"
	case Finalizing:
		return "finalizing"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
