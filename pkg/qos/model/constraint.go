package model

import (
	"fmt"
	"time"
)

// Sequence is an ordered chain of graph members covered by one latency
// constraint. A valid sequence has at least three members, alternates
// between vertices and edges, and contains no member twice.
type Sequence []Member

// Validate checks the sequence invariants and returns an
// *InvalidSequenceError describing the first violation found.
func (s Sequence) Validate() error {
	if len(s) < 3 {
		return &InvalidSequenceError{Position: len(s), Reason: "sequence needs at least three members (vertex-edge-vertex)"}
	}
	seen := make(map[MemberID]int, len(s))
	for i, m := range s {
		if m == nil {
			return &InvalidSequenceError{Position: i, Reason: "nil member"}
		}
		if i > 0 && m.Kind() == s[i-1].Kind() {
			return &InvalidSequenceError{
				Position: i,
				Reason:   fmt.Sprintf("%s adjacent to another %s, members must alternate", m.Kind(), m.Kind()),
			}
		}
		if prev, ok := seen[m.Key()]; ok {
			return &InvalidSequenceError{
				Position: i,
				Reason:   fmt.Sprintf("member %s already appears at position %d", m, prev),
			}
		}
		seen[m.Key()] = i
	}
	return nil
}

// Constraint binds a sequence to a maximum permissible aggregate latency.
// Constraints are part of the job graph's static declaration; the active
// set only changes by full replacement when the job graph changes.
type Constraint struct {
	Name       string
	Sequence   Sequence
	MaxLatency time.Duration
}

// NewConstraint builds a constraint over the given sequence, rejecting
// malformed sequences and non-positive budgets.
func NewConstraint(name string, seq Sequence, maxLatency time.Duration) (Constraint, error) {
	if err := seq.Validate(); err != nil {
		return Constraint{}, err
	}
	if maxLatency <= 0 {
		return Constraint{}, &InvalidSequenceError{Position: -1, Reason: "latency budget must be positive"}
	}
	members := make(Sequence, len(seq))
	copy(members, seq)
	return Constraint{Name: name, Sequence: members, MaxLatency: maxLatency}, nil
}

// Contains reports whether the constraint's sequence includes the member.
func (c Constraint) Contains(id MemberID) bool {
	for _, m := range c.Sequence {
		if m.Key() == id {
			return true
		}
	}
	return false
}

func (c Constraint) String() string {
	return fmt.Sprintf("constraint %q (%d members, budget %s)", c.Name, len(c.Sequence), c.MaxLatency)
}
