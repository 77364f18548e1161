package model

import "fmt"

// InvalidSequenceError reports a malformed constraint sequence. It is
// fatal only to the constraint carrying the sequence, never to the job.
type InvalidSequenceError struct {
	// Position of the offending member, -1 when the error is not tied to
	// a single position.
	Position int
	Reason   string
}

func (e *InvalidSequenceError) Error() string {
	if e.Position < 0 {
		return fmt.Sprintf("invalid qos sequence: %s", e.Reason)
	}
	return fmt.Sprintf("invalid qos sequence at position %d: %s", e.Position, e.Reason)
}

// UnknownMemberError reports a sample or state change referencing a member
// that is not part of any active constraint. Callers are expected to drop
// the offending message and carry on.
type UnknownMemberError struct {
	Member MemberID
}

func (e *UnknownMemberError) Error() string {
	return fmt.Sprintf("member %s is not part of any active qos constraint", e.Member)
}
