// Package model holds the QoS graph types: the vertices and edges of the
// monitored job graph, the alternating sequences built from them, and the
// latency constraints declared over those sequences.
package model

import (
	"fmt"
	"time"
)

// MemberKind discriminates the two graph member variants.
type MemberKind string

const (
	KindVertex MemberKind = "vertex"
	KindEdge   MemberKind = "edge"
)

// VertexID identifies one logical operator in the job graph. Individual
// parallel instances are addressed by (VertexID, subtask index).
type VertexID string

// MemberID is the canonical string form of a member's structural identity
// tuple. Two members with equal MemberID refer to the same vertex instance
// or channel, regardless of which wire message they were decoded from.
type MemberID string

// Member is one monitorable element of the job graph, either a Vertex or
// an Edge. Members are immutable identity records; their latency state is
// owned by the controller.
type Member interface {
	Key() MemberID
	Kind() MemberKind
	fmt.Stringer
}

// Vertex is one parallel instance of an operator.
type Vertex struct {
	ID      VertexID
	Subtask int
}

func (v Vertex) Key() MemberID    { return MemberID(fmt.Sprintf("v/%s/%d", v.ID, v.Subtask)) }
func (v Vertex) Kind() MemberKind { return KindVertex }
func (v Vertex) String() string   { return fmt.Sprintf("vertex %s[%d]", v.ID, v.Subtask) }

// Edge is one channel between a producer and a consumer subtask.
type Edge struct {
	Source        VertexID
	SourceSubtask int
	Target        VertexID
	TargetSubtask int
}

func (e Edge) Key() MemberID {
	return MemberID(fmt.Sprintf("e/%s/%d/%s/%d", e.Source, e.SourceSubtask, e.Target, e.TargetSubtask))
}

func (e Edge) Kind() MemberKind { return KindEdge }

func (e Edge) String() string {
	return fmt.Sprintf("edge %s[%d] -> %s[%d]", e.Source, e.SourceSubtask, e.Target, e.TargetSubtask)
}

// LatencySample is one worker-reported latency measurement for a member.
// Vertex latencies cover processing time including pre-emission buffering,
// edge latencies cover network and buffering transit time.
type LatencySample struct {
	Member    MemberID
	Latency   time.Duration
	Timestamp time.Time
}
