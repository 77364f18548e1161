package aggregator

import (
	"time"

	"github.com/streamhouse/qosmon/pkg/qos/model"
)

// Contribution is the share of a sequence's aggregate latency attributed
// to one member.
type Contribution struct {
	Member   model.MemberID
	Position int
	Latency  time.Duration
	// Fraction of the aggregate attributable to this member. Zero on
	// incomplete summaries, where the aggregate is not meaningful.
	Fraction float64
}

// SequenceSummary is the end-to-end latency estimate for one constraint's
// sequence at a point in time. It is recomputed every evaluation cycle and
// never persisted.
type SequenceSummary struct {
	Aggregate     time.Duration
	Contributions []Contribution
	// Incomplete is set when any member has no sample yet. Incomplete
	// summaries must not be evaluated against the constraint budget.
	Incomplete bool
	// WindowStart and WindowEnd bound the sample timestamps the estimate
	// was derived from.
	WindowStart time.Time
	WindowEnd   time.Time
}

// Summarize walks the constraint's sequence in order and sums the members'
// latency estimates. It is a pure function of the snapshot: no I/O, no
// table access, same inputs give the same summary.
func Summarize(c model.Constraint, snap Snapshot) SequenceSummary {
	summary := SequenceSummary{
		Contributions: make([]Contribution, 0, len(c.Sequence)),
	}
	for i, m := range c.Sequence {
		est, ok := snap[m.Key()]
		if !ok || est.Samples == 0 {
			summary.Incomplete = true
			continue
		}
		summary.Aggregate += est.Latency
		summary.Contributions = append(summary.Contributions, Contribution{
			Member:   m.Key(),
			Position: i,
			Latency:  est.Latency,
		})
		if summary.WindowStart.IsZero() || est.Oldest.Before(summary.WindowStart) {
			summary.WindowStart = est.Oldest
		}
		if est.Newest.After(summary.WindowEnd) {
			summary.WindowEnd = est.Newest
		}
	}
	if !summary.Incomplete && summary.Aggregate > 0 {
		for i := range summary.Contributions {
			summary.Contributions[i].Fraction = float64(summary.Contributions[i].Latency) / float64(summary.Aggregate)
		}
	}
	return summary
}
