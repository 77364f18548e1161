// Package evaluator decides whether a sequence latency summary violates
// its constraint's budget and ranks the members most likely responsible.
package evaluator

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/streamhouse/qosmon/pkg/qos/aggregator"
	"github.com/streamhouse/qosmon/pkg/qos/model"
)

// ErrIncompleteSummary is returned when a summary missing member data is
// passed in. Callers must check SequenceSummary.Incomplete first.
var ErrIncompleteSummary = errors.New("cannot evaluate an incomplete latency summary")

type Outcome int

const (
	Satisfied Outcome = iota
	Violated
)

func (o Outcome) String() string {
	if o == Violated {
		return "violated"
	}
	return "satisfied"
}

// Decision is the result of judging one summary against one constraint.
type Decision struct {
	Outcome    Outcome
	Constraint model.Constraint
	Summary    aggregator.SequenceSummary
	// Culprits orders the sequence members by latency contribution,
	// largest first, ties broken by sequence position. Only populated on
	// violation.
	Culprits []aggregator.Contribution
}

// Evaluate compares the summary's aggregate latency against the constraint
// budget. Aggregate latency exactly equal to the budget is satisfied; only
// strictly exceeding it is a violation.
//
// The evaluator does not rate-limit or deduplicate repeated violations,
// that is a cross-cycle concern handled by the caller.
func Evaluate(c model.Constraint, summary aggregator.SequenceSummary) (Decision, error) {
	if summary.Incomplete {
		return Decision{}, ErrIncompleteSummary
	}
	d := Decision{
		Outcome:    Satisfied,
		Constraint: c,
		Summary:    summary,
	}
	if summary.Aggregate > c.MaxLatency {
		d.Outcome = Violated
		d.Culprits = rankCulprits(summary.Contributions)
	}
	return d, nil
}

func rankCulprits(contributions []aggregator.Contribution) []aggregator.Contribution {
	ranked := make([]aggregator.Contribution, len(contributions))
	copy(ranked, contributions)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Latency != ranked[j].Latency {
			return ranked[i].Latency > ranked[j].Latency
		}
		return ranked[i].Position < ranked[j].Position
	})
	return ranked
}
