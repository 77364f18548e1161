package controller

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/streamhouse/qosmon/pkg/qos/aggregator"
	"github.com/streamhouse/qosmon/pkg/qos/model"
)

// ViolationListener is the sole outward signal of the controller. It is
// invoked once per cycle per violated constraint; any hysteresis or
// alerting-fatigue policy belongs to the listener, not the controller.
type ViolationListener interface {
	HandleViolatedConstraint(c model.Constraint, members []model.Member, summary aggregator.SequenceSummary)
}

// ViolationListenerFunc adapts a function to the ViolationListener
// interface.
type ViolationListenerFunc func(c model.Constraint, members []model.Member, summary aggregator.SequenceSummary)

func (f ViolationListenerFunc) HandleViolatedConstraint(c model.Constraint, members []model.Member, summary aggregator.SequenceSummary) {
	f(c, members, summary)
}

// NewLogListener returns a listener that logs each violation with its
// per-member latency breakdown.
func NewLogListener(logger log.Logger) ViolationListener {
	return ViolationListenerFunc(func(c model.Constraint, members []model.Member, summary aggregator.SequenceSummary) {
		keyvals := []interface{}{
			"msg", "latency constraint violated",
			"constraint", c.Name,
			"budget", c.MaxLatency,
			"aggregate", summary.Aggregate,
		}
		for _, contrib := range summary.Contributions {
			keyvals = append(keyvals, "member_"+string(contrib.Member), contrib.Latency)
		}
		level.Warn(logger).Log(keyvals...)
	})
}
