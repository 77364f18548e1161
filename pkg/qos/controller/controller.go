// Package controller implements the central QoS statistics controller: the
// per-job coordinator that ingests latency samples and execution-graph
// life-cycle events from workers, periodically summarizes every active
// latency constraint and notifies listeners about violations.
package controller

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	prommodel "github.com/prometheus/common/model"
	"go.uber.org/atomic"

	"github.com/streamhouse/qosmon/pkg/qos/aggregator"
	"github.com/streamhouse/qosmon/pkg/qos/evaluator"
	"github.com/streamhouse/qosmon/pkg/qos/model"
)

var (
	// ErrNotOpen is returned when an operation is invoked on a controller
	// that is not open. This is API misuse and should fail loudly.
	ErrNotOpen = errors.New("qos statistics controller is not open")
	// ErrAlreadyOpen is returned by Open on an open controller.
	ErrAlreadyOpen = errors.New("qos statistics controller is already open")
	// ErrClosed is returned by Open after Close: the controller life cycle
	// is single-use, one instance per job run.
	ErrClosed = errors.New("qos statistics controller has been closed")
)

type Config struct {
	ReportInterval prommodel.Duration `yaml:"report_interval"`
	Aggregator     aggregator.Config  `yaml:"aggregator"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.ReportInterval = prommodel.Duration(10 * time.Second)
	f.Var(&cfg.ReportInterval, "qos.report-interval", "How often to evaluate the active latency constraints.")
	cfg.Aggregator.RegisterFlags(f)
}

func (cfg *Config) Validate() error {
	if cfg.ReportInterval <= 0 {
		return errors.New("report interval must be positive")
	}
	return cfg.Aggregator.Validate()
}

type state int

const (
	stateCreated state = iota
	stateOpen
	stateClosed
)

// Controller owns all mutable QoS state for one job: the latency state
// table, the member life-cycle map and the active constraint set. All
// mutation is serialized through one mutex; the reporting pass copies a
// consistent snapshot under it and evaluates outside it, so slow listeners
// never block sample ingestion.
type Controller struct {
	cfg     Config
	logger  log.Logger
	metrics *controllerMetrics

	mtx         sync.Mutex
	st          state
	jobID       uuid.UUID
	constraints []model.Constraint
	members     map[model.MemberID]model.Member
	lifecycle   map[model.MemberID]model.LifecycleState
	table       *aggregator.StateTable
	listeners   []ViolationListener

	reportLoop services.Service
	lastReport atomic.Time
}

func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid qos controller config")
	}
	return &Controller{
		cfg:     cfg,
		logger:  logger,
		metrics: newControllerMetrics(reg),
	}, nil
}

// RegisterListener adds a violation listener. Listeners registered after
// Open still receive violations from subsequent cycles.
func (c *Controller) RegisterListener(l ViolationListener) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.listeners = append(c.listeners, l)
}

// Open loads the active constraint set for the job, resets all per-member
// latency state and starts the periodic reporting loop. Constraints with a
// malformed sequence are dropped with an error log; the job continues with
// the remaining ones.
func (c *Controller) Open(jobID uuid.UUID, constraints []model.Constraint) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	switch c.st {
	case stateOpen:
		return ErrAlreadyOpen
	case stateClosed:
		return ErrClosed
	}

	c.jobID = jobID
	c.constraints = c.constraints[:0]
	c.members = make(map[model.MemberID]model.Member)
	c.lifecycle = make(map[model.MemberID]model.LifecycleState)
	c.table = aggregator.NewStateTable(c.cfg.Aggregator)

	for _, constraint := range constraints {
		if err := constraint.Sequence.Validate(); err != nil {
			level.Error(c.logger).Log("msg", "dropping malformed latency constraint", "constraint", constraint.Name, "err", err)
			continue
		}
		c.constraints = append(c.constraints, constraint)
		for _, m := range constraint.Sequence {
			c.members[m.Key()] = m
			c.lifecycle[m.Key()] = model.StateUnknown
		}
	}
	c.metrics.constraintsActive.Set(float64(len(c.constraints)))

	c.reportLoop = services.NewTimerService(time.Duration(c.cfg.ReportInterval), nil, c.reportIteration, nil)
	if err := services.StartAndAwaitRunning(context.Background(), c.reportLoop); err != nil {
		return errors.Wrap(err, "starting qos report loop")
	}

	c.st = stateOpen
	level.Info(c.logger).Log("msg", "qos statistics controller opened", "job", jobID,
		"constraints", len(c.constraints), "members", len(c.members), "interval", c.cfg.ReportInterval)
	return nil
}

// HandleStatistic records one latency sample. Samples referencing a member
// outside every active constraint are dropped and reported back with a
// *model.UnknownMemberError; stale samples are dropped silently per the
// monotonic-timestamp rule. Neither case is fatal and callers may ignore
// the returned error.
func (c *Controller) HandleStatistic(sample model.LatencySample) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.st != stateOpen {
		return ErrNotOpen
	}
	if _, ok := c.members[sample.Member]; !ok {
		c.metrics.samplesDropped.WithLabelValues(dropReasonUnknownMember).Inc()
		level.Debug(c.logger).Log("msg", "dropping sample for unknown member", "member", sample.Member)
		return &model.UnknownMemberError{Member: sample.Member}
	}
	if !c.table.Observe(sample) {
		c.metrics.samplesDropped.WithLabelValues(dropReasonStale).Inc()
		level.Debug(c.logger).Log("msg", "dropping stale sample", "member", sample.Member, "ts", sample.Timestamp)
		return nil
	}
	c.metrics.samplesIngested.Inc()
	return nil
}

// HandleExecutionStateChanged updates a member's life-cycle state. While a
// member is not running, every constraint containing it is skipped.
func (c *Controller) HandleExecutionStateChanged(id model.MemberID, st model.LifecycleState) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.st != stateOpen {
		return ErrNotOpen
	}
	if _, ok := c.members[id]; !ok {
		level.Debug(c.logger).Log("msg", "dropping state change for unknown member", "member", id, "state", st)
		return &model.UnknownMemberError{Member: id}
	}
	c.lifecycle[id] = st
	return nil
}

// HandleJobStatusChanged closes the controller when the job reaches a
// terminal status.
func (c *Controller) HandleJobStatusChanged(status model.JobStatus) error {
	c.mtx.Lock()
	if c.st != stateOpen {
		c.mtx.Unlock()
		return ErrNotOpen
	}
	c.mtx.Unlock()

	if status.Terminal() {
		level.Info(c.logger).Log("msg", "job reached terminal status, closing qos controller", "status", status)
		return c.Close()
	}
	return nil
}

func (c *Controller) reportIteration(_ context.Context) error {
	c.ReportStatistics()
	return nil
}

// ReportStatistics runs one evaluation pass over every active constraint.
// It is normally driven by the periodic loop; it is safe but unusual to
// call it directly. A pass on a controller that is not open is a no-op, so
// a tick racing Close does no harm. The loop runs passes strictly one
// after another: a tick that fires while a pass is still running is
// dropped, not queued.
func (c *Controller) ReportStatistics() {
	start := time.Now()

	c.mtx.Lock()
	if c.st != stateOpen {
		c.mtx.Unlock()
		return
	}
	constraints := c.constraints
	listeners := make([]ViolationListener, len(c.listeners))
	copy(listeners, c.listeners)
	lifecycle := make(map[model.MemberID]model.LifecycleState, len(c.lifecycle))
	for id, st := range c.lifecycle {
		lifecycle[id] = st
	}
	snapshot := c.table.Snapshot()
	c.mtx.Unlock()

	for _, constraint := range constraints {
		if !membersRunning(constraint, lifecycle) {
			c.metrics.constraintsSkipped.WithLabelValues(skipReasonNotRunning).Inc()
			continue
		}
		summary := aggregator.Summarize(constraint, snapshot)
		if summary.Incomplete {
			c.metrics.constraintsSkipped.WithLabelValues(skipReasonIncomplete).Inc()
			continue
		}
		decision, err := evaluator.Evaluate(constraint, summary)
		if err != nil {
			level.Error(c.logger).Log("msg", "constraint evaluation failed", "constraint", constraint.Name, "err", err)
			continue
		}
		c.metrics.evaluations.Inc()
		if decision.Outcome != evaluator.Violated {
			continue
		}
		c.metrics.violations.Inc()
		level.Debug(c.logger).Log("msg", "latency constraint violated", "constraint", constraint.Name,
			"aggregate", summary.Aggregate, "budget", constraint.MaxLatency)
		for _, l := range listeners {
			c.notifyListener(l, constraint, summary)
		}
	}

	c.lastReport.Store(time.Now())
	c.metrics.lastReport.SetToCurrentTime()
	c.metrics.reportDuration.Observe(time.Since(start).Seconds())
}

// notifyListener isolates one listener invocation: a panicking listener
// must not abort the cycle for other constraints or listeners.
func (c *Controller) notifyListener(l ViolationListener, constraint model.Constraint, summary aggregator.SequenceSummary) {
	defer func() {
		if p := recover(); p != nil {
			c.metrics.listenerFailures.Inc()
			level.Error(c.logger).Log("msg", "violation listener panicked", "constraint", constraint.Name, "panic", p)
		}
	}()
	l.HandleViolatedConstraint(constraint, constraint.Sequence, summary)
}

// LastReport returns the completion time of the most recent reporting
// pass, the zero time if none finished yet.
func (c *Controller) LastReport() time.Time {
	return c.lastReport.Load()
}

// Close stops the reporting loop and releases all per-job state. It waits
// for an in-flight reporting pass to finish. Closing an already closed
// controller is a no-op.
func (c *Controller) Close() error {
	c.mtx.Lock()
	if c.st != stateOpen {
		c.st = stateClosed
		c.mtx.Unlock()
		return nil
	}
	c.st = stateClosed
	loop := c.reportLoop
	c.reportLoop = nil
	c.mtx.Unlock()

	if err := services.StopAndAwaitTerminated(context.Background(), loop); err != nil {
		level.Warn(c.logger).Log("msg", "qos report loop stopped with error", "err", err)
	}

	c.mtx.Lock()
	c.constraints = nil
	c.members = nil
	c.lifecycle = nil
	c.table = nil
	c.metrics.constraintsActive.Set(0)
	c.mtx.Unlock()

	level.Info(c.logger).Log("msg", "qos statistics controller closed", "job", c.jobID)
	return nil
}

func membersRunning(c model.Constraint, lifecycle map[model.MemberID]model.LifecycleState) bool {
	for _, m := range c.Sequence {
		if lifecycle[m.Key()] != model.StateRunning {
			return false
		}
	}
	return true
}
