package controller

import (
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	prommodel "github.com/prometheus/common/model"
	"github.com/stretchr/testify/require"

	"github.com/streamhouse/qosmon/pkg/qos/aggregator"
	"github.com/streamhouse/qosmon/pkg/qos/model"
)

var (
	v1 = model.Vertex{ID: "v1", Subtask: 0}
	e1 = model.Edge{Source: "v1", SourceSubtask: 0, Target: "v2", TargetSubtask: 0}
	v2 = model.Vertex{ID: "v2", Subtask: 0}

	t0 = time.Unix(1700000000, 0)
)

type violation struct {
	constraint model.Constraint
	members    []model.Member
	summary    aggregator.SequenceSummary
}

type recordingListener struct {
	mtx   sync.Mutex
	calls []violation
}

func (l *recordingListener) HandleViolatedConstraint(c model.Constraint, members []model.Member, summary aggregator.SequenceSummary) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.calls = append(l.calls, violation{constraint: c, members: members, summary: summary})
}

func (l *recordingListener) violations() []violation {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return append([]violation(nil), l.calls...)
}

func newTestController(t *testing.T) *Controller {
	cfg := Config{
		ReportInterval: prommodel.Duration(time.Minute),
		Aggregator: aggregator.Config{
			Smoothing:  aggregator.SmoothingLatest,
			WindowSize: 4,
			EWMAAlpha:  0.5,
		},
	}
	c, err := New(cfg, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	return c
}

func testConstraint(t *testing.T, name string, seq model.Sequence, budget time.Duration) model.Constraint {
	c, err := model.NewConstraint(name, seq, budget)
	require.NoError(t, err)
	return c
}

func openWithConstraints(t *testing.T, ctrl *Controller, constraints ...model.Constraint) {
	require.NoError(t, ctrl.Open(uuid.New(), constraints))
	t.Cleanup(func() { _ = ctrl.Close() })
}

func markRunning(t *testing.T, ctrl *Controller, members ...model.Member) {
	for _, m := range members {
		require.NoError(t, ctrl.HandleExecutionStateChanged(m.Key(), model.StateRunning))
	}
}

func feedSamples(t *testing.T, ctrl *Controller, at time.Time, latencies map[model.Member]time.Duration) {
	for m, lat := range latencies {
		require.NoError(t, ctrl.HandleStatistic(model.LatencySample{Member: m.Key(), Latency: lat, Timestamp: at}))
	}
}

func TestControllerLifecycle(t *testing.T) {
	ctrl := newTestController(t)

	sample := model.LatencySample{Member: v1.Key(), Latency: time.Millisecond, Timestamp: t0}
	require.ErrorIs(t, ctrl.HandleStatistic(sample), ErrNotOpen)
	require.ErrorIs(t, ctrl.HandleExecutionStateChanged(v1.Key(), model.StateRunning), ErrNotOpen)
	require.ErrorIs(t, ctrl.HandleJobStatusChanged(model.JobFinished), ErrNotOpen)

	constraint := testConstraint(t, "c", model.Sequence{v1, e1, v2}, 30*time.Millisecond)
	require.NoError(t, ctrl.Open(uuid.New(), []model.Constraint{constraint}))
	require.ErrorIs(t, ctrl.Open(uuid.New(), nil), ErrAlreadyOpen)
	markRunning(t, ctrl, v1)

	require.NoError(t, ctrl.Close())
	require.ErrorIs(t, ctrl.HandleStatistic(sample), ErrNotOpen)
	// Closing again is a no-op, and a closed controller cannot reopen.
	require.NoError(t, ctrl.Close())
	require.ErrorIs(t, ctrl.Open(uuid.New(), nil), ErrClosed)
}

func TestReportStatisticsReportsViolation(t *testing.T) {
	ctrl := newTestController(t)
	listener := &recordingListener{}
	ctrl.RegisterListener(listener)

	constraint := testConstraint(t, "c", model.Sequence{v1, e1, v2}, 30*time.Millisecond)
	openWithConstraints(t, ctrl, constraint)
	markRunning(t, ctrl, v1, e1, v2)
	feedSamples(t, ctrl, t0, map[model.Member]time.Duration{
		v1: 10 * time.Millisecond,
		e1: 5 * time.Millisecond,
		v2: 20 * time.Millisecond,
	})

	ctrl.ReportStatistics()

	calls := listener.violations()
	require.Len(t, calls, 1)
	require.Equal(t, "c", calls[0].constraint.Name)
	require.Equal(t, []model.Member{v1, e1, v2}, calls[0].members)
	require.Equal(t, 35*time.Millisecond, calls[0].summary.Aggregate)
	require.False(t, ctrl.LastReport().IsZero())
}

func TestReportStatisticsWithinBudget(t *testing.T) {
	ctrl := newTestController(t)
	listener := &recordingListener{}
	ctrl.RegisterListener(listener)

	constraint := testConstraint(t, "c", model.Sequence{v1, e1, v2}, 40*time.Millisecond)
	openWithConstraints(t, ctrl, constraint)
	markRunning(t, ctrl, v1, e1, v2)
	feedSamples(t, ctrl, t0, map[model.Member]time.Duration{
		v1: 10 * time.Millisecond,
		e1: 5 * time.Millisecond,
		v2: 20 * time.Millisecond,
	})

	ctrl.ReportStatistics()
	require.Empty(t, listener.violations())
}

func TestIncompleteConstraintIsSkipped(t *testing.T) {
	ctrl := newTestController(t)
	listener := &recordingListener{}
	ctrl.RegisterListener(listener)

	constraint := testConstraint(t, "c", model.Sequence{v1, e1, v2}, time.Millisecond)
	openWithConstraints(t, ctrl, constraint)
	markRunning(t, ctrl, v1, e1, v2)
	// v2 has no sample yet: no violation may be declared on partial data.
	feedSamples(t, ctrl, t0, map[model.Member]time.Duration{
		v1: 10 * time.Millisecond,
		e1: 5 * time.Millisecond,
	})

	ctrl.ReportStatistics()
	require.Empty(t, listener.violations())
}

func TestNotRunningMemberGatesEvaluation(t *testing.T) {
	ctrl := newTestController(t)
	listener := &recordingListener{}
	ctrl.RegisterListener(listener)

	constraint := testConstraint(t, "c", model.Sequence{v1, e1, v2}, time.Millisecond)
	openWithConstraints(t, ctrl, constraint)
	markRunning(t, ctrl, v1, e1, v2)
	feedSamples(t, ctrl, t0, map[model.Member]time.Duration{
		v1: 10 * time.Millisecond,
		e1: 5 * time.Millisecond,
		v2: 20 * time.Millisecond,
	})

	require.NoError(t, ctrl.HandleExecutionStateChanged(v2.Key(), model.StateDeploying))
	ctrl.ReportStatistics()
	require.Empty(t, listener.violations())

	// Once the member is running again the constraint is evaluable.
	require.NoError(t, ctrl.HandleExecutionStateChanged(v2.Key(), model.StateRunning))
	ctrl.ReportStatistics()
	require.Len(t, listener.violations(), 1)
}

func TestStaleSampleDoesNotChangeState(t *testing.T) {
	ctrl := newTestController(t)
	listener := &recordingListener{}
	ctrl.RegisterListener(listener)

	constraint := testConstraint(t, "c", model.Sequence{v1, e1, v2}, 30*time.Millisecond)
	openWithConstraints(t, ctrl, constraint)
	markRunning(t, ctrl, v1, e1, v2)
	feedSamples(t, ctrl, t0, map[model.Member]time.Duration{
		v1: 10 * time.Millisecond,
		e1: 5 * time.Millisecond,
		v2: 20 * time.Millisecond,
	})
	// An hour-old sample for v2 must not override the stored 20ms.
	require.NoError(t, ctrl.HandleStatistic(model.LatencySample{
		Member:    v2.Key(),
		Latency:   time.Millisecond,
		Timestamp: t0.Add(-time.Hour),
	}))

	ctrl.ReportStatistics()
	calls := listener.violations()
	require.Len(t, calls, 1)
	require.Equal(t, 35*time.Millisecond, calls[0].summary.Aggregate)
}

func TestUnknownMemberSampleIsDropped(t *testing.T) {
	ctrl := newTestController(t)
	constraint := testConstraint(t, "c", model.Sequence{v1, e1, v2}, 30*time.Millisecond)
	openWithConstraints(t, ctrl, constraint)

	stranger := model.Vertex{ID: "elsewhere", Subtask: 7}
	err := ctrl.HandleStatistic(model.LatencySample{Member: stranger.Key(), Latency: time.Millisecond, Timestamp: t0})
	var unknownErr *model.UnknownMemberError
	require.ErrorAs(t, err, &unknownErr)
	require.Equal(t, stranger.Key(), unknownErr.Member)

	err = ctrl.HandleExecutionStateChanged(stranger.Key(), model.StateRunning)
	require.ErrorAs(t, err, &unknownErr)
}

func TestViolationsReportedEveryCycle(t *testing.T) {
	ctrl := newTestController(t)
	listener := &recordingListener{}
	ctrl.RegisterListener(listener)

	constraint := testConstraint(t, "c", model.Sequence{v1, e1, v2}, time.Millisecond)
	openWithConstraints(t, ctrl, constraint)
	markRunning(t, ctrl, v1, e1, v2)
	feedSamples(t, ctrl, t0, map[model.Member]time.Duration{
		v1: 10 * time.Millisecond,
		e1: 5 * time.Millisecond,
		v2: 20 * time.Millisecond,
	})

	ctrl.ReportStatistics()
	ctrl.ReportStatistics()
	require.Len(t, listener.violations(), 2)
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	ctrl := newTestController(t)

	panicking := ViolationListenerFunc(func(c model.Constraint, _ []model.Member, _ aggregator.SequenceSummary) {
		if c.Name == "a" {
			panic("listener exploded")
		}
	})
	recorder := &recordingListener{}
	ctrl.RegisterListener(panicking)
	ctrl.RegisterListener(recorder)

	v3 := model.Vertex{ID: "v3", Subtask: 0}
	e2 := model.Edge{Source: "v2", SourceSubtask: 0, Target: "v3", TargetSubtask: 0}
	a := testConstraint(t, "a", model.Sequence{v1, e1, v2}, time.Millisecond)
	b := testConstraint(t, "b", model.Sequence{v2, e2, v3}, time.Millisecond)
	openWithConstraints(t, ctrl, a, b)
	markRunning(t, ctrl, v1, e1, v2, e2, v3)
	feedSamples(t, ctrl, t0, map[model.Member]time.Duration{
		v1: 10 * time.Millisecond,
		e1: 5 * time.Millisecond,
		v2: 20 * time.Millisecond,
		e2: 5 * time.Millisecond,
		v3: 10 * time.Millisecond,
	})

	require.NotPanics(t, ctrl.ReportStatistics)

	// The panic while handling constraint a must not stop constraint b
	// from reaching the other listener, nor a from reaching it.
	calls := recorder.violations()
	require.Len(t, calls, 2)
	require.Equal(t, "a", calls[0].constraint.Name)
	require.Equal(t, "b", calls[1].constraint.Name)
}

func TestTerminalJobStatusClosesController(t *testing.T) {
	ctrl := newTestController(t)
	constraint := testConstraint(t, "c", model.Sequence{v1, e1, v2}, 30*time.Millisecond)
	require.NoError(t, ctrl.Open(uuid.New(), []model.Constraint{constraint}))

	require.NoError(t, ctrl.HandleJobStatusChanged(model.JobRunning))
	require.NoError(t, ctrl.HandleExecutionStateChanged(v1.Key(), model.StateRunning))

	require.NoError(t, ctrl.HandleJobStatusChanged(model.JobFailed))
	require.ErrorIs(t, ctrl.HandleStatistic(model.LatencySample{Member: v1.Key(), Latency: time.Millisecond, Timestamp: t0}), ErrNotOpen)
}

func TestOpenDropsMalformedConstraints(t *testing.T) {
	ctrl := newTestController(t)
	listener := &recordingListener{}
	ctrl.RegisterListener(listener)

	good := testConstraint(t, "good", model.Sequence{v1, e1, v2}, time.Millisecond)
	bad := model.Constraint{Name: "bad", Sequence: model.Sequence{v1, v2, e1}, MaxLatency: time.Millisecond}
	openWithConstraints(t, ctrl, good, bad)
	markRunning(t, ctrl, v1, e1, v2)
	feedSamples(t, ctrl, t0, map[model.Member]time.Duration{
		v1: 10 * time.Millisecond,
		e1: 5 * time.Millisecond,
		v2: 20 * time.Millisecond,
	})

	ctrl.ReportStatistics()
	calls := listener.violations()
	require.Len(t, calls, 1)
	require.Equal(t, "good", calls[0].constraint.Name)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{ReportInterval: 0}
	require.Error(t, cfg.Validate())

	cfg = Config{
		ReportInterval: prommodel.Duration(time.Second),
		Aggregator:     aggregator.Config{Smoothing: aggregator.SmoothingLatest, WindowSize: 1, EWMAAlpha: 0.5},
	}
	require.NoError(t, cfg.Validate())
}
