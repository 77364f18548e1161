package aggregator

import (
	"sync"
	"time"

	"github.com/streamhouse/qosmon/pkg/qos/model"
)

// memberState is the rolling sample window for one member, newest last.
type memberState struct {
	samples []model.LatencySample
	ewma    float64 // seconds, valid once len(samples) > 0
}

func (s *memberState) newest() model.LatencySample {
	return s.samples[len(s.samples)-1]
}

// StateTable holds the latest latency samples per member. Writes follow a
// monotonic-timestamp rule: a sample older than the newest stored one for
// the same member is discarded.
type StateTable struct {
	mtx     sync.Mutex
	cfg     Config
	members map[model.MemberID]*memberState
}

func NewStateTable(cfg Config) *StateTable {
	return &StateTable{
		cfg:     cfg,
		members: make(map[model.MemberID]*memberState),
	}
}

// Observe records a sample, returning false when it was discarded as stale.
func (t *StateTable) Observe(s model.LatencySample) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	st, ok := t.members[s.Member]
	if !ok {
		st = &memberState{}
		t.members[s.Member] = st
	}
	if len(st.samples) > 0 && s.Timestamp.Before(st.newest().Timestamp) {
		return false
	}
	st.samples = append(st.samples, s)
	if n := len(st.samples) - t.cfg.WindowSize; n > 0 {
		st.samples = st.samples[n:]
	}
	lat := s.Latency.Seconds()
	if len(st.samples) == 1 {
		st.ewma = lat
	} else {
		st.ewma = t.cfg.EWMAAlpha*lat + (1-t.cfg.EWMAAlpha)*st.ewma
	}
	return true
}

// Len returns the number of members with at least one sample.
func (t *StateTable) Len() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return len(t.members)
}

// Estimate is one member's smoothed latency at snapshot time, together
// with the sample window it was derived from.
type Estimate struct {
	Latency time.Duration
	Oldest  time.Time
	Newest  time.Time
	Samples int
}

// Snapshot is an immutable copy of the table's estimates. Summarize only
// ever sees snapshots, so a whole evaluation pass observes one consistent
// state of the table.
type Snapshot map[model.MemberID]Estimate

// Snapshot applies the smoothing policy to every member's window and
// returns the resulting estimates.
func (t *StateTable) Snapshot() Snapshot {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	snap := make(Snapshot, len(t.members))
	for id, st := range t.members {
		snap[id] = Estimate{
			Latency: t.estimate(st),
			Oldest:  st.samples[0].Timestamp,
			Newest:  st.newest().Timestamp,
			Samples: len(st.samples),
		}
	}
	return snap
}

func (t *StateTable) estimate(st *memberState) time.Duration {
	switch t.cfg.Smoothing {
	case SmoothingEWMA:
		return time.Duration(st.ewma * float64(time.Second))
	case SmoothingWindowMean:
		var sum time.Duration
		for _, s := range st.samples {
			sum += s.Latency
		}
		return sum / time.Duration(len(st.samples))
	default:
		return st.newest().Latency
	}
}
