package model

import "github.com/pkg/errors"

// LifecycleState tracks where a member currently sits in the execution
// graph's deployment life cycle. A sequence is only evaluable while every
// member is running.
type LifecycleState int

const (
	StateUnknown LifecycleState = iota
	StateDeploying
	StateRunning
	StateFinished
	StateFailed
)

var lifecycleNames = map[LifecycleState]string{
	StateUnknown:   "unknown",
	StateDeploying: "deploying",
	StateRunning:   "running",
	StateFinished:  "finished",
	StateFailed:    "failed",
}

func (s LifecycleState) String() string {
	if n, ok := lifecycleNames[s]; ok {
		return n
	}
	return "invalid"
}

// ParseLifecycleState maps the wire representation to a LifecycleState.
func ParseLifecycleState(s string) (LifecycleState, error) {
	for st, n := range lifecycleNames {
		if n == s {
			return st, nil
		}
	}
	return StateUnknown, errors.Errorf("unknown lifecycle state %q", s)
}

// JobStatus is the coarse status of the whole job.
type JobStatus int

const (
	JobRunning JobStatus = iota
	JobFinished
	JobFailed
	JobCancelled
)

var jobStatusNames = map[JobStatus]string{
	JobRunning:   "running",
	JobFinished:  "finished",
	JobFailed:    "failed",
	JobCancelled: "cancelled",
}

func (s JobStatus) String() string {
	if n, ok := jobStatusNames[s]; ok {
		return n
	}
	return "invalid"
}

// Terminal reports whether the status ends the job, and with it all
// constraint monitoring.
func (s JobStatus) Terminal() bool {
	return s == JobFinished || s == JobFailed || s == JobCancelled
}

// ParseJobStatus maps the wire representation to a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	for st, n := range jobStatusNames {
		if n == s {
			return st, nil
		}
	}
	return JobRunning, errors.Errorf("unknown job status %q", s)
}
