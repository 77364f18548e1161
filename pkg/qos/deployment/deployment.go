// Package deployment carries the QoS-related task deployment metadata that
// the coordinator hands to workers: which graph members each deployed task
// must report latency samples for, plus the task's chaining and output
// edges. The format is a versioned structured message rather than an
// opaque serialized blob, so it can evolve without lockstep upgrades.
package deployment

import (
	"time"

	"github.com/pkg/errors"
	prommodel "github.com/prometheus/common/model"
	"gopkg.in/yaml.v2"

	"github.com/streamhouse/qosmon/pkg/qos/model"
)

// FormatVersion is the current task deployment message version. Decoders
// reject unknown versions instead of guessing.
const FormatVersion = 1

// MemberRef is the wire form of a graph member's structural identity.
type MemberRef struct {
	Kind          string `yaml:"kind" json:"kind"`
	Vertex        string `yaml:"vertex,omitempty" json:"vertex,omitempty"`
	Subtask       int    `yaml:"subtask,omitempty" json:"subtask,omitempty"`
	Source        string `yaml:"source,omitempty" json:"source,omitempty"`
	SourceSubtask int    `yaml:"source_subtask,omitempty" json:"source_subtask,omitempty"`
	Target        string `yaml:"target,omitempty" json:"target,omitempty"`
	TargetSubtask int    `yaml:"target_subtask,omitempty" json:"target_subtask,omitempty"`
}

// Member resolves the reference to a graph member.
func (r MemberRef) Member() (model.Member, error) {
	switch model.MemberKind(r.Kind) {
	case model.KindVertex:
		if r.Vertex == "" {
			return nil, errors.New("vertex member reference without a vertex id")
		}
		return model.Vertex{ID: model.VertexID(r.Vertex), Subtask: r.Subtask}, nil
	case model.KindEdge:
		if r.Source == "" || r.Target == "" {
			return nil, errors.New("edge member reference without source and target vertex ids")
		}
		return model.Edge{
			Source:        model.VertexID(r.Source),
			SourceSubtask: r.SourceSubtask,
			Target:        model.VertexID(r.Target),
			TargetSubtask: r.TargetSubtask,
		}, nil
	default:
		return nil, errors.Errorf("unknown member kind %q", r.Kind)
	}
}

// RefFor builds the wire reference for a graph member.
func RefFor(m model.Member) MemberRef {
	switch m := m.(type) {
	case model.Vertex:
		return MemberRef{Kind: string(model.KindVertex), Vertex: string(m.ID), Subtask: m.Subtask}
	case model.Edge:
		return MemberRef{
			Kind:          string(model.KindEdge),
			Source:        string(m.Source),
			SourceSubtask: m.SourceSubtask,
			Target:        string(m.Target),
			TargetSubtask: m.TargetSubtask,
		}
	default:
		return MemberRef{}
	}
}

// OutputEdge describes one output channel of a task, chained or not.
type OutputEdge struct {
	Source        string `yaml:"source"`
	SourceSubtask int    `yaml:"source_subtask"`
	Target        string `yaml:"target"`
	TargetSubtask int    `yaml:"target_subtask"`
	Chained       bool   `yaml:"chained,omitempty"`
}

// TaskDeployment is the read-only metadata bag shipped to one deployed
// task. Reporters lists the members the task must emit latency samples
// for.
type TaskDeployment struct {
	FormatVersion int          `yaml:"format_version"`
	JobID         string       `yaml:"job_id"`
	TaskID        string       `yaml:"task_id"`
	ChainedTasks  []string     `yaml:"chained_tasks,omitempty"`
	OutputEdges   []OutputEdge `yaml:"output_edges,omitempty"`
	Reporters     []MemberRef  `yaml:"reporters,omitempty"`
}

// Encode marshals the deployment, stamping the current format version.
func (d TaskDeployment) Encode() ([]byte, error) {
	d.FormatVersion = FormatVersion
	b, err := yaml.Marshal(d)
	return b, errors.Wrap(err, "encoding task deployment")
}

// Decode unmarshals a task deployment, rejecting unknown format versions.
func Decode(b []byte) (TaskDeployment, error) {
	var d TaskDeployment
	if err := yaml.Unmarshal(b, &d); err != nil {
		return TaskDeployment{}, errors.Wrap(err, "decoding task deployment")
	}
	if d.FormatVersion != FormatVersion {
		return TaskDeployment{}, errors.Errorf("unsupported task deployment format version %d, want %d", d.FormatVersion, FormatVersion)
	}
	return d, nil
}

// ComputeAssignments derives the per-task reporter lists from the active
// constraint set and a placement of members onto tasks. Every member of
// every constraint must be placed, otherwise no worker would ever report
// on it and its constraints could never be evaluated.
func ComputeAssignments(constraints []model.Constraint, placement map[model.MemberID]string) (map[string][]MemberRef, error) {
	assignments := make(map[string][]MemberRef)
	assigned := make(map[model.MemberID]struct{})
	for _, c := range constraints {
		for _, m := range c.Sequence {
			if _, ok := assigned[m.Key()]; ok {
				continue
			}
			task, ok := placement[m.Key()]
			if !ok {
				return nil, errors.Errorf("no task hosts %s, constraint %q would be unevaluable", m, c.Name)
			}
			assignments[task] = append(assignments[task], RefFor(m))
			assigned[m.Key()] = struct{}{}
		}
	}
	return assignments, nil
}

// ConstraintSpec is the declarative YAML form of one latency constraint.
type ConstraintSpec struct {
	Name       string             `yaml:"name"`
	MaxLatency prommodel.Duration `yaml:"max_latency"`
	Sequence   []MemberRef        `yaml:"sequence"`
}

// ConstraintsFile is the on-disk declaration of a job's constraints,
// supplied to the controller at open time by the job-graph loader.
type ConstraintsFile struct {
	FormatVersion int              `yaml:"format_version"`
	Constraints   []ConstraintSpec `yaml:"constraints"`
}

// ParseConstraints loads constraint declarations from YAML. A malformed
// sequence fails the load; the caller decides whether to proceed without
// the file or abort.
func ParseConstraints(b []byte) ([]model.Constraint, error) {
	var file ConstraintsFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, errors.Wrap(err, "decoding constraints file")
	}
	if file.FormatVersion != FormatVersion {
		return nil, errors.Errorf("unsupported constraints file format version %d, want %d", file.FormatVersion, FormatVersion)
	}
	constraints := make([]model.Constraint, 0, len(file.Constraints))
	for _, spec := range file.Constraints {
		seq := make(model.Sequence, 0, len(spec.Sequence))
		for _, ref := range spec.Sequence {
			m, err := ref.Member()
			if err != nil {
				return nil, errors.Wrapf(err, "constraint %q", spec.Name)
			}
			seq = append(seq, m)
		}
		c, err := model.NewConstraint(spec.Name, seq, time.Duration(spec.MaxLatency))
		if err != nil {
			return nil, errors.Wrapf(err, "constraint %q", spec.Name)
		}
		constraints = append(constraints, c)
	}
	return constraints, nil
}
