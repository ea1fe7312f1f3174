package policy

import (
	"time"

	"github.com/capstan-io/capstan/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block the operation.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the operation.
	SeverityError Severity = "error"

	// SeverityCritical blocks the operation.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy module. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	Policy    string   `json:"policy"`
	Operation string   `json:"operation"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against one
// operation.
type Result struct {
	Allowed     bool          `json:"allowed"`
	Violations  []Violation   `json:"violations,omitempty"`
	Warnings    []string      `json:"warnings,omitempty"`
	Evaluated   []string      `json:"evaluated"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Operation OperationInput `json:"operation"`
}

// OperationInput is the descriptor as exposed to Rego. Durations are whole
// seconds so policies can compare them with plain numbers.
type OperationInput struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Capability    string               `json:"capability"`
	Kind          string               `json:"kind"`
	ResourceType  string               `json:"resource_type"`
	Target        *engine.ResourceRef  `json:"target,omitempty"`
	Requires      []string             `json:"requires"`
	Prerequisites []engine.ResourceRef `json:"prerequisites"`
	Duration      DurationInput        `json:"duration"`
	Steps         []StepInput          `json:"steps"`
	Rollback      []StepInput          `json:"rollback"`
}

// DurationInput carries descriptor durations in seconds.
type DurationInput struct {
	Expected int64  `json:"expected"`
	Timeout  int64  `json:"timeout"`
	Class    string `json:"class"`
}

// StepInput is one step as exposed to Rego. A zero timeout means the
// operation timeout applies.
type StepInput struct {
	Name            string `json:"name"`
	Command         string `json:"command"`
	ContinueOnError bool   `json:"continue_on_error"`
	Timeout         int64  `json:"timeout"`
	Undoes          string `json:"undoes,omitempty"`
}

// NewInput converts a descriptor into policy input.
func NewInput(d *engine.Descriptor) *Input {
	op := OperationInput{
		ID:            d.ID,
		Name:          d.Name,
		Capability:    d.Capability,
		Kind:          string(d.Kind),
		ResourceType:  d.ResourceType,
		Target:        d.Target,
		Requires:      append([]string{}, d.Requires...),
		Prerequisites: append([]engine.ResourceRef{}, d.Prerequisites...),
		Duration: DurationInput{
			Expected: int64(d.Duration.Expected / time.Second),
			Timeout:  int64(d.Duration.Timeout / time.Second),
			Class:    string(d.Duration.Class),
		},
		Steps:    stepInputs(d.Steps),
		Rollback: stepInputs(d.Rollback),
	}
	return &Input{Operation: op}
}

func stepInputs(steps []engine.Step) []StepInput {
	out := make([]StepInput, len(steps))
	for i, s := range steps {
		out[i] = StepInput{
			Name:            s.Name,
			Command:         s.Command,
			ContinueOnError: s.ContinueOnError,
			Timeout:         int64(s.Timeout / time.Second),
			Undoes:          s.Undoes,
		}
	}
	return out
}
