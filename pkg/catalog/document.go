package catalog

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/capstan-io/capstan/pkg/engine"
)

// Document is one operation file.
type Document struct {
	Operation Operation `yaml:"operation" validate:"required"`
}

// Operation is the YAML form of an operation descriptor. Durations are
// whole seconds.
type Operation struct {
	ID            string               `yaml:"id" validate:"required"`
	Name          string               `yaml:"name" validate:"required"`
	Description   string               `yaml:"description" validate:"required"`
	Capability    string               `yaml:"capability" validate:"required"`
	Mode          string               `yaml:"operation_mode" validate:"required"`
	ResourceType  string               `yaml:"resource_type" validate:"required"`
	Target        *engine.ResourceRef  `yaml:"target,omitempty"`
	Requires      []Requirement        `yaml:"requires,omitempty"`
	Prerequisites []engine.ResourceRef `yaml:"prerequisites,omitempty" validate:"dive"`
	Parameters    Parameters           `yaml:"parameters,omitempty"`
	Duration      Duration             `yaml:"duration"`
	Template      Template             `yaml:"template"`
	Steps         []Step               `yaml:"steps,omitempty" validate:"dive"`
	Rollback      Rollback             `yaml:"rollback,omitempty"`

	// Validation and Idempotency are carried for tooling; the executor
	// does not interpret them.
	Validation  map[string]interface{} `yaml:"validation,omitempty"`
	Idempotency map[string]interface{} `yaml:"idempotency,omitempty"`
}

// Requirement names another operation that must have run first. It is
// written either as a bare id or as {operation: id}.
type Requirement struct {
	Operation string `yaml:"operation"`
}

// UnmarshalYAML accepts both requirement forms.
func (r *Requirement) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		r.Operation = value.Value
		return nil
	}
	type plain Requirement
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = Requirement(p)
	return nil
}

// Parameters declares the substitution variables of an operation.
type Parameters struct {
	Required []engine.Parameter `yaml:"required,omitempty" validate:"dive"`
	Optional []engine.Parameter `yaml:"optional,omitempty" validate:"dive"`
}

// Duration is the timing budget in seconds.
type Duration struct {
	Expected int    `yaml:"expected" validate:"gt=0"`
	Timeout  int    `yaml:"timeout" validate:"gt=0"`
	Type     string `yaml:"type" validate:"required,oneof=FAST NORMAL WAIT LONG"`
}

// Template is the single-command form of an operation.
type Template struct {
	Type    string `yaml:"type" validate:"required"`
	Command string `yaml:"command,omitempty"`
}

// Step is one command of a multi-step operation.
type Step struct {
	Name            string `yaml:"name" validate:"required"`
	Command         string `yaml:"command" validate:"required"`
	ContinueOnError bool   `yaml:"continue_on_error,omitempty"`
	Expected        int    `yaml:"expected,omitempty" validate:"gte=0"`
	Timeout         int    `yaml:"timeout,omitempty" validate:"gte=0"`
	Undoes          string `yaml:"undoes,omitempty"`
}

// Rollback lists the compensating steps. Enabled defaults to true when
// steps are present.
type Rollback struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Steps   []Step `yaml:"steps,omitempty" validate:"dive"`
}

func (r Rollback) enabled() bool {
	if r.Enabled != nil {
		return *r.Enabled
	}
	return len(r.Steps) > 0
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Descriptor converts the document to an engine descriptor. An operation
// without steps runs its template command as a single step named after
// the operation.
func (o *Operation) Descriptor() (*engine.Descriptor, error) {
	kind, err := engine.KindForMode(o.Mode)
	if err != nil {
		return nil, engine.InvalidDescriptorf("operation %s: %v", o.ID, err).WithOperation(o.ID)
	}

	d := &engine.Descriptor{
		ID:            o.ID,
		Name:          o.Name,
		Description:   o.Description,
		Capability:    o.Capability,
		Kind:          kind,
		ResourceType:  o.ResourceType,
		Prerequisites: append([]engine.ResourceRef(nil), o.Prerequisites...),
		Required:      append([]engine.Parameter(nil), o.Parameters.Required...),
		Optional:      append([]engine.Parameter(nil), o.Parameters.Optional...),
		Duration: engine.DurationSpec{
			Expected: seconds(o.Duration.Expected),
			Timeout:  seconds(o.Duration.Timeout),
			Class:    engine.DurationClass(o.Duration.Type),
		},
		TemplateType: o.Template.Type,
	}
	if o.Target != nil {
		t := *o.Target
		d.Target = &t
	}
	for _, r := range o.Requires {
		if r.Operation != "" {
			d.Requires = append(d.Requires, r.Operation)
		}
	}

	if len(o.Steps) > 0 {
		for _, s := range o.Steps {
			d.Steps = append(d.Steps, s.engineStep())
		}
	} else if o.Template.Command != "" {
		d.Steps = []engine.Step{{
			Name:     o.ID,
			Command:  o.Template.Command,
			Expected: seconds(o.Duration.Expected),
		}}
	}
	if o.Rollback.enabled() {
		for _, s := range o.Rollback.Steps {
			d.Rollback = append(d.Rollback, s.engineStep())
		}
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (s Step) engineStep() engine.Step {
	return engine.Step{
		Name:            s.Name,
		Command:         s.Command,
		ContinueOnError: s.ContinueOnError,
		Expected:        seconds(s.Expected),
		Timeout:         seconds(s.Timeout),
		Undoes:          s.Undoes,
	}
}

// ParseDocument decodes one operation file.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse operation document: %w", err)
	}
	return &doc, nil
}
