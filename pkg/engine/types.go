package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Resource is the engine's cached view of one provider-side resource.
type Resource struct {
	// ID is the provider-assigned identifier. It never changes once recorded.
	ID string `json:"id"`

	// Type is the hierarchical resource type (e.g., "Microsoft.Network/virtualNetworks").
	Type string `json:"type"`

	// Name is the resource name within its group.
	Name string `json:"name"`

	// Group is the containing group (resource group, project, namespace).
	Group string `json:"group"`

	// Region is the provider region or location.
	Region string `json:"region,omitempty"`

	// State is the last provisioning state reported by the provider.
	State ProvisioningState `json:"state"`

	// Properties is the provider property document.
	Properties *PropertyBag `json:"properties,omitempty"`

	// Tags are provider tags on the resource.
	Tags map[string]string `json:"tags,omitempty"`

	// ManagedByEngine is set once the engine takes ownership of the resource.
	ManagedByEngine bool `json:"managed_by_engine"`

	// CreatedByEngine is set when an engine operation created the resource.
	CreatedByEngine bool `json:"created_by_engine"`

	// SoftDeleted marks a resource the engine has deleted but still remembers.
	SoftDeleted bool `json:"soft_deleted"`

	// DeletedAt is when the resource was soft-deleted.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// DiscoveredAt is when the engine first saw the resource.
	DiscoveredAt time.Time `json:"discovered_at"`

	// LastValidatedAt is when the provider last confirmed the resource.
	LastValidatedAt time.Time `json:"last_validated_at"`

	// CacheExpiresAt is when the cached view stops being fresh.
	CacheExpiresAt time.Time `json:"cache_expires_at"`
}

// Ref returns the lookup reference of the resource.
func (r *Resource) Ref() ResourceRef {
	return ResourceRef{Type: r.Type, Name: r.Name, Group: r.Group}
}

// IsFresh reports whether the cached view can be used without asking the provider.
func (r *Resource) IsFresh(now time.Time) bool {
	return now.Before(r.CacheExpiresAt)
}

// IsPresent reports whether the resource counts as existing.
func (r *Resource) IsPresent() bool {
	return !r.SoftDeleted && r.State != StateDeleted
}

// ResourceRef names a resource by type, name and group.
type ResourceRef struct {
	Type  string `json:"type" yaml:"type" validate:"required"`
	Name  string `json:"name" yaml:"name" validate:"required"`
	Group string `json:"group,omitempty" yaml:"group,omitempty"`
}

// Key returns the cache key "type/group/name".
func (r ResourceRef) Key() string {
	return r.Type + "/" + r.Group + "/" + r.Name
}

// String implements fmt.Stringer.
func (r ResourceRef) String() string {
	if r.Group == "" {
		return fmt.Sprintf("%s %s", r.Type, r.Name)
	}
	return fmt.Sprintf("%s %s (group %s)", r.Type, r.Name, r.Group)
}

// DependencyEdge is a directed "From depends on To" relationship.
type DependencyEdge struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Strength Strength `json:"strength"`
	Kind     EdgeKind `json:"kind"`
}

// Validate rejects self-loops and unknown enum values.
func (e DependencyEdge) Validate() error {
	if e.From == "" || e.To == "" {
		return fmt.Errorf("dependency edge needs both endpoints")
	}
	if strings.EqualFold(e.From, e.To) {
		return fmt.Errorf("self-referential dependency on %s", e.From)
	}
	if err := e.Strength.Validate(); err != nil {
		return err
	}
	return e.Kind.Validate()
}

// CacheEntry maps a query key to the resource it resolved to.
type CacheEntry struct {
	Key        string     `json:"key"`
	ResourceID string     `json:"resource_id"`
	Scope      CacheScope `json:"scope"`
	ExpiresAt  time.Time  `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Operation is one execution of a descriptor.
type Operation struct {
	// ID is unique per execution.
	ID string `json:"id"`

	// DescriptorID identifies the descriptor that was executed.
	DescriptorID string `json:"descriptor_id"`

	// Capability groups related descriptors (networking, storage, ...).
	Capability string `json:"capability,omitempty"`

	// Name is the descriptor's display name.
	Name string `json:"name"`

	// Kind is the descriptor's operation kind.
	Kind OperationKind `json:"kind"`

	// Target is the cache key of the operation's target, if it declares one.
	Target string `json:"target,omitempty"`

	// TargetResourceID is the provider ID of the target once known.
	TargetResourceID string `json:"target_resource_id,omitempty"`

	// Status is the current lifecycle status.
	Status OperationStatus `json:"status"`

	// Force records whether prerequisite validation was skipped.
	Force bool `json:"force"`

	// CurrentStep is the 1-based index of the step being run.
	CurrentStep int `json:"current_step"`

	// TotalSteps is the number of forward steps.
	TotalSteps int `json:"total_steps"`

	// Error is the failure message for failed operations.
	Error string `json:"error,omitempty"`

	// Warning carries non-fatal problems such as a partial rollback.
	Warning string `json:"warning,omitempty"`

	StartedAt *time.Time    `json:"started_at,omitempty"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// LogEntry is one append-only line of an operation's log.
type LogEntry struct {
	ID          int64                  `json:"id"`
	OperationID string                 `json:"operation_id"`
	Level       LogLevel               `json:"level"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// StepRecord is the history of one step or rollback-step dispatch.
type StepRecord struct {
	ID          int64      `json:"id"`
	OperationID string     `json:"operation_id"`
	Phase       StepPhase  `json:"phase"`
	Index       int        `json:"index"`
	Name        string     `json:"name"`
	Command     string     `json:"command"`
	Status      StepStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	ExitCode    int        `json:"exit_code"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	FixApplied  string     `json:"fix_applied,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     time.Time  `json:"ended_at"`
}

// FailureRecord remembers a failed step attempt so later runs of the same
// descriptor can reuse the fix that resolved it.
type FailureRecord struct {
	ID           int64     `json:"id"`
	DescriptorID string    `json:"descriptor_id"`
	StepName     string    `json:"step_name"`
	OperationID  string    `json:"operation_id"`
	Output       string    `json:"output"`
	FixName      string    `json:"fix_name,omitempty"`
	Resolved     bool      `json:"resolved"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// DurationClass buckets operations by expected run time.
type DurationClass string

const (
	DurationFast   DurationClass = "FAST"
	DurationNormal DurationClass = "NORMAL"
	DurationWait   DurationClass = "WAIT"
	DurationLong   DurationClass = "LONG"
)

// DurationSpec is the descriptor-level timing budget.
type DurationSpec struct {
	Expected time.Duration `json:"expected"`
	Timeout  time.Duration `json:"timeout"`
	Class    DurationClass `json:"class,omitempty"`
}

// Parameter declares one substitution variable.
type Parameter struct {
	Name        string `json:"name" yaml:"name" validate:"required"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Default     string `json:"default,omitempty" yaml:"default,omitempty"`
}

// Step is one opaque command in a descriptor.
type Step struct {
	// Name identifies the step within its descriptor.
	Name string `json:"name"`

	// Command is the command text handed to the step runner after substitution.
	Command string `json:"command"`

	// ContinueOnError lets the operation proceed past a failure of this step.
	ContinueOnError bool `json:"continue_on_error,omitempty"`

	// Expected is the typical run time, for reporting only.
	Expected time.Duration `json:"expected,omitempty"`

	// Timeout is the maximum run time; zero means the descriptor default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Undoes names the forward step a rollback step compensates.
	Undoes string `json:"undoes,omitempty"`
}

// Descriptor is a declarative operation: prerequisites, steps and rollback steps.
type Descriptor struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Capability    string        `json:"capability,omitempty"`
	Kind          OperationKind `json:"kind"`
	ResourceType  string        `json:"resource_type,omitempty"`
	Target        *ResourceRef  `json:"target,omitempty"`
	Requires      []string      `json:"requires,omitempty"`
	Prerequisites []ResourceRef `json:"prerequisites,omitempty"`
	Required      []Parameter   `json:"required_parameters,omitempty"`
	Optional      []Parameter   `json:"optional_parameters,omitempty"`
	Duration      DurationSpec  `json:"duration"`
	TemplateType  string        `json:"template_type,omitempty"`
	Steps         []Step        `json:"steps"`
	Rollback      []Step        `json:"rollback,omitempty"`

	// Source is the file the descriptor was loaded from, if any.
	Source string `json:"source,omitempty"`
}

// Validate checks structural consistency. All problems are reported together.
func (d *Descriptor) Validate() error {
	var result *multierror.Error
	if d.ID == "" {
		result = multierror.Append(result, fmt.Errorf("descriptor id is required"))
	}
	if err := d.Kind.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if len(d.Steps) == 0 {
		result = multierror.Append(result, fmt.Errorf("descriptor has no steps"))
	}
	if d.Duration.Timeout < 0 || d.Duration.Expected < 0 {
		result = multierror.Append(result, fmt.Errorf("durations must not be negative"))
	}
	if d.Duration.Timeout > 0 && d.Duration.Expected > d.Duration.Timeout {
		result = multierror.Append(result, fmt.Errorf("expected duration %s exceeds timeout %s",
			d.Duration.Expected, d.Duration.Timeout))
	}

	names := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			result = multierror.Append(result, fmt.Errorf("step %d has no name", i+1))
		} else if names[s.Name] {
			result = multierror.Append(result, fmt.Errorf("duplicate step name %q", s.Name))
		}
		names[s.Name] = true
		if strings.TrimSpace(s.Command) == "" {
			result = multierror.Append(result, fmt.Errorf("step %q has no command", s.Name))
		}
		if s.Timeout < 0 {
			result = multierror.Append(result, fmt.Errorf("step %q has a negative timeout", s.Name))
		}
	}
	for i, s := range d.Rollback {
		if s.Name == "" || strings.TrimSpace(s.Command) == "" {
			result = multierror.Append(result, fmt.Errorf("rollback step %d needs a name and a command", i+1))
		}
		if s.Undoes != "" && !names[s.Undoes] {
			result = multierror.Append(result, fmt.Errorf("rollback step %q undoes unknown step %q", s.Name, s.Undoes))
		}
	}
	for i, p := range d.Prerequisites {
		if p.Type == "" || p.Name == "" {
			result = multierror.Append(result, fmt.Errorf("prerequisite %d needs a type and a name", i+1))
		}
	}
	if d.Target != nil && (d.Target.Type == "" || d.Target.Name == "") {
		result = multierror.Append(result, fmt.Errorf("target needs a type and a name"))
	}

	if err := result.ErrorOrNil(); err != nil {
		return NewPermanentError("invalid descriptor", err).
			WithCode(ErrCodeInvalidDescriptor).
			WithOperation(d.ID)
	}
	return nil
}

// StepTimeout returns the effective timeout of a step.
func (d *Descriptor) StepTimeout(s Step, fallback time.Duration) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	if d.Duration.Timeout > 0 {
		return d.Duration.Timeout
	}
	return fallback
}

// Clone returns a deep copy so substitution never mutates a shared descriptor.
func (d *Descriptor) Clone() *Descriptor {
	c := *d
	if d.Target != nil {
		t := *d.Target
		c.Target = &t
	}
	c.Requires = append([]string(nil), d.Requires...)
	c.Prerequisites = append([]ResourceRef(nil), d.Prerequisites...)
	c.Required = append([]Parameter(nil), d.Required...)
	c.Optional = append([]Parameter(nil), d.Optional...)
	c.Steps = append([]Step(nil), d.Steps...)
	c.Rollback = append([]Step(nil), d.Rollback...)
	return &c
}
