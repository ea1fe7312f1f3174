package executor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/capstan-io/capstan/pkg/engine"
)

// PlannedStep is one step as it would be dispatched.
type PlannedStep struct {
	Index           int           `json:"index"`
	Name            string        `json:"name"`
	Command         string        `json:"command"`
	Timeout         time.Duration `json:"timeout"`
	ContinueOnError bool          `json:"continue_on_error,omitempty"`

	// Pairs is set on rollback steps: the forward step index compensated,
	// or -1 for cleanup.
	Pairs int `json:"pairs"`
}

// Plan previews an operation with every variable substituted.
type Plan struct {
	DescriptorID  string               `json:"descriptor_id"`
	Name          string               `json:"name"`
	Kind          engine.OperationKind `json:"kind"`
	Target        *engine.ResourceRef  `json:"target,omitempty"`
	Prerequisites []engine.ResourceRef `json:"prerequisites,omitempty"`
	Steps         []PlannedStep        `json:"steps"`
	Rollback      []PlannedStep        `json:"rollback,omitempty"`
	Warnings      []string             `json:"warnings,omitempty"`
}

// DryRun returns the plan for d without calling the step runner or
// writing to the store. Admission warnings are included; a refusal is
// returned as an error.
func (e *Executor) DryRun(ctx context.Context, d *engine.Descriptor, vars map[string]string) (*Plan, error) {
	res, err := e.Execute(ctx, d, vars, ExecOptions{DryRun: true})
	if err != nil {
		return nil, err
	}
	return res.Plan, nil
}

func (e *Executor) plan(d *engine.Descriptor) *Plan {
	p := &Plan{
		DescriptorID:  d.ID,
		Name:          d.Name,
		Kind:          d.Kind,
		Target:        d.Target,
		Prerequisites: d.Prerequisites,
	}
	for i, s := range d.Steps {
		p.Steps = append(p.Steps, PlannedStep{
			Index:           i,
			Name:            s.Name,
			Command:         s.Command,
			Timeout:         d.StepTimeout(s, e.stepTimeout),
			ContinueOnError: s.ContinueOnError,
			Pairs:           -1,
		})
	}
	pairs := PairRollback(d)
	for i, s := range d.Rollback {
		p.Rollback = append(p.Rollback, PlannedStep{
			Index:   i,
			Name:    s.Name,
			Command: s.Command,
			Timeout: d.StepTimeout(s, e.stepTimeout),
			Pairs:   pairs[i],
		})
	}
	if d.Target != nil && !d.Kind.IsMutating() {
		p.Warnings = append(p.Warnings, fmt.Sprintf("target %s is declared on a non-mutating operation", d.Target))
	}
	return p
}

// Render writes a human-readable form of the plan.
func (p *Plan) Render(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Operation %s (%s)\n", p.DescriptorID, p.Kind)
	if p.Target != nil {
		fmt.Fprintf(&b, "  target: %s\n", p.Target)
	}
	if len(p.Prerequisites) > 0 {
		b.WriteString("  prerequisites:\n")
		for _, ref := range p.Prerequisites {
			fmt.Fprintf(&b, "    - %s\n", ref)
		}
	}
	b.WriteString("  steps:\n")
	for _, s := range p.Steps {
		flag := ""
		if s.ContinueOnError {
			flag = " [continue on error]"
		}
		fmt.Fprintf(&b, "    %d. %s (timeout %s)%s\n", s.Index+1, s.Name, s.Timeout, flag)
		fmt.Fprintf(&b, "       %s\n", indent(s.Command, "       "))
	}
	if len(p.Rollback) > 0 {
		b.WriteString("  rollback:\n")
		for _, s := range p.Rollback {
			pairing := "cleanup"
			if s.Pairs >= 0 && s.Pairs < len(p.Steps) {
				pairing = "undoes " + p.Steps[s.Pairs].Name
			}
			fmt.Fprintf(&b, "    %d. %s (%s)\n", s.Index+1, s.Name, pairing)
			fmt.Fprintf(&b, "       %s\n", indent(s.Command, "       "))
		}
	}
	for _, warn := range p.Warnings {
		fmt.Fprintf(&b, "  warning: %s\n", warn)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func indent(s, prefix string) string {
	return strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n"+prefix)
}
