package executor

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/capstan-io/capstan/pkg/engine"
)

// placeholder matches {{name}} and {{ name }}. Other brace text, such as
// Go template actions in --format flags, is command text and left alone.
var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.-]*)\s*\}\}`)

// Substitute returns a copy of d with variables filled into every step and
// rollback command, the target and the prerequisites. Defaults of optional
// parameters apply when a variable is not given. Missing required
// parameters and placeholders left unresolved are reported together as
// INVALID_DESCRIPTOR.
func Substitute(d *engine.Descriptor, vars map[string]string) (*engine.Descriptor, error) {
	values := make(map[string]string, len(vars)+len(d.Optional))
	for _, p := range d.Optional {
		if p.Default != "" {
			values[p.Name] = p.Default
		}
	}
	for k, v := range vars {
		values[k] = v
	}

	var result *multierror.Error
	for _, p := range d.Required {
		if _, ok := values[p.Name]; !ok {
			result = multierror.Append(result, fmt.Errorf("missing required parameter %q", p.Name))
		}
	}

	out := d.Clone()
	unresolved := make(map[string]bool)
	fill := func(s string) string {
		return placeholder.ReplaceAllStringFunc(s, func(m string) string {
			name := placeholder.FindStringSubmatch(m)[1]
			if v, ok := values[name]; ok {
				return v
			}
			unresolved[name] = true
			return m
		})
	}

	for i := range out.Steps {
		out.Steps[i].Command = fill(out.Steps[i].Command)
	}
	for i := range out.Rollback {
		out.Rollback[i].Command = fill(out.Rollback[i].Command)
	}
	if out.Target != nil {
		out.Target.Type = fill(out.Target.Type)
		out.Target.Name = fill(out.Target.Name)
		out.Target.Group = fill(out.Target.Group)
	}
	for i := range out.Prerequisites {
		out.Prerequisites[i].Type = fill(out.Prerequisites[i].Type)
		out.Prerequisites[i].Name = fill(out.Prerequisites[i].Name)
		out.Prerequisites[i].Group = fill(out.Prerequisites[i].Group)
	}

	if len(unresolved) > 0 {
		names := make([]string, 0, len(unresolved))
		for n := range unresolved {
			names = append(names, n)
		}
		sort.Strings(names)
		result = multierror.Append(result, fmt.Errorf("unresolved placeholders: %s", strings.Join(names, ", ")))
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, engine.NewPermanentError("variable substitution failed", err).
			WithCode(engine.ErrCodeInvalidDescriptor).
			WithOperation(d.ID)
	}
	return out, nil
}
