package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/capstan-io/capstan/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func createVNet() *engine.Descriptor {
	return &engine.Descriptor{
		ID:         "networking-create-vnet",
		Name:       "create-vnet",
		Capability: "networking",
		Kind:       engine.KindCreate,
		Target:     &engine.ResourceRef{Type: "Microsoft.Network/virtualNetworks", Name: "hub", Group: "rg"},
		Duration:   engine.DurationSpec{Expected: time.Minute, Timeout: 5 * time.Minute},
		Steps: []engine.Step{
			{Name: "create", Command: "az network vnet create -n hub -g rg"},
		},
		Rollback: []engine.Step{
			{Name: "delete", Command: "az network vnet delete -n hub -g rg", Undoes: "create"},
		},
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	want := []string{"delete-target", "rollback-required", "step-timeout"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("built-in policies mismatch (-want +got):\n%s", diff)
	}
}

func TestBuiltinPolicies(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(d *engine.Descriptor)
		wantPolicy string
	}{
		{
			name:   "compliant create",
			mutate: func(d *engine.Descriptor) {},
		},
		{
			name:       "create without rollback",
			mutate:     func(d *engine.Descriptor) { d.Rollback = nil },
			wantPolicy: "rollback-required",
		},
		{
			name: "create without target needs no rollback",
			mutate: func(d *engine.Descriptor) {
				d.Target = nil
				d.Rollback = nil
			},
		},
		{
			name:       "step timeout above operation timeout",
			mutate:     func(d *engine.Descriptor) { d.Steps[0].Timeout = 10 * time.Minute },
			wantPolicy: "step-timeout",
		},
		{
			name:       "rollback step timeout above operation timeout",
			mutate:     func(d *engine.Descriptor) { d.Rollback[0].Timeout = 6 * time.Minute },
			wantPolicy: "step-timeout",
		},
		{
			name: "step timeout without operation timeout",
			mutate: func(d *engine.Descriptor) {
				d.Duration = engine.DurationSpec{}
				d.Steps[0].Timeout = time.Hour
			},
		},
		{
			name: "delete without target",
			mutate: func(d *engine.Descriptor) {
				d.Kind = engine.KindDelete
				d.Target = nil
			},
			wantPolicy: "delete-target",
		},
		{
			name:   "delete with target",
			mutate: func(d *engine.Descriptor) { d.Kind = engine.KindDelete },
		},
	}

	eng := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := createVNet()
			tt.mutate(d)

			result, err := eng.Evaluate(context.Background(), d)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if tt.wantPolicy == "" {
				if !result.Allowed || len(result.Violations) != 0 {
					t.Fatalf("expected no violations, got %+v", result.Violations)
				}
				return
			}
			if result.Allowed {
				t.Fatal("expected the operation to be denied")
			}
			if len(result.Violations) != 1 || result.Violations[0].Policy != tt.wantPolicy {
				t.Fatalf("expected one %s violation, got %+v", tt.wantPolicy, result.Violations)
			}
			if result.Violations[0].Operation != d.ID {
				t.Errorf("violation operation = %q", result.Violations[0].Operation)
			}
		})
	}
}

func TestAdmitDenied(t *testing.T) {
	eng := newTestEngine(t)
	d := createVNet()
	d.Rollback = nil

	_, err := eng.Admit(context.Background(), d)
	if !errors.Is(err, engine.ErrPolicyDenied) {
		t.Fatalf("expected POLICY_DENIED, got %v", err)
	}
	if !strings.Contains(err.Error(), "rollback-required") {
		t.Errorf("expected the policy name in %q", err.Error())
	}
}

func TestLoadPoliciesWarnings(t *testing.T) {
	dir := t.TempDir()
	rego := `# Targets must carry the cap- prefix.
# severity: warning
package custom.naming

import rego.v1

deny contains msg if {
	not startswith(input.operation.target.name, "cap-")
	msg := sprintf("target %s is not prefixed", [input.operation.target.name])
}
`
	if err := os.WriteFile(filepath.Join(dir, "naming.rego"), []byte(rego), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	p, err := eng.GetPolicy("naming")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Severity != SeverityWarning || p.Description != "Targets must carry the cap- prefix." {
		t.Errorf("unexpected header parsing: %+v", p)
	}

	warnings, err := eng.Admit(context.Background(), createVNet())
	if err != nil {
		t.Fatalf("warnings must not deny: %v", err)
	}
	if diff := cmp.Diff([]string{"policy naming: target hub is not prefixed"}, warnings); diff != "" {
		t.Errorf("warnings mismatch (-want +got):\n%s", diff)
	}

	if err := eng.DisablePolicy("naming"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	warnings, err = eng.Admit(context.Background(), createVNet())
	if err != nil || len(warnings) != 0 {
		t.Errorf("disabled policy still reported: %v, %v", warnings, err)
	}
}

func TestLoadPoliciesRejectsInvalidRego(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.rego")
	if err := os.WriteFile(path, []byte("package broken\n\ndeny contains {"), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{path}); err == nil {
		t.Fatal("expected a compile error")
	}
	if err := eng.EnablePolicy("broken"); !engine.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND for an unloaded policy, got %v", err)
	}
}

func TestLoadJSONPolicy(t *testing.T) {
	dir := t.TempDir()
	body := `{
  "name": "no-purge",
  "description": "Purge commands are not allowed",
  "rego": "package custom.purge\n\nimport rego.v1\n\ndeny contains \"purge is not allowed\" if {\n\tsome step in input.operation.steps\n\tcontains(step.command, \"--purge\")\n}\n"
}`
	if err := os.WriteFile(filepath.Join(dir, "purge.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	d := createVNet()
	d.Steps[0].Command += " --purge"
	if _, err := eng.Admit(context.Background(), d); engine.CodeOf(err) != engine.ErrCodePolicyDenied {
		t.Errorf("expected POLICY_DENIED, got %v", err)
	}
}
