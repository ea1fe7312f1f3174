package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/capstan-io/capstan/pkg/engine"
)

const vnetOperation = `
operation:
  id: networking-create-vnet
  name: create-vnet
  description: Create the hub virtual network
  capability: networking
  operation_mode: create
  resource_type: Microsoft.Network/virtualNetworks
  target:
    type: Microsoft.Network/virtualNetworks
    name: "{{vnet}}"
    group: "{{group}}"
  parameters:
    required:
      - name: vnet
        type: string
        description: Virtual network name
      - name: group
        type: string
        description: Resource group
    optional:
      - name: prefix
        type: string
        description: Address prefix
        default: 10.0.0.0/16
  duration:
    expected: 60
    timeout: 300
    type: NORMAL
  template:
    type: azure-cli
  steps:
    - name: create-vnet
      command: az network vnet create -n {{vnet}} -g {{group}} --address-prefixes {{prefix}}
    - name: tag-vnet
      command: az tag update --resource-id {{vnet}} --operation merge --tags owner=capstan
      continue_on_error: true
      timeout: 60
  rollback:
    enabled: true
    steps:
      - name: delete-vnet
        command: az network vnet delete -n {{vnet}} -g {{group}}
        undoes: create-vnet
`

const subnetOperation = `
operation:
  id: networking-create-subnet
  name: create-subnet
  description: Create an application subnet
  capability: networking
  operation_mode: add
  resource_type: Microsoft.Network/virtualNetworks/subnets
  requires:
    - networking-create-vnet
  prerequisites:
    - type: Microsoft.Network/virtualNetworks
      name: "{{vnet}}"
      group: "{{group}}"
  duration:
    expected: 30
    timeout: 120
    type: FAST
  template:
    type: azure-cli
    command: az network vnet subnet create --vnet-name {{vnet}} -g {{group}} -n app
`

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	return l
}

func writeOperation(t *testing.T, root, capability, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, capability, "operations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create %s: %v", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func TestParseOperation(t *testing.T) {
	l := newTestLoader(t)

	d, errs := l.Parse("vnet.yaml", []byte(vnetOperation))
	if hasErrors(errs) {
		t.Fatalf("unexpected errors: %v", errs)
	}

	if d.Kind != engine.KindCreate || d.Capability != "networking" {
		t.Errorf("unexpected kind or capability: %s %s", d.Kind, d.Capability)
	}
	if d.Duration.Timeout != 5*time.Minute || d.Duration.Class != engine.DurationNormal {
		t.Errorf("unexpected duration: %+v", d.Duration)
	}
	wantSteps := []engine.Step{
		{Name: "create-vnet", Command: "az network vnet create -n {{vnet}} -g {{group}} --address-prefixes {{prefix}}"},
		{Name: "tag-vnet", Command: "az tag update --resource-id {{vnet}} --operation merge --tags owner=capstan",
			ContinueOnError: true, Timeout: time.Minute},
	}
	if diff := cmp.Diff(wantSteps, d.Steps); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
	if len(d.Rollback) != 1 || d.Rollback[0].Undoes != "create-vnet" {
		t.Errorf("unexpected rollback: %+v", d.Rollback)
	}
	if len(d.Optional) != 1 || d.Optional[0].Default != "10.0.0.0/16" {
		t.Errorf("unexpected optional parameters: %+v", d.Optional)
	}
}

func TestParseTemplateOnlyOperation(t *testing.T) {
	l := newTestLoader(t)

	d, errs := l.Parse("subnet.yaml", []byte(subnetOperation))
	if hasErrors(errs) {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(d.Steps) != 1 || d.Steps[0].Name != "networking-create-subnet" {
		t.Fatalf("expected a single step named after the operation, got %+v", d.Steps)
	}
	if d.Kind != engine.KindCreate {
		t.Errorf("add should map to create, got %s", d.Kind)
	}
	if diff := cmp.Diff([]string{"networking-create-vnet"}, d.Requires); diff != "" {
		t.Errorf("requires mismatch (-want +got):\n%s", diff)
	}
}

func TestParseReportsAllProblems(t *testing.T) {
	l := newTestLoader(t)

	bad := `
operation:
  id: broken
  name: broken
  capability: weather
  operation_mode: explode
  resource_type: Test/things
  duration:
    expected: 100
    timeout: 10
    type: SLOW
  template:
    type: azure-cli
  rollback:
    enabled: true
`
	d, errs := l.Parse("broken.yaml", []byte(bad))
	if d != nil {
		t.Fatal("expected no descriptor for an invalid document")
	}

	all := make([]string, len(errs))
	for i, e := range errs {
		all[i] = e.Error()
	}
	joined := strings.ToLower(strings.Join(all, "\n"))
	for _, want := range []string{
		"description",
		"capability",
		"operation_mode",
		"duration.type",
		"duration.timeout (10) should be >= duration.expected (100)",
		"template command is required",
		"rollback steps required when enabled=true",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected a finding mentioning %q, got:\n%s", want, joined)
		}
	}
}

func TestParseInvalidYAML(t *testing.T) {
	l := newTestLoader(t)
	_, errs := l.Parse("bad.yaml", []byte("operation: [unclosed"))
	if len(errs) != 1 || !strings.Contains(errs[0].Message, "YAML parsing error") {
		t.Errorf("expected one YAML error, got %v", errs)
	}
}

func TestLoadDir(t *testing.T) {
	root := t.TempDir()
	writeOperation(t, root, "networking", "create-vnet.yaml", vnetOperation)
	writeOperation(t, root, "networking", "create-subnet.yaml", subnetOperation)
	writeOperation(t, root, "storage", "broken.yaml", "operation:\n  id: broken\n")
	// Files outside */operations/ are not operations.
	if err := os.WriteFile(filepath.Join(root, "README.yaml"), []byte("x: 1"), 0o644); err != nil {
		t.Fatal(err)
	}

	cat, report, err := newTestLoader(t).LoadDir(root)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(report.Files) != 3 || report.Passed() != 2 {
		t.Errorf("expected 3 files with 2 passing, got %d/%d", len(report.Files), report.Passed())
	}
	failed := report.Failed()
	if len(failed) != 1 || !strings.HasSuffix(failed[0].File, "broken.yaml") {
		t.Errorf("unexpected failures: %+v", failed)
	}

	if cat.Len() != 2 {
		t.Fatalf("expected 2 descriptors, got %d", cat.Len())
	}
	if diff := cmp.Diff([]string{"networking"}, cat.Capabilities()); diff != "" {
		t.Errorf("capabilities mismatch (-want +got):\n%s", diff)
	}

	for _, name := range []string{"networking-create-vnet", "create-vnet", "CREATE-VNET"} {
		d, err := cat.Find("networking", name)
		if err != nil || d.ID != "networking-create-vnet" {
			t.Errorf("Find(%q) = %v, %v", name, d, err)
		}
	}
	if _, err := cat.Find("networking", "delete-vnet"); !engine.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
	if _, err := cat.Find("compute", "create-vnet"); !engine.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND for unknown capability, got %v", err)
	}
}

func TestLoadDirDuplicateID(t *testing.T) {
	root := t.TempDir()
	writeOperation(t, root, "networking", "a.yaml", vnetOperation)
	writeOperation(t, root, "networking", "b.yaml", vnetOperation)

	cat, report, err := newTestLoader(t).LoadDir(root)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if cat.Len() != 1 || len(report.Failed()) != 1 {
		t.Errorf("expected the second file to be rejected, got %d loaded, %d failed", cat.Len(), len(report.Failed()))
	}
}
