package catalog

import (
	"strings"
	"testing"
	"time"
)

const patternsYAML = `
patterns:
  - name: sku-unavailable
    pattern: "SkuNotAvailable"
    description: VM size not offered in the region
    auto_fix: true
    fix:
      replace:
        from: Standard_D8s_v3
        to: Standard_D4s_v3
  - name: name-taken
    pattern: "(?i)already (exists|in use)"
    auto_fix: true
    fix:
      replace:
        from: "-n ([a-z0-9-]+)"
        to: "-n ${1}-2"
        regex: true
  - name: async
    pattern: "OperationTimedOut"
    auto_fix: true
    fix:
      append: --no-wait
  - name: quota
    pattern: "QuotaExceeded"
    auto_fix: true
    fix:
      starlark: |
        def patch(command, output):
            family = re_find("family ([A-Za-z0-9]+)", output)
            if family == None:
                return None
            return command + " --tags quota-family=" + family
  - name: retry-plain
    pattern: "TooManyRequests"
    auto_fix: true
  - name: permission
    pattern: "AuthorizationFailed"
    auto_fix: false
    fix_action: Grant the Contributor role to the deployment identity
`

func TestPatternFixes(t *testing.T) {
	pf, err := ParsePatterns([]byte(patternsYAML))
	if err != nil {
		t.Fatalf("ParsePatterns failed: %v", err)
	}
	fixes, err := pf.Fixes(time.Second)
	if err != nil {
		t.Fatalf("Fixes failed: %v", err)
	}
	if len(fixes) != 5 {
		t.Fatalf("expected 5 auto fixes, got %d", len(fixes))
	}
	byName := make(map[string]int)
	for i, f := range fixes {
		byName[f.Name] = i
	}

	tests := []struct {
		fix     string
		command string
		output  string
		want    string
		wantErr bool
	}{
		{"sku-unavailable", "az vm create -n vm1 --size Standard_D8s_v3", "SkuNotAvailable", "az vm create -n vm1 --size Standard_D4s_v3", false},
		{"sku-unavailable", "az vm create -n vm1 --size Standard_B2s", "SkuNotAvailable", "", true},
		{"name-taken", "az storage account create -n stdata -g rg", "Name already exists", "az storage account create -n stdata-2 -g rg", false},
		{"async", "az vm start -n vm1", "OperationTimedOut", "az vm start -n vm1 --no-wait", false},
		{"async", "az vm start -n vm1 --no-wait", "OperationTimedOut", "", true},
		{"quota", "az vm create -n vm1", "QuotaExceeded for family DSv3", "az vm create -n vm1 --tags quota-family=DSv3", false},
		{"quota", "az vm create -n vm1", "QuotaExceeded", "", true},
		{"retry-plain", "az vm list", "TooManyRequests", "az vm list", false},
	}
	for _, tt := range tests {
		t.Run(tt.fix, func(t *testing.T) {
			f := fixes[byName[tt.fix]]
			if !f.Matches(tt.output) {
				t.Fatalf("fix %s does not match %q", tt.fix, tt.output)
			}
			got, err := f.Apply(tt.command, tt.output)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Apply error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Apply = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPatternDiagnose(t *testing.T) {
	pf, err := ParsePatterns([]byte(patternsYAML))
	if err != nil {
		t.Fatalf("ParsePatterns failed: %v", err)
	}
	matches := pf.Diagnose("ERROR: (AuthorizationFailed) The client does not have authorization")
	if len(matches) != 1 || matches[0].Name != "permission" || matches[0].AutoFix {
		t.Fatalf("unexpected diagnosis: %+v", matches)
	}
	if !strings.Contains(matches[0].FixAction, "Contributor") {
		t.Errorf("expected the manual fix action, got %q", matches[0].FixAction)
	}
}

func TestParsePatternsErrors(t *testing.T) {
	bad := `
patterns:
  - name: a
    pattern: "("
  - name: a
    pattern: ok
    fix:
      append: x
      starlark: "def patch(c, o): return c"
  - pattern: unnamed
`
	_, err := ParsePatterns([]byte(bad))
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("expected struct validation to reject the unnamed pattern, got %v", err)
	}
}

func TestScriptedPatchTimeout(t *testing.T) {
	p, err := CompilePatch("spin", `
def patch(command, output):
    n = 0
    for i in range(100000000):
        n += i
    return command
`, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("CompilePatch failed: %v", err)
	}
	start := time.Now()
	if _, err := p.Apply("cmd", "out"); err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not stop the script")
	}
}

func TestCompilePatchRequiresFunction(t *testing.T) {
	if _, err := CompilePatch("empty", "x = 1\n", 0); err == nil {
		t.Fatal("expected an error for a script without patch()")
	}
}
