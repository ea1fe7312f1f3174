package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/capstan-io/capstan/pkg/engine"
)

const vnetShow = `{
  "id": "/subscriptions/s/resourceGroups/rg/providers/Microsoft.Network/virtualNetworks/hub",
  "name": "hub",
  "type": "Microsoft.Network/virtualNetworks",
  "location": "westeurope",
  "tags": {"owner": "platform"},
  "properties": {
    "provisioningState": "Succeeded",
    "addressSpace": {"addressPrefixes": ["10.0.0.0/16"]}
  }
}`

func cannedRunner(output string, code int, err error, seen *string) engine.StepRunner {
	return engine.StepRunnerFunc(func(ctx context.Context, command string) (string, int, error) {
		*seen = command
		return output, code, err
	})
}

func TestCommandQuerier(t *testing.T) {
	var command string
	q := NewCommandQuerier(cannedRunner(vnetShow, 0, nil, &command),
		"az resource show --resource-type {{type}} -n {{name}} -g {{group}} -o json", nil)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	q.now = func() time.Time { return fixed }

	res, err := q.Query(context.Background(), "Microsoft.Network/virtualNetworks", "hub", "rg")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if want := "az resource show --resource-type Microsoft.Network/virtualNetworks -n hub -g rg -o json"; command != want {
		t.Errorf("command = %q, want %q", command, want)
	}
	if res.State != engine.StateSucceeded || res.Region != "westeurope" || res.Group != "rg" {
		t.Errorf("unexpected resource: %+v", res)
	}
	if diff := cmp.Diff(map[string]string{"owner": "platform"}, res.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	if got := res.Properties.Strings("addressSpace.addressPrefixes[]"); len(got) != 1 || got[0] != "10.0.0.0/16" {
		t.Errorf("unexpected address prefixes %v", got)
	}
	if !res.LastValidatedAt.Equal(fixed) {
		t.Errorf("LastValidatedAt = %s", res.LastValidatedAt)
	}
}

func TestCommandQuerierNotFound(t *testing.T) {
	tests := []struct {
		name   string
		output string
		code   int
	}{
		{"marker in failing output", "ERROR: (ResourceNotFound) The Resource 'hub' was not found.", 3},
		{"empty list", "[]", 0},
		{"null", "null", 0},
		{"blank", "  \n", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var command string
			q := NewCommandQuerier(cannedRunner(tt.output, tt.code, nil, &command), "show {{name}}", nil)
			_, err := q.Query(context.Background(), "T", "hub", "rg")
			if !errors.Is(err, engine.ErrNotFound) {
				t.Fatalf("expected NOT_FOUND, got %v", err)
			}
		})
	}
}

func TestCommandQuerierErrors(t *testing.T) {
	var command string

	q := NewCommandQuerier(cannedRunner("AuthorizationFailed", 1, nil, &command), "show", nil)
	if _, err := q.Query(context.Background(), "T", "n", "g"); err == nil || engine.IsNotFound(err) {
		t.Errorf("expected a plain failure, got %v", err)
	}

	q = NewCommandQuerier(cannedRunner("{not json", 0, nil, &command), "show", nil)
	if _, err := q.Query(context.Background(), "T", "n", "g"); err == nil {
		t.Error("expected a parse error")
	}

	boom := errors.New("connection reset")
	q = NewCommandQuerier(cannedRunner("", -1, boom, &command), "show", nil)
	if _, err := q.Query(context.Background(), "T", "n", "g"); !errors.Is(err, boom) {
		t.Errorf("expected the runner error, got %v", err)
	}
}

func TestCommandQuerierListOutput(t *testing.T) {
	var command string
	q := NewCommandQuerier(cannedRunner("["+vnetShow+"]", 0, nil, &command), "list", nil)
	res, err := q.Query(context.Background(), "Microsoft.Network/virtualNetworks", "hub", "rg")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.ID == "" || res.Name != "hub" {
		t.Errorf("unexpected resource: %+v", res)
	}
}
