package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/capstan-io/capstan/pkg/engine"
)

// DefaultNotFoundMarkers are output fragments that mean the queried
// resource does not exist.
var DefaultNotFoundMarkers = []string{
	"ResourceNotFound",
	"ResourceGroupNotFound",
	"NotFound",
	"could not be found",
	"was not found",
}

// CommandQuerier queries the provider by running a show command through a
// StepRunner. The template may use {{type}}, {{name}} and {{group}}.
type CommandQuerier struct {
	runner   engine.StepRunner
	template string
	markers  []string
	now      func() time.Time
}

// NewCommandQuerier creates a querier. Empty markers selects
// DefaultNotFoundMarkers.
func NewCommandQuerier(runner engine.StepRunner, template string, markers []string) *CommandQuerier {
	if len(markers) == 0 {
		markers = DefaultNotFoundMarkers
	}
	return &CommandQuerier{runner: runner, template: template, markers: markers, now: time.Now}
}

// showOutput is the subset of a provider's show document we read.
type showOutput struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Location   string            `json:"location"`
	Tags       map[string]string `json:"tags"`
	Properties json.RawMessage   `json:"properties"`
}

// Query implements engine.ProviderQuerier.
func (q *CommandQuerier) Query(ctx context.Context, resourceType, name, group string) (*engine.Resource, error) {
	command := strings.NewReplacer(
		"{{type}}", resourceType,
		"{{name}}", name,
		"{{group}}", group,
	).Replace(q.template)

	output, exitCode, err := q.runner.Run(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s %s: %w", resourceType, name, err)
	}
	if exitCode != 0 {
		if q.notFound(output) {
			return nil, engine.NotFoundf("%s %s not found in %q", resourceType, name, group)
		}
		return nil, fmt.Errorf("query for %s %s exited with code %d: %s",
			resourceType, name, exitCode, strings.TrimSpace(output))
	}

	doc, err := decodeShow([]byte(output))
	if err != nil {
		return nil, fmt.Errorf("failed to parse query output for %s %s: %w", resourceType, name, err)
	}
	if doc == nil {
		return nil, engine.NotFoundf("%s %s not found in %q", resourceType, name, group)
	}

	res := &engine.Resource{
		ID:              doc.ID,
		Type:            resourceType,
		Name:            name,
		Group:           group,
		Region:          doc.Location,
		Tags:            doc.Tags,
		State:           engine.StateUnknown,
		LastValidatedAt: q.now(),
	}
	if doc.Type != "" {
		res.Type = doc.Type
	}
	if doc.Name != "" {
		res.Name = doc.Name
	}
	if len(doc.Properties) > 0 && !bytes.Equal(doc.Properties, []byte("null")) {
		bag := engine.NewPropertyBag()
		if err := bag.UnmarshalJSON(doc.Properties); err != nil {
			return nil, fmt.Errorf("failed to parse properties of %s %s: %w", resourceType, name, err)
		}
		res.Properties = bag
		if states := bag.Strings("provisioningState"); len(states) > 0 {
			res.State = engine.ParseProvisioningState(states[0])
		}
	}
	return res, nil
}

func (q *CommandQuerier) notFound(output string) bool {
	for _, m := range q.markers {
		if strings.Contains(output, m) {
			return true
		}
	}
	return false
}

// decodeShow accepts an object or a list; an empty list, null or blank
// output means nothing matched.
func decodeShow(data []byte) (*showOutput, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] == '[' {
		var list []showOutput
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, nil
		}
		return &list[0], nil
	}
	var doc showOutput
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
