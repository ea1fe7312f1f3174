package catalog

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// Recognised enum values of an operation document.
var (
	OperationModes = []string{
		"create", "configure", "validate", "update", "delete", "read",
		"modify", "adopt", "assign", "verify", "add", "remove", "drain",
	}
	Capabilities = []string{
		"networking", "storage", "identity", "compute", "avd", "management", "test-capability",
	}
	DurationTypes = []string{"FAST", "NORMAL", "WAIT", "LONG"}
	TemplateTypes = []string{
		"powershell-local", "powershell-remote", "powershell-vm-command",
		"azure-cli", "bash", "bash-script",
	}
)

// operationSchema constrains the raw document. Cross-field rules that CUE
// cannot express without concrete values (timeout >= expected, rollback
// steps when enabled) are checked in Go after decoding.
var operationSchema = fmt.Sprintf(`
#Parameter: {
	name:        string & !=""
	type:        string & !=""
	description: string
	default?:    _
	...
}

#Ref: {
	type:   string & !=""
	name:   string & !=""
	group?: string
}

#Step: {
	name:               string & !=""
	command:            string & !=""
	continue_on_error?: bool
	expected?:          int & >0
	timeout?:           int & >0
	undoes?:            string
}

#Operation: {
	id:             string & !=""
	name:           string & !=""
	description:    string & !=""
	capability:     %s
	operation_mode: %s
	resource_type:  string & !=""
	target?:        #Ref
	requires?: [...(string | {operation: string & !="", ...})]
	prerequisites?: [...#Ref]
	parameters?: {
		required?: [...#Parameter]
		optional?: [...#Parameter]
	}
	duration: {
		expected: int & >0
		timeout:  int & >0
		type:     %s
	}
	template: {
		type:     %s
		command?: string
		...
	}
	steps?: [...#Step]
	rollback?: {
		enabled?: bool
		steps?: [...#Step]
		...
	}
	validation?: {
		enabled?:     bool
		checks?:      [...]
		pre_checks?:  [...]
		post_checks?: [...]
		...
	}
	idempotency?: {
		enabled?: bool
		...
	}
	...
}

#Document: {
	operation: #Operation
	...
}
`, disjunction(Capabilities), disjunction(OperationModes), disjunction(DurationTypes), disjunction(TemplateTypes))

func disjunction(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return strings.Join(quoted, " | ")
}

// Schema validates raw operation documents.
type Schema struct {
	mu       sync.Mutex
	ctx      *cue.Context
	document cue.Value
}

// NewSchema compiles the operation document schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(operationSchema, cue.Filename("operation.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile operation schema: %w", err)
	}
	return &Schema{
		ctx:      ctx,
		document: val.LookupPath(cue.ParsePath("#Document")),
	}, nil
}

// Validate checks a decoded document (as produced by yaml.Unmarshal into
// interface{}) and returns every violation found.
func (s *Schema) Validate(file string, data interface{}) []ValidationError {
	// A cue.Context is not safe for concurrent use.
	s.mu.Lock()
	defer s.mu.Unlock()

	val := s.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return convertCUEErrors(file, err)
	}
	unified := s.document.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(file, err)
	}
	return nil
}

// convertCUEErrors flattens a CUE error into one entry per violation.
func convertCUEErrors(file string, err error) []ValidationError {
	var out []ValidationError
	seen := make(map[string]bool)
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			File:     file,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: SeverityError,
		}
		if pos := errors.Positions(e); len(pos) > 0 && pos[0].Filename() == file {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		key := ve.Path + "|" + ve.Message
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ve)
	}
	return out
}
