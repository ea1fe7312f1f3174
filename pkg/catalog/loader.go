package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/capstan-io/capstan/pkg/engine"
)

// Severity levels of a ValidationError.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ValidationError is one problem found in an operation file.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// FileResult is the outcome of loading one file.
type FileResult struct {
	File       string             `json:"file"`
	Descriptor *engine.Descriptor `json:"-"`
	Errors     []ValidationError  `json:"errors,omitempty"`
}

// OK reports whether the file loaded without error-severity findings.
func (r FileResult) OK() bool {
	for _, e := range r.Errors {
		if e.Severity == SeverityError {
			return false
		}
	}
	return r.Descriptor != nil
}

// Report is the outcome of loading a directory.
type Report struct {
	Files []FileResult `json:"files"`
}

// Passed returns the number of files that loaded cleanly.
func (r *Report) Passed() int {
	n := 0
	for _, f := range r.Files {
		if f.OK() {
			n++
		}
	}
	return n
}

// Failed returns the files with errors.
func (r *Report) Failed() []FileResult {
	var out []FileResult
	for _, f := range r.Files {
		if !f.OK() {
			out = append(out, f)
		}
	}
	return out
}

// Loader reads operation documents from disk.
type Loader struct {
	schema   *Schema
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewLoader creates a loader with the built-in schema.
func NewLoader(logger zerolog.Logger) (*Loader, error) {
	schema, err := NewSchema()
	if err != nil {
		return nil, err
	}
	return &Loader{
		schema:   schema,
		validate: validator.New(),
		logger:   logger.With().Str("component", "catalog-loader").Logger(),
	}, nil
}

// OperationFiles returns the operation files under root, sorted. Operations
// live in <root>/<capability>/operations/*.yaml. A root that is itself a
// file is returned as is.
func OperationFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return []string{root}, nil
	}
	files, err := filepath.Glob(filepath.Join(root, "*", "operations", "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to list operation files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// LoadDir loads every operation file under root. Files that fail
// validation are reported and left out of the catalog; duplicate operation
// ids are reported against the later file.
func (l *Loader) LoadDir(root string) (*Catalog, *Report, error) {
	files, err := OperationFiles(root)
	if err != nil {
		return nil, nil, err
	}

	cat := New()
	report := &Report{}
	for _, file := range files {
		res := l.LoadFile(file)
		if res.OK() {
			if err := cat.Add(res.Descriptor); err != nil {
				res.Errors = append(res.Errors, ValidationError{
					File:     file,
					Path:     "operation.id",
					Message:  err.Error(),
					Severity: SeverityError,
				})
			}
		}
		report.Files = append(report.Files, res)
	}

	l.logger.Info().
		Int("files", len(files)).
		Int("loaded", cat.Len()).
		Int("failed", len(report.Failed())).
		Str("root", root).
		Msg("Operation catalog loaded")
	return cat, report, nil
}

// LoadFile reads, validates and converts one operation file. Every
// problem found is reported; the descriptor is set only when none is an
// error.
func (l *Loader) LoadFile(path string) FileResult {
	res := FileResult{File: path}
	data, err := os.ReadFile(path)
	if err != nil {
		res.Errors = append(res.Errors, fileError(path, fmt.Sprintf("failed to read file: %v", err)))
		return res
	}
	d, errs := l.Parse(path, data)
	res.Descriptor = d
	res.Errors = errs
	return res
}

// Parse validates and converts the contents of one operation file.
func (l *Loader) Parse(file string, data []byte) (*engine.Descriptor, []ValidationError) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, []ValidationError{fileError(file, fmt.Sprintf("YAML parsing error: %v", err))}
	}
	if raw == nil {
		return nil, []ValidationError{fileError(file, "empty or invalid YAML file")}
	}

	errs := l.schema.Validate(file, raw)

	doc, err := ParseDocument(data)
	if err != nil {
		return nil, append(errs, fileError(file, err.Error()))
	}
	errs = append(errs, l.checkStruct(file, doc)...)
	errs = append(errs, checkRules(file, &doc.Operation)...)
	if hasErrors(errs) {
		return nil, errs
	}

	d, err := doc.Operation.Descriptor()
	if err != nil {
		return nil, append(errs, fileError(file, err.Error()))
	}
	d.Source = file
	return d, errs
}

func (l *Loader) checkStruct(file string, doc *Document) []ValidationError {
	err := l.validate.Struct(doc)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{fileError(file, err.Error())}
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			File:     file,
			Path:     fe.Namespace(),
			Message:  fmt.Sprintf("failed %q constraint (value %v)", fe.Tag(), fe.Value()),
			Severity: SeverityError,
		})
	}
	return out
}

// checkRules applies rules that span fields.
func checkRules(file string, op *Operation) []ValidationError {
	var out []ValidationError
	add := func(path, severity, format string, args ...interface{}) {
		out = append(out, ValidationError{File: file, Path: path, Message: fmt.Sprintf(format, args...), Severity: severity})
	}

	if len(op.Steps) == 0 && strings.TrimSpace(op.Template.Command) == "" {
		add("operation.template.command", SeverityError, "template command is required when no steps are given")
	}
	if op.Rollback.Enabled != nil && *op.Rollback.Enabled && len(op.Rollback.Steps) == 0 {
		add("operation.rollback.steps", SeverityError, "rollback steps required when enabled=true")
	}
	if op.Duration.Timeout > 0 && op.Duration.Timeout < op.Duration.Expected {
		add("operation.duration.timeout", SeverityError, "duration.timeout (%d) should be >= duration.expected (%d)",
			op.Duration.Timeout, op.Duration.Expected)
	}
	for i, s := range op.Steps {
		if s.Timeout > op.Duration.Timeout && op.Duration.Timeout > 0 {
			add(fmt.Sprintf("operation.steps[%d].timeout", i), SeverityWarning,
				"step timeout %ds exceeds the operation timeout %ds", s.Timeout, op.Duration.Timeout)
		}
	}
	if mode := op.Mode; mode != "" {
		if _, err := engine.KindForMode(mode); err != nil {
			add("operation.operation_mode", SeverityError, "%v", err)
		}
	}
	return out
}

func fileError(file, msg string) ValidationError {
	return ValidationError{File: file, Message: msg, Severity: SeverityError}
}

func hasErrors(errs []ValidationError) bool {
	for _, e := range errs {
		if e.Severity == SeverityError {
			return true
		}
	}
	return false
}
