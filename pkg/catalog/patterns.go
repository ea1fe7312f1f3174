package catalog

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/capstan-io/capstan/pkg/executor"
)

// PatternFile is the error-pattern catalog (error-patterns.yaml).
type PatternFile struct {
	Patterns []Pattern `yaml:"patterns" validate:"dive"`
}

// Pattern recognises a provider failure and optionally knows how to fix it.
type Pattern struct {
	Name        string `yaml:"name" validate:"required"`
	Pattern     string `yaml:"pattern" validate:"required"`
	Description string `yaml:"description,omitempty"`

	// AutoFix allows the executor to retry with Fix applied. Without it
	// the pattern only diagnoses, and FixAction tells the operator what to do.
	AutoFix   bool        `yaml:"auto_fix"`
	FixAction string      `yaml:"fix_action,omitempty"`
	Fix       *PatternFix `yaml:"fix,omitempty"`

	re *regexp.Regexp
}

// PatternFix rewrites the failed command. At most one form is set; with
// none the command is retried unchanged.
type PatternFix struct {
	Replace  *Replacement `yaml:"replace,omitempty"`
	Append   string       `yaml:"append,omitempty"`
	Starlark string       `yaml:"starlark,omitempty"`
}

// Replacement substitutes From with To in the command. With Regex set,
// From is a regular expression and To may use $1 style references.
type Replacement struct {
	From  string `yaml:"from" validate:"required"`
	To    string `yaml:"to"`
	Regex bool   `yaml:"regex,omitempty"`
}

// Matches reports whether output shows this failure.
func (p *Pattern) Matches(output string) bool {
	return p.re != nil && p.re.MatchString(output)
}

// LoadPatterns reads and compiles an error-pattern file.
func LoadPatterns(path string) (*PatternFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read error patterns: %w", err)
	}
	return ParsePatterns(data)
}

// ParsePatterns decodes and compiles error patterns. All problems are
// reported together.
func ParsePatterns(data []byte) (*PatternFile, error) {
	var pf PatternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse error patterns: %w", err)
	}
	if err := validator.New().Struct(&pf); err != nil {
		return nil, fmt.Errorf("invalid error patterns: %w", err)
	}

	var result *multierror.Error
	names := make(map[string]bool, len(pf.Patterns))
	for i := range pf.Patterns {
		p := &pf.Patterns[i]
		if names[p.Name] {
			result = multierror.Append(result, fmt.Errorf("duplicate pattern name %q", p.Name))
		}
		names[p.Name] = true

		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("pattern %s: %w", p.Name, err))
			continue
		}
		p.re = re

		if p.Fix != nil && p.Fix.forms() > 1 {
			result = multierror.Append(result, fmt.Errorf("pattern %s: fix must use one of replace, append or starlark", p.Name))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return &pf, nil
}

func (f *PatternFix) forms() int {
	n := 0
	if f.Replace != nil {
		n++
	}
	if f.Append != "" {
		n++
	}
	if f.Starlark != "" {
		n++
	}
	return n
}

// Fixes returns the executor fixes of every auto-fix pattern, in file
// order. Starlark patches are compiled here and bounded by scriptTimeout.
func (pf *PatternFile) Fixes(scriptTimeout time.Duration) ([]executor.Fix, error) {
	var fixes []executor.Fix
	var result *multierror.Error
	for i := range pf.Patterns {
		p := &pf.Patterns[i]
		if !p.AutoFix {
			continue
		}
		patch, err := p.patchFunc(scriptTimeout)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		fixes = append(fixes, executor.Fix{
			Name:         p.Name,
			IssuePattern: p.re,
			Description:  p.Description,
			Patch:        patch,
		})
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return fixes, nil
}

func (p *Pattern) patchFunc(scriptTimeout time.Duration) (executor.PatchFunc, error) {
	if p.Fix == nil {
		return nil, nil
	}
	switch {
	case p.Fix.Replace != nil:
		r := *p.Fix.Replace
		if r.Regex {
			re, err := regexp.Compile(r.From)
			if err != nil {
				return nil, fmt.Errorf("pattern %s: replace: %w", p.Name, err)
			}
			return func(command, _ string) (string, error) {
				if !re.MatchString(command) {
					return "", fmt.Errorf("command does not contain %q", r.From)
				}
				return re.ReplaceAllString(command, r.To), nil
			}, nil
		}
		return func(command, _ string) (string, error) {
			if !strings.Contains(command, r.From) {
				return "", fmt.Errorf("command does not contain %q", r.From)
			}
			return strings.ReplaceAll(command, r.From, r.To), nil
		}, nil

	case p.Fix.Append != "":
		suffix := p.Fix.Append
		return func(command, _ string) (string, error) {
			if strings.Contains(command, strings.TrimSpace(suffix)) {
				return "", fmt.Errorf("command already contains %q", strings.TrimSpace(suffix))
			}
			return strings.TrimRight(command, " \n") + " " + strings.TrimSpace(suffix), nil
		}, nil

	case p.Fix.Starlark != "":
		script, err := CompilePatch(p.Name, p.Fix.Starlark, scriptTimeout)
		if err != nil {
			return nil, err
		}
		return script.Apply, nil
	}
	return nil, nil
}

// Diagnose returns the patterns whose regular expression matches output.
func (pf *PatternFile) Diagnose(output string) []Pattern {
	var out []Pattern
	for _, p := range pf.Patterns {
		if p.Matches(output) {
			out = append(out, p)
		}
	}
	return out
}
