package executor

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/capstan-io/capstan/pkg/engine"
)

// DefaultMaxAttempts bounds the attempts of one step, the first included.
const DefaultMaxAttempts = 3

// PatchFunc rewrites a failed command given the output it produced.
type PatchFunc func(command, output string) (string, error)

// Fix is a known remedy for a recognisable failure.
type Fix struct {
	// Name identifies the fix in failure records.
	Name string

	// IssuePattern matches the output of a failure this fix addresses.
	IssuePattern *regexp.Regexp

	Description string

	// Patch produces the command to retry with.
	Patch PatchFunc
}

// Matches reports whether output shows the issue this fix addresses.
func (f Fix) Matches(output string) bool {
	return f.IssuePattern != nil && f.IssuePattern.MatchString(output)
}

// Apply patches command. A fix without a patch function retries the command unchanged.
func (f Fix) Apply(command, output string) (string, error) {
	if f.Patch == nil {
		return command, nil
	}
	patched, err := f.Patch(command, output)
	if err != nil {
		return "", fmt.Errorf("fix %s: %w", f.Name, err)
	}
	return patched, nil
}

// Healer selects fixes for failed steps. Failures and the fixes that
// resolved them are kept in the store so that a later run of the same
// descriptor step can reuse a fix even when the output no longer matches.
type Healer struct {
	Fixes []Fix

	// MaxAttempts bounds the attempts of one step. Zero means DefaultMaxAttempts.
	MaxAttempts int

	// RetryDelay is the base delay before a retry, doubled on each attempt.
	// Zero retries immediately.
	RetryDelay time.Duration
}

// NewHealer creates a healer with the default attempt bound.
func NewHealer(fixes []Fix) *Healer {
	return &Healer{Fixes: fixes, MaxAttempts: DefaultMaxAttempts}
}

func (h *Healer) maxAttempts() int {
	if h == nil {
		return 1
	}
	if h.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return h.MaxAttempts
}

// Select returns the fix to apply to a failed step. A fix whose pattern
// matches the output wins; otherwise the most recent fix that previously
// resolved a failure of the same descriptor step is reused.
func (h *Healer) Select(ctx context.Context, store engine.ResourceStore, descriptorID, stepName, output string) (*Fix, error) {
	if h == nil {
		return nil, nil
	}
	for i := range h.Fixes {
		if h.Fixes[i].Matches(output) {
			return &h.Fixes[i], nil
		}
	}
	if store == nil {
		return nil, nil
	}

	history, err := store.ListFailures(ctx, descriptorID, stepName)
	if err != nil {
		return nil, fmt.Errorf("failed to read failure history: %w", err)
	}
	for _, rec := range history {
		if !rec.Resolved || rec.FixName == "" {
			continue
		}
		for i := range h.Fixes {
			if h.Fixes[i].Name == rec.FixName {
				return &h.Fixes[i], nil
			}
		}
	}
	return nil, nil
}

// backoff returns the delay before the given retry (1-based).
func (h *Healer) backoff(retry int) time.Duration {
	if h == nil || h.RetryDelay <= 0 {
		return 0
	}
	delay := h.RetryDelay * time.Duration(math.Pow(2, float64(retry-1)))
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}

var (
	// destructiveVerb matches verbs that remove or rebuild infrastructure,
	// in CLI ("az group delete"), PowerShell ("Remove-AzVM") and shell form.
	destructiveVerb = regexp.MustCompile(`(?i)(\b(delete|destroy|recreate|purge|remove|drop|terminate|deprovision)\b|\brm\s+-[a-z]*r)`)
)

// IsDestructive reports whether command would delete, destroy or recreate
// target. With an empty target any destructive verb counts.
func IsDestructive(command, target string) bool {
	if !destructiveVerb.MatchString(command) {
		return false
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return true
	}
	return mentions(command, target)
}

// mentions reports whether s contains name as a whole token. Names may
// contain hyphens, so only characters outside [A-Za-z0-9_-] delimit tokens.
func mentions(s, name string) bool {
	pattern := `(?i)(^|[^A-Za-z0-9_-])` + regexp.QuoteMeta(name) + `($|[^A-Za-z0-9_-])`
	return regexp.MustCompile(pattern).MatchString(s)
}
