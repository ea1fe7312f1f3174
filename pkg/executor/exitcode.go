package executor

import (
	"errors"

	"github.com/capstan-io/capstan/pkg/engine"
)

// Process exit codes for the CLI.
const (
	ExitCompleted           = 0
	ExitFailed              = 1
	ExitRolledBack          = 2
	ExitPrerequisiteMissing = 3
	ExitInvalid             = 4
)

// ExitCode maps an Execute outcome to a process exit code.
func ExitCode(result *OperationResult, err error) int {
	if errors.Is(err, engine.ErrPrerequisiteMissing) {
		return ExitPrerequisiteMissing
	}
	if result == nil {
		if err == nil {
			return ExitCompleted
		}
		return ExitInvalid
	}
	switch result.Status {
	case engine.OperationStatusCompleted:
		return ExitCompleted
	case engine.OperationStatusRolledBack:
		return ExitRolledBack
	case engine.OperationStatusFailed:
		return ExitFailed
	case engine.OperationStatusPending:
		// Dry runs stop before the operation starts.
		if err == nil {
			return ExitCompleted
		}
	}
	return ExitInvalid
}
