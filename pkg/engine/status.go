package engine

import (
	"fmt"
	"strings"
)

// OperationStatus represents the lifecycle status of one operation execution.
type OperationStatus string

const (
	// OperationStatusPending indicates the operation is recorded but no step has run.
	OperationStatusPending OperationStatus = "pending"

	// OperationStatusRunning indicates steps are being dispatched.
	OperationStatusRunning OperationStatus = "running"

	// OperationStatusCompleted indicates every step finished successfully.
	OperationStatusCompleted OperationStatus = "completed"

	// OperationStatusFailed indicates a step failed and no rollback has finished.
	OperationStatusFailed OperationStatus = "failed"

	// OperationStatusRolledBack indicates rollback ran after a failure.
	// Partial rollback failures are reported as a warning on the operation.
	OperationStatusRolledBack OperationStatus = "rolled_back"
)

// IsTerminal returns true if no further transition is possible
// except Failed -> RolledBack.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationStatusCompleted || s == OperationStatusFailed ||
		s == OperationStatusRolledBack
}

// IsActive returns true if the operation is pending or running.
func (s OperationStatus) IsActive() bool {
	return s == OperationStatusPending || s == OperationStatusRunning
}

// Validate checks if the operation status is valid.
func (s OperationStatus) Validate() error {
	switch s {
	case OperationStatusPending, OperationStatusRunning, OperationStatusCompleted,
		OperationStatusFailed, OperationStatusRolledBack:
		return nil
	default:
		return fmt.Errorf("invalid operation status: %s", s)
	}
}

// CanTransition reports whether an operation may move from one status to another.
// Status only moves forward: Pending -> Running -> Completed|Failed, Failed -> RolledBack.
func CanTransition(from, to OperationStatus) bool {
	switch from {
	case OperationStatusPending:
		return to == OperationStatusRunning || to == OperationStatusFailed
	case OperationStatusRunning:
		return to == OperationStatusCompleted || to == OperationStatusFailed
	case OperationStatusFailed:
		return to == OperationStatusRolledBack
	default:
		return false
	}
}

// ProvisioningState is the provider-reported lifecycle state of a resource.
type ProvisioningState string

const (
	StateUnknown   ProvisioningState = "unknown"
	StateCreating  ProvisioningState = "creating"
	StateSucceeded ProvisioningState = "succeeded"
	StateFailed    ProvisioningState = "failed"
	StateDeleting  ProvisioningState = "deleting"
	StateDeleted   ProvisioningState = "deleted"
)

// Validate checks if the provisioning state is valid.
func (s ProvisioningState) Validate() error {
	switch s {
	case StateUnknown, StateCreating, StateSucceeded, StateFailed, StateDeleting, StateDeleted:
		return nil
	default:
		return fmt.Errorf("invalid provisioning state: %s", s)
	}
}

// ParseProvisioningState maps a provider-reported state string onto a
// ProvisioningState. Unrecognised values map to StateUnknown.
func ParseProvisioningState(raw string) ProvisioningState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded", "success", "ready", "running", "available":
		return StateSucceeded
	case "creating", "accepted", "updating", "provisioning", "migrating":
		return StateCreating
	case "failed", "canceled", "cancelled", "error":
		return StateFailed
	case "deleting":
		return StateDeleting
	case "deleted", "notfound":
		return StateDeleted
	default:
		return StateUnknown
	}
}

// OperationKind describes what an operation does to its target.
type OperationKind string

const (
	KindCreate    OperationKind = "create"
	KindUpdate    OperationKind = "update"
	KindDelete    OperationKind = "delete"
	KindConfigure OperationKind = "configure"
)

// IsMutating returns true if the operation changes provider state.
func (k OperationKind) IsMutating() bool {
	return k == KindCreate || k == KindUpdate || k == KindDelete || k == KindConfigure
}

// Validate checks if the operation kind is valid.
func (k OperationKind) Validate() error {
	switch k {
	case KindCreate, KindUpdate, KindDelete, KindConfigure:
		return nil
	default:
		return fmt.Errorf("invalid operation kind: %s", k)
	}
}

// KindForMode maps a descriptor operation_mode onto an OperationKind.
func KindForMode(mode string) (OperationKind, error) {
	switch strings.ToLower(mode) {
	case "create", "add", "adopt", "assign":
		return KindCreate, nil
	case "update", "modify":
		return KindUpdate, nil
	case "delete", "remove", "drain":
		return KindDelete, nil
	case "configure", "validate", "verify", "read":
		return KindConfigure, nil
	default:
		return "", fmt.Errorf("unknown operation mode: %q", mode)
	}
}

// Strength says whether a dependency must be satisfied before its source may proceed.
type Strength string

const (
	StrengthRequired  Strength = "required"
	StrengthOptional  Strength = "optional"
	StrengthReference Strength = "reference"
)

// Validate checks if the strength is valid.
func (s Strength) Validate() error {
	switch s {
	case StrengthRequired, StrengthOptional, StrengthReference:
		return nil
	default:
		return fmt.Errorf("invalid dependency strength: %s", s)
	}
}

// EdgeKind describes the relationship between two resources.
type EdgeKind string

const (
	// EdgeUses means the source consumes the target (a NIC uses a subnet).
	EdgeUses EdgeKind = "uses"

	// EdgeContains means the source lives inside the target (a subnet inside a vnet).
	EdgeContains EdgeKind = "contains"

	// EdgeReferences is a soft pointer with no lifecycle coupling.
	EdgeReferences EdgeKind = "references"

	// EdgePeersWith links two resources of equal standing.
	EdgePeersWith EdgeKind = "peers_with"
)

// Validate checks if the edge kind is valid.
func (k EdgeKind) Validate() error {
	switch k {
	case EdgeUses, EdgeContains, EdgeReferences, EdgePeersWith:
		return nil
	default:
		return fmt.Errorf("invalid dependency kind: %s", k)
	}
}

// StepPhase separates forward steps from rollback steps in the history.
type StepPhase string

const (
	PhaseForward  StepPhase = "forward"
	PhaseRollback StepPhase = "rollback"
)

// StepStatus is the outcome of one step dispatch.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepTimedOut  StepStatus = "timed_out"
	StepSkipped   StepStatus = "skipped"
)

// Completed reports whether the step finished successfully.
func (s StepStatus) Completed() bool {
	return s == StepSucceeded
}

// LogLevel is the severity of an operation log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// CacheScope distinguishes single-resource lookups from list-style queries.
type CacheScope string

const (
	CacheScopeSingle CacheScope = "single"
	CacheScopeList   CacheScope = "list"
)
