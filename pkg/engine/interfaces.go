package engine

import (
	"context"
	"io"
)

// StepRunner dispatches one opaque command and reports its outcome.
// A non-zero exit code is a step failure even when err is nil; err is
// reserved for failures to run the command at all.
type StepRunner interface {
	Run(ctx context.Context, command string) (output string, exitCode int, err error)
}

// StepRunnerFunc adapts a function to StepRunner.
type StepRunnerFunc func(ctx context.Context, command string) (string, int, error)

// Run implements StepRunner.
func (f StepRunnerFunc) Run(ctx context.Context, command string) (string, int, error) {
	return f(ctx, command)
}

// ProviderQuerier asks the provider for the live view of a resource.
// It returns an error matching ErrNotFound when the resource does not exist.
type ProviderQuerier interface {
	Query(ctx context.Context, resourceType, name, group string) (*Resource, error)
}

// ResourceFilter narrows List results. Empty fields match everything.
type ResourceFilter struct {
	Type           string
	Group          string
	ManagedOnly    bool
	IncludeDeleted bool
	Limit          int
}

// OperationFilter narrows ListOperations results.
type OperationFilter struct {
	DescriptorID string
	Status       OperationStatus
	Limit        int
}

// ResourceStore persists resources, edges, operations and their history.
// Every mutation is atomic per record.
type ResourceStore interface {
	// Resources
	Upsert(ctx context.Context, r *Resource) error
	UpsertList(ctx context.Context, resources []*Resource) error
	Get(ctx context.Context, resourceType, name, group string) (r *Resource, found bool, fresh bool, err error)
	GetByID(ctx context.Context, id string) (*Resource, error)
	List(ctx context.Context, filter ResourceFilter) ([]*Resource, error)
	MarkManaged(ctx context.Context, id string) error
	MarkCreated(ctx context.Context, id string) error
	SoftDelete(ctx context.Context, id string) error
	Purge(ctx context.Context, id string) error
	Invalidate(ctx context.Context, pattern string) (int64, error)

	// Dependency edges
	PutEdges(ctx context.Context, fromID string, edges []DependencyEdge) error
	ListEdges(ctx context.Context) ([]DependencyEdge, error)
	EdgesFrom(ctx context.Context, id string) ([]DependencyEdge, error)
	EdgesTo(ctx context.Context, id string) ([]DependencyEdge, error)

	// Operations
	RecordOperation(ctx context.Context, op *Operation) error
	UpdateOperationStatus(ctx context.Context, id string, status OperationStatus, errMsg string) error
	UpdateOperationProgress(ctx context.Context, id string, currentStep int) error
	SetOperationWarning(ctx context.Context, id string, warning string) error
	SetOperationTarget(ctx context.Context, id string, resourceID string) error
	GetOperation(ctx context.Context, id string) (*Operation, error)
	ListOperations(ctx context.Context, filter OperationFilter) ([]*Operation, error)

	// History
	AppendLog(ctx context.Context, entry *LogEntry) error
	ListLogs(ctx context.Context, operationID string) ([]*LogEntry, error)
	RecordStep(ctx context.Context, rec *StepRecord) error
	ListSteps(ctx context.Context, operationID string) ([]*StepRecord, error)
	RecordFailure(ctx context.Context, rec *FailureRecord) error
	ResolveFailure(ctx context.Context, id int64, fixName string) error
	ListFailures(ctx context.Context, descriptorID, stepName string) ([]*FailureRecord, error)

	// Snapshot
	Export(ctx context.Context, w io.Writer) error
	Import(ctx context.Context, r io.Reader) error
}
