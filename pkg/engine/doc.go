// Package engine provides the core types and interfaces shared by the Capstan
// packages.
//
// # Overview
//
// Capstan executes operation descriptors: named lists of shell steps with
// paired rollback steps that create, update or delete cloud resources. The
// engine package holds the vocabulary the other packages agree on:
//
//   - Resource: a cached provider resource with its properties and lineage
//   - ResourceRef: the type/group/name triple that locates a resource
//   - DependencyEdge: a Required or Optional dependency between resources
//   - Descriptor and Step: an operation and its forward and rollback steps
//   - Operation: one execution of a descriptor and its lifecycle status
//   - StepRecord, LogEntry and FailureRecord: the history of an operation
//
// # Capabilities
//
// The executor reaches the outside world only through three interfaces,
// injected by the caller:
//
//	type StepRunner interface {
//	    Run(ctx context.Context, command string) (output string, exitCode int, err error)
//	}
//
//	type ProviderQuerier interface {
//	    Query(ctx context.Context, resourceType, name, group string) (*Resource, error)
//	}
//
// ResourceStore is the persistence surface implemented by pkg/stores.
//
// # Lifecycle
//
// An Operation moves pending -> running -> completed or failed. A failed
// operation whose rollback ran moves on to rolled_back. CanTransition
// enforces the legal moves.
//
// # Errors
//
// Errors are EngineError values carrying a class (transient, conflict or
// permanent) and a stable code. errors.Is matches on the code, so callers
// can test against the sentinels:
//
//	if errors.Is(err, engine.ErrPrerequisiteMissing) {
//	    // ask the operator to create the prerequisite first
//	}
//
// CodeOf extracts the code for logging and metrics.
package engine
