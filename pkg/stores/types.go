package stores

import (
	"context"
	"time"

	"github.com/capstan-io/capstan/pkg/engine"
)

// Default cache lifetimes.
const (
	DefaultResourceTTL = 5 * time.Minute
	DefaultListTTL     = 2 * time.Minute
)

// AuditEntry records a lineage or lifecycle change made to a resource.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "resource.managed", "resource.soft_deleted"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // resource/operation ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Audit actions.
const (
	AuditResourceManaged     = "resource.managed"
	AuditResourceCreated     = "resource.created"
	AuditResourceSoftDeleted = "resource.soft_deleted"
	AuditResourcePurged      = "resource.purged"
	AuditSnapshotImported    = "snapshot.imported"
)

// SnapshotVersion is the format version written by Export.
const SnapshotVersion = 1

// Snapshot is the portable backup document produced by Export.
type Snapshot struct {
	Version      int                     `json:"version"`
	ExportedAt   time.Time               `json:"exported_at"`
	Resources    []*engine.Resource      `json:"resources"`
	CacheEntries []*engine.CacheEntry    `json:"cache_entries"`
	Edges        []engine.DependencyEdge `json:"edges"`
	Operations   []*engine.Operation     `json:"operations"`
	Logs         []*engine.LogEntry      `json:"logs"`
	Steps        []*engine.StepRecord    `json:"steps"`
	Failures     []*engine.FailureRecord `json:"failures"`
}

// Store is the full persistence surface: the engine's ResourceStore plus
// lifecycle and audit access.
type Store interface {
	engine.ResourceStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Audit
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error)
}
