package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"

	"github.com/capstan-io/capstan/pkg/engine"
)

// Export writes every record as one JSON snapshot document.
func (s *SQLiteStore) Export(ctx context.Context, w io.Writer) error {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil
}

// Snapshot collects every record into memory.
func (s *SQLiteStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Version: SnapshotVersion, ExportedAt: s.now()}

	var err error
	if snap.Resources, err = s.List(ctx, engine.ResourceFilter{IncludeDeleted: true}); err != nil {
		return nil, err
	}
	if snap.CacheEntries, err = s.listCacheEntries(ctx); err != nil {
		return nil, err
	}
	if snap.Edges, err = s.ListEdges(ctx); err != nil {
		return nil, err
	}
	if snap.Operations, err = s.ListOperations(ctx, engine.OperationFilter{}); err != nil {
		return nil, err
	}
	if snap.Logs, err = s.ListLogs(ctx, ""); err != nil {
		return nil, err
	}
	if snap.Steps, err = s.ListSteps(ctx, ""); err != nil {
		return nil, err
	}
	if snap.Failures, err = s.ListFailures(ctx, "", ""); err != nil {
		return nil, err
	}
	return snap, nil
}

// Import loads a snapshot written by Export in a single transaction.
// Records already present are replaced.
func (s *SQLiteStore) Import(ctx context.Context, r io.Reader) error {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, res := range snap.Resources {
			if err := importResource(ctx, tx, res); err != nil {
				return err
			}
		}
		for _, c := range snap.CacheEntries {
			if err := upsertCacheEntry(ctx, tx, c.Key, c.ResourceID, c.Scope, c.ExpiresAt.UTC(), c.CreatedAt.UTC()); err != nil {
				return err
			}
		}
		for _, e := range snap.Edges {
			if err := insertEdge(ctx, tx, e, s.now()); err != nil {
				return err
			}
		}
		for _, op := range snap.Operations {
			if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, op.ID); err != nil {
				return fmt.Errorf("failed to replace operation: %w", err)
			}
			if err := insertOperation(ctx, tx, op); err != nil {
				return err
			}
		}
		for _, entry := range snap.Logs {
			if err := insertLog(ctx, tx, entry, true); err != nil {
				return err
			}
		}
		for _, rec := range snap.Steps {
			if err := insertStep(ctx, tx, rec, true); err != nil {
				return err
			}
		}
		for _, rec := range snap.Failures {
			if err := insertFailure(ctx, tx, rec, true); err != nil {
				return err
			}
		}

		details, _ := json.Marshal(map[string]int{
			"resources":  len(snap.Resources),
			"operations": len(snap.Operations),
		})
		return s.insertAudit(ctx, tx, &AuditEntry{Action: AuditSnapshotImported, Details: strPtr(string(details))})
	})
}

func importResource(ctx context.Context, ex execer, r *engine.Resource) error {
	props, err := json.Marshal(r.Properties)
	if err != nil {
		return fmt.Errorf("failed to marshal properties: %w", err)
	}
	tags, err := marshalTags(r.Tags)
	if err != nil {
		return err
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO resources (
			id, resource_type, name, resource_group, region, provisioning_state, properties, tags,
			managed_by_engine, created_by_engine, soft_deleted, deleted_at,
			discovered_at, last_validated_at, cache_expires_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resource_type = excluded.resource_type,
			name = excluded.name,
			resource_group = excluded.resource_group,
			region = excluded.region,
			provisioning_state = excluded.provisioning_state,
			properties = excluded.properties,
			tags = excluded.tags,
			managed_by_engine = excluded.managed_by_engine,
			created_by_engine = excluded.created_by_engine,
			soft_deleted = excluded.soft_deleted,
			deleted_at = excluded.deleted_at,
			discovered_at = excluded.discovered_at,
			last_validated_at = excluded.last_validated_at,
			cache_expires_at = excluded.cache_expires_at,
			updated_at = excluded.updated_at
	`,
		r.ID, r.Type, r.Name, r.Group, r.Region, r.State, string(props), tags,
		r.ManagedByEngine, r.CreatedByEngine, r.SoftDeleted, r.DeletedAt,
		r.DiscoveredAt.UTC(), r.LastValidatedAt.UTC(), r.CacheExpiresAt.UTC(), r.LastValidatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to import resource %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) listCacheEntries(ctx context.Context) ([]*engine.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cache_key, resource_id, scope, expires_at, created_at FROM cache_entries ORDER BY cache_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.CacheEntry{}
	for rows.Next() {
		c := &engine.CacheEntry{}
		if err := rows.Scan(&c.Key, &c.ResourceID, &c.Scope, &c.ExpiresAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		entries = append(entries, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache entries: %w", err)
	}

	return entries, nil
}
