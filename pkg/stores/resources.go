package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/capstan-io/capstan/pkg/engine"
)

const resourceColumns = `r.id, r.resource_type, r.name, r.resource_group, r.region, r.provisioning_state,
	r.properties, r.tags, r.managed_by_engine, r.created_by_engine, r.soft_deleted, r.deleted_at,
	r.discovered_at, r.last_validated_at, r.cache_expires_at`

// Upsert inserts or refreshes a resource from a single-resource query.
func (s *SQLiteStore) Upsert(ctx context.Context, r *engine.Resource) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.upsertResource(ctx, tx, r, engine.CacheScopeSingle, s.cfg.ResourceTTL)
	})
}

// UpsertList stores the results of a list-style query in one transaction.
func (s *SQLiteStore) UpsertList(ctx context.Context, resources []*engine.Resource) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range resources {
			if err := s.upsertResource(ctx, tx, r, engine.CacheScopeList, s.cfg.ListTTL); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) upsertResource(ctx context.Context, tx *sql.Tx, r *engine.Resource, scope engine.CacheScope, ttl time.Duration) error {
	if r.ID == "" || r.Type == "" || r.Name == "" {
		return fmt.Errorf("resource id, type and name are required")
	}
	if r.State == "" {
		r.State = engine.StateUnknown
	}
	if err := r.State.Validate(); err != nil {
		return err
	}

	var existingType, existingName, existingGroup string
	var discoveredAt time.Time
	err := tx.QueryRowContext(ctx,
		`SELECT resource_type, name, resource_group, discovered_at FROM resources WHERE id = ?`, r.ID,
	).Scan(&existingType, &existingName, &existingGroup, &discoveredAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		discoveredAt = time.Time{}
	case err != nil:
		return fmt.Errorf("failed to read resource: %w", err)
	default:
		if existingType != r.Type || existingName != r.Name || existingGroup != r.Group {
			return engine.NewConflictError("resource identity cannot change", nil).
				WithResource(r.ID).
				WithDetail("recorded", existingType+"/"+existingGroup+"/"+existingName)
		}
	}

	now := s.now()
	if discoveredAt.IsZero() {
		discoveredAt = now
		if !r.DiscoveredAt.IsZero() {
			discoveredAt = r.DiscoveredAt.UTC()
		}
	}
	expires := now.Add(ttl)

	props, err := json.Marshal(r.Properties)
	if err != nil {
		return fmt.Errorf("failed to marshal properties: %w", err)
	}
	tags, err := marshalTags(r.Tags)
	if err != nil {
		return err
	}

	var deletedAt *time.Time
	if r.SoftDeleted {
		d := now
		if r.DeletedAt != nil {
			d = r.DeletedAt.UTC()
		}
		deletedAt = &d
	}

	query := `
		INSERT INTO resources (
			id, resource_type, name, resource_group, region, provisioning_state, properties, tags,
			managed_by_engine, created_by_engine, soft_deleted, deleted_at,
			discovered_at, last_validated_at, cache_expires_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			region = excluded.region,
			provisioning_state = excluded.provisioning_state,
			properties = excluded.properties,
			tags = excluded.tags,
			managed_by_engine = MAX(resources.managed_by_engine, excluded.managed_by_engine),
			created_by_engine = MAX(resources.created_by_engine, excluded.created_by_engine),
			soft_deleted = excluded.soft_deleted,
			deleted_at = excluded.deleted_at,
			last_validated_at = excluded.last_validated_at,
			cache_expires_at = excluded.cache_expires_at,
			updated_at = excluded.updated_at
	`
	_, err = tx.ExecContext(ctx, query,
		r.ID, r.Type, r.Name, r.Group, r.Region, r.State, string(props), tags,
		r.ManagedByEngine, r.CreatedByEngine, r.SoftDeleted, deletedAt,
		discoveredAt, now, expires, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert resource: %w", err)
	}

	if err := upsertCacheEntry(ctx, tx, r.Ref().Key(), r.ID, scope, expires, now); err != nil {
		return err
	}

	r.DiscoveredAt = discoveredAt
	r.LastValidatedAt = now
	r.CacheExpiresAt = expires
	r.DeletedAt = deletedAt
	return nil
}

func upsertCacheEntry(ctx context.Context, ex execer, key, resourceID string, scope engine.CacheScope, expires, now time.Time) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_key, resource_id, scope, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			resource_id = excluded.resource_id,
			scope = excluded.scope,
			expires_at = excluded.expires_at
	`, key, resourceID, scope, expires, now)
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

// Get looks a resource up by its query key. It never contacts the provider.
// fresh is true only while both the cache entry and the record are unexpired.
func (s *SQLiteStore) Get(ctx context.Context, resourceType, name, group string) (*engine.Resource, bool, bool, error) {
	key := engine.ResourceRef{Type: resourceType, Name: name, Group: group}.Key()

	var entryExpires time.Time
	row := s.db.QueryRowContext(ctx, `
		SELECT `+resourceColumns+`, c.expires_at
		FROM cache_entries c
		JOIN resources r ON r.id = c.resource_id
		WHERE c.cache_key = ?
	`, key)
	r, err := scanResource(row, &entryExpires)
	if err == nil {
		now := s.now()
		fresh := now.Before(entryExpires) && r.IsFresh(now)
		return r, true, fresh, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, false, fmt.Errorf("failed to get resource: %w", err)
	}

	// Records restored without cache entries are found but never fresh.
	row = s.db.QueryRowContext(ctx, `
		SELECT `+resourceColumns+`
		FROM resources r
		WHERE r.resource_type = ? AND r.name = ? AND r.resource_group = ?
		ORDER BY r.soft_deleted ASC, r.updated_at DESC
		LIMIT 1
	`, resourceType, name, group)
	r, err = scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, false, nil
	}
	if err != nil {
		return nil, false, false, fmt.Errorf("failed to get resource: %w", err)
	}
	return r, true, false, nil
}

// GetByID retrieves a resource by its provider ID.
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*engine.Resource, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources r WHERE r.id = ?`, id)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NotFoundf("resource not found: %s", id).WithResource(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return r, nil
}

// List returns resources matching the filter ordered by type, group and name.
func (s *SQLiteStore) List(ctx context.Context, filter engine.ResourceFilter) ([]*engine.Resource, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT ` + resourceColumns + `
		FROM resources r
		WHERE (? = '' OR r.resource_type = ?)
		  AND (? = '' OR r.resource_group = ?)
		  AND (? = 0 OR r.managed_by_engine = 1)
		  AND (? = 1 OR r.soft_deleted = 0)
		ORDER BY r.resource_type, r.resource_group, r.name
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.Type, filter.Type,
		filter.Group, filter.Group,
		filter.ManagedOnly,
		filter.IncludeDeleted,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []*engine.Resource{}
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}

	return resources, nil
}

// MarkManaged records that the engine owns the resource.
func (s *SQLiteStore) MarkManaged(ctx context.Context, id string) error {
	return s.setLineage(ctx, id, false)
}

// MarkCreated records that an engine operation created the resource. It implies managed.
func (s *SQLiteStore) MarkCreated(ctx context.Context, id string) error {
	return s.setLineage(ctx, id, true)
}

func (s *SQLiteStore) setLineage(ctx context.Context, id string, created bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE resources SET managed_by_engine = 1, updated_at = ? WHERE id = ?`
		action := AuditResourceManaged
		if created {
			query = `UPDATE resources SET managed_by_engine = 1, created_by_engine = 1, updated_at = ? WHERE id = ?`
			action = AuditResourceCreated
		}

		result, err := tx.ExecContext(ctx, query, s.now(), id)
		if err != nil {
			return fmt.Errorf("failed to update lineage: %w", err)
		}
		if err := requireRow(result, "resource", id); err != nil {
			return err
		}
		return s.insertAudit(ctx, tx, &AuditEntry{Action: action, TargetID: strPtr(id)})
	})
}

// SoftDelete marks the resource deleted while keeping it queryable.
// Repeated calls leave the record unchanged.
func (s *SQLiteStore) SoftDelete(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var already bool
		err := tx.QueryRowContext(ctx, `SELECT soft_deleted FROM resources WHERE id = ?`, id).Scan(&already)
		if errors.Is(err, sql.ErrNoRows) {
			return engine.NotFoundf("resource not found: %s", id).WithResource(id)
		}
		if err != nil {
			return fmt.Errorf("failed to read resource: %w", err)
		}
		if already {
			return nil
		}

		now := s.now()
		_, err = tx.ExecContext(ctx, `
			UPDATE resources
			SET soft_deleted = 1, deleted_at = ?, provisioning_state = ?, cache_expires_at = ?, updated_at = ?
			WHERE id = ?
		`, now, engine.StateDeleted, now, now, id)
		if err != nil {
			return fmt.Errorf("failed to soft-delete resource: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE cache_entries SET expires_at = ? WHERE resource_id = ?`, now, id); err != nil {
			return fmt.Errorf("failed to expire cache entries: %w", err)
		}
		return s.insertAudit(ctx, tx, &AuditEntry{Action: AuditResourceSoftDeleted, TargetID: strPtr(id)})
	})
}

// Purge hard-deletes a resource together with its cache entries and edges.
func (s *SQLiteStore) Purge(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM dependency_edges WHERE from_id = ? OR to_id = ?`, id, id); err != nil {
			return fmt.Errorf("failed to delete edges: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE resource_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete cache entries: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to purge resource: %w", err)
		}
		if err := requireRow(result, "resource", id); err != nil {
			return err
		}
		return s.insertAudit(ctx, tx, &AuditEntry{Action: AuditResourcePurged, TargetID: strPtr(id)})
	})
}

// Invalidate expires every cache entry whose key matches pattern, along with
// the records they point at. Keys have the form "type/group/name"; "*" matches
// within one segment and "**" across segments. It returns the number of
// entries expired.
func (s *SQLiteStore) Invalidate(ctx context.Context, pattern string) (int64, error) {
	if !doublestar.ValidatePattern(pattern) {
		return 0, fmt.Errorf("invalid invalidation pattern: %q", pattern)
	}

	var count int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT cache_key, resource_id FROM cache_entries`)
		if err != nil {
			return fmt.Errorf("failed to read cache entries: %w", err)
		}
		var keys, ids []string
		for rows.Next() {
			var key, id string
			if err := rows.Scan(&key, &id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan cache entry: %w", err)
			}
			if ok, _ := doublestar.Match(pattern, key); ok {
				keys = append(keys, key)
				ids = append(ids, id)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating cache entries: %w", err)
		}
		rows.Close()

		now := s.now()
		for i, key := range keys {
			if _, err := tx.ExecContext(ctx,
				`UPDATE cache_entries SET expires_at = ? WHERE cache_key = ?`, now, key); err != nil {
				return fmt.Errorf("failed to expire cache entry: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE resources SET cache_expires_at = ? WHERE id = ?`, now, ids[i]); err != nil {
				return fmt.Errorf("failed to expire resource: %w", err)
			}
		}
		count = int64(len(keys))
		return nil
	})
	return count, err
}

func scanResource(row rowScanner, extra ...interface{}) (*engine.Resource, error) {
	r := &engine.Resource{}
	var props, tags string
	var deletedAt sql.NullTime
	dest := []interface{}{
		&r.ID,
		&r.Type,
		&r.Name,
		&r.Group,
		&r.Region,
		&r.State,
		&props,
		&tags,
		&r.ManagedByEngine,
		&r.CreatedByEngine,
		&r.SoftDeleted,
		&deletedAt,
		&r.DiscoveredAt,
		&r.LastValidatedAt,
		&r.CacheExpiresAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	if deletedAt.Valid {
		t := deletedAt.Time
		r.DeletedAt = &t
	}
	r.Properties = engine.NewPropertyBag()
	if props != "" && props != "null" {
		if err := json.Unmarshal([]byte(props), r.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode properties of %s: %w", r.ID, err)
		}
	}
	if tags != "" && tags != "null" {
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags of %s: %w", r.ID, err)
		}
	}
	return r, nil
}

func marshalTags(tags map[string]string) (string, error) {
	if len(tags) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(b), nil
}

func requireRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NotFoundf("%s not found: %s", kind, id).WithResource(id)
	}
	return nil
}
