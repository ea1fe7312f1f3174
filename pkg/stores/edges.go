package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/capstan-io/capstan/pkg/engine"
)

// PutEdges replaces the outgoing edge set of one resource.
func (s *SQLiteStore) PutEdges(ctx context.Context, fromID string, edges []engine.DependencyEdge) error {
	for _, e := range edges {
		if e.From != fromID {
			return fmt.Errorf("edge %s -> %s does not originate at %s", e.From, e.To, fromID)
		}
		if err := e.Validate(); err != nil {
			return engine.NewPermanentError("invalid dependency edge", err).
				WithCode(engine.ErrCodeInvalidDescriptor).
				WithResource(fromID)
		}
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM dependency_edges WHERE from_id = ?`, fromID); err != nil {
			return fmt.Errorf("failed to clear edges: %w", err)
		}
		now := s.now()
		for _, e := range edges {
			if err := insertEdge(ctx, tx, e, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertEdge(ctx context.Context, ex execer, e engine.DependencyEdge, now time.Time) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO dependency_edges (from_id, to_id, strength, kind, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, kind) DO UPDATE SET strength = excluded.strength
	`, e.From, e.To, e.Strength, e.Kind, now)
	if err != nil {
		return fmt.Errorf("failed to insert edge: %w", err)
	}
	return nil
}

// ListEdges returns every stored edge ordered by source, target and kind.
func (s *SQLiteStore) ListEdges(ctx context.Context) ([]engine.DependencyEdge, error) {
	return s.queryEdges(ctx, `SELECT from_id, to_id, strength, kind FROM dependency_edges
		ORDER BY from_id, to_id, kind`)
}

// EdgesFrom returns the dependencies of id.
func (s *SQLiteStore) EdgesFrom(ctx context.Context, id string) ([]engine.DependencyEdge, error) {
	return s.queryEdges(ctx, `SELECT from_id, to_id, strength, kind FROM dependency_edges
		WHERE from_id = ? ORDER BY to_id, kind`, id)
}

// EdgesTo returns the edges of resources depending on id.
func (s *SQLiteStore) EdgesTo(ctx context.Context, id string) ([]engine.DependencyEdge, error) {
	return s.queryEdges(ctx, `SELECT from_id, to_id, strength, kind FROM dependency_edges
		WHERE to_id = ? ORDER BY from_id, kind`, id)
}

func (s *SQLiteStore) queryEdges(ctx context.Context, query string, args ...interface{}) ([]engine.DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()

	edges := []engine.DependencyEdge{}
	for rows.Next() {
		var e engine.DependencyEdge
		if err := rows.Scan(&e.From, &e.To, &e.Strength, &e.Kind); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}

	return edges, nil
}
