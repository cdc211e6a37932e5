package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/kioku/internal/model"
)

// LoadRelationships returns all relationship rows. Pairs are stored with
// persona_a < persona_b; the registry handles unordered lookup. Retried like
// LoadPersonas since the refresh loop depends on it.
func (db *DB) LoadRelationships(ctx context.Context) ([]model.Relationship, error) {
	var out []model.Relationship
	err := WithRetry(ctx, maxTxRetries, retryBaseDelay, func() error {
		rows, err := db.pool.Query(ctx, `
			SELECT persona_a, persona_b, affinity, trust, respect, interaction_count, last_interaction
			FROM relationships
			ORDER BY persona_a, persona_b
		`)
		if err != nil {
			return fmt.Errorf("storage: list relationships: %w", err)
		}
		defer rows.Close()

		out = nil
		for rows.Next() {
			var r model.Relationship
			if err := rows.Scan(&r.PersonaA, &r.PersonaB, &r.Affinity, &r.Trust,
				&r.Respect, &r.InteractionCount, &r.LastInteraction); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// UpsertRelationship inserts or replaces the relationship for an unordered
// pair. Both orderings of (a, b) address the same row.
func (db *DB) UpsertRelationship(ctx context.Context, r model.Relationship) error {
	if r.PersonaA > r.PersonaB {
		r.PersonaA, r.PersonaB = r.PersonaB, r.PersonaA
	}
	if r.PersonaA == r.PersonaB {
		return fmt.Errorf("storage: relationship cannot pair %s with itself", r.PersonaA)
	}

	err := WithRetry(ctx, maxTxRetries, retryBaseDelay, func() error {
		_, err := db.pool.Exec(ctx, `
			INSERT INTO relationships (persona_a, persona_b, affinity, trust, respect, interaction_count, last_interaction)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (persona_a, persona_b) DO UPDATE SET
				affinity = EXCLUDED.affinity,
				trust = EXCLUDED.trust,
				respect = EXCLUDED.respect,
				interaction_count = EXCLUDED.interaction_count,
				last_interaction = EXCLUDED.last_interaction
		`, r.PersonaA, r.PersonaB, r.Affinity, r.Trust, r.Respect, r.InteractionCount, r.LastInteraction)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: upsert relationship %s/%s: %w", r.PersonaA, r.PersonaB, err)
	}
	return nil
}

// DeleteRelationship removes the relationship for an unordered pair.
func (db *DB) DeleteRelationship(ctx context.Context, a, b string) error {
	if a > b {
		a, b = b, a
	}
	var tag pgconn.CommandTag
	err := WithRetry(ctx, maxTxRetries, retryBaseDelay, func() error {
		var err error
		tag, err = db.pool.Exec(ctx,
			`DELETE FROM relationships WHERE persona_a = $1 AND persona_b = $2`, a, b)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: delete relationship %s/%s: %w", a, b, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: relationship %s/%s", ErrNotFound, a, b)
	}
	return nil
}
