package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/kioku/internal/model"
)

// LoadPersonas returns all personas ordered by id. Satisfies the registry's
// Source contract; the registry refresh loop calls this, so transient
// conflicts are retried rather than surfaced.
func (db *DB) LoadPersonas(ctx context.Context) ([]model.Persona, error) {
	var out []model.Persona
	err := WithRetry(ctx, maxTxRetries, retryBaseDelay, func() error {
		rows, err := db.pool.Query(ctx, `
			SELECT id, name, description, traits, topic_preferences, rank, created_at, updated_at
			FROM personas
			ORDER BY id
		`)
		if err != nil {
			return fmt.Errorf("storage: list personas: %w", err)
		}
		defer rows.Close()

		out = nil
		for rows.Next() {
			p, err := scanPersona(rows)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

// GetPersona returns one persona by id, or ErrNotFound.
func (db *DB) GetPersona(ctx context.Context, id string) (model.Persona, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT id, name, description, traits, topic_preferences, rank, created_at, updated_at
		FROM personas
		WHERE id = $1
	`, id)
	p, err := scanPersona(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Persona{}, fmt.Errorf("%w: persona %s", ErrNotFound, id)
	}
	return p, err
}

// UpsertPersona inserts or replaces a persona definition.
func (db *DB) UpsertPersona(ctx context.Context, p model.Persona) error {
	if err := model.ValidatePersonaID(p.ID); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	traits, err := json.Marshal(p.Traits)
	if err != nil {
		return fmt.Errorf("storage: marshal traits: %w", err)
	}
	prefs, err := json.Marshal(p.TopicPreferences)
	if err != nil {
		return fmt.Errorf("storage: marshal topic preferences: %w", err)
	}

	err = WithRetry(ctx, maxTxRetries, retryBaseDelay, func() error {
		_, err := db.pool.Exec(ctx, `
			INSERT INTO personas (id, name, description, traits, topic_preferences, rank)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				traits = EXCLUDED.traits,
				topic_preferences = EXCLUDED.topic_preferences,
				rank = EXCLUDED.rank,
				updated_at = now()
		`, p.ID, p.Name, p.Description, traits, prefs, p.Rank)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: upsert persona %s: %w", p.ID, err)
	}
	return nil
}

// DeletePersona removes a persona and its relationships.
func (db *DB) DeletePersona(ctx context.Context, id string) error {
	var tag pgconn.CommandTag
	err := WithRetry(ctx, maxTxRetries, retryBaseDelay, func() error {
		var err error
		tag, err = db.pool.Exec(ctx, `DELETE FROM personas WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: delete persona %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: persona %s", ErrNotFound, id)
	}
	return nil
}

func scanPersona(row pgx.Row) (model.Persona, error) {
	var (
		p      model.Persona
		traits []byte
		prefs  []byte
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &traits, &prefs, &p.Rank, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return model.Persona{}, err
	}
	if len(traits) > 0 {
		if err := json.Unmarshal(traits, &p.Traits); err != nil {
			return model.Persona{}, fmt.Errorf("storage: decode traits for %s: %w", p.ID, err)
		}
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &p.TopicPreferences); err != nil {
			return model.Persona{}, fmt.Errorf("storage: decode topic preferences for %s: %w", p.ID, err)
		}
	}
	return p, nil
}
