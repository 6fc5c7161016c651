package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/metsuke-ai/metsuke/internal/model"
)

// CreatePersona inserts a new persona version for an Eye. Versions are
// assigned sequentially per Eye inside the transaction. When activate is
// true the new version becomes the active one and any previously active
// version for the Eye is deactivated in the same transaction.
func (db *DB) CreatePersona(ctx context.Context, eye model.Eye, content string, activate bool) (model.Persona, error) {
	persona := model.Persona{
		ID:        uuid.New(),
		Eye:       eye,
		Content:   content,
		Active:    activate,
		CreatedAt: time.Now().UTC(),
	}

	err := db.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM personas WHERE eye = $1`,
			string(eye),
		).Scan(&persona.Version)
		if err != nil {
			return fmt.Errorf("storage: next persona version: %w", err)
		}

		if activate {
			if _, err := tx.Exec(ctx,
				`UPDATE personas SET active = false WHERE eye = $1 AND active`,
				string(eye),
			); err != nil {
				return fmt.Errorf("storage: deactivate personas: %w", err)
			}
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO personas (id, eye, version, content, active, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			persona.ID, string(eye), persona.Version, content, activate, persona.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: create persona: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Persona{}, err
	}
	return persona, nil
}

// ActivatePersona makes the given persona version the active one for its
// Eye, deactivating any other version atomically.
func (db *DB) ActivatePersona(ctx context.Context, id uuid.UUID) (model.Persona, error) {
	var persona model.Persona
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		var eye string
		err := tx.QueryRow(ctx,
			`SELECT id, eye, version, content, created_at FROM personas WHERE id = $1 FOR UPDATE`,
			id,
		).Scan(&persona.ID, &eye, &persona.Version, &persona.Content, &persona.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: persona %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("storage: get persona: %w", err)
		}
		persona.Eye = model.Eye(eye)

		if _, err := tx.Exec(ctx,
			`UPDATE personas SET active = false WHERE eye = $1 AND active AND id <> $2`,
			eye, id,
		); err != nil {
			return fmt.Errorf("storage: deactivate personas: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE personas SET active = true WHERE id = $1`,
			id,
		); err != nil {
			return fmt.Errorf("storage: activate persona: %w", err)
		}
		persona.Active = true
		return nil
	})
	if err != nil {
		return model.Persona{}, err
	}
	return persona, nil
}

// GetPersona retrieves a persona by ID.
func (db *DB) GetPersona(ctx context.Context, id uuid.UUID) (model.Persona, error) {
	var persona model.Persona
	var eye string
	err := db.pool.QueryRow(ctx,
		`SELECT id, eye, version, content, active, created_at FROM personas WHERE id = $1`,
		id,
	).Scan(&persona.ID, &eye, &persona.Version, &persona.Content, &persona.Active, &persona.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Persona{}, fmt.Errorf("%w: persona %s", ErrNotFound, id)
		}
		return model.Persona{}, fmt.Errorf("storage: get persona: %w", err)
	}
	persona.Eye = model.Eye(eye)
	return persona, nil
}

// ListPersonas returns all persona versions, optionally filtered by Eye,
// newest versions first.
func (db *DB) ListPersonas(ctx context.Context, eye *model.Eye) ([]model.Persona, error) {
	query := `SELECT id, eye, version, content, active, created_at FROM personas ORDER BY eye ASC, version DESC`
	args := []any{}
	if eye != nil {
		query = `SELECT id, eye, version, content, active, created_at FROM personas WHERE eye = $1 ORDER BY version DESC`
		args = append(args, string(*eye))
	}
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list personas: %w", err)
	}
	defer rows.Close()

	return scanPersonas(rows)
}

// ListActivePersonas returns the active persona per Eye. Eyes with no
// active persona are absent from the result; the registry treats such
// Eyes as unroutable.
func (db *DB) ListActivePersonas(ctx context.Context) ([]model.Persona, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, eye, version, content, active, created_at FROM personas WHERE active ORDER BY eye ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active personas: %w", err)
	}
	defer rows.Close()

	return scanPersonas(rows)
}

func scanPersonas(rows pgx.Rows) ([]model.Persona, error) {
	var personas []model.Persona
	for rows.Next() {
		var p model.Persona
		var eye string
		if err := rows.Scan(&p.ID, &eye, &p.Version, &p.Content, &p.Active, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan persona: %w", err)
		}
		p.Eye = model.Eye(eye)
		personas = append(personas, p)
	}
	return personas, rows.Err()
}
