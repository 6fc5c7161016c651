package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/metsuke-ai/metsuke/internal/model"
)

// UpsertRoutingRule inserts or replaces the routing rule for an Eye. Rules
// with a session ID shadow the global rule for that session only; global
// and session-scoped rules are distinct upsert targets.
func (db *DB) UpsertRoutingRule(ctx context.Context, rule model.RoutingRule) (model.RoutingRule, error) {
	rule.UpdatedAt = time.Now().UTC()

	var query string
	if rule.SessionID == nil {
		query = `INSERT INTO routing_rules (id, eye, session_id, provider, model, strictness, updated_at)
			 VALUES (gen_random_uuid(), $1, NULL, $2, $3, $4, $5)
			 ON CONFLICT (eye) WHERE session_id IS NULL
			 DO UPDATE SET provider = $2, model = $3, strictness = $4, updated_at = $5
			 RETURNING id`
		err := db.pool.QueryRow(ctx, query,
			string(rule.Eye), rule.Provider, rule.Model, rule.Strictness, rule.UpdatedAt,
		).Scan(&rule.ID)
		if err != nil {
			return model.RoutingRule{}, fmt.Errorf("storage: upsert routing rule: %w", err)
		}
		return rule, nil
	}

	query = `INSERT INTO routing_rules (id, eye, session_id, provider, model, strictness, updated_at)
		 VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)
		 ON CONFLICT (eye, session_id) WHERE session_id IS NOT NULL
		 DO UPDATE SET provider = $3, model = $4, strictness = $5, updated_at = $6
		 RETURNING id`
	err := db.pool.QueryRow(ctx, query,
		string(rule.Eye), *rule.SessionID, rule.Provider, rule.Model, rule.Strictness, rule.UpdatedAt,
	).Scan(&rule.ID)
	if err != nil {
		return model.RoutingRule{}, fmt.Errorf("storage: upsert scoped routing rule: %w", err)
	}
	return rule, nil
}

// ListRoutingRules returns all routing rules, global rules first.
func (db *DB) ListRoutingRules(ctx context.Context) ([]model.RoutingRule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, eye, session_id, provider, model, strictness, updated_at
		 FROM routing_rules
		 ORDER BY session_id IS NOT NULL, eye ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list routing rules: %w", err)
	}
	defer rows.Close()

	var rules []model.RoutingRule
	for rows.Next() {
		var r model.RoutingRule
		var eye string
		if err := rows.Scan(&r.ID, &eye, &r.SessionID, &r.Provider, &r.Model, &r.Strictness, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan routing rule: %w", err)
		}
		r.Eye = model.Eye(eye)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// UpsertStrictnessProfile stores tuned values for one of the built-in
// strictness profile names.
func (db *DB) UpsertStrictnessProfile(ctx context.Context, profile model.StrictnessProfile) (model.StrictnessProfile, error) {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO strictness_profiles (name, ambiguity_threshold, retry_budget, invoke_timeout_ms, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (name)
		 DO UPDATE SET ambiguity_threshold = $2, retry_budget = $3, invoke_timeout_ms = $4, updated_at = now()`,
		profile.Name, profile.AmbiguityThreshold, profile.RetryBudget, profile.InvokeTimeout.Milliseconds(),
	)
	if err != nil {
		return model.StrictnessProfile{}, fmt.Errorf("storage: upsert strictness profile: %w", err)
	}
	return profile, nil
}

// GetStrictnessProfile retrieves a stored profile by name.
func (db *DB) GetStrictnessProfile(ctx context.Context, name string) (model.StrictnessProfile, error) {
	var p model.StrictnessProfile
	var timeoutMs int64
	err := db.pool.QueryRow(ctx,
		`SELECT name, ambiguity_threshold, retry_budget, invoke_timeout_ms
		 FROM strictness_profiles WHERE name = $1`, name,
	).Scan(&p.Name, &p.AmbiguityThreshold, &p.RetryBudget, &timeoutMs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.StrictnessProfile{}, fmt.Errorf("%w: strictness profile %s", ErrNotFound, name)
		}
		return model.StrictnessProfile{}, fmt.Errorf("storage: get strictness profile: %w", err)
	}
	p.InvokeTimeout = time.Duration(timeoutMs) * time.Millisecond
	return p, nil
}

// ListStrictnessProfiles returns all stored profile overrides. Profiles
// never stored keep their built-in defaults; the registry overlays these
// rows on top of model.DefaultProfiles.
func (db *DB) ListStrictnessProfiles(ctx context.Context) ([]model.StrictnessProfile, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT name, ambiguity_threshold, retry_budget, invoke_timeout_ms
		 FROM strictness_profiles ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list strictness profiles: %w", err)
	}
	defer rows.Close()

	var profiles []model.StrictnessProfile
	for rows.Next() {
		var p model.StrictnessProfile
		var timeoutMs int64
		if err := rows.Scan(&p.Name, &p.AmbiguityThreshold, &p.RetryBudget, &timeoutMs); err != nil {
			return nil, fmt.Errorf("storage: scan strictness profile: %w", err)
		}
		p.InvokeTimeout = time.Duration(timeoutMs) * time.Millisecond
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}
