// Package registry resolves, per Eye and session, which persona, provider,
// and strictness profile an invocation uses.
//
// The registry is process-wide read-mostly state. It holds an immutable
// Snapshot behind an atomic pointer: admin writes and the refresh loop
// install a freshly loaded snapshot, never mutate one in place. A run pins
// the snapshot it started with, so configuration changes only affect runs
// started after the change.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/metsuke-ai/metsuke/internal/model"
)

var (
	// ErrNoActivePersona is returned when an Eye has no active persona
	// version. Fatal for the run; a validation stage is never skipped.
	ErrNoActivePersona = errors.New("registry: no active persona")

	// ErrNoRoute is returned when neither a session-scoped nor a global
	// routing rule exists for an Eye.
	ErrNoRoute = errors.New("registry: no routing rule")

	// ErrUnknownEye is returned for ids outside the catalog.
	ErrUnknownEye = errors.New("registry: unknown eye")

	// ErrUnknownProfile is returned when a strictness name resolves to no
	// profile. Only reachable for names outside the built-in set.
	ErrUnknownProfile = errors.New("registry: unknown strictness profile")
)

// Source supplies registry state from durable storage.
type Source interface {
	ListActivePersonas(ctx context.Context) ([]model.Persona, error)
	ListRoutingRules(ctx context.Context) ([]model.RoutingRule, error)
	ListStrictnessProfiles(ctx context.Context) ([]model.StrictnessProfile, error)
}

// Resolution is everything the pipeline needs to execute one stage.
type Resolution struct {
	Eye            model.Eye
	PersonaContent string
	PersonaVersion int
	Provider       string
	Model          string
	Profile        model.StrictnessProfile
}

type scopeKey struct {
	eye     model.Eye
	session uuid.UUID
}

// Snapshot is an immutable view of personas, routing rules, and strictness
// profiles at one point in time. Safe for concurrent use without locking.
type Snapshot struct {
	version  int64
	loadedAt time.Time
	personas map[model.Eye]model.Persona
	global   map[model.Eye]model.RoutingRule
	scoped   map[scopeKey]model.RoutingRule
	profiles map[string]model.StrictnessProfile
}

// Version returns the monotonic snapshot version, for logs and diagnostics.
func (s *Snapshot) Version() int64 { return s.version }

// Resolve returns the active persona, provider ref, and strictness profile
// for one Eye invocation. Deterministic for a given snapshot. A
// session-scoped routing rule wins over the global one.
func (s *Snapshot) Resolve(eye model.Eye, sessionID uuid.UUID) (Resolution, error) {
	if !model.KnownEye(eye) {
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownEye, eye)
	}

	persona, ok := s.personas[eye]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: eye %q", ErrNoActivePersona, eye)
	}

	rule, ok := s.scoped[scopeKey{eye: eye, session: sessionID}]
	if !ok {
		rule, ok = s.global[eye]
	}
	if !ok {
		return Resolution{}, fmt.Errorf("%w: eye %q", ErrNoRoute, eye)
	}

	profile, err := s.Profile(rule.Strictness)
	if err != nil {
		return Resolution{}, err
	}

	return Resolution{
		Eye:            eye,
		PersonaContent: persona.Content,
		PersonaVersion: persona.Version,
		Provider:       rule.Provider,
		Model:          rule.Model,
		Profile:        profile,
	}, nil
}

// Profile returns the strictness profile for name. Built-in profiles are
// always present; stored rows override their tuning values.
func (s *Snapshot) Profile(name string) (model.StrictnessProfile, error) {
	p, ok := s.profiles[name]
	if !ok {
		return model.StrictnessProfile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return p, nil
}

// ActivePersona returns the active persona for an Eye, if any.
func (s *Snapshot) ActivePersona(eye model.Eye) (model.Persona, bool) {
	p, ok := s.personas[eye]
	return p, ok
}

// GlobalRule returns the global routing rule for an Eye, if any.
func (s *Snapshot) GlobalRule(eye model.Eye) (model.RoutingRule, bool) {
	r, ok := s.global[eye]
	return r, ok
}

// Registry owns the current snapshot and reloads it from the Source.
type Registry struct {
	source  Source
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]
	version atomic.Int64
}

// New creates a registry with an empty snapshot. Call Reload before
// resolving; until then every Resolve fails with ErrNoActivePersona.
func New(source Source, logger *slog.Logger) *Registry {
	r := &Registry{source: source, logger: logger}
	r.current.Store(emptySnapshot())
	return r
}

// Current returns the latest installed snapshot. Never nil.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Reload loads registry state from the source and atomically installs it as
// the new current snapshot. In-flight runs keep the snapshot they pinned.
func (r *Registry) Reload(ctx context.Context) error {
	personas, err := r.source.ListActivePersonas(ctx)
	if err != nil {
		return fmt.Errorf("registry: load personas: %w", err)
	}
	rules, err := r.source.ListRoutingRules(ctx)
	if err != nil {
		return fmt.Errorf("registry: load routing rules: %w", err)
	}
	profiles, err := r.source.ListStrictnessProfiles(ctx)
	if err != nil {
		return fmt.Errorf("registry: load strictness profiles: %w", err)
	}

	snap := &Snapshot{
		version:  r.version.Add(1),
		loadedAt: time.Now().UTC(),
		personas: make(map[model.Eye]model.Persona, len(personas)),
		global:   make(map[model.Eye]model.RoutingRule),
		scoped:   make(map[scopeKey]model.RoutingRule),
		profiles: make(map[string]model.StrictnessProfile),
	}
	for _, p := range model.DefaultProfiles() {
		snap.profiles[p.Name] = p
	}
	for _, p := range profiles {
		snap.profiles[p.Name] = p
	}
	for _, p := range personas {
		snap.personas[p.Eye] = p
	}
	for _, rule := range rules {
		if rule.SessionID != nil {
			snap.scoped[scopeKey{eye: rule.Eye, session: *rule.SessionID}] = rule
		} else {
			snap.global[rule.Eye] = rule
		}
	}

	r.current.Store(snap)
	r.logger.Debug("registry snapshot installed",
		"version", snap.version,
		"personas", len(snap.personas),
		"rules", len(rules),
		"profiles", len(snap.profiles))
	return nil
}

// RefreshLoop reloads the registry on a fixed interval until ctx is done.
// Keeps replicas converging on admin changes made elsewhere.
func (r *Registry) RefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reload(ctx); err != nil {
				r.logger.Warn("registry refresh failed", "error", err)
			}
		}
	}
}

func emptySnapshot() *Snapshot {
	snap := &Snapshot{
		personas: map[model.Eye]model.Persona{},
		global:   map[model.Eye]model.RoutingRule{},
		scoped:   map[scopeKey]model.RoutingRule{},
		profiles: map[string]model.StrictnessProfile{},
	}
	for _, p := range model.DefaultProfiles() {
		snap.profiles[p.Name] = p
	}
	return snap
}
