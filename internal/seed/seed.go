// Package seed provisions a usable persona and routing baseline on first
// boot. Without it a fresh deployment would fail every run with
// E_NO_ACTIVE_PERSONA until an operator creates seven personas by hand.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/metsuke-ai/metsuke/internal/model"
)

// Store is the storage surface seeding writes through.
type Store interface {
	ListActivePersonas(ctx context.Context) ([]model.Persona, error)
	CreatePersona(ctx context.Context, eye model.Eye, content string, activate bool) (model.Persona, error)
	ListRoutingRules(ctx context.Context) ([]model.RoutingRule, error)
	UpsertRoutingRule(ctx context.Context, rule model.RoutingRule) (model.RoutingRule, error)
	UpsertStrictnessProfile(ctx context.Context, profile model.StrictnessProfile) (model.StrictnessProfile, error)
}

// File is the on-disk seed document.
type File struct {
	Personas []PersonaSeed `yaml:"personas"`
	Routing  []RoutingSeed `yaml:"routing"`
	Profiles []ProfileSeed `yaml:"profiles"`
}

// PersonaSeed activates one persona for an Eye.
type PersonaSeed struct {
	Eye     model.Eye `yaml:"eye"`
	Content string    `yaml:"content"`
}

// RoutingSeed installs a global routing rule for an Eye.
type RoutingSeed struct {
	Eye        model.Eye `yaml:"eye"`
	Provider   string    `yaml:"provider"`
	Model      string    `yaml:"model"`
	Strictness string    `yaml:"strictness"`
}

// ProfileSeed overrides the tuning of a built-in strictness profile.
type ProfileSeed struct {
	Name               string  `yaml:"name"`
	AmbiguityThreshold float64 `yaml:"ambiguity_threshold"`
	RetryBudget        int     `yaml:"retry_budget"`
	InvokeTimeoutMs    int64   `yaml:"invoke_timeout_ms"`
}

// Load parses a seed file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("seed: parse %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("seed: %s: %w", path, err)
	}
	return &f, nil
}

func (f *File) validate() error {
	for _, p := range f.Personas {
		if !model.KnownEye(p.Eye) {
			return fmt.Errorf("persona for unknown eye %q", p.Eye)
		}
		if p.Content == "" {
			return fmt.Errorf("persona for %s has empty content", p.Eye)
		}
	}
	for _, r := range f.Routing {
		if !model.KnownEye(r.Eye) {
			return fmt.Errorf("routing for unknown eye %q", r.Eye)
		}
		if r.Provider == "" {
			return fmt.Errorf("routing for %s names no provider", r.Eye)
		}
	}
	return nil
}

// Default returns the built-in baseline: one minimal persona per catalog
// Eye and a global route to the given provider with standard strictness.
func Default(providerName string) *File {
	f := &File{}
	for _, eye := range model.EyeCatalog {
		f.Personas = append(f.Personas, PersonaSeed{
			Eye:     eye,
			Content: defaultPersona(eye),
		})
		f.Routing = append(f.Routing, RoutingSeed{
			Eye:        eye,
			Provider:   providerName,
			Model:      "default",
			Strictness: model.StrictnessStandard,
		})
	}
	return f
}

// Apply installs the seed without disturbing existing state: personas are
// created only for Eyes that have no active persona, routing rules only
// for Eyes that have no global rule, and profile overrides are always
// upserted. Safe to call on every boot.
func Apply(ctx context.Context, store Store, f *File, logger *slog.Logger) error {
	active, err := store.ListActivePersonas(ctx)
	if err != nil {
		return fmt.Errorf("seed: list active personas: %w", err)
	}
	hasPersona := make(map[model.Eye]bool, len(active))
	for _, p := range active {
		hasPersona[p.Eye] = true
	}

	rules, err := store.ListRoutingRules(ctx)
	if err != nil {
		return fmt.Errorf("seed: list routing rules: %w", err)
	}
	hasRoute := make(map[model.Eye]bool, len(rules))
	for _, r := range rules {
		if r.SessionID == nil {
			hasRoute[r.Eye] = true
		}
	}

	seeded := 0
	for _, p := range f.Personas {
		if hasPersona[p.Eye] {
			continue
		}
		if _, err := store.CreatePersona(ctx, p.Eye, p.Content, true); err != nil {
			return fmt.Errorf("seed: persona for %s: %w", p.Eye, err)
		}
		seeded++
	}
	for _, r := range f.Routing {
		if hasRoute[r.Eye] {
			continue
		}
		strictness := r.Strictness
		if strictness == "" {
			strictness = model.StrictnessStandard
		}
		if _, err := store.UpsertRoutingRule(ctx, model.RoutingRule{
			Eye:        r.Eye,
			Provider:   r.Provider,
			Model:      r.Model,
			Strictness: strictness,
		}); err != nil {
			return fmt.Errorf("seed: routing for %s: %w", r.Eye, err)
		}
		seeded++
	}
	for _, p := range f.Profiles {
		if _, err := store.UpsertStrictnessProfile(ctx, model.StrictnessProfile{
			Name:               p.Name,
			AmbiguityThreshold: p.AmbiguityThreshold,
			RetryBudget:        p.RetryBudget,
			InvokeTimeout:      time.Duration(p.InvokeTimeoutMs) * time.Millisecond,
		}); err != nil {
			return fmt.Errorf("seed: profile %s: %w", p.Name, err)
		}
	}

	if seeded > 0 {
		logger.Info("seeded registry baseline", "entries", seeded)
	}
	return nil
}

func defaultPersona(eye model.Eye) string {
	intro := map[model.Eye]string{
		model.EyeAmbiguityCheck:     "You judge whether the request is specific enough to act on.",
		model.EyePromptHelper:       "You restate the request as a precise, self-contained prompt.",
		model.EyeIntentCheck:        "You verify the restated prompt still matches the caller's intent.",
		model.EyePlanBuilder:        "You produce a concrete, ordered plan for the request.",
		model.EyeCodeReviewer:       "You review proposed changes for defects and risky patterns.",
		model.EyeEvidenceChecker:    "You verify every claim in the plan is backed by evidence.",
		model.EyeConsistencyChecker: "You check the final output for internal contradictions.",
	}[eye]
	return intro + "\n\nRespond with a single JSON envelope: " +
		`{"eye": "` + string(eye) + `", "ok": bool, "code": string, "md": string, "data": object, "toolVersion": string, "ts": RFC3339 timestamp}.`
}
