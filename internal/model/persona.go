package model

import (
	"time"

	"github.com/google/uuid"
)

// Persona is a versioned prompt template bound to an Eye. At most one
// version per Eye is active at a time; activating a new version supersedes
// but never deletes prior versions.
type Persona struct {
	ID        uuid.UUID `json:"id"`
	Eye       Eye       `json:"eye"`
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// RoutingRule maps an Eye to a provider/model pairing and a strictness
// profile. SessionID nil means the global default; a session-scoped rule
// wins over the global one.
type RoutingRule struct {
	ID         uuid.UUID  `json:"id"`
	Eye        Eye        `json:"eye"`
	SessionID  *uuid.UUID `json:"session_id,omitempty"`
	Provider   string     `json:"provider"`
	Model      string     `json:"model"`
	Strictness string     `json:"strictness"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// StrictnessProfile tunes ambiguity thresholds and retry budgets.
// RetryBudget is the total number of invocation attempts per stage,
// including the first one.
type StrictnessProfile struct {
	Name               string        `json:"name"`
	AmbiguityThreshold float64       `json:"ambiguity_threshold"`
	RetryBudget        int           `json:"retry_budget"`
	InvokeTimeout      time.Duration `json:"invoke_timeout"`
}

// Built-in strictness profile names.
const (
	StrictnessPermissive = "permissive"
	StrictnessStandard   = "standard"
	StrictnessStrict     = "strict"
)

// DefaultProfiles returns the built-in strictness profiles, used to seed
// the store and as the fallback when a named profile is missing.
func DefaultProfiles() []StrictnessProfile {
	return []StrictnessProfile{
		{Name: StrictnessPermissive, AmbiguityThreshold: 0.85, RetryBudget: 3, InvokeTimeout: 60 * time.Second},
		{Name: StrictnessStandard, AmbiguityThreshold: 0.65, RetryBudget: 2, InvokeTimeout: 45 * time.Second},
		{Name: StrictnessStrict, AmbiguityThreshold: 0.45, RetryBudget: 2, InvokeTimeout: 30 * time.Second},
	}
}
