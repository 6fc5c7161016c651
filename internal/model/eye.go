// Package model defines the core domain types for Metsuke.
//
// All types correspond directly to database tables and event payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// except where a payload is genuinely free-form.
package model

// Eye identifies one validator capability in the fixed pipeline catalog.
type Eye string

const (
	EyeAmbiguityCheck     Eye = "ambiguity-check"
	EyePromptHelper       Eye = "prompt-helper"
	EyeIntentCheck        Eye = "intent-check"
	EyePlanBuilder        Eye = "plan-builder"
	EyeCodeReviewer       Eye = "code-reviewer"
	EyeEvidenceChecker    Eye = "evidence-checker"
	EyeConsistencyChecker Eye = "consistency-checker"
)

// EyeCatalog is the fixed, ordered set of Eyes. The order defines the
// default pipeline sequence. Immutable per deployment.
var EyeCatalog = []Eye{
	EyeAmbiguityCheck,
	EyePromptHelper,
	EyeIntentCheck,
	EyePlanBuilder,
	EyeCodeReviewer,
	EyeEvidenceChecker,
	EyeConsistencyChecker,
}

var eyeSet = func() map[Eye]struct{} {
	m := make(map[Eye]struct{}, len(EyeCatalog))
	for _, e := range EyeCatalog {
		m[e] = struct{}{}
	}
	return m
}()

// KnownEye reports whether id names an Eye in the catalog.
func KnownEye(id Eye) bool {
	_, ok := eyeSet[id]
	return ok
}

// DefaultStages returns the catalog order as a fresh slice, suitable for
// storing on a new run without aliasing the package-level catalog.
func DefaultStages() []Eye {
	stages := make([]Eye, len(EyeCatalog))
	copy(stages, EyeCatalog)
	return stages
}
