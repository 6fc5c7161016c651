package model

import "time"

// Code is a short machine-readable status carried by envelopes and events.
type Code string

const (
	// Stage-level codes emitted by Eyes.
	CodeOK                 Code = "OK"
	CodeNeedsClarification Code = "E_NEEDS_CLARIFICATION"
	CodeRejected           Code = "E_REJECTED"

	// System-level codes emitted by the orchestrator itself.
	CodeMalformedEnvelope   Code = "E_MALFORMED_ENVELOPE"
	CodeProviderUnavailable Code = "E_PROVIDER_UNAVAILABLE"
	CodeNoActivePersona     Code = "E_NO_ACTIVE_PERSONA"
	CodeNoRoute             Code = "E_NO_ROUTE"
	CodeUnknownEye          Code = "E_UNKNOWN_EYE"
	CodeRunTerminal         Code = "E_RUN_TERMINAL"
	CodeRunTimeout          Code = "E_RUN_TIMEOUT"
	CodeRunCancelled        Code = "E_RUN_CANCELLED"
)

var knownCodes = map[Code]struct{}{
	CodeOK:                  {},
	CodeNeedsClarification:  {},
	CodeRejected:            {},
	CodeMalformedEnvelope:   {},
	CodeProviderUnavailable: {},
	CodeNoActivePersona:     {},
	CodeNoRoute:             {},
	CodeUnknownEye:          {},
	CodeRunTerminal:         {},
	CodeRunTimeout:          {},
	CodeRunCancelled:        {},
}

// KnownCode reports whether c belongs to the canonical taxonomy. Unknown
// codes are still accepted on envelopes but flagged as non-standard.
func KnownCode(c Code) bool {
	_, ok := knownCodes[c]
	return ok
}

// Envelope is the canonical verdict of one Eye invocation. Every raw
// provider output must pass through envelope validation before any
// orchestration decision reads it.
//
// Wire shape: { eye, ok, code, md, data, toolVersion, ts }.
type Envelope struct {
	Eye         Eye            `json:"eye"`
	OK          bool           `json:"ok"`
	Code        Code           `json:"code"`
	MD          string         `json:"md"`
	Data        map[string]any `json:"data,omitempty"`
	ToolVersion string         `json:"toolVersion,omitempty"`
	TS          time.Time      `json:"ts"`

	// NonStandardCode is set by the validator when Code is outside the
	// canonical taxonomy. Preserved in event data for audit; never causes
	// the code to be coerced.
	NonStandardCode bool `json:"-"`
}

// ClarificationData is the typed view of an envelope's data payload when
// the envelope signals E_NEEDS_CLARIFICATION.
//
// Wire shape inside data: { score, is_code_related, questions_md }.
type ClarificationData struct {
	Score         float64 `json:"score"`
	IsCodeRelated bool    `json:"is_code_related"`
	QuestionsMD   string  `json:"questions_md"`
}
