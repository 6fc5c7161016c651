// Package envelope parses and validates raw Eye output into the canonical
// envelope every orchestration decision depends on.
//
// Eyes are implemented by non-deterministic external capabilities whose
// output format cannot be trusted. Parse is the single choke point: raw
// bytes go in, a structurally validated model.Envelope comes out, or the
// output is rejected as malformed. No side effects.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/metsuke-ai/metsuke/internal/model"
)

// ErrMalformed is returned when raw output cannot be shaped into a valid
// envelope. Callers map it to the E_MALFORMED_ENVELOPE code.
var ErrMalformed = errors.New("envelope: malformed")

// wireEnvelope mirrors the JSON wire shape with pointer fields so that
// missing and mistyped fields are distinguishable from zero values.
type wireEnvelope struct {
	Eye         string         `json:"eye"`
	OK          *bool          `json:"ok"`
	Code        *string        `json:"code"`
	MD          string         `json:"md"`
	Data        map[string]any `json:"data"`
	ToolVersion string         `json:"toolVersion"`
	TS          any            `json:"ts"`
}

// Parse shapes raw provider output into a validated Envelope. Providers
// routinely wrap the JSON object in prose or markdown fences; Parse salvages
// the first balanced JSON object before decoding. The eye argument is the
// stage the output is attributed to; an envelope naming a different eye is
// malformed.
func Parse(eye model.Eye, raw []byte) (*model.Envelope, error) {
	text := salvage(string(raw))
	if text == "" {
		return nil, fmt.Errorf("%w: empty output", ErrMalformed)
	}

	var wire wireEnvelope
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	env := &model.Envelope{
		Eye:         model.Eye(wire.Eye),
		MD:          wire.MD,
		Data:        wire.Data,
		ToolVersion: wire.ToolVersion,
	}
	if wire.OK == nil {
		return nil, fmt.Errorf("%w: missing ok field", ErrMalformed)
	}
	env.OK = *wire.OK
	if wire.Code != nil {
		env.Code = model.Code(*wire.Code)
	}
	if env.Eye == "" {
		env.Eye = eye
	} else if env.Eye != eye {
		return nil, fmt.Errorf("%w: envelope names eye %q, expected %q", ErrMalformed, env.Eye, eye)
	}
	env.TS = parseTS(wire.TS)

	if err := Validate(env); err != nil {
		return nil, err
	}
	return env, nil
}

// Validate checks the structural invariants of an envelope. It mutates only
// the NonStandardCode flag; a non-nil error means the envelope must not
// reach the state machine.
func Validate(env *model.Envelope) error {
	if !env.OK && env.Code == "" {
		return fmt.Errorf("%w: ok=false requires a non-empty code", ErrMalformed)
	}
	if env.Code != "" && !model.KnownCode(env.Code) {
		// Unknown codes are accepted but flagged. Never coerced to OK.
		env.NonStandardCode = true
	}

	// Any data field claiming to be a score must be a real number in [0,1],
	// even when the stage reported success.
	for key, v := range env.Data {
		if key != "score" && !strings.HasSuffix(key, "_score") {
			continue
		}
		f, err := toScore(v)
		if err != nil {
			return fmt.Errorf("%w: data.%s: %v", ErrMalformed, key, err)
		}
		if f < 0 || f > 1 {
			return fmt.Errorf("%w: data.%s %v outside [0,1]", ErrMalformed, key, f)
		}
	}

	if env.Code == model.CodeNeedsClarification {
		if _, err := ClarificationView(env); err != nil {
			return err
		}
	}
	return nil
}

// ClarificationView extracts the typed clarification payload from an
// envelope's data. Fails as malformed when the score or questions field is
// missing or mistyped.
func ClarificationView(env *model.Envelope) (model.ClarificationData, error) {
	var out model.ClarificationData

	raw, ok := env.Data["score"]
	if !ok {
		return out, fmt.Errorf("%w: clarification envelope missing data.score", ErrMalformed)
	}
	score, err := toScore(raw)
	if err != nil {
		return out, fmt.Errorf("%w: data.score: %v", ErrMalformed, err)
	}
	if score < 0 || score > 1 {
		return out, fmt.Errorf("%w: data.score %v outside [0,1]", ErrMalformed, score)
	}
	out.Score = score

	questions, ok := env.Data["questions_md"]
	if !ok {
		return out, fmt.Errorf("%w: clarification envelope missing data.questions_md", ErrMalformed)
	}
	text, ok := questions.(string)
	if !ok {
		return out, fmt.Errorf("%w: data.questions_md is not a string", ErrMalformed)
	}
	out.QuestionsMD = text

	if v, ok := env.Data["is_code_related"]; ok {
		b, ok := v.(bool)
		if !ok {
			return out, fmt.Errorf("%w: data.is_code_related is not a boolean", ErrMalformed)
		}
		out.IsCodeRelated = b
	}
	return out, nil
}

// toScore accepts JSON numbers and numeric strings. Everything else is an
// error; a value that merely looks numeric is never silently coerced.
func toScore(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// parseTS tolerates the timestamp forms providers actually emit: RFC 3339
// strings, epoch seconds, and epoch milliseconds. Unparseable timestamps
// yield the zero time rather than failing validation.
func parseTS(v any) time.Time {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts
		}
	case float64:
		if t > 1e12 {
			return time.UnixMilli(int64(t)).UTC()
		}
		if t > 0 {
			return time.Unix(int64(t), 0).UTC()
		}
	}
	return time.Time{}
}

// salvage strips markdown fences and extracts the first balanced JSON
// object from surrounding prose.
func salvage(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimLeft(trimmed, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
		trimmed = strings.TrimSpace(trimmed)
	}
	if strings.HasSuffix(trimmed, "```") {
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	if obj, ok := firstJSONObject(trimmed); ok {
		return obj
	}
	return trimmed
}

// firstJSONObject scans for the first balanced top-level JSON object,
// respecting string literals and escapes.
func firstJSONObject(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escape := false
	for i, r := range text {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if inString {
			if escape {
				escape = false
				continue
			}
			if r == '\\' {
				escape = true
				continue
			}
			if r == '"' {
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(text[start : i+1]), true
			}
		}
	}
	return "", false
}
