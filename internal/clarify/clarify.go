// Package clarify extracts structured clarification questions from
// ambiguity envelopes.
//
// The questions field arrives as semi-structured markdown: a heading line
// introducing the block and one "- " or "* " list item per question. The
// scanner here is a tiny line-oriented grammar, deliberately independent of
// any general markdown machinery. Pure functions, no side effects.
package clarify

import (
	"strings"

	"github.com/metsuke-ai/metsuke/internal/envelope"
	"github.com/metsuke-ai/metsuke/internal/model"
)

// Result is the structured view of a clarification request. QuestionsMD
// carries the raw markdown block alongside the parsed questions so audit
// events can preserve the Eye's original wording.
type Result struct {
	Questions      []string
	QuestionsMD    string
	AmbiguityScore float64
	IsCodeRelated  bool
}

// Extract pulls questions, score, and the code-related flag out of a
// validated clarification envelope. Empty or missing question lists yield
// zero questions, never an error.
func Extract(env *model.Envelope) (Result, error) {
	view, err := envelope.ClarificationView(env)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Questions:      ParseQuestions(view.QuestionsMD),
		QuestionsMD:    view.QuestionsMD,
		AmbiguityScore: view.Score,
		IsCodeRelated:  view.IsCodeRelated,
	}, nil
}

// ParseQuestions scans markdown text line by line. List items ("- " or
// "* " prefixed) become questions in document order; heading lines and
// everything else are ignored.
func ParseQuestions(md string) []string {
	var questions []string
	for _, line := range strings.Split(md, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var item string
		switch {
		case strings.HasPrefix(line, "- "):
			item = strings.TrimSpace(line[2:])
		case strings.HasPrefix(line, "* "):
			item = strings.TrimSpace(line[2:])
		default:
			continue
		}
		if item != "" {
			questions = append(questions, item)
		}
	}
	return questions
}
