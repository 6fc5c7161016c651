package clarify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metsuke-ai/metsuke/internal/clarify"
	"github.com/metsuke-ai/metsuke/internal/model"
)

// ---- ParseQuestions --------------------------------------------------------

func TestParseQuestions_HeadingAndDashItems(t *testing.T) {
	md := "### Clarifying Questions\n- What is the target repo?\n- Desired deadline?"

	got := clarify.ParseQuestions(md)
	require.Len(t, got, 2)
	assert.Equal(t, "What is the target repo?", got[0])
	assert.Equal(t, "Desired deadline?", got[1])
}

func TestParseQuestions_StarItems(t *testing.T) {
	md := "## Questions\n* Which branch?\n* Production or staging?"

	got := clarify.ParseQuestions(md)
	require.Len(t, got, 2)
	assert.Equal(t, "Which branch?", got[0])
	assert.Equal(t, "Production or staging?", got[1])
}

func TestParseQuestions_ProseLinesIgnored(t *testing.T) {
	md := "### Clarifying Questions\nI need a bit more detail before proceeding.\n- What is the scope?\nThanks!\n- Any constraints?"

	got := clarify.ParseQuestions(md)
	require.Len(t, got, 2)
	assert.Equal(t, "What is the scope?", got[0])
	assert.Equal(t, "Any constraints?", got[1])
}

func TestParseQuestions_Empty(t *testing.T) {
	assert.Empty(t, clarify.ParseQuestions(""))
}

func TestParseQuestions_HeadingOnly(t *testing.T) {
	assert.Empty(t, clarify.ParseQuestions("### Clarifying Questions"))
}

func TestParseQuestions_BlankListItemSkipped(t *testing.T) {
	md := "- \n- A real question?"

	got := clarify.ParseQuestions(md)
	require.Len(t, got, 1)
	assert.Equal(t, "A real question?", got[0])
}

func TestParseQuestions_LeadingWhitespaceTolerated(t *testing.T) {
	md := "   ### Questions\n   - Indented question?"

	got := clarify.ParseQuestions(md)
	require.Len(t, got, 1)
	assert.Equal(t, "Indented question?", got[0])
}

func TestParseQuestions_DashWithoutSpaceIgnored(t *testing.T) {
	md := "-not a list item\n- a list item"

	got := clarify.ParseQuestions(md)
	require.Len(t, got, 1)
	assert.Equal(t, "a list item", got[0])
}

// ---- Extract ----------------------------------------------------------------

func TestExtract_VerbatimScoreAndOrder(t *testing.T) {
	env := &model.Envelope{
		Eye:  model.EyeAmbiguityCheck,
		OK:   false,
		Code: model.CodeNeedsClarification,
		Data: map[string]any{
			"score":           0.82,
			"is_code_related": true,
			"questions_md":    "### Clarifying Questions\n- What is the target repo?\n- Desired deadline?",
		},
	}

	res, err := clarify.Extract(env)
	require.NoError(t, err)
	assert.Equal(t, 0.82, res.AmbiguityScore, "score must be verbatim, not rounded")
	assert.True(t, res.IsCodeRelated)
	assert.Equal(t, env.Data["questions_md"], res.QuestionsMD)
	require.Len(t, res.Questions, 2)
	assert.Equal(t, "What is the target repo?", res.Questions[0])
	assert.Equal(t, "Desired deadline?", res.Questions[1])
}

func TestExtract_EmptyQuestionListIsNotAnError(t *testing.T) {
	env := &model.Envelope{
		Eye:  model.EyeAmbiguityCheck,
		OK:   false,
		Code: model.CodeNeedsClarification,
		Data: map[string]any{
			"score":        0.5,
			"questions_md": "",
		},
	}

	res, err := clarify.Extract(env)
	require.NoError(t, err)
	assert.Empty(t, res.Questions)
	assert.Equal(t, 0.5, res.AmbiguityScore)
}

func TestExtract_MalformedDataSurfaces(t *testing.T) {
	env := &model.Envelope{
		Eye:  model.EyeAmbiguityCheck,
		OK:   false,
		Code: model.CodeNeedsClarification,
		Data: map[string]any{"questions_md": "- q?"},
	}

	_, err := clarify.Extract(env)
	require.Error(t, err)
}
