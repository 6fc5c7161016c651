package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/metsuke-ai/metsuke/internal/model"
)

func TestRunStatusTerminal(t *testing.T) {
	terminal := []model.RunStatus{
		model.RunStatusCompleted,
		model.RunStatusFailed,
		model.RunStatusCancelled,
	}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}

	live := []model.RunStatus{
		model.RunStatusPending,
		model.RunStatusRunning,
		model.RunStatusAwaitingClarification,
	}
	for _, s := range live {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestCurrentStage(t *testing.T) {
	r := model.Run{
		Stages:     []model.Eye{model.EyeAmbiguityCheck, model.EyePlanBuilder},
		StageIndex: 1,
	}
	assert.Equal(t, model.EyePlanBuilder, r.CurrentStage())

	r.StageIndex = 2
	assert.Equal(t, model.Eye(""), r.CurrentStage(), "index past the last stage has no current stage")
}

func TestDefaultStagesIsACopy(t *testing.T) {
	stages := model.DefaultStages()
	assert.Equal(t, model.EyeCatalog, stages)

	stages[0] = "mutated"
	assert.Equal(t, model.EyeAmbiguityCheck, model.EyeCatalog[0], "mutating the copy must not touch the catalog")
}

func TestKnownEye(t *testing.T) {
	for _, e := range model.EyeCatalog {
		assert.True(t, model.KnownEye(e))
	}
	assert.False(t, model.KnownEye("sauron"))
}

func TestKnownCode(t *testing.T) {
	assert.True(t, model.KnownCode(model.CodeOK))
	assert.True(t, model.KnownCode(model.CodeNeedsClarification))
	assert.True(t, model.KnownCode(model.CodeRejected))
	assert.False(t, model.KnownCode("E_SOMETHING_ELSE"))
}
