package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateGet(t *testing.T) {
	s := State{
		"fetch-data": map[string]any{
			"statusCode": 200,
			"body": map[string]any{
				"items": []any{"a", "b", "c"},
			},
		},
	}

	v, ok := s.Get("fetch-data.statusCode")
	require.True(t, ok)
	assert.Equal(t, 200, v)

	v, ok = s.Get("fetch-data.body.items.1")
	require.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = s.Get("fetch-data.body.items.99")
	assert.False(t, ok)

	_, ok = s.Get("does.not.exist")
	assert.False(t, ok)
}

func TestStateMergeDoesNotMutateInputs(t *testing.T) {
	base := State{"a": 1, "b": 1}
	overlay := State{"b": 2, "c": 3}

	merged := base.Merge(overlay)

	assert.Equal(t, State{"a": 1, "b": 2, "c": 3}, merged)
	assert.Equal(t, State{"a": 1, "b": 1}, base)
	assert.Equal(t, State{"b": 2, "c": 3}, overlay)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusRetryScheduled.Terminal())
}

func TestPinnedDefinitionValidate(t *testing.T) {
	next := "b"
	def := &PinnedDefinition{
		Name:    "wf",
		Version: "v1",
		Steps: []Step{
			{ID: "a", Type: "log", Next: &next},
			{ID: "b", Type: "log"},
		},
	}
	require.NoError(t, def.Validate())
	assert.Equal(t, "a", def.EntryPoint().ID)
	assert.Equal(t, "b", def.StepByID("b").ID)
	assert.Nil(t, def.StepByID("missing"))
}

func TestPinnedDefinitionValidateRejectsNoSteps(t *testing.T) {
	def := &PinnedDefinition{Name: "wf", Version: "v1"}
	err := def.Validate()
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestPinnedDefinitionValidateRejectsDuplicateIDs(t *testing.T) {
	def := &PinnedDefinition{
		Name: "wf", Version: "v1",
		Steps: []Step{{ID: "a", Type: "log"}, {ID: "a", Type: "log"}},
	}
	require.Error(t, def.Validate())
}

func TestPinnedDefinitionValidateRejectsDanglingNext(t *testing.T) {
	next := "ghost"
	def := &PinnedDefinition{
		Name: "wf", Version: "v1",
		Steps: []Step{{ID: "a", Type: "log", Next: &next}},
	}
	require.Error(t, def.Validate())
}
