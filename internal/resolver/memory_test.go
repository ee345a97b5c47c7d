package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/orchestrator/pkg/workflow"
)

func strPtr(s string) *string { return &s }

func TestMemoryRegisterRejectsInvalidDefinition(t *testing.T) {
	m := NewMemory()
	err := m.Register(&workflow.PinnedDefinition{Name: "bad", Version: "v1"})
	require.Error(t, err)

	_, resolveErr := m.Resolve(context.Background(), "bad", "v1")
	assert.Error(t, resolveErr, "a definition that failed validation must not be resolvable")
}

func TestMemoryResolveExactVersion(t *testing.T) {
	m := NewMemory()
	def := &workflow.PinnedDefinition{
		Name: "greet", Version: "v1",
		Steps: []workflow.Step{{ID: "a", Type: "log"}},
	}
	require.NoError(t, m.Register(def))

	got, err := m.Resolve(context.Background(), "greet", "v1")
	require.NoError(t, err)
	assert.Same(t, def, got)
}

func TestMemoryResolveEmptyVersionFallsBackToLatestRegistered(t *testing.T) {
	m := NewMemory()
	v1 := &workflow.PinnedDefinition{Name: "greet", Version: "v1", Steps: []workflow.Step{{ID: "a", Type: "log"}}}
	v2 := &workflow.PinnedDefinition{Name: "greet", Version: "v2", Steps: []workflow.Step{{ID: "a", Type: "log", Next: strPtr("b")}, {ID: "b", Type: "log"}}}
	require.NoError(t, m.Register(v1))
	require.NoError(t, m.Register(v2))

	got, err := m.Resolve(context.Background(), "greet", "")
	require.NoError(t, err)
	assert.Same(t, v2, got, "empty version should resolve to the most recently registered one")
}

func TestMemoryResolveUnknownNameOrVersion(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Register(&workflow.PinnedDefinition{
		Name: "greet", Version: "v1", Steps: []workflow.Step{{ID: "a", Type: "log"}},
	}))

	_, err := m.Resolve(context.Background(), "unknown", "v1")
	assert.Error(t, err)

	_, err = m.Resolve(context.Background(), "greet", "v99")
	assert.Error(t, err)
}
