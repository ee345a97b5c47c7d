// Package resolver provides a minimal in-process DefinitionResolver. The
// real resolver — authoring, validation, versioning — is an external
// collaborator per spec §1/§6; this in-memory registry exists so the
// orchestrator binary and its tests have something concrete to resolve
// against without standing up that collaborator.
package resolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowmill/orchestrator/pkg/workflow"
)

// Memory is a process-local map of workflow name -> versions -> pinned
// definition. Definitions are validated on registration, matching spec
// §6's requirement that the core only ever sees already-validated
// definitions.
type Memory struct {
	mu    sync.RWMutex
	defs  map[string]map[string]*workflow.PinnedDefinition
	latest map[string]string
}

// NewMemory returns an empty registry.
func NewMemory() *Memory {
	return &Memory{
		defs:   make(map[string]map[string]*workflow.PinnedDefinition),
		latest: make(map[string]string),
	}
}

// Register validates and stores def, marking it as the latest version for
// its name.
func (m *Memory) Register(def *workflow.PinnedDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.defs[def.Name] == nil {
		m.defs[def.Name] = make(map[string]*workflow.PinnedDefinition)
	}
	m.defs[def.Name][def.Version] = def
	m.latest[def.Name] = def.Version
	return nil
}

// Resolve implements runner.DefinitionResolver: an empty version resolves
// to the most recently registered version for that name.
func (m *Memory) Resolve(ctx context.Context, name, version string) (*workflow.PinnedDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions, ok := m.defs[name]
	if !ok {
		return nil, fmt.Errorf("resolver: unknown workflow %q", name)
	}

	if version == "" {
		version = m.latest[name]
	}

	def, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("resolver: unknown version %q for workflow %q", version, name)
	}
	return def, nil
}
