// Package agentfactory constructs adapters by kind and caches one
// instance per kind: adapter selection happens here at wiring time, never
// as runtime kind checks at call sites.
package agentfactory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/agentdeck/agentdeck/agent"
	"github.com/agentdeck/agentdeck/agent/claude"
	"github.com/agentdeck/agentdeck/agent/codex"
	"github.com/agentdeck/agentdeck/agent/cursor"
	"github.com/agentdeck/agentdeck/agent/gemini"
)

// ErrUnknownAgent is returned for kinds no factory is registered for.
var ErrUnknownAgent = errors.New("unknown agent type")

// Registry hands out one adapter instance per kind, constructed lazily
// with the shared dependencies.
type Registry struct {
	deps agent.Deps

	mu        sync.Mutex
	instances map[agent.Kind]agent.Adapter
}

// NewRegistry creates a registry over the given shared dependencies.
func NewRegistry(deps agent.Deps) *Registry {
	return &Registry{
		deps:      deps,
		instances: make(map[agent.Kind]agent.Adapter),
	}
}

// Get returns the adapter for the kind, constructing it on first use.
func (r *Registry) Get(kind agent.Kind) (agent.Adapter, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ad := r.instances[kind]; ad != nil {
		return ad, nil
	}

	ad, err := newAdapter(kind, r.deps)
	if err != nil {
		return nil, err
	}
	r.instances[kind] = ad
	return ad, nil
}

// Kinds lists every supported agent kind.
func (r *Registry) Kinds() []agent.Kind {
	return []agent.Kind{agent.KindClaude, agent.KindCodex, agent.KindGemini, agent.KindCursor}
}

func newAdapter(kind agent.Kind, deps agent.Deps) (agent.Adapter, error) {
	switch kind {
	case agent.KindClaude:
		return claude.New(deps), nil
	case agent.KindCodex:
		return codex.New(deps), nil
	case agent.KindGemini:
		return gemini.New(deps), nil
	case agent.KindCursor:
		return cursor.New(deps), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, kind)
	}
}
