package agents

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps agent ids to agents and agent types to priority-ordered
// agent lists.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]Agent
	byType   map[string][]Agent
	priority map[string]int
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]Agent),
		byType:   make(map[string][]Agent),
		priority: make(map[string]int),
	}
}

// Register adds an agent with a priority; higher priority sorts first
// within its type. Duplicate ids are rejected.
func (r *Registry) Register(a Agent, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[a.ID()]; exists {
		return fmt.Errorf("agent %s already registered", a.ID())
	}
	r.byID[a.ID()] = a
	r.priority[a.ID()] = priority

	list := append(r.byType[a.Type()], a)
	sort.SliceStable(list, func(i, j int) bool {
		return r.priority[list[i].ID()] > r.priority[list[j].ID()]
	})
	r.byType[a.Type()] = list
	return nil
}

// Get returns the agent with the given id, or nil.
func (r *Registry) Get(id string) Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// ByType returns the agents of a type, highest priority first.
func (r *Registry) ByType(agentType string) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Agent(nil), r.byType[agentType]...)
}

// All returns every registered agent in stable id order.
func (r *Registry) All() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	all := make([]Agent, 0, len(ids))
	for _, id := range ids {
		all = append(all, r.byID[id])
	}
	return all
}
