package model

import (
	"fmt"
	"sync"
	"time"
)

// EndpointConfig describes one reachable model endpoint.
type EndpointConfig struct {
	// Provider names the wire protocol ("openai", "anthropic", "ollama",
	// "stub").
	Provider string `yaml:"provider"`

	// URL is the API base URL; empty uses the provider default.
	URL string `yaml:"url"`

	// Model is the provider-side model identifier.
	Model string `yaml:"model"`

	// MaxTokens is the endpoint's context budget.
	MaxTokens int `yaml:"max_tokens"`

	// Cost per 1000 tokens in USD, used for run cost estimation.
	InputCostPer1K  float64 `yaml:"input_cost_per_1k"`
	OutputCostPer1K float64 `yaml:"output_cost_per_1k"`
}

// EstimateCost converts token counts into USD for this endpoint.
func (e *EndpointConfig) EstimateCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*e.InputCostPer1K +
		float64(outputTokens)/1000*e.OutputCostPer1K
}

// Circuit breaker thresholds for endpoint health.
const (
	failureThreshold = 3
	cooldownPeriod   = 30 * time.Second
)

type endpointHealth struct {
	consecutiveFailures int
	openedAt            time.Time
}

// Registry resolves capabilities to endpoint fallback chains and tracks
// endpoint health so a failing endpoint is skipped while its circuit is
// open.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*EndpointConfig
	chains    map[Capability][]string
	health    map[string]*endpointHealth
}

// NewRegistry builds a registry from named endpoints and per-capability
// fallback chains. Every chain entry must name a configured endpoint.
func NewRegistry(endpoints map[string]EndpointConfig, chains map[Capability][]string) (*Registry, error) {
	r := &Registry{
		endpoints: make(map[string]*EndpointConfig, len(endpoints)),
		chains:    make(map[Capability][]string, len(chains)),
		health:    make(map[string]*endpointHealth),
	}
	for name, ep := range endpoints {
		cp := ep
		r.endpoints[name] = &cp
		r.health[name] = &endpointHealth{}
	}
	for capability, chain := range chains {
		for _, name := range chain {
			if _, ok := r.endpoints[name]; !ok {
				return nil, fmt.Errorf("capability %s references unknown endpoint %s", capability, name)
			}
		}
		r.chains[capability] = chain
	}
	return r, nil
}

// GetEndpoint returns the endpoint config for a name, or nil.
func (r *Registry) GetEndpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[name]
}

// FallbackChain returns the configured chain for a capability, falling back
// to the fast chain for capabilities without one.
func (r *Registry) FallbackChain(c Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if chain, ok := r.chains[c]; ok && len(chain) > 0 {
		return chain
	}
	return r.chains[CapabilityFast]
}

// AvailableFallbackChain returns the chain with circuit-open endpoints
// filtered out. If everything is open, the full chain is returned so a
// caller still gets one attempt rather than none.
func (r *Registry) AvailableFallbackChain(c Capability) []string {
	chain := r.FallbackChain(c)

	r.mu.RLock()
	defer r.mu.RUnlock()

	available := make([]string, 0, len(chain))
	for _, name := range chain {
		if r.isAvailableLocked(name) {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		return chain
	}
	return available
}

// IsEndpointAvailable reports whether the endpoint's circuit is closed.
func (r *Registry) IsEndpointAvailable(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isAvailableLocked(name)
}

func (r *Registry) isAvailableLocked(name string) bool {
	h, ok := r.health[name]
	if !ok {
		return false
	}
	if h.consecutiveFailures < failureThreshold {
		return true
	}
	return time.Since(h.openedAt) > cooldownPeriod
}

// MarkEndpointSuccess closes the endpoint's circuit.
func (r *Registry) MarkEndpointSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.health[name]; ok {
		h.consecutiveFailures = 0
	}
}

// MarkEndpointFailure counts a failure and opens the circuit at the
// threshold.
func (r *Registry) MarkEndpointFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[name]
	if !ok {
		return
	}
	h.consecutiveFailures++
	if h.consecutiveFailures == failureThreshold {
		h.openedAt = time.Now()
	}
}
