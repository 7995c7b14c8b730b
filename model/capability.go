// Package model maps semantic capabilities to concrete LLM endpoints with
// fallback chains and endpoint health tracking.
package model

// Capability is a semantic model role. Stages request capabilities, never
// model names; the registry resolves them.
type Capability string

const (
	// CapabilityAnalysis suits feasibility and architecture reasoning.
	CapabilityAnalysis Capability = "analysis"
	// CapabilityPlanning suits timeline and task breakdown work.
	CapabilityPlanning Capability = "planning"
	// CapabilityWriting suits summaries and prose.
	CapabilityWriting Capability = "writing"
	// CapabilityCoding suits patch generation.
	CapabilityCoding Capability = "coding"
	// CapabilityFast is the cheap default for everything else.
	CapabilityFast Capability = "fast"
)

// ParseCapability returns the capability for a string, or empty for an
// unknown one.
func ParseCapability(s string) Capability {
	switch Capability(s) {
	case CapabilityAnalysis, CapabilityPlanning, CapabilityWriting, CapabilityCoding, CapabilityFast:
		return Capability(s)
	}
	return ""
}

// AllCapabilities lists every known capability.
func AllCapabilities() []Capability {
	return []Capability{
		CapabilityAnalysis,
		CapabilityPlanning,
		CapabilityWriting,
		CapabilityCoding,
		CapabilityFast,
	}
}
