package agents

import (
	"sort"

	"github.com/c360studio/shipwright/workflow"
)

// ConflictType classifies what competing agents did to one file.
type ConflictType string

const (
	// ConflictDeletion wins the classification when any agent deletes the
	// file.
	ConflictDeletion ConflictType = "deletion"
	// ConflictModification applies when no deletion but some agent modifies.
	ConflictModification ConflictType = "modification"
	// ConflictOverlap covers the rest, e.g. two agents both creating.
	ConflictOverlap ConflictType = "overlap"
)

// Resolution names a conflict-resolution policy.
type Resolution string

const (
	// ResolutionFirstWins keeps the first proposal's change in iteration
	// order; later proposals drop the file.
	ResolutionFirstWins Resolution = "first-wins"
	// ResolutionLastWins keeps the last proposal's change.
	ResolutionLastWins Resolution = "last-wins"
	// ResolutionManual records the conflict and keeps nothing; a human sorts
	// it out.
	ResolutionManual Resolution = "manual"
	// ResolutionHighestConfidence is first-wins under a more descriptive
	// name: proposals arrive ordered by selection score, so the first is the
	// most confident.
	ResolutionHighestConfidence Resolution = "highest-confidence"
)

// PatchConflict records multiple agents touching one file.
type PatchConflict struct {
	File       string       `json:"file"`
	Agents     []string     `json:"agents"`
	Type       ConflictType `json:"type"`
	Resolution Resolution   `json:"resolution"`
}

// DetectConflicts finds every file touched by more than one proposal.
func DetectConflicts(proposals []*Proposal, resolution Resolution) []PatchConflict {
	type touch struct {
		agents  []string
		actions []workflow.FileAction
	}
	touches := make(map[string]*touch)
	var order []string

	for _, prop := range proposals {
		for _, patch := range prop.Patches {
			for _, fc := range patch.Files {
				tc, ok := touches[fc.Path]
				if !ok {
					tc = &touch{}
					touches[fc.Path] = tc
					order = append(order, fc.Path)
				}
				tc.agents = append(tc.agents, prop.AgentID)
				tc.actions = append(tc.actions, fc.Action)
			}
		}
	}

	var conflicts []PatchConflict
	for _, file := range order {
		tc := touches[file]
		if len(uniqueStrings(tc.agents)) < 2 {
			continue
		}
		conflicts = append(conflicts, PatchConflict{
			File:       file,
			Agents:     uniqueStrings(tc.agents),
			Type:       classify(tc.actions),
			Resolution: resolution,
		})
	}
	return conflicts
}

func classify(actions []workflow.FileAction) ConflictType {
	hasDelete := false
	hasModify := false
	for _, a := range actions {
		switch a {
		case workflow.FileDelete:
			hasDelete = true
		case workflow.FileModify:
			hasModify = true
		}
	}
	if hasDelete {
		return ConflictDeletion
	}
	if hasModify {
		return ConflictModification
	}
	return ConflictOverlap
}

// ResolveConflicts applies the resolution policy, dropping the losing file
// changes from the proposals in place. Manual resolution drops the file
// from every proposal.
func ResolveConflicts(proposals []*Proposal, conflicts []PatchConflict) {
	for _, c := range conflicts {
		switch c.Resolution {
		case ResolutionLastWins:
			dropFileExcept(proposals, c.File, lastToucher(proposals, c.File))
		case ResolutionManual:
			dropFileExcept(proposals, c.File, -1)
		default:
			// first-wins, and highest-confidence which aliases it.
			dropFileExcept(proposals, c.File, firstToucher(proposals, c.File))
		}
	}
}

func firstToucher(proposals []*Proposal, file string) int {
	for i, prop := range proposals {
		if touchesFile(prop, file) {
			return i
		}
	}
	return -1
}

func lastToucher(proposals []*Proposal, file string) int {
	for i := len(proposals) - 1; i >= 0; i-- {
		if touchesFile(proposals[i], file) {
			return i
		}
	}
	return -1
}

func touchesFile(prop *Proposal, file string) bool {
	for _, patch := range prop.Patches {
		for _, fc := range patch.Files {
			if fc.Path == file {
				return true
			}
		}
	}
	return false
}

func dropFileExcept(proposals []*Proposal, file string, keep int) {
	for i, prop := range proposals {
		if i == keep {
			continue
		}
		for pi := range prop.Patches {
			patch := &prop.Patches[pi]
			kept := patch.Files[:0]
			for _, fc := range patch.Files {
				if fc.Path != file {
					kept = append(kept, fc)
				}
			}
			patch.Files = kept
		}
	}
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
