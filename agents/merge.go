package agents

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/shipwright/workflow"
)

// Merge combines resolved proposals into one patch set. Patches are
// deduplicated by task id with the first occurrence winning; the title
// concatenates contributing titles.
func Merge(workflowID, baseSha string, proposals []*Proposal) *workflow.PatchSet {
	seen := make(map[string]struct{})
	var patches []workflow.Patch
	var titles []string

	for _, prop := range proposals {
		if prop.Title != "" {
			titles = append(titles, prop.Title)
		}
		for _, patch := range prop.Patches {
			if patch.TaskID != "" {
				if _, dup := seen[patch.TaskID]; dup {
					continue
				}
				seen[patch.TaskID] = struct{}{}
			}
			if len(patch.Files) == 0 && patch.Diff == "" {
				continue
			}
			patches = append(patches, patch)
		}
	}

	return &workflow.PatchSet{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Title:      strings.Join(titles, "; "),
		BaseSha:    baseSha,
		Status:     workflow.PatchSetProposed,
		Patches:    patches,
		CreatedAt:  time.Now().UTC(),
	}
}
