package githost

import "fmt"

// BranchName builds the working branch for one patch set. Re-runs of the
// same patch set land on the same branch.
func BranchName(workflowID, patchSetID string) string {
	return fmt.Sprintf("shipwright/%s/%s", workflowID, patchSetID)
}
