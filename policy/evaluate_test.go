package policy

import (
	"reflect"
	"strings"
	"testing"

	"github.com/c360studio/shipwright/workflow"
)

const frozenWorkflowDiff = `diff --git a/.github/workflows/ci.yml b/.github/workflows/ci.yml
--- a/.github/workflows/ci.yml
+++ b/.github/workflows/ci.yml
@@ -1,3 +1,4 @@
 name: ci
+    - run: echo pwned
 on: push
`

const cleanDiff = `diff --git a/internal/cache/cache.go b/internal/cache/cache.go
--- a/internal/cache/cache.go
+++ b/internal/cache/cache.go
@@ -10,6 +10,7 @@ func New() *Cache {
 	return &Cache{
 		entries: map[string]entry{},
+		ttl:     time.Minute,
 	}
 }
`

func TestEvaluate_FrozenFile(t *testing.T) {
	result := Evaluate(frozenWorkflowDiff, DefaultConfig())

	if result.Verdict != workflow.VerdictFail {
		t.Errorf("verdict = %s, want FAIL", result.Verdict)
	}

	found := false
	for _, v := range result.Violations {
		if v.Rule == RuleFrozenFile && v.Severity == workflow.SeverityBlock && v.File == ".github/workflows/ci.yml" {
			found = true
		}
	}
	if !found {
		t.Errorf("no frozen_file BLOCK for ci.yml in %+v", result.Violations)
	}
}

func TestEvaluate_CleanDiffPasses(t *testing.T) {
	result := Evaluate(cleanDiff, DefaultConfig())

	if result.Verdict != workflow.VerdictPass {
		t.Errorf("verdict = %s, want PASS (violations: %+v)", result.Verdict, result.Violations)
	}
	if result.BlockingCount != 0 || result.WarningCount != 0 {
		t.Errorf("counts = %d/%d, want 0/0", result.BlockingCount, result.WarningCount)
	}
}

func TestEvaluate_SecretDetection(t *testing.T) {
	secret := `apiKey = "sk-1234567890abcdefghij1234567890abcdefghij1234567890"`
	diff := "diff --git a/internal/client.go b/internal/client.go\n" +
		"--- a/internal/client.go\n" +
		"+++ b/internal/client.go\n" +
		"@@ -1,2 +1,3 @@\n" +
		" package internal\n" +
		"+" + secret + "\n"

	result := Evaluate(diff, DefaultConfig())

	if result.Verdict != workflow.VerdictFail {
		t.Fatalf("verdict = %s, want FAIL", result.Verdict)
	}

	var violation *workflow.Violation
	for i, v := range result.Violations {
		if v.Rule == RuleSecretDetected {
			violation = &result.Violations[i]
		}
	}
	if violation == nil {
		t.Fatalf("no secret_detected violation in %+v", result.Violations)
	}
	if violation.File != "internal/client.go" {
		t.Errorf("file = %s", violation.File)
	}
	if len(violation.Evidence) > evidenceLimit+3 {
		t.Errorf("evidence %q is %d chars, want truncation at %d", violation.Evidence, len(violation.Evidence), evidenceLimit)
	}
	if !strings.HasSuffix(violation.Evidence, "...") {
		t.Errorf("long evidence %q should end with an ellipsis", violation.Evidence)
	}
}

func TestEvaluate_SecretOnRemovedLineIgnored(t *testing.T) {
	diff := `diff --git a/cfg.go b/cfg.go
--- a/cfg.go
+++ b/cfg.go
@@ -1,3 +1,2 @@
 package cfg
-password = "hunter2secret"
 var x = 1
`
	result := Evaluate(diff, DefaultConfig())

	for _, v := range result.Violations {
		if v.Rule == RuleSecretDetected {
			t.Errorf("secret on removed line flagged: %+v", v)
		}
	}
}

func TestEvaluate_PlaceholderSuppressed(t *testing.T) {
	diff := `diff --git a/README.md b/README.md
--- a/README.md
+++ b/README.md
@@ -1,2 +1,3 @@
 # Setup
+Set api_key = "<your-api-key>" in the environment.
`
	result := Evaluate(diff, DefaultConfig())

	for _, v := range result.Violations {
		if v.Rule == RuleSecretDetected {
			t.Errorf("placeholder flagged as secret: %+v", v)
		}
	}
}

func TestEvaluate_DenyGlobAndPattern(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"env file", ".env.production"},
		{"pem file", "deploy/tls/server.pem"},
		{"key file", "certs/service.key"},
		{"secrets dir", "config/secrets/prod.yaml"},
		{"credentials name", "internal/credentials.go"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := "diff --git a/" + tt.path + " b/" + tt.path + "\n" +
				"--- a/" + tt.path + "\n" +
				"+++ b/" + tt.path + "\n" +
				"@@ -1,1 +1,2 @@\n line\n+more\n"

			result := Evaluate(diff, DefaultConfig())
			found := false
			for _, v := range result.Violations {
				if v.Rule == RuleDenyGlob && v.File == tt.path {
					found = true
				}
			}
			if !found {
				t.Errorf("path %s not denied: %+v", tt.path, result.Violations)
			}
		})
	}
}

func TestEvaluate_DependencyChange(t *testing.T) {
	diff := `diff --git a/go.mod b/go.mod
--- a/go.mod
+++ b/go.mod
@@ -3,2 +3,3 @@
 go 1.25
+require github.com/some/dep v1.0.0
`

	t.Run("blocked by default", func(t *testing.T) {
		result := Evaluate(diff, DefaultConfig())
		found := false
		for _, v := range result.Violations {
			if v.Rule == RuleDependencyChange && v.Severity == workflow.SeverityBlock {
				found = true
			}
		}
		if !found {
			t.Errorf("no blocking dependency_change: %+v", result.Violations)
		}
	})

	t.Run("warns when allowed", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AllowDependencyChanges = true
		result := Evaluate(diff, cfg)
		for _, v := range result.Violations {
			if v.Rule == RuleDependencyChange && v.Severity != workflow.SeverityWarn {
				t.Errorf("dependency_change severity = %s, want WARN", v.Severity)
			}
		}
	})
}

func TestEvaluate_LargeDiffWarns(t *testing.T) {
	var b strings.Builder
	b.WriteString("diff --git a/big.go b/big.go\n--- a/big.go\n+++ b/big.go\n@@ -1,1 +1,4000 @@\n")
	for i := 0; i < 4000; i++ {
		b.WriteString("+var padding = 1 // filler line\n")
	}

	result := Evaluate(b.String(), DefaultConfig())

	if result.Verdict != workflow.VerdictWarn {
		t.Errorf("verdict = %s, want WARN", result.Verdict)
	}
	found := false
	for _, v := range result.Violations {
		if v.Rule == RuleLargeDiff && v.Severity == workflow.SeverityWarn {
			found = true
		}
	}
	if !found {
		t.Errorf("no large_diff warning: %+v", result.Violations)
	}
}

func TestEvaluatePatchSet_HighRiskWarns(t *testing.T) {
	ps := &workflow.PatchSet{
		ID:         "ps1",
		WorkflowID: "w1",
		Patches: []workflow.Patch{
			{Title: "rewrite auth", RiskLevel: workflow.RiskHigh, Diff: cleanDiff},
		},
	}

	result := EvaluatePatchSet(ps, DefaultConfig())

	if result.Verdict != workflow.VerdictWarn {
		t.Errorf("verdict = %s, want WARN", result.Verdict)
	}
}

func TestEvaluate_VerdictOrdering(t *testing.T) {
	cfg := DefaultConfig()

	pass := buildResult(nil, cfg)
	if pass.Verdict != workflow.VerdictPass {
		t.Errorf("no violations: %s, want PASS", pass.Verdict)
	}

	warn := buildResult([]workflow.Violation{{Rule: RuleLargeDiff, Severity: workflow.SeverityWarn}}, cfg)
	if warn.Verdict != workflow.VerdictWarn {
		t.Errorf("warn only: %s, want WARN", warn.Verdict)
	}

	fail := buildResult([]workflow.Violation{
		{Rule: RuleLargeDiff, Severity: workflow.SeverityWarn},
		{Rule: RuleFrozenFile, Severity: workflow.SeverityBlock},
	}, cfg)
	if fail.Verdict != workflow.VerdictFail {
		t.Errorf("block present: %s, want FAIL", fail.Verdict)
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	cfg := DefaultConfig()
	a := Evaluate(frozenWorkflowDiff, cfg)
	b := Evaluate(frozenWorkflowDiff, cfg)

	if a.Verdict != b.Verdict {
		t.Errorf("verdicts differ: %s vs %s", a.Verdict, b.Verdict)
	}
	if !reflect.DeepEqual(a.Violations, b.Violations) {
		t.Errorf("violations differ:\n%+v\n%+v", a.Violations, b.Violations)
	}
}

func TestParseDiff(t *testing.T) {
	t.Run("counts additions and deletions", func(t *testing.T) {
		files := ParseDiff(cleanDiff)
		if len(files) != 1 {
			t.Fatalf("parsed %d files, want 1", len(files))
		}
		f := files[0]
		if f.Path != "internal/cache/cache.go" {
			t.Errorf("path = %s", f.Path)
		}
		if f.Additions != 1 || f.Deletions != 0 {
			t.Errorf("additions/deletions = %d/%d, want 1/0", f.Additions, f.Deletions)
		}
	})

	t.Run("new and deleted files", func(t *testing.T) {
		diff := `diff --git a/added.go b/added.go
new file mode 100644
--- /dev/null
+++ b/added.go
@@ -0,0 +1,1 @@
+package added
diff --git a/gone.go b/gone.go
deleted file mode 100644
--- a/gone.go
+++ /dev/null
@@ -1,1 +0,0 @@
-package gone
`
		files := ParseDiff(diff)
		if len(files) != 2 {
			t.Fatalf("parsed %d files, want 2", len(files))
		}
		if !files[0].IsNew || files[0].Path != "added.go" {
			t.Errorf("first file: %+v", files[0])
		}
		if !files[1].IsDeleted {
			t.Errorf("second file not marked deleted: %+v", files[1])
		}
	})

	t.Run("rename touches both paths", func(t *testing.T) {
		diff := `diff --git a/old/name.go b/new/name.go
rename from old/name.go
rename to new/name.go
`
		files := ParseDiff(diff)
		if len(files) != 1 || !files[0].IsRename {
			t.Fatalf("parse: %+v", files)
		}
		paths := TouchedPaths(files)
		if len(paths) != 2 {
			t.Fatalf("touched = %v, want both rename sides", paths)
		}
	})

	t.Run("added lines carry file and line", func(t *testing.T) {
		files := ParseDiff(cleanDiff)
		added := AddedLines(files)
		if len(added) != 1 {
			t.Fatalf("added = %+v, want 1 line", added)
		}
		if added[0].File != "internal/cache/cache.go" {
			t.Errorf("file = %s", added[0].File)
		}
		if !strings.Contains(added[0].Content, "ttl") {
			t.Errorf("content = %q", added[0].Content)
		}
		if added[0].Line != 12 {
			t.Errorf("line = %d, want 12", added[0].Line)
		}
	})
}
