package policy

import (
	"strings"
)

// FileDiff is one file's portion of a unified diff.
type FileDiff struct {
	Path      string
	OldPath   string
	IsNew     bool
	IsDeleted bool
	IsRename  bool
	Additions int
	Deletions int
	Hunks     []Hunk
}

// Hunk is one @@ block of a file diff.
type Hunk struct {
	OldStart int
	NewStart int
	Lines    []string
}

// AddedLine is one + line of a diff with its best-effort location.
type AddedLine struct {
	File    string
	Line    int
	Content string
}

// ParseDiff splits a git-style unified diff into per-file records. It
// understands new/deleted file modes and renames; for renames both paths
// count as touched.
func ParseDiff(diff string) []FileDiff {
	var files []FileDiff
	var cur *FileDiff
	var curHunk *Hunk

	flushHunk := func() {
		if cur != nil && curHunk != nil {
			cur.Hunks = append(cur.Hunks, *curHunk)
			curHunk = nil
		}
	}
	flushFile := func() {
		flushHunk()
		if cur != nil {
			files = append(files, *cur)
			cur = nil
		}
	}

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flushFile()
			oldPath, newPath := parseGitHeader(line)
			cur = &FileDiff{Path: newPath, OldPath: oldPath}

		case cur == nil:
			// Preamble before the first file header.
			continue

		case strings.HasPrefix(line, "new file mode"):
			cur.IsNew = true
		case strings.HasPrefix(line, "deleted file mode"):
			cur.IsDeleted = true
		case strings.HasPrefix(line, "rename from "):
			cur.IsRename = true
			cur.OldPath = strings.TrimPrefix(line, "rename from ")
		case strings.HasPrefix(line, "rename to "):
			cur.IsRename = true
			cur.Path = strings.TrimPrefix(line, "rename to ")

		case strings.HasPrefix(line, "@@"):
			flushHunk()
			oldStart, newStart := parseHunkHeader(line)
			curHunk = &Hunk{OldStart: oldStart, NewStart: newStart}

		// Hunk content wins over the ---/+++ header cases: a removed line
		// whose text begins "--- " is still a removed line. Headers only
		// occur between "diff --git" and the first @@, where curHunk is nil.
		case curHunk != nil && strings.HasPrefix(line, "+"):
			cur.Additions++
			curHunk.Lines = append(curHunk.Lines, line)
		case curHunk != nil && strings.HasPrefix(line, "-"):
			cur.Deletions++
			curHunk.Lines = append(curHunk.Lines, line)
		case curHunk != nil:
			curHunk.Lines = append(curHunk.Lines, line)

		case strings.HasPrefix(line, "--- "):
			if p := stripDiffPath(line[4:], "a/"); p != "" && cur.OldPath == "" {
				cur.OldPath = p
			}
		case strings.HasPrefix(line, "+++ "):
			if p := stripDiffPath(line[4:], "b/"); p != "" {
				cur.Path = p
			}
		}
	}
	flushFile()

	return files
}

// TouchedPaths returns every path a diff mentions, in diff order, with both
// sides of a rename.
func TouchedPaths(files []FileDiff) []string {
	seen := make(map[string]bool)
	var paths []string
	add := func(p string) {
		if p == "" || p == "/dev/null" || seen[p] {
			return
		}
		seen[p] = true
		paths = append(paths, p)
	}
	for _, f := range files {
		add(f.Path)
		if f.IsRename || (f.OldPath != "" && f.OldPath != f.Path) {
			add(f.OldPath)
		}
	}
	return paths
}

// AddedLines returns every + line across the diff with file attribution and
// the new-side line number, excluding +++ headers.
func AddedLines(files []FileDiff) []AddedLine {
	var out []AddedLine
	for _, f := range files {
		for _, h := range f.Hunks {
			lineNo := h.NewStart
			for _, l := range h.Lines {
				switch {
				case strings.HasPrefix(l, "+"):
					out = append(out, AddedLine{
						File:    f.Path,
						Line:    lineNo,
						Content: l[1:],
					})
					lineNo++
				case strings.HasPrefix(l, "-"):
					// old side only
				default:
					lineNo++
				}
			}
		}
	}
	return out
}

// parseGitHeader extracts both paths from a "diff --git a/x b/y" line.
func parseGitHeader(line string) (oldPath, newPath string) {
	rest := strings.TrimPrefix(line, "diff --git ")
	parts := strings.SplitN(rest, " b/", 2)
	if len(parts) == 2 {
		return strings.TrimPrefix(parts[0], "a/"), parts[1]
	}
	fields := strings.Fields(rest)
	if len(fields) == 2 {
		return strings.TrimPrefix(fields[0], "a/"), strings.TrimPrefix(fields[1], "b/")
	}
	return "", ""
}

// stripDiffPath removes the a/ or b/ prefix from a ---/+++ path and maps
// /dev/null to empty.
func stripDiffPath(p, prefix string) string {
	p = strings.TrimSpace(p)
	if p == "/dev/null" {
		return ""
	}
	return strings.TrimPrefix(p, prefix)
}

// parseHunkHeader reads "@@ -a,b +c,d @@" and returns a and c.
func parseHunkHeader(line string) (oldStart, newStart int) {
	inner := strings.TrimPrefix(line, "@@")
	if i := strings.Index(inner, "@@"); i >= 0 {
		inner = inner[:i]
	}
	for _, field := range strings.Fields(inner) {
		switch {
		case strings.HasPrefix(field, "-"):
			oldStart = parseRangeStart(field[1:])
		case strings.HasPrefix(field, "+"):
			newStart = parseRangeStart(field[1:])
		}
	}
	return oldStart, newStart
}

func parseRangeStart(s string) int {
	if i := strings.Index(s, ","); i >= 0 {
		s = s[:i]
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}
