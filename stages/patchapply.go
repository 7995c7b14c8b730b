package stages

import (
	"fmt"
	"strings"

	"github.com/c360studio/shipwright/policy"
)

// applyFileDiff applies one file's hunks to its base content. Context and
// deletion lines must match the base exactly; a mismatch aborts the whole
// apply rather than guessing.
func applyFileDiff(base string, fd policy.FileDiff) (string, error) {
	var lines []string
	trailingNewline := true
	if base != "" {
		trailingNewline = strings.HasSuffix(base, "\n")
		lines = strings.Split(strings.TrimSuffix(base, "\n"), "\n")
	}

	var out []string
	cursor := 0 // next unconsumed base line, 0-based

	for _, hunk := range fd.Hunks {
		// OldStart is 1-based; 0 means the file had no old side.
		start := hunk.OldStart - 1
		if start < 0 {
			start = 0
		}
		if start < cursor || start > len(lines) {
			return "", fmt.Errorf("%s: hunk @%d out of order", fd.Path, hunk.OldStart)
		}
		out = append(out, lines[cursor:start]...)
		cursor = start

		for _, l := range hunk.Lines {
			switch {
			case strings.HasPrefix(l, "\\"):
				// "\ No newline at end of file"
				trailingNewline = false
			case l == "":
				// A blank context line, or the artifact of splitting a diff
				// that ends in a newline.
				if cursor < len(lines) && lines[cursor] == "" {
					out = append(out, "")
					cursor++
				}
			case strings.HasPrefix(l, "+"):
				out = append(out, l[1:])
			case strings.HasPrefix(l, "-"):
				if cursor >= len(lines) || lines[cursor] != l[1:] {
					return "", contextMismatch(fd.Path, cursor, l[1:])
				}
				cursor++
			default:
				want := strings.TrimPrefix(l, " ")
				if cursor >= len(lines) || lines[cursor] != want {
					return "", contextMismatch(fd.Path, cursor, want)
				}
				out = append(out, lines[cursor])
				cursor++
			}
		}
	}

	out = append(out, lines[cursor:]...)

	result := strings.Join(out, "\n")
	if len(out) > 0 && trailingNewline {
		result += "\n"
	}
	return result, nil
}

func contextMismatch(path string, line int, want string) error {
	return fmt.Errorf("%s: diff does not apply at line %d (expected %q)", path, line+1, want)
}
