package translate

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// renderDiff produces a line-oriented diff between two file snapshots
// plus addition/deletion counts, for events that carry before/after
// content but no ready-made patch.
func renderDiff(before, after string) (string, int, int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	adds, dels := 0, 0
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range splitDiffLines(d.Text) {
			out.WriteString(prefix + line + "\n")
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				adds++
			case diffmatchpatch.DiffDelete:
				dels++
			}
		}
	}
	return strings.TrimRight(out.String(), "\n"), adds, dels
}

func splitDiffLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
