package content

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Diff renders the line changes from old to new, one per line, prefixed with
// "-" or "+". Unchanged lines are omitted.
func Diff(old, new string) string {
	a, b := Lines(old), Lines(new)

	var sb strings.Builder
	for _, op := range difflib.NewMatcher(a, b).GetOpCodes() {
		switch op.Tag {
		case 'e':
			continue
		case 'd':
			writeLines(&sb, "-", a[op.I1:op.I2])
		case 'i':
			writeLines(&sb, "+", b[op.J1:op.J2])
		case 'r':
			writeLines(&sb, "-", a[op.I1:op.I2])
			writeLines(&sb, "+", b[op.J1:op.J2])
		}
	}
	return sb.String()
}

func writeLines(sb *strings.Builder, prefix string, lines []string) {
	for _, l := range lines {
		fmt.Fprintf(sb, "%s %s\n", prefix, l)
	}
}
