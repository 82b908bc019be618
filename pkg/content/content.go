// Package content implements the text transformations behind file resources:
// marker-delimited blocks, single lines and INI-style sections. Every
// Ensure/Upsert function is idempotent and leaves its matching Has predicate
// true.
package content

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultComment prefixes marker lines when a resource does not name one.
const DefaultComment = "#"

// Markers returns the begin and end lines that delimit a managed block.
func Markers(marker, comment string) (begin, end string) {
	if comment == "" {
		comment = DefaultComment
	}
	return fmt.Sprintf("%s >>> %s >>>", comment, marker),
		fmt.Sprintf("%s <<< %s <<<", comment, marker)
}

type span struct {
	start, end int // line indexes of the begin and end markers
}

// scan locates complete blocks and orphaned marker lines. A begin marker
// followed by another begin before any end is an orphan, as is an end marker
// without a begin.
func scan(lines []string, begin, end string) (blocks []span, orphans []int) {
	open := -1
	for i, l := range lines {
		switch strings.TrimSpace(l) {
		case begin:
			if open >= 0 {
				orphans = append(orphans, open)
			}
			open = i
		case end:
			if open < 0 {
				orphans = append(orphans, i)
				continue
			}
			blocks = append(blocks, span{start: open, end: i})
			open = -1
		}
	}
	if open >= 0 {
		orphans = append(orphans, open)
	}
	return blocks, orphans
}

// HasBlock reports whether text holds exactly one block for marker and its
// body equals body.
func HasBlock(text, marker, comment, body string) bool {
	begin, end := Markers(marker, comment)
	lines := Lines(text)
	blocks, orphans := scan(lines, begin, end)
	if len(blocks) != 1 || len(orphans) != 0 {
		return false
	}
	b := blocks[0]
	return Join(lines[b.start+1:b.end]) == Join(Lines(body))
}

// HasMarkerLine reports whether text contains a begin or end line for
// marker, matched the way blocks are located.
func HasMarkerLine(text, marker, comment string) bool {
	begin, end := Markers(marker, comment)
	for _, l := range Lines(text) {
		if t := strings.TrimSpace(l); t == begin || t == end {
			return true
		}
	}
	return false
}

// UpsertBlock replaces every existing block for marker (and any orphaned
// marker line) with a single block holding body. The block takes the place of
// the first one removed, or is appended if there was none.
func UpsertBlock(text, marker, comment, body string) string {
	begin, end := Markers(marker, comment)
	lines := Lines(text)
	blocks, orphans := scan(lines, begin, end)

	drop := make(map[int]bool)
	for _, b := range blocks {
		for i := b.start; i <= b.end; i++ {
			drop[i] = true
		}
	}
	for _, i := range orphans {
		drop[i] = true
	}

	block := append([]string{begin}, Lines(body)...)
	block = append(block, end)

	out := make([]string, 0, len(lines)+len(block))
	inserted := false
	for i, l := range lines {
		if drop[i] {
			if !inserted {
				out = append(out, block...)
				inserted = true
			}
			continue
		}
		out = append(out, l)
	}
	if !inserted {
		out = append(out, block...)
	}
	return Join(out)
}

// HasLine reports whether text contains line, ignoring trailing whitespace.
func HasLine(text, line string) bool {
	want := strings.TrimRight(line, " \t\r")
	for _, l := range Lines(text) {
		if strings.TrimRight(l, " \t\r") == want {
			return true
		}
	}
	return false
}

// EnsureLine returns text with line present. If match is given, the first
// line it matches is replaced; otherwise line is appended.
func EnsureLine(text, line string, match *regexp.Regexp) string {
	if HasLine(text, line) {
		return text
	}
	lines := Lines(text)
	if match != nil {
		for i, l := range lines {
			if match.MatchString(l) {
				lines[i] = line
				return Join(lines)
			}
		}
	}
	return Join(append(lines, line))
}

// HasSection reports whether text contains the INI section header [name].
func HasSection(text, name string) bool {
	header := "[" + name + "]"
	for _, l := range Lines(text) {
		if strings.TrimSpace(l) == header {
			return true
		}
	}
	return false
}

// AppendSection appends [name] followed by entries unless the section already
// exists. A blank line separates it from preceding content.
func AppendSection(text, name string, entries []string) string {
	if HasSection(text, name) {
		return text
	}
	lines := Lines(text)
	if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) != "" {
		lines = append(lines, "")
	}
	lines = append(lines, "["+name+"]")
	lines = append(lines, entries...)
	return Join(lines)
}

// Lines splits text into lines. A single trailing newline does not produce an
// empty final line.
func Lines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

// Join is the inverse of Lines: every line is newline terminated.
func Join(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
