// Package diff implements the unified-diff patch format used between the
// model and the converter.
//
// The format is deliberately narrow: headers must reference a/app.py and
// b/app.py, each hunk header carries the 1-based starting line in the
// original buffer, and the length fields are placeholders recomputed on
// output. Context lines that do not match the buffer fail the whole patch.
package diff

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrApply indicates a patch that does not cleanly apply to the buffer.
var ErrApply = errors.New("patch does not apply")

// Op is the per-line operation marker within a hunk.
type Op byte

const (
	OpContext Op = ' '
	OpDelete  Op = '-'
	OpInsert  Op = '+'
)

// Line is a single hunk body line.
type Line struct {
	Op   Op
	Text string
}

// Hunk is a contiguous edit starting at a 1-based line in the original
// buffer. A pure-insert hunk may start at len(original)+1 to append.
type Hunk struct {
	OldStart int
	Lines    []Line
}

// Patch is an ordered list of hunks with strictly ascending OldStart.
type Patch struct {
	Hunks []Hunk
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	for _, h := range p.Hunks {
		for _, l := range h.Lines {
			if l.Op != OpContext {
				return false
			}
		}
	}
	return true
}

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// Parse parses a unified diff. An empty input parses to an empty patch,
// meaning "no change".
func Parse(text string) (Patch, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Patch{}, nil
	}

	lines := strings.Split(text, "\n")
	var (
		patch     Patch
		sawOld    bool
		sawNew    bool
		current   *Hunk
		lastStart int
	)

	flush := func() {
		if current != nil {
			patch.Hunks = append(patch.Hunks, *current)
			current = nil
		}
	}

	for _, raw := range lines {
		switch {
		case strings.HasPrefix(raw, "diff ") || strings.HasPrefix(raw, "index "):
			// Tolerated git preamble.
		case strings.HasPrefix(raw, "--- "):
			if !strings.Contains(raw, "a/app.py") {
				return Patch{}, fmt.Errorf("old-file header must reference a/app.py, got %q", raw)
			}
			sawOld = true
		case strings.HasPrefix(raw, "+++ "):
			if !strings.Contains(raw, "b/app.py") {
				return Patch{}, fmt.Errorf("new-file header must reference b/app.py, got %q", raw)
			}
			sawNew = true
		case strings.HasPrefix(raw, "@@"):
			if !sawOld || !sawNew {
				return Patch{}, fmt.Errorf("hunk before file headers: %q", raw)
			}
			m := hunkHeaderRe.FindStringSubmatch(raw)
			if m == nil {
				return Patch{}, fmt.Errorf("malformed hunk header: %q", raw)
			}
			start, err := strconv.Atoi(m[1])
			if err != nil || start < 1 {
				return Patch{}, fmt.Errorf("bad hunk start line in %q", raw)
			}
			if start <= lastStart {
				return Patch{}, fmt.Errorf("hunk starts must strictly ascend: %d after %d", start, lastStart)
			}
			lastStart = start
			flush()
			current = &Hunk{OldStart: start}
		case strings.HasPrefix(raw, `\`):
			// "\ No newline at end of file" markers are ignored.
		default:
			if current == nil {
				return Patch{}, fmt.Errorf("diff body line outside hunk: %q", raw)
			}
			if raw == "" {
				// Models often emit empty context lines without the leading space.
				current.Lines = append(current.Lines, Line{Op: OpContext, Text: ""})
				continue
			}
			op := Op(raw[0])
			if op != OpContext && op != OpDelete && op != OpInsert {
				return Patch{}, fmt.Errorf("bad line prefix %q in hunk", raw)
			}
			current.Lines = append(current.Lines, Line{Op: op, Text: raw[1:]})
		}
	}
	flush()

	if len(patch.Hunks) == 0 {
		return Patch{}, fmt.Errorf("diff has headers but no hunks")
	}
	return patch, nil
}

// Apply applies the patch to buf and returns the new buffer. The result is
// newline-terminated when non-empty. Context and delete lines must match the
// buffer exactly at the expected position or the whole patch fails.
func Apply(buf string, p Patch) (string, error) {
	lines := splitLines(buf)
	offset := 0

	for _, h := range p.Hunks {
		cursor := h.OldStart - 1 + offset
		if cursor < 0 || cursor > len(lines) {
			return "", fmt.Errorf("%w: hunk at line %d outside buffer of %d lines", ErrApply, h.OldStart, len(lines))
		}
		for _, l := range h.Lines {
			switch l.Op {
			case OpContext:
				if cursor >= len(lines) || lines[cursor] != l.Text {
					return "", mismatch(h.OldStart, cursor, lines, l.Text)
				}
				cursor++
			case OpDelete:
				if cursor >= len(lines) || lines[cursor] != l.Text {
					return "", mismatch(h.OldStart, cursor, lines, l.Text)
				}
				lines = append(lines[:cursor], lines[cursor+1:]...)
				offset--
			case OpInsert:
				lines = append(lines[:cursor], append([]string{l.Text}, lines[cursor:]...)...)
				cursor++
				offset++
			}
		}
	}

	return joinLines(lines), nil
}

func mismatch(hunkStart, cursor int, lines []string, want string) error {
	have := "<end of buffer>"
	if cursor < len(lines) {
		have = lines[cursor]
	}
	return fmt.Errorf("%w: hunk at line %d expects %q at line %d, buffer has %q",
		ErrApply, hunkStart, want, cursor+1, have)
}

// Compute produces a patch that transforms a into b, in the same dialect
// Apply consumes: hunks without surrounding context, ascending by start line.
// Apply(a, Compute(a, b)) yields b (modulo newline termination).
func Compute(a, b string) Patch {
	al := splitLines(a)
	bl := splitLines(b)

	// LCS table over lines.
	n, m := len(al), len(bl)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if al[i] == bl[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	var patch Patch
	var current *Hunk
	i, j := 0, 0
	open := func(start int) {
		if current == nil {
			current = &Hunk{OldStart: start}
		}
	}
	closeHunk := func() {
		if current != nil {
			patch.Hunks = append(patch.Hunks, *current)
			current = nil
		}
	}

	for i < n || j < m {
		switch {
		case i < n && j < m && al[i] == bl[j]:
			closeHunk()
			i++
			j++
		case j < m && (i == n || lcs[i][j+1] >= lcs[i+1][j]):
			open(i + 1)
			current.Lines = append(current.Lines, Line{Op: OpInsert, Text: bl[j]})
			j++
		default:
			open(i + 1)
			current.Lines = append(current.Lines, Line{Op: OpDelete, Text: al[i]})
			i++
		}
	}
	closeHunk()

	return patch
}

// Format renders the patch as a unified diff with recomputed length fields.
func Format(p Patch) string {
	if len(p.Hunks) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("--- a/app.py\n")
	sb.WriteString("+++ b/app.py\n")

	offset := 0
	for _, h := range p.Hunks {
		oldCount, newCount := 0, 0
		for _, l := range h.Lines {
			switch l.Op {
			case OpContext:
				oldCount++
				newCount++
			case OpDelete:
				oldCount++
			case OpInsert:
				newCount++
			}
		}
		newStart := h.OldStart + offset
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", h.OldStart, oldCount, newStart, newCount)
		for _, l := range h.Lines {
			sb.WriteByte(byte(l.Op))
			sb.WriteString(l.Text)
			sb.WriteByte('\n')
		}
		offset += newCount - oldCount
	}

	return sb.String()
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
