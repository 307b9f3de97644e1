// Package prompt assembles every prompt the system sends, from typed inputs.
//
// Prompts are composed of named sections with fixed heading constants. The
// headings serve double duty: they structure the prompt text, and the
// history store recognizes them when trimming stale sections out of older
// messages. For a given input the output is byte-stable.
package prompt

import "strings"

// Section identifies a kind of prompt section. The set is closed.
type Section int

const (
	SectionInstructions Section = iota
	SectionGeneric
	SectionExample
	SectionTask
	SectionFiles
	SectionVariables
	SectionActiveCellCode
	SectionJupyterNotebook
)

// Fixed heading constants. HeadingFiles, HeadingVariables and
// HeadingNotebook are the recognized trim targets.
const (
	HeadingInstructions = "## Instructions"
	HeadingExample      = "## Example"
	HeadingTask         = "## Task"
	HeadingFiles        = "## Files in Working Directory"
	HeadingVariables    = "## Defined Variables"
	HeadingActiveCell   = "## Active Cell"
	HeadingNotebook     = "## Notebook State"
)

// Heading returns the heading for a section kind; generic sections have none.
func (s Section) Heading() string {
	switch s {
	case SectionInstructions:
		return HeadingInstructions
	case SectionExample:
		return HeadingExample
	case SectionTask:
		return HeadingTask
	case SectionFiles:
		return HeadingFiles
	case SectionVariables:
		return HeadingVariables
	case SectionActiveCellCode:
		return HeadingActiveCell
	case SectionJupyterNotebook:
		return HeadingNotebook
	default:
		return ""
	}
}

// TrimmableHeadings lists the headings whose older occurrences in history
// are replaced at send time. Most-recent occurrences are preserved.
func TrimmableHeadings() []string {
	return []string{HeadingFiles, HeadingVariables, HeadingNotebook}
}

// StalePlaceholder is the body substituted for a trimmed section.
const StalePlaceholder = "(stale, see latest message)"

// builder composes sections into a prompt string.
type builder struct {
	sb strings.Builder
}

func (b *builder) add(kind Section, body string) {
	body = strings.TrimRight(body, "\n")
	if body == "" {
		return
	}
	if b.sb.Len() > 0 {
		b.sb.WriteString("\n\n")
	}
	if h := kind.Heading(); h != "" {
		b.sb.WriteString(h)
		b.sb.WriteByte('\n')
	}
	b.sb.WriteString(body)
}

func (b *builder) String() string {
	return b.sb.String()
}
