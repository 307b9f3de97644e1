package history

import (
	"strings"

	"github.com/nbcopilot/nbcopilot/llm"
	"github.com/nbcopilot/nbcopilot/prompt"
)

// TrimStaleSections replaces the bodies of trimmable context sections in all
// but their most recent occurrence with a stale placeholder. The input is
// not mutated; the stored history is never rewritten, trimming happens at
// send time only. Applying the function twice yields the same result.
func TrimStaleSections(messages []llm.ChatMessage) []llm.ChatMessage {
	out := make([]llm.ChatMessage, len(messages))
	copy(out, messages)

	for _, heading := range prompt.TrimmableHeadings() {
		latest := -1
		for i := range out {
			if containsHeading(out[i].Content, heading) {
				latest = i
			}
		}
		for i := range out {
			if i == latest {
				continue
			}
			if containsHeading(out[i].Content, heading) {
				out[i].Content = replaceSectionBody(out[i].Content, heading)
			}
		}
	}
	return out
}

func containsHeading(content, heading string) bool {
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimRight(line, " \t") == heading {
			return true
		}
	}
	return false
}

// replaceSectionBody rewrites every section under heading to hold only the
// stale placeholder. A section body runs until the next "## " heading or
// the end of the message.
func replaceSectionBody(content, heading string) string {
	lines := strings.Split(content, "\n")
	var out []string
	i := 0
	for i < len(lines) {
		line := lines[i]
		out = append(out, line)
		i++
		if strings.TrimRight(line, " \t") != heading {
			continue
		}
		out = append(out, prompt.StalePlaceholder)
		for i < len(lines) && !strings.HasPrefix(lines[i], "## ") {
			i++
		}
	}
	return strings.Join(out, "\n")
}
