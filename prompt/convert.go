// Dashboard conversion prompt builders.
//
// The converter targets Streamlit as its single dashboard framework. All
// incremental edits travel as unified diffs against a/app.py and b/app.py;
// the diff rules block below is the authoritative statement of that format
// for the model.

package prompt

import (
	"fmt"
	"strings"

	"github.com/nbcopilot/nbcopilot/notebook"
)

// PlaceholderMarker is the well-known comment the model emits when it
// declines to inline some content. Each marker is resolved by a follow-up
// diff-producing turn.
const PlaceholderMarker = "# TODO-NBCOPILOT"

const diffRules = `Diff rules:
- Reply with a unified diff and nothing else.
- Headers must be exactly "--- a/app.py" and "+++ b/app.py".
- Each hunk header is "@@ -L,1 +L,1 @@" where L is the 1-based starting
  line in the current file; the length fields are recomputed on our side.
- Body lines start with a space (context), "-" (delete) or "+" (insert).
- An empty reply means no change.`

// ConversionSystem is the system prompt for generating a dashboard from a
// notebook.
func ConversionSystem() string {
	var b builder
	b.add(SectionInstructions, fmt.Sprintf(`You convert computational notebooks into standalone Streamlit apps.
Produce a single complete app.py: imports at the top, data loading next,
then one Streamlit component per meaningful notebook result. Wrap any
figure construction in a function and pass the function, not a bare value,
to the rendering component. Markdown cells become st.markdown blocks.

If some cell's logic cannot be carried over yet, insert a line containing
exactly "%s" followed by a short note, and continue; it will be resolved in
a follow-up turn.

Reply with the complete Python source only, no commentary.`, PlaceholderMarker))
	return b.String()
}

// ConversionUser builds the user message carrying the notebook to convert.
func ConversionUser(cells []notebook.Cell) string {
	var b builder
	b.add(SectionJupyterNotebook, notebook.RenderCells(cells))
	b.add(SectionTask, "Convert this notebook into a Streamlit app.py.")
	return b.String()
}

// ResolvePlaceholder builds the prompt asking for a diff that replaces one
// placeholder marker in the current source.
func ResolvePlaceholder(source, markerLine string) string {
	var b builder
	b.add(SectionGeneric, fmt.Sprintf("Current app.py:\n```python\n%s\n```", strings.TrimRight(source, "\n")))
	b.add(SectionTask, fmt.Sprintf(
		"Produce a unified diff that replaces this placeholder line with a real implementation:\n%s", markerLine))
	b.add(SectionGeneric, diffRules)
	return b.String()
}

// Repair builds the error-correction prompt for a failed validation run.
func Repair(source, errorMessage string) string {
	var b builder
	b.add(SectionGeneric, fmt.Sprintf("Current app.py:\n```python\n%s\n```", strings.TrimRight(source, "\n")))
	b.add(SectionGeneric, fmt.Sprintf("Running it failed with:\n```\n%s\n```", strings.TrimRight(errorMessage, "\n")))
	b.add(SectionTask, "Produce a unified diff that fixes the error.")
	b.add(SectionGeneric, diffRules)
	return b.String()
}

// Update builds the prompt for the edit-request variant: change an existing
// app according to the user's request, as a diff.
func Update(cells []notebook.Cell, existingSource, editRequest string) string {
	var b builder
	b.add(SectionJupyterNotebook, notebook.RenderCells(cells))
	b.add(SectionGeneric, fmt.Sprintf("Current app.py:\n```python\n%s\n```", strings.TrimRight(existingSource, "\n")))
	b.add(SectionTask, fmt.Sprintf("Update the app as requested: %s", editRequest))
	b.add(SectionGeneric, diffRules)
	return b.String()
}
