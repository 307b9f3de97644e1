// Agent and chat prompt builders.

package prompt

import (
	"fmt"
	"strings"

	"github.com/nbcopilot/nbcopilot/notebook"
)

const agentSystemCore = `You are a data assistant operating inside a computational notebook.
You complete the user's task by editing the notebook one cell at a time and
observing the results.

Respond with a single JSON object named agent_response:
{
  "type": "agent_response",
  "is_finished": bool,
  "message": str,
  "cell_update": {"kind": "new"|"modify", "id": str|null, "source": str} | null,
  "get_cell_output": {"id": str} | null,
  "web_search_query": str | null,
  "question": str | null
}

Rules:
- Take exactly one action per turn: set exactly one of cell_update,
  get_cell_output, web_search_query or question when is_finished is false.
- When the task is complete, set is_finished to true, put your summary in
  message, and leave every action field null.
- Modify existing cells by id when the change belongs there; create new
  cells only for genuinely new steps.
- Never fabricate cell outputs; request them with get_cell_output.`

const agentBrowserAddendum = `- You may use web_search_query for current information such as library
  usage, error messages, or data sources.`

const agentNoBrowserAddendum = `- Web search is unavailable in this environment; do not use
  web_search_query.`

// AgentSystem builds the agent system prompt. The browser flag selects the
// web-search-capable variant; everything else is identical.
func AgentSystem(browserCapable bool) string {
	var b builder
	b.add(SectionInstructions, agentSystemCore)
	if browserCapable {
		b.add(SectionGeneric, agentBrowserAddendum)
	} else {
		b.add(SectionGeneric, agentNoBrowserAddendum)
	}
	return b.String()
}

const chatRules = `Formatting rules:
- Put runnable code in fenced blocks tagged with the language.
- Cite notebook cells as [cell:<id>] so the client can link them.
- Reference columns and variables in backticks.
- When querying an attached database, emit a single SQL statement per block
  and never interpolate user values into SQL strings.`

// ChatSystem builds the conversational (non-agent) system prompt.
func ChatSystem() string {
	var b builder
	b.add(SectionInstructions, `You are a helpful data assistant answering questions about the user's
notebook. You explain, you do not edit cells.`)
	b.add(SectionGeneric, chatRules)
	return b.String()
}

// Task builds the user message for a new agent task: the task text plus the
// full notebook context.
func Task(task string, snap notebook.Snapshot) string {
	var b builder
	b.add(SectionTask, task)
	addSnapshot(&b, snap)
	return b.String()
}

// Snapshot builds the observation message appended after a successful cell
// execution.
func Snapshot(snap notebook.Snapshot) string {
	var b builder
	b.add(SectionGeneric, "The cell executed successfully. Current notebook state follows.")
	addSnapshot(&b, snap)
	return b.String()
}

func addSnapshot(b *builder, snap notebook.Snapshot) {
	if len(snap.Cells) > 0 {
		b.add(SectionJupyterNotebook, notebook.RenderCells(snap.Cells))
	}
	b.add(SectionVariables, notebook.RenderVariables(snap.Variables))
	if len(snap.Files) > 0 {
		b.add(SectionFiles, strings.Join(snap.Files, "\n"))
	}
}

// ErrorFixup builds the user message fed back when executing a cell update
// raised an exception.
func ErrorFixup(cellID, source, traceback string) string {
	var b builder
	b.add(SectionGeneric, fmt.Sprintf(
		"Executing cell %s raised an error. Fix the cell and try again.", cellID))
	if source != "" {
		b.add(SectionActiveCellCode, fmt.Sprintf("```python\n%s\n```", strings.TrimRight(source, "\n")))
	}
	b.add(SectionGeneric, fmt.Sprintf("Traceback:\n```\n%s\n```", strings.TrimRight(traceback, "\n")))
	return b.String()
}

// ParseFailure builds the synthetic user message appended when the
// assistant's reply could not be parsed into an action.
func ParseFailure(parseErr error) string {
	return fmt.Sprintf(
		"Your last reply could not be parsed: %v\nRespond again with a single valid agent_response JSON object.",
		parseErr)
}

// CellOutput builds the user message carrying a requested cell output.
func CellOutput(cellID, output string) string {
	if strings.TrimSpace(output) == "" {
		output = "(no output)"
	}
	return fmt.Sprintf("Output of cell %s:\n```\n%s\n```", cellID, strings.TrimRight(output, "\n"))
}

// NoSearchResults is appended when the active provider cannot perform web
// search.
const NoSearchResults = "Web search is not available with the current provider; no results."

// ThreadName builds the fast-model prompt that names a chat thread from its
// first user message.
func ThreadName(firstUserMessage string) string {
	return fmt.Sprintf(
		"Generate a short display name (at most five words, no quotes) for a conversation that starts with the following message. Reply with the name only.\n\n%s",
		firstUserMessage)
}
