// Package notebook provides the notebook representations shared by the
// agent loop and the dashboard converter.
//
// A Snapshot is the host-owned view of the live notebook, rebuilt each loop
// iteration and passed by value. Parse reads an .ipynb file from disk down
// to the minimal cell view the converter needs.
package notebook

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// CellKind distinguishes code from markdown cells.
type CellKind string

const (
	CellCode     CellKind = "code"
	CellMarkdown CellKind = "markdown"
)

// Cell is one notebook cell with a stable id.
type Cell struct {
	ID            string   `json:"id"`
	Kind          CellKind `json:"kind"`
	Source        string   `json:"source"`
	OutputSummary string   `json:"output_summary,omitempty"`
}

// Snapshot is the full notebook state as seen by the agent: cells in order,
// known variables with sampled values, and files in the working directory.
type Snapshot struct {
	Cells     []Cell            `json:"cells"`
	Variables map[string]string `json:"variables,omitempty"`
	Files     []string          `json:"files,omitempty"`
}

// Cell returns the cell with the given id, or false if none exists.
func (s Snapshot) Cell(id string) (Cell, bool) {
	for _, c := range s.Cells {
		if c.ID == id {
			return c, true
		}
	}
	return Cell{}, false
}

// RenderCells renders cells as a deterministic text block for prompts.
func RenderCells(cells []Cell) string {
	var sb strings.Builder
	for i, c := range cells {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "[cell %s, %s]\n%s\n", c.ID, c.Kind, strings.TrimRight(c.Source, "\n"))
		if c.OutputSummary != "" {
			fmt.Fprintf(&sb, "[output]\n%s\n", strings.TrimRight(c.OutputSummary, "\n"))
		}
	}
	return sb.String()
}

// RenderVariables renders the variable set in sorted order so prompt output
// is byte-stable.
func RenderVariables(vars map[string]string) string {
	if len(vars) == 0 {
		return "(no variables defined)"
	}
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "%s = %s\n", name, vars[name])
	}
	return strings.TrimRight(sb.String(), "\n")
}

// SummarizeOutput condenses raw cell output for prompting: surrounding
// whitespace dropped, long outputs truncated to their last lines.
func SummarizeOutput(out string) string {
	out = strings.TrimSpace(out)
	lines := strings.Split(out, "\n")
	const keep = 10
	if len(lines) <= keep {
		return out
	}
	tail := lines[len(lines)-keep:]
	return fmt.Sprintf("... (%d lines, last %d shown)\n%s", len(lines), keep, strings.Join(tail, "\n"))
}

// ipynb wire format, reduced to what we read.
type rawNotebook struct {
	Cells []rawCell `json:"cells"`
}

type rawCell struct {
	ID       string          `json:"id"`
	CellType string          `json:"cell_type"`
	Source   json.RawMessage `json:"source"`
}

// Parse reads an .ipynb file and returns its cells, keeping only kind and
// source. Raw cells and outputs are dropped.
func Parse(path string) ([]Cell, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read notebook: %w", err)
	}
	return ParseBytes(data)
}

// ParseBytes parses notebook JSON content.
func ParseBytes(data []byte) ([]Cell, error) {
	var nb rawNotebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, fmt.Errorf("parse notebook JSON: %w", err)
	}

	var cells []Cell
	for i, rc := range nb.Cells {
		var kind CellKind
		switch rc.CellType {
		case "code":
			kind = CellCode
		case "markdown":
			kind = CellMarkdown
		default:
			continue
		}

		source, err := decodeSource(rc.Source)
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", i, err)
		}

		id := rc.ID
		if id == "" {
			id = fmt.Sprintf("cell-%d", i)
		}

		cells = append(cells, Cell{ID: id, Kind: kind, Source: source})
	}
	return cells, nil
}

// decodeSource handles both ipynb source encodings: a single string or a
// list of line strings.
func decodeSource(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single, nil
	}

	var lines []string
	if err := json.Unmarshal(raw, &lines); err != nil {
		return "", fmt.Errorf("unrecognized cell source encoding")
	}
	return strings.Join(lines, ""), nil
}
