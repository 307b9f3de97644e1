package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nbcopilot/nbcopilot/agent"
	"github.com/nbcopilot/nbcopilot/notebook"
)

// LocalHost executes the agent's cell updates with a local Python
// interpreter. There is no kernel: each execution re-runs every code cell
// from the top through the updated one, so cells behave as if executed in
// order. Defined-variable introspection is not available in this mode.
type LocalHost struct {
	python  string
	workdir string
	timeout time.Duration

	cells   []notebook.Cell
	outputs map[string]string
	nextID  int
}

// NewLocalHost creates a host over the notebook at path (optional) running
// in workdir.
func NewLocalHost(notebookPath, workdir string) (*LocalHost, error) {
	h := &LocalHost{
		python:  "python3",
		workdir: workdir,
		timeout: 60 * time.Second,
		outputs: map[string]string{},
	}
	if notebookPath != "" {
		cells, err := notebook.Parse(notebookPath)
		if err != nil {
			return nil, err
		}
		h.cells = cells
		h.nextID = len(cells)
	}
	return h, nil
}

// ApplyCellUpdate inserts or replaces a cell and executes it.
func (h *LocalHost) ApplyCellUpdate(ctx context.Context, u agent.CellUpdate) (agent.ExecResult, error) {
	var id string
	switch u.Kind {
	case agent.CellNew:
		id = fmt.Sprintf("cell-%d", h.nextID)
		h.nextID++
		h.cells = append(h.cells, notebook.Cell{ID: id, Kind: notebook.CellCode, Source: u.Source})
	case agent.CellModify:
		id = u.ID
		found := false
		for i := range h.cells {
			if h.cells[i].ID == id {
				h.cells[i].Source = u.Source
				found = true
				break
			}
		}
		if !found {
			// The referenced cell may have been deleted since the snapshot
			// was taken. Treat the update as a creation at the end.
			h.cells = append(h.cells, notebook.Cell{ID: id, Kind: notebook.CellCode, Source: u.Source})
		}
	default:
		return agent.ExecResult{}, fmt.Errorf("unknown cell update kind %q", u.Kind)
	}

	stdout, traceback, err := h.execThrough(ctx, id)
	if err != nil {
		return agent.ExecResult{}, err
	}
	h.outputs[id] = stdout

	snap, err := h.Snapshot(ctx)
	if err != nil {
		return agent.ExecResult{}, err
	}
	return agent.ExecResult{CellID: id, Traceback: traceback, Snapshot: snap}, nil
}

// CellOutput returns the captured stdout of a cell's last execution.
func (h *LocalHost) CellOutput(_ context.Context, cellID string) (string, error) {
	out, ok := h.outputs[cellID]
	if !ok {
		return "", fmt.Errorf("cell %s has not been executed", cellID)
	}
	return out, nil
}

// Snapshot reports the current cells and working directory listing.
func (h *LocalHost) Snapshot(context.Context) (notebook.Snapshot, error) {
	entries, err := os.ReadDir(h.workdir)
	if err != nil {
		return notebook.Snapshot{}, fmt.Errorf("read working directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			files = append(files, e.Name())
		}
	}

	snap := notebook.Snapshot{
		Cells: append([]notebook.Cell(nil), h.cells...),
		Files: files,
	}
	for id, out := range h.outputs {
		for i := range snap.Cells {
			if snap.Cells[i].ID == id {
				snap.Cells[i].OutputSummary = notebook.SummarizeOutput(out)
			}
		}
	}
	return snap, nil
}

// execThrough runs every code cell from the top through cellID as one
// script. Non-zero exit reports the stderr tail as the traceback.
func (h *LocalHost) execThrough(ctx context.Context, cellID string) (stdout, traceback string, err error) {
	var script strings.Builder
	for _, c := range h.cells {
		if c.Kind != notebook.CellCode {
			continue
		}
		script.WriteString(c.Source)
		if !strings.HasSuffix(c.Source, "\n") {
			script.WriteByte('\n')
		}
		if c.ID == cellID {
			break
		}
	}

	path := filepath.Join(h.workdir, ".nbcopilot_exec.py")
	if err := os.WriteFile(path, []byte(script.String()), 0644); err != nil {
		return "", "", fmt.Errorf("write execution script: %w", err)
	}
	defer os.Remove(path)

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.python, filepath.Base(path))
	cmd.Dir = h.workdir

	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	if runErr == nil {
		return out.String(), "", nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return out.String(), strings.TrimSpace(errBuf.String()), nil
	}
	if ctx.Err() != nil {
		return out.String(), fmt.Sprintf("TimeoutError: cell execution exceeded %s", h.timeout), nil
	}
	return "", "", fmt.Errorf("run interpreter: %w", runErr)
}

// WriteNotebook saves the current cells as an .ipynb file.
func (h *LocalHost) WriteNotebook(path string) error {
	type wireCell struct {
		ID       string   `json:"id"`
		CellType string   `json:"cell_type"`
		Source   string   `json:"source"`
		Metadata struct{} `json:"metadata"`
	}
	doc := struct {
		Cells         []wireCell `json:"cells"`
		Metadata      struct{}   `json:"metadata"`
		NBFormat      int        `json:"nbformat"`
		NBFormatMinor int        `json:"nbformat_minor"`
	}{NBFormat: 4, NBFormatMinor: 5}

	for _, c := range h.cells {
		doc.Cells = append(doc.Cells, wireCell{ID: c.ID, CellType: string(c.Kind), Source: c.Source})
	}

	data, err := json.MarshalIndent(doc, "", " ")
	if err != nil {
		return fmt.Errorf("serialize notebook: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write notebook: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace notebook: %w", err)
	}
	return nil
}
