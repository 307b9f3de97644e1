package notebook

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleIpynb = `{
  "nbformat": 4,
  "nbformat_minor": 5,
  "cells": [
    {"id": "c1", "cell_type": "markdown", "source": ["# Sales report\n"]},
    {"id": "c2", "cell_type": "code", "source": ["import pandas as pd\n", "df = pd.read_csv('sales.csv')\n"], "outputs": []},
    {"id": "c3", "cell_type": "code", "source": "df.head()"},
    {"id": "c4", "cell_type": "raw", "source": ["ignored"]}
  ]
}`

func TestParseBytes(t *testing.T) {
	cells, err := ParseBytes([]byte(sampleIpynb))
	if err != nil {
		t.Fatalf("ParseBytes failed: %v", err)
	}

	if len(cells) != 3 {
		t.Fatalf("expected 3 cells (raw dropped), got %d", len(cells))
	}
	if cells[0].Kind != CellMarkdown || cells[0].Source != "# Sales report\n" {
		t.Errorf("unexpected first cell: %+v", cells[0])
	}
	if cells[1].Kind != CellCode {
		t.Errorf("expected code cell, got %s", cells[1].Kind)
	}
	if cells[1].Source != "import pandas as pd\ndf = pd.read_csv('sales.csv')\n" {
		t.Errorf("line-list source not joined: %q", cells[1].Source)
	}
	if cells[2].Source != "df.head()" {
		t.Errorf("string source mishandled: %q", cells[2].Source)
	}
}

func TestParseFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.ipynb")
	if err := os.WriteFile(path, []byte(sampleIpynb), 0644); err != nil {
		t.Fatal(err)
	}

	cells, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(cells) != 3 {
		t.Errorf("expected 3 cells, got %d", len(cells))
	}
}

func TestParseMissingIDsAssigned(t *testing.T) {
	cells, err := ParseBytes([]byte(`{"cells": [{"cell_type": "code", "source": "x = 1"}]}`))
	if err != nil {
		t.Fatalf("ParseBytes failed: %v", err)
	}
	if cells[0].ID == "" {
		t.Error("expected synthesized cell id")
	}
}

func TestParseInvalidJSON(t *testing.T) {
	if _, err := ParseBytes([]byte("not a notebook")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestRenderVariablesSorted(t *testing.T) {
	vars := map[string]string{"zeta": "3", "alpha": "1", "mid": "2"}

	first := RenderVariables(vars)
	for i := 0; i < 20; i++ {
		if got := RenderVariables(vars); got != first {
			t.Fatal("RenderVariables is not deterministic")
		}
	}
	if first != "alpha = 1\nmid = 2\nzeta = 3" {
		t.Errorf("unexpected rendering: %q", first)
	}
}

func TestSnapshotCellLookup(t *testing.T) {
	snap := Snapshot{Cells: []Cell{{ID: "a"}, {ID: "b"}}}
	if _, ok := snap.Cell("b"); !ok {
		t.Error("existing cell not found")
	}
	if _, ok := snap.Cell("zzz"); ok {
		t.Error("missing cell reported as found")
	}
}
