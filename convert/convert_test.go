package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nbcopilot/nbcopilot/config"
	"github.com/nbcopilot/nbcopilot/dispatch"
	"github.com/nbcopilot/nbcopilot/llm"
	"github.com/nbcopilot/nbcopilot/quota"
	"github.com/nbcopilot/nbcopilot/storage"
)

// scriptedProvider returns canned replies in order.
type scriptedProvider struct {
	replies  []string
	requests []llm.Request
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) Kind() llm.Kind       { return llm.KindOpenAI }
func (p *scriptedProvider) DefaultModel() string { return "gpt-5.2" }

func (p *scriptedProvider) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	p.requests = append(p.requests, req)
	i := len(p.requests) - 1
	if i >= len(p.replies) {
		return llm.Response{}, fmt.Errorf("no scripted reply for call %d", i)
	}
	return llm.Response{Content: p.replies[i]}, nil
}

func (p *scriptedProvider) Stream(context.Context, llm.Request, chan<- string) (*llm.Usage, error) {
	return nil, errors.New("not scripted")
}

// scriptedRunner returns canned run results in order.
type scriptedRunner struct {
	results []RunResult
	sources []string
}

func (r *scriptedRunner) Run(_ context.Context, source string) (RunResult, error) {
	r.sources = append(r.sources, source)
	i := len(r.sources) - 1
	if i >= len(r.results) {
		return RunResult{}, fmt.Errorf("no scripted result for run %d", i)
	}
	return r.results[i], nil
}

func okRun() RunResult {
	return RunResult{Stdout: "some output\n" + OKSentinel + "\n", ExitCode: 0}
}

func failRun(stderr string) RunResult {
	return RunResult{Stderr: stderr, ExitCode: 1}
}

func writeNotebook(t *testing.T) string {
	t.Helper()
	nb := `{
	  "cells": [
	    {"id": "c1", "cell_type": "markdown", "source": "# Sales analysis"},
	    {"id": "c2", "cell_type": "code", "source": ["import pandas as pd\n", "df = pd.read_csv('sales.csv')"]}
	  ]
	}`
	path := filepath.Join(t.TempDir(), "sales.ipynb")
	if err := os.WriteFile(path, []byte(nb), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newConverter(t *testing.T, replies []string, runs []RunResult) (*Converter, *scriptedProvider, *scriptedRunner, *storage.RunLog) {
	t.Helper()
	qs, err := quota.Open(filepath.Join(t.TempDir(), "quota.json"), true)
	if err != nil {
		t.Fatal(err)
	}
	user := &quota.UserContext{UserID: "u1", Quota: qs}
	provider := &scriptedProvider{replies: replies}
	d := dispatch.New(provider, user, config.LLMConfig{MaxTokens: 4096, Temperature: 0.2})

	runner := &scriptedRunner{results: runs}
	runlog, err := storage.NewRunLogInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { runlog.Close() })

	return New(d, runner, 5).WithRunLog(runlog), provider, runner, runlog
}

const cleanApp = `import streamlit as st
import pandas as pd

df = pd.read_csv('sales.csv')
st.title('Sales analysis')
st.dataframe(df)
`

func TestConvertHappyPath(t *testing.T) {
	c, provider, runner, _ := newConverter(t,
		[]string{"```python\n" + cleanApp + "```"},
		[]RunResult{okRun()},
	)

	res, err := c.Convert(context.Background(), writeNotebook(t), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d", res.Attempts)
	}
	if !strings.Contains(res.Source, "st.dataframe(df)") {
		t.Errorf("source = %q", res.Source)
	}
	if len(runner.sources) != 1 {
		t.Errorf("runs = %d", len(runner.sources))
	}

	// The generation prompt carried the notebook cells.
	gen := provider.requests[0].Messages
	if !strings.Contains(gen[len(gen)-1].Content, "pd.read_csv('sales.csv')") {
		t.Error("notebook source missing from generation prompt")
	}
}

func TestConvertResolvesPlaceholder(t *testing.T) {
	withMarker := `import streamlit as st
# TODO-NBCOPILOT load the sales data
st.title('Sales')
`
	resolveDiff := `--- a/app.py
+++ b/app.py
@@ -2,1 +2,1 @@
-# TODO-NBCOPILOT load the sales data
+df = pd.read_csv('sales.csv')
`
	c, provider, _, _ := newConverter(t,
		[]string{withMarker, resolveDiff},
		[]RunResult{okRun()},
	)

	res, err := c.Convert(context.Background(), writeNotebook(t), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(res.Source, "TODO-NBCOPILOT") {
		t.Errorf("marker survived: %q", res.Source)
	}
	if !strings.Contains(res.Source, "pd.read_csv('sales.csv')") {
		t.Errorf("resolution missing: %q", res.Source)
	}

	// The resolution prompt named the marker line.
	msgs := provider.requests[1].Messages
	if !strings.Contains(msgs[len(msgs)-1].Content, "# TODO-NBCOPILOT load the sales data") {
		t.Error("marker line missing from resolution prompt")
	}
}

func TestConvertRepairLoop(t *testing.T) {
	broken := `import streamlit as st
df = pd.read_csv('sales.csv')
`
	repairDiff := `--- a/app.py
+++ b/app.py
@@ -1,1 +1,1 @@
 import streamlit as st
+import pandas as pd
`
	stderr := `Traceback (most recent call last):
  File "app.py", line 2, in <module>
    df = pd.read_csv('sales.csv')
NameError: name 'pd' is not defined`

	c, _, runner, runlog := newConverter(t,
		[]string{broken, repairDiff},
		[]RunResult{failRun(stderr), okRun()},
	)

	res, err := c.Convert(context.Background(), writeNotebook(t), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d", res.Attempts)
	}
	if !strings.Contains(res.Source, "import pandas as pd") {
		t.Errorf("repair not applied: %q", res.Source)
	}
	if len(runner.sources) != 2 {
		t.Fatalf("runs = %d", len(runner.sources))
	}

	// The error log kept the extracted failure.
	errs, err := runlog.RunErrors(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range errs {
		if strings.Contains(e, "NameError: name 'pd' is not defined") {
			found = true
		}
	}
	if !found {
		t.Errorf("run errors = %v", errs)
	}
}

func TestConvertRepairExhausted(t *testing.T) {
	broken := "df = undefined_function()\n"
	noOpDiff := "" // model keeps replying with no change
	c, _, _, _ := newConverter(t,
		[]string{broken, noOpDiff, noOpDiff, noOpDiff, noOpDiff},
		[]RunResult{
			failRun("NameError: name 'undefined_function' is not defined"),
			failRun("NameError: name 'undefined_function' is not defined"),
			failRun("NameError: name 'undefined_function' is not defined"),
			failRun("NameError: name 'undefined_function' is not defined"),
			failRun("NameError: name 'undefined_function' is not defined"),
		},
	)

	_, err := c.Convert(context.Background(), writeNotebook(t), t.TempDir())
	if !errors.Is(err, ErrRepairExhausted) {
		t.Fatalf("err = %v, want ErrRepairExhausted", err)
	}
	if !strings.Contains(err.Error(), "NameError") {
		t.Errorf("last error missing from message: %v", err)
	}
}

func TestConvertBadRepairDiffConsumesAttempt(t *testing.T) {
	broken := "x = 1\n"
	c, _, runner, _ := newConverter(t,
		[]string{broken, "I think the problem is the import.", okDiffNoop()},
		[]RunResult{failRun("SyntaxError: invalid syntax"), failRun("SyntaxError: invalid syntax")},
	)
	c.maxRetries = 2

	_, err := c.Convert(context.Background(), writeNotebook(t), t.TempDir())
	if !errors.Is(err, ErrRepairExhausted) {
		t.Fatalf("err = %v", err)
	}
	// The unusable diff did not stop the loop; the source was re-run as-is.
	if len(runner.sources) != 2 {
		t.Errorf("runs = %d", len(runner.sources))
	}
	if runner.sources[0] != runner.sources[1] {
		t.Error("source must be unchanged after an inapplicable diff")
	}
}

func okDiffNoop() string { return "" }

func TestConvertWorkdirPrecondition(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 25; i++ {
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("f%d.csv", i)), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	c, _, _, _ := newConverter(t, nil, nil)
	_, err := c.Convert(context.Background(), writeNotebook(t), dir)
	if !errors.Is(err, ErrWorkdirTooLarge) {
		t.Fatalf("err = %v, want ErrWorkdirTooLarge", err)
	}
}

func TestUpdateAppliesEditDiff(t *testing.T) {
	existing := `import streamlit as st
st.title('Sales')
`
	editDiff := `--- a/app.py
+++ b/app.py
@@ -2,1 +2,1 @@
 st.title('Sales')
+st.caption('Updated daily')
`
	c, _, _, _ := newConverter(t,
		[]string{editDiff},
		[]RunResult{okRun()},
	)

	res, err := c.Update(context.Background(), "", existing, "add a caption")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Source, "st.caption('Updated daily')") {
		t.Errorf("edit not applied: %q", res.Source)
	}
	if !strings.Contains(res.Source, "st.title('Sales')") {
		t.Errorf("existing content lost: %q", res.Source)
	}
}

func TestWriteApp(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteApp(dir, "import streamlit as st")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "import streamlit as st\n" {
		t.Errorf("content = %q", data)
	}
	if filepath.Base(path) != "app.py" {
		t.Errorf("path = %q", path)
	}
}

func TestExtractError(t *testing.T) {
	cases := []struct {
		name, stderr, want string
	}{
		{
			"traceback",
			"Traceback (most recent call last):\n  File \"app.py\", line 3\nValueError: could not convert string to float: 'n/a'",
			"ValueError: could not convert string to float: 'n/a'",
		},
		{
			"chained tracebacks keep the last",
			"KeyError: 'date'\n\nDuring handling of the above exception, another exception occurred:\n\nTypeError: unhashable type: 'list'",
			"TypeError: unhashable type: 'list'",
		},
		{
			"no exception line falls back to last line",
			"warning: something\nsome other noise\n",
			"some other noise",
		},
		{
			"empty",
			"",
			"",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractError(tc.stderr); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRewriteForValidationAppendsSentinel(t *testing.T) {
	got := rewriteForValidation("x = 1")
	if !strings.HasPrefix(got, "x = 1\n") {
		t.Errorf("source altered: %q", got)
	}
	if !strings.Contains(got, OKSentinel) {
		t.Error("sentinel missing")
	}
}
