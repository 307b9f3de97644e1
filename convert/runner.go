package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// OKSentinel is printed by the rewritten candidate when it runs to the end.
// Its presence on stdout is the validation pass signal; exit code alone is
// not enough because Streamlit scripts exit 0 after an import-time print of
// a warning.
const OKSentinel = "NBCOPILOT_APP_OK"

// PythonRunner validates candidates by executing them with a real Python
// interpreter in a scratch directory.
type PythonRunner struct {
	// Python is the interpreter binary, "python3" when empty.
	Python string
	// Workdir is where the candidate runs; data files the app reads live
	// here. Empty means a fresh temp directory per run.
	Workdir string
	// Timeout bounds one validation run. Zero means 60 seconds.
	Timeout time.Duration
}

// Run executes the candidate and captures its outcome. A non-zero exit is
// reported in the RunResult, not as an error.
func (r PythonRunner) Run(ctx context.Context, source string) (RunResult, error) {
	python := r.Python
	if python == "" {
		python = "python3"
	}
	timeout := r.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	dir := r.Workdir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "nbcopilot-validate-")
		if err != nil {
			return RunResult{}, fmt.Errorf("create scratch directory: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	script := filepath.Join(dir, "app_validate.py")
	if err := os.WriteFile(script, []byte(rewriteForValidation(source)), 0644); err != nil {
		return RunResult{}, fmt.Errorf("write candidate: %w", err)
	}
	defer os.Remove(script)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, python, filepath.Base(script))
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.Stderr = fmt.Sprintf("TimeoutError: validation run exceeded %s", timeout)
	default:
		return RunResult{}, fmt.Errorf("run interpreter: %w", err)
	}
	return res, nil
}

// rewriteForValidation appends the sentinel print so reaching the last line
// is observable. The source itself is untouched.
func rewriteForValidation(source string) string {
	if !strings.HasSuffix(source, "\n") {
		source += "\n"
	}
	return source + fmt.Sprintf("\nprint(%q)\n", OKSentinel)
}
