// Package convert turns a notebook into a runnable Streamlit app.
//
// The pipeline is generate, resolve placeholders, validate, repair:
//  1. one full-source generation from the notebook cells
//  2. each placeholder marker is replaced via a diff-producing turn
//  3. the candidate is executed headless; a sentinel on stdout means the
//     app imported and ran to the end
//  4. each failure feeds the extracted error into a repair turn, capped
//
// All incremental edits travel as unified diffs; a diff that does not apply
// is treated like a failed validation and consumes a repair attempt.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nbcopilot/nbcopilot/dispatch"
	"github.com/nbcopilot/nbcopilot/internal/diff"
	"github.com/nbcopilot/nbcopilot/internal/jsonx"
	"github.com/nbcopilot/nbcopilot/llm"
	"github.com/nbcopilot/nbcopilot/notebook"
	"github.com/nbcopilot/nbcopilot/prompt"
	"github.com/nbcopilot/nbcopilot/storage"
)

// maxWorkdirEntries bounds the working directory listing sent to the model.
const maxWorkdirEntries = 20

// maxPlaceholderRounds caps placeholder resolution turns per run.
const maxPlaceholderRounds = 5

// ErrWorkdirTooLarge indicates the working directory precondition failed.
var ErrWorkdirTooLarge = errors.New("working directory has too many entries")

// ErrRepairExhausted indicates validation kept failing after the retry cap.
var ErrRepairExhausted = errors.New("app still failing after repair attempts")

// RunResult is the outcome of executing a candidate app.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a candidate app source and reports the outcome. Errors
// are transport failures only; a failing script is a RunResult, not an error.
type Runner interface {
	Run(ctx context.Context, source string) (RunResult, error)
}

// Result is a finished conversion.
type Result struct {
	Source   string
	Attempts int // validation runs performed
}

// Converter drives the notebook-to-dashboard pipeline.
type Converter struct {
	dispatcher *dispatch.Dispatcher
	runner     Runner
	runlog     *storage.RunLog // optional
	maxRetries int
	log        *slog.Logger
}

// New creates a converter. maxRetries caps the repair loop.
func New(d *dispatch.Dispatcher, runner Runner, maxRetries int) *Converter {
	return &Converter{
		dispatcher: d,
		runner:     runner,
		maxRetries: maxRetries,
		log:        slog.Default(),
	}
}

// WithRunLog attaches the telemetry run log.
func (c *Converter) WithRunLog(l *storage.RunLog) *Converter {
	c.runlog = l
	return c
}

// WithLogger overrides the default logger.
func (c *Converter) WithLogger(log *slog.Logger) *Converter {
	c.log = log
	return c
}

// Convert generates a validated app from the notebook at path. workdir is
// the directory the app will run in; its listing must stay small enough to
// prompt with.
func (c *Converter) Convert(ctx context.Context, notebookPath, workdir string) (Result, error) {
	if err := checkWorkdir(workdir); err != nil {
		return Result{}, err
	}

	cells, err := notebook.Parse(notebookPath)
	if err != nil {
		return Result{}, err
	}

	runID := c.beginRun(ctx, filepath.Base(notebookPath))

	source, err := c.generate(ctx, cells)
	if err != nil {
		c.finishRun(ctx, runID, false)
		return Result{}, err
	}

	source, err = c.resolvePlaceholders(ctx, runID, source)
	if err != nil {
		c.finishRun(ctx, runID, false)
		return Result{}, err
	}

	res, err := c.validateAndRepair(ctx, runID, source)
	c.finishRun(ctx, runID, err == nil)
	return res, err
}

// Update applies a user edit request to an existing app and re-validates it.
func (c *Converter) Update(ctx context.Context, notebookPath, existingSource, editRequest string) (Result, error) {
	var cells []notebook.Cell
	if notebookPath != "" {
		var err error
		cells, err = notebook.Parse(notebookPath)
		if err != nil {
			return Result{}, err
		}
	}

	runID := c.beginRun(ctx, "edit:"+editRequest)

	reply, err := c.complete(ctx, prompt.ConversionSystem(), prompt.Update(cells, existingSource, editRequest))
	if err != nil {
		c.finishRun(ctx, runID, false)
		return Result{}, err
	}

	source, err := applyDiffReply(existingSource, reply)
	if err != nil {
		c.finishRun(ctx, runID, false)
		return Result{}, fmt.Errorf("edit diff: %w", err)
	}

	res, err := c.validateAndRepair(ctx, runID, source)
	c.finishRun(ctx, runID, err == nil)
	return res, err
}

// WriteApp writes the app source to dir/app.py with write-then-rename.
func WriteApp(dir, source string) (string, error) {
	if !strings.HasSuffix(source, "\n") {
		source += "\n"
	}
	path := filepath.Join(dir, "app.py")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(source), 0644); err != nil {
		return "", fmt.Errorf("write app: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("replace app: %w", err)
	}
	return path, nil
}

func checkWorkdir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read working directory: %w", err)
	}
	if len(entries) > maxWorkdirEntries {
		return fmt.Errorf("%w: %d entries, limit %d", ErrWorkdirTooLarge, len(entries), maxWorkdirEntries)
	}
	return nil
}

// generate asks for the full initial app source.
func (c *Converter) generate(ctx context.Context, cells []notebook.Cell) (string, error) {
	reply, err := c.complete(ctx, prompt.ConversionSystem(), prompt.ConversionUser(cells))
	if err != nil {
		return "", err
	}
	return jsonx.StripFences(reply), nil
}

// resolvePlaceholders replaces placeholder markers one at a time, each via
// a diff-producing turn, capped at maxPlaceholderRounds.
func (c *Converter) resolvePlaceholders(ctx context.Context, runID int64, source string) (string, error) {
	for round := 1; round <= maxPlaceholderRounds; round++ {
		marker, ok := firstPlaceholder(source)
		if !ok {
			return source, nil
		}

		c.log.Info("resolving placeholder", "round", round, "marker", marker)
		reply, err := c.complete(ctx, prompt.ConversionSystem(), prompt.ResolvePlaceholder(source, marker))
		if err != nil {
			return "", err
		}

		next, err := applyDiffReply(source, reply)
		if err != nil {
			c.recordAttempt(ctx, runID, round, "placeholder", err.Error())
			return "", fmt.Errorf("placeholder diff: %w", err)
		}
		c.recordAttempt(ctx, runID, round, "placeholder", "")
		source = next
	}

	if _, ok := firstPlaceholder(source); ok {
		c.log.Warn("placeholders remain after resolution cap, continuing to validation")
	}
	return source, nil
}

// validateAndRepair runs the candidate and feeds each failure back as a
// repair turn until it passes or the retry cap is hit.
func (c *Converter) validateAndRepair(ctx context.Context, runID int64, source string) (Result, error) {
	var lastErr string
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		run, err := c.runner.Run(ctx, source)
		if err != nil {
			return Result{}, fmt.Errorf("run candidate app: %w", err)
		}

		if run.ExitCode == 0 && strings.Contains(run.Stdout, OKSentinel) {
			c.recordAttempt(ctx, runID, attempt, "validate", "")
			return Result{Source: source, Attempts: attempt}, nil
		}

		lastErr = ExtractError(run.Stderr)
		if lastErr == "" {
			lastErr = fmt.Sprintf("app exited with code %d and no error output", run.ExitCode)
		}
		c.recordAttempt(ctx, runID, attempt, "validate", lastErr)
		c.log.Info("validation failed", "attempt", attempt, "err", lastErr)

		if attempt == c.maxRetries {
			break
		}

		reply, err := c.complete(ctx, prompt.ConversionSystem(), prompt.Repair(source, lastErr))
		if err != nil {
			return Result{}, err
		}
		next, err := applyDiffReply(source, reply)
		if err != nil {
			// A diff that does not apply is fed back like a runtime error.
			lastErr = fmt.Sprintf("previous fix could not be applied: %v", err)
			c.recordAttempt(ctx, runID, attempt, "repair", lastErr)
			continue
		}
		source = next
	}

	return Result{}, fmt.Errorf("%w (%d attempts): %s", ErrRepairExhausted, c.maxRetries, lastErr)
}

func (c *Converter) complete(ctx context.Context, system, user string) (string, error) {
	res, err := c.dispatcher.Complete(ctx, dispatch.Options{
		Purpose: dispatch.PurposeNotebookConversion,
		Messages: []llm.ChatMessage{
			llm.SystemMessage(system),
			llm.UserMessage(user),
		},
	})
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

// applyDiffReply parses a diff reply and applies it. An empty reply means
// no change.
func applyDiffReply(source, reply string) (string, error) {
	patch, err := diff.Parse(jsonx.StripFences(reply))
	if err != nil {
		return "", err
	}
	if patch.Empty() {
		return source, nil
	}
	return diff.Apply(source, patch)
}

// firstPlaceholder returns the first line carrying the placeholder marker.
func firstPlaceholder(source string) (string, bool) {
	for _, line := range strings.Split(source, "\n") {
		if strings.Contains(line, prompt.PlaceholderMarker) {
			return line, true
		}
	}
	return "", false
}

var errLineRe = regexp.MustCompile(`(?m)^\w[\w.]*(?:Error|Exception|Warning): .*$`)

// ExtractError pulls the most useful line out of a Python stderr dump: the
// last exception line of the final traceback, or the last non-empty line
// when no exception line is present.
func ExtractError(stderr string) string {
	matches := errLineRe.FindAllString(stderr, -1)
	if len(matches) > 0 {
		return matches[len(matches)-1]
	}

	lines := strings.Split(stderr, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func (c *Converter) beginRun(ctx context.Context, name string) int64 {
	if c.runlog == nil {
		return 0
	}
	id, err := c.runlog.BeginRun(ctx, name)
	if err != nil {
		c.log.Warn("run log unavailable", "err", err)
		return 0
	}
	return id
}

func (c *Converter) recordAttempt(ctx context.Context, runID int64, attempt int, stage, errMsg string) {
	if c.runlog == nil || runID == 0 {
		return
	}
	if err := c.runlog.RecordAttempt(ctx, runID, attempt, stage, errMsg); err != nil {
		c.log.Warn("attempt not recorded", "err", err)
	}
}

func (c *Converter) finishRun(ctx context.Context, runID int64, ok bool) {
	if c.runlog == nil || runID == 0 {
		return
	}
	if err := c.runlog.FinishRun(ctx, runID, ok); err != nil {
		c.log.Warn("run not finalized", "err", err)
	}
}
