package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nbcopilot/nbcopilot/dispatch"
	"github.com/nbcopilot/nbcopilot/history"
	"github.com/nbcopilot/nbcopilot/notebook"
	"github.com/nbcopilot/nbcopilot/prompt"
)

// ExecResult is what the host reports back after applying a cell update.
type ExecResult struct {
	CellID    string // id of the executed cell; assigned by the host for new cells
	Traceback string // non-empty when execution raised
	Snapshot  notebook.Snapshot
}

// Host is the notebook side of the loop: it applies cell updates, runs
// them, and reports state. The loop never touches the notebook directly.
type Host interface {
	ApplyCellUpdate(ctx context.Context, u CellUpdate) (ExecResult, error)
	CellOutput(ctx context.Context, cellID string) (string, error)
	Snapshot(ctx context.Context) (notebook.Snapshot, error)
}

// Status is the terminal state of one loop run.
type Status int

const (
	// StatusDone means the model declared the task finished.
	StatusDone Status = iota
	// StatusAwaitingAnswer means the model asked the user a question; resume
	// with SubmitAnswer.
	StatusAwaitingAnswer
	// StatusIterationLimit means the run stopped at the iteration cap
	// without finishing.
	StatusIterationLimit
)

// Result is the outcome of a loop run.
type Result struct {
	Status     Status
	Message    string // final summary (StatusDone) or accompanying message
	Question   string // set for StatusAwaitingAnswer
	Iterations int
}

// Loop drives the model through task execution one action at a time.
type Loop struct {
	dispatcher    *dispatch.Dispatcher
	threads       *history.Store
	host          Host
	maxIterations int
	log           *slog.Logger
}

// New creates a loop. maxIterations caps the number of model turns per run.
func New(d *dispatch.Dispatcher, threads *history.Store, host Host, maxIterations int) *Loop {
	return &Loop{
		dispatcher:    d,
		threads:       threads,
		host:          host,
		maxIterations: maxIterations,
		log:           slog.Default(),
	}
}

// WithLogger overrides the default logger.
func (l *Loop) WithLogger(log *slog.Logger) *Loop {
	l.log = log
	return l
}

// SubmitTask starts (or continues) a task in the given thread and runs the
// loop until a terminal state. The model-facing message carries the full
// notebook context; the user-facing one carries only the task text.
func (l *Loop) SubmitTask(ctx context.Context, threadID, task string) (Result, error) {
	// Gate on quota before the thread is touched: an over-quota submission
	// must leave no trace in the history.
	if err := l.dispatcher.CheckQuota(dispatch.PurposeAgentExecution); err != nil {
		return Result{}, err
	}

	sys := prompt.AgentSystem(l.dispatcher.SupportsWebSearch())
	if err := l.threads.Ensure(threadID, sys); err != nil {
		return Result{}, err
	}

	snap, err := l.host.Snapshot(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read notebook state: %w", err)
	}
	if err := l.appendPair(threadID, "user", prompt.Task(task, snap), task); err != nil {
		return Result{}, err
	}
	return l.run(ctx, threadID)
}

// SubmitAnswer resumes a run that stopped with StatusAwaitingAnswer.
func (l *Loop) SubmitAnswer(ctx context.Context, threadID, answer string) (Result, error) {
	if err := l.dispatcher.CheckQuota(dispatch.PurposeAgentExecution); err != nil {
		return Result{}, err
	}
	if err := l.appendPair(threadID, "user", answer, answer); err != nil {
		return Result{}, err
	}
	return l.run(ctx, threadID)
}

// run executes model turns until the task finishes, the model asks a
// question, or the iteration cap is reached. A turn whose dispatch fails
// (including cancellation) appends nothing, so an interrupted run leaves the
// thread exactly as it was before the turn started.
func (l *Loop) run(ctx context.Context, threadID string) (Result, error) {
	purpose := dispatch.PurposeAgentExecution

	for i := 1; i <= l.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		msgs, err := l.threads.ModelHistory(threadID)
		if err != nil {
			return Result{}, err
		}
		msgs = history.TrimStaleSections(msgs)

		res, err := l.dispatcher.Complete(ctx, dispatch.Options{
			Purpose:  purpose,
			Messages: msgs,
			Schema:   ResponseSchema(),
		})
		if err != nil {
			return Result{}, err
		}
		purpose = dispatch.PurposeAgentExecution

		action, perr := ParseAction(res.Content)
		if perr != nil {
			l.log.Warn("unparseable agent turn", "thread", threadID, "iteration", i, "err", perr)
			if err := l.appendPair(threadID, "assistant", res.Content, res.Content); err != nil {
				return Result{}, err
			}
			failure := prompt.ParseFailure(perr)
			if err := l.appendPair(threadID, "user", failure, failure); err != nil {
				return Result{}, err
			}
			continue
		}

		display := action.Message
		if display == "" {
			display = res.Content
		}
		if err := l.appendPair(threadID, "assistant", res.Content, display); err != nil {
			return Result{}, err
		}

		switch action.Kind {
		case ActionFinished:
			return Result{Status: StatusDone, Message: action.Message, Iterations: i}, nil

		case ActionQuestion:
			return Result{
				Status:     StatusAwaitingAnswer,
				Message:    action.Message,
				Question:   action.Question,
				Iterations: i,
			}, nil

		case ActionCellUpdate:
			raised, err := l.handleCellUpdate(ctx, threadID, *action.CellUpdate)
			if err != nil {
				return Result{}, err
			}
			// A traceback switches the next dispatch to the fixup purpose.
			if raised {
				purpose = dispatch.PurposeAgentErrorFixup
			}

		case ActionGetCellOutput:
			out, err := l.host.CellOutput(ctx, action.OutputCellID)
			if err != nil {
				out = fmt.Sprintf("error: %v", err)
			}
			msg := prompt.CellOutput(action.OutputCellID, out)
			if err := l.appendPair(threadID, "user", msg, msg); err != nil {
				return Result{}, err
			}

		case ActionWebSearch:
			results, err := l.dispatcher.WebSearch(ctx, action.SearchQuery)
			if errors.Is(err, dispatch.ErrNoWebSearch) {
				results = prompt.NoSearchResults
			} else if err != nil {
				return Result{}, fmt.Errorf("web search: %w", err)
			}
			msg := fmt.Sprintf("Search results for %q:\n%s", action.SearchQuery, results)
			short := fmt.Sprintf("Searched the web for %q.", action.SearchQuery)
			if err := l.appendPair(threadID, "assistant", msg, short); err != nil {
				return Result{}, err
			}
		}
	}

	return Result{Status: StatusIterationLimit, Iterations: l.maxIterations}, nil
}

// handleCellUpdate applies the update on the host and appends the resulting
// observation: an error-fixup message when the cell raised, a fresh state
// snapshot otherwise. Returns whether the cell raised.
func (l *Loop) handleCellUpdate(ctx context.Context, threadID string, u CellUpdate) (bool, error) {
	exec, err := l.host.ApplyCellUpdate(ctx, u)
	if err != nil {
		return false, fmt.Errorf("apply cell update: %w", err)
	}

	if exec.Traceback != "" {
		model := prompt.ErrorFixup(exec.CellID, u.Source, exec.Traceback)
		display := fmt.Sprintf("Cell %s raised an error; fixing it.", exec.CellID)
		return true, l.appendPair(threadID, "user", model, display)
	}

	model := prompt.Snapshot(exec.Snapshot)
	display := fmt.Sprintf("Cell %s executed.", exec.CellID)
	return false, l.appendPair(threadID, "user", model, display)
}

func (l *Loop) appendPair(threadID, role, model, display string) error {
	return l.threads.Append(threadID,
		history.NewMessage(role, model),
		history.NewMessage(role, display),
	)
}
