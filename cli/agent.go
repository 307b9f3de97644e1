package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/nbcopilot/nbcopilot/agent"
)

// AgentOptions carries the agent subcommand's flags on top of the globals.
type AgentOptions struct {
	Options
	NotebookPath string
	Workdir      string
	WriteBack    bool // save the updated notebook over the input file
}

// Agent runs a task against a notebook with the local execution host,
// answering the model's questions interactively on stdin.
func Agent(ctx context.Context, task string, opts AgentOptions) error {
	a, err := newApp(opts.Options)
	if err != nil {
		return err
	}
	defer a.close()

	workdir := opts.Workdir
	if workdir == "" {
		workdir = "."
	}
	host, err := NewLocalHost(opts.NotebookPath, workdir)
	if err != nil {
		return err
	}

	loop := agent.New(a.dispatcher, a.threads, host, a.settings.Agent.MaxIterations).
		WithLogger(a.log)

	threadID := opts.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
		fmt.Fprintf(os.Stderr, "thread: %s\n", threadID)
	}

	res, err := loop.SubmitTask(ctx, threadID, task)
	if err != nil {
		return err
	}

	stdin := bufio.NewReader(os.Stdin)
	for res.Status == agent.StatusAwaitingAnswer {
		fmt.Printf("\n%s\n> ", res.Question)
		answer, err := stdin.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read answer: %w", err)
		}
		res, err = loop.SubmitAnswer(ctx, threadID, strings.TrimSpace(answer))
		if err != nil {
			return err
		}
	}

	switch res.Status {
	case agent.StatusDone:
		fmt.Println(res.Message)
	case agent.StatusIterationLimit:
		fmt.Fprintf(os.Stderr, "stopped after %d iterations without finishing\n", res.Iterations)
	}

	if opts.WriteBack && opts.NotebookPath != "" {
		if err := host.WriteNotebook(opts.NotebookPath); err != nil {
			return err
		}
		a.log.Info("notebook saved", "path", opts.NotebookPath)
	}
	return nil
}
