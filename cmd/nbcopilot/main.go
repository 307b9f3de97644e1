// Package main provides the nbcopilot CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nbcopilot/nbcopilot/cli"
	"github.com/nbcopilot/nbcopilot/llm"
	"github.com/nbcopilot/nbcopilot/quota"
)

// Exit codes, stable for scripting.
const (
	exitOK      = 0
	exitFailure = 1
	exitQuota   = 2
	exitAuth    = 3
)

var (
	// Global flags
	model    string
	threadID string
	verbose  bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "nbcopilot",
		Short: "Conversational assistant for computational notebooks",
		Long: `nbcopilot answers questions about notebooks, executes editing tasks
cell by cell, and converts finished notebooks into Streamlit dashboards.

The provider is picked from the environment, first match wins:
LITELLM_BASE_URL, OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY,
otherwise the hosted relay.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&model, "model", "M", "", "Model override (default: provider default)")
	rootCmd.PersistentFlags().StringVar(&threadID, "thread", "", "Thread ID to continue (default: new thread)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show verbose output")

	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(convertCmd())
	rootCmd.AddCommand(threadsCmd())
	rootCmd.AddCommand(modelsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

// exitCode maps error classes to stable exit codes: quota exhaustion and
// rejected credentials are distinguishable from plain failure.
func exitCode(err error) int {
	switch {
	case errors.Is(err, quota.ErrExceeded):
		return exitQuota
	case errors.Is(err, llm.ErrAuth):
		return exitAuth
	default:
		return exitFailure
	}
}

func globalOpts() cli.Options {
	return cli.Options{Model: model, ThreadID: threadID, Verbose: verbose}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Ask a question in a chat thread",
		Long: `Send one message and stream the reply. Without --thread a new thread is
created and named from the message; pass --thread to continue one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Chat(context.Background(), args[0], globalOpts())
		},
	}
}

func agentCmd() *cobra.Command {
	var notebookPath string
	var workdir string
	var writeBack bool

	cmd := &cobra.Command{
		Use:   "agent [task]",
		Short: "Execute a notebook-editing task",
		Long: `Run the editing loop on a task: the model edits the notebook one cell at
a time, observes execution results, and repairs its own errors. Cells run
with a local Python interpreter in the working directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Agent(context.Background(), args[0], cli.AgentOptions{
				Options:      globalOpts(),
				NotebookPath: notebookPath,
				Workdir:      workdir,
				WriteBack:    writeBack,
			})
		},
	}

	cmd.Flags().StringVarP(&notebookPath, "notebook", "n", "", "Notebook file (.ipynb) to work on")
	cmd.Flags().StringVarP(&workdir, "workdir", "w", "", "Working directory for cell execution (default: current)")
	cmd.Flags().BoolVar(&writeBack, "write", false, "Save the updated notebook over the input file")

	return cmd
}

func convertCmd() *cobra.Command {
	var workdir string
	var outDir string
	var editRequest string

	cmd := &cobra.Command{
		Use:   "convert [notebook.ipynb]",
		Short: "Convert a notebook into a Streamlit app",
		Long: `Generate app.py from a notebook, validate it by running it, and repair
failures automatically. With --edit, an existing app.py in the output
directory is updated per the request instead of regenerated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Convert(context.Background(), args[0], cli.ConvertOptions{
				Options:     globalOpts(),
				Workdir:     workdir,
				OutDir:      outDir,
				EditRequest: editRequest,
			})
		},
	}

	cmd.Flags().StringVarP(&workdir, "workdir", "w", "", "Directory with the notebook's data files (default: notebook's directory)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Output directory for app.py (default: workdir)")
	cmd.Flags().StringVar(&editRequest, "edit", "", "Update the existing app per this request instead of regenerating")

	return cmd
}

func threadsCmd() *cobra.Command {
	var deleteID string

	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List chat threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deleteID != "" {
				return cli.DeleteThread(context.Background(), deleteID, globalOpts())
			}
			return cli.Threads(context.Background(), globalOpts())
		},
	}

	cmd.Flags().StringVar(&deleteID, "delete", "", "Delete the thread with this ID")

	return cmd
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models available on the active provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Models(context.Background(), globalOpts())
		},
	}
}
