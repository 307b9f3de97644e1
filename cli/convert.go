package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nbcopilot/nbcopilot/convert"
)

// ConvertOptions carries the convert subcommand's flags on top of the
// globals.
type ConvertOptions struct {
	Options
	Workdir     string
	OutDir      string
	EditRequest string // non-empty switches to the edit-existing-app variant
}

// Convert turns a notebook into a validated Streamlit app.py.
func Convert(ctx context.Context, notebookPath string, opts ConvertOptions) error {
	a, err := newApp(opts.Options)
	if err != nil {
		return err
	}
	defer a.close()

	workdir := opts.Workdir
	if workdir == "" {
		workdir = filepath.Dir(notebookPath)
	}
	outDir := opts.OutDir
	if outDir == "" {
		outDir = workdir
	}

	runner := convert.PythonRunner{
		Workdir: workdir,
		Timeout: time.Duration(a.settings.Convert.TimeoutSecs) * time.Second,
	}
	conv := convert.New(a.dispatcher, runner, a.settings.Convert.MaxRetries).
		WithRunLog(a.runlog).
		WithLogger(a.log)

	var res convert.Result
	if opts.EditRequest != "" {
		existing, err := readApp(outDir)
		if err != nil {
			return err
		}
		res, err = conv.Update(ctx, notebookPath, existing, opts.EditRequest)
		if err != nil {
			return err
		}
	} else {
		res, err = conv.Convert(ctx, notebookPath, workdir)
		if err != nil {
			return err
		}
	}

	path, err := convert.WriteApp(outDir, res.Source)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s (validated in %d attempt(s))\n", path, res.Attempts)
	fmt.Printf("run it with: streamlit run %s\n", path)
	return nil
}

func readApp(dir string) (string, error) {
	path := filepath.Join(dir, "app.py")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("no existing app to edit at %s: %w", path, err)
	}
	return string(data), nil
}
