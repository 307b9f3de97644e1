// Package cli wires the application together for the command line.
//
// Each exported function is one subcommand's implementation: it builds the
// dispatcher stack from environment configuration, runs, and prints. All
// policy (provider selection, quota, model resolution) lives in the
// packages underneath; this package only assembles and presents.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/nbcopilot/nbcopilot/config"
	"github.com/nbcopilot/nbcopilot/dispatch"
	"github.com/nbcopilot/nbcopilot/history"
	"github.com/nbcopilot/nbcopilot/llm"
	"github.com/nbcopilot/nbcopilot/prompt"
	"github.com/nbcopilot/nbcopilot/quota"
	"github.com/nbcopilot/nbcopilot/storage"
)

// Options carries the global CLI flags.
type Options struct {
	Model    string
	ThreadID string
	Verbose  bool
}

// app is the assembled application stack.
type app struct {
	settings   config.Settings
	dispatcher *dispatch.Dispatcher
	threads    *history.Store
	runlog     *storage.RunLog
	log        *slog.Logger
}

func newApp(opts Options) (*app, error) {
	settings, err := config.New()
	if err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	provider, err := llm.Select(llm.Credentials{
		OpenAIKey:      settings.Providers.OpenAIKey,
		AnthropicKey:   settings.Providers.AnthropicKey,
		GeminiKey:      settings.Providers.GeminiKey,
		LiteLLMBaseURL: settings.Providers.LiteLLMBaseURL,
		LiteLLMAPIKey:  settings.Providers.LiteLLMAPIKey,
		LiteLLMModels:  settings.Providers.LiteLLMModels,
		RelayToken:     settings.Providers.RelayToken,
	})
	if err != nil {
		return nil, err
	}
	log.Debug("provider selected", "provider", provider.Name(), "kind", provider.Kind())

	quotaStore, err := quota.Open(filepath.Join(settings.DataDir, "quota.json"), settings.QuotaBypass())
	if err != nil {
		return nil, err
	}
	user := &quota.UserContext{UserID: "local", Quota: quotaStore}

	threads, err := history.NewStore(filepath.Join(settings.DataDir, "threads"))
	if err != nil {
		return nil, err
	}

	runlog, err := storage.OpenRunLog(filepath.Join(settings.DataDir, "runlog.db"))
	if err != nil {
		return nil, err
	}

	d := dispatch.New(provider, user, settings.LLM).
		WithUsageRecorder(runlog).
		WithLogger(log)

	return &app{
		settings:   settings,
		dispatcher: d,
		threads:    threads,
		runlog:     runlog,
		log:        log,
	}, nil
}

func (a *app) close() {
	if err := a.runlog.Close(); err != nil {
		a.log.Warn("run log close failed", "err", err)
	}
}

// Chat runs one conversational turn, streaming the reply to stdout.
func Chat(ctx context.Context, message string, opts Options) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	// Over-quota turns fail here, before anything is written to the thread.
	if err := a.dispatcher.CheckQuota(dispatch.PurposeChat); err != nil {
		return err
	}

	threadID := opts.ThreadID
	newThread := threadID == ""
	if newThread {
		threadID = uuid.NewString()
		fmt.Fprintf(os.Stderr, "thread: %s\n", threadID)
	}

	if err := a.threads.Ensure(threadID, prompt.ChatSystem()); err != nil {
		return err
	}
	if err := a.threads.Append(threadID,
		history.NewMessage("user", message),
		history.NewMessage("user", message),
	); err != nil {
		return err
	}

	msgs, err := a.threads.ModelHistory(threadID)
	if err != nil {
		return err
	}
	msgs = history.TrimStaleSections(msgs)

	parent := uuid.NewString()
	reply, _, err := a.dispatcher.Stream(ctx, dispatch.Options{
		Purpose:  dispatch.PurposeChat,
		Model:    opts.Model,
		Messages: msgs,
	}, parent, func(c dispatch.Chunk) {
		if c.Done {
			fmt.Println()
			return
		}
		fmt.Print(c.Text)
	})
	if err != nil {
		return err
	}

	if err := a.threads.Append(threadID,
		history.NewMessage("assistant", reply),
		history.NewMessage("assistant", reply),
	); err != nil {
		return err
	}

	if newThread {
		a.nameThread(ctx, threadID, message)
	}
	return nil
}

// nameThread generates and stores a display name for a fresh thread. Naming
// is best effort and uncounted; failures only log.
func (a *app) nameThread(ctx context.Context, threadID, firstMessage string) {
	res, err := a.dispatcher.Complete(ctx, dispatch.Options{
		Purpose:  dispatch.PurposeChatNameGeneration,
		Messages: []llm.ChatMessage{llm.UserMessage(prompt.ThreadName(firstMessage))},
	})
	if err != nil {
		a.log.Warn("thread naming failed", "err", err)
		return
	}
	name := strings.TrimSpace(strings.Trim(strings.TrimSpace(res.Content), `"`))
	if name == "" {
		return
	}
	if err := a.threads.SetName(threadID, name); err != nil {
		a.log.Warn("thread naming failed", "err", err)
	}
}

// Threads prints the thread listing, most recent first.
func Threads(ctx context.Context, opts Options) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	infos, err := a.threads.List()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no threads")
		return nil
	}
	for _, info := range infos {
		name := info.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%s  %s  %s\n", info.ID, info.LastInteraction.Format("2006-01-02 15:04"), name)
	}
	return nil
}

// DeleteThread removes one thread.
func DeleteThread(ctx context.Context, threadID string, opts Options) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()
	return a.threads.Delete(threadID)
}

// Models prints the models available on the active provider.
func Models(ctx context.Context, opts Options) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	for _, m := range a.dispatcher.AvailableModels() {
		fmt.Println(m)
	}
	return nil
}
