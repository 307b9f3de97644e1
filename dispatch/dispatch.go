// Package dispatch routes completion requests to the active provider.
//
// Every model call in the system goes through the Dispatcher, which owns the
// cross-cutting concerns:
// - purpose-based model selection (fast vs smart)
// - quota check before and increment after each counted dispatch
// - strict-mode schema normalization and structured-output salvage
// - usage accounting
//
// Callers state WHAT kind of call they are making via a Purpose tag; the
// purpose table below decides how it is billed and which model speed it gets.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nbcopilot/nbcopilot/config"
	"github.com/nbcopilot/nbcopilot/internal/jsonx"
	"github.com/nbcopilot/nbcopilot/llm"
	"github.com/nbcopilot/nbcopilot/quota"
)

// Purpose tags a dispatch with the feature issuing it.
type Purpose string

const (
	PurposeChat               Purpose = "chat"
	PurposeAgentExecution     Purpose = "agent-execution"
	PurposeAgentErrorFixup    Purpose = "agent-auto-error-fixup"
	PurposeSmartDebug         Purpose = "smart-debug"
	PurposeCodeExplain        Purpose = "code-explain"
	PurposeInlineCompletion   Purpose = "inline-completion"
	PurposeChatNameGeneration Purpose = "chat-name-generation"
	PurposeNotebookConversion Purpose = "notebook-conversion"
)

// ErrNoWebSearch indicates the active provider has no web search capability.
var ErrNoWebSearch = errors.New("web search not supported by active provider")

// ErrSchemaConformance indicates a structured dispatch produced no valid
// JSON object even after the conformance retry.
var ErrSchemaConformance = errors.New("reply does not conform to schema")

// profile describes how a purpose is dispatched: which model speed it gets,
// which quota class it counts against, and whether it counts at all.
type profile struct {
	fast    bool
	class   quota.Class
	counted bool
}

// The purpose table. Adding a purpose means adding a row here; there is no
// per-purpose handler code anywhere else.
var profiles = map[Purpose]profile{
	PurposeChat:               {fast: false, class: quota.ClassChat, counted: true},
	PurposeAgentExecution:     {fast: false, class: quota.ClassChat, counted: true},
	PurposeAgentErrorFixup:    {fast: false, class: quota.ClassChat, counted: true},
	PurposeSmartDebug:         {fast: false, class: quota.ClassChat, counted: true},
	PurposeCodeExplain:        {fast: false, class: quota.ClassChat, counted: true},
	PurposeInlineCompletion:   {fast: true, class: quota.ClassInline, counted: true},
	PurposeChatNameGeneration: {fast: true, class: quota.ClassChat, counted: false},
	PurposeNotebookConversion: {fast: false, class: quota.ClassChat, counted: true},
}

// UsageRecorder receives token usage for each completed dispatch. The run
// log implements it; a nil recorder disables accounting.
type UsageRecorder interface {
	RecordUsage(purpose, model string, usage llm.Usage) error
}

// Options describes one dispatch.
type Options struct {
	Purpose  Purpose
	Messages []llm.ChatMessage

	// Model overrides the provider default. Fast purposes still resolve to
	// the fast model of the same family.
	Model string

	// Schema, when set, requests structured output. The raw schema is
	// normalized for strict mode here; callers pass it as authored.
	Schema *llm.Schema
}

// Result is the outcome of a completed dispatch.
type Result struct {
	// Content is the response text. For structured dispatches it is the
	// extracted JSON object, salvaged from fences or surrounding prose if
	// the provider wrapped it.
	Content string
	Model   string
	Usage   *llm.Usage
}

// Chunk is one streaming callback payload.
type Chunk struct {
	ParentID string
	Text     string
	Done     bool
}

// Dispatcher routes completions for one user through one provider.
type Dispatcher struct {
	provider llm.Provider
	user     *quota.UserContext
	cfg      config.LLMConfig
	usage    UsageRecorder
	log      *slog.Logger
}

// New creates a dispatcher for the given provider and user.
func New(provider llm.Provider, user *quota.UserContext, cfg config.LLMConfig) *Dispatcher {
	return &Dispatcher{
		provider: provider,
		user:     user,
		cfg:      cfg,
		log:      slog.Default(),
	}
}

// WithUsageRecorder attaches a usage recorder.
func (d *Dispatcher) WithUsageRecorder(r UsageRecorder) *Dispatcher {
	d.usage = r
	return d
}

// WithLogger overrides the default logger.
func (d *Dispatcher) WithLogger(log *slog.Logger) *Dispatcher {
	d.log = log
	return d
}

// AvailableModels returns the model list for the active provider.
func (d *Dispatcher) AvailableModels() []string {
	return llm.AvailableModels(d.provider)
}

// SupportsWebSearch reports whether the active provider can perform web
// searches.
func (d *Dispatcher) SupportsWebSearch() bool {
	_, ok := d.provider.(llm.WebSearcher)
	return ok
}

// WebSearch runs a live web search through the active provider, or returns
// ErrNoWebSearch when it has no such capability.
func (d *Dispatcher) WebSearch(ctx context.Context, query string) (string, error) {
	ws, ok := d.provider.(llm.WebSearcher)
	if !ok {
		return "", ErrNoWebSearch
	}
	return ws.WebSearch(ctx, query)
}

// CheckQuota reports whether a dispatch for the given purpose would pass the
// quota gate right now, without dispatching. Callers that persist state
// before dispatching use it to fail before any write.
func (d *Dispatcher) CheckQuota(p Purpose) error {
	_, err := d.begin(p)
	return err
}

// Complete performs one dispatch and returns the final response.
//
// The quota is checked before the provider is called and incremented only
// after the call succeeds; a failed dispatch never consumes quota. When a
// schema is set and the reply does not contain a valid JSON object, one
// retry is made with the parse error fed back to the model.
func (d *Dispatcher) Complete(ctx context.Context, opts Options) (Result, error) {
	prof, err := d.begin(opts.Purpose)
	if err != nil {
		return Result{}, err
	}

	req, err := d.buildRequest(opts, prof)
	if err != nil {
		return Result{}, err
	}

	resp, err := d.provider.Complete(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("%s dispatch: %w", opts.Purpose, err)
	}

	content := resp.Content
	if opts.Schema != nil {
		content, err = d.salvageStructured(ctx, req, resp.Content)
		if err != nil {
			return Result{}, err
		}
	}

	d.finish(opts.Purpose, prof, req.Model, resp.Usage)
	return Result{Content: content, Model: req.Model, Usage: resp.Usage}, nil
}

// Stream performs one dispatch, delivering incremental text through fn and
// returning the accumulated reply. parentID is echoed in every chunk so the
// client can attach the stream to the message it extends. A cancelled stream
// is discarded: fn never sees a Done chunk and no quota is consumed.
func (d *Dispatcher) Stream(ctx context.Context, opts Options, parentID string, fn func(Chunk)) (string, *llm.Usage, error) {
	prof, err := d.begin(opts.Purpose)
	if err != nil {
		return "", nil, err
	}

	req, err := d.buildRequest(opts, prof)
	if err != nil {
		return "", nil, err
	}

	chunks := make(chan string)
	done := make(chan struct{})
	var usage *llm.Usage
	var streamErr error
	go func() {
		defer close(chunks)
		defer close(done)
		usage, streamErr = d.provider.Stream(ctx, req, chunks)
	}()

	var full strings.Builder
	for text := range chunks {
		full.WriteString(text)
		fn(Chunk{ParentID: parentID, Text: text})
	}
	<-done

	if streamErr != nil {
		return "", nil, fmt.Errorf("%s dispatch: %w", opts.Purpose, streamErr)
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	fn(Chunk{ParentID: parentID, Done: true})
	d.finish(opts.Purpose, prof, req.Model, usage)
	return full.String(), usage, nil
}

// begin resolves the purpose profile and performs the quota check.
func (d *Dispatcher) begin(p Purpose) (profile, error) {
	prof, ok := profiles[p]
	if !ok {
		return profile{}, fmt.Errorf("unknown dispatch purpose %q", p)
	}
	if prof.counted && d.user != nil && d.user.Quota != nil {
		if err := d.user.Quota.Check(prof.class); err != nil {
			return profile{}, err
		}
	}
	return prof, nil
}

// finish increments the quota and records usage after a successful dispatch.
func (d *Dispatcher) finish(p Purpose, prof profile, model string, usage *llm.Usage) {
	if prof.counted && d.user != nil && d.user.Quota != nil {
		if err := d.user.Quota.Increment(prof.class); err != nil {
			d.log.Warn("quota increment failed", "purpose", p, "err", err)
		}
	}
	if d.usage != nil && usage != nil {
		if err := d.usage.RecordUsage(string(p), model, *usage); err != nil {
			d.log.Warn("usage recording failed", "purpose", p, "err", err)
		}
	}
}

func (d *Dispatcher) buildRequest(opts Options, prof profile) (llm.Request, error) {
	model := opts.Model
	if model == "" {
		model = d.provider.DefaultModel()
	}
	if prof.fast {
		model = llm.FastModelFor(model)
	}

	req := llm.Request{
		Model:       model,
		Messages:    opts.Messages,
		MaxTokens:   d.cfg.MaxTokens,
		Temperature: float32(d.cfg.Temperature),
	}

	if opts.Schema != nil {
		normalized, err := llm.NormalizeSchemaStrict(opts.Schema.Raw)
		if err != nil {
			return llm.Request{}, fmt.Errorf("normalize %s schema: %w", opts.Schema.Name, err)
		}
		req.Schema = &llm.Schema{Name: opts.Schema.Name, Raw: normalized}
	}
	return req, nil
}

// salvageStructured extracts the JSON object from a structured reply. When
// no object can be found, the parse error is fed back to the model once; a
// second failure is returned to the caller.
func (d *Dispatcher) salvageStructured(ctx context.Context, req llm.Request, content string) (string, error) {
	obj, err := jsonx.ExtractObject(content)
	if err == nil {
		return obj, nil
	}

	d.log.Warn("structured reply unparseable, retrying once", "model", req.Model, "err", err)

	retry := req
	retry.Messages = append(append([]llm.ChatMessage{}, req.Messages...),
		llm.AssistantMessage(content),
		llm.UserMessage(fmt.Sprintf(
			"Your reply was not a valid JSON object (%v). Respond again with only the JSON object.", err)),
	)

	resp, err := d.provider.Complete(ctx, retry)
	if err != nil {
		return "", fmt.Errorf("structured retry: %w", err)
	}
	obj, err = jsonx.ExtractObject(resp.Content)
	if err != nil {
		return "", fmt.Errorf("%w after retry: %v", ErrSchemaConformance, err)
	}
	return obj, nil
}
