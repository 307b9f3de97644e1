// LiteLLM Provider implementation using go-openai library.
//
// Information Hiding:
// - Uses the OpenAI-compatible API exposed by a LiteLLM deployment
// - Model routing is the deployment's concern; we pass names through
// - The configured model list is authoritative for AvailableModels

package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// LiteLLMProvider implements the Provider interface against a LiteLLM
// gateway. Any model name the deployment routes is accepted.
type LiteLLMProvider struct {
	client *openai.Client
	models []string
}

// NewLiteLLMProvider creates a provider for the given LiteLLM base URL and
// configured model list. The first model in the list is the default.
func NewLiteLLMProvider(baseURL, apiKey string, models []string) (*LiteLLMProvider, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("litellm: configured model list is empty")
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL

	return &LiteLLMProvider{
		client: openai.NewClientWithConfig(cfg),
		models: models,
	}, nil
}

// Name returns the provider name.
func (p *LiteLLMProvider) Name() string { return "litellm" }

// Kind returns the provider kind.
func (p *LiteLLMProvider) Kind() Kind { return KindLiteLLM }

// DefaultModel returns the first configured model.
func (p *LiteLLMProvider) DefaultModel() string { return p.models[0] }

// Models returns the configured model list.
func (p *LiteLLMProvider) Models() []string { return p.models }

// Complete sends a completion request.
func (p *LiteLLMProvider) Complete(ctx context.Context, req Request) (Response, error) {
	return completeOpenAICompatible(ctx, p.client, req)
}

// Stream streams a completion.
func (p *LiteLLMProvider) Stream(ctx context.Context, req Request, chunks chan<- string) (*Usage, error) {
	return streamOpenAICompatible(ctx, p.client, req, chunks)
}

// Verify LiteLLMProvider implements Provider
var _ Provider = (*LiteLLMProvider)(nil)
