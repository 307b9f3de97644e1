// Package llm provides LLM provider abstractions.
//
// Provider is the single contract the dispatcher programs against. Each
// implementation hides:
// - API client initialization and authentication
// - Request/response format conversion
// - Provider-specific error handling

package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrAuth marks provider authentication failures so callers can distinguish
// a rejected credential from a transport error and prompt re-auth.
var ErrAuth = errors.New("provider rejected credentials")

// Provider defines the abstract interface for LLM providers.
// The set of implementations is closed: OpenAI, Anthropic, Gemini, LiteLLM,
// and the hosted relay, selected by Kind.
type Provider interface {
	// Name returns the provider name (for logging/debugging).
	Name() string

	// Kind returns the discriminating provider kind.
	Kind() Kind

	// DefaultModel returns the model used when a request leaves Model empty.
	DefaultModel() string

	// Complete sends a completion request and returns the full response.
	Complete(ctx context.Context, req Request) (Response, error)

	// Stream streams a completion, sending chunks to the provided channel.
	// Returns token usage when the provider reports it.
	Stream(ctx context.Context, req Request, chunks chan<- string) (*Usage, error)
}

// WebSearcher is implemented by providers that can answer a query with live
// web results. Providers without the capability simply don't implement it.
type WebSearcher interface {
	WebSearch(ctx context.Context, query string) (string, error)
}

// Kind discriminates the closed set of provider implementations.
type Kind int

const (
	KindOpenAI Kind = iota
	KindAnthropic
	KindGemini
	KindLiteLLM
	KindHostedRelay
)

// String returns the string representation of the provider kind.
func (k Kind) String() string {
	switch k {
	case KindOpenAI:
		return "openai"
	case KindAnthropic:
		return "anthropic"
	case KindGemini:
		return "gemini"
	case KindLiteLLM:
		return "litellm"
	case KindHostedRelay:
		return "hosted-relay"
	default:
		return "unknown"
	}
}

// Default model identifiers per provider family.
const (
	ModelOpenAIDefault    = "gpt-5.2"
	ModelAnthropicDefault = "claude-opus-4-5-20251101"
	ModelGeminiDefault    = "gemini-3-pro"
)

// Ordered fast-model lists per provider family, fastest first. Used when a
// purpose requires the fast model (inline completion, chat-name generation).
var fastModelsOpenAI = []string{"gpt-4o-mini", "o3-mini", "gpt-4o"}
var fastModelsAnthropic = []string{"claude-haiku-4-20250514", "claude-sonnet-4-20250514"}
var fastModelsGemini = []string{"gemini-3-flash", "gemini-2.0-flash"}

// FastModelFor resolves model to the fastest model of the same provider
// family. The resolver never crosses families: a model whose family cannot
// be determined is returned unchanged.
func FastModelFor(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3"):
		return fastModelsOpenAI[0]
	case strings.HasPrefix(model, "claude"):
		return fastModelsAnthropic[0]
	case strings.HasPrefix(model, "gemini"):
		return fastModelsGemini[0]
	default:
		return model
	}
}

// DefaultModelList is the site-wide model list offered when no deployment
// configuration (LiteLLM model list) overrides it.
var DefaultModelList = []string{
	ModelOpenAIDefault,
	ModelAnthropicDefault,
	ModelGeminiDefault,
	fastModelsOpenAI[0],
	fastModelsAnthropic[0],
	fastModelsGemini[0],
}
